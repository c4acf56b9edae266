package fake

import "testing"

func TestCallRecorderFilters(t *testing.T) {
	var r CallRecorder

	r.record("ContainerStart", "a")
	r.record("VolumeCreate", "v")
	r.record("ContainerStart", "b")

	if got := len(r.Calls("")); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
	if got := r.Count("ContainerStart"); got != 2 {
		t.Fatalf("expected 2 ContainerStart calls, got %d", got)
	}
	if got := r.CallsWith("ContainerStart", "b"); len(got) != 1 || got[0].Args[0] != "b" {
		t.Fatalf("CallsWith(ContainerStart, b) = %+v", got)
	}
	if got := r.Count("NetworkCreate"); got != 0 {
		t.Errorf("expected 0 NetworkCreate calls, got %d", got)
	}
}

func TestCallRecorderReset(t *testing.T) {
	var r CallRecorder

	r.record("Foo")
	r.record("Bar")
	r.Reset()

	if got := len(r.Calls("")); got != 0 {
		t.Errorf("expected 0 calls after reset, got %d", got)
	}
}
