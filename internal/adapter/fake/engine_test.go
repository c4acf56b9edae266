package fake

import (
	"io"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"

	"github.com/0xsequence/reorgme/internal/engine"
)

func TestEngineContainerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	e := NewEngine()
	e.AddImage("geth")
	_, err := e.NetworkCreate(ctx, "ext", false)
	require.NoError(t, err)

	_, err = e.ContainerCreate(ctx, engine.ContainerSpec{
		Name:    "node",
		Image:   "geth",
		Network: "ext",
		Mounts:  []engine.Mount{{Type: engine.MountVolume, Source: "vol", Target: "/data"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"vol"}, e.Volumes())

	require.NoError(t, e.ContainerStart(ctx, "node"))
	info, err := e.ContainerInspect(ctx, "node")
	require.NoError(t, err)
	require.True(t, info.Exists)
	require.True(t, info.Running)
	ip, ok := info.IP("ext")
	require.True(t, ok)

	name, ok := e.ContainerByIP(ip)
	require.True(t, ok)
	require.Equal(t, "node", name)

	err = e.ContainerRemove(ctx, "node", false)
	require.True(t, errdefs.IsConflict(err))
	err = e.VolumeRemove(ctx, "vol")
	require.True(t, errdefs.IsConflict(err))

	require.NoError(t, e.ContainerRemove(ctx, "node", true))
	info, err = e.ContainerInspect(ctx, "node")
	require.NoError(t, err)
	require.False(t, info.Exists)
	require.NoError(t, e.VolumeRemove(ctx, "vol"))
}

func TestEngineCreateRequiresImage(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	_, err := e.ContainerCreate(t.Context(), engine.ContainerSpec{Name: "c", Image: "missing"})
	require.True(t, engine.IsNotFound(err))

	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, "c", engErr.Resource)
}

func TestEngineAutoRemoveVanishesOnStart(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	e := NewEngine()
	e.AddImage("alpine")
	var started []string
	e.OnStart = func(name string, spec engine.ContainerSpec) { started = append(started, name) }

	_, err := e.ContainerCreate(ctx, engine.ContainerSpec{Name: "copy", Image: "alpine", AutoRemove: true})
	require.NoError(t, err)
	require.NoError(t, e.ContainerStart(ctx, "copy"))

	require.Equal(t, []string{"copy"}, started)
	require.Empty(t, e.ContainerNames())
}

func TestEnginePauseUnpause(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	e := NewEngine()
	e.AddImage("geth")
	_, err := e.ContainerCreate(ctx, engine.ContainerSpec{Name: "n", Image: "geth"})
	require.NoError(t, err)

	require.Error(t, e.ContainerPause(ctx, "n"), "stopped container cannot be paused")
	require.NoError(t, e.ContainerStart(ctx, "n"))
	require.NoError(t, e.ContainerPause(ctx, "n"))

	info, err := e.ContainerInspect(ctx, "n")
	require.NoError(t, err)
	require.True(t, info.Paused)

	require.NoError(t, e.ContainerUnpause(ctx, "n"))
	require.Error(t, e.ContainerUnpause(ctx, "n"))
}

func TestEngineNetworkMembership(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	e := NewEngine()
	e.AddImage("geth")
	_, err := e.NetworkCreate(ctx, "int", true)
	require.NoError(t, err)
	_, err = e.NetworkCreate(ctx, "int", true)
	require.True(t, errdefs.IsConflict(err))

	_, err = e.ContainerCreate(ctx, engine.ContainerSpec{Name: "n", Image: "geth"})
	require.NoError(t, err)

	var events []string
	e.OnConnect = func(nw, c string) { events = append(events, "connect "+nw+" "+c) }
	e.OnDisconnect = func(nw, c string) { events = append(events, "disconnect "+nw+" "+c) }

	require.NoError(t, e.NetworkConnect(ctx, "int", "n"))
	require.Error(t, e.NetworkConnect(ctx, "int", "n"))
	require.True(t, errdefs.IsConflict(e.NetworkRemove(ctx, "int")))
	require.NoError(t, e.NetworkDisconnect(ctx, "int", "n"))
	require.True(t, engine.IsNotFound(e.NetworkDisconnect(ctx, "int", "n")))
	require.NoError(t, e.NetworkRemove(ctx, "int"))

	require.Equal(t, []string{"connect int n", "disconnect int n"}, events)
}

func TestEngineAddressesFollowRunState(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	e := NewEngine()
	e.AddImage("geth")
	_, err := e.NetworkCreate(ctx, "ext", false)
	require.NoError(t, err)
	_, err = e.NetworkCreate(ctx, "int", true)
	require.NoError(t, err)
	_, err = e.ContainerCreate(ctx, engine.ContainerSpec{Name: "n", Image: "geth", Network: "ext"})
	require.NoError(t, err)
	require.NoError(t, e.NetworkConnect(ctx, "int", "n"))

	addresses := func() (string, string, bool) {
		info, err := e.ContainerInspect(ctx, "n")
		require.NoError(t, err)
		_, attached := info.Networks["int"]
		ext, _ := info.IP("ext")
		in, _ := info.IP("int")
		require.True(t, attached)
		return ext, in, ext != "" && in != ""
	}

	_, _, ok := addresses()
	require.False(t, ok, "created containers have no address")

	require.NoError(t, e.ContainerStart(ctx, "n"))
	ext, in, ok := addresses()
	require.True(t, ok)
	owner, found := e.ContainerByIP(ext)
	require.True(t, found)
	require.Equal(t, "n", owner)

	require.NoError(t, e.ContainerPause(ctx, "n"))
	pausedExt, pausedIn, ok := addresses()
	require.True(t, ok, "paused containers keep their address")
	require.Equal(t, ext, pausedExt)
	require.Equal(t, in, pausedIn)

	require.NoError(t, e.ContainerStop(ctx, "n", 0))
	_, _, ok = addresses()
	require.False(t, ok, "stopped containers lose their address but stay attached")
	_, found = e.ContainerByIP(ext)
	require.False(t, found)

	require.NoError(t, e.ContainerStart(ctx, "n"))
	_, _, ok = addresses()
	require.True(t, ok)
}

func TestEngineLogsTail(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	e := NewEngine()
	e.AddImage("geth")
	_, err := e.ContainerCreate(ctx, engine.ContainerSpec{Name: "n", Image: "geth"})
	require.NoError(t, err)
	e.SetLogs("n", "a\nb\nc\n")

	all, err := e.ContainerLogs(ctx, "n", 0)
	require.NoError(t, err)
	require.Equal(t, "a\nb\nc", all)

	last, err := e.ContainerLogs(ctx, "n", 2)
	require.NoError(t, err)
	require.Equal(t, "b\nc", last)

	rc, err := e.LogStream(ctx, "n", 1)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "c\n", string(data))
}

func TestEngineFailOn(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	e.FailOn = func(op, resource string) error {
		if op == "VolumeCreate" && resource == "bad" {
			return errdefs.ErrUnavailable
		}
		return nil
	}
	require.NoError(t, e.VolumeCreate(t.Context(), "good"))
	err := e.VolumeCreate(t.Context(), "bad")
	require.ErrorIs(t, err, errdefs.ErrUnavailable)
	require.Equal(t, 2, e.Count("VolumeCreate"))
}
