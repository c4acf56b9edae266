package dataset

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"

	"github.com/0xsequence/reorgme/config"
	"github.com/0xsequence/reorgme/internal/adapter/fake"
	"github.com/0xsequence/reorgme/internal/engine"
	"github.com/0xsequence/reorgme/internal/naming"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PollInterval = time.Millisecond
	cfg.DatasetPollInterval = time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, names naming.Namer) *fake.Engine {
	t.Helper()
	e := fake.NewEngine()
	e.AddImage(cfg.NodeImage)
	e.AddImage(cfg.UtilityImage)
	_, err := e.NetworkCreate(t.Context(), names.Network(), true)
	require.NoError(t, err)
	return e
}

func TestBuildWaitsForMarkerToScrollOut(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	names := naming.New(4)
	e := newTestEngine(t, cfg, names)

	reads := 0
	e.OnLogs = func(name string) {
		if name != names.DatasetContainer() {
			return
		}
		reads++
		switch reads {
		case 1:
			e.SetLogs(name, "Starting Geth\n")
		case 2:
			e.SetLogs(name, "Starting Geth\n"+cfg.DatasetMarker+" percentage=1\n")
		case 4:
			tail := strings.Repeat("Imported new chain segment\n", cfg.DatasetLogTail)
			e.SetLogs(name, "Starting Geth\n"+cfg.DatasetMarker+" percentage=99\n"+tail)
		}
	}

	b := New(e, names, cfg)
	require.NoError(t, b.Build(t.Context(), "/tmp/reorgme_4"))
	require.Equal(t, 4, reads)

	logCalls := e.CallsWith("ContainerLogs", names.DatasetContainer())
	require.Equal(t, 0, logCalls[0].Args[1], "first phase reads the whole log")
	require.Equal(t, cfg.DatasetLogTail, logCalls[2].Args[1], "second phase reads the tail")

	require.Empty(t, e.ContainerNames(), "init and miner containers are gone")
	require.Equal(t, []string{names.DatasetVolume()}, e.Volumes())

	creates := e.Calls("ContainerCreate")
	require.Len(t, creates, 2)
	initSpec := creates[0].Args[1].(engine.ContainerSpec)
	require.Equal(t, names.InitContainer(), initSpec.Name)
	require.Equal(t, []string{"init", "--datadir", DataDir, GenesisDir + "/genesis.json"}, initSpec.Cmd)
	require.True(t, initSpec.AutoRemove)
	require.Equal(t, "/tmp/reorgme_4", initSpec.Mounts[0].Source)

	minerSpec := creates[1].Args[1].(engine.ContainerSpec)
	require.Equal(t, MinerArgs(cfg.Etherbase), minerSpec.Cmd)
	require.Len(t, e.CallsWith("ContainerStop", names.DatasetContainer()), 1)
}

func TestBuildDoesNotFinishBeforeGenerationStarts(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	names := naming.New(5)
	e := newTestEngine(t, cfg, names)
	e.OnLogs = func(name string) { e.SetLogs(name, "Starting Geth\n") }

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err := New(e, names, cfg).Build(ctx, t.TempDir())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, e.Count("ContainerStop"))
}

func TestBuildAbortsOnEngineError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	names := naming.New(6)
	e := newTestEngine(t, cfg, names)
	e.FailOn = func(op, resource string) error {
		if op == "ContainerStart" && resource == names.InitContainer() {
			return errdefs.ErrUnavailable
		}
		return nil
	}

	err := New(e, names, cfg).Build(t.Context(), t.TempDir())
	var engErr *engine.Error
	require.True(t, errors.As(err, &engErr))
	require.Equal(t, 0, e.Count("ContainerLogs"))
}

func TestCopyToAndCleanup(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	names := naming.New(7)
	e := newTestEngine(t, cfg, names)
	require.NoError(t, e.VolumeCreate(t.Context(), names.DatasetVolume()))

	b := New(e, names, cfg)
	for i := 0; i < naming.NodeCount; i++ {
		require.NoError(t, b.CopyTo(t.Context(), i))
	}
	require.Empty(t, e.ContainerNames())

	spec := e.CallsWith("ContainerCreate", names.CopyContainer(2))[0].Args[1].(engine.ContainerSpec)
	require.Equal(t, cfg.UtilityImage, spec.Image)
	require.Equal(t, []string{"cp", "-a", "-v", "/data1/.", "/data2"}, spec.Cmd)
	require.Equal(t, names.Volume(2), spec.Mounts[1].Source)

	require.NoError(t, b.Cleanup(t.Context()))
	require.NoError(t, b.Cleanup(t.Context()), "cleanup is idempotent")
	require.Equal(t, []string{names.Volume(0), names.Volume(1), names.Volume(2)}, e.Volumes())
}
