package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/0xsequence/reorgme/internal/engine"
)

// fakeDocker records calls and returns configured responses.
type fakeDocker struct {
	client.APIClient

	inspectResult container.InspectResponse
	inspectErr    error
	listResult    []container.Summary
	logs          []byte
	stopOpts      *container.StopOptions
	created       *container.Config
	hostCfg       *container.HostConfig

	calls []string
}

func (f *fakeDocker) ContainerInspect(_ context.Context, _ string) (container.InspectResponse, error) {
	f.calls = append(f.calls, "Inspect")
	return f.inspectResult, f.inspectErr
}

func (f *fakeDocker) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	f.calls = append(f.calls, "List")
	return f.listResult, nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, _ string, opts container.StopOptions) error {
	f.calls = append(f.calls, "Stop")
	f.stopOpts = &opts
	return nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.calls = append(f.calls, "Create")
	f.created = cfg
	f.hostCfg = hc
	return container.CreateResponse{ID: "abc"}, nil
}

func (f *fakeDocker) ContainerLogs(_ context.Context, _ string, _ container.LogsOptions) (io.ReadCloser, error) {
	f.calls = append(f.calls, "Logs")
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerPause(_ context.Context, _ string) error {
	f.calls = append(f.calls, "Pause")
	return errors.New("daemon exploded")
}

func TestContainerInspectNotFound(t *testing.T) {
	t.Parallel()

	e := NewFromClient(&fakeDocker{inspectErr: errdefs.ErrNotFound})
	info, err := e.ContainerInspect(t.Context(), "gone")
	require.NoError(t, err)
	require.False(t, info.Exists)
}

func TestContainerInspectMapsState(t *testing.T) {
	t.Parallel()

	fd := &fakeDocker{inspectResult: container.InspectResponse{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    "abc",
			Name:  "/node",
			State: &types.ContainerState{Running: true, Paused: true},
		},
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"ext": {IPAddress: "172.20.0.2"},
				"int": nil,
			},
		},
	}}
	info, err := NewFromClient(fd).ContainerInspect(t.Context(), "node")
	require.NoError(t, err)
	require.Equal(t, "node", info.Name)
	require.True(t, info.Running)
	require.True(t, info.Paused)

	ip, ok := info.IP("ext")
	require.True(t, ok)
	require.Equal(t, "172.20.0.2", ip)
	_, ok = info.IP("int")
	require.False(t, ok)
}

func TestContainerListTrimsNames(t *testing.T) {
	t.Parallel()

	fd := &fakeDocker{listResult: []container.Summary{
		{ID: "1", Names: []string{"/reorgme_geth_child_1_0"}, State: "running"},
		{ID: "2", Names: []string{"/other"}, State: "exited"},
	}}
	list, err := NewFromClient(fd).ContainerList(t.Context())
	require.NoError(t, err)
	require.Equal(t, []engine.ContainerSummary{
		{ID: "1", Name: "reorgme_geth_child_1_0", Running: true},
		{ID: "2", Name: "other", Running: false},
	}, list)
}

func TestContainerStopTimeout(t *testing.T) {
	t.Parallel()

	fd := &fakeDocker{}
	e := NewFromClient(fd)
	require.NoError(t, e.ContainerStop(t.Context(), "n", 1500*time.Millisecond))
	require.NotNil(t, fd.stopOpts.Timeout)
	require.Equal(t, 2, *fd.stopOpts.Timeout)

	require.NoError(t, e.ContainerStop(t.Context(), "n", 0))
	require.NotNil(t, fd.stopOpts.Timeout, "zero kills without a grace period")
	require.Equal(t, 0, *fd.stopOpts.Timeout)

	require.NoError(t, e.ContainerStop(t.Context(), "n", engine.DaemonStopTimeout))
	require.Nil(t, fd.stopOpts.Timeout)
}

func TestContainerCreateTranslatesSpec(t *testing.T) {
	t.Parallel()

	fd := &fakeDocker{}
	id, err := NewFromClient(fd).ContainerCreate(t.Context(), engine.ContainerSpec{
		Name:         "node",
		Image:        "geth",
		Network:      "ext",
		ExposedPorts: []string{"8545/tcp"},
		AutoRemove:   true,
		Mounts: []engine.Mount{
			{Type: engine.MountVolume, Source: "vol", Target: "/data"},
			{Type: engine.MountBind, Source: "/tmp/g", Target: "/genesis", ReadOnly: true},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "abc", id)
	require.Contains(t, fd.created.ExposedPorts, nat.Port("8545/tcp"))
	require.Equal(t, container.NetworkMode("ext"), fd.hostCfg.NetworkMode)
	require.True(t, fd.hostCfg.AutoRemove)
	require.Len(t, fd.hostCfg.Mounts, 2)
	require.Equal(t, "volume", string(fd.hostCfg.Mounts[0].Type))
	require.Equal(t, "bind", string(fd.hostCfg.Mounts[1].Type))
}

func TestContainerLogsDemultiplexes(t *testing.T) {
	t.Parallel()

	var framed bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stdout).Write([]byte("line one\n"))
	_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stderr).Write([]byte("Generating DAG in progress\n"))

	e := NewFromClient(&fakeDocker{logs: framed.Bytes()})
	text, err := e.ContainerLogs(t.Context(), "n", 16)
	require.NoError(t, err)
	require.Equal(t, "line one\nGenerating DAG in progress", text)

	rc, err := NewFromClient(&fakeDocker{logs: framed.Bytes()}).LogStream(t.Context(), "n", 10)
	require.NoError(t, err)
	defer rc.Close()
	streamed, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "line one\nGenerating DAG in progress\n", string(streamed))
}

func TestErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	err := NewFromClient(&fakeDocker{}).ContainerPause(t.Context(), "n")
	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, "pause container", engErr.Op)
	require.Equal(t, "n", engErr.Resource)
}

func TestLogsOptions(t *testing.T) {
	t.Parallel()

	require.Equal(t, "all", logsOptions(0, false).Tail)
	opts := logsOptions(10, true)
	require.Equal(t, "10", opts.Tail)
	require.True(t, opts.Follow)
	require.True(t, opts.ShowStderr)
}
