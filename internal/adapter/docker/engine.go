// Package docker implements engine.Engine on the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/0xsequence/reorgme/internal/engine"
)

var _ engine.Engine = (*Engine)(nil)

// Engine implements engine.Engine using the Docker Engine API.
type Engine struct {
	cli client.APIClient
}

// New creates an Engine with a client configured from the environment.
// A non-empty host overrides DOCKER_HOST.
func New(host string) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// NewFromClient wraps an existing Docker client.
func NewFromClient(cli client.APIClient) *Engine {
	return &Engine{cli: cli}
}

func (e *Engine) WaitReady(ctx context.Context) error {
	return WaitReady(ctx, e.cli)
}

func (e *Engine) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := e.cli.ImageInspect(ctx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, engine.Wrap("inspect image", ref, err)
	}
	return true, nil
}

func (e *Engine) ImagePull(ctx context.Context, ref string) error {
	slog.Info("Pulling image.", "image", ref)
	resp, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return engine.Wrap("pull image", ref, err)
	}
	defer resp.Close()
	if _, err := io.Copy(io.Discard, resp); err != nil {
		return engine.Wrap("pull image", ref, fmt.Errorf("read response: %w", err))
	}
	return nil
}

func (e *Engine) ContainerCreate(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	cc := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Tty:    spec.Tty,
		Labels: spec.Labels,
	}
	if len(spec.ExposedPorts) > 0 {
		cc.ExposedPorts = make(nat.PortSet, len(spec.ExposedPorts))
		for _, p := range spec.ExposedPorts {
			cc.ExposedPorts[nat.Port(p)] = struct{}{}
		}
	}

	hc := &container.HostConfig{
		AutoRemove: spec.AutoRemove,
	}
	if spec.Network != "" {
		hc.NetworkMode = container.NetworkMode(spec.Network)
	}
	hc.Mounts = make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mt := mount.TypeVolume
		if m.Type == engine.MountBind {
			mt = mount.TypeBind
		}
		hc.Mounts = append(hc.Mounts, mount.Mount{
			Type:     mt,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := e.cli.ContainerCreate(ctx, cc, hc, nil, (*ocispec.Platform)(nil), spec.Name)
	if err != nil {
		return "", engine.Wrap("create container", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		slog.Debug("Container create warning.", "container", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

func (e *Engine) ContainerStart(ctx context.Context, name string) error {
	return engine.Wrap("start container", name, e.cli.ContainerStart(ctx, name, container.StartOptions{}))
}

func (e *Engine) ContainerStop(ctx context.Context, name string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout >= 0 {
		secs := int(math.Ceil(timeout.Seconds()))
		opts.Timeout = &secs
	}
	return engine.Wrap("stop container", name, e.cli.ContainerStop(ctx, name, opts))
}

func (e *Engine) ContainerRemove(ctx context.Context, name string, force bool) error {
	return engine.Wrap("remove container", name, e.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: force}))
}

func (e *Engine) ContainerInspect(ctx context.Context, name string) (engine.ContainerInfo, error) {
	info, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return engine.ContainerInfo{Name: name, Exists: false}, nil
		}
		return engine.ContainerInfo{}, engine.Wrap("inspect container", name, err)
	}

	out := engine.ContainerInfo{
		ID:       info.ID,
		Name:     strings.TrimPrefix(info.Name, "/"),
		Exists:   true,
		Networks: make(map[string]string),
	}
	if info.State != nil {
		out.Running = info.State.Running
		out.Paused = info.State.Paused
	}
	if info.NetworkSettings != nil {
		for nw, ep := range info.NetworkSettings.Networks {
			if ep == nil {
				continue
			}
			out.Networks[nw] = ep.IPAddress
		}
	}
	return out, nil
}

func (e *Engine) ContainerList(ctx context.Context) ([]engine.ContainerSummary, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, engine.Wrap("list containers", "", err)
	}
	out := make([]engine.ContainerSummary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, engine.ContainerSummary{
			ID:      c.ID,
			Name:    name,
			Running: c.State == "running",
		})
	}
	return out, nil
}

func (e *Engine) ContainerPause(ctx context.Context, name string) error {
	return engine.Wrap("pause container", name, e.cli.ContainerPause(ctx, name))
}

func (e *Engine) ContainerUnpause(ctx context.Context, name string) error {
	return engine.Wrap("unpause container", name, e.cli.ContainerUnpause(ctx, name))
}

func (e *Engine) ContainerUpdateCPU(ctx context.Context, name string, period, quota int64) error {
	_, err := e.cli.ContainerUpdate(ctx, name, container.UpdateConfig{
		Resources: container.Resources{CPUPeriod: period, CPUQuota: quota},
	})
	return engine.Wrap("update container", name, err)
}

func (e *Engine) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	rc, err := e.cli.ContainerLogs(ctx, name, logsOptions(tail, false))
	if err != nil {
		return "", engine.Wrap("container logs", name, err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", engine.Wrap("container logs", name, fmt.Errorf("demultiplex: %w", err))
	}
	return string(bytes.TrimSpace(out.Bytes())), nil
}

// LogStream demultiplexes the followed log stream into a single reader.
// Closing the reader stops following.
func (e *Engine) LogStream(ctx context.Context, name string, tail int) (io.ReadCloser, error) {
	rc, err := e.cli.ContainerLogs(ctx, name, logsOptions(tail, true))
	if err != nil {
		return nil, engine.Wrap("container logs", name, err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		_ = rc.Close()
		pw.CloseWithError(err)
	}()
	return &logStream{PipeReader: pr, src: rc}, nil
}

type logStream struct {
	*io.PipeReader
	src io.Closer
}

func (s *logStream) Close() error {
	_ = s.src.Close()
	return s.PipeReader.Close()
}

func logsOptions(tail int, follow bool) container.LogsOptions {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       "all",
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	return opts
}

func (e *Engine) VolumeCreate(ctx context.Context, name string) error {
	_, err := e.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	return engine.Wrap("create volume", name, err)
}

func (e *Engine) VolumeRemove(ctx context.Context, name string) error {
	return engine.Wrap("remove volume", name, e.cli.VolumeRemove(ctx, name, true))
}

func (e *Engine) VolumeList(ctx context.Context) ([]string, error) {
	resp, err := e.cli.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, engine.Wrap("list volumes", "", err)
	}
	out := make([]string, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v != nil {
			out = append(out, v.Name)
		}
	}
	return out, nil
}

func (e *Engine) NetworkCreate(ctx context.Context, name string, internal bool) (string, error) {
	resp, err := e.cli.NetworkCreate(ctx, name, dockernetwork.CreateOptions{
		Driver:   "bridge",
		Scope:    "local",
		Internal: internal,
	})
	if err != nil {
		return "", engine.Wrap("create network", name, err)
	}
	return resp.ID, nil
}

func (e *Engine) NetworkRemove(ctx context.Context, name string) error {
	return engine.Wrap("remove network", name, e.cli.NetworkRemove(ctx, name))
}

func (e *Engine) NetworkList(ctx context.Context) ([]engine.NetworkSummary, error) {
	networks, err := e.cli.NetworkList(ctx, dockernetwork.ListOptions{})
	if err != nil {
		return nil, engine.Wrap("list networks", "", err)
	}
	out := make([]engine.NetworkSummary, 0, len(networks))
	for _, nw := range networks {
		out = append(out, engine.NetworkSummary{ID: nw.ID, Name: nw.Name})
	}
	return out, nil
}

func (e *Engine) NetworkConnect(ctx context.Context, network, containerName string) error {
	return engine.Wrap("connect network", network, e.cli.NetworkConnect(ctx, network, containerName, nil))
}

func (e *Engine) NetworkDisconnect(ctx context.Context, network, containerName string) error {
	return engine.Wrap("disconnect network", network, e.cli.NetworkDisconnect(ctx, network, containerName, false))
}

func (e *Engine) Close() error {
	return e.cli.Close()
}
