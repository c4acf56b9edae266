// Package engine defines the container engine operations a cluster needs.
//
// Production: adapter/docker.Engine (Docker Engine API)
// Testing: adapter/fake.Engine (in-memory)
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/containerd/errdefs"
)

// Engine abstracts the container engine.
type Engine interface {
	// Daemon health
	WaitReady(ctx context.Context) error

	// Images
	ImageExists(ctx context.Context, ref string) (bool, error)
	ImagePull(ctx context.Context, ref string) error

	// Container lifecycle
	ContainerCreate(ctx context.Context, spec ContainerSpec) (string, error)
	ContainerStart(ctx context.Context, name string) error
	// ContainerStop kills the container once timeout elapsed; 0 kills it
	// right away and DaemonStopTimeout leaves the grace period to the engine.
	ContainerStop(ctx context.Context, name string, timeout time.Duration) error
	ContainerRemove(ctx context.Context, name string, force bool) error
	ContainerInspect(ctx context.Context, name string) (ContainerInfo, error)
	ContainerList(ctx context.Context) ([]ContainerSummary, error)
	ContainerPause(ctx context.Context, name string) error
	ContainerUnpause(ctx context.Context, name string) error
	ContainerUpdateCPU(ctx context.Context, name string, period, quota int64) error

	// Logs returns the last tail lines (tail <= 0 means all) as plain text.
	ContainerLogs(ctx context.Context, name string, tail int) (string, error)
	// LogStream follows the container output until ctx is done.
	LogStream(ctx context.Context, name string, tail int) (io.ReadCloser, error)

	// Volumes
	VolumeCreate(ctx context.Context, name string) error
	VolumeRemove(ctx context.Context, name string) error
	VolumeList(ctx context.Context) ([]string, error)

	// Networks
	NetworkCreate(ctx context.Context, name string, internal bool) (string, error)
	NetworkRemove(ctx context.Context, name string) error
	NetworkList(ctx context.Context) ([]NetworkSummary, error)
	NetworkConnect(ctx context.Context, network, container string) error
	NetworkDisconnect(ctx context.Context, network, container string) error

	Close() error
}

// DaemonStopTimeout asks ContainerStop for the engine's default grace period.
const DaemonStopTimeout time.Duration = -1

// MountType selects how a Mount is backed.
type MountType string

const (
	MountVolume MountType = "volume"
	MountBind   MountType = "bind"
)

// Mount attaches a volume or host path to a container.
type Mount struct {
	Type     MountType
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec holds parameters for creating a container.
type ContainerSpec struct {
	Name  string
	Image string
	Cmd   []string
	// Network is the network the container joins at creation.
	Network string
	Mounts  []Mount
	// ExposedPorts uses the "8545/tcp" form.
	ExposedPorts []string
	// AutoRemove makes the engine delete the container once it exits.
	AutoRemove bool
	Tty        bool
	Labels     map[string]string
}

// ContainerInfo describes the state of a container.
type ContainerInfo struct {
	ID      string
	Name    string
	Exists  bool
	Running bool
	Paused  bool
	// Networks maps network name to the container's address on it.
	Networks map[string]string
}

// IP returns the container's address on network, if attached and assigned.
func (c ContainerInfo) IP(network string) (string, bool) {
	ip, ok := c.Networks[network]
	if !ok || ip == "" {
		return "", false
	}
	return ip, true
}

// ContainerSummary is one entry of a container listing.
type ContainerSummary struct {
	ID      string
	Name    string
	Running bool
}

// NetworkSummary is one entry of a network listing.
type NetworkSummary struct {
	ID   string
	Name string
}

// Error is returned for every failed engine operation.
type Error struct {
	Op       string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine %s %q: %v", e.Op, e.Resource, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err and an *Error otherwise.
func Wrap(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	return &Error{Op: op, Resource: resource, Err: err}
}

// IsNotFound reports whether err says the resource does not exist.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}
