package fake

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/0xsequence/reorgme/internal/engine"
)

var _ engine.Engine = (*Engine)(nil)

type containerState struct {
	id      string
	spec    engine.ContainerSpec
	running bool
	paused  bool
	// networks maps attached network to address; the address is empty
	// while the container is not running.
	networks  map[string]string
	cpuPeriod int64
	cpuQuota  int64
}

type networkState struct {
	id       string
	index    int
	internal bool
	nextHost int
}

// ContainerSnapshot is a copy of a fake container's state.
type ContainerSnapshot struct {
	Spec      engine.ContainerSpec
	Running   bool
	Paused    bool
	Networks  map[string]string
	CPUPeriod int64
	CPUQuota  int64
}

// Engine is an in-memory implementation of engine.Engine. Containers created
// with AutoRemove finish and disappear as soon as they are started.
type Engine struct {
	CallRecorder
	mu         sync.Mutex
	nextID     int
	nextNet    int
	containers map[string]*containerState
	volumes    map[string]bool
	networks   map[string]*networkState
	images     map[string]bool
	logs       map[string]string

	// FailOn injects an error for an operation ("ContainerStart", ...) on a
	// resource. Returning nil lets the call proceed.
	FailOn func(op, resource string) error
	// OnStart runs after a container started, outside the engine lock.
	OnStart func(name string, spec engine.ContainerSpec)
	// OnConnect and OnDisconnect run after network membership changed.
	OnConnect    func(network, container string)
	OnDisconnect func(network, container string)
	// OnLogs runs before every ContainerLogs read so tests can evolve output.
	OnLogs func(name string)
}

// NewEngine creates an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		containers: make(map[string]*containerState),
		volumes:    make(map[string]bool),
		networks:   make(map[string]*networkState),
		images:     make(map[string]bool),
		logs:       make(map[string]string),
	}
}

func (e *Engine) fail(op, resource string) error {
	if e.FailOn == nil {
		return nil
	}
	return engine.Wrap(op, resource, e.FailOn(op, resource))
}

func notFound(kind, name string) error {
	return fmt.Errorf("no such %s %q: %w", kind, name, errdefs.ErrNotFound)
}

func (e *Engine) WaitReady(ctx context.Context) error {
	e.record("WaitReady")
	return e.fail("WaitReady", "")
}

func (e *Engine) ImageExists(ctx context.Context, ref string) (bool, error) {
	e.record("ImageExists", ref)
	if err := e.fail("ImageExists", ref); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[ref], nil
}

func (e *Engine) ImagePull(ctx context.Context, ref string) error {
	e.record("ImagePull", ref)
	if err := e.fail("ImagePull", ref); err != nil {
		return err
	}
	e.AddImage(ref)
	return nil
}

// AddImage marks ref as locally available.
func (e *Engine) AddImage(ref string) {
	e.mu.Lock()
	e.images[ref] = true
	e.mu.Unlock()
}

func (e *Engine) ContainerCreate(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	e.record("ContainerCreate", spec.Name, spec)
	if err := e.fail("ContainerCreate", spec.Name); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.containers[spec.Name]; exists {
		return "", engine.Wrap("create container", spec.Name, fmt.Errorf("name in use: %w", errdefs.ErrConflict))
	}
	if !e.images[spec.Image] {
		return "", engine.Wrap("create container", spec.Name, notFound("image", spec.Image))
	}
	for _, m := range spec.Mounts {
		if m.Type == engine.MountVolume {
			e.volumes[m.Source] = true
		}
	}

	e.nextID++
	cs := &containerState{
		id:       fmt.Sprintf("%064x", e.nextID),
		spec:     spec,
		networks: make(map[string]string),
	}
	if spec.Network != "" {
		if _, ok := e.networks[spec.Network]; !ok {
			return "", engine.Wrap("create container", spec.Name, notFound("network", spec.Network))
		}
		cs.networks[spec.Network] = ""
	}
	e.containers[spec.Name] = cs
	return cs.id, nil
}

func (n *networkState) allocate() string {
	n.nextHost++
	return fmt.Sprintf("10.%d.0.%d", n.index, n.nextHost+1)
}

func (e *Engine) ContainerStart(ctx context.Context, name string) error {
	e.record("ContainerStart", name)
	if err := e.fail("ContainerStart", name); err != nil {
		return err
	}
	e.mu.Lock()
	cs, ok := e.lookupLocked(name)
	if !ok {
		e.mu.Unlock()
		return engine.Wrap("start container", name, notFound("container", name))
	}
	spec := cs.spec
	if spec.AutoRemove {
		delete(e.containers, spec.Name)
	} else {
		cs.running = true
		for network, addr := range cs.networks {
			if nw, ok := e.networks[network]; ok && addr == "" {
				cs.networks[network] = nw.allocate()
			}
		}
	}
	e.mu.Unlock()

	if e.OnStart != nil {
		e.OnStart(spec.Name, spec)
	}
	return nil
}

func (e *Engine) lookupLocked(name string) (*containerState, bool) {
	if cs, ok := e.containers[name]; ok {
		return cs, true
	}
	for _, cs := range e.containers {
		if cs.id == name {
			return cs, true
		}
	}
	return nil, false
}

func (e *Engine) ContainerStop(ctx context.Context, name string, timeout time.Duration) error {
	e.record("ContainerStop", name, timeout)
	if err := e.fail("ContainerStop", name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.lookupLocked(name)
	if !ok {
		return engine.Wrap("stop container", name, notFound("container", name))
	}
	cs.running = false
	cs.paused = false
	for network := range cs.networks {
		cs.networks[network] = ""
	}
	return nil
}

func (e *Engine) ContainerRemove(ctx context.Context, name string, force bool) error {
	e.record("ContainerRemove", name, force)
	if err := e.fail("ContainerRemove", name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.lookupLocked(name)
	if !ok {
		return engine.Wrap("remove container", name, notFound("container", name))
	}
	if cs.running && !force {
		return engine.Wrap("remove container", name, fmt.Errorf("container is running: %w", errdefs.ErrConflict))
	}
	delete(e.containers, cs.spec.Name)
	return nil
}

func (e *Engine) ContainerInspect(ctx context.Context, name string) (engine.ContainerInfo, error) {
	e.record("ContainerInspect", name)
	if err := e.fail("ContainerInspect", name); err != nil {
		return engine.ContainerInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.lookupLocked(name)
	if !ok {
		return engine.ContainerInfo{Name: name, Exists: false}, nil
	}
	networks := make(map[string]string, len(cs.networks))
	for k, v := range cs.networks {
		networks[k] = v
	}
	return engine.ContainerInfo{
		ID:       cs.id,
		Name:     cs.spec.Name,
		Exists:   true,
		Running:  cs.running,
		Paused:   cs.paused,
		Networks: networks,
	}, nil
}

func (e *Engine) ContainerList(ctx context.Context) ([]engine.ContainerSummary, error) {
	e.record("ContainerList")
	if err := e.fail("ContainerList", ""); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]engine.ContainerSummary, 0, len(e.containers))
	for name, cs := range e.containers {
		out = append(out, engine.ContainerSummary{ID: cs.id, Name: name, Running: cs.running})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e *Engine) ContainerPause(ctx context.Context, name string) error {
	e.record("ContainerPause", name)
	if err := e.fail("ContainerPause", name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.lookupLocked(name)
	if !ok {
		return engine.Wrap("pause container", name, notFound("container", name))
	}
	if !cs.running || cs.paused {
		return engine.Wrap("pause container", name, fmt.Errorf("container is not running: %w", errdefs.ErrConflict))
	}
	cs.paused = true
	return nil
}

func (e *Engine) ContainerUnpause(ctx context.Context, name string) error {
	e.record("ContainerUnpause", name)
	if err := e.fail("ContainerUnpause", name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.lookupLocked(name)
	if !ok {
		return engine.Wrap("unpause container", name, notFound("container", name))
	}
	if !cs.paused {
		return engine.Wrap("unpause container", name, fmt.Errorf("container is not paused: %w", errdefs.ErrConflict))
	}
	cs.paused = false
	return nil
}

func (e *Engine) ContainerUpdateCPU(ctx context.Context, name string, period, quota int64) error {
	e.record("ContainerUpdateCPU", name, period, quota)
	if err := e.fail("ContainerUpdateCPU", name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.lookupLocked(name)
	if !ok {
		return engine.Wrap("update container", name, notFound("container", name))
	}
	cs.cpuPeriod = period
	cs.cpuQuota = quota
	return nil
}

// SetLogs replaces the log output of a container.
func (e *Engine) SetLogs(name, text string) {
	e.mu.Lock()
	e.logs[name] = text
	e.mu.Unlock()
}

func (e *Engine) tail(name string, lines int) string {
	text := strings.TrimRight(e.logs[name], "\n")
	if text == "" {
		return ""
	}
	all := strings.Split(text, "\n")
	if lines > 0 && len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n")
}

func (e *Engine) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	e.record("ContainerLogs", name, tail)
	if err := e.fail("ContainerLogs", name); err != nil {
		return "", err
	}
	if e.OnLogs != nil {
		e.OnLogs(name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.lookupLocked(name); !ok {
		return "", engine.Wrap("container logs", name, notFound("container", name))
	}
	return e.tail(name, tail), nil
}

// LogStream returns the current tail and ends; the fake has no live output.
func (e *Engine) LogStream(ctx context.Context, name string, tail int) (io.ReadCloser, error) {
	e.record("LogStream", name, tail)
	if err := e.fail("LogStream", name); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.lookupLocked(name); !ok {
		return nil, engine.Wrap("container logs", name, notFound("container", name))
	}
	text := e.tail(name, tail)
	if text != "" {
		text += "\n"
	}
	return io.NopCloser(strings.NewReader(text)), nil
}

func (e *Engine) VolumeCreate(ctx context.Context, name string) error {
	e.record("VolumeCreate", name)
	if err := e.fail("VolumeCreate", name); err != nil {
		return err
	}
	e.mu.Lock()
	e.volumes[name] = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) VolumeRemove(ctx context.Context, name string) error {
	e.record("VolumeRemove", name)
	if err := e.fail("VolumeRemove", name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.volumes[name] {
		return engine.Wrap("remove volume", name, notFound("volume", name))
	}
	for cname, cs := range e.containers {
		for _, m := range cs.spec.Mounts {
			if m.Type == engine.MountVolume && m.Source == name {
				return engine.Wrap("remove volume", name, fmt.Errorf("volume is in use by %s: %w", cname, errdefs.ErrConflict))
			}
		}
	}
	delete(e.volumes, name)
	return nil
}

func (e *Engine) VolumeList(ctx context.Context) ([]string, error) {
	e.record("VolumeList")
	if err := e.fail("VolumeList", ""); err != nil {
		return nil, err
	}
	return e.Volumes(), nil
}

// Volumes returns the sorted names of all volumes.
func (e *Engine) Volumes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.volumes))
	for name := range e.volumes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) NetworkCreate(ctx context.Context, name string, internal bool) (string, error) {
	e.record("NetworkCreate", name, internal)
	if err := e.fail("NetworkCreate", name); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.networks[name]; exists {
		return "", engine.Wrap("create network", name, fmt.Errorf("network exists: %w", errdefs.ErrConflict))
	}
	e.nextNet++
	nw := &networkState{id: fmt.Sprintf("net%061x", e.nextNet), index: e.nextNet, internal: internal}
	e.networks[name] = nw
	return nw.id, nil
}

func (e *Engine) NetworkRemove(ctx context.Context, name string) error {
	e.record("NetworkRemove", name)
	if err := e.fail("NetworkRemove", name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.networkKeyLocked(name)
	if !ok {
		return engine.Wrap("remove network", name, notFound("network", name))
	}
	for cname, cs := range e.containers {
		if _, attached := cs.networks[key]; attached {
			return engine.Wrap("remove network", name, fmt.Errorf("network has active endpoint %s: %w", cname, errdefs.ErrConflict))
		}
	}
	delete(e.networks, key)
	return nil
}

// networkKeyLocked resolves a network name or id to its name.
func (e *Engine) networkKeyLocked(ref string) (string, bool) {
	if _, ok := e.networks[ref]; ok {
		return ref, true
	}
	for name, nw := range e.networks {
		if nw.id == ref {
			return name, true
		}
	}
	return "", false
}

func (e *Engine) NetworkList(ctx context.Context) ([]engine.NetworkSummary, error) {
	e.record("NetworkList")
	if err := e.fail("NetworkList", ""); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]engine.NetworkSummary, 0, len(e.networks))
	for name, nw := range e.networks {
		out = append(out, engine.NetworkSummary{ID: nw.id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e *Engine) NetworkConnect(ctx context.Context, network, container string) error {
	e.record("NetworkConnect", network, container)
	if err := e.fail("NetworkConnect", network); err != nil {
		return err
	}
	e.mu.Lock()
	nw, ok := e.networks[network]
	if !ok {
		e.mu.Unlock()
		return engine.Wrap("connect network", network, notFound("network", network))
	}
	cs, ok := e.lookupLocked(container)
	if !ok {
		e.mu.Unlock()
		return engine.Wrap("connect network", network, notFound("container", container))
	}
	if _, attached := cs.networks[network]; attached {
		e.mu.Unlock()
		return engine.Wrap("connect network", network, fmt.Errorf("endpoint %s already exists: %w", container, errdefs.ErrConflict))
	}
	cs.networks[network] = ""
	if cs.running {
		cs.networks[network] = nw.allocate()
	}
	name := cs.spec.Name
	e.mu.Unlock()

	if e.OnConnect != nil {
		e.OnConnect(network, name)
	}
	return nil
}

func (e *Engine) NetworkDisconnect(ctx context.Context, network, container string) error {
	e.record("NetworkDisconnect", network, container)
	if err := e.fail("NetworkDisconnect", network); err != nil {
		return err
	}
	e.mu.Lock()
	cs, ok := e.lookupLocked(container)
	if !ok {
		e.mu.Unlock()
		return engine.Wrap("disconnect network", network, notFound("container", container))
	}
	if _, attached := cs.networks[network]; !attached {
		e.mu.Unlock()
		return engine.Wrap("disconnect network", network, fmt.Errorf("container %s is not connected: %w", container, errdefs.ErrNotFound))
	}
	delete(cs.networks, network)
	name := cs.spec.Name
	e.mu.Unlock()

	if e.OnDisconnect != nil {
		e.OnDisconnect(network, name)
	}
	return nil
}

func (e *Engine) Close() error {
	e.record("Close")
	return nil
}

// Container returns a snapshot of the named container.
func (e *Engine) Container(name string) (ContainerSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.lookupLocked(name)
	if !ok {
		return ContainerSnapshot{}, false
	}
	networks := make(map[string]string, len(cs.networks))
	for k, v := range cs.networks {
		networks[k] = v
	}
	return ContainerSnapshot{
		Spec:      cs.spec,
		Running:   cs.running,
		Paused:    cs.paused,
		Networks:  networks,
		CPUPeriod: cs.cpuPeriod,
		CPUQuota:  cs.cpuQuota,
	}, true
}

// ContainerNames returns the sorted names of all containers.
func (e *Engine) ContainerNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.containers))
	for name := range e.containers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NetworkNames returns the sorted names of all networks.
func (e *Engine) NetworkNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.networks))
	for name := range e.networks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ContainerByIP finds the container holding ip on any network.
func (e *Engine) ContainerByIP(ip string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cs := range e.containers {
		for _, addr := range cs.networks {
			if addr == ip {
				return name, true
			}
		}
	}
	return "", false
}
