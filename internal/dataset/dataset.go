// Package dataset builds the ethash mining dataset once per cluster start and
// replicates it into every node volume.
//
// Generating the DAG is the most expensive part of bringing up a miner, so a
// single throwaway node generates it into a scratch volume and each node
// starts from a copy.
package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/0xsequence/reorgme/config"
	"github.com/0xsequence/reorgme/internal/engine"
	"github.com/0xsequence/reorgme/internal/naming"
	"github.com/0xsequence/reorgme/internal/telemetry"
	"github.com/0xsequence/reorgme/internal/wait"
)

const (
	// DataDir is where node volumes are mounted inside geth containers.
	DataDir = "/data"
	// GenesisDir is where the host genesis directory is mounted for init.
	GenesisDir = "/genesis"

	copySource = "/data1"
	copyTarget = "/data2"

	// minerStopTimeout lets the dataset miner flush its database.
	minerStopTimeout = 60 * time.Second
)

// MinerArgs are the geth flags shared by the dataset miner and every node.
func MinerArgs(etherbase string) []string {
	return []string{
		"--datadir", DataDir,
		"--mine",
		"--miner.threads", "1",
		"--miner.etherbase", etherbase,
		"--ethash.dagdir", DataDir + "/.ethash",
	}
}

// Builder runs the dataset bootstrap for one cluster.
type Builder struct {
	engine engine.Engine
	names  naming.Namer
	cfg    config.Config
	log    *slog.Logger
}

func New(e engine.Engine, names naming.Namer, cfg config.Config) *Builder {
	return &Builder{
		engine: e,
		names:  names,
		cfg:    cfg,
		log:    slog.With("component", "dataset", "cluster", names.ClusterID),
	}
}

// Build initializes a chain database from the genesis file in genesisDir and
// mines until the DAG exists. The result stays in the dataset volume.
func (b *Builder) Build(ctx context.Context, genesisDir string) error {
	volume := b.names.DatasetVolume()
	telemetry.Progress(ctx, "creating volume "+volume)
	if err := b.engine.VolumeCreate(ctx, volume); err != nil {
		return fmt.Errorf("create dataset volume: %w", err)
	}

	if err := b.initDatabase(ctx, genesisDir, volume); err != nil {
		return err
	}
	return b.generateDAG(ctx, volume)
}

func (b *Builder) initDatabase(ctx context.Context, genesisDir, volume string) error {
	name := b.names.InitContainer()
	telemetry.Progress(ctx, "initializing chain database")
	_, err := b.engine.ContainerCreate(ctx, engine.ContainerSpec{
		Name:    name,
		Image:   b.cfg.NodeImage,
		Cmd:     []string{"init", "--datadir", DataDir, GenesisDir + "/genesis.json"},
		Network: b.names.Network(),
		Mounts: []engine.Mount{
			{Type: engine.MountBind, Source: genesisDir, Target: GenesisDir, ReadOnly: true},
			{Type: engine.MountVolume, Source: volume, Target: DataDir},
		},
		AutoRemove: true,
		Tty:        true,
	})
	if err != nil {
		return fmt.Errorf("create init container: %w", err)
	}
	if err := b.engine.ContainerStart(ctx, name); err != nil {
		return fmt.Errorf("start init container: %w", err)
	}
	if err := b.waitGone(ctx, name); err != nil {
		return fmt.Errorf("wait for chain database init: %w", err)
	}
	b.log.Debug("Chain database initialized.", "volume", volume)
	return nil
}

func (b *Builder) generateDAG(ctx context.Context, volume string) error {
	name := b.names.DatasetContainer()
	telemetry.Progress(ctx, "starting dataset miner")
	_, err := b.engine.ContainerCreate(ctx, engine.ContainerSpec{
		Name:    name,
		Image:   b.cfg.NodeImage,
		Cmd:     MinerArgs(b.cfg.Etherbase),
		Network: b.names.Network(),
		Mounts:  []engine.Mount{{Type: engine.MountVolume, Source: volume, Target: DataDir}},
	})
	if err != nil {
		return fmt.Errorf("create dataset miner: %w", err)
	}
	if err := b.engine.ContainerStart(ctx, name); err != nil {
		return fmt.Errorf("start dataset miner: %w", err)
	}

	telemetry.Progress(ctx, "generating DAG")
	if err := b.waitGenerated(ctx, name); err != nil {
		return fmt.Errorf("wait for DAG generation: %w", err)
	}

	telemetry.Progress(ctx, "stopping dataset miner")
	if err := b.engine.ContainerStop(ctx, name, minerStopTimeout); err != nil {
		return fmt.Errorf("stop dataset miner: %w", err)
	}
	if err := b.engine.ContainerRemove(ctx, name, false); err != nil {
		return fmt.Errorf("remove dataset miner: %w", err)
	}
	b.log.Info("DAG generated.", "volume", volume)
	return nil
}

// waitGenerated waits until the marker shows up in the full log and then
// until it has scrolled out of the recent tail. Checking the tail alone
// would pass before generation has even started.
func (b *Builder) waitGenerated(ctx context.Context, name string) error {
	marker := b.cfg.DatasetMarker
	started := false
	return wait.Until(ctx, func(ctx context.Context) (bool, error) {
		if !started {
			all, err := b.engine.ContainerLogs(ctx, name, 0)
			if err != nil {
				return false, err
			}
			if !strings.Contains(all, marker) {
				return false, nil
			}
			started = true
			b.log.Debug("DAG generation started.", "container", name)
		}
		recent, err := b.engine.ContainerLogs(ctx, name, b.cfg.DatasetLogTail)
		if err != nil {
			return false, err
		}
		return !strings.Contains(recent, marker), nil
	}, wait.WithInterval(b.cfg.DatasetPollInterval), wait.WithName("dataset"))
}

// CopyTo copies the dataset into node index's volume with a one-shot
// utility container.
func (b *Builder) CopyTo(ctx context.Context, index int) error {
	name := b.names.CopyContainer(index)
	target := b.names.Volume(index)
	telemetry.Progress(ctx, "copying dataset to "+target)

	_, err := b.engine.ContainerCreate(ctx, engine.ContainerSpec{
		Name:  name,
		Image: b.cfg.UtilityImage,
		Cmd:   []string{"cp", "-a", "-v", copySource + "/.", copyTarget},
		Mounts: []engine.Mount{
			{Type: engine.MountVolume, Source: b.names.DatasetVolume(), Target: copySource, ReadOnly: true},
			{Type: engine.MountVolume, Source: target, Target: copyTarget},
		},
		AutoRemove: true,
		Tty:        true,
	})
	if err != nil {
		return fmt.Errorf("create copy container: %w", err)
	}
	if err := b.engine.ContainerStart(ctx, name); err != nil {
		return fmt.Errorf("start copy container: %w", err)
	}
	if err := b.waitGone(ctx, name); err != nil {
		return fmt.Errorf("wait for dataset copy: %w", err)
	}

	// Auto-remove already took it unless the engine ignored the flag.
	if err := b.engine.ContainerRemove(ctx, name, true); err != nil && !engine.IsNotFound(err) {
		b.log.Warn("Failed to remove copy container.", "container", name, "err", err)
	}
	b.log.Debug("Dataset copied.", "volume", target)
	return nil
}

// Cleanup deletes the dataset volume. A missing volume is not an error.
func (b *Builder) Cleanup(ctx context.Context) error {
	volume := b.names.DatasetVolume()
	if err := b.engine.VolumeRemove(ctx, volume); err != nil && !engine.IsNotFound(err) {
		return fmt.Errorf("remove dataset volume: %w", err)
	}
	return nil
}

func (b *Builder) waitGone(ctx context.Context, name string) error {
	return wait.Until(ctx, func(ctx context.Context) (bool, error) {
		info, err := b.engine.ContainerInspect(ctx, name)
		if err != nil {
			return false, err
		}
		return !info.Exists, nil
	}, wait.WithInterval(b.cfg.PollInterval), wait.WithName(name))
}
