// Package cluster composes dataset bootstrap, node provisioning and
// partitioning into the lifecycle of one three-node testnet.
//
// A cluster has no state of its own: everything is derived by asking the
// engine for resources named after the cluster id.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/0xsequence/reorgme/config"
	"github.com/0xsequence/reorgme/internal/chain"
	"github.com/0xsequence/reorgme/internal/dataset"
	"github.com/0xsequence/reorgme/internal/engine"
	"github.com/0xsequence/reorgme/internal/genesis"
	"github.com/0xsequence/reorgme/internal/naming"
	"github.com/0xsequence/reorgme/internal/provision"
	"github.com/0xsequence/reorgme/internal/telemetry"
	"github.com/0xsequence/reorgme/internal/wait"
)

// ErrContainerNotFound is returned when a node container is absent or not
// running.
var ErrContainerNotFound = errors.New("container not found")

// Cluster drives the resources of one cluster id.
type Cluster struct {
	engine engine.Engine
	dialer chain.Dialer
	names  naming.Namer
	cfg    config.Config
	tracer trace.Tracer
	log    *slog.Logger
}

// Option configures a Cluster.
type Option func(*Cluster)

// WithTracer records operation plans and steps on tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Cluster) { c.tracer = t }
}

func New(id int, e engine.Engine, d chain.Dialer, cfg config.Config, opts ...Option) *Cluster {
	c := &Cluster{
		engine: e,
		dialer: d,
		names:  naming.New(id),
		cfg:    cfg,
		log:    slog.With("component", "cluster", "cluster", id),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Names returns the resource names of this cluster.
func (c *Cluster) Names() naming.Namer { return c.names }

// StartOptions customize Start.
type StartOptions struct {
	// Allocations are "<address>=<balance>" entries merged over the default
	// genesis allocation.
	Allocations []string
}

func (c *Cluster) startPlan() telemetry.Plan {
	return *telemetry.NewPlan(c.names.ClusterID).
		Add("cleanup", "removing previous cluster").
		Add("images", "checking images").
		Add("networks", "creating networks").
		Add("genesis", "writing genesis block").
		Add("dataset", "generating DAG").
		Add("nodes", "starting nodes").
		Nodes("nodes", "starting node", c.names.Containers()).
		Add("dataset-cleanup", "removing DAG volume")
}

// Start tears down any previous cluster with the same id and brings up a
// fresh one. Malformed allocations are rejected before the engine is
// touched. On failure, resources created so far are left in place.
func (c *Cluster) Start(ctx context.Context, opts StartOptions) error {
	alloc, err := genesis.ParseAllocations(opts.Allocations)
	if err != nil {
		return err
	}
	gen := genesis.Default().WithAlloc(alloc)

	return telemetry.Run(ctx, c.tracer, "cluster.start", c.startPlan(), func(op *telemetry.Operation) error {
		ctx := op.Context()
		if err := op.RunStep(ctx, "cleanup", c.clear); err != nil {
			return err
		}
		if err := op.RunStep(ctx, "images", func(ctx context.Context) error {
			for _, ref := range []string{c.cfg.NodeImage, c.cfg.UtilityImage} {
				if err := c.ensureImage(ctx, ref); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		if err := op.RunStep(ctx, "networks", func(ctx context.Context) error {
			if err := c.recreateNetwork(ctx, c.names.Network(), c.cfg.InternalNetworks); err != nil {
				return err
			}
			return c.recreateNetwork(ctx, c.names.InternalNetwork(), true)
		}); err != nil {
			return err
		}

		genesisDir := c.names.TempDir(c.cfg.TempRoot)
		if err := op.RunStep(ctx, "genesis", func(ctx context.Context) error {
			path, err := genesis.Write(genesisDir, gen)
			if err != nil {
				return err
			}
			telemetry.Progress(ctx, "wrote "+path)
			return nil
		}); err != nil {
			return err
		}

		builder := dataset.New(c.engine, c.names, c.cfg)
		if err := op.RunStep(ctx, "dataset", func(ctx context.Context) error {
			return builder.Build(ctx, genesisDir)
		}); err != nil {
			return err
		}

		prov := provision.New(c.engine, c.dialer, builder, c.names, c.cfg)
		if err := op.RunStep(ctx, "nodes", func(ctx context.Context) error {
			g, gctx := errgroup.WithContext(ctx)
			for i, name := range c.names.Containers() {
				g.Go(func() error {
					return op.RunNodeStep(gctx, i, "nodes/"+name, func(ctx context.Context) error {
						if err := prov.Provision(ctx, i); err != nil {
							return fmt.Errorf("provision %s: %w", name, err)
						}
						return nil
					})
				})
			}
			return g.Wait()
		}); err != nil {
			return err
		}

		if err := op.RunStep(ctx, "dataset-cleanup", builder.Cleanup); err != nil {
			return err
		}
		c.log.Info("Cluster started.")
		return nil
	})
}

// Stop removes every container and volume of the cluster. Networks stay for
// the next Start to replace. Stopping a stopped cluster is a no-op.
func (c *Cluster) Stop(ctx context.Context) error {
	plan := *telemetry.NewPlan(c.names.ClusterID).
		Add("containers", "removing containers").
		Add("volumes", "removing volumes")
	return telemetry.Run(ctx, c.tracer, "cluster.stop", plan, func(op *telemetry.Operation) error {
		var result *multierror.Error
		if err := op.RunStep(op.Context(), "containers", c.clearContainers); err != nil {
			result = multierror.Append(result, err)
		}
		if err := op.RunStep(op.Context(), "volumes", c.clearVolumes); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	})
}

func (c *Cluster) clear(ctx context.Context) error {
	if err := c.clearContainers(ctx); err != nil {
		return err
	}
	return c.clearVolumes(ctx)
}

func (c *Cluster) clearContainers(ctx context.Context) error {
	containers, err := c.engine.ContainerList(ctx)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	var result *multierror.Error
	for _, ct := range containers {
		if !c.names.OwnsContainer(ct.Name) {
			continue
		}
		telemetry.Progress(ctx, "removing container "+ct.Name)
		if ct.Running {
			if err := c.engine.ContainerStop(ctx, ct.ID, 0); err != nil && !engine.IsNotFound(err) {
				result = multierror.Append(result, err)
				continue
			}
		}
		if err := c.engine.ContainerRemove(ctx, ct.ID, true); err != nil && !engine.IsNotFound(err) {
			result = multierror.Append(result, err)
			continue
		}
		c.log.Debug("Removed container.", "container", ct.Name)
	}
	return result.ErrorOrNil()
}

func (c *Cluster) clearVolumes(ctx context.Context) error {
	volumes, err := c.engine.VolumeList(ctx)
	if err != nil {
		return fmt.Errorf("list volumes: %w", err)
	}

	var result *multierror.Error
	for _, v := range volumes {
		if !c.names.OwnsVolume(v) {
			continue
		}
		telemetry.Progress(ctx, "removing volume "+v)
		if err := c.engine.VolumeRemove(ctx, v); err != nil && !engine.IsNotFound(err) {
			result = multierror.Append(result, err)
			continue
		}
		c.log.Debug("Removed volume.", "volume", v)
	}
	return result.ErrorOrNil()
}

// ensureImage pulls ref unless it is already present and waits until the
// engine can inspect it.
func (c *Cluster) ensureImage(ctx context.Context, ref string) error {
	exists, err := c.engine.ImageExists(ctx, ref)
	if err != nil {
		return fmt.Errorf("check image %s: %w", ref, err)
	}
	if exists {
		telemetry.Progress(ctx, "using local image "+ref)
		return nil
	}

	telemetry.Progress(ctx, "pulling "+ref)
	if err := c.engine.ImagePull(ctx, ref); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return wait.Until(ctx, func(ctx context.Context) (bool, error) {
		return c.engine.ImageExists(ctx, ref)
	}, wait.WithInterval(c.cfg.PollInterval), wait.WithName("image "+ref))
}

// recreateNetwork removes any network called name and creates it anew.
func (c *Cluster) recreateNetwork(ctx context.Context, name string, internal bool) error {
	networks, err := c.engine.NetworkList(ctx)
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name != name {
			continue
		}
		telemetry.Progress(ctx, "removing old network "+name)
		if err := c.engine.NetworkRemove(ctx, nw.ID); err != nil && !engine.IsNotFound(err) {
			return fmt.Errorf("remove stale network: %w", err)
		}
	}

	id, err := c.engine.NetworkCreate(ctx, name, internal)
	if err != nil {
		return fmt.Errorf("create network: %w", err)
	}
	c.log.Debug("Created network.", "network", name, "id", id, "internal", internal)
	return nil
}
