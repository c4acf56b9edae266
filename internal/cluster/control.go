package cluster

import (
	"context"
	"fmt"

	"github.com/0xsequence/reorgme/internal/chain"
	"github.com/0xsequence/reorgme/internal/naming"
	"github.com/0xsequence/reorgme/internal/partition"
	"github.com/0xsequence/reorgme/internal/provision"
	"github.com/0xsequence/reorgme/internal/telemetry"
	"github.com/0xsequence/reorgme/internal/wait"
)

func (c *Cluster) perNodePlan(verb string) telemetry.Plan {
	return *telemetry.NewPlan(c.names.ClusterID).Nodes("", verb+" container", c.names.Containers())
}

// Pause freezes every node container. Paused nodes are left alone.
func (c *Cluster) Pause(ctx context.Context) error {
	return telemetry.Run(ctx, c.tracer, "cluster.pause", c.perNodePlan("pausing"), func(op *telemetry.Operation) error {
		for i, name := range c.names.Containers() {
			if err := op.RunNodeStep(op.Context(), i, name, func(ctx context.Context) error {
				info, err := c.engine.ContainerInspect(ctx, name)
				if err != nil {
					return err
				}
				switch {
				case !info.Exists:
					return fmt.Errorf("pause %s: %w", name, ErrContainerNotFound)
				case info.Paused:
					telemetry.Progress(ctx, "already paused")
					return nil
				case !info.Running:
					return fmt.Errorf("pause %s: %w", name, ErrContainerNotFound)
				}
				return c.engine.ContainerPause(ctx, name)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Resume unfreezes every paused node container.
func (c *Cluster) Resume(ctx context.Context) error {
	return telemetry.Run(ctx, c.tracer, "cluster.resume", c.perNodePlan("resuming"), func(op *telemetry.Operation) error {
		for i, name := range c.names.Containers() {
			if err := op.RunNodeStep(op.Context(), i, name, func(ctx context.Context) error {
				info, err := c.engine.ContainerInspect(ctx, name)
				if err != nil {
					return err
				}
				switch {
				case !info.Exists:
					return fmt.Errorf("resume %s: %w", name, ErrContainerNotFound)
				case info.Paused:
					return c.engine.ContainerUnpause(ctx, name)
				case !info.Running:
					return fmt.Errorf("resume %s: %w", name, ErrContainerNotFound)
				}
				telemetry.Progress(ctx, "not paused")
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Client waits for node index's RPC endpoint and returns a client for it.
// The caller closes it. A node that is absent, stopped or paused fails with
// ErrContainerNotFound instead of being waited for.
func (c *Cluster) Client(ctx context.Context, index int) (chain.Client, error) {
	name := c.names.Container(index)
	info, err := c.engine.ContainerInspect(ctx, name)
	if err != nil {
		return nil, err
	}
	switch {
	case !info.Exists:
		return nil, fmt.Errorf("%s: %w", name, ErrContainerNotFound)
	case !info.Running || info.Paused:
		return nil, fmt.Errorf("%s is not running: %w", name, ErrContainerNotFound)
	}
	return provision.Connect(ctx, c.engine, c.dialer, c.names.Network(), name, c.cfg.RPCPort,
		wait.WithInterval(c.cfg.PollInterval))
}

// Fork partitions node 0 and returns once its chain diverged from node 1.
// opts tune the detection loops, e.g. wait.WithTimeout.
func (c *Cluster) Fork(ctx context.Context, opts ...wait.Option) (partition.Report, error) {
	return c.partition(ctx, "cluster.fork", "forking", opts, (*partition.Controller).Fork)
}

// Join reconnects node 0 and returns once it agrees with node 1 again.
func (c *Cluster) Join(ctx context.Context, opts ...wait.Option) (partition.Report, error) {
	return c.partition(ctx, "cluster.join", "joining", opts, (*partition.Controller).Join)
}

func (c *Cluster) partition(
	ctx context.Context,
	operation, verb string,
	opts []wait.Option,
	run func(*partition.Controller, context.Context) (partition.Report, error),
) (partition.Report, error) {
	forkedName := c.names.Container(naming.ForkedNode)
	plan := *telemetry.NewPlan(c.names.ClusterID).
		Add("rpc", "connecting to nodes").
		Add("partition", verb+" "+forkedName)

	var report partition.Report
	err := telemetry.Run(ctx, c.tracer, operation, plan, func(op *telemetry.Operation) error {
		var forked, peer chain.Client
		if err := op.RunStep(op.Context(), "rpc", func(ctx context.Context) error {
			var err error
			if forked, err = c.Client(ctx, naming.ForkedNode); err != nil {
				return fmt.Errorf("connect %s: %w", forkedName, err)
			}
			if peer, err = c.Client(ctx, naming.RightNeighbor(naming.ForkedNode)); err != nil {
				forked.Close()
				return fmt.Errorf("connect peer: %w", err)
			}
			return nil
		}); err != nil {
			return err
		}
		defer forked.Close()
		defer peer.Close()

		loopOpts := append([]wait.Option{wait.WithInterval(c.cfg.PollInterval)}, opts...)
		ctrl := partition.New(c.engine, c.names, forked, peer, loopOpts...)
		return op.RunNodeStep(op.Context(), naming.ForkedNode, "partition", func(ctx context.Context) error {
			r, err := run(ctrl, ctx)
			if err != nil {
				return err
			}
			report = r
			return nil
		})
	})
	return report, err
}
