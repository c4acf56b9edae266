// Package lifecycle holds the commands that create, tear down, freeze and
// watch a cluster.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/0xsequence/reorgme/cmd/reorgme/cmdutil"
	"github.com/0xsequence/reorgme/cmd/reorgme/ui"
	"github.com/0xsequence/reorgme/internal/cluster"
	"github.com/0xsequence/reorgme/internal/naming"
)

// stopTimeout bounds the teardown that runs after an interrupt.
const stopTimeout = 2 * time.Minute

// Cmds returns start, stop, pause, resume and logs.
func Cmds(g *cmdutil.Global) []*cobra.Command {
	return []*cobra.Command{startCmd(g), stopCmd(g), pauseCmd(g), resumeCmd(g), logsCmd(g)}
}

func startCmd(g *cmdutil.Global) *cobra.Command {
	var (
		detach      bool
		allocations []string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a fresh three-node testnet, replacing any cluster with the same id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := g.Open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.Cluster.Start(ctx, cluster.StartOptions{Allocations: allocations})
			if ctx.Err() != nil {
				return teardown(s, g, errors.Join(err, ctx.Err()))
			}
			if err != nil {
				return err
			}

			out := g.Stdout()
			fmt.Fprintln(out, ui.SuccessMsg("Cluster %s is up.", ui.Bold(fmt.Sprint(g.ID))))
			for i := 0; i < naming.NodeCount; i++ {
				if url, err := s.Cluster.RPCURL(ctx, i); err == nil {
					fmt.Fprintln(out, "  "+ui.LogLine(i, s.Cluster.Names().Container(i), url))
				}
			}
			if detach {
				return nil
			}

			err = s.Cluster.Logs(ctx, cmdutil.LogPrinter(out), cluster.LogOptions{Tail: 10, Follow: true})
			if ctx.Err() == nil && err != nil {
				slog.Warn("Log stream ended.", "err", err)
			}
			<-ctx.Done()
			return teardown(s, g, nil)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Return once the cluster is up instead of following logs")
	cmd.Flags().StringArrayVarP(&allocations, "allocation", "a", nil, "Pre-fund an account in genesis, as <address>=<balance> (repeatable)")
	return cmd
}

// teardown stops the cluster after the command context was cancelled.
func teardown(s *cmdutil.Session, g *cmdutil.Global, cause error) error {
	fmt.Fprintln(g.Stdout(), ui.WarnMsg("Interrupted, stopping cluster %d.", g.ID))
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.Cluster.Stop(ctx); err != nil {
		return errors.Join(cause, fmt.Errorf("stop after interrupt: %w", err))
	}
	return cause
}

func stopCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Remove the containers and volumes of a cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Cluster.Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(g.Stdout(), ui.SuccessMsg("Cluster %d stopped.", g.ID))
			return nil
		},
	}
}

func pauseCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Freeze every node container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Cluster.Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(g.Stdout(), ui.SuccessMsg("Cluster %d paused.", g.ID))
			return nil
		},
	}
}

func resumeCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Unfreeze every paused node container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Cluster.Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(g.Stdout(), ui.SuccessMsg("Cluster %d resumed.", g.ID))
			return nil
		},
	}
}

func logsCmd(g *cmdutil.Global) *cobra.Command {
	var opts cluster.LogOptions
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the output of every node, prefixed by container name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.Cluster.Logs(cmd.Context(), cmdutil.LogPrinter(g.Stdout()), opts)
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&opts.Tail, "tail", "n", 10, "Lines of history per node; 0 prints everything")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", true, "Keep streaming new output")
	return cmd
}
