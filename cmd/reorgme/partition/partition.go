// Package partitioncmd holds fork and join.
package partitioncmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/0xsequence/reorgme/cmd/reorgme/cmdutil"
	"github.com/0xsequence/reorgme/cmd/reorgme/ui"
	"github.com/0xsequence/reorgme/internal/partition"
	"github.com/0xsequence/reorgme/internal/wait"
)

// Cmds returns fork and join.
func Cmds(g *cmdutil.Global) []*cobra.Command {
	return []*cobra.Command{
		newCmd(g, "fork", "Detach node 0 from its peers and wait until its chain diverges",
			func(s *cmdutil.Session) func(context.Context, ...wait.Option) (partition.Report, error) {
				return s.Cluster.Fork
			}),
		newCmd(g, "join", "Reattach node 0 and wait until it agrees with its peers again",
			func(s *cmdutil.Session) func(context.Context, ...wait.Option) (partition.Report, error) {
				return s.Cluster.Join
			}),
	}
}

func newCmd(
	g *cmdutil.Global,
	use, short string,
	op func(*cmdutil.Session) func(context.Context, ...wait.Option) (partition.Report, error),
) *cobra.Command {
	var timeout time.Duration
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			var opts []wait.Option
			if timeout > 0 {
				opts = append(opts, wait.WithTimeout(timeout))
			}
			report, err := op(s)(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			fmt.Fprint(g.Stdout(), Summary(use, report))
			return nil
		},
	}
	c.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits until interrupted)")
	return c
}

// Summary renders the block pair that settled a fork or join.
func Summary(verb string, r partition.Report) string {
	peer := ui.Muted("none")
	if r.PeerFound {
		peer = r.PeerHash.Hex()
	}
	title := "Node 0 forked."
	if verb == "join" {
		title = "Node 0 joined."
	}
	return ui.SuccessMsg("%s", title) + "\n" + ui.KeyValues("  ",
		ui.KV("height", fmt.Sprint(r.Height)),
		ui.KV("node 0", r.ForkedHash.Hex()),
		ui.KV("node 1", peer),
	)
}
