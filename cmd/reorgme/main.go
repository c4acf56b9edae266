package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/0xsequence/reorgme/cmd/reorgme/cmdutil"
	"github.com/0xsequence/reorgme/cmd/reorgme/configcmd"
	"github.com/0xsequence/reorgme/cmd/reorgme/lifecycle"
	nodecmd "github.com/0xsequence/reorgme/cmd/reorgme/node"
	partitioncmd "github.com/0xsequence/reorgme/cmd/reorgme/partition"
	"github.com/0xsequence/reorgme/cmd/reorgme/ui"
	"github.com/0xsequence/reorgme/internal/logging"
)

func main() {
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRoot(&cmdutil.Global{}).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func newRoot(g *cmdutil.Global) *cobra.Command {
	root := &cobra.Command{
		Use:           "reorgme",
		Short:         "Local three-node geth testnet that forks and rejoins on demand",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := logging.LevelWarn
			if g.Debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}
			ui.ConfigureInteraction(g.NoInteraction)
			return nil
		},
	}
	g.Bind(root)

	root.AddCommand(lifecycle.Cmds(g)...)
	root.AddCommand(partitioncmd.Cmds(g)...)
	root.AddCommand(nodecmd.Cmd(g), nodecmd.StatusCmd(g))
	root.AddCommand(configcmd.Cmd(g))
	return root
}
