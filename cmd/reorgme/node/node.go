// Package nodecmd holds the commands that locate nodes and report their
// state.
package nodecmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/0xsequence/reorgme/cmd/reorgme/cmdutil"
	"github.com/0xsequence/reorgme/cmd/reorgme/ui"
	"github.com/0xsequence/reorgme/internal/cluster"
	"github.com/0xsequence/reorgme/internal/naming"
)

// Cmd returns the parent "reorgme node" command.
func Cmd(g *cmdutil.Global) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Locate a node of the cluster",
	}
	cmd.AddCommand(ipCmd(g), rpcCmd(g))
	return cmd
}

func ipCmd(g *cmdutil.Global) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "ip",
		Short: "Print the address of a node on the cluster network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			ip, err := s.Cluster.NodeIP(cmd.Context(), index)
			if err != nil {
				return err
			}
			fmt.Fprintln(g.Stdout(), ip)
			return nil
		},
	}
	bindIndex(cmd, &index)
	return cmd
}

func rpcCmd(g *cmdutil.Global) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Print the JSON-RPC URL of a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			url, err := s.Cluster.RPCURL(cmd.Context(), index)
			if err != nil {
				return err
			}
			fmt.Fprintln(g.Stdout(), url)
			return nil
		},
	}
	bindIndex(cmd, &index)
	return cmd
}

func bindIndex(cmd *cobra.Command, index *int) {
	cmd.Flags().IntVarP(index, "index", "i", 0, fmt.Sprintf("Node index, 0 to %d", naming.NodeCount-1))
	_ = cmd.MarkFlagRequired("index")
}

// StatusCmd returns "reorgme status".
func StatusCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show container state, chain heads and partition phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.Cluster.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(g.Stdout(), RenderStatus(g.ID, st))
			return nil
		},
	}
}

// RenderStatus formats a cluster snapshot as a summary plus a node table.
func RenderStatus(id int, st cluster.Status) string {
	phase := ui.Muted("absent")
	if st.Phase != 0 {
		phase = st.Phase.String()
	}
	common := ui.Muted("none")
	if st.HasCommon {
		common = fmt.Sprintf("%d %s", st.Common.Number, shortHash(st.Common.Hash.Hex()))
	}

	rows := make([][]string, 0, len(st.Nodes))
	for _, n := range st.Nodes {
		rows = append(rows, []string{
			n.Container,
			nodeState(n),
			dash(n.IP),
			head(n),
		})
	}
	return ui.KeyValues("",
		ui.KV("cluster", strconv.Itoa(id)),
		ui.KV("phase", phase),
		ui.KV("common head", common),
	) + ui.Table([]string{"CONTAINER", "STATE", "IP", "HEAD"}, rows, func(row int) int {
		return st.Nodes[row].Index
	}) + "\n"
}

func nodeState(n cluster.NodeStatus) string {
	switch {
	case !n.Exists:
		return "absent"
	case n.Paused:
		return ui.Warn("paused")
	case n.Running:
		return ui.Success("running")
	default:
		return "stopped"
	}
}

func head(n cluster.NodeStatus) string {
	switch {
	case n.HasHead:
		return fmt.Sprintf("%d %s %s", n.Head.Number, shortHash(n.Head.Hash.Hex()), n.Head.Tag())
	case n.HeadErr != nil:
		return ui.ErrorStyle.Render("unreachable")
	default:
		return "-"
	}
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
