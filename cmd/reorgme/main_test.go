package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xsequence/reorgme/cmd/reorgme/cmdutil"
	"github.com/0xsequence/reorgme/config"
	"github.com/0xsequence/reorgme/internal/adapter/fake"
	"github.com/0xsequence/reorgme/internal/chain"
	"github.com/0xsequence/reorgme/internal/cluster"
	"github.com/0xsequence/reorgme/internal/engine"
	"github.com/0xsequence/reorgme/internal/genesis"
	"github.com/0xsequence/reorgme/internal/naming"
)

type cli struct {
	engine *fake.Engine
	chain  *fake.ChainNet
	out    bytes.Buffer
	global *cmdutil.Global
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	c := &cli{engine: fake.NewEngine(), chain: fake.NewChainNet()}
	c.global = &cmdutil.Global{
		Backend: func(config.Config) (engine.Engine, chain.Dialer, error) {
			return c.engine, c.chain, nil
		},
		Out: &c.out,
	}
	return c
}

func (c *cli) run(t *testing.T, args ...string) error {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "missing.yaml")
	root := newRoot(c.global)
	root.SetArgs(append([]string{"--no-interaction", "--config", cfgPath}, args...))
	return root.ExecuteContext(t.Context())
}

func TestCommandTree(t *testing.T) {
	root := newRoot(&cmdutil.Global{})

	for _, path := range [][]string{
		{"start"}, {"stop"}, {"pause"}, {"resume"}, {"fork"}, {"join"},
		{"logs"}, {"node", "ip"}, {"node", "rpc"}, {"status"},
		{"config", "init"}, {"config", "show"},
	} {
		cmd, rest, err := root.Find(path)
		require.NoError(t, err, path)
		require.Empty(t, rest, path)
		require.Equal(t, path[len(path)-1], cmd.Name())
	}

	start, _, _ := root.Find([]string{"start"})
	require.NotNil(t, start.Flags().Lookup("detach"))
	require.NotNil(t, start.Flags().Lookup("allocation"))
	fork, _, _ := root.Find([]string{"fork"})
	require.NotNil(t, fork.Flags().Lookup("timeout"))
	require.NotNil(t, root.PersistentFlags().Lookup("id"))
}

func TestStartRejectsMalformedAllocation(t *testing.T) {
	c := newCLI(t)
	err := c.run(t, "start", "--detach", "--allocation", "0xabc-100")

	var verr *genesis.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, 1, c.engine.Count("WaitReady"))
	require.Zero(t, c.engine.Count("ContainerList"))
	require.Zero(t, c.engine.Count("NetworkCreate"))
}

func TestNodeIPRequiresIndex(t *testing.T) {
	c := newCLI(t)
	require.Error(t, c.run(t, "node", "ip"))
	require.Zero(t, c.engine.Count("WaitReady"))
}

func TestNodeIPAndRPC(t *testing.T) {
	c := newCLI(t)
	ctx := t.Context()
	names := naming.New(3)
	c.engine.AddImage("geth")
	_, err := c.engine.NetworkCreate(ctx, names.Network(), true)
	require.NoError(t, err)
	_, err = c.engine.ContainerCreate(ctx, engine.ContainerSpec{Name: names.Container(1), Image: "geth", Network: names.Network()})
	require.NoError(t, err)
	require.NoError(t, c.engine.ContainerStart(ctx, names.Container(1)))

	require.NoError(t, c.run(t, "--id", "3", "node", "ip", "--index", "1"))
	ip := strings.TrimSpace(c.out.String())
	owner, ok := c.engine.ContainerByIP(ip)
	require.True(t, ok)
	require.Equal(t, names.Container(1), owner)

	c.out.Reset()
	require.NoError(t, c.run(t, "--id", "3", "node", "rpc", "--index", "1"))
	require.Equal(t, "http://"+ip+":8545/", strings.TrimSpace(c.out.String()))

	err = c.run(t, "--id", "3", "node", "ip", "--index", "0")
	require.ErrorIs(t, err, cluster.ErrContainerNotFound)
}

func TestPauseWithoutCluster(t *testing.T) {
	c := newCLI(t)
	require.ErrorIs(t, c.run(t, "pause"), cluster.ErrContainerNotFound)
}

func TestStatusOfAbsentCluster(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, c.run(t, "--id", "4", "status"))

	out := c.out.String()
	require.Contains(t, out, "absent")
	require.Contains(t, out, naming.New(4).Container(2))
}

func TestStopOfAbsentCluster(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, c.run(t, "stop"))
	require.Contains(t, c.out.String(), "Cluster 0 stopped.")
	require.Zero(t, c.engine.Count("ContainerRemove"))
}
