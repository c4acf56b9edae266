package partition

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/0xsequence/reorgme/internal/adapter/fake"
	"github.com/0xsequence/reorgme/internal/chain"
	"github.com/0xsequence/reorgme/internal/engine"
	"github.com/0xsequence/reorgme/internal/naming"
	"github.com/0xsequence/reorgme/internal/provision"
	"github.com/0xsequence/reorgme/internal/wait"
)

type cluster struct {
	engine  *fake.Engine
	chain   *fake.ChainNet
	names   naming.Namer
	clients []chain.Client
}

func newCluster(t *testing.T, id int) *cluster {
	t.Helper()
	ctx := t.Context()

	names := naming.New(id)
	e := fake.NewEngine()
	e.AddImage("geth")
	_, err := e.NetworkCreate(ctx, names.Network(), true)
	require.NoError(t, err)
	_, err = e.NetworkCreate(ctx, names.InternalNetwork(), true)
	require.NoError(t, err)

	net := fake.NewChainNet()
	net.Wire(e, names.InternalNetwork())

	c := &cluster{engine: e, chain: net, names: names}
	for i := 0; i < naming.NodeCount; i++ {
		name := names.Container(i)
		_, err := e.ContainerCreate(ctx, engine.ContainerSpec{Name: name, Image: "geth", Network: names.Network()})
		require.NoError(t, err)
		require.NoError(t, e.ContainerStart(ctx, name))
		require.NoError(t, e.NetworkConnect(ctx, names.InternalNetwork(), name))

		client, err := provision.Connect(ctx, e, net, names.Network(), name, 8545, wait.WithInterval(time.Millisecond))
		require.NoError(t, err)
		c.clients = append(c.clients, client)
	}
	for i := 0; i < 5; i++ {
		net.Mine(names.Container(i % naming.NodeCount))
	}
	return c
}

func (c *cluster) controller(opts ...wait.Option) *Controller {
	opts = append([]wait.Option{wait.WithInterval(time.Millisecond)}, opts...)
	return New(c.engine, c.names, c.clients[0], c.clients[1], opts...)
}

func TestForkThenJoin(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c := newCluster(t, 1)
	c.chain.AutoMine = true
	ctrl := c.controller()

	before, ok, err := CommonHead(ctx, c.clients...)
	require.NoError(t, err)
	require.True(t, ok)

	phase, err := ctrl.State(ctx)
	require.NoError(t, err)
	require.Equal(t, Joined, phase)

	forked, err := ctrl.Fork(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, forked.Height, before.Number)
	require.True(t, c.chain.Partitioned(c.names.Container(0)))

	own, err := c.clients[0].BlockByNumber(ctx, forked.Height)
	require.NoError(t, err)
	peer, err := c.clients[1].BlockByNumber(ctx, forked.Height)
	if err == nil {
		require.NotEqual(t, own.Hash, peer.Hash)
	} else {
		require.ErrorIs(t, err, chain.ErrBlockNotFound)
	}

	phase, err = ctrl.State(ctx)
	require.NoError(t, err)
	require.Equal(t, Forked, phase)
	_, err = ctrl.Fork(ctx)
	require.ErrorIs(t, err, ErrAlreadyForked)

	for i := 0; i < 10; i++ {
		c.chain.Mine(c.names.Container(1 + i%2))
	}

	joined, err := ctrl.Join(ctx)
	require.NoError(t, err)
	require.True(t, joined.PeerFound)
	require.Equal(t, joined.ForkedHash, joined.PeerHash)

	after, ok, err := CommonHead(ctx, c.clients...)
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, after.Number, before.Number)

	_, err = ctrl.Join(ctx)
	require.ErrorIs(t, err, ErrNotForked)
}

func TestForkIgnoresRepeatedHead(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c := newCluster(t, 2)
	ctrl := c.controller()
	head := c.chain.Head(c.names.Container(0))

	done := make(chan Report, 1)
	go func() {
		r, err := ctrl.Fork(ctx)
		if err == nil {
			done <- r
		}
		close(done)
	}()

	forkedTag := c.names.Container(0)
	require.Eventually(t, func() bool {
		return len(c.chain.CallsWith("LatestBlock", forkedTag)) >= 3
	}, time.Second, time.Millisecond)
	require.Len(t, c.chain.CallsWith("BlockByNumber", c.names.Container(1)), 1, "same head compared once")

	mined := c.chain.Mine(forkedTag)
	r, ok := <-done
	require.True(t, ok)
	require.Equal(t, head.Number+1, r.Height)
	require.Equal(t, mined.Hash, r.ForkedHash)
	require.False(t, r.PeerFound)
}

func TestForkTimeout(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 3)
	_, err := c.controller(wait.WithTimeout(20*time.Millisecond)).Fork(t.Context())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStateMissingNode(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 4)
	require.NoError(t, c.engine.ContainerRemove(t.Context(), c.names.Container(0), true))
	_, err := c.controller().State(t.Context())
	require.ErrorIs(t, err, ErrNodeNotFound)
}

// laggingClient reports no block until it has been asked often enough.
type laggingClient struct {
	chain.Client
	misses atomic.Int32
	block  chain.Block
}

func (l *laggingClient) BlockByNumber(_ context.Context, number uint64) (chain.Block, error) {
	if l.misses.Add(-1) >= 0 {
		return chain.Block{}, chain.ErrBlockNotFound
	}
	return l.block, nil
}

func TestJoinWaitsForLaggingPeer(t *testing.T) {
	t.Parallel()

	peer := &laggingClient{block: chain.Block{Number: 9, Hash: common.HexToHash("0x09")}}
	peer.misses.Store(3)
	ctrl := &Controller{peer: peer, opts: []wait.Option{wait.WithInterval(time.Millisecond)}}

	b, found, err := ctrl.peerBlock(t.Context(), 9, true)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, peer.block, b)
	require.Less(t, peer.misses.Load(), int32(0))

	peer.misses.Store(1)
	_, found, err = ctrl.peerBlock(t.Context(), 9, false)
	require.NoError(t, err)
	require.False(t, found, "fork treats a missing peer block as divergence")
}

func TestCommonHeadGenesisOnly(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	net := fake.NewChainNet()
	tags := map[string]string{"10.0.0.1": "a", "10.0.0.2": "b"}
	net.Lookup = func(host string) (string, bool) {
		tag, ok := tags[host]
		return tag, ok
	}
	net.Partition("a")
	net.Mine("a")
	net.Mine("b")

	a, err := net.Dial(ctx, "http://10.0.0.1:8545/")
	require.NoError(t, err)
	b, err := net.Dial(ctx, "http://10.0.0.2:8545/")
	require.NoError(t, err)

	_, ok, err := CommonHead(ctx, a, b)
	require.NoError(t, err)
	require.False(t, ok)

	head, ok, err := CommonHead(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", head.Tag())
}

func TestPhaseTransition(t *testing.T) {
	t.Parallel()

	require.Equal(t, Forked, Joined.Transition(Forked))
	require.Equal(t, Joined, Forked.Transition(Joined))
	require.Equal(t, "forked", Forked.String())
	require.Equal(t, "unknown", Phase(0).String())
}
