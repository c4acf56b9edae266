// Package partition forks node 0 off the cluster and joins it back, and
// decides by polling chain state when either has taken effect.
//
// Both directions pin the comparison to the height of node 0's newest block
// and ask the peer for the block at that exact height. Comparing the two
// latest blocks instead races whenever the chains differ in length.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xsequence/reorgme/internal/chain"
	"github.com/0xsequence/reorgme/internal/engine"
	"github.com/0xsequence/reorgme/internal/naming"
	"github.com/0xsequence/reorgme/internal/telemetry"
	"github.com/0xsequence/reorgme/internal/wait"
)

var (
	ErrAlreadyForked = errors.New("node is already forked")
	ErrNotForked     = errors.New("node is not forked")
	ErrNodeNotFound  = errors.New("forked node container not found")
)

// Report describes the block pair that settled a fork or join.
type Report struct {
	Height     uint64
	ForkedHash common.Hash
	// PeerHash is zero when the peer had no block at Height.
	PeerHash  common.Hash
	PeerFound bool
}

// Controller partitions the forked node from its peers.
type Controller struct {
	engine engine.Engine
	names  naming.Namer
	forked chain.Client
	peer   chain.Client
	opts   []wait.Option
	log    *slog.Logger
}

// New returns a Controller comparing forked (node 0) against peer (node 1).
// opts apply to every poll loop, so a timeout set here bounds each wait.
func New(e engine.Engine, names naming.Namer, forked, peer chain.Client, opts ...wait.Option) *Controller {
	return &Controller{
		engine: e,
		names:  names,
		forked: forked,
		peer:   peer,
		opts:   opts,
		log:    slog.With("component", "partition", "cluster", names.ClusterID),
	}
}

// State derives the phase from node 0's network membership.
func (c *Controller) State(ctx context.Context) (Phase, error) {
	name := c.names.Container(naming.ForkedNode)
	info, err := c.engine.ContainerInspect(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("inspect forked node: %w", err)
	}
	if !info.Exists {
		return 0, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	if _, attached := info.Networks[c.names.InternalNetwork()]; attached {
		return Joined, nil
	}
	return Forked, nil
}

// Fork detaches node 0 from the internal network and waits until node 0 has
// a block the peer lacks or disagrees with.
func (c *Controller) Fork(ctx context.Context) (Report, error) {
	phase, err := c.State(ctx)
	if err != nil {
		return Report{}, err
	}
	if phase == Forked {
		return Report{}, ErrAlreadyForked
	}

	name := c.names.Container(naming.ForkedNode)
	telemetry.Progress(ctx, "disconnecting from internal network")
	if err := c.engine.NetworkDisconnect(ctx, c.names.InternalNetwork(), name); err != nil {
		return Report{}, fmt.Errorf("detach forked node: %w", err)
	}

	telemetry.Progress(ctx, "waiting for block split")
	report, err := c.watch(ctx, false, func(r Report) bool {
		return !r.PeerFound || r.PeerHash != r.ForkedHash
	})
	if err != nil {
		return Report{}, fmt.Errorf("wait for divergence: %w", err)
	}
	phase = phase.Transition(Forked)
	c.log.Info("Node forked.", "container", name, "height", report.Height, "phase", phase)
	return report, nil
}

// Join reattaches node 0 and waits until the peer holds node 0's newest
// block at the same height.
func (c *Controller) Join(ctx context.Context) (Report, error) {
	phase, err := c.State(ctx)
	if err != nil {
		return Report{}, err
	}
	if phase == Joined {
		return Report{}, ErrNotForked
	}

	name := c.names.Container(naming.ForkedNode)
	telemetry.Progress(ctx, "connecting to internal network")
	if err := c.engine.NetworkConnect(ctx, c.names.InternalNetwork(), name); err != nil {
		return Report{}, fmt.Errorf("attach forked node: %w", err)
	}

	telemetry.Progress(ctx, "waiting for block sync")
	report, err := c.watch(ctx, true, func(r Report) bool {
		return r.PeerFound && r.PeerHash == r.ForkedHash
	})
	if err != nil {
		return Report{}, fmt.Errorf("wait for convergence: %w", err)
	}
	phase = phase.Transition(Joined)
	c.log.Info("Node joined.", "container", name, "height", report.Height, "phase", phase)
	return report, nil
}

// watch compares every new head of node 0 with the peer's block at the same
// height until settled reports true. With awaitPeer the peer is polled
// until it has a block at that height; otherwise absence is reported.
func (c *Controller) watch(ctx context.Context, awaitPeer bool, settled func(Report) bool) (Report, error) {
	forkedName := c.names.Container(naming.ForkedNode)
	var (
		seen bool
		last uint64
	)
	return wait.For(ctx, func(ctx context.Context) (Report, bool, error) {
		head, err := c.forked.LatestBlock(ctx)
		if err != nil {
			return Report{}, false, err
		}
		if seen && head.Number == last {
			return Report{}, false, nil
		}
		seen, last = true, head.Number
		telemetry.Progress(ctx, fmt.Sprintf("found block %d:%s on %s", head.Number, short(head.Hash), forkedName))

		r := Report{Height: head.Number, ForkedHash: head.Hash}
		peerBlock, found, err := c.peerBlock(ctx, head.Number, awaitPeer)
		if err != nil {
			return Report{}, false, err
		}
		if found {
			r.PeerFound = true
			r.PeerHash = peerBlock.Hash
			telemetry.Progress(ctx, fmt.Sprintf("compare with peer %d:%s vs %d:%s",
				head.Number, short(head.Hash), peerBlock.Number, short(peerBlock.Hash)))
		}
		c.log.Debug("Compared heads.", "height", r.Height, "forked", r.ForkedHash, "peer", r.PeerHash, "peer_found", r.PeerFound)
		return r, settled(r), nil
	}, c.loopOpts("partition")...)
}

func (c *Controller) peerBlock(ctx context.Context, number uint64, await bool) (chain.Block, bool, error) {
	type result struct {
		block chain.Block
		found bool
	}
	res, err := wait.For(ctx, func(ctx context.Context) (result, bool, error) {
		b, err := c.peer.BlockByNumber(ctx, number)
		switch {
		case err == nil:
			return result{block: b, found: true}, true, nil
		case errors.Is(err, chain.ErrBlockNotFound) && !await:
			return result{}, true, nil
		default:
			return result{}, false, err
		}
	}, c.loopOpts("peer block")...)
	return res.block, res.found, err
}

func (c *Controller) loopOpts(name string) []wait.Option {
	opts := make([]wait.Option, 0, len(c.opts)+1)
	opts = append(opts, wait.WithName(name))
	return append(opts, c.opts...)
}

func short(h common.Hash) string {
	return h.Hex()[:7]
}

// CommonHead walks back from the first client's latest block and returns
// the highest block every other client holds with the same hash. It reports
// false when the clients share nothing above genesis.
func CommonHead(ctx context.Context, clients ...chain.Client) (chain.Block, bool, error) {
	if len(clients) == 0 {
		return chain.Block{}, false, errors.New("common head: no clients")
	}
	cand, err := clients[0].LatestBlock(ctx)
	if err != nil {
		return chain.Block{}, false, fmt.Errorf("common head: %w", err)
	}
	for cand.Number > 0 {
		agree, err := allHold(ctx, cand, clients[1:])
		if err != nil {
			return chain.Block{}, false, fmt.Errorf("common head: %w", err)
		}
		if agree {
			return cand, true, nil
		}
		cand, err = clients[0].BlockByNumber(ctx, cand.Number-1)
		if err != nil {
			return chain.Block{}, false, fmt.Errorf("common head: %w", err)
		}
	}
	return chain.Block{}, false, nil
}

func allHold(ctx context.Context, b chain.Block, clients []chain.Client) (bool, error) {
	for _, c := range clients {
		other, err := c.BlockByNumber(ctx, b.Number)
		if errors.Is(err, chain.ErrBlockNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if other.Hash != b.Hash {
			return false, nil
		}
	}
	return true, nil
}
