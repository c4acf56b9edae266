package fake

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0xsequence/reorgme/internal/chain"
)

var (
	_ chain.Dialer = (*ChainNet)(nil)
	_ chain.Client = (*chainClient)(nil)
)

// ChainNet simulates the nodes of one cluster. Connected nodes share a main
// branch; a partitioned node extends a private copy of it. Healing keeps the
// longer branch, the way a proof-of-work node adopts the heavier chain.
type ChainNet struct {
	CallRecorder
	mu sync.Mutex

	// Lookup resolves a dialed host to a node tag. Unresolvable hosts refuse
	// the connection.
	Lookup func(host string) (string, bool)
	// AutoMine makes every LatestBlock call mine one block on that node first.
	AutoMine bool

	main     []chain.Block
	branches map[string][]chain.Block
	failures map[string]int
	peers    map[string][]string
	salt     uint64
}

// NewChainNet creates a network whose main branch holds only genesis.
func NewChainNet() *ChainNet {
	genesis := chain.Block{Number: 0, Hash: crypto.Keccak256Hash([]byte("genesis"))}
	return &ChainNet{
		main:     []chain.Block{genesis},
		branches: make(map[string][]chain.Block),
		failures: make(map[string]int),
		peers:    make(map[string][]string),
	}
}

// Wire connects the chain to an engine: detaching a container from network
// partitions it, attaching heals it, and dialed IPs resolve through the
// engine's container addresses.
func (n *ChainNet) Wire(e *Engine, network string) {
	n.Lookup = e.ContainerByIP
	e.OnDisconnect = func(nw, container string) {
		if nw == network {
			n.Partition(container)
		}
	}
	e.OnConnect = func(nw, container string) {
		if nw == network {
			n.Heal(container)
		}
	}
}

func (n *ChainNet) branchLocked(tag string) []chain.Block {
	if b, ok := n.branches[tag]; ok {
		return b
	}
	return n.main
}

func (n *ChainNet) setBranchLocked(tag string, blocks []chain.Block) {
	if _, ok := n.branches[tag]; ok {
		n.branches[tag] = blocks
		return
	}
	n.main = blocks
}

func (n *ChainNet) mineLocked(tag string) chain.Block {
	blocks := n.branchLocked(tag)
	parent := blocks[len(blocks)-1]
	n.salt++

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], parent.Number+1)
	binary.BigEndian.PutUint64(buf[8:], n.salt)
	b := chain.Block{
		Number:     parent.Number + 1,
		Hash:       crypto.Keccak256Hash(parent.Hash.Bytes(), buf[:], []byte(tag)),
		ParentHash: parent.Hash,
		Extra:      []byte(tag),
		Miner:      common.BytesToAddress(crypto.Keccak256([]byte(tag))[12:]),
		Time:       parent.Time + 1,
	}
	n.setBranchLocked(tag, append(blocks[:len(blocks):len(blocks)], b))
	return b
}

// Mine appends one block mined by tag to the branch tag is on.
func (n *ChainNet) Mine(tag string) chain.Block {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mineLocked(tag)
}

// Partition gives tag a private copy of the main branch.
func (n *ChainNet) Partition(tag string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.branches[tag]; ok {
		return
	}
	n.branches[tag] = append([]chain.Block(nil), n.main...)
}

// Heal merges tag back into the main branch. A strictly longer private
// branch replaces main.
func (n *ChainNet) Heal(tag string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	branch, ok := n.branches[tag]
	if !ok {
		return
	}
	delete(n.branches, tag)
	if len(branch) > len(n.main) {
		n.main = branch
	}
}

// Partitioned reports whether tag is on a private branch.
func (n *ChainNet) Partitioned(tag string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.branches[tag]
	return ok
}

// Head returns the latest block tag sees without mining.
func (n *ChainNet) Head(tag string) chain.Block {
	n.mu.Lock()
	defer n.mu.Unlock()
	blocks := n.branchLocked(tag)
	return blocks[len(blocks)-1]
}

// FailFirst makes the next count calls against tag refuse the connection.
func (n *ChainNet) FailFirst(tag string, count int) {
	n.mu.Lock()
	n.failures[tag] = count
	n.mu.Unlock()
}

// Peers returns the enode URLs tag was asked to add.
func (n *ChainNet) Peers(tag string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.peers[tag]...)
}

func (n *ChainNet) Dial(ctx context.Context, rawURL string) (chain.Client, error) {
	n.record("Dial", rawURL)
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse rpc url: %w", err)
	}
	host := u.Hostname()
	if n.Lookup == nil {
		return nil, fmt.Errorf("dial %s: no lookup configured", rawURL)
	}
	tag, ok := n.Lookup(host)
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	return &chainClient{net: n, tag: tag}, nil
}

type chainClient struct {
	net *ChainNet
	tag string
}

func (c *chainClient) refuse() error {
	n := c.net
	if n.failures[c.tag] > 0 {
		n.failures[c.tag]--
		return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	return nil
}

func (c *chainClient) LatestBlock(ctx context.Context) (chain.Block, error) {
	n := c.net
	n.record("LatestBlock", c.tag)
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := c.refuse(); err != nil {
		return chain.Block{}, err
	}
	if n.AutoMine {
		return n.mineLocked(c.tag), nil
	}
	blocks := n.branchLocked(c.tag)
	return blocks[len(blocks)-1], nil
}

func (c *chainClient) BlockByNumber(ctx context.Context, number uint64) (chain.Block, error) {
	n := c.net
	n.record("BlockByNumber", c.tag, number)
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := c.refuse(); err != nil {
		return chain.Block{}, err
	}
	blocks := n.branchLocked(c.tag)
	if number >= uint64(len(blocks)) {
		return chain.Block{}, chain.ErrBlockNotFound
	}
	return blocks[number], nil
}

func (c *chainClient) AddPeer(ctx context.Context, enode string) error {
	n := c.net
	n.record("AddPeer", c.tag, enode)
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := c.refuse(); err != nil {
		return err
	}
	n.peers[c.tag] = append(n.peers[c.tag], enode)
	return nil
}

func (c *chainClient) Close() {}
