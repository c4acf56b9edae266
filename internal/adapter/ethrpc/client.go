// Package ethrpc implements chain.Client over a node's JSON-RPC endpoint.
package ethrpc

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/0xsequence/reorgme/internal/chain"
)

var (
	_ chain.Client = (*Client)(nil)
	_ chain.Dialer = Dialer{}
)

// Dialer opens HTTP JSON-RPC connections.
type Dialer struct{}

func (Dialer) Dial(ctx context.Context, url string) (chain.Client, error) {
	return Dial(ctx, url)
}

// Client is a chain.Client backed by go-ethereum's rpc package.
type Client struct {
	rpc *rpc.Client
	url string
}

// Dial connects to url. For HTTP endpoints no request is made until the
// first call.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{rpc: c, url: url}, nil
}

// NewFromRPC wraps an existing rpc client.
func NewFromRPC(c *rpc.Client) *Client {
	return &Client{rpc: c}
}

// rpcBlock holds the eth_getBlockByNumber fields the cluster reads.
type rpcBlock struct {
	Number     hexutil.Uint64 `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	ExtraData  hexutil.Bytes  `json:"extraData"`
	Miner      common.Address `json:"miner"`
	Timestamp  hexutil.Uint64 `json:"timestamp"`
}

func (c *Client) getBlock(ctx context.Context, tag string) (chain.Block, error) {
	var raw *rpcBlock
	if err := c.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", tag, false); err != nil {
		return chain.Block{}, fmt.Errorf("get block %s: %w", tag, err)
	}
	if raw == nil {
		return chain.Block{}, fmt.Errorf("get block %s: %w", tag, chain.ErrBlockNotFound)
	}
	return chain.Block{
		Number:     uint64(raw.Number),
		Hash:       raw.Hash,
		ParentHash: raw.ParentHash,
		Extra:      raw.ExtraData,
		Miner:      raw.Miner,
		Time:       uint64(raw.Timestamp),
	}, nil
}

func (c *Client) LatestBlock(ctx context.Context) (chain.Block, error) {
	return c.getBlock(ctx, "latest")
}

func (c *Client) BlockByNumber(ctx context.Context, number uint64) (chain.Block, error) {
	return c.getBlock(ctx, hexutil.EncodeUint64(number))
}

func (c *Client) AddPeer(ctx context.Context, enode string) error {
	var added bool
	if err := c.rpc.CallContext(ctx, &added, "admin_addPeer", enode); err != nil {
		return fmt.Errorf("add peer: %w", err)
	}
	if !added {
		return fmt.Errorf("add peer %s: rejected by node", enode)
	}
	return nil
}

func (c *Client) Close() {
	c.rpc.Close()
}
