// Package chain defines the node RPC surface a cluster needs and the fixed
// node identities.
//
// Production: adapter/ethrpc (go-ethereum JSON-RPC client)
// Testing: adapter/fake.ChainNet (simulated three-node chain)
package chain

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
)

// ErrBlockNotFound is returned when a node has no block at the requested
// height.
var ErrBlockNotFound = errors.New("block not found")

// Block is the subset of a block result the cluster inspects.
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Extra      []byte
	Miner      common.Address
	Time       uint64
}

// Tag returns the extra-data as text. Nodes burn their container name here.
func (b Block) Tag() string {
	return string(b.Extra)
}

// Client talks to a single node.
type Client interface {
	LatestBlock(ctx context.Context) (Block, error)
	// BlockByNumber returns ErrBlockNotFound for heights the node lacks.
	BlockByNumber(ctx context.Context, number uint64) (Block, error)
	AddPeer(ctx context.Context, enode string) error
	Close()
}

// Dialer opens a Client for an RPC URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Client, error) { return f(ctx, url) }

// IsTransient reports whether err is expected while a node is still booting
// or briefly unreachable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBlockNotFound) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
