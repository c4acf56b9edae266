package ethrpc

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/0xsequence/reorgme/internal/chain"
)

type ethService struct {
	blocks []map[string]any
}

func (s *ethService) GetBlockByNumber(_ context.Context, tag string, _ bool) (map[string]any, error) {
	if tag == "latest" {
		return s.blocks[len(s.blocks)-1], nil
	}
	n, err := hexutil.DecodeUint64(tag)
	if err != nil {
		return nil, err
	}
	if n >= uint64(len(s.blocks)) {
		return nil, nil
	}
	return s.blocks[n], nil
}

type adminService struct {
	peers []string
}

func (s *adminService) AddPeer(url string) (bool, error) {
	s.peers = append(s.peers, url)
	return url != "enode://rejected", nil
}

func newTestClient(t *testing.T) (*Client, *adminService) {
	t.Helper()

	eth := &ethService{}
	for i, tag := range []string{"", "reorgme_geth_child_1_0"} {
		eth.blocks = append(eth.blocks, map[string]any{
			"number":     hexutil.EncodeUint64(uint64(i)),
			"hash":       common.BytesToHash([]byte{byte(i + 1)}).Hex(),
			"parentHash": common.BytesToHash([]byte{byte(i)}).Hex(),
			"extraData":  hexutil.Encode([]byte(tag)),
			"miner":      "0x646b186c9ccad43a0b9c8e4efd1d9f4a2d20c358",
			"timestamp":  hexutil.EncodeUint64(uint64(1000 + i)),
		})
	}
	admin := &adminService{}

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", eth))
	require.NoError(t, srv.RegisterName("admin", admin))
	t.Cleanup(srv.Stop)

	c := NewFromRPC(rpc.DialInProc(srv))
	t.Cleanup(c.Close)
	return c, admin
}

func TestLatestBlockDecodesTag(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	b, err := c.LatestBlock(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.Number)
	require.Equal(t, "reorgme_geth_child_1_0", b.Tag())
	require.Equal(t, common.BytesToHash([]byte{2}), b.Hash)
	require.Equal(t, common.BytesToHash([]byte{1}), b.ParentHash)
	require.Equal(t, uint64(1001), b.Time)
}

func TestBlockByNumberMissing(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	b, err := c.BlockByNumber(t.Context(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), b.Number)
	require.Empty(t, b.Tag())

	_, err = c.BlockByNumber(t.Context(), 7)
	require.ErrorIs(t, err, chain.ErrBlockNotFound)
	require.True(t, chain.IsTransient(err))
}

func TestAddPeer(t *testing.T) {
	t.Parallel()

	c, admin := newTestClient(t)
	require.NoError(t, c.AddPeer(t.Context(), "enode://abc@10.0.0.2:30303"))
	require.Error(t, c.AddPeer(t.Context(), "enode://rejected"))
	require.Equal(t, []string{"enode://abc@10.0.0.2:30303", "enode://rejected"}, admin.peers)
}
