package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xsequence/reorgme/internal/chain"
	"github.com/0xsequence/reorgme/internal/naming"
	"github.com/0xsequence/reorgme/internal/partition"
	"github.com/0xsequence/reorgme/internal/provision"
)

// statusTimeout bounds each RPC made while collecting Status.
const statusTimeout = 3 * time.Second

// LogOptions select which part of the node output Logs delivers.
type LogOptions struct {
	// Tail limits the initial output to the last lines; <= 0 means all.
	Tail int
	// Follow keeps streaming until the context is cancelled.
	Follow bool
}

// LogSink receives one line of node output. It is called concurrently from
// one goroutine per node.
type LogSink func(index int, container, line string)

// Logs delivers the output of every node container to sink.
func (c *Cluster) Logs(ctx context.Context, sink LogSink, opts LogOptions) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, name := range c.names.Containers() {
		g.Go(func() error {
			if err := c.nodeLogs(ctx, i, name, sink, opts); err != nil {
				return fmt.Errorf("logs %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Cluster) nodeLogs(ctx context.Context, index int, name string, sink LogSink, opts LogOptions) error {
	var r io.ReadCloser
	if opts.Follow {
		stream, err := c.engine.LogStream(ctx, name, opts.Tail)
		if err != nil {
			return err
		}
		r = stream
	} else {
		text, err := c.engine.ContainerLogs(ctx, name, opts.Tail)
		if err != nil {
			return err
		}
		r = io.NopCloser(strings.NewReader(text))
	}
	defer r.Close()
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		sink(index, name, sc.Text())
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// NodeIP returns the address of node index on the external network.
func (c *Cluster) NodeIP(ctx context.Context, index int) (string, error) {
	if index < 0 || index >= naming.NodeCount {
		return "", fmt.Errorf("node index %d out of range [0, %d)", index, naming.NodeCount)
	}
	name := c.names.Container(index)
	info, err := c.engine.ContainerInspect(ctx, name)
	if err != nil {
		return "", err
	}
	if !info.Exists {
		return "", fmt.Errorf("%s: %w", name, ErrContainerNotFound)
	}
	ip, ok := info.IP(c.names.Network())
	if !ok {
		return "", fmt.Errorf("%s has no address on %s", name, c.names.Network())
	}
	return ip, nil
}

// RPCURL returns the JSON-RPC endpoint of node index.
func (c *Cluster) RPCURL(ctx context.Context, index int) (string, error) {
	ip, err := c.NodeIP(ctx, index)
	if err != nil {
		return "", err
	}
	return provision.RPCURL(ip, c.cfg.RPCPort), nil
}

// NodeStatus is the observed state of one node.
type NodeStatus struct {
	Index     int
	Container string
	Exists    bool
	Running   bool
	Paused    bool
	IP        string
	// Head is valid when HeadErr is nil and the node answered over RPC.
	Head    chain.Block
	HasHead bool
	HeadErr error
}

// Status is a snapshot of the whole cluster.
type Status struct {
	Nodes []NodeStatus
	// Phase is zero when node 0 does not exist.
	Phase partition.Phase
	// Common is the highest block every node agrees on; HasCommon is false
	// when a node is unreachable or only genesis is shared.
	Common    chain.Block
	HasCommon bool
}

// Status inspects every node without waiting for any of them.
func (c *Cluster) Status(ctx context.Context) (Status, error) {
	var st Status
	var clients []chain.Client
	defer func() {
		for _, cl := range clients {
			cl.Close()
		}
	}()

	for i, name := range c.names.Containers() {
		info, err := c.engine.ContainerInspect(ctx, name)
		if err != nil {
			return Status{}, fmt.Errorf("inspect %s: %w", name, err)
		}
		ns := NodeStatus{Index: i, Container: name, Exists: info.Exists, Running: info.Running, Paused: info.Paused}
		ns.IP, _ = info.IP(c.names.Network())

		if ns.Running && !ns.Paused && ns.IP != "" {
			client, head, err := c.probe(ctx, ns.IP)
			if err != nil {
				ns.HeadErr = err
			} else {
				ns.Head, ns.HasHead = head, true
				clients = append(clients, client)
			}
		}
		st.Nodes = append(st.Nodes, ns)
	}

	phase, err := partition.New(c.engine, c.names, nil, nil).State(ctx)
	switch {
	case err == nil:
		st.Phase = phase
	case !errors.Is(err, partition.ErrNodeNotFound):
		return Status{}, err
	}

	if len(clients) == naming.NodeCount {
		cctx, cancel := context.WithTimeout(ctx, statusTimeout)
		defer cancel()
		common, ok, err := partition.CommonHead(cctx, clients...)
		if err != nil {
			c.log.Debug("Common head unavailable.", "err", err)
		} else {
			st.Common, st.HasCommon = common, ok
		}
	}
	return st, nil
}

func (c *Cluster) probe(ctx context.Context, ip string) (chain.Client, chain.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	client, err := c.dialer.Dial(ctx, provision.RPCURL(ip, c.cfg.RPCPort))
	if err != nil {
		return nil, chain.Block{}, err
	}
	head, err := client.LatestBlock(ctx)
	if err != nil {
		client.Close()
		return nil, chain.Block{}, err
	}
	return client, head, nil
}
