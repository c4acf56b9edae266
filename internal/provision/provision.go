// Package provision brings up one node of a cluster and proves it mines and
// gossips.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/0xsequence/reorgme/config"
	"github.com/0xsequence/reorgme/internal/chain"
	"github.com/0xsequence/reorgme/internal/dataset"
	"github.com/0xsequence/reorgme/internal/engine"
	"github.com/0xsequence/reorgme/internal/naming"
	"github.com/0xsequence/reorgme/internal/telemetry"
	"github.com/0xsequence/reorgme/internal/wait"
)

// Copier seeds a node volume with the shared dataset.
//
// Production: dataset.Builder
type Copier interface {
	CopyTo(ctx context.Context, index int) error
}

// Provisioner creates and verifies node containers for one cluster.
type Provisioner struct {
	engine engine.Engine
	dialer chain.Dialer
	copier Copier
	names  naming.Namer
	cfg    config.Config
}

func New(e engine.Engine, d chain.Dialer, c Copier, names naming.Namer, cfg config.Config) *Provisioner {
	return &Provisioner{engine: e, dialer: d, copier: c, names: names, cfg: cfg}
}

// RPCURL is the HTTP endpoint of a node reachable at ip.
func RPCURL(ip string, port int) string {
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(port)) + "/"
}

// NodeArgs are the geth flags of node index.
func NodeArgs(cfg config.Config, key chain.NodeKey, name string) []string {
	args := append(dataset.MinerArgs(cfg.Etherbase),
		"--nodekeyhex", key.Private,
		"--port", strconv.Itoa(cfg.P2PPort),
		"--http",
		"--http.addr", "0.0.0.0",
		"--http.port", strconv.Itoa(cfg.RPCPort),
		"--http.corsdomain", "*",
		"--http.vhosts", "*",
		"--http.api", "admin,eth,net,web3",
		"--miner.extradata", name,
	)
	return args
}

// Provision runs the full bring-up of node index. It blocks until both peers
// are running, so the three nodes must be provisioned concurrently.
func (p *Provisioner) Provision(ctx context.Context, index int) error {
	name := p.names.Container(index)
	log := slog.With("component", "provision", "cluster", p.names.ClusterID, "node", index, "container", name)

	key, err := chain.KeyFor(index)
	if err != nil {
		return err
	}

	volume := p.names.Volume(index)
	telemetry.Progress(ctx, "creating volume "+volume)
	if err := p.engine.VolumeCreate(ctx, volume); err != nil {
		return fmt.Errorf("create node volume: %w", err)
	}
	if err := p.copier.CopyTo(ctx, index); err != nil {
		return fmt.Errorf("seed node volume: %w", err)
	}

	telemetry.Progress(ctx, "creating container")
	_, err = p.engine.ContainerCreate(ctx, engine.ContainerSpec{
		Name:    name,
		Image:   p.cfg.NodeImage,
		Cmd:     NodeArgs(p.cfg, key, name),
		Network: p.names.Network(),
		Mounts:  []engine.Mount{{Type: engine.MountVolume, Source: volume, Target: dataset.DataDir}},
		ExposedPorts: []string{
			fmt.Sprintf("%d/tcp", p.cfg.RPCPort),
			fmt.Sprintf("%d/tcp", p.cfg.P2PPort),
			fmt.Sprintf("%d/udp", p.cfg.P2PPort),
		},
	})
	if err != nil {
		return fmt.Errorf("create node container: %w", err)
	}
	if err := p.engine.ContainerStart(ctx, name); err != nil {
		return fmt.Errorf("start node container: %w", err)
	}

	telemetry.Progress(ctx, "waiting for peers")
	for _, peer := range naming.PeerIDs(index) {
		if err := p.waitRunning(ctx, p.names.Container(peer)); err != nil {
			return fmt.Errorf("wait for peer %d: %w", peer, err)
		}
	}

	if err := p.engine.NetworkConnect(ctx, p.names.InternalNetwork(), name); err != nil {
		return fmt.Errorf("attach internal network: %w", err)
	}

	telemetry.Progress(ctx, "waiting for rpc")
	client, err := Connect(ctx, p.engine, p.dialer, p.names.Network(), name, p.cfg.RPCPort, wait.WithInterval(p.cfg.PollInterval))
	if err != nil {
		return fmt.Errorf("connect node rpc: %w", err)
	}
	defer client.Close()

	if err := p.waitGenesis(ctx, client); err != nil {
		return fmt.Errorf("wait for genesis block: %w", err)
	}
	log.Debug("RPC ready.")

	telemetry.Progress(ctx, "registering peers")
	for _, peer := range naming.PeerIDs(index) {
		if err := p.addPeer(ctx, client, peer); err != nil {
			return fmt.Errorf("add peer %d: %w", peer, err)
		}
	}

	telemetry.Progress(ctx, "waiting for own block")
	if err := p.waitOwnBlock(ctx, client, name); err != nil {
		return fmt.Errorf("wait for mined block: %w", err)
	}

	quota := p.cfg.CPUQuotas[index]
	if err := p.engine.ContainerUpdateCPU(ctx, name, p.cfg.CPUPeriod, quota); err != nil {
		return fmt.Errorf("throttle node: %w", err)
	}
	log.Debug("Node throttled.", "period", p.cfg.CPUPeriod, "quota", quota)

	neighbor := naming.RightNeighbor(index)
	telemetry.Progress(ctx, fmt.Sprintf("waiting for block on node %d", neighbor))
	if err := p.waitPropagated(ctx, neighbor, name); err != nil {
		return fmt.Errorf("wait for propagation to node %d: %w", neighbor, err)
	}

	log.Info("Node ready.")
	return nil
}

// Connect waits until container has an address on network and returns a
// client for its RPC endpoint.
func Connect(ctx context.Context, e engine.Engine, d chain.Dialer, network, container string, port int, opts ...wait.Option) (chain.Client, error) {
	opts = append(opts, wait.WithName("rpc "+container))
	return wait.For(ctx, func(ctx context.Context) (chain.Client, bool, error) {
		info, err := e.ContainerInspect(ctx, container)
		if err != nil {
			return nil, false, err
		}
		ip, ok := info.IP(network)
		if !ok {
			return nil, false, nil
		}
		c, err := d.Dial(ctx, RPCURL(ip, port))
		if err != nil {
			return nil, false, err
		}
		return c, true, nil
	}, opts...)
}

func (p *Provisioner) poll() []wait.Option {
	return []wait.Option{wait.WithInterval(p.cfg.PollInterval)}
}

func (p *Provisioner) waitRunning(ctx context.Context, container string) error {
	return wait.Until(ctx, func(ctx context.Context) (bool, error) {
		info, err := p.engine.ContainerInspect(ctx, container)
		if err != nil {
			return false, err
		}
		return info.Running, nil
	}, p.poll()...)
}

func (p *Provisioner) waitGenesis(ctx context.Context, client chain.Client) error {
	return wait.Until(ctx, func(ctx context.Context) (bool, error) {
		if _, err := client.BlockByNumber(ctx, 0); err != nil {
			return false, err
		}
		return true, nil
	}, p.poll()...)
}

func (p *Provisioner) addPeer(ctx context.Context, client chain.Client, peer int) error {
	key, err := chain.KeyFor(peer)
	if err != nil {
		return err
	}
	peerName := p.names.Container(peer)
	ip, err := wait.For(ctx, func(ctx context.Context) (string, bool, error) {
		info, err := p.engine.ContainerInspect(ctx, peerName)
		if err != nil {
			return "", false, err
		}
		ip, ok := info.IP(p.names.InternalNetwork())
		return ip, ok, nil
	}, p.poll()...)
	if err != nil {
		return fmt.Errorf("resolve internal address: %w", err)
	}

	url, err := key.Enode(ip, p.cfg.P2PPort)
	if err != nil {
		return err
	}
	return wait.Until(ctx, func(ctx context.Context) (bool, error) {
		if err := client.AddPeer(ctx, url); err != nil {
			if chain.IsTransient(err) {
				return false, err
			}
			return false, wait.Permanent(err)
		}
		return true, nil
	}, p.poll()...)
}

func (p *Provisioner) waitOwnBlock(ctx context.Context, client chain.Client, tag string) error {
	return wait.Until(ctx, func(ctx context.Context) (bool, error) {
		b, err := client.LatestBlock(ctx)
		if err != nil {
			return false, err
		}
		return b.Tag() == tag, nil
	}, p.poll()...)
}

func (p *Provisioner) waitPropagated(ctx context.Context, neighbor int, tag string) error {
	client, err := Connect(ctx, p.engine, p.dialer, p.names.Network(), p.names.Container(neighbor), p.cfg.RPCPort, p.poll()...)
	if err != nil {
		return err
	}
	defer client.Close()

	return wait.Until(ctx, func(ctx context.Context) (bool, error) {
		return HasRecentBlock(ctx, client, tag, p.cfg.PropagationLookback)
	}, p.poll()...)
}

// HasRecentBlock reports whether one of the lookback blocks below the
// client's latest block, or the latest itself, carries tag.
func HasRecentBlock(ctx context.Context, client chain.Client, tag string, lookback uint64) (bool, error) {
	latest, err := client.LatestBlock(ctx)
	if err != nil {
		return false, err
	}
	if latest.Tag() == tag {
		return true, nil
	}
	var floor uint64
	if latest.Number > lookback {
		floor = latest.Number - lookback
	}
	for n := latest.Number; n > floor; n-- {
		b, err := client.BlockByNumber(ctx, n-1)
		if err != nil {
			return false, err
		}
		if b.Tag() == tag {
			return true, nil
		}
	}
	return false, nil
}
