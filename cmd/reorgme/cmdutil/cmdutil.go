// Package cmdutil holds the flags and wiring shared by every reorgme
// command.
package cmdutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/0xsequence/reorgme/cmd/reorgme/ui"
	"github.com/0xsequence/reorgme/config"
	"github.com/0xsequence/reorgme/internal/adapter/docker"
	"github.com/0xsequence/reorgme/internal/adapter/ethrpc"
	"github.com/0xsequence/reorgme/internal/chain"
	"github.com/0xsequence/reorgme/internal/cluster"
	"github.com/0xsequence/reorgme/internal/engine"
)

// Backend opens the container engine and RPC dialer a session drives.
type Backend func(cfg config.Config) (engine.Engine, chain.Dialer, error)

// DockerBackend talks to the Docker daemon named by the config or the
// environment and to nodes over JSON-RPC.
func DockerBackend(cfg config.Config) (engine.Engine, chain.Dialer, error) {
	e, err := docker.New(cfg.DockerHost)
	if err != nil {
		return nil, nil, err
	}
	return e, ethrpc.Dialer{}, nil
}

// Global are the persistent flags of the root command.
type Global struct {
	ID            int
	ConfigPath    string
	Debug         bool
	NoInteraction bool

	// Backend defaults to DockerBackend.
	Backend Backend
	// Out receives command results; defaults to stdout.
	Out io.Writer
}

func (g *Global) Bind(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.IntVar(&g.ID, "id", 0, "Cluster id; clusters with different ids run side by side")
	flags.StringVar(&g.ConfigPath, "config", "", "Config file (default "+config.Path()+")")
	flags.BoolVar(&g.Debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&g.NoInteraction, "no-interaction", false, "Plain progress output without colors or redraws")
}

func (g *Global) Stdout() io.Writer {
	if g.Out != nil {
		return g.Out
	}
	return os.Stdout
}

// Session is one command's view of a cluster.
type Session struct {
	Cluster *cluster.Cluster
	Config  config.Config

	engine engine.Engine
	output *ui.TelemetryOutput
	once   sync.Once
}

// Open loads the config, connects to the engine and waits until it answers.
func (g *Global) Open(ctx context.Context) (*Session, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}

	backend := g.Backend
	if backend == nil {
		backend = DockerBackend
	}
	e, dialer, err := backend(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to container engine: %w", err)
	}
	if err := e.WaitReady(ctx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("wait for container engine: %w", err)
	}

	out := ui.NewTelemetryOutput()
	return &Session{
		Cluster: cluster.New(g.ID, e, dialer, cfg, cluster.WithTracer(out.Tracer())),
		Config:  cfg,
		engine:  e,
		output:  out,
	}, nil
}

func (s *Session) Close() {
	s.once.Do(func() {
		s.output.Close()
		_ = s.engine.Close()
	})
}

// LogPrinter returns a cluster.LogSink writing prefixed lines to w.
func LogPrinter(w io.Writer) cluster.LogSink {
	var mu sync.Mutex
	return func(index int, container, line string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, ui.LogLine(index, container, line))
	}
}
