// Package config holds the tunables of a reorgme cluster.
//
// Config is stored at $XDG_CONFIG_HOME/reorgme/config.yaml (defaults to
// ~/.config/reorgme/config.yaml). Every key is optional; missing keys keep
// their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes images, ports, throttling and polling cadence.
type Config struct {
	NodeImage    string `yaml:"node-image"`
	UtilityImage string `yaml:"utility-image"`

	RPCPort int `yaml:"rpc-port"`
	P2PPort int `yaml:"p2p-port"`

	// CPUQuotas is indexed by node; each is a share of CPUPeriod.
	CPUPeriod int64   `yaml:"cpu-period"`
	CPUQuotas []int64 `yaml:"cpu-quotas"`

	PropagationLookback uint64 `yaml:"propagation-lookback"`

	PollInterval        time.Duration `yaml:"poll-interval"`
	DatasetPollInterval time.Duration `yaml:"dataset-poll-interval"`
	DatasetMarker       string        `yaml:"dataset-marker"`
	DatasetLogTail      int           `yaml:"dataset-log-tail"`

	TempRoot         string `yaml:"temp-root"`
	InternalNetworks bool   `yaml:"internal-networks"`
	DockerHost       string `yaml:"docker-host,omitempty"`
	Etherbase        string `yaml:"etherbase"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		NodeImage:           "ethereum/client-go:v1.10.26",
		UtilityImage:        "alpine:3.19",
		RPCPort:             8545,
		P2PPort:             30303,
		CPUPeriod:           100000,
		CPUQuotas:           []int64{25000, 20000, 30000},
		PropagationLookback: 32,
		PollInterval:        100 * time.Millisecond,
		DatasetPollInterval: time.Second,
		DatasetMarker:       "Generating DAG in progress",
		DatasetLogTail:      16,
		TempRoot:            os.TempDir(),
		InternalNetworks:    true,
		Etherbase:           "0x646b186c9ccAD43a0b9c8E4efd1d9F4a2D20c358",
	}
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/reorgme/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "reorgme", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "reorgme", "config.yaml")
}

// Load reads the config file at path, or Path() when path is empty. A
// missing file yields Default().
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating directories as needed.
func (c Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects settings no cluster can run with.
func (c Config) Validate() error {
	switch {
	case c.NodeImage == "" || c.UtilityImage == "":
		return errors.New("images must be set")
	case c.RPCPort <= 0 || c.RPCPort > 65535:
		return fmt.Errorf("rpc-port %d out of range", c.RPCPort)
	case c.P2PPort <= 0 || c.P2PPort > 65535:
		return fmt.Errorf("p2p-port %d out of range", c.P2PPort)
	case len(c.CPUQuotas) != 3:
		return fmt.Errorf("cpu-quotas needs one entry per node, got %d", len(c.CPUQuotas))
	case c.CPUPeriod <= 0:
		return errors.New("cpu-period must be positive")
	case c.PollInterval <= 0 || c.DatasetPollInterval <= 0:
		return errors.New("poll intervals must be positive")
	case c.DatasetMarker == "":
		return errors.New("dataset-marker must be set")
	}
	for i, q := range c.CPUQuotas {
		if q <= 0 || q > c.CPUPeriod {
			return fmt.Errorf("cpu-quotas[%d] = %d must be within (0, cpu-period]", i, q)
		}
	}
	return nil
}
