// Package genesis builds the genesis file every node is initialised from.
package genesis

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// FileName is the genesis file name inside the cluster temp directory.
const FileName = "genesis.json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ChainConfig holds the fork schedule. All forks activate at genesis.
type ChainConfig struct {
	ChainID             uint64   `json:"chainId"`
	HomesteadBlock      uint64   `json:"homesteadBlock"`
	EIP150Block         uint64   `json:"eip150Block"`
	EIP155Block         uint64   `json:"eip155Block"`
	EIP158Block         uint64   `json:"eip158Block"`
	ByzantiumBlock      uint64   `json:"byzantiumBlock"`
	ConstantinopleBlock uint64   `json:"constantinopleBlock"`
	PetersburgBlock     uint64   `json:"petersburgBlock"`
	Ethash              struct{} `json:"ethash"`
}

// Account is one allocation entry.
type Account struct {
	Balance string `json:"balance"`
}

// Alloc maps an account address to its initial balance.
type Alloc map[string]Account

// Genesis is the document passed to the node's init command.
type Genesis struct {
	Config     ChainConfig `json:"config"`
	Difficulty string      `json:"difficulty"`
	GasLimit   string      `json:"gasLimit"`
	Alloc      Alloc       `json:"alloc"`
}

// Default returns the testnet genesis: chain id 9999, minimal difficulty and
// two pre-funded accounts.
func Default() Genesis {
	return Genesis{
		Config:     ChainConfig{ChainID: 9999},
		Difficulty: "1",
		GasLimit:   "8000000",
		Alloc: Alloc{
			"7df9a875a174b3bc565e6424a0050ebc1b2d1d82": {Balance: "300000"},
			"f41c74c9ae680c1aa78f42e5647a62f353b7bdde": {Balance: "400000"},
		},
	}
}

// WithAlloc returns a copy of g with extra merged over its allocation.
func (g Genesis) WithAlloc(extra Alloc) Genesis {
	merged := make(Alloc, len(g.Alloc)+len(extra))
	for addr, acc := range g.Alloc {
		merged[addr] = acc
	}
	for addr, acc := range extra {
		merged[addr] = acc
	}
	g.Alloc = merged
	return g
}

// ValidationError rejects a malformed allocation before any resource is
// touched.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid allocation %q: %s", e.Input, e.Reason)
}

// ParseAllocation parses one "<address>=<balance>" string.
func ParseAllocation(s string) (string, Account, error) {
	addr, balance, ok := strings.Cut(s, "=")
	if !ok {
		return "", Account{}, &ValidationError{Input: s, Reason: "expected <address>=<balance>"}
	}
	addr = strings.TrimSpace(addr)
	balance = strings.TrimSpace(balance)
	if addr == "" {
		return "", Account{}, &ValidationError{Input: s, Reason: "empty address"}
	}
	if !isHex(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")) {
		return "", Account{}, &ValidationError{Input: s, Reason: "address is not hex"}
	}
	if _, ok := new(big.Int).SetString(balance, 10); !ok || strings.HasPrefix(balance, "-") {
		return "", Account{}, &ValidationError{Input: s, Reason: "balance is not a non-negative integer"}
	}
	return addr, Account{Balance: balance}, nil
}

// ParseAllocations parses every entry; addresses must be unique.
func ParseAllocations(entries []string) (Alloc, error) {
	alloc := make(Alloc, len(entries))
	for _, e := range entries {
		addr, acc, err := ParseAllocation(e)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(addr)
		for existing := range alloc {
			if strings.ToLower(existing) == key {
				return nil, &ValidationError{Input: e, Reason: "duplicate address"}
			}
		}
		alloc[addr] = acc
	}
	return alloc, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// Write stores g as dir/genesis.json, creating dir when needed, and returns
// the file path.
func Write(dir string, g Genesis) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create genesis dir: %w", err)
	}
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal genesis: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write genesis: %w", err)
	}
	return path, nil
}
