// Package config loads and validates node configuration: the JSON main
// config plus a companion `<chain_name>.ini` file carrying the burnchain
// connection parameters spec.md §6 names. Generalizes the teacher's
// Config/Load/Validate/Save shape (config/config.go) from a single-chain
// validator config to this module's indexer/peer-walker node.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tolelom/sortichain/snapshot"
)

// SeedPeer identifies a remote peer to seed the MHRWDA walk with on
// startup.
type SeedPeer struct {
	Addr string `json:"addr"` // host:port
	ASN  uint32 `json:"asn,omitempty"`
}

// GenesisConfig fixes the values that have no prior snapshot to derive
// from: the first burn block height/hash to index from, and the seed that
// chains into the first block's sortition (spec.md §9 design note: "the
// genesis seed is a network parameter, not derived").
type GenesisConfig struct {
	FirstBlockHeight int64  `json:"first_block_height"`
	FirstBlockHash   string `json:"first_block_hash"`
	GenesisSeedHex   string `json:"genesis_seed"`
}

// Config holds all node configuration.
type Config struct {
	ChainName   string        `json:"chain_name"`   // e.g. "bitcoin"; also the <chain_name>.ini filename stem
	NetworkName string        `json:"network_name"` // "mainnet" | "testnet" | "regtest"
	DataDir     string        `json:"data_dir"`

	RetentionWindow int64                    `json:"retention_window"` // max allowed *_backptr distance, spec.md §4.3
	Quota           snapshot.BurnQuotaConfig `json:"burn_quota"`
	// ConsensusHashLifetime is the fixed window size of prior consensus
	// hashes folded into each block's consensus_hash (spec.md §4.5/§6).
	ConsensusHashLifetime int64 `json:"consensus_hash_lifetime"`

	Genesis   GenesisConfig `json:"genesis"`
	SeedPeers []SeedPeer    `json:"seed_peers,omitempty"`

	MetricsAddr string `json:"metrics_addr,omitempty"` // empty → metrics server disabled
}

// DefaultConfig returns a single-node development configuration against
// Bitcoin testnet.
func DefaultConfig() *Config {
	return &Config{
		ChainName:       "bitcoin",
		NetworkName:     "testnet",
		DataDir:         "./data",
		RetentionWindow:       6,
		Quota:                 snapshot.DefaultBurnQuotaConfig,
		ConsensusHashLifetime: 24,
		MetricsAddr:           ":9090",
	}
}

// Load reads a JSON config file from path. The companion `<chain_name>.ini`
// burnchain connection parameters are read separately by
// LoadBurnchainParams.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.ChainName == "" {
		return fmt.Errorf("chain_name must not be empty")
	}
	if c.NetworkName == "" {
		return fmt.Errorf("network_name must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("retention_window must be positive, got %d", c.RetentionWindow)
	}
	if c.ConsensusHashLifetime <= 0 {
		return fmt.Errorf("consensus_hash_lifetime must be positive, got %d", c.ConsensusHashLifetime)
	}
	if c.Genesis.FirstBlockHash == "" {
		return fmt.Errorf("genesis.first_block_hash must not be empty")
	}
	if c.Genesis.GenesisSeedHex == "" {
		return fmt.Errorf("genesis.genesis_seed must not be empty")
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
