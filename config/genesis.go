package config

import (
	"fmt"

	"github.com/tolelom/sortichain/chainhash"
)

// ResolvedGenesis holds the config's genesis parameters parsed into usable
// types, replacing the teacher's CreateGenesisBlock (config/genesis.go),
// which built and signed a game-chain block #0 — this module has no
// child-chain block of its own to sign, only a starting point in the
// burnchain's history and a seed value to chain sortition from.
type ResolvedGenesis struct {
	FirstBlockHeight int64
	FirstBlockHash   chainhash.Hash
	Seed             chainhash.Hash
}

// ResolveGenesis parses and validates the config's genesis parameters.
func ResolveGenesis(cfg *Config) (*ResolvedGenesis, error) {
	hash, err := chainhash.FromHex(cfg.Genesis.FirstBlockHash)
	if err != nil {
		return nil, fmt.Errorf("genesis.first_block_hash: %w", err)
	}
	seed, err := chainhash.FromHex(cfg.Genesis.GenesisSeedHex)
	if err != nil {
		return nil, fmt.Errorf("genesis.genesis_seed: %w", err)
	}
	return &ResolvedGenesis{
		FirstBlockHeight: cfg.Genesis.FirstBlockHeight,
		FirstBlockHash:   hash,
		Seed:             seed,
	}, nil
}
