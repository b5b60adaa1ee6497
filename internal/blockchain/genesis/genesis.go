// Package genesis maintains the protocol parameters and embedded genesis
// block that must be byte-identical across every node. Unlike ordinary
// configuration, these values are consensus-critical: two nodes started
// with different genesis parameters can never agree on a chain.
package genesis

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/postchain/postchain/internal/blockchain/account"
	"github.com/postchain/postchain/internal/blockchain/block"
	"github.com/postchain/postchain/internal/blockchain/crypto"
)

// Genesis holds every protocol parameter fixed at network launch.
type Genesis struct {
	ChainID uint16 `json:"chain_id"`

	// InitialReward is the coinbase amount paid for block 1; reward(h)
	// halves every HalvingInterval blocks.
	InitialReward   uint64 `json:"initial_reward"`
	HalvingInterval uint64 `json:"halving_interval"`

	// MinGasFee is the smallest gas_fee validate_tx will accept.
	MinGasFee uint64 `json:"min_gas_fee"`

	// InitialDifficulty is the difficulty of the genesis block and of
	// block 1 before the first retarget boundary is reached.
	InitialDifficulty uint64 `json:"initial_difficulty"`

	// BlockTimeTarget is the target duration in seconds of a whole
	// RetargetWindow, the numerator of the retarget ratio (1500s per
	// 100-block window by default, i.e. 15s per block).
	BlockTimeTarget uint64 `json:"block_time_target_seconds"`

	// BlockSizeLimit is the maximum serialized body size in bytes.
	BlockSizeLimit uint64 `json:"block_size_limit_bytes"`

	// RetargetWindow is the number of blocks between difficulty
	// recomputations.
	RetargetWindow uint64 `json:"retarget_window"`

	// RetargetClampMin/Max bound the ratio applied to the prior
	// difficulty at a retarget boundary, expressed as a fraction with
	// RetargetClampScale as the denominator (e.g. 25/100 = 0.25).
	RetargetClampMin   uint64 `json:"retarget_clamp_min_numerator"`
	RetargetClampMax   uint64 `json:"retarget_clamp_max_numerator"`
	RetargetClampScale uint64 `json:"retarget_clamp_scale"`

	// TimestampTolerance bounds how far into the future (seconds) a
	// block's timestamp may sit ahead of wall-clock.
	TimestampTolerance uint64 `json:"timestamp_tolerance_seconds"`

	// MedianTimeWindow is the number of preceding block timestamps a new
	// block's timestamp must exceed the median of.
	MedianTimeWindow uint64 `json:"median_time_window"`

	// Balances seeds the genesis state: hex-encoded public key to
	// starting balance. Genesis block itself carries no transactions;
	// these balances are materialized directly into state at height 0.
	Balances map[string]uint64 `json:"balances"`
}

// Default returns the parameter set this network launches with. It is
// compiled in so every node building from the same source agrees on it
// without needing to distribute a separate file.
func Default() Genesis {
	return Genesis{
		ChainID:            1,
		InitialReward:      50,
		HalvingInterval:    210_000,
		MinGasFee:          1,
		InitialDifficulty:  1,
		BlockTimeTarget:    1500,
		BlockSizeLimit:     262_144,
		RetargetWindow:     100,
		RetargetClampMin:   25,
		RetargetClampMax:   400,
		RetargetClampScale: 100,
		TimestampTolerance: 120,
		MedianTimeWindow:   11,
		Balances:           map[string]uint64{},
	}
}

// Load reads a genesis file from disk, falling back to Default when path
// does not exist. A present file must fully agree with peers; this is
// intended for test networks that need non-default parameters.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Genesis{}, err
	}

	var g Genesis
	if err := json.Unmarshal(content, &g); err != nil {
		return Genesis{}, fmt.Errorf("genesis: parsing %s: %w", path, err)
	}
	return g, nil
}

// Reward computes the coinbase amount for height h: InitialReward halved
// every HalvingInterval blocks, integer division, floored at zero once 64
// halvings have elapsed.
func (g Genesis) Reward(height uint64) uint64 {
	halvings := height / g.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return g.InitialReward >> halvings
}

// RetargetRatio returns the clamped ratio new_difficulty = old_difficulty *
// num / den (round to nearest: (old*num + den/2) / den), computed without
// floating point. The unclamped ratio is BlockTimeTarget / actualSeconds;
// it is clamped to [RetargetClampMin, RetargetClampMax] / RetargetClampScale.
func (g Genesis) RetargetRatio(actualSeconds uint64) (num, den uint64) {
	if actualSeconds == 0 {
		actualSeconds = 1
	}

	num, den = g.BlockTimeTarget, actualSeconds

	// ratio < min/scale  <=>  num*scale < min*den
	if num*g.RetargetClampScale < g.RetargetClampMin*den {
		return g.RetargetClampMin, g.RetargetClampScale
	}
	// ratio > max/scale  <=>  num*scale > max*den
	if num*g.RetargetClampScale > g.RetargetClampMax*den {
		return g.RetargetClampMax, g.RetargetClampScale
	}
	return num, den
}

// GenesisBlock builds the fixed block at height 0. It carries no
// transactions — the seed balances in Balances are materialized directly
// by the state store on initialization — and commits to the state root of
// those seed balances so block 1's parent state is well-defined.
func (g Genesis) GenesisBlock() (block.Block, error) {
	accounts, err := g.SeedAccounts()
	if err != nil {
		return block.Block{}, err
	}

	root, err := account.Root(accounts)
	if err != nil {
		return block.Block{}, err
	}

	txRoot, err := block.MerkleRootOfHashes(nil)
	if err != nil {
		return block.Block{}, err
	}

	header := block.Header{
		Version:      1,
		Height:       0,
		PrevHash:     crypto.ZeroHash,
		Timestamp:    0,
		Miner:        crypto.PublicKey{},
		Difficulty:   g.InitialDifficulty,
		Nonce:        0,
		TxMerkleRoot: txRoot,
		StateRoot:    root,
		TxCount:      0,
	}

	return block.Block{Header: header}, nil
}

// SeedAccounts decodes Balances into Account records.
func (g Genesis) SeedAccounts() ([]account.Account, error) {
	accounts := make([]account.Account, 0, len(g.Balances))
	for hexKey, bal := range g.Balances {
		pk, err := crypto.ParsePublicKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("genesis: invalid balances key %q: %w", hexKey, err)
		}
		accounts = append(accounts, account.Account{Key: pk, Balance: bal})
	}
	return accounts, nil
}
