// Package miner assembles candidate blocks from the mempool and searches
// for a proof-of-work nonce, the way foundation/blockchain/database's POW
// function does, generalized to this ledger's header shape and made
// cancellable via context so a tip change or fresh mempool churn can
// preempt an in-progress search.
package miner

import (
	"context"
	"time"

	"github.com/postchain/postchain/internal/blockchain/block"
	"github.com/postchain/postchain/internal/blockchain/chain"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/errs"
	"github.com/postchain/postchain/internal/blockchain/mempool"
	"github.com/postchain/postchain/internal/blockchain/metrics"
	"github.com/postchain/postchain/internal/blockchain/tx"
	"github.com/postchain/postchain/internal/blockchain/validator"
)

// checkInterval bounds how many nonce attempts pass between refreshing the
// candidate's timestamp and checking whether the active tip moved out from
// under it, per spec.md §4.6/§5's "every ~2^20 tries" requirement.
const checkInterval = 1 << 20

// EventHandler receives mining progress messages, mirroring the teacher's
// evHandler callback convention used instead of a package logger.
type EventHandler func(format string, args ...any)

// Miner holds what a single logical mining worker needs: the chain it
// builds on, the mempool it draws candidate transactions from, and the
// key paid the coinbase reward.
type Miner struct {
	chain     *chain.Store
	mp        *mempool.Mempool
	minerKey  crypto.PublicKey
	evHandler EventHandler
	metrics   *metrics.Metrics
}

// New constructs a Miner. ev may be nil, in which case progress messages
// are discarded.
func New(c *chain.Store, mp *mempool.Mempool, minerKey crypto.PublicKey, ev EventHandler) *Miner {
	if ev == nil {
		ev = func(string, ...any) {}
	}
	return &Miner{chain: c, mp: mp, minerKey: minerKey, evHandler: ev}
}

// SetMetrics attaches a metrics registry the miner updates with mined-block
// and hash-attempt counts. Passing nil disables metrics (the default).
func (m *Miner) SetMetrics(metrics *metrics.Metrics) {
	m.metrics = metrics
}

// Run mines continuously until ctx is cancelled, submitting each solved
// block through the chain store's normal acceptance path and restarting
// immediately on the new tip. tipChanged should deliver the chain store's
// Subscribe channel. A candidate's transactions are fixed once it is
// assembled: the nonce search does not watch the mempool, so transactions
// admitted during a search are first considered by the next candidate.
func (m *Miner) Run(ctx context.Context, tipChanged <-chan crypto.Hash) {
	m.evHandler("miner: started")
	defer m.evHandler("miner: stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := m.MineOne(ctx)
		switch {
		case err == nil:
			m.evHandler("miner: solved block at height %d", b.Header.Height)
			if err := m.chain.AcceptBlock(b, uint64(time.Now().Unix())); err != nil {
				m.evHandler("miner: solved block rejected by chain store: %s", err)
			} else {
				m.metrics.RecordBlockMined()
			}
		case ctx.Err() != nil:
			return
		default:
			m.evHandler("miner: candidate abandoned: %s", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-tipChanged:
		default:
		}
	}
}

// errAbandoned signals that the in-progress candidate was preempted by a
// tip change and should be rebuilt, not that anything failed.
var errAbandoned = errs.Newf(errs.ConsensusViolation, "miner: candidate abandoned, tip changed")

// MineOne assembles one candidate block and searches for a solving nonce,
// returning the mined block on success. It returns errAbandoned if the
// active tip moves during the search.
func (m *Miner) MineOne(ctx context.Context) (block.Block, error) {
	parent, parentHash, _ := m.chain.Tip()

	candidate, err := m.assemble(parent, parentHash)
	if err != nil {
		return block.Block{}, err
	}

	if err := m.performPOW(ctx, &candidate, parentHash); err != nil {
		return block.Block{}, err
	}
	return candidate, nil
}

// assemble builds an unsolved candidate block: coinbase plus a
// fee-prioritized mempool selection, header fields filled in except Nonce.
func (m *Miner) assemble(parent block.Block, parentHash crypto.Hash) (block.Block, error) {
	height := parent.Header.Height + 1
	params := m.chain.Params()

	coinbase := tx.NewCoinbase(tx.Coinbase{
		Recipient: m.minerKey,
		Amount:    params.Reward(height),
		Height:    height,
	})
	selected := m.mp.SelectForBlock(m.chain.TipState(), params.BlockSizeLimit)
	txs := append([]tx.Tx{coinbase}, selected...)

	difficulty, err := m.chain.ExpectedDifficulty(parent)
	if err != nil {
		return block.Block{}, err
	}

	txRoot, err := block.MerkleRootOfTxs(txs)
	if err != nil {
		return block.Block{}, err
	}

	stateRoot, _, err := validator.SimulateBody(txs, m.minerKey, m.chain.TipState(), m.chain, params, m.chain.ResolveEndorsement)
	if err != nil {
		return block.Block{}, err
	}

	timestamp := parent.Header.Timestamp + 1
	if now := uint64(time.Now().Unix()); now > timestamp {
		timestamp = now
	}

	header := block.Header{
		Version:      1,
		Height:       height,
		PrevHash:     parentHash,
		Timestamp:    timestamp,
		Miner:        m.minerKey,
		Difficulty:   difficulty,
		Nonce:        0,
		TxMerkleRoot: txRoot,
		StateRoot:    stateRoot,
		TxCount:      uint16(len(txs)),
	}

	return block.Block{Header: header, Txs: txs}, nil
}

// performPOW iterates Header.Nonce until the header hash satisfies the
// declared difficulty, refreshing the timestamp and checking for a tip
// change every checkInterval attempts, or aborts with errAbandoned /
// ctx.Err() if preempted.
func (m *Miner) performPOW(ctx context.Context, b *block.Block, parentHash crypto.Hash) error {
	var attempts uint64
	for {
		attempts++
		if attempts%checkInterval == 0 {
			m.evHandler("miner: attempts[%d]", attempts)
			m.metrics.AddMiningHashes(checkInterval)

			if err := ctx.Err(); err != nil {
				return err
			}
			if _, currentTip, _ := m.chain.Tip(); currentTip != parentHash {
				return errAbandoned
			}

			if now := uint64(time.Now().Unix()); now > b.Header.Timestamp {
				b.Header.Timestamp = now
			}
		}

		hash, err := b.Header.Hash()
		if err != nil {
			return errs.New(errs.MalformedEncoding, err)
		}
		if block.IsSolved(b.Header.Difficulty, hash) {
			return nil
		}
		b.Header.Nonce++
	}
}
