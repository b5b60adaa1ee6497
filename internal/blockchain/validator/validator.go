// Package validator implements the two pure entry points every node must
// agree on bit-for-bit: validate_tx and validate_block. Both take a
// read-only view of prior state and chain metadata and return an
// accept/reject decision with a categorical reason; neither mutates the
// real chain, state or mempool store.
package validator

import (
	"github.com/postchain/postchain/internal/blockchain/account"
	"github.com/postchain/postchain/internal/blockchain/block"
	"github.com/postchain/postchain/internal/blockchain/canon"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/errs"
	"github.com/postchain/postchain/internal/blockchain/genesis"
	"github.com/postchain/postchain/internal/blockchain/tx"
)

// StateView is a read-only account lookup. An absent account behaves as
// {balance:0, nonce:0}, matching the implicit-existence rule. All returns
// every account ever materialized (first credited or first authoring a
// transaction) — the complete leaf set the state Merkle tree commits to,
// since never-touched keys are implicitly zero and are not tree members.
type StateView interface {
	Account(key crypto.PublicKey) account.Account
	All() []account.Account
}

// ReferenceKind classifies what a content hash, if confirmed, refers to —
// used to enforce that endorse.target and post.reply_to resolve to a
// post, never to an endorsement, transfer or coinbase.
type ReferenceKind int

// The kinds a reference lookup can report.
const (
	ReferenceUnknown ReferenceKind = iota
	ReferencePost
	ReferenceOther
)

// ChainView is a read-only view of chain metadata needed to validate a
// block header: parent lookup, the deterministically-computed expected
// difficulty, the median of recent timestamps, and confirmed-transaction
// reference resolution.
type ChainView interface {
	BlockByHash(h crypto.Hash) (block.Block, bool)
	ExpectedDifficulty(parent block.Block) (uint64, error)
	MedianTimestamp(parent block.Block) uint64
	ResolveReference(h crypto.Hash) ReferenceKind
}

// Params bundles the genesis-derived protocol constants validation needs.
type Params struct {
	MinGasFee          uint64
	BlockSizeLimit      uint64
	TimestampTolerance uint64
	Reward             func(height uint64) uint64
}

// ParamsFromGenesis builds Params from a loaded genesis configuration.
func ParamsFromGenesis(g genesis.Genesis) Params {
	return Params{
		MinGasFee:          g.MinGasFee,
		BlockSizeLimit:     g.BlockSizeLimit,
		TimestampTolerance: g.TimestampTolerance,
		Reward:             g.Reward,
	}
}

// =============================================================================

// ValidateTx runs every transaction-level check common to admission into
// the mempool or inclusion in a block, against view. It does not check
// nonce contiguity across a block's other transactions by the same
// author; ValidateBlock's sequential application handles that.
func ValidateTx(t tx.Tx, view StateView, chain ChainView, params Params) error {
	switch t.Kind {
	case tx.KindPost, tx.KindEndorse, tx.KindTransfer:
		// fall through to the shared checks below.
	case tx.KindCoinbase:
		return errs.Newf(errs.MalformedEncoding, "coinbase transactions are not independently submittable")
	default:
		return errs.Newf(errs.MalformedEncoding, "unknown transaction kind %q", t.Kind)
	}

	ok, err := t.VerifySignature()
	if err != nil {
		return errs.New(errs.MalformedEncoding, err)
	}
	if !ok {
		return errs.Newf(errs.InvalidSignature, "signature does not verify")
	}

	if t.GasFee() < params.MinGasFee {
		return errs.Newf(errs.FeeBelowMinimum, "gas_fee %d below minimum %d", t.GasFee(), params.MinGasFee)
	}

	signer := view.Account(t.Signer())
	switch {
	case t.Nonce() < signer.Nonce+1:
		return errs.Newf(errs.NonceStale, "nonce %d already applied, expected %d", t.Nonce(), signer.Nonce+1)
	case t.Nonce() > signer.Nonce+1:
		return errs.Newf(errs.NonceFutureGap, "nonce %d is ahead of expected %d", t.Nonce(), signer.Nonce+1)
	}

	if signer.Balance < t.TotalDebit() {
		return errs.Newf(errs.InsufficientBalance, "balance %d insufficient for debit %d", signer.Balance, t.TotalDebit())
	}

	switch t.Kind {
	case tx.KindPost:
		if t.Post.BodyRuneLen() > tx.MaxPostBodyLen {
			return errs.Newf(errs.LimitExceeded, "post body length %d exceeds %d", t.Post.BodyRuneLen(), tx.MaxPostBodyLen)
		}
		if t.Post.ReplyTo != nil {
			if kind := chain.ResolveReference(*t.Post.ReplyTo); kind != ReferencePost {
				if kind == ReferenceUnknown {
					return errs.Newf(errs.ReferenceNotFound, "reply_to %s not found", t.Post.ReplyTo)
				}
				return errs.Newf(errs.ReferenceWrongKind, "reply_to %s is not a post", t.Post.ReplyTo)
			}
		}

	case tx.KindEndorse:
		if t.Endorse.MessageRuneLen() > tx.MaxEndorseMsgLen {
			return errs.Newf(errs.LimitExceeded, "endorse message length %d exceeds %d", t.Endorse.MessageRuneLen(), tx.MaxEndorseMsgLen)
		}
		switch kind := chain.ResolveReference(t.Endorse.Target); kind {
		case ReferenceUnknown:
			return errs.Newf(errs.ReferenceNotFound, "target %s not found", t.Endorse.Target)
		case ReferenceOther:
			return errs.Newf(errs.ReferenceWrongKind, "target %s is not a post", t.Endorse.Target)
		}

	case tx.KindTransfer:
		if t.Transfer.Sender == t.Transfer.Recipient {
			return errs.Newf(errs.MalformedEncoding, "transfer sender equals recipient")
		}
	}

	return nil
}

// =============================================================================

// scratch is an in-memory overlay on top of a read-only StateView,
// accumulating the effects of applying a sequence of transactions without
// touching the real store. It backs both ValidateBlock's simulation and,
// via Diffs, the account mutations the state package commits once a block
// is accepted.
type scratch struct {
	base    StateView
	overlay map[crypto.PublicKey]account.Account
}

func newScratch(base StateView) *scratch {
	return &scratch{base: base, overlay: make(map[crypto.PublicKey]account.Account)}
}

func (s *scratch) Account(key crypto.PublicKey) account.Account {
	if a, ok := s.overlay[key]; ok {
		return a
	}
	return s.base.Account(key)
}

// All returns the base view's materialized accounts with the overlay's
// changes applied on top, satisfying StateView so a scratch can itself be
// passed to ValidateTx.
func (s *scratch) All() []account.Account {
	merged := make(map[crypto.PublicKey]account.Account)
	for _, a := range s.base.All() {
		merged[a.Key] = a
	}
	for k, a := range s.overlay {
		merged[k] = a
	}
	out := make([]account.Account, 0, len(merged))
	for _, a := range merged {
		out = append(out, a)
	}
	return out
}

func (s *scratch) set(a account.Account) {
	s.overlay[a.Key] = a
}

// Diffs returns every account touched while applying a block, keyed by
// public key, suitable for the state store to persist atomically.
func (s *scratch) Diffs() map[crypto.PublicKey]account.Account {
	return s.overlay
}

// applyTx applies t's effect to s. t must have already passed ValidateTx
// (or the coinbase-specific checks below) against s as it stood before
// this call.
func applyTx(t tx.Tx, s *scratch, minerKey crypto.PublicKey) {
	switch t.Kind {
	case tx.KindPost:
		a := s.Account(t.Post.Author)
		a.Balance -= t.Post.GasFee
		a.Nonce = t.Post.Nonce
		s.set(a)
		m := s.Account(minerKey)
		m.Balance += t.Post.GasFee
		s.set(m)

	case tx.KindEndorse:
		a := s.Account(t.Endorse.Author)
		a.Balance -= t.Endorse.GasFee + t.Endorse.Amount
		a.Nonce = t.Endorse.Nonce
		s.set(a)

		// The amount's recipient (the endorsed post's author) comes from
		// the chain view, not the scratch overlay, so applyTx does not
		// credit it; SimulateBody credits the amount after this returns.
		m := s.Account(minerKey)
		m.Balance += t.Endorse.GasFee
		s.set(m)

	case tx.KindTransfer:
		sender := s.Account(t.Transfer.Sender)
		sender.Balance -= t.Transfer.Amount + t.Transfer.GasFee
		sender.Nonce = t.Transfer.Nonce
		s.set(sender)

		recipient := s.Account(t.Transfer.Recipient)
		recipient.Balance += t.Transfer.Amount
		s.set(recipient)

		m := s.Account(minerKey)
		m.Balance += t.Transfer.GasFee
		s.set(m)

	case tx.KindCoinbase:
		r := s.Account(t.Coinbase.Recipient)
		r.Balance += t.Coinbase.Amount
		s.set(r)
	}
}

// EndorsementTarget is resolved by the caller (the chain/state layer,
// which holds the confirmed-post index) and supplied so ValidateBlock can
// credit the post's author with an endorsement's amount without the
// validator package itself owning post-thread storage.
type EndorsementTarget func(targetHash crypto.Hash) (author crypto.PublicKey, ok bool)

// ValidateBlock checks every block-level rule in order and, if the block
// is valid, returns the post-block state root and the full set of account
// diffs the state store must commit. now is the validating node's current
// wall-clock time in seconds, used for the timestamp-tolerance check.
func ValidateBlock(b block.Block, parentState StateView, chain ChainView, params Params, now uint64, resolveEndorsement EndorsementTarget) (crypto.Hash, map[crypto.PublicKey]account.Account, error) {
	if b.Header.Version != 1 {
		return crypto.Hash{}, nil, errs.Newf(errs.MalformedEncoding, "unsupported header version %d", b.Header.Version)
	}
	if int(b.Header.TxCount) != len(b.Txs) {
		return crypto.Hash{}, nil, errs.Newf(errs.MalformedEncoding, "tx_count %d does not match body length %d", b.Header.TxCount, len(b.Txs))
	}

	if size, err := serializedBodySize(b.Txs); err != nil {
		return crypto.Hash{}, nil, errs.New(errs.MalformedEncoding, err)
	} else if size > params.BlockSizeLimit {
		return crypto.Hash{}, nil, errs.Newf(errs.LimitExceeded, "serialized body %d bytes exceeds limit %d", size, params.BlockSizeLimit)
	}

	// A wire-decoded Tx can claim a Kind whose matching payload pointer is
	// nil (canon.Decode never fills in an absent field). Every later step
	// here — FirstIsCoinbase's deref, MerkleRootOfTxs hashing each tx via
	// tx.Hash(), which panics rather than errors since it assumes
	// already-validated input — depends on that never being true, so check
	// it up front over the whole body and reject before any of them run.
	for i, t := range b.Txs {
		if err := t.CheckShape(); err != nil {
			return crypto.Hash{}, nil, errs.Newf(errs.MalformedEncoding, "tx %d: %s", i, err)
		}
	}

	parent, ok := chain.BlockByHash(b.Header.PrevHash)
	if !ok {
		return crypto.Hash{}, nil, errs.Newf(errs.UnknownParent, "prev_hash %s not found", b.Header.PrevHash)
	}
	if b.Header.Height != parent.Header.Height+1 {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "height %d does not follow parent height %d", b.Header.Height, parent.Header.Height)
	}

	expDifficulty, err := chain.ExpectedDifficulty(parent)
	if err != nil {
		return crypto.Hash{}, nil, errs.New(errs.ConsensusViolation, err)
	}
	if b.Header.Difficulty != expDifficulty {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "difficulty %d does not match expected %d", b.Header.Difficulty, expDifficulty)
	}

	median := chain.MedianTimestamp(parent)
	if b.Header.Timestamp <= median {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "timestamp %d not strictly greater than median %d", b.Header.Timestamp, median)
	}
	if b.Header.Timestamp > now+params.TimestampTolerance {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "timestamp %d too far in the future (now %d, tolerance %d)", b.Header.Timestamp, now, params.TimestampTolerance)
	}

	headerHash, err := b.Header.Hash()
	if err != nil {
		return crypto.Hash{}, nil, errs.New(errs.MalformedEncoding, err)
	}
	if !block.IsSolved(b.Header.Difficulty, headerHash) {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "block hash %s does not satisfy difficulty %d", headerHash, b.Header.Difficulty)
	}

	if !block.FirstIsCoinbase(b.Txs) {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "body must start with exactly one coinbase transaction")
	}
	coinbase := b.Txs[0].Coinbase
	if coinbase.Recipient != b.Header.Miner {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "coinbase recipient %s does not match header miner %s", coinbase.Recipient, b.Header.Miner)
	}
	if coinbase.Height != b.Header.Height {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "coinbase height %d does not match block height %d", coinbase.Height, b.Header.Height)
	}
	wantReward := params.Reward(b.Header.Height)
	if coinbase.Amount != wantReward {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "coinbase amount %d does not match reward(%d) = %d", coinbase.Amount, b.Header.Height, wantReward)
	}

	gotTxRoot, err := block.MerkleRootOfTxs(b.Txs)
	if err != nil {
		return crypto.Hash{}, nil, errs.New(errs.MalformedEncoding, err)
	}
	if gotTxRoot != b.Header.TxMerkleRoot {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "tx_merkle_root mismatch: got %s, header %s", gotTxRoot, b.Header.TxMerkleRoot)
	}

	gotStateRoot, diffs, err := SimulateBody(b.Txs, b.Header.Miner, parentState, chain, params, resolveEndorsement)
	if err != nil {
		return crypto.Hash{}, nil, err
	}
	if gotStateRoot != b.Header.StateRoot {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "state_root mismatch: got %s, header %s", gotStateRoot, b.Header.StateRoot)
	}

	return gotStateRoot, diffs, nil
}

// SimulateBody applies an ordered transaction list — coinbase first,
// exactly as a block body must be shaped — against base and returns the
// resulting state root and account diffs. ValidateBlock uses this to
// derive state_root; the miner uses it directly, ahead of performing any
// proof-of-work, to learn what state_root a candidate body commits to.
func SimulateBody(txs []tx.Tx, minerKey crypto.PublicKey, base StateView, chain ChainView, params Params, resolveEndorsement EndorsementTarget) (crypto.Hash, map[crypto.PublicKey]account.Account, error) {
	if !block.FirstIsCoinbase(txs) {
		return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "body must start with exactly one coinbase transaction")
	}
	for i, t := range txs {
		if err := t.CheckShape(); err != nil {
			return crypto.Hash{}, nil, errs.Newf(errs.MalformedEncoding, "tx %d: %s", i, err)
		}
	}

	s := newScratch(base)
	applyTx(txs[0], s, minerKey)

	for _, t := range txs[1:] {
		if err := ValidateTx(t, s, chain, params); err != nil {
			return crypto.Hash{}, nil, err
		}
		applyTx(t, s, minerKey)
		if t.Kind == tx.KindEndorse && t.Endorse.Amount > 0 {
			author, ok := resolveEndorsement(t.Endorse.Target)
			if !ok {
				return crypto.Hash{}, nil, errs.Newf(errs.ConsensusViolation, "endorsement target %s resolved during validation but not during application", t.Endorse.Target)
			}
			recipient := s.Account(author)
			recipient.Balance += t.Endorse.Amount
			s.set(recipient)
		}
	}

	root, err := account.Root(s.All())
	if err != nil {
		return crypto.Hash{}, nil, errs.New(errs.MalformedEncoding, err)
	}
	return root, s.Diffs(), nil
}

// serializedBodySize returns the canonical-encoded size in bytes of the
// transaction list, the quantity the 262,144-byte block size limit bounds.
func serializedBodySize(txs []tx.Tx) (uint64, error) {
	total := uint64(0)
	for _, t := range txs {
		b, err := encodeTxForSize(t)
		if err != nil {
			return 0, err
		}
		total += uint64(len(b))
	}
	return total, nil
}

func encodeTxForSize(t tx.Tx) ([]byte, error) {
	switch t.Kind {
	case tx.KindPost:
		return canon.Encode(t.Post)
	case tx.KindEndorse:
		return canon.Encode(t.Endorse)
	case tx.KindTransfer:
		return canon.Encode(t.Transfer)
	case tx.KindCoinbase:
		return canon.Encode(t.Coinbase)
	default:
		return nil, errs.Newf(errs.MalformedEncoding, "unknown kind %q", t.Kind)
	}
}

