// Package mempool maintains the bounded set of unconfirmed,
// individually-valid transactions a node has seen, indexed by content
// hash and by (author, nonce), with replace-by-fee admission and
// fee-prioritized selection for mining.
package mempool

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/postchain/postchain/internal/blockchain/account"
	"github.com/postchain/postchain/internal/blockchain/canon"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/errs"
	"github.com/postchain/postchain/internal/blockchain/metrics"
	"github.com/postchain/postchain/internal/blockchain/tx"
	"github.com/postchain/postchain/internal/blockchain/validator"
)

// Entry is one admitted, individually-valid transaction.
type Entry struct {
	Tx      tx.Tx
	Hash    crypto.Hash
	Arrived uint64
}

// Mempool is a process singleton; all mutating methods are safe for
// concurrent use, serialized internally.
type Mempool struct {
	mu      sync.RWMutex
	maxSize int
	seq     uint64

	byHash        map[crypto.Hash]*Entry
	byAuthorNonce map[crypto.PublicKey]map[uint64]crypto.Hash

	metrics *metrics.Metrics
}

// New constructs an empty mempool bounded at maxSize entries.
func New(maxSize int) *Mempool {
	return &Mempool{
		maxSize:       maxSize,
		byHash:        make(map[crypto.Hash]*Entry),
		byAuthorNonce: make(map[crypto.PublicKey]map[uint64]crypto.Hash),
	}
}

// SetMetrics attaches a metrics registry the mempool updates on admission,
// eviction, and size changes. Passing nil disables metrics (the default).
func (mp *Mempool) SetMetrics(m *metrics.Metrics) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.metrics = m
}

// Count returns the number of entries currently held.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.byHash)
}

// Has reports whether hash is already in the pool, used by the P2P layer
// to decide whether an announced transaction needs requesting.
func (mp *Mempool) Has(hash crypto.Hash) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, ok := mp.byHash[hash]
	return ok
}

// Admit validates t against view and chain and, if it passes, adds it to
// the pool. If the author already has an entry at the same nonce, t
// replaces it only if it offers a strictly higher gas_fee (replace-by-fee).
func (mp *Mempool) Admit(t tx.Tx, view validator.StateView, chain validator.ChainView, params validator.Params) error {
	if err := validator.ValidateTx(t, view, chain, params); err != nil {
		mp.metrics.RecordTxSubmission(string(t.Kind), "rejected")
		return err
	}

	hash, err := t.ContentHash()
	if err != nil {
		mp.metrics.RecordTxSubmission(string(t.Kind), "rejected")
		return errs.New(errs.MalformedEncoding, err)
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	author := t.Signer()
	nonce := t.Nonce()

	if existingHash, ok := mp.byAuthorNonce[author][nonce]; ok {
		existing := mp.byHash[existingHash]
		if existing != nil && t.GasFee() <= existing.Tx.GasFee() {
			mp.metrics.RecordTxSubmission(string(t.Kind), "rejected")
			return errs.Newf(errs.LimitExceeded, "replacement requires a strictly higher gas_fee than %d", existing.Tx.GasFee())
		}
		delete(mp.byHash, existingHash)
	}

	mp.seq++
	mp.byHash[hash] = &Entry{Tx: t, Hash: hash, Arrived: mp.seq}
	if mp.byAuthorNonce[author] == nil {
		mp.byAuthorNonce[author] = make(map[uint64]crypto.Hash)
	}
	mp.byAuthorNonce[author][nonce] = hash

	mp.evictIfOverCapacity()
	mp.metrics.RecordTxSubmission(string(t.Kind), "accepted")
	mp.metrics.SetMempoolSize(len(mp.byHash))
	return nil
}

// evictIfOverCapacity drops lowest-gas_fee entries, oldest-arrival first
// among ties, until the pool is back at or under maxSize. Caller must
// hold mu.
func (mp *Mempool) evictIfOverCapacity() {
	for len(mp.byHash) > mp.maxSize {
		var worst *Entry
		for _, e := range mp.byHash {
			if worst == nil {
				worst = e
				continue
			}
			if e.Tx.GasFee() < worst.Tx.GasFee() ||
				(e.Tx.GasFee() == worst.Tx.GasFee() && e.Arrived < worst.Arrived) {
				worst = e
			}
		}
		if worst == nil {
			return
		}
		mp.removeLocked(worst)
		mp.metrics.RecordMempoolEviction()
	}
}

func (mp *Mempool) removeLocked(e *Entry) {
	delete(mp.byHash, e.Hash)
	author := e.Tx.Signer()
	if m := mp.byAuthorNonce[author]; m != nil {
		if m[e.Tx.Nonce()] == e.Hash {
			delete(m, e.Tx.Nonce())
		}
		if len(m) == 0 {
			delete(mp.byAuthorNonce, author)
		}
	}
}

// Remove drops every entry matching the given content hashes, used when
// their transactions are confirmed in a newly-applied block.
func (mp *Mempool) Remove(hashes []crypto.Hash) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, h := range hashes {
		if e, ok := mp.byHash[h]; ok {
			mp.removeLocked(e)
		}
	}
}

// Revalidate re-checks every entry against view and chain, dropping those
// that no longer apply (stale nonce, insufficient balance, and so on).
// Called whenever the active tip changes.
func (mp *Mempool) Revalidate(view validator.StateView, chain validator.ChainView, params validator.Params) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, e := range mp.byHash {
		if err := validator.ValidateTx(e.Tx, view, chain, params); err != nil {
			mp.removeLocked(e)
		}
	}
}

// Hashes returns every content hash currently held, the form the
// get_mempool RPC and P2P gossip dedup expose.
func (mp *Mempool) Hashes() []crypto.Hash {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	out := make([]crypto.Hash, 0, len(mp.byHash))
	for h := range mp.byHash {
		out = append(out, h)
	}
	return out
}

// Get returns the transaction for hash, if present.
func (mp *Mempool) Get(hash crypto.Hash) (tx.Tx, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	e, ok := mp.byHash[hash]
	if !ok {
		return tx.Tx{}, false
	}
	return e.Tx, true
}

// =============================================================================

// overlay is a read-write account view local to selection, mirroring
// validator's scratch but kept private to this package since selection is
// a heuristic: the miner's assembled candidate is re-validated in full by
// validator.ValidateBlock before it is ever submitted.
type overlay struct {
	base    validator.StateView
	changes map[crypto.PublicKey]account.Account
}

func newOverlay(base validator.StateView) *overlay {
	return &overlay{base: base, changes: make(map[crypto.PublicKey]account.Account)}
}

func (o *overlay) Account(key crypto.PublicKey) account.Account {
	if a, ok := o.changes[key]; ok {
		return a
	}
	return o.base.Account(key)
}

func (o *overlay) set(a account.Account) {
	o.changes[a.Key] = a
}

// readyQueue is a max-heap over each author's currently-eligible
// (next-nonce) transaction, ordered by descending gas_fee and, on a tie,
// ascending nonce for determinism.
type readyQueue []tx.Tx

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].GasFee() != q[j].GasFee() {
		return q[i].GasFee() > q[j].GasFee()
	}
	return q[i].Nonce() < q[j].Nonce()
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(tx.Tx)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// SelectForBlock picks transactions for a candidate block body in
// descending gas_fee order per spec.md's "Miner selection order:
// descending gas_fee, then ascending nonce per author" — a single global
// fee-priority ordering, with per-author nonce order enforced only as a
// local constraint: an author's next transaction only enters contention
// once its predecessor has been popped off the ready set. Stops
// considering a transaction once sizeLimit serialized bytes would be
// exceeded or it is infeasible against the running speculative balance,
// but keeps draining the ready set afterward so a smaller, lower-fee
// transaction from another author can still fit.
func (mp *Mempool) SelectForBlock(base validator.StateView, sizeLimit uint64) []tx.Tx {
	mp.mu.RLock()
	byAuthor := make(map[crypto.PublicKey][]tx.Tx)
	for _, e := range mp.byHash {
		byAuthor[e.Tx.Signer()] = append(byAuthor[e.Tx.Signer()], e.Tx)
	}
	mp.mu.RUnlock()

	for k := range byAuthor {
		list := byAuthor[k]
		sort.Slice(list, func(i, j int) bool { return list[i].Nonce() < list[j].Nonce() })
		byAuthor[k] = list
	}

	ready := &readyQueue{}
	for k, list := range byAuthor {
		if len(list) > 0 {
			*ready = append(*ready, list[0])
			byAuthor[k] = list[1:]
		}
	}
	heap.Init(ready)

	ov := newOverlay(base)
	var selected []tx.Tx
	var size uint64

	for ready.Len() > 0 {
		t := heap.Pop(ready).(tx.Tx)
		author := t.Signer()

		if next := byAuthor[author]; len(next) > 0 {
			heap.Push(ready, next[0])
			byAuthor[author] = next[1:]
		}

		enc, err := encodeForSize(t)
		if err != nil {
			continue
		}
		if size+uint64(len(enc)) > sizeLimit {
			continue
		}

		signer := ov.Account(author)
		if t.Nonce() != signer.Nonce+1 {
			continue
		}
		if signer.Balance < t.TotalDebit() {
			continue
		}

		signer.Balance -= t.TotalDebit()
		signer.Nonce = t.Nonce()
		ov.set(signer)

		selected = append(selected, t)
		size += uint64(len(enc))
	}

	return selected
}

func encodeForSize(t tx.Tx) ([]byte, error) {
	switch t.Kind {
	case tx.KindPost:
		return canon.Encode(t.Post)
	case tx.KindEndorse:
		return canon.Encode(t.Endorse)
	case tx.KindTransfer:
		return canon.Encode(t.Transfer)
	default:
		return canon.Encode(t.Coinbase)
	}
}
