// Package chain owns the block index: every block a node has seen,
// their parent/child relationships, each branch's cumulative proof-of-work,
// and the single active tip the node currently builds on. It implements
// validator.ChainView and drives state.State through the reorg algorithm
// when a heavier branch overtakes the active one.
package chain

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/postchain/postchain/internal/blockchain/block"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/errs"
	"github.com/postchain/postchain/internal/blockchain/genesis"
	"github.com/postchain/postchain/internal/blockchain/mempool"
	"github.com/postchain/postchain/internal/blockchain/metrics"
	"github.com/postchain/postchain/internal/blockchain/state"
	"github.com/postchain/postchain/internal/blockchain/storage"
	"github.com/postchain/postchain/internal/blockchain/tx"
	"github.com/postchain/postchain/internal/blockchain/validator"
)

var tipKey = []byte("tip")

// node is one indexed block: its own cumulative proof-of-work and the
// parent hash, so ancestry can be walked without re-hashing headers.
type node struct {
	Block block.Block
	Hash  crypto.Hash
	Work  *big.Int
}

// Store is the block index and active-tip tracker for one node. All
// exported methods are safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	db     *storage.DB
	g      genesis.Genesis
	params validator.Params

	st *state.State
	mp *mempool.Mempool

	byHash       map[crypto.Hash]*node
	activeTip    crypto.Hash
	activeHeights []crypto.Hash // height -> hash, active branch only

	confirmedKind   map[crypto.Hash]validator.ReferenceKind
	confirmedAuthor map[crypto.Hash]crypto.PublicKey
	txHeight        map[crypto.Hash]uint64

	subs []chan crypto.Hash

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics registry the store updates as blocks are
// accepted and reorgs occur. Passing nil disables metrics (the default).
func (c *Store) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Open loads (or initializes, on a fresh database) the block index rooted
// at dir, building the genesis block from g if this is a fresh start. st
// must already be open against the same genesis. Side-branch blocks are
// written to the database as they arrive, but Open reloads only the active
// chain (walking back from the persisted tip); side branches seen before a
// restart are not indexed again — peers will regossip anything a node
// needs to catch up a competing branch on.
func Open(dir string, g genesis.Genesis, st *state.State, mp *mempool.Mempool) (*Store, error) {
	db, err := storage.Open(dir)
	if err != nil {
		return nil, err
	}

	c := &Store{
		db:              db,
		g:               g,
		params:          validator.ParamsFromGenesis(g),
		st:              st,
		mp:              mp,
		byHash:          make(map[crypto.Hash]*node),
		confirmedKind:   make(map[crypto.Hash]validator.ReferenceKind),
		confirmedAuthor: make(map[crypto.Hash]crypto.PublicKey),
		txHeight:        make(map[crypto.Hash]uint64),
	}

	genesisBlock, err := g.GenesisBlock()
	if err != nil {
		return nil, err
	}
	genesisHash, err := genesisBlock.Header.Hash()
	if err != nil {
		return nil, err
	}

	tipRaw, err := db.Get(tipKey)
	switch err {
	case storage.ErrNotFound:
		n := &node{Block: genesisBlock, Hash: genesisHash, Work: workFor(genesisBlock.Header.Difficulty)}
		c.byHash[genesisHash] = n
		c.activeTip = genesisHash
		c.activeHeights = []crypto.Hash{genesisHash}
		if err := c.persistBlockLocked(n); err != nil {
			return nil, err
		}
		if err := c.persistTipLocked(genesisHash); err != nil {
			return nil, err
		}
	case nil:
		var tip crypto.Hash
		copy(tip[:], tipRaw)
		if err := c.loadActiveChain(genesisHash, tip); err != nil {
			return nil, err
		}
		c.activeTip = tip
	default:
		return nil, err
	}

	return c, nil
}

// Close closes the underlying database.
func (c *Store) Close() error {
	return c.db.Close()
}

func (c *Store) loadActiveChain(genesisHash, tip crypto.Hash) error {
	var newestFirst []block.Block
	cur := tip
	for {
		raw, err := c.db.Get(blockKey(cur))
		if err != nil {
			return fmt.Errorf("chain: loading persisted block %s: %w", cur, err)
		}
		var b block.Block
		if err := decodeBlockGob(raw, &b); err != nil {
			return err
		}
		newestFirst = append(newestFirst, b)
		if cur == genesisHash {
			break
		}
		cur = b.Header.PrevHash
	}

	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}

	c.activeHeights = make([]crypto.Hash, 0, len(newestFirst))
	var work *big.Int
	for _, b := range newestFirst {
		h, err := b.Header.Hash()
		if err != nil {
			return err
		}
		if work == nil {
			work = workFor(b.Header.Difficulty)
		} else {
			work = new(big.Int).Add(work, workFor(b.Header.Difficulty))
		}
		c.byHash[h] = &node{Block: b, Hash: h, Work: work}
		c.activeHeights = append(c.activeHeights, h)
		c.indexConfirmedLocked(b)
	}
	return nil
}

// =============================================================================
// Read accessors

// Tip returns the active tip's block, hash and height.
func (c *Store) Tip() (block.Block, crypto.Hash, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.byHash[c.activeTip]
	return n.Block, n.Hash, n.Block.Header.Height
}

// TipState returns the state view reflecting the active tip, suitable for
// the miner and mempool to build against.
func (c *Store) TipState() validator.StateView {
	return c.st
}

// Params returns the genesis-derived validation parameters.
func (c *Store) Params() validator.Params {
	return c.params
}

// BlockByHeight returns the active chain's block at height, if any.
func (c *Store) BlockByHeight(height uint64) (block.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= uint64(len(c.activeHeights)) {
		return block.Block{}, false
	}
	return c.byHash[c.activeHeights[height]].Block, true
}

// BlockByHash satisfies validator.ChainView.
func (c *Store) BlockByHash(h crypto.Hash) (block.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blockByHashLocked(h)
}

func (c *Store) blockByHashLocked(h crypto.Hash) (block.Block, bool) {
	n, ok := c.byHash[h]
	if !ok {
		return block.Block{}, false
	}
	return n.Block, true
}

// ExpectedDifficulty satisfies validator.ChainView.
func (c *Store) ExpectedDifficulty(parent block.Block) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expectedDifficultyLocked(parent)
}

func (c *Store) expectedDifficultyLocked(parent block.Block) (uint64, error) {
	nextHeight := parent.Header.Height + 1
	if nextHeight%c.g.RetargetWindow != 0 {
		return parent.Header.Difficulty, nil
	}

	startHeight := nextHeight - c.g.RetargetWindow
	start, ok := c.ancestorAtHeightLocked(parent, startHeight)
	if !ok {
		return 0, fmt.Errorf("chain: missing ancestor at height %d for retarget", startHeight)
	}

	actual := parent.Header.Timestamp - start.Header.Timestamp
	num, den := c.g.RetargetRatio(actual)
	newDifficulty := (parent.Header.Difficulty*num + den/2) / den
	if newDifficulty == 0 {
		newDifficulty = 1
	}
	return newDifficulty, nil
}

func (c *Store) ancestorAtHeightLocked(from block.Block, height uint64) (block.Block, bool) {
	cur := from
	for cur.Header.Height > height {
		n, ok := c.byHash[cur.Header.PrevHash]
		if !ok {
			return block.Block{}, false
		}
		cur = n.Block
	}
	if cur.Header.Height != height {
		return block.Block{}, false
	}
	return cur, true
}

// MedianTimestamp satisfies validator.ChainView.
func (c *Store) MedianTimestamp(parent block.Block) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.medianTimestampLocked(parent)
}

func (c *Store) medianTimestampLocked(parent block.Block) uint64 {
	window := c.g.MedianTimeWindow
	if window == 0 {
		window = 1
	}

	var timestamps []uint64
	cur := parent
	for i := uint64(0); i < window; i++ {
		timestamps = append(timestamps, cur.Header.Timestamp)
		if cur.Header.Height == 0 {
			break
		}
		n, ok := c.byHash[cur.Header.PrevHash]
		if !ok {
			break
		}
		cur = n.Block
	}

	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps[len(timestamps)/2]
}

// ResolveReference satisfies validator.ChainView.
func (c *Store) ResolveReference(h crypto.Hash) validator.ReferenceKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveReferenceLocked(h)
}

func (c *Store) resolveReferenceLocked(h crypto.Hash) validator.ReferenceKind {
	if kind, ok := c.confirmedKind[h]; ok {
		return kind
	}
	return validator.ReferenceUnknown
}

func (c *Store) resolveEndorsementLocked(target crypto.Hash) (crypto.PublicKey, bool) {
	author, ok := c.confirmedAuthor[target]
	return author, ok
}

// ResolveEndorsement looks up the confirmed post author an endorsement
// target resolves to, for callers (the miner) assembling a candidate body
// outside of the lock AcceptBlock already holds.
func (c *Store) ResolveEndorsement(target crypto.Hash) (crypto.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveEndorsementLocked(target)
}

// Subscribe returns a channel that receives the new tip hash each time the
// active chain changes. The channel is buffered by one; a slow consumer
// only ever sees the most recent tip change, never a queue.
func (c *Store) Subscribe() <-chan crypto.Hash {
	ch := make(chan crypto.Hash, 1)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

func (c *Store) notifyTipChangedLocked(h crypto.Hash) {
	for _, ch := range c.subs {
		select {
		case ch <- h:
		default:
			// Buffer full: replace the unread older hash with h.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- h:
			default:
			}
		}
	}
}

// =============================================================================
// Mutation

// unlockedView lets ValidateBlock be called with c's own methods while c.mu
// is already held, bypassing the locking public methods to avoid
// self-deadlock on the non-reentrant sync.RWMutex.
type unlockedView struct{ c *Store }

func (v unlockedView) BlockByHash(h crypto.Hash) (block.Block, bool) {
	return v.c.blockByHashLocked(h)
}
func (v unlockedView) ExpectedDifficulty(parent block.Block) (uint64, error) {
	return v.c.expectedDifficultyLocked(parent)
}
func (v unlockedView) MedianTimestamp(parent block.Block) uint64 {
	return v.c.medianTimestampLocked(parent)
}
func (v unlockedView) ResolveReference(h crypto.Hash) validator.ReferenceKind {
	return v.c.resolveReferenceLocked(h)
}

// AcceptBlock is the single entry point for both a locally mined block and
// a block received over the network. now is the validating node's current
// wall-clock time in seconds. Blocks extending the active tip are
// validated and applied immediately; blocks on a different branch are
// indexed after a cheap proof-of-work check and only fully validated if
// and when their branch's cumulative work overtakes the active tip,
// triggering a reorg.
func (c *Store) AcceptBlock(b block.Block, now uint64) error {
	hash, err := b.Header.Hash()
	if err != nil {
		return errs.New(errs.MalformedEncoding, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byHash[hash]; exists {
		return nil
	}

	parentNode, ok := c.byHash[b.Header.PrevHash]
	if !ok {
		return errs.Newf(errs.UnknownParent, "parent %s unknown", b.Header.PrevHash)
	}

	if !block.IsSolved(b.Header.Difficulty, hash) {
		return errs.Newf(errs.ConsensusViolation, "block hash does not satisfy declared difficulty %d", b.Header.Difficulty)
	}

	n := &node{
		Block: b,
		Hash:  hash,
		Work:  new(big.Int).Add(parentNode.Work, workFor(b.Header.Difficulty)),
	}

	if b.Header.PrevHash == c.activeTip {
		_, diffs, err := validator.ValidateBlock(b, c.st, unlockedView{c}, c.params, now, c.resolveEndorsementLocked)
		if err != nil {
			return err
		}
		if _, err := c.st.Apply(hash, diffs); err != nil {
			return err
		}

		c.byHash[hash] = n
		c.activeHeights = append(c.activeHeights, hash)
		c.activeTip = hash
		c.indexConfirmedLocked(b)

		if err := c.persistBlockLocked(n); err != nil {
			return err
		}
		if err := c.persistTipLocked(hash); err != nil {
			return err
		}

		if c.mp != nil {
			c.mp.Remove(txHashes(b.Txs))
			c.mp.Revalidate(c.st, unlockedView{c}, c.params)
			c.metrics.SetMempoolSize(c.mp.Count())
		}

		c.metrics.RecordBlockAccepted("extended_tip")
		c.metrics.SetChainTip(b.Header.Height, b.Header.Difficulty)
		c.notifyTipChangedLocked(hash)
		return nil
	}

	// Side branch: index unvalidated, reorg only if it becomes heavier.
	c.byHash[hash] = n
	if err := c.persistBlockLocked(n); err != nil {
		return err
	}
	c.metrics.RecordBlockAccepted("side_branch")

	if n.Work.Cmp(c.byHash[c.activeTip].Work) > 0 {
		return c.reorganize(n, now)
	}
	return nil
}

// reorganize rewinds state to the lowest common ancestor of the active tip
// and candidate, then replays candidate's branch through full block
// validation. If any block in the new path fails, the previous active
// chain is restored exactly and an error is returned; the candidate stays
// indexed (it may become valid later if the node learns it was mistaken,
// though in practice a failing block here means the peer that sent it is
// misbehaving).
// maxReorgDepth bounds how far back a reorg may rewind the active chain,
// per spec.md §5's recommendation to refuse implausibly deep reorgs.
const maxReorgDepth = 1000

func (c *Store) reorganize(candidate *node, now uint64) error {
	lca, err := c.lowestCommonAncestorLocked(c.activeTip, candidate.Hash)
	if err != nil {
		return errs.New(errs.ConsensusViolation, err)
	}

	oldPath := c.pathToAncestorLocked(c.activeTip, lca)   // newest-first
	newPath := c.pathToAncestorLocked(candidate.Hash, lca) // newest-first

	if len(oldPath) > maxReorgDepth || len(newPath) > maxReorgDepth {
		return errs.Newf(errs.ReorgTooDeep, "reorg spans %d/%d blocks, exceeds limit %d", len(oldPath), len(newPath), maxReorgDepth)
	}

	reverseHashes(newPath) // oldest-first, replay order

	if err := c.st.Rewind(oldPath); err != nil {
		return errs.New(errs.ReorgTooDeep, err)
	}

	applied, err := c.replay(newPath, now)
	if err != nil {
		c.abortReorg(applied, oldPath, now)
		return errs.New(errs.ConsensusViolation, fmt.Errorf("reorg to %s aborted: %w", candidate.Hash, err))
	}

	oldHeight := c.byHash[lca].Block.Header.Height
	c.activeHeights = c.activeHeights[:oldHeight+1]
	for _, h := range newPath {
		c.activeHeights = append(c.activeHeights, h)
	}
	c.activeTip = candidate.Hash
	if err := c.persistTipLocked(candidate.Hash); err != nil {
		return err
	}

	for _, h := range oldPath {
		c.deindexConfirmedLocked(c.byHash[h].Block)
	}
	for _, h := range newPath {
		c.indexConfirmedLocked(c.byHash[h].Block)
	}

	if c.mp != nil {
		newSet := make(map[crypto.Hash]bool, len(newPath))
		for _, h := range newPath {
			for _, t := range c.byHash[h].Block.Txs {
				if hash, err := t.ContentHash(); err == nil {
					newSet[hash] = true
				}
			}
		}
		for _, h := range oldPath {
			for _, t := range c.byHash[h].Block.Txs {
				if t.Kind == tx.KindCoinbase {
					continue
				}
				hash, err := t.ContentHash()
				if err != nil || newSet[hash] {
					continue
				}
				_ = c.mp.Admit(t, c.st, unlockedView{c}, c.params)
			}
		}
		c.mp.Revalidate(c.st, unlockedView{c}, c.params)
		c.metrics.SetMempoolSize(c.mp.Count())
	}

	c.metrics.RecordReorg(len(newPath))
	c.metrics.SetChainTip(candidate.Block.Header.Height, candidate.Block.Header.Difficulty)
	c.notifyTipChangedLocked(candidate.Hash)
	return nil
}

// replay validates and applies each block in path (oldest-first) in turn,
// stopping at the first failure. It returns the hashes successfully
// applied so far, for abortReorg to unwind.
func (c *Store) replay(path []crypto.Hash, now uint64) ([]crypto.Hash, error) {
	var applied []crypto.Hash
	for _, h := range path {
		b := c.byHash[h].Block
		_, diffs, err := validator.ValidateBlock(b, c.st, unlockedView{c}, c.params, now, c.resolveEndorsementLocked)
		if err != nil {
			return applied, err
		}
		if _, err := c.st.Apply(h, diffs); err != nil {
			return applied, err
		}
		applied = append(applied, h)
	}
	return applied, nil
}

// abortReorg restores the state store to the old active chain after a
// failed reorg attempt: unwind whatever new-path blocks were applied, then
// replay the old path (which was already rewound off by reorganize).
func (c *Store) abortReorg(appliedNewest []crypto.Hash, oldPath []crypto.Hash, now uint64) {
	if len(appliedNewest) > 0 {
		undo := make([]crypto.Hash, len(appliedNewest))
		for i, h := range appliedNewest {
			undo[len(appliedNewest)-1-i] = h
		}
		_ = c.st.Rewind(undo)
	}

	oldOldestFirst := make([]crypto.Hash, len(oldPath))
	for i, h := range oldPath {
		oldOldestFirst[len(oldPath)-1-i] = h
	}
	if _, err := c.replay(oldOldestFirst, now); err != nil {
		panic(fmt.Sprintf("chain: could not restore previous chain after aborted reorg: %v", err))
	}
}

func (c *Store) lowestCommonAncestorLocked(a, b crypto.Hash) (crypto.Hash, error) {
	na, ok := c.byHash[a]
	if !ok {
		return crypto.Hash{}, fmt.Errorf("chain: unknown block %s", a)
	}
	nb, ok := c.byHash[b]
	if !ok {
		return crypto.Hash{}, fmt.Errorf("chain: unknown block %s", b)
	}

	for na.Block.Header.Height > nb.Block.Header.Height {
		na = c.byHash[na.Block.Header.PrevHash]
	}
	for nb.Block.Header.Height > na.Block.Header.Height {
		nb = c.byHash[nb.Block.Header.PrevHash]
	}
	for na.Hash != nb.Hash {
		na = c.byHash[na.Block.Header.PrevHash]
		nb = c.byHash[nb.Block.Header.PrevHash]
	}
	return na.Hash, nil
}

// pathToAncestorLocked returns the hashes strictly between ancestor
// (exclusive) and tip (inclusive), newest-first.
func (c *Store) pathToAncestorLocked(tip, ancestor crypto.Hash) []crypto.Hash {
	var path []crypto.Hash
	cur := tip
	for cur != ancestor {
		path = append(path, cur)
		cur = c.byHash[cur].Block.Header.PrevHash
	}
	return path
}

func reverseHashes(s []crypto.Hash) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func (c *Store) indexConfirmedLocked(b block.Block) {
	for _, t := range b.Txs {
		if t.Kind == tx.KindCoinbase {
			continue
		}
		hash, err := t.ContentHash()
		if err != nil {
			continue
		}
		if t.Kind == tx.KindPost {
			c.confirmedKind[hash] = validator.ReferencePost
			c.confirmedAuthor[hash] = t.Post.Author
		} else {
			c.confirmedKind[hash] = validator.ReferenceOther
		}
		c.txHeight[hash] = b.Header.Height
	}
}

func (c *Store) deindexConfirmedLocked(b block.Block) {
	for _, t := range b.Txs {
		if t.Kind == tx.KindCoinbase {
			continue
		}
		hash, err := t.ContentHash()
		if err != nil {
			continue
		}
		delete(c.confirmedKind, hash)
		delete(c.confirmedAuthor, hash)
		delete(c.txHeight, hash)
	}
}

// TxLocation reports the height of the active-chain block confirming the
// transaction content-hashing to hash, for RPC transaction lookups and
// inclusion proofs. ok is false if the active chain has never confirmed
// (or has since reorganized away from) a transaction with this hash.
func (c *Store) TxLocation(hash crypto.Hash) (height uint64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	height, ok = c.txHeight[hash]
	return height, ok
}

func txHashes(txs []tx.Tx) []crypto.Hash {
	out := make([]crypto.Hash, 0, len(txs))
	for _, t := range txs {
		if t.Kind == tx.KindCoinbase {
			continue
		}
		if h, err := t.ContentHash(); err == nil {
			out = append(out, h)
		}
	}
	return out
}

func workFor(difficulty uint64) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(difficulty))
}

// =============================================================================
// Persistence — gob is used here, not the canon package: block records on
// disk are node-local, never hashed or transmitted, mirroring state
// package's rationale for a plain fixed encoding over the consensus codec.

func blockKey(h crypto.Hash) []byte {
	return append([]byte("block/"), h[:]...)
}

func (c *Store) persistBlockLocked(n *node) error {
	raw, err := encodeBlockGob(n.Block)
	if err != nil {
		return err
	}
	return c.db.Put(blockKey(n.Hash), raw)
}

func (c *Store) persistTipLocked(h crypto.Hash) error {
	return c.db.Put(tipKey, h[:])
}

func encodeBlockGob(b block.Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBlockGob(raw []byte, b *block.Block) error {
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(b)
}
