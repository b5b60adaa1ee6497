// Package state holds the world state at the active tip: the total
// mapping from public key to account record, persisted so a node can
// restart without replaying from genesis, plus enough history (reverse
// diffs per applied block) to rewind during a reorg.
package state

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/postchain/postchain/internal/blockchain/account"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/genesis"
	"github.com/postchain/postchain/internal/blockchain/storage"
)

// Key prefixes partitioning this package's keyspace within the shared
// LevelDB database.
var (
	prefixAccount = []byte("acct/")
	prefixDiff    = []byte("diff/") // diff/<block_hash> -> encoded pre-image accounts; diff/<block_hash>/absent -> keys the block created
)

// State manages the persisted account map plus the per-block reverse
// diffs needed to rewind to any recently-applied block. All mutating
// operations are serialized through mu; Account and All are safe for
// concurrent readers.
type State struct {
	db *storage.DB
	mu sync.RWMutex

	accounts map[crypto.PublicKey]account.Account
}

// Open loads (or initializes, on a fresh database) the account state from
// dir, seeding genesis balances on first run.
func Open(dir string, g genesis.Genesis) (*State, error) {
	db, err := storage.Open(dir)
	if err != nil {
		return nil, err
	}

	s := &State{db: db, accounts: make(map[crypto.PublicKey]account.Account)}

	iter := db.IteratePrefix(prefixAccount)
	found := false
	for iter.Next() {
		found = true
		var pk crypto.PublicKey
		copy(pk[:], iter.Key()[len(prefixAccount):])
		a, err := decodeAccount(iter.Value())
		if err != nil {
			iter.Release()
			return nil, err
		}
		a.Key = pk
		s.accounts[pk] = a
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if !found {
		seed, err := g.SeedAccounts()
		if err != nil {
			return nil, err
		}
		batch := storage.NewBatch()
		for _, a := range seed {
			s.accounts[a.Key] = a
			batch.Put(accountKey(a.Key), encodeAccount(a))
		}
		if err := db.Commit(batch); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Close closes the underlying database.
func (s *State) Close() error {
	return s.db.Close()
}

// Account satisfies validator.StateView: absent keys behave as
// {balance:0, nonce:0}.
func (s *State) Account(key crypto.PublicKey) account.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.accounts[key]; ok {
		return a
	}
	return account.New(key)
}

// All satisfies validator.StateView, returning every materialized account.
func (s *State) All() []account.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out
}

// Root returns the current state's Merkle root.
func (s *State) Root() (crypto.Hash, error) {
	return account.Root(s.All())
}

// Apply atomically commits diffs (the new value for every account a block
// touched) under blockHash, recording the prior value of each touched
// account so a later Rewind can undo it. It returns the new state root.
func (s *State) Apply(blockHash crypto.Hash, diffs map[crypto.PublicKey]account.Account) (crypto.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	preImage := make(map[crypto.PublicKey]account.Account, len(diffs))
	absent := []byte{} // keys with no account record before this block
	batch := storage.NewBatch()
	for key := range diffs {
		if a, ok := s.accounts[key]; ok {
			preImage[key] = a
		} else {
			absent = append(absent, key[:]...)
		}
	}

	encodedDiff, err := encodeDiff(preImage)
	if err != nil {
		return crypto.Hash{}, err
	}
	batch.Put(diffKey(blockHash), encodedDiff)
	batch.Put(append(diffKey(blockHash), "/absent"...), absent)

	for key, a := range diffs {
		s.accounts[key] = a
		batch.Put(accountKey(key), encodeAccount(a))
	}

	if err := s.db.Commit(batch); err != nil {
		return crypto.Hash{}, err
	}

	return account.Root(s.allLocked())
}

// Rewind undoes the listed blocks, in the order supplied by the caller
// (most recent block first), restoring the account state that existed
// immediately before the oldest listed block was applied: each touched
// account gets its recorded prior value back, and accounts a block first
// created are removed again. The caller (the chain store, during a reorg)
// is responsible for supplying the exact sequence of block hashes to undo.
func (s *State) Rewind(blockHashesNewestFirst []crypto.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := storage.NewBatch()
	for _, bh := range blockHashesNewestFirst {
		raw, err := s.db.Get(diffKey(bh))
		if err != nil {
			return fmt.Errorf("state: no recorded diff for block %s: %w", bh, err)
		}
		preImage, err := decodeDiff(raw)
		if err != nil {
			return err
		}
		for key, a := range preImage {
			s.accounts[key] = a
			batch.Put(accountKey(key), encodeAccount(a))
		}
		if absent, err := s.db.Get(append(diffKey(bh), "/absent"...)); err == nil {
			for i := 0; i+32 <= len(absent); i += 32 {
				var pk crypto.PublicKey
				copy(pk[:], absent[i:i+32])
				delete(s.accounts, pk)
				batch.Delete(accountKey(pk))
			}
		}
		batch.Delete(diffKey(bh))
		batch.Delete(append(diffKey(bh), "/absent"...))
	}
	return s.db.Commit(batch)
}

func (s *State) allLocked() []account.Account {
	out := make([]account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out
}

func accountKey(pk crypto.PublicKey) []byte {
	return append(append([]byte{}, prefixAccount...), pk[:]...)
}

func diffKey(h crypto.Hash) []byte {
	return append(append([]byte{}, prefixDiff...), h[:]...)
}

// encodeAccount/decodeAccount use a fixed 16-byte layout (balance, nonce),
// not the canon package: this is node-local storage, never hashed or
// transmitted, so there is no cross-node agreement requirement.
func encodeAccount(a account.Account) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], a.Balance)
	binary.BigEndian.PutUint64(buf[8:16], a.Nonce)
	return buf
}

func decodeAccount(buf []byte) (account.Account, error) {
	if len(buf) != 16 {
		return account.Account{}, fmt.Errorf("state: corrupt account record, got %d bytes", len(buf))
	}
	return account.Account{
		Balance: binary.BigEndian.Uint64(buf[0:8]),
		Nonce:   binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

func encodeDiff(preImage map[crypto.PublicKey]account.Account) ([]byte, error) {
	buf := make([]byte, 0, len(preImage)*(32+16))
	for key, a := range preImage {
		buf = append(buf, key[:]...)
		buf = append(buf, encodeAccount(a)...)
	}
	return buf, nil
}

func decodeDiff(buf []byte) (map[crypto.PublicKey]account.Account, error) {
	const recordSize = 32 + 16
	if len(buf)%recordSize != 0 {
		return nil, fmt.Errorf("state: corrupt diff record, length %d not a multiple of %d", len(buf), recordSize)
	}
	out := make(map[crypto.PublicKey]account.Account, len(buf)/recordSize)
	for i := 0; i < len(buf); i += recordSize {
		var pk crypto.PublicKey
		copy(pk[:], buf[i:i+32])
		a, err := decodeAccount(buf[i+32 : i+recordSize])
		if err != nil {
			return nil, err
		}
		a.Key = pk
		out[pk] = a
	}
	return out, nil
}
