// Package storage wraps goleveldb as the crash-consistent key-value store
// backing both the chain store and the state store. A single database
// directory holds both keyspaces, prefixed apart, so a single LevelDB
// write batch can commit a block, its account diffs, and chain-tip
// metadata atomically — the property §6 requires: a crash never leaves
// chain and state out of sync.
package storage

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = leveldb.ErrNotFound

// DB is a thin wrapper over a goleveldb database handle.
type DB struct {
	ldb *leveldb.DB
}

// Open opens (creating if absent) the LevelDB database rooted at dir.
func Open(dir string) (*DB, error) {
	ldb, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb}, nil
}

// Close flushes and closes the database.
func (db *DB) Close() error {
	return db.ldb.Close()
}

// Get retrieves the value stored under key. It returns ErrNotFound if
// absent.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.ldb.Get(key, nil)
}

// Has reports whether key is present.
func (db *DB) Has(key []byte) (bool, error) {
	return db.ldb.Has(key, nil)
}

// Put writes a single key/value pair outside of a batch.
func (db *DB) Put(key, value []byte) error {
	return db.ldb.Put(key, value, nil)
}

// Batch accumulates writes to be committed atomically.
type Batch struct {
	b *leveldb.Batch
}

// NewBatch starts a new atomic write batch.
func NewBatch() *Batch {
	return &Batch{b: new(leveldb.Batch)}
}

// Put stages a key/value write in the batch.
func (b *Batch) Put(key, value []byte) {
	b.b.Put(key, value)
}

// Delete stages a key deletion in the batch.
func (b *Batch) Delete(key []byte) {
	b.b.Delete(key)
}

// Commit atomically applies the batch to db.
func (db *DB) Commit(b *Batch) error {
	return db.ldb.Write(b.b, nil)
}

// IteratePrefix returns a goleveldb iterator over every key sharing
// prefix. Callers must call Release when done.
func (db *DB) IteratePrefix(prefix []byte) iterator.Iterator {
	return db.ldb.NewIterator(util.BytesPrefix(prefix), nil)
}
