// Package block defines the block header and body format, the proof-of-work
// hash check, and the Merkle-root helpers used both by the header's
// tx_merkle_root and by genesis.
package block

import (
	"math/big"

	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/merkle"
	"github.com/postchain/postchain/internal/blockchain/tx"
)

// Header carries everything needed to compute block_hash and to check a
// block's proof of work, independent of the transaction bodies. All
// fields are included when hashing a header, using the header's current
// Nonce.
type Header struct {
	Version      uint8            `canon:"version"`
	Height       uint64           `canon:"height"`
	PrevHash     crypto.Hash      `canon:"prev_hash"`
	Timestamp    uint64           `canon:"timestamp"`
	Miner        crypto.PublicKey `canon:"miner"`
	Difficulty   uint64           `canon:"difficulty"`
	Nonce        uint64           `canon:"nonce"`
	TxMerkleRoot crypto.Hash      `canon:"tx_merkle_root"`
	StateRoot    crypto.Hash      `canon:"state_root"`
	TxCount      uint16           `canon:"tx_count"`
}

// Hash returns block_hash = SHA-256(canonical_serialize(header)).
func (h Header) Hash() (crypto.Hash, error) {
	return crypto.HashValue(h)
}

// Block is a header plus its ordered transaction list. The first
// transaction must be a coinbase paying Header.Miner.
type Block struct {
	Header Header
	Txs    []tx.Tx
}

// Hash returns the block's hash (equivalently, its header's hash).
func (b Block) Hash() (crypto.Hash, error) {
	return b.Header.Hash()
}

// TxMerkleRoot recomputes the Merkle root over the block's transaction
// content hashes, for comparison against Header.TxMerkleRoot.
func (b Block) TxMerkleRoot() (crypto.Hash, error) {
	return MerkleRootOfTxs(b.Txs)
}

// MerkleRootOfTxs computes the Merkle root over an ordered transaction
// list's content hashes. An empty list roots to SHA-256("").
func MerkleRootOfTxs(txs []tx.Tx) (crypto.Hash, error) {
	tree, err := merkle.NewTree(txs)
	if err != nil {
		return crypto.Hash{}, err
	}
	return tree.Root32, nil
}

// hashLeaf adapts a crypto.Hash to merkle.Hashable so genesis (which has
// no transactions yet to hash) and proof-path helpers can build a tree
// directly over hashes.
type hashLeaf crypto.Hash

func (h hashLeaf) Hash() crypto.Hash       { return crypto.Hash(h) }
func (h hashLeaf) Equals(o hashLeaf) bool { return h == o }

// MerkleRootOfHashes computes the Merkle root over an already-hashed leaf
// list, used by genesis to compute the (empty) transaction root of the
// genesis block.
func MerkleRootOfHashes(hashes []crypto.Hash) (crypto.Hash, error) {
	leaves := make([]hashLeaf, len(hashes))
	for i, h := range hashes {
		leaves[i] = hashLeaf(h)
	}
	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return crypto.Hash{}, err
	}
	return tree.Root32, nil
}

// target returns 2^(256-difficulty) as a big.Int, the threshold a block
// hash must fall strictly under to satisfy proof of work.
func target(difficulty uint64) *big.Int {
	if difficulty >= 256 {
		return big.NewInt(1)
	}
	t := big.NewInt(1)
	t.Lsh(t, uint(256-difficulty))
	return t
}

// IsSolved reports whether hash, interpreted as a big-endian integer, is
// strictly less than 2^(256-difficulty).
func IsSolved(difficulty uint64, hash crypto.Hash) bool {
	h := new(big.Int).SetBytes(hash[:])
	return h.Cmp(target(difficulty)) < 0
}

// FirstIsCoinbase reports whether txs begins with exactly one coinbase
// transaction, carrying an actual Coinbase payload, and contains no
// others. A wire-decoded Tx can claim Kind == KindCoinbase with a nil
// Coinbase pointer (canon.Decode leaves an absent field at its Go zero
// value), so Kind alone is not enough to rely on before dereferencing
// Coinbase.
func FirstIsCoinbase(txs []tx.Tx) bool {
	if len(txs) == 0 || txs[0].Kind != tx.KindCoinbase || txs[0].Coinbase == nil {
		return false
	}
	for _, t := range txs[1:] {
		if t.Kind == tx.KindCoinbase {
			return false
		}
	}
	return true
}
