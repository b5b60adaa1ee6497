// Package account represents the world state: the total mapping from
// public key to account record. An account exists implicitly — an absent
// key behaves as {balance:0, nonce:0} — and accounts are never deleted.
package account

import (
	"sort"

	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/merkle"
)

// Account represents the balance and nonce tracked for a single public key.
type Account struct {
	Key     crypto.PublicKey `canon:"key"`
	Balance uint64           `canon:"balance"`
	Nonce   uint64           `canon:"nonce"`
}

// New constructs a zero-value account for key, the value every absent
// account behaves as.
func New(key crypto.PublicKey) Account {
	return Account{Key: key}
}

// Hash satisfies merkle.Hashable so an ordered list of accounts can be
// committed as the state_root of a block header.
func (a Account) Hash() crypto.Hash {
	h, err := crypto.HashValue(a)
	if err != nil {
		// Account has no field type canon.Encode rejects (no floats, no
		// unsupported kinds), so this cannot fail in practice.
		panic(err)
	}
	return h
}

// Equals reports whether a and other represent the same account key, balance
// and nonce.
func (a Account) Equals(other Account) bool {
	return a.Key == other.Key && a.Balance == other.Balance && a.Nonce == other.Nonce
}

// Root computes the Merkle root that the state package commits as a block
// header's state_root: accounts sorted by public key, hashed as
// (pubkey, balance, nonce) tuples. An empty account set roots to
// SHA-256("").
func Root(accounts []Account) (crypto.Hash, error) {
	sorted := make([]Account, len(accounts))
	copy(sorted, accounts)
	sortByKey(sorted)

	tree, err := merkle.NewTree(sorted)
	if err != nil {
		return crypto.Hash{}, err
	}
	return tree.Root32, nil
}

// Proof builds a Merkle inclusion path for key's account against the same
// sorted tree Root commits, for RPC state proofs. ok is false if key holds
// no entry in accounts — it is still a valid account by the implicit
// zero-balance rule, but has no leaf to prove membership for.
func Proof(accounts []Account, key crypto.PublicKey) (path []crypto.Hash, order []int, ok bool, err error) {
	sorted := make([]Account, len(accounts))
	copy(sorted, accounts)
	sortByKey(sorted)

	var target Account
	found := false
	for _, a := range sorted {
		if a.Key == key {
			target = a
			found = true
			break
		}
	}
	if !found {
		return nil, nil, false, nil
	}

	tree, err := merkle.NewTree(sorted)
	if err != nil {
		return nil, nil, false, err
	}
	path, order, err = tree.Proof(target)
	if err != nil {
		return nil, nil, false, err
	}
	return path, order, true, nil
}

// byKey provides sorting support by public key, ascending, the order the
// state root's account list is committed in.
type byKey []Account

func (b byKey) Len() int      { return len(b) }
func (b byKey) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b byKey) Less(i, j int) bool {
	for k := range b[i].Key {
		if b[i].Key[k] != b[j].Key[k] {
			return b[i].Key[k] < b[j].Key[k]
		}
	}
	return false
}

func sortByKey(accounts []Account) {
	sort.Sort(byKey(accounts))
}
