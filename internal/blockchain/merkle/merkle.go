// Copyright 2017 Cameron Bergoon
// https://github.com/cbergoon/merkletree
// Licensed under the MIT License, see LICENCE file for details.
// Adapted from the ardanlabs/blockchain merkle package: generics kept, the
// hashing strategy fixed to SHA-256 via the crypto package, and the empty
// and odd-leaf-count cases made to match this protocol's rules.

// Package merkle provides a Merkle tree over transaction content hashes,
// used to compute a block's tx_merkle_root, and over account records, used
// to compute a block's state_root.
package merkle

import (
	"errors"

	"github.com/postchain/postchain/internal/blockchain/crypto"
)

// Hashable is the behavior concrete leaf data must exhibit to be used in
// the tree: a content hash and an equality check against another leaf of
// the same type (used by Proof/VerifyData to locate a leaf).
type Hashable[T any] interface {
	Hash() crypto.Hash
	Equals(other T) bool
}

// emptyRoot is the Merkle root of a tree with zero leaves: SHA-256 of the
// empty byte string, per this protocol's rule for an empty transaction
// list.
var emptyRoot = crypto.HashBytes(nil)

// =============================================================================

// Tree represents a Merkle tree over data of some type T that satisfies
// Hashable.
type Tree[T Hashable[T]] struct {
	Root  *Node[T]
	Leafs []*Node[T]
	Root32 crypto.Hash
}

// NewTree constructs a new Merkle tree over values. An empty slice produces
// the empty-tree root (SHA-256 of the empty string) and a tree with no
// leaves or nodes: Values() on such a tree returns nil.
func NewTree[T Hashable[T]](values []T) (*Tree[T], error) {
	t := Tree[T]{}

	if len(values) == 0 {
		t.Root32 = emptyRoot
		return &t, nil
	}

	if err := t.Generate(values); err != nil {
		return nil, err
	}

	return &t, nil
}

// Generate (re)builds the leafs and internal nodes of the tree from values.
func (t *Tree[T]) Generate(values []T) error {
	if len(values) == 0 {
		t.Leafs = nil
		t.Root = nil
		t.Root32 = emptyRoot
		return nil
	}

	leafs := make([]*Node[T], 0, len(values))
	for _, value := range values {
		leafs = append(leafs, &Node[T]{
			Hash:  value.Hash(),
			Value: value,
			leaf:  true,
			Tree:  t,
		})
	}

	// Duplicate the last leaf if the count is odd, at every level above
	// one. This loop handles the leaf level; buildIntermediate repeats the
	// rule at each level above it. A single leaf is never duplicated: per
	// original_source/jiji/core/merkle.py's merkle_root, a one-element tree
	// has that element's own hash as its root, with no combining step at
	// all (buildIntermediate's len(nl)==1 base case returns nl[0]
	// untouched).
	if len(leafs) > 1 && len(leafs)%2 == 1 {
		last := leafs[len(leafs)-1]
		leafs = append(leafs, &Node[T]{
			Hash:  last.Hash,
			Value: last.Value,
			leaf:  true,
			dup:   true,
			Tree:  t,
		})
	}

	root, err := buildIntermediate(leafs)
	if err != nil {
		return err
	}

	t.Root = root
	t.Leafs = leafs
	t.Root32 = root.Hash

	return nil
}

// Proof returns the sibling hashes and concatenation order needed to prove
// data is a leaf of this tree. order[i] == 0 means the sibling at that
// level is concatenated before the running hash, 1 means after.
func (t *Tree[T]) Proof(data T) ([]crypto.Hash, []int, error) {
	for _, node := range t.Leafs {
		if !node.Value.Equals(data) {
			continue
		}

		var proof []crypto.Hash
		var order []int
		cur, parent := node, node.Parent

		for parent != nil {
			if parent.Left == cur {
				proof = append(proof, parent.Right.Hash)
				order = append(order, 1)
			} else {
				proof = append(proof, parent.Left.Hash)
				order = append(order, 0)
			}
			cur, parent = parent, parent.Parent
		}

		return proof, order, nil
	}

	return nil, nil, errors.New("merkle: value not found in tree")
}

// VerifyProof recomputes the root from a leaf hash and its proof path and
// reports whether it matches root.
func VerifyProof(leaf crypto.Hash, proof []crypto.Hash, order []int, root crypto.Hash) bool {
	cur := leaf
	for i, sibling := range proof {
		var combined []byte
		if order[i] == 1 {
			combined = append(append([]byte{}, cur[:]...), sibling[:]...)
		} else {
			combined = append(append([]byte{}, sibling[:]...), cur[:]...)
		}
		cur = crypto.HashBytes(combined)
	}
	return cur == root
}

// Values returns the unique (non-duplicate) leaf values in the tree, in
// their original order.
func (t *Tree[T]) Values() []T {
	if len(t.Leafs) == 0 {
		return nil
	}

	values := make([]T, 0, len(t.Leafs))
	for _, l := range t.Leafs {
		values = append(values, l.Value)
	}

	n := len(t.Leafs)
	if t.Leafs[n-1].dup {
		return values[:n-1]
	}

	return values
}

// RootHex returns the hex-encoded Merkle root.
func (t *Tree[T]) RootHex() string {
	return t.Root32.String()
}

// =============================================================================

// Node represents a node, root, or leaf in the tree.
type Node[T Hashable[T]] struct {
	Tree   *Tree[T]
	Parent *Node[T]
	Left   *Node[T]
	Right  *Node[T]
	Hash   crypto.Hash
	Value  T
	leaf   bool
	dup    bool
}

// buildIntermediate constructs the intermediate and root levels of the
// tree for a given list of nodes, duplicating the final node at each
// level whenever that level's count is odd.
func buildIntermediate[T Hashable[T]](nl []*Node[T]) (*Node[T], error) {
	if len(nl) == 1 {
		return nl[0], nil
	}

	if len(nl)%2 == 1 {
		last := nl[len(nl)-1]
		nl = append(nl, &Node[T]{
			Hash: last.Hash,
			Tree: last.Tree,
			leaf: last.leaf,
			dup:  true,
			Value: last.Value,
		})
	}

	var nodes []*Node[T]
	for i := 0; i < len(nl); i += 2 {
		left, right := nl[i], nl[i+1]

		combined := make([]byte, 0, 64)
		combined = append(combined, left.Hash[:]...)
		combined = append(combined, right.Hash[:]...)

		n := Node[T]{
			Left:  left,
			Right: right,
			Hash:  crypto.HashBytes(combined),
			Tree:  left.Tree,
		}

		left.Parent = &n
		right.Parent = &n

		nodes = append(nodes, &n)
	}

	return buildIntermediate(nodes)
}
