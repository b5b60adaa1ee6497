package merkle_test

import (
	"testing"

	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/merkle"
)

const (
	success = "✓"
	failed  = "✗"
)

// leaf is a minimal Hashable value used to exercise the tree without
// pulling in the tx package.
type leaf struct {
	x string
}

func (l leaf) Hash() crypto.Hash {
	return crypto.HashBytes([]byte(l.x))
}

func (l leaf) Equals(other leaf) bool {
	return l.x == other.x
}

var table = []struct {
	name string
	data []leaf
}{
	{name: "single", data: []leaf{{x: "a"}}},
	{name: "even", data: []leaf{{x: "a"}, {x: "b"}}},
	{name: "odd", data: []leaf{{x: "a"}, {x: "b"}, {x: "c"}}},
	{name: "pow2", data: []leaf{{x: "a"}, {x: "b"}, {x: "c"}, {x: "d"}}},
}

func Test_NewTreeWithEmptyList(t *testing.T) {
	t.Log("Given an empty list of leaves.")
	{
		tree, err := merkle.NewTree[leaf](nil)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to construct a tree over no leaves : %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to construct a tree over no leaves.", success)

		exp := crypto.HashBytes(nil)
		if tree.Root32 != exp {
			t.Fatalf("\t%s\tShould use SHA-256(\"\") as the empty root : got %s, exp %s", failed, tree.Root32, exp)
		}
		t.Logf("\t%s\tShould use SHA-256(\"\") as the empty root.", success)

		if vals := tree.Values(); vals != nil {
			t.Fatalf("\t%s\tShould report no leaf values : got %v", failed, vals)
		}
		t.Logf("\t%s\tShould report no leaf values.", success)
	}
}

func Test_NewTreeIsDeterministic(t *testing.T) {
	t.Log("Given a fixed list of leaves, built into a tree twice.")
	{
		for _, tt := range table {
			t.Logf("\tWhen building a %s tree.", tt.name)

			t1, err := merkle.NewTree(tt.data)
			if err != nil {
				t.Fatalf("\t%s\tShould be able to build the tree : %s", failed, err)
			}

			t2, err := merkle.NewTree(tt.data)
			if err != nil {
				t.Fatalf("\t%s\tShould be able to build the tree again : %s", failed, err)
			}

			if t1.Root32 != t2.Root32 {
				t.Fatalf("\t%s\tShould produce the same root both times : got %s vs %s", failed, t1.Root32, t2.Root32)
			}
			t.Logf("\t\t%s\tShould produce the same root both times.", success)
		}
	}
}

func Test_TreeValuesDropsOddDuplicate(t *testing.T) {
	t.Log("Given a tree built over an odd number of leaves.")
	{
		tree, err := merkle.NewTree(table[2].data)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build the tree : %s", failed, err)
		}

		vals := tree.Values()
		if len(vals) != len(table[2].data) {
			t.Fatalf("\t%s\tShould report exactly the original leaves, not the duplicate : got %d, exp %d", failed, len(vals), len(table[2].data))
		}
		t.Logf("\t%s\tShould report exactly the original leaves, not the duplicate.", success)
	}
}

func Test_ProofVerifiesAgainstRoot(t *testing.T) {
	t.Log("Given a tree and a proof for one of its leaves.")
	{
		for _, tt := range table {
			t.Logf("\tWhen building a %s tree.", tt.name)

			tree, err := merkle.NewTree(tt.data)
			if err != nil {
				t.Fatalf("\t%s\tShould be able to build the tree : %s", failed, err)
			}

			for _, l := range tt.data {
				proof, order, err := tree.Proof(l)
				if err != nil {
					t.Fatalf("\t%s\tShould be able to compute a proof for %q : %s", failed, l.x, err)
				}

				if !merkle.VerifyProof(l.Hash(), proof, order, tree.Root32) {
					t.Fatalf("\t%s\tShould verify the proof for %q against the root.", failed, l.x)
				}
			}
			t.Logf("\t\t%s\tShould verify every leaf's proof against the root.", success)
		}
	}
}

func Test_ProofRejectsWrongLeaf(t *testing.T) {
	t.Log("Given a proof computed for one leaf, checked against a different leaf's hash.")
	{
		tree, err := merkle.NewTree(table[3].data)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build the tree : %s", failed, err)
		}

		proof, order, err := tree.Proof(table[3].data[0])
		if err != nil {
			t.Fatalf("\t%s\tShould be able to compute a proof : %s", failed, err)
		}

		wrong := leaf{x: "not-in-tree"}
		if merkle.VerifyProof(wrong.Hash(), proof, order, tree.Root32) {
			t.Fatalf("\t%s\tShould reject a proof checked against the wrong leaf hash.", failed)
		}
		t.Logf("\t%s\tShould reject a proof checked against the wrong leaf hash.", success)
	}
}

func Test_SingleLeafTreeRootsToTheLeafsOwnHash(t *testing.T) {
	t.Log("Given a tree built over exactly one leaf.")
	{
		x := table[0].data[0]
		tree, err := merkle.NewTree(table[0].data)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build the tree : %s", failed, err)
		}

		exp := x.Hash()
		if tree.Root32 != exp {
			t.Fatalf("\t%s\tShould root to the leaf's own hash with no duplication : got %s, exp %s", failed, tree.Root32, exp)
		}
		t.Logf("\t%s\tShould root to the leaf's own hash with no duplication.", success)
	}
}
