package mempool_test

import (
	"testing"

	"github.com/postchain/postchain/internal/blockchain/account"
	"github.com/postchain/postchain/internal/blockchain/canon"
	"github.com/postchain/postchain/internal/blockchain/chain"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/genesis"
	"github.com/postchain/postchain/internal/blockchain/mempool"
	"github.com/postchain/postchain/internal/blockchain/state"
	"github.com/postchain/postchain/internal/blockchain/tx"
)

const (
	success = "✓"
	failed  = "✗"
)

func openChain(t *testing.T, g genesis.Genesis) *chain.Store {
	t.Helper()

	st, err := state.Open(t.TempDir(), g)
	if err != nil {
		t.Fatalf("opening state: %s", err)
	}
	mp := mempool.New(1000)
	c, err := chain.Open(t.TempDir(), g, st, mp)
	if err != nil {
		t.Fatalf("opening chain: %s", err)
	}
	return c
}

func signedPost(t *testing.T, author crypto.KeyPair, nonce uint64, gasFee uint64, body string) tx.Tx {
	t.Helper()
	p := tx.NewPost(tx.Post{PostBody: tx.PostBody{
		Author: author.Public, Nonce: nonce, Timestamp: 1, Body: body, GasFee: gasFee,
	}})
	if err := p.Sign(author); err != nil {
		t.Fatalf("signing post: %s", err)
	}
	return p
}

func Test_AdmitAcceptsAValidTransaction(t *testing.T) {
	t.Log("Given a funded author and an empty mempool.")
	{
		g := genesis.Default()
		author, _ := crypto.GenerateKeyPair()
		g.Balances[author.Public.String()] = 1000
		c := openChain(t, g)
		mp := mempool.New(10)

		post := signedPost(t, author, 1, 5, "hello")
		if err := mp.Admit(post, c.TipState(), c, c.Params()); err != nil {
			t.Fatalf("\t%s\tShould admit a valid transaction : %s", failed, err)
		}
		t.Logf("\t%s\tShould admit a valid transaction.", success)

		if mp.Count() != 1 {
			t.Fatalf("\t%s\tShould hold exactly one entry : got %d", failed, mp.Count())
		}
		t.Logf("\t%s\tShould hold exactly one entry.", success)
	}
}

func Test_AdmitRejectsInsufficientBalance(t *testing.T) {
	t.Log("Given an author with no genesis balance.")
	{
		g := genesis.Default()
		author, _ := crypto.GenerateKeyPair()
		c := openChain(t, g)
		mp := mempool.New(10)

		post := signedPost(t, author, 1, 5, "hello")
		if err := mp.Admit(post, c.TipState(), c, c.Params()); err == nil {
			t.Fatalf("\t%s\tShould reject a transaction the author cannot afford", failed)
		}
		t.Logf("\t%s\tShould reject a transaction the author cannot afford.", success)
	}
}

func Test_AdmitReplacesOnlyOnStrictlyHigherFee(t *testing.T) {
	t.Log("Given a mempool already holding a transaction at a given nonce.")
	{
		g := genesis.Default()
		author, _ := crypto.GenerateKeyPair()
		g.Balances[author.Public.String()] = 1000
		c := openChain(t, g)
		mp := mempool.New(10)

		low := signedPost(t, author, 1, 5, "first")
		if err := mp.Admit(low, c.TipState(), c, c.Params()); err != nil {
			t.Fatalf("admitting first post: %s", err)
		}

		sameFee := signedPost(t, author, 1, 5, "second")
		if err := mp.Admit(sameFee, c.TipState(), c, c.Params()); err == nil {
			t.Fatalf("\t%s\tShould reject a same-fee replacement at the same nonce", failed)
		}
		t.Logf("\t%s\tShould reject a same-fee replacement at the same nonce.", success)

		higher := signedPost(t, author, 1, 6, "third")
		if err := mp.Admit(higher, c.TipState(), c, c.Params()); err != nil {
			t.Fatalf("\t%s\tShould accept a strictly-higher-fee replacement : %s", failed, err)
		}
		t.Logf("\t%s\tShould accept a strictly-higher-fee replacement.", success)

		if mp.Count() != 1 {
			t.Fatalf("\t%s\tShould still hold exactly one entry for that nonce : got %d", failed, mp.Count())
		}
		got, ok := mp.Get(mp.Hashes()[0])
		if !ok || got.Post.Body != "third" {
			t.Fatalf("\t%s\tShould have replaced the entry with the higher-fee transaction", failed)
		}
		t.Logf("\t%s\tShould have replaced the entry with the higher-fee transaction.", success)
	}
}

func Test_EvictionDropsLowestFeeWhenOverCapacity(t *testing.T) {
	t.Log("Given a mempool bounded to 2 entries and three funded authors.")
	{
		g := genesis.Default()
		authors := make([]crypto.KeyPair, 3)
		for i := range authors {
			kp, _ := crypto.GenerateKeyPair()
			authors[i] = kp
			g.Balances[kp.Public.String()] = 1000
		}
		c := openChain(t, g)
		mp := mempool.New(2)

		for i, fee := range []uint64{1, 2, 3} {
			post := signedPost(t, authors[i], 1, fee, "post")
			if err := mp.Admit(post, c.TipState(), c, c.Params()); err != nil {
				t.Fatalf("admitting post %d: %s", i, err)
			}
		}

		if mp.Count() != 2 {
			t.Fatalf("\t%s\tShould have evicted down to capacity : got %d", failed, mp.Count())
		}
		t.Logf("\t%s\tShould have evicted down to capacity.", success)

		for _, h := range mp.Hashes() {
			e, _ := mp.Get(h)
			if e.Post.GasFee == 1 {
				t.Fatalf("\t%s\tShould have evicted the lowest-fee entry first", failed)
			}
		}
		t.Logf("\t%s\tShould have evicted the lowest-fee entry first.", success)
	}
}

// zeroBalanceView is a StateView every account reads back as zero balance
// and zero nonce, used to simulate an author who has since spent down to
// nothing.
type zeroBalanceView struct{}

func (zeroBalanceView) Account(key crypto.PublicKey) account.Account { return account.New(key) }
func (zeroBalanceView) All() []account.Account                      { return nil }

// aheadView reads through to base, except that key's account reports
// nonce, simulating a state in which key's earlier transactions have
// already been applied.
type aheadView struct {
	base interface {
		Account(crypto.PublicKey) account.Account
		All() []account.Account
	}
	key   crypto.PublicKey
	nonce uint64
}

func (v aheadView) Account(key crypto.PublicKey) account.Account {
	a := v.base.Account(key)
	if key == v.key {
		a.Nonce = v.nonce
	}
	return a
}
func (v aheadView) All() []account.Account { return v.base.All() }

func Test_RevalidateDropsEntriesThatNoLongerApply(t *testing.T) {
	t.Log("Given a mempool holding a transaction from an author who then loses their funding balance.")
	{
		g := genesis.Default()
		author, _ := crypto.GenerateKeyPair()
		g.Balances[author.Public.String()] = 10
		c := openChain(t, g)
		mp := mempool.New(10)

		post := signedPost(t, author, 1, 10, "spend it all")
		if err := mp.Admit(post, c.TipState(), c, c.Params()); err != nil {
			t.Fatalf("admitting post: %s", err)
		}

		mp.Revalidate(zeroBalanceView{}, c, c.Params())

		if mp.Count() != 0 {
			t.Fatalf("\t%s\tShould have dropped the now-unaffordable entry : got %d", failed, mp.Count())
		}
		t.Logf("\t%s\tShould drop entries that no longer validate against the given view.", success)
	}
}

func Test_SelectForBlockPrefersHigherFeeWithinNonceOrder(t *testing.T) {
	t.Log("Given two authors each with two queued posts at ascending nonces and fees.")
	{
		g := genesis.Default()
		a1, _ := crypto.GenerateKeyPair()
		a2, _ := crypto.GenerateKeyPair()
		g.Balances[a1.Public.String()] = 1000
		g.Balances[a2.Public.String()] = 1000
		c := openChain(t, g)
		mp := mempool.New(10)

		for _, p := range []tx.Tx{
			signedPost(t, a1, 1, 3, "a1n1"),
			signedPost(t, a1, 2, 1, "a1n2"),
			signedPost(t, a2, 1, 9, "a2n1"),
		} {
			view := aheadView{base: c.TipState(), key: p.Signer(), nonce: p.Nonce() - 1}
			if err := mp.Admit(p, view, c, c.Params()); err != nil {
				t.Fatalf("admitting: %s", err)
			}
		}

		selected := mp.SelectForBlock(c.TipState(), 1<<20)
		if len(selected) != 3 {
			t.Fatalf("\t%s\tShould select every feasible transaction : got %d", failed, len(selected))
		}
		t.Logf("\t%s\tShould select every feasible transaction.", success)

		if selected[0].Post.Body != "a2n1" {
			t.Fatalf("\t%s\tShould put the highest-fee first-round transaction first : got %s", failed, selected[0].Post.Body)
		}
		t.Logf("\t%s\tShould order the first round by descending gas_fee.", success)

		bodies := map[string]int{}
		for i, s := range selected {
			bodies[s.Post.Body] = i
		}
		if bodies["a1n1"] >= bodies["a1n2"] {
			t.Fatalf("\t%s\tShould keep a single author's transactions in ascending nonce order", failed)
		}
		t.Logf("\t%s\tShould keep a single author's transactions in ascending nonce order.", success)
	}
}

func Test_SelectForBlockUnderABindingSizeCapPrefersGlobalFeePriority(t *testing.T) {
	t.Log("Given three authors at different queue depths, a binding size cap admitting only three of four transactions.")
	{
		g := genesis.Default()
		authorA, authorB, authorC := mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)
		g.Balances[authorA.Public.String()] = 1000
		g.Balances[authorB.Public.String()] = 1000
		g.Balances[authorC.Public.String()] = 1000
		c := openChain(t, g)
		mp := mempool.New(10)

		aTx := signedPost(t, authorA, 1, 10, "a1")
		bTx1 := signedPost(t, authorB, 1, 9, "b1")
		bTx2 := signedPost(t, authorB, 2, 200, "b2")
		cTx := signedPost(t, authorC, 1, 8, "c1")

		for _, p := range []tx.Tx{aTx, bTx1, bTx2, cTx} {
			view := aheadView{base: c.TipState(), key: p.Signer(), nonce: p.Nonce() - 1}
			if err := mp.Admit(p, view, c, c.Params()); err != nil {
				t.Fatalf("admitting: %s", err)
			}
		}

		oneSize, err := canon.Encode(aTx.Post)
		if err != nil {
			t.Fatalf("encoding for size probe: %s", err)
		}
		sizeLimit := uint64(len(oneSize)) * 3

		selected := mp.SelectForBlock(c.TipState(), sizeLimit)

		bodies := map[string]bool{}
		for _, s := range selected {
			bodies[s.Post.Body] = true
		}

		if len(selected) != 3 || !bodies["a1"] || !bodies["b1"] || !bodies["b2"] || bodies["c1"] {
			got := make([]string, 0, len(selected))
			for _, s := range selected {
				got = append(got, s.Post.Body)
			}
			t.Fatalf("\t%s\tShould keep the globally highest-fee set {a1,b1,b2} and drop c1 : got %v", failed, got)
		}
		t.Logf("\t%s\tShould promote b2 into the selection ahead of c1 once b1 is taken, dropping the lowest-fee transaction rather than the highest.", success)
	}
}

func mustKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generating key pair: %s", err)
	}
	return kp
}
