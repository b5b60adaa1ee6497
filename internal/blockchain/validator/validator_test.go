package validator_test

import (
	"testing"

	"github.com/postchain/postchain/internal/blockchain/account"
	"github.com/postchain/postchain/internal/blockchain/block"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/errs"
	"github.com/postchain/postchain/internal/blockchain/tx"
	"github.com/postchain/postchain/internal/blockchain/validator"
)

const (
	success = "✓"
	failed  = "✗"
)

// memState is a fixed-in-place StateView used by the tests below.
type memState map[crypto.PublicKey]account.Account

func (m memState) Account(key crypto.PublicKey) account.Account {
	if a, ok := m[key]; ok {
		return a
	}
	return account.New(key)
}

func (m memState) All() []account.Account {
	out := make([]account.Account, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	return out
}

// noRefChain resolves no references at all, suitable for tests with no
// posts to reply to or endorse.
type noRefChain struct{}

func (noRefChain) BlockByHash(h crypto.Hash) (block.Block, bool) { return block.Block{}, false }
func (noRefChain) ExpectedDifficulty(parent block.Block) (uint64, error) {
	return parent.Header.Difficulty, nil
}
func (noRefChain) MedianTimestamp(parent block.Block) uint64 { return parent.Header.Timestamp }
func (noRefChain) ResolveReference(h crypto.Hash) validator.ReferenceKind {
	return validator.ReferenceUnknown
}

func testParams() validator.Params {
	return validator.Params{
		MinGasFee:          1,
		BlockSizeLimit:     262_144,
		TimestampTolerance: 120,
		Reward:             func(h uint64) uint64 { return 50 },
	}
}

func Test_ValidateTxAcceptsWellFormedPost(t *testing.T) {
	t.Log("Given a signed post from an account with sufficient balance and the expected nonce.")
	{
		kp, _ := crypto.GenerateKeyPair()
		state := memState{kp.Public: {Key: kp.Public, Balance: 10, Nonce: 0}}

		tran := tx.NewPost(tx.Post{PostBody: tx.PostBody{Author: kp.Public, Nonce: 1, Body: "hi", GasFee: 1}})
		_ = tran.Sign(kp)

		if err := validator.ValidateTx(tran, state, noRefChain{}, testParams()); err != nil {
			t.Fatalf("\t%s\tShould accept the post : %s", failed, err)
		}
		t.Logf("\t%s\tShould accept the post.", success)
	}
}

func Test_ValidateTxRejectsStaleNonce(t *testing.T) {
	t.Log("Given a post whose nonce has already been applied.")
	{
		kp, _ := crypto.GenerateKeyPair()
		state := memState{kp.Public: {Key: kp.Public, Balance: 10, Nonce: 3}}

		tran := tx.NewPost(tx.Post{PostBody: tx.PostBody{Author: kp.Public, Nonce: 2, Body: "hi", GasFee: 1}})
		_ = tran.Sign(kp)

		err := validator.ValidateTx(tran, state, noRefChain{}, testParams())
		if kind, ok := errs.As(err); !ok || kind != errs.NonceStale {
			t.Fatalf("\t%s\tShould reject with NonceStale : got %v", failed, err)
		}
		t.Logf("\t%s\tShould reject with NonceStale.", success)
	}
}

func Test_ValidateTxRejectsFutureGapNonce(t *testing.T) {
	t.Log("Given a post whose nonce skips ahead of the expected value.")
	{
		kp, _ := crypto.GenerateKeyPair()
		state := memState{kp.Public: {Key: kp.Public, Balance: 10, Nonce: 0}}

		tran := tx.NewPost(tx.Post{PostBody: tx.PostBody{Author: kp.Public, Nonce: 5, Body: "hi", GasFee: 1}})
		_ = tran.Sign(kp)

		err := validator.ValidateTx(tran, state, noRefChain{}, testParams())
		if kind, ok := errs.As(err); !ok || kind != errs.NonceFutureGap {
			t.Fatalf("\t%s\tShould reject with NonceFutureGap : got %v", failed, err)
		}
		t.Logf("\t%s\tShould reject with NonceFutureGap.", success)
	}
}

func Test_ValidateTxRejectsInsufficientBalance(t *testing.T) {
	t.Log("Given a transfer whose sender cannot cover amount plus gas fee.")
	{
		kp, _ := crypto.GenerateKeyPair()
		recipient, _ := crypto.GenerateKeyPair()
		state := memState{kp.Public: {Key: kp.Public, Balance: 5, Nonce: 0}}

		tran := tx.NewTransfer(tx.Transfer{TransferBody: tx.TransferBody{
			Sender: kp.Public, Recipient: recipient.Public, Amount: 10, Nonce: 1, GasFee: 1,
		}})
		_ = tran.Sign(kp)

		err := validator.ValidateTx(tran, state, noRefChain{}, testParams())
		if kind, ok := errs.As(err); !ok || kind != errs.InsufficientBalance {
			t.Fatalf("\t%s\tShould reject with InsufficientBalance : got %v", failed, err)
		}
		t.Logf("\t%s\tShould reject with InsufficientBalance.", success)
	}
}

func Test_ValidateTxRejectsFeeBelowMinimum(t *testing.T) {
	t.Log("Given a post whose gas fee is below the network minimum.")
	{
		kp, _ := crypto.GenerateKeyPair()
		state := memState{kp.Public: {Key: kp.Public, Balance: 10, Nonce: 0}}

		tran := tx.NewPost(tx.Post{PostBody: tx.PostBody{Author: kp.Public, Nonce: 1, Body: "hi", GasFee: 0}})
		_ = tran.Sign(kp)

		err := validator.ValidateTx(tran, state, noRefChain{}, testParams())
		if kind, ok := errs.As(err); !ok || kind != errs.FeeBelowMinimum {
			t.Fatalf("\t%s\tShould reject with FeeBelowMinimum : got %v", failed, err)
		}
		t.Logf("\t%s\tShould reject with FeeBelowMinimum.", success)
	}
}

func Test_ValidateTxRejectsSelfTransfer(t *testing.T) {
	t.Log("Given a transfer whose sender equals its recipient.")
	{
		kp, _ := crypto.GenerateKeyPair()
		state := memState{kp.Public: {Key: kp.Public, Balance: 10, Nonce: 0}}

		tran := tx.NewTransfer(tx.Transfer{TransferBody: tx.TransferBody{
			Sender: kp.Public, Recipient: kp.Public, Amount: 1, Nonce: 1, GasFee: 1,
		}})
		_ = tran.Sign(kp)

		err := validator.ValidateTx(tran, state, noRefChain{}, testParams())
		if kind, ok := errs.As(err); !ok || kind != errs.MalformedEncoding {
			t.Fatalf("\t%s\tShould reject with MalformedEncoding : got %v", failed, err)
		}
		t.Logf("\t%s\tShould reject a self-transfer.", success)
	}
}

func Test_ValidateTxRejectsOversizedPostBody(t *testing.T) {
	t.Log("Given a post body exceeding 300 Unicode scalar values.")
	{
		kp, _ := crypto.GenerateKeyPair()
		state := memState{kp.Public: {Key: kp.Public, Balance: 10, Nonce: 0}}

		body := make([]rune, 301)
		for i := range body {
			body[i] = 'a'
		}

		tran := tx.NewPost(tx.Post{PostBody: tx.PostBody{Author: kp.Public, Nonce: 1, Body: string(body), GasFee: 1}})
		_ = tran.Sign(kp)

		err := validator.ValidateTx(tran, state, noRefChain{}, testParams())
		if kind, ok := errs.As(err); !ok || kind != errs.LimitExceeded {
			t.Fatalf("\t%s\tShould reject with LimitExceeded : got %v", failed, err)
		}
		t.Logf("\t%s\tShould reject with LimitExceeded.", success)
	}
}

func Test_ValidateTxRejectsTamperedSignature(t *testing.T) {
	t.Log("Given a post whose body is altered after signing.")
	{
		kp, _ := crypto.GenerateKeyPair()
		state := memState{kp.Public: {Key: kp.Public, Balance: 10, Nonce: 0}}

		tran := tx.NewPost(tx.Post{PostBody: tx.PostBody{Author: kp.Public, Nonce: 1, Body: "original", GasFee: 1}})
		_ = tran.Sign(kp)
		tran.Post.Body = "tampered"

		err := validator.ValidateTx(tran, state, noRefChain{}, testParams())
		if kind, ok := errs.As(err); !ok || kind != errs.InvalidSignature {
			t.Fatalf("\t%s\tShould reject with InvalidSignature : got %v", failed, err)
		}
		t.Logf("\t%s\tShould reject with InvalidSignature.", success)
	}
}

// fullChain is a ChainView backed by a single parent block, used by the
// ValidateBlock integration test below.
type fullChain struct {
	parent block.Block
}

func (c fullChain) BlockByHash(h crypto.Hash) (block.Block, bool) {
	ph, _ := c.parent.Header.Hash()
	if h == ph {
		return c.parent, true
	}
	return block.Block{}, false
}
func (c fullChain) ExpectedDifficulty(parent block.Block) (uint64, error) {
	return parent.Header.Difficulty, nil
}
func (c fullChain) MedianTimestamp(parent block.Block) uint64 { return parent.Header.Timestamp }
func (c fullChain) ResolveReference(h crypto.Hash) validator.ReferenceKind {
	return validator.ReferenceUnknown
}

func Test_ValidateBlockAcceptsCoinbaseOnlyBlock(t *testing.T) {
	t.Log("Given a block containing only a correctly-paid coinbase transaction.")
	{
		miner, _ := crypto.GenerateKeyPair()

		parent := block.Block{Header: block.Header{Version: 1, Height: 0, Difficulty: 0, Timestamp: 0}}
		parentHash, _ := parent.Header.Hash()

		coinbase := tx.NewCoinbase(tx.Coinbase{Recipient: miner.Public, Amount: 50, Height: 1})
		txRoot, _ := block.MerkleRootOfTxs([]tx.Tx{coinbase})

		accounts := []account.Account{{Key: miner.Public, Balance: 50, Nonce: 0}}
		stateRoot, _ := account.Root(accounts)

		b := block.Block{
			Header: block.Header{
				Version: 1, Height: 1, PrevHash: parentHash, Timestamp: 1, Miner: miner.Public,
				Difficulty: 0, TxMerkleRoot: txRoot, StateRoot: stateRoot, TxCount: 1,
			},
			Txs: []tx.Tx{coinbase},
		}

		state := memState{}
		chain := fullChain{parent: parent}

		root, diffs, err := validator.ValidateBlock(b, state, chain, testParams(), 1000, noEndorsement)
		if err != nil {
			t.Fatalf("\t%s\tShould accept the coinbase-only block : %s", failed, err)
		}
		t.Logf("\t%s\tShould accept the coinbase-only block.", success)

		if root != stateRoot {
			t.Fatalf("\t%s\tShould return the recomputed state root : got %s, exp %s", failed, root, stateRoot)
		}
		t.Logf("\t%s\tShould return the recomputed state root.", success)

		if diffs[miner.Public].Balance != 50 {
			t.Fatalf("\t%s\tShould credit the miner with the coinbase amount : got %d", failed, diffs[miner.Public].Balance)
		}
		t.Logf("\t%s\tShould credit the miner with the coinbase amount.", success)
	}
}

func noEndorsement(h crypto.Hash) (crypto.PublicKey, bool) { return crypto.PublicKey{}, false }

func Test_ValidateBlockRejectsWrongCoinbaseAmount(t *testing.T) {
	t.Log("Given a block whose coinbase pays the wrong reward.")
	{
		miner, _ := crypto.GenerateKeyPair()

		parent := block.Block{Header: block.Header{Version: 1, Height: 0}}
		parentHash, _ := parent.Header.Hash()

		coinbase := tx.NewCoinbase(tx.Coinbase{Recipient: miner.Public, Amount: 999, Height: 1})
		txRoot, _ := block.MerkleRootOfTxs([]tx.Tx{coinbase})

		b := block.Block{
			Header: block.Header{
				Version: 1, Height: 1, PrevHash: parentHash, Timestamp: 1, Miner: miner.Public,
				Difficulty: 0, TxMerkleRoot: txRoot, TxCount: 1,
			},
			Txs: []tx.Tx{coinbase},
		}

		_, _, err := validator.ValidateBlock(b, memState{}, fullChain{parent: parent}, testParams(), 1000, noEndorsement)
		if kind, ok := errs.As(err); !ok || kind != errs.ConsensusViolation {
			t.Fatalf("\t%s\tShould reject with ConsensusViolation : got %v", failed, err)
		}
		t.Logf("\t%s\tShould reject with ConsensusViolation.", success)
	}
}

func Test_ValidateBlockRejectsAShapelessTxWithoutPanicking(t *testing.T) {
	t.Log("Given a block whose second transaction claims a Kind with no matching payload set, as an untrusted wire decode could produce.")
	{
		miner, _ := crypto.GenerateKeyPair()

		parent := block.Block{Header: block.Header{Version: 1, Height: 0}}
		parentHash, _ := parent.Header.Hash()

		coinbase := tx.NewCoinbase(tx.Coinbase{Recipient: miner.Public, Amount: 50, Height: 1})
		shapeless := tx.Tx{Kind: tx.KindPost}

		b := block.Block{
			Header: block.Header{
				Version: 1, Height: 1, PrevHash: parentHash, Timestamp: 1, Miner: miner.Public,
				Difficulty: 0, TxCount: 2,
			},
			Txs: []tx.Tx{coinbase, shapeless},
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("\t%s\tShould reject with an error rather than panic : recovered %v", failed, r)
				}
			}()

			_, _, err := validator.ValidateBlock(b, memState{}, fullChain{parent: parent}, testParams(), 1000, noEndorsement)
			if kind, ok := errs.As(err); !ok || kind != errs.MalformedEncoding {
				t.Fatalf("\t%s\tShould reject with MalformedEncoding : got %v", failed, err)
			}
		}()
		t.Logf("\t%s\tShould reject a shapeless tx with MalformedEncoding instead of reaching Hash().", success)
	}
}
