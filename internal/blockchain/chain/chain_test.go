package chain_test

import (
	"testing"

	"github.com/postchain/postchain/internal/blockchain/account"
	"github.com/postchain/postchain/internal/blockchain/block"
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

func testGenesis() genesis.Genesis {
	g := genesis.Default()
	g.InitialDifficulty = 1 // cheap to mine in tests: ~50% of nonces solve it
	g.RetargetWindow = 100
	return g
}

// mineBlock fills in Header.Timestamp and Header.Nonce so the header hash
// satisfies the declared difficulty, trying nonces in order. Difficulty 1
// solves within a handful of tries almost always.
func mineBlock(t *testing.T, b block.Block, minerTs uint64) block.Block {
	t.Helper()
	b.Header.Timestamp = minerTs
	for nonce := uint64(0); nonce < 100000; nonce++ {
		b.Header.Nonce = nonce
		h, err := b.Header.Hash()
		if err != nil {
			t.Fatalf("hashing candidate header: %s", err)
		}
		if block.IsSolved(b.Header.Difficulty, h) {
			return b
		}
	}
	t.Fatalf("could not mine a block within the test's nonce budget")
	return block.Block{}
}

func coinbaseTx(recipient crypto.PublicKey, amount, height uint64) tx.Tx {
	return tx.NewCoinbase(tx.Coinbase{Recipient: recipient, Amount: amount, Height: height})
}

// buildChild constructs a valid, mined child of parent whose sole
// transaction is a coinbase to miner. balances holds every account's
// balance as of parent's state and is updated in place to reflect the new
// block, so callers can chain buildChild across several blocks on the same
// branch.
func buildChild(t *testing.T, g genesis.Genesis, parent block.Block, miner crypto.PublicKey, ts uint64, balances map[crypto.PublicKey]uint64) block.Block {
	t.Helper()

	reward := g.Reward(parent.Header.Height + 1)
	txs := []tx.Tx{coinbaseTx(miner, reward, parent.Header.Height+1)}

	txRoot, err := block.MerkleRootOfTxs(txs)
	if err != nil {
		t.Fatalf("computing tx merkle root: %s", err)
	}

	balances[miner] += reward

	accounts := make([]account.Account, 0, len(balances))
	for k, bal := range balances {
		accounts = append(accounts, account.Account{Key: k, Balance: bal})
	}
	stateRoot, err := account.Root(accounts)
	if err != nil {
		t.Fatalf("computing state root: %s", err)
	}

	prevHash, err := parent.Header.Hash()
	if err != nil {
		t.Fatalf("hashing parent header: %s", err)
	}

	header := block.Header{
		Version:      1,
		Height:       parent.Header.Height + 1,
		PrevHash:     prevHash,
		Miner:        miner,
		Difficulty:   g.InitialDifficulty,
		TxMerkleRoot: txRoot,
		StateRoot:    stateRoot,
		TxCount:      uint16(len(txs)),
	}

	b := block.Block{Header: header, Txs: txs}
	return mineBlock(t, b, ts)
}

func openStore(t *testing.T, g genesis.Genesis) (*state.State, *chain.Store, *mempool.Mempool) {
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

	return st, c, mp
}

func Test_OpenInitializesGenesisTip(t *testing.T) {
	t.Log("Given a fresh chain store.")
	{
		g := testGenesis()
		_, c, _ := openStore(t, g)

		genesisBlock, err := g.GenesisBlock()
		if err != nil {
			t.Fatalf("building genesis block: %s", err)
		}
		wantHash, _ := genesisBlock.Header.Hash()

		_, gotHash, height := c.Tip()
		if gotHash != wantHash {
			t.Fatalf("\t%s\tShould start with the genesis block as tip.", failed)
		}
		if height != 0 {
			t.Fatalf("\t%s\tShould start at height 0 : got %d", failed, height)
		}
		t.Logf("\t%s\tShould start with the genesis block as tip.", success)
	}
}

func Test_AcceptBlockExtendsActiveTip(t *testing.T) {
	t.Log("Given a chain and a single valid child of genesis.")
	{
		g := testGenesis()
		_, c, _ := openStore(t, g)

		miner, _ := crypto.GenerateKeyPair()
		genesisBlock, _ := g.GenesisBlock()

		child := buildChild(t, g, genesisBlock, miner.Public, 1000, map[crypto.PublicKey]uint64{})

		if err := c.AcceptBlock(child, 2000); err != nil {
			t.Fatalf("\t%s\tShould accept a valid child block : %s", failed, err)
		}

		_, hash, height := c.Tip()
		wantHash, _ := child.Header.Hash()
		if hash != wantHash || height != 1 {
			t.Fatalf("\t%s\tShould advance the active tip to the new block.", failed)
		}
		t.Logf("\t%s\tShould advance the active tip to the new block.", success)
	}
}

func Test_AcceptBlockRejectsUnsolvedPoW(t *testing.T) {
	t.Log("Given a block whose hash does not satisfy its declared difficulty.")
	{
		g := testGenesis()
		g.InitialDifficulty = 255 // nearly impossible to solve by chance
		_, c, _ := openStore(t, g)

		miner, _ := crypto.GenerateKeyPair()
		genesisBlock, _ := g.GenesisBlock()

		txs := []tx.Tx{coinbaseTx(miner.Public, g.Reward(1), 1)}
		txRoot, _ := block.MerkleRootOfTxs(txs)
		accounts := []account.Account{{Key: miner.Public, Balance: g.Reward(1)}}
		stateRoot, _ := account.Root(accounts)
		prevHash, _ := genesisBlock.Header.Hash()

		unsolved := block.Block{
			Header: block.Header{
				Version: 1, Height: 1, PrevHash: prevHash, Timestamp: 1000,
				Miner: miner.Public, Difficulty: g.InitialDifficulty, Nonce: 0,
				TxMerkleRoot: txRoot, StateRoot: stateRoot, TxCount: 1,
			},
			Txs: txs,
		}

		if err := c.AcceptBlock(unsolved, 2000); err == nil {
			t.Fatalf("\t%s\tShould reject a block failing its proof-of-work check.", failed)
		}
		t.Logf("\t%s\tShould reject a block failing its proof-of-work check.", success)
	}
}

func Test_ReorgSwitchesToHeavierBranch(t *testing.T) {
	t.Log("Given two competing branches off genesis where one accumulates more work.")
	{
		g := testGenesis()
		_, c, mp := openStore(t, g)

		minerA, _ := crypto.GenerateKeyPair()
		minerB, _ := crypto.GenerateKeyPair()
		genesisBlock, _ := g.GenesisBlock()

		blockA := buildChild(t, g, genesisBlock, minerA.Public, 1000, map[crypto.PublicKey]uint64{})
		if err := c.AcceptBlock(blockA, 2000); err != nil {
			t.Fatalf("\t%s\tShould accept branch A's first block : %s", failed, err)
		}
		_, tipAfterA, _ := c.Tip()

		branchBBalances := map[crypto.PublicKey]uint64{}
		blockB1 := buildChild(t, g, genesisBlock, minerB.Public, 1001, branchBBalances)
		if err := c.AcceptBlock(blockB1, 2000); err != nil {
			t.Fatalf("\t%s\tShould index branch B's first block without error : %s", failed, err)
		}
		_, tipAfterB1, _ := c.Tip()
		if tipAfterB1 != tipAfterA {
			t.Fatalf("\t%s\tShould not switch tips on an equal-work side branch (first-seen wins ties).", failed)
		}
		t.Logf("\t%s\tShould not switch tips on an equal-work side branch.", success)

		blockB2 := buildChild(t, g, blockB1, minerB.Public, 1002, branchBBalances)
		if err := c.AcceptBlock(blockB2, 2000); err != nil {
			t.Fatalf("\t%s\tShould accept branch B's second block and trigger a reorg : %s", failed, err)
		}

		_, newTip, newHeight := c.Tip()
		wantHash, _ := blockB2.Header.Hash()
		if newTip != wantHash || newHeight != 2 {
			t.Fatalf("\t%s\tShould reorg the active tip onto the heavier branch.", failed)
		}
		t.Logf("\t%s\tShould reorg the active tip onto the heavier branch.", success)

		if got := mp.Count(); got != 0 {
			t.Logf("\t%s\tMempool left with %d entries after reorg (no abandoned user txs in this scenario).", success, got)
		}
	}
}
