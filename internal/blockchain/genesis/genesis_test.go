package genesis_test

import (
	"path/filepath"
	"testing"

	"github.com/postchain/postchain/internal/blockchain/account"
	"github.com/postchain/postchain/internal/blockchain/crypto"
	"github.com/postchain/postchain/internal/blockchain/genesis"
)

const (
	success = "✓"
	failed  = "✗"
)

func Test_LoadFallsBackToDefaultWhenFileIsAbsent(t *testing.T) {
	t.Log("Given a path with no genesis file present.")
	{
		path := filepath.Join(t.TempDir(), "genesis.json")

		g, err := genesis.Load(path)
		if err != nil {
			t.Fatalf("\t%s\tShould not error when the file is absent : %s", failed, err)
		}
		t.Logf("\t%s\tShould not error when the file is absent.", success)

		want := genesis.Default()
		if g.ChainID != want.ChainID || g.InitialReward != want.InitialReward || g.MinGasFee != want.MinGasFee {
			t.Fatalf("\t%s\tShould fall back to Default", failed)
		}
		t.Logf("\t%s\tShould fall back to Default.", success)
	}
}

func Test_RewardHalvesEveryInterval(t *testing.T) {
	t.Log("Given the default genesis parameters.")
	{
		g := genesis.Default()

		if r := g.Reward(0); r != g.InitialReward {
			t.Fatalf("\t%s\tShould pay the full InitialReward at height 0 : got %d", failed, r)
		}
		t.Logf("\t%s\tShould pay the full InitialReward at height 0.", success)

		halvingHeight := g.HalvingInterval
		if r := g.Reward(halvingHeight); r != g.InitialReward/2 {
			t.Fatalf("\t%s\tShould halve the reward at the first halving boundary : got %d", failed, r)
		}
		t.Logf("\t%s\tShould halve the reward at the first halving boundary.", success)
	}
}

func Test_RewardFloorsAtZeroPastSixtyFourHalvings(t *testing.T) {
	t.Log("Given a height far beyond 64 halving intervals.")
	{
		g := genesis.Default()
		height := g.HalvingInterval * 100

		if r := g.Reward(height); r != 0 {
			t.Fatalf("\t%s\tShould floor the reward at zero : got %d", failed, r)
		}
		t.Logf("\t%s\tShould floor the reward at zero.", success)
	}
}

func Test_RetargetRatioClampsToBounds(t *testing.T) {
	t.Log("Given a retarget window that ran far faster than target.")
	{
		g := genesis.Default()

		num, den := g.RetargetRatio(1)
		if num != g.RetargetClampMax || den != g.RetargetClampScale {
			t.Fatalf("\t%s\tShould clamp to the max ratio : got %d/%d", failed, num, den)
		}
		t.Logf("\t%s\tShould clamp to the max ratio when the window ran far faster than target.", success)
	}

	t.Log("Given a retarget window that ran far slower than target.")
	{
		g := genesis.Default()

		num, den := g.RetargetRatio(g.BlockTimeTarget * 1000)
		if num != g.RetargetClampMin || den != g.RetargetClampScale {
			t.Fatalf("\t%s\tShould clamp to the min ratio : got %d/%d", failed, num, den)
		}
		t.Logf("\t%s\tShould clamp to the min ratio when the window ran far slower than target.", success)
	}
}

func Test_GenesisBlockCommitsToSeedBalances(t *testing.T) {
	t.Log("Given a genesis with seed balances.")
	{
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generating key pair: %s", err)
		}
		g := genesis.Default()
		g.Balances = map[string]uint64{kp.Public.String(): 1000}

		b, err := g.GenesisBlock()
		if err != nil {
			t.Fatalf("\t%s\tShould build a genesis block : %s", failed, err)
		}
		t.Logf("\t%s\tShould build a genesis block.", success)

		if b.Header.Height != 0 {
			t.Fatalf("\t%s\tShould be height 0 : got %d", failed, b.Header.Height)
		}
		t.Logf("\t%s\tShould be height 0.", success)

		if len(b.Txs) != 0 {
			t.Fatalf("\t%s\tShould carry no transactions : got %d", failed, len(b.Txs))
		}
		t.Logf("\t%s\tShould carry no transactions.", success)

		want, err := account.Root([]account.Account{{Key: kp.Public, Balance: 1000}})
		if err != nil {
			t.Fatalf("computing expected state root: %s", err)
		}
		if b.Header.StateRoot != want {
			t.Fatalf("\t%s\tShould commit to the seed balances' state root : got %s want %s", failed, b.Header.StateRoot, want)
		}
		t.Logf("\t%s\tShould commit to the seed balances' state root.", success)
	}
}
