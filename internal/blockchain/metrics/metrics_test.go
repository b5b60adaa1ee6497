package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postchain/postchain/internal/blockchain/metrics"
)

const (
	success = "✓"
	failed  = "✗"
)

// gatherValue finds the single sample for a registered metric family by
// name and returns its gauge or counter value, whichever is set.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %s", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
		}
	}
	t.Fatalf("metric family %q was not found among gathered metrics", name)
	return 0
}

func Test_NewRegistersEveryCollector(t *testing.T) {
	t.Log("Given a fresh registry passed to New.")
	{
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to gather metrics : %s", failed, err)
		}
		if len(families) == 0 {
			t.Fatalf("\t%s\tShould have registered at least one collector", failed)
		}
		t.Logf("\t%s\tShould register every collector with the given registerer.", success)

		m.SetChainTip(10, 5)
		m.RecordBlockAccepted("extended_tip")
		m.RecordReorg(3)
		m.SetMempoolSize(7)
		m.RecordMempoolEviction()
		m.RecordTxSubmission("post", "accepted")
		m.RecordBlockMined()
		m.AddMiningHashes(1000)
		m.SetPeersConnected(2)
		m.RecordGossip("out", "TX_ANNOUNCE")
		m.RecordRPCRequest("/v1/blocks/latest")
	}
}

func Test_SetChainTipUpdatesGauges(t *testing.T) {
	t.Log("Given a Metrics constructed against an isolated registry.")
	{
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)

		m.SetChainTip(42, 7)
		if got := gatherValue(t, reg, "postchain_chain_height"); got != 42 {
			t.Fatalf("\t%s\tShould set the chain height gauge : got %v", failed, got)
		}
		if got := gatherValue(t, reg, "postchain_chain_difficulty"); got != 7 {
			t.Fatalf("\t%s\tShould set the chain difficulty gauge : got %v", failed, got)
		}
		t.Logf("\t%s\tShould set both chain tip gauges to the reported values.", success)

		m.RecordMempoolEviction()
		m.RecordMempoolEviction()
		if got := gatherValue(t, reg, "postchain_mempool_evicted_total"); got != 2 {
			t.Fatalf("\t%s\tShould increment the eviction counter once per call : got %v", failed, got)
		}
		t.Logf("\t%s\tShould increment the eviction counter once per call.", success)
	}
}

func Test_NilMetricsIsANoop(t *testing.T) {
	t.Log("Given a nil *Metrics, as every component starts with before SetMetrics is called.")
	{
		var m *metrics.Metrics

		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("\t%s\tShould not panic on a nil receiver : %v", failed, r)
			}
		}()

		m.SetChainTip(1, 1)
		m.RecordBlockAccepted("extended_tip")
		m.RecordReorg(1)
		m.SetMempoolSize(1)
		m.RecordMempoolEviction()
		m.RecordTxSubmission("post", "accepted")
		m.RecordBlockMined()
		m.AddMiningHashes(1)
		m.SetPeersConnected(1)
		m.RecordGossip("in", "HANDSHAKE")
		m.RecordRPCRequest("/v1/blocks/latest")

		t.Logf("\t%s\tShould treat every method as a no-op on a nil receiver.", success)
	}
}

func Test_DefaultReturnsSameSingletonAcrossCalls(t *testing.T) {
	t.Log("Given two calls to Default.")
	{
		a := metrics.Default()
		b := metrics.Default()

		if a != b {
			t.Fatalf("\t%s\tShould return the same singleton instance both times", failed)
		}
		t.Logf("\t%s\tShould return the same singleton instance both times.", success)
	}
}
