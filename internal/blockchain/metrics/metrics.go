// Package metrics holds the Prometheus collectors this node exposes,
// grounded on the teacher corpus' observability/metrics package: a single
// lazily-initialized, process-wide registry covering every subsystem,
// guarded by sync.Once so every caller shares the same collectors
// regardless of import order.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector this node updates. Callers that never
// observed a Metrics (nil receiver) see every method become a no-op, so
// wiring metrics through a component is always optional.
type Metrics struct {
	chainHeight     prometheus.Gauge
	chainDifficulty prometheus.Gauge
	blocksAccepted  *prometheus.CounterVec
	reorgs          prometheus.Counter
	reorgDepth      prometheus.Histogram

	mempoolSize    prometheus.Gauge
	mempoolEvicted prometheus.Counter
	txsSubmitted   *prometheus.CounterVec

	blocksMined  prometheus.Counter
	miningHashes prometheus.Counter

	peersConnected prometheus.Gauge
	gossipMessages *prometheus.CounterVec

	rpcRequests *prometheus.CounterVec
}

var (
	once     sync.Once
	registry *Metrics
)

// Default returns the process-wide singleton registry, registering its
// collectors with prometheus's default registerer on first use.
func Default() *Metrics {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

// New constructs a Metrics and registers its collectors with reg. reg may
// be a prometheus.NewRegistry() for isolated tests instead of the global
// default.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "postchain",
			Subsystem: "chain",
			Name:      "height",
			Help:      "Height of the active chain tip.",
		}),
		chainDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "postchain",
			Subsystem: "chain",
			Name:      "difficulty",
			Help:      "Proof-of-work difficulty of the active chain tip.",
		}),
		blocksAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postchain",
			Subsystem: "chain",
			Name:      "blocks_accepted_total",
			Help:      "Blocks accepted by the chain store, segmented by whether they extended the tip or indexed a side branch.",
		}, []string{"outcome"}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "postchain",
			Subsystem: "chain",
			Name:      "reorgs_total",
			Help:      "Count of chain reorganizations performed.",
		}),
		reorgDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "postchain",
			Subsystem: "chain",
			Name:      "reorg_depth_blocks",
			Help:      "Depth, in blocks, of each completed reorganization.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		mempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "postchain",
			Subsystem: "mempool",
			Name:      "size",
			Help:      "Number of transactions currently held in the mempool.",
		}),
		mempoolEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "postchain",
			Subsystem: "mempool",
			Name:      "evicted_total",
			Help:      "Count of transactions evicted from the mempool to stay under its size cap.",
		}),
		txsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postchain",
			Subsystem: "mempool",
			Name:      "transactions_submitted_total",
			Help:      "Transactions submitted to the mempool, segmented by kind and outcome.",
		}, []string{"kind", "outcome"}),
		blocksMined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "postchain",
			Subsystem: "miner",
			Name:      "blocks_mined_total",
			Help:      "Count of blocks this node has successfully mined.",
		}),
		miningHashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "postchain",
			Subsystem: "miner",
			Name:      "hashes_total",
			Help:      "Count of header hashes computed while searching for a solving nonce.",
		}),
		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "postchain",
			Subsystem: "p2p",
			Name:      "peers_connected",
			Help:      "Number of currently connected peers.",
		}),
		gossipMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postchain",
			Subsystem: "p2p",
			Name:      "gossip_messages_total",
			Help:      "Count of gossip/control messages, segmented by direction and message type.",
		}, []string{"direction", "type"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postchain",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Count of RPC requests served, segmented by path.",
		}, []string{"path"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.chainHeight, m.chainDifficulty, m.blocksAccepted, m.reorgs, m.reorgDepth,
			m.mempoolSize, m.mempoolEvicted, m.txsSubmitted,
			m.blocksMined, m.miningHashes,
			m.peersConnected, m.gossipMessages,
			m.rpcRequests,
		)
	}
	return m
}

// SetChainTip records the active tip's height and difficulty.
func (m *Metrics) SetChainTip(height, difficulty uint64) {
	if m == nil {
		return
	}
	m.chainHeight.Set(float64(height))
	m.chainDifficulty.Set(float64(difficulty))
}

// RecordBlockAccepted increments the accepted-block counter for the given
// outcome, one of "extended_tip" or "side_branch".
func (m *Metrics) RecordBlockAccepted(outcome string) {
	if m == nil {
		return
	}
	m.blocksAccepted.WithLabelValues(outcome).Inc()
}

// RecordReorg records a completed reorganization of the given depth.
func (m *Metrics) RecordReorg(depth int) {
	if m == nil {
		return
	}
	m.reorgs.Inc()
	m.reorgDepth.Observe(float64(depth))
}

// SetMempoolSize records the mempool's current entry count.
func (m *Metrics) SetMempoolSize(n int) {
	if m == nil {
		return
	}
	m.mempoolSize.Set(float64(n))
}

// RecordMempoolEviction increments the mempool eviction counter.
func (m *Metrics) RecordMempoolEviction() {
	if m == nil {
		return
	}
	m.mempoolEvicted.Inc()
}

// RecordTxSubmission records a mempool admission attempt, outcome one of
// "accepted" or "rejected".
func (m *Metrics) RecordTxSubmission(kind, outcome string) {
	if m == nil {
		return
	}
	m.txsSubmitted.WithLabelValues(kind, outcome).Inc()
}

// RecordBlockMined increments the locally-mined block counter.
func (m *Metrics) RecordBlockMined() {
	if m == nil {
		return
	}
	m.blocksMined.Inc()
}

// AddMiningHashes adds n to the cumulative hash-attempt counter.
func (m *Metrics) AddMiningHashes(n uint64) {
	if m == nil {
		return
	}
	m.miningHashes.Add(float64(n))
}

// SetPeersConnected records the current connected-peer count.
func (m *Metrics) SetPeersConnected(n int) {
	if m == nil {
		return
	}
	m.peersConnected.Set(float64(n))
}

// RecordGossip increments the gossip message counter for the given
// direction ("in" or "out") and message type.
func (m *Metrics) RecordGossip(direction, msgType string) {
	if m == nil {
		return
	}
	m.gossipMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordRPCRequest increments the request counter for the given path.
func (m *Metrics) RecordRPCRequest(path string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(path).Inc()
}
