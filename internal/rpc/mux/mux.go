package mux

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/postchain/postchain/internal/blockchain/chain"
	"github.com/postchain/postchain/internal/blockchain/mempool"
	"github.com/postchain/postchain/internal/blockchain/metrics"
	"github.com/postchain/postchain/internal/rpc"
	v1 "github.com/postchain/postchain/internal/rpc/v1"
)

// Config bundles the systems Mux needs to construct every route.
type Config struct {
	Shutdown chan os.Signal
	Log      *zap.SugaredLogger
	Chain    *chain.Store
	Mempool  *mempool.Mempool
	Node     v1.Announcer
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	CORS     string
}

// Mux constructs the node's full RPC surface: the v1 API routes plus a
// Prometheus /metrics endpoint, wrapped in the same middleware chain
// shape as the teacher's handlers.PublicMux.
func Mux(cfg Config) http.Handler {
	app := rpc.NewApp(
		cfg.Shutdown,
		rpc.Logger(cfg.Log),
		rpc.Errors(cfg.Log),
		rpc.Metrics(cfg.Metrics),
		rpc.Cors(cors(cfg.CORS)),
		rpc.Panics(),
	)

	v1.Routes(app, v1.Config{
		Log:     cfg.Log,
		Chain:   cfg.Chain,
		Mempool: cfg.Mempool,
		Node:    cfg.Node,
	})

	mux := http.NewServeMux()
	mux.Handle("/", app)

	if cfg.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	return mux
}

func cors(origin string) string {
	if origin == "" {
		return "*"
	}
	return origin
}
