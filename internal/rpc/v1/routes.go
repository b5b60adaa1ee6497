package v1

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/postchain/postchain/internal/blockchain/chain"
	"github.com/postchain/postchain/internal/blockchain/mempool"
	"github.com/postchain/postchain/internal/rpc"
)

const version = "v1"

// Config bundles the systems Routes needs to construct the v1 Handlers.
type Config struct {
	Log     *zap.SugaredLogger
	Chain   *chain.Store
	Mempool *mempool.Mempool
	Node    Announcer
}

// Routes binds every v1 RPC route to its handler, matching the operation
// names spec.md's RPC surface section lists.
func Routes(app *rpc.App, cfg Config) {
	h := Handlers{
		Log:     cfg.Log,
		Chain:   cfg.Chain,
		Mempool: cfg.Mempool,
		Node:    cfg.Node,
	}

	app.Handle(http.MethodPost, version, "/transactions", h.SubmitTransaction)
	app.Handle(http.MethodGet, version, "/blocks/latest", h.GetLatestBlock)
	app.Handle(http.MethodGet, version, "/blocks/:id", h.GetBlock)
	app.Handle(http.MethodGet, version, "/transactions/:hash", h.GetTransaction)
	app.Handle(http.MethodGet, version, "/accounts/:key", h.GetAccount)
	app.Handle(http.MethodGet, version, "/mempool", h.GetMempool)
	app.Handle(http.MethodGet, version, "/proofs/merkle/:hash", h.GetMerkleProof)
	app.Handle(http.MethodGet, version, "/proofs/state/:key", h.GetStateProof)
	app.Handle(http.MethodGet, version, "/subscribe/tip", h.SubscribeTip)
	app.Handle(http.MethodGet, version, "/node/info", h.GetNodeInfo)
}
