// Command postchaind runs a full protocol node: it maintains the block
// index and account state, mines when caught up to its peers, gossips and
// syncs over the peer-to-peer transport, and serves the RPC surface wallets
// and explorers talk to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/postchain/postchain/internal/blockchain/chain"
	"github.com/postchain/postchain/internal/blockchain/genesis"
	"github.com/postchain/postchain/internal/blockchain/mempool"
	"github.com/postchain/postchain/internal/blockchain/metrics"
	"github.com/postchain/postchain/internal/blockchain/miner"
	"github.com/postchain/postchain/internal/blockchain/state"
	"github.com/postchain/postchain/internal/p2p"
	"github.com/postchain/postchain/internal/platform/keystore"
	"github.com/postchain/postchain/internal/platform/logger"
	"github.com/postchain/postchain/internal/rpc/mux"
)

// build is the git version of this program, set using build flags in the
// makefile.
var build = "develop"

func main() {
	log, err := logger.New("POSTCHAIND")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			RPCHost         string        `conf:"default:0.0.0.0:8080"`
			CORS            string        `conf:"default:*"`
		}
		P2P struct {
			ListenAddr string   `conf:"default:0.0.0.0:9080"`
			KnownPeers []string `conf:"default:"`
		}
		State struct {
			DataDir      string `conf:"default:zblock/"`
			GenesisFile  string `conf:"default:zblock/genesis.json"`
			MinerKeyFile string `conf:"default:zblock/miner.key"`
			Mine         bool   `conf:"default:true"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "permissionless content-addressed ledger node",
		},
	}

	const prefix = "POSTCHAIND"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	fmt.Println(`    ____             __ ________          _`)
	fmt.Println(`   / __ \____  _____/ //_  __/ /_  ____ _(_)___`)
	fmt.Println(`  / /_/ / __ \/ ___/ __// / / __ \/ __ \/ / __ \`)
	fmt.Println(` / ____/ /_/ (__  ) /_ / / / / / / /_/ / / / / /`)
	fmt.Println(`/_/    \____/____/\__//_/ /_/ /_/\__,_/_/_/ /_/`)
	fmt.Print("\n")

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Genesis, miner identity

	g, err := genesis.Load(cfg.State.GenesisFile)
	if err != nil {
		return fmt.Errorf("loading genesis: %w", err)
	}

	minerKey, err := keystore.LoadOrGenerate(cfg.State.MinerKeyFile)
	if err != nil {
		return fmt.Errorf("loading miner key: %w", err)
	}
	log.Infow("startup", "status", "miner identity", "account", minerKey.Public.String())

	// =========================================================================
	// Blockchain Support

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mp := mempool.New(5000)

	st, err := state.Open(filepath.Join(cfg.State.DataDir, "state"), g)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer st.Close()

	c, err := chain.Open(filepath.Join(cfg.State.DataDir, "chain"), g, st, mp)
	if err != nil {
		return fmt.Errorf("opening chain: %w", err)
	}
	defer c.Close()
	c.SetMetrics(m)

	tip, _, height := c.Tip()
	log.Infow("startup", "status", "chain loaded", "height", height, "difficulty", tip.Header.Difficulty)

	// =========================================================================
	// Peer-to-peer transport

	node, err := p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		SeedAddrs:  cfg.P2P.KnownPeers,
		Chain:      c,
		Mempool:    mp,
		Params:     c.Params(),
		Metrics:    m,
		Log:        log,
	})
	if err != nil {
		return fmt.Errorf("constructing p2p node: %w", err)
	}

	ctx, cancelNode := context.WithCancel(context.Background())
	defer cancelNode()
	if err := node.Run(ctx); err != nil {
		return fmt.Errorf("starting p2p node: %w", err)
	}
	defer node.Shutdown()

	// =========================================================================
	// Mining

	if cfg.State.Mine {
		mn := miner.New(c, mp, minerKey.Public, func(format string, args ...any) {
			log.Infow(fmt.Sprintf(format, args...))
		})
		mn.SetMetrics(m)
		go func() {
			for !node.Synced() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			log.Infow("startup", "status", "caught up to peers, mining enabled")
			mn.Run(ctx, c.Subscribe())
		}()
	}

	// =========================================================================
	// Start RPC Service

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	handler := mux.Mux(mux.Config{
		Shutdown: shutdown,
		Log:      log,
		Chain:    c,
		Mempool:  mp,
		Node:     node,
		Metrics:  m,
		Registry: reg,
		CORS:     cfg.Web.CORS,
	})

	server := http.Server{
		Addr:         cfg.Web.RPCHost,
		Handler:      handler,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "rpc router started", "host", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		log.Infow("shutdown", "status", "shutdown rpc service started")
		if err := server.Shutdown(ctx); err != nil {
			server.Close()
			return fmt.Errorf("could not stop rpc service gracefully: %w", err)
		}
	}

	return nil
}
