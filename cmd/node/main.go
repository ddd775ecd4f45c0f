// Command node runs a burnchain consensus indexer: it syncs burnchain
// headers/blocks into the local snapshot database and runs the MHRWDA
// peer walker against the configured peer database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tolelom/sortichain/burnchain"
	"github.com/tolelom/sortichain/config"
	"github.com/tolelom/sortichain/crypto"
	"github.com/tolelom/sortichain/events"
	"github.com/tolelom/sortichain/ops"
	"github.com/tolelom/sortichain/peerdb"
	"github.com/tolelom/sortichain/peerwalk"
	"github.com/tolelom/sortichain/pipeline"
	"github.com/tolelom/sortichain/snapshot"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	identityKeyPath := flag.String("identity-key", "node.key", "path to this node's ed25519 identity key")
	genKey := flag.Bool("genkey", false, "generate a new node identity key and exit")
	flag.Parse()

	if *genKey {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatalf("genkey: %v", err)
		}
		if err := os.WriteFile(*identityKeyPath, []byte(priv.Hex()), 0600); err != nil {
			log.Fatalf("save key: %v", err)
		}
		fmt.Printf("Generated node identity key. Public key: %s\nSaved to: %s\n", pub.Hex(), *identityKeyPath)
		return
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zapLogger.Sync()
	sugar := zapLogger.Sugar()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		sugar.Fatalw("load config", "err", err)
	}
	chainDir := filepath.Join(cfg.DataDir, cfg.ChainName, cfg.NetworkName)
	if err := os.MkdirAll(chainDir, 0755); err != nil {
		sugar.Fatalw("mkdir data dir", "err", err)
	}

	burnParams, err := config.LoadBurnchainParams(filepath.Dir(*cfgPath), cfg.ChainName)
	if err != nil {
		sugar.Fatalw("load burnchain params", "err", err)
	}
	genesis, err := config.ResolveGenesis(cfg)
	if err != nil {
		sugar.Fatalw("resolve genesis", "err", err)
	}

	identityKeyHex, err := os.ReadFile(*identityKeyPath)
	if err != nil {
		sugar.Fatalw("load identity key", "err", err)
	}
	identityKey, err := crypto.PrivKeyFromHex(string(identityKeyHex))
	if err != nil {
		sugar.Fatalw("parse identity key", "err", err)
	}

	// ---- burnchain indexer ----
	indexer, err := burnchain.NewBitcoinIndexer(
		burnchain.BitcoinRPCParams{Host: burnParams.RPCHost, Port: burnParams.RPCPort, User: burnParams.RPCUser, Password: burnParams.RPCPass},
		filepath.Join(chainDir, "headers.dat"),
		genesis.FirstBlockHeight,
	)
	if err != nil {
		sugar.Fatalw("open burnchain indexer", "err", err)
	}
	if err := indexer.Init(cfg.DataDir, cfg.ChainName, cfg.NetworkName); err != nil {
		sugar.Fatalw("init indexer", "err", err)
	}
	headerFile, err := burnchain.OpenHeaderFile(filepath.Join(chainDir, "headers.dat"))
	if err != nil {
		sugar.Fatalw("open header file", "err", err)
	}
	defer headerFile.Close()

	// ---- snapshot db ----
	snapDB, err := snapshot.Open(filepath.Join(chainDir, "snapshots.sqlite"))
	if err != nil {
		sugar.Fatalw("open snapshot db", "err", err)
	}
	defer snapDB.Close()

	netParams := networkParams(cfg.NetworkName)
	codec := &ops.BitcoinCodec{Params: netParams}
	checker := ops.NewChecker(snapDB, codec, codec, cfg.RetentionWindow)
	emitter := events.NewEmitter()
	emitter.Subscribe(events.EventSortitionWinner, func(ev events.Event) {
		sugar.Infow("sortition winner event", "height", ev.BlockHeight, "data", ev.Data)
	})
	controller := snapshot.NewController(snapDB, checker, codec, codec, cfg.Quota, cfg.ConsensusHashLifetime, genesis.Seed, emitter, sugar)

	downloadLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "sortichain_download_seconds",
		Help: "Per-block burnchain download latency in seconds.",
	})
	prometheus.MustRegister(downloadLatency)
	pl := pipeline.New(indexer, headerFile, snapDB, controller, sugar, downloadLatency)

	// ---- peer database + walker ----
	pdb, err := peerdb.Open(filepath.Join(cfg.DataDir, "peers.ldb"))
	if err != nil {
		sugar.Fatalw("open peer db", "err", err)
	}
	defer pdb.Close()
	transport := peerwalk.NewTCPTransport(identityKey)

	if cfg.MetricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			sugar.Infow("metrics listening", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				sugar.Errorw("metrics server stopped", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// ---- sync loop ----
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tip, err := pl.Sync(ctx)
				if err != nil {
					sugar.Errorw("sync failed", "err", err)
					continue
				}
				sugar.Infow("synced", "tip", tip)
			}
		}
	}()

	// ---- peer walk loop ----
	wg.Add(1)
	go func() {
		defer wg.Done()
		runWalkLoop(ctx, transport, pdb, cfg.SeedPeers, sugar)
	}()

	sugar.Infow("node started", "chain", cfg.ChainName, "network", cfg.NetworkName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	sugar.Info("shutting down")
	cancel()
	wg.Wait()
	sugar.Info("shutdown complete")
}

func runWalkLoop(ctx context.Context, transport peerwalk.Transport, pdb *peerdb.DB, seeds []config.SeedPeer, log *zap.SugaredLogger) {
	for _, s := range seeds {
		ip := resolveIP(s.Addr)
		if ip == nil {
			continue
		}
		n := &peerdb.Neighbor{Key: peerdb.NeighborKey{Addr: ip}, ASN: s.ASN}
		if _, err := pdb.TryInsert(n); err != nil {
			log.Warnw("seed peer insert failed", "addr", s.Addr, "err", err)
		}
	}

	candidates, err := pdb.GetRandomWalkNeighbors(1)
	if err != nil || len(candidates) == 0 {
		log.Warnw("no peers to walk from yet", "err", err)
		return
	}
	w := peerwalk.New(transport, pdb, peerwalk.DefaultSchedule, candidates[0], nil)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		finished, err := w.Step()
		if err != nil {
			log.Warnw("walk step failed", "err", err)
		}
		if finished {
			if w.ShouldRestart(time.Now()) {
				candidates, err := pdb.GetRandomWalkNeighbors(1)
				if err != nil || len(candidates) == 0 {
					time.Sleep(time.Second)
					continue
				}
				w = peerwalk.New(transport, pdb, peerwalk.DefaultSchedule, candidates[0], nil)
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func resolveIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func networkParams(name string) *chaincfg.Params {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.TestNet3Params
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
