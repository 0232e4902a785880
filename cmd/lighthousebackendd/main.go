// Command lighthousebackendd runs the pledge engine as a long-lived daemon:
// an HTTP API in "server" mode, or a disk-driven local agent in "client"
// mode, per spec.md §1's client/server split.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lighthouse-contracts/pledgeengine/internal/api"
	"github.com/lighthouse-contracts/pledgeengine/internal/auditlog"
	"github.com/lighthouse-contracts/pledgeengine/internal/backend"
	"github.com/lighthouse-contracts/pledgeengine/internal/chainnotify"
	"github.com/lighthouse-contracts/pledgeengine/internal/claim"
	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/logging"
	"github.com/lighthouse-contracts/pledgeengine/internal/utxo"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("lighthousebackendd error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting lighthousebackendd",
		"version", version,
		"mode", cfg.Mode,
		"network", cfg.Network,
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
	)

	auditDB, err := auditlog.Open(cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditDB.Close()

	slog.Info("audit log opened", "path", cfg.AuditDBPath)

	peerGroup, broadcastChecker := setupChainBackend(cfg)

	var chainNotifier backend.ChainNotifier
	var broadcaster backend.TxBroadcaster
	if cfg.Network != "regtest" {
		notifier := chainnotify.NewEsploraChainNotifier(config.ChainTipPollInterval, esploraURLs(cfg.Network)...)
		defer notifier.Stop()
		chainNotifier = notifier
		broadcaster = utxo.NewEsploraBroadcaster(esploraURLs(cfg.Network)[0])
	}

	b, err := backend.New(cfg, peerGroup, broadcastChecker, chainNotifier, broadcaster, auditDB, nil)
	if err != nil {
		return fmt.Errorf("failed to assemble backend: %w", err)
	}
	defer b.Close()

	initCtx, initCancel := context.WithTimeout(context.Background(), config.ServerClientTimeout)
	defer initCancel()
	if err := b.WaitForInit(initCtx); err != nil {
		return fmt.Errorf("backend failed to initialize: %w", err)
	}

	slog.Info("backend initialized, persisted projects and pledges loaded")

	if cfg.Mode != "server" {
		slog.Info("running in client mode: no HTTP server started, watching data directory", "dataDir", cfg.DataDir)
		return waitForShutdown(nil)
	}

	router := api.NewRouter(b, cfg)
	api.Version = version

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	return waitForShutdown(srv)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then gracefully shuts down
// srv if non-nil (client mode runs no HTTP server).
func waitForShutdown(srv *http.Server) error {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done

	slog.Info("shutdown signal received", "timeout", config.ShutdownTimeout)

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}

// setupChainBackend wires the public Esplora HTTP oracles as the default
// UTXO peer group and broadcast checker. regtest has no public Esplora
// instance; operators on regtest must point LIGHTHOUSE_NETWORK at a local
// esplora/electrs and are expected to fork this wiring, not configure it at
// runtime (spec.md §1 excludes the P2P transport these stand in for).
func setupChainBackend(cfg *config.Config) (utxo.PeerGroup, claim.BroadcastChecker) {
	peerGroup := utxo.NewEsploraPeerGroup(cfg.Network)

	blockstream, mempool := esploraURLs(cfg.Network)[0], esploraURLs(cfg.Network)[1]
	checker := claim.NewEsploraBroadcastChecker(blockstream, mempool)

	return peerGroup, checker
}

// esploraURLs returns the pair of public Esplora base URLs for network.
func esploraURLs(network string) []string {
	if network == "testnet" {
		return []string{config.BlockstreamTestnetURL, config.MempoolTestnetURL}
	}
	return []string{config.BlockstreamMainnetURL, config.MempoolMainnetURL}
}
