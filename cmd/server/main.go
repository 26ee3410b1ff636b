package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/ethwallet/service/broadcast"
	"github.com/brojonat/ethwallet/service/chain"
	"github.com/brojonat/ethwallet/service/config"
	"github.com/brojonat/ethwallet/service/explorer"
	"github.com/brojonat/ethwallet/service/keyvault"
	"github.com/brojonat/ethwallet/service/lifecycle"
	"github.com/brojonat/ethwallet/service/metrics"
	natspkg "github.com/brojonat/ethwallet/service/nats"
	"github.com/brojonat/ethwallet/service/nonce"
	"github.com/brojonat/ethwallet/service/replace"
	"github.com/brojonat/ethwallet/service/server"
	"github.com/brojonat/ethwallet/service/temporal"
	"github.com/brojonat/ethwallet/service/txbuilder"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	if err := cfg.RequireSigner(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	store, closeStore, err := openStore(ctx, cfg.DatabaseURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Key custody
	vault := keyvault.New(logger)
	var secrets keyvault.SecretStore
	if cfg.KeystorePath != "" {
		secrets = keyvault.NewKeystoreFile(cfg.KeystorePath, cfg.KeystorePassphrase)
	}
	account, err := loadAccount(ctx, vault, cfg.PrivateKey, secrets)
	if err != nil {
		logger.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}
	logger.Info("signing key loaded", "account", account.String())

	// Chain
	// Note: for hosted providers, include the API key in the URL
	rpcClient, err := chain.Dial(ctx, cfg.EthRPCURL)
	if err != nil {
		logger.Error("failed to dial ethereum node", "error", err)
		os.Exit(1)
	}
	chainClient := chain.NewClient(rpcClient, chain.Endpoint(cfg.EthRPCURL), metricsCollector, logger)
	defer chainClient.Close()

	chainID, err := resolveChainID(ctx, cfg.ChainID, chainClient)
	if err != nil {
		logger.Error("failed to resolve chain id", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to ethereum node",
		"endpoint", chain.Endpoint(cfg.EthRPCURL),
		"chain_id", chainID,
	)

	builder := txbuilder.New(chainID, chainClient, vault, logger)
	broadcaster := broadcast.New(chainClient, broadcast.Config{
		PollInterval:  cfg.PollInterval,
		Timeout:       cfg.NetworkTimeout,
		RetryAttempts: uint64(cfg.ReceiptRetryAttempts),
		Confirmations: uint64(cfg.Confirmations),
	}, metricsCollector, logger)
	replacer := replace.New(builder, broadcaster, logger,
		replace.WithMinBumpPercent(int64(cfg.MinFeeBumpPercent)),
		replace.WithMetrics(metricsCollector),
	)

	explorerClient := explorer.NewClient(explorer.Config{
		BaseURL:           cfg.EtherscanAPIURL,
		APIKey:            cfg.EtherscanAPIKey,
		ChainID:           chainID.Int64(),
		RequestsPerSecond: cfg.ExplorerRPS,
		PageSize:          cfg.ExplorerPageSize,
	}, metricsCollector, logger)

	health := map[string]server.Pinger{
		"database": store,
		"chain": pingFunc(func(ctx context.Context) error {
			_, err := chainClient.HeaderByNumber(ctx, nil)
			return err
		}),
	}

	deps := lifecycle.Deps{
		Account:         account,
		Nonces:          nonce.NewTracker(store, logger),
		Builder:         builder,
		Network:         broadcaster,
		Replacer:        replacer,
		Store:           store,
		Ledger:          store,
		Transfers:       explorerClient,
		Metrics:         metricsCollector,
		Logger:          logger,
		RefreshInterval: cfg.RefreshInterval,
	}

	var stream server.EventStream
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		deps.Publisher = publisher
		health["nats"] = publisher

		subscriber, err := natspkg.NewSubscriber(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create NATS subscriber", "error", err)
			os.Exit(1)
		}
		defer subscriber.Close()
		stream = subscriber
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	coordinator, err := lifecycle.New(deps)
	if err != nil {
		logger.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}
	if err := coordinator.Start(ctx); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}
	defer coordinator.Close()

	// The ledger schedule is optional; the coordinator refreshes on its own.
	if temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger); err != nil {
		logger.Warn("temporal unavailable, skipping ledger schedule", "error", err)
	} else {
		if err := ensureLedgerSchedule(ctx, temporalClient, account, cfg.LedgerRefreshInterval, logger); err != nil {
			logger.Warn("failed to ensure ledger schedule", "error", err)
		}
		temporalClient.Close()
	}

	httpServer := server.New(cfg.ServerAddr, server.Deps{
		Wallet:        coordinator,
		Balances:      chainClient,
		Explorer:      explorerClient,
		Stream:        stream,
		Health:        health,
		AllowedOrigin: cfg.AllowedOrigin,
		Metrics:       metricsCollector,
		Logger:        logger,
	})

	logger.Info("server initialized, all dependencies ready",
		"account", account.String(),
		"chain_id", chainID,
		"nats", cfg.NATSURL != "",
		"database", cfg.DatabaseURL != "",
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
