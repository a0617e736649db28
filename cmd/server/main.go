package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crowdfund/internal/campaign"
	"crowdfund/internal/chain"
	"crowdfund/internal/config"
	"crowdfund/internal/contracts"
	"crowdfund/internal/idempotency"
	"crowdfund/internal/logging"
	"crowdfund/internal/metadata"
	"crowdfund/internal/server"
	"crowdfund/internal/state"
	"crowdfund/internal/submit"
	"crowdfund/internal/syncer"
	"crowdfund/internal/tracing"
	"crowdfund/internal/wallet"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := chain.Dial(dialCtx, chain.Config{
		RPCURL:        cfg.Chain.RPCURL,
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval,
		Logger:        logger,
	})
	cancel()
	if err != nil {
		logger.Error("chain client error", "rpc", cfg.Chain.RPCURL, "error", err)
		os.Exit(1)
	}
	defer client.Close()
	if cfg.Chain.ChainID != 0 && client.ChainID().Int64() != cfg.Chain.ChainID {
		logger.Error("node chain id does not match deployment", "node", client.ChainID(), "expected", cfg.Chain.ChainID)
		os.Exit(1)
	}

	st := state.NewStore(client.Contract(cfg.Chain.Factory, contracts.Factory()))
	factory := st.Factory().Address

	provider := wallet.FromConfig(cfg.Wallet.KeystorePath, cfg.Wallet.Passphrase, cfg.Wallet.PrivateKey)
	if cfg.Wallet.AutoConnect {
		session, err := provider.Connect(ctx, client.ChainID())
		if err != nil {
			logger.Error("wallet auto-connect failed", "error", err)
			os.Exit(1)
		}
		st.Connect(session)
		logger.Info("wallet connected", "address", session.Address().Hex())
	}

	var cache metadata.Cache
	if cfg.Metadata.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Metadata.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("metadata cache unreachable, continuing without it", "addr", cfg.Metadata.RedisAddr, "error", err)
		} else {
			cache = metadata.NewRedisCache(rdb, cfg.Metadata.RedisPrefix)
		}
	}
	fetcher := metadata.NewFetcher(metadata.Config{
		Gateway:  cfg.Metadata.Gateway,
		Timeout:  cfg.Metadata.Timeout,
		MaxBytes: cfg.Metadata.MaxBytes,
		HTTPTTL:  cfg.Metadata.CacheTTL,
		Cache:    cache,
		Logger:   logger,
	})

	metrics := server.NewMetrics()

	reader := campaign.NewReader(client, campaign.Config{
		Factory:     factory,
		Concurrency: cfg.Sync.ReadConcurrency,
		Metadata:    fetcher,
		Logger:      logger,
	})
	submitter := submit.New(client, st, submit.Config{
		Factory: factory,
		Logger:  logger,
		Metrics: metrics,
	})
	synchronizer := syncer.New(reader, client, st, syncer.Config{
		HeadPollInterval: cfg.Sync.HeadPollInterval,
		Interval:         cfg.Sync.Interval,
		Timeout:          cfg.Sync.Timeout,
		Logger:           logger,
		Metrics:          metrics,
	})

	store, closeStore, err := openStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store error", "backend", cfg.Idempotency.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	apiServer := server.NewServer(server.Config{
		Addr:           cfg.HTTP.Addr(),
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		HMACSecret:     cfg.Auth.HMACSecret,
		HMACClockSkew:  cfg.Auth.ClockSkew,
		IdempotencyTTL: cfg.Idempotency.TTL,
		TxTimeout:      cfg.Chain.TxTimeout,
	}, server.Deps{
		Reader:    reader,
		Writer:    submitter,
		Snapshots: synchronizer,
		State:     st,
		Wallet:    provider,
		Chain:     client,
		Store:     store,
		Metrics:   metrics,
		Logger:    logger,
	})

	go func() {
		if err := synchronizer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("syncer stopped", "error", err)
		}
	}()

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	_ = apiServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.IdempotencyConfig, logger *slog.Logger) (idempotency.Store, func(), error) {
	switch cfg.Backend {
	case "file":
		store, err := idempotency.NewFileStore(cfg.Path)
		return store, func() {}, err
	case "postgres":
		pg, err := idempotency.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		go prune(ctx, pg, logger)
		return pg, pg.Close, nil
	default:
		return idempotency.NewMemoryStore(), func() {}, nil
	}
}

func prune(ctx context.Context, pg *idempotency.PostgresStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := pg.Prune(ctx, now)
			if err != nil {
				logger.Warn("prune write outcomes failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned write outcomes", "count", n)
			}
		}
	}
}
