package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"tradeengine/config"
	"tradeengine/internal/aggregator"
	"tradeengine/internal/api"
	"tradeengine/internal/datastore"
	"tradeengine/internal/dispatcher"
	"tradeengine/internal/engine"
	"tradeengine/internal/events"
	"tradeengine/internal/exchange"
	"tradeengine/internal/ledger"
	"tradeengine/internal/leverage"
	"tradeengine/internal/lock"
	"tradeengine/internal/logging"
	"tradeengine/internal/metrics"
	"tradeengine/internal/oco"
	"tradeengine/internal/orders"
	"tradeengine/internal/risk"
	"tradeengine/internal/stream"
	"tradeengine/internal/tradingconfig"
	"tradeengine/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
		Pretty: cfg.Logging.Pretty,
	})
	logger.Info().Bool("simulate", cfg.Exchange.Simulate).Msg("starting trade engine")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Exchange credentials: Vault when enabled, config/env otherwise.
	apiKey, secretKey, testnet := cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.Testnet
	if cfg.Vault.Enabled {
		vc, err := vault.NewClient(vault.Config{
			Enabled:    true,
			Address:    cfg.Vault.Address,
			Token:      cfg.Vault.Token,
			MountPath:  cfg.Vault.MountPath,
			SecretPath: cfg.Vault.SecretPath,
			TLSEnabled: cfg.Vault.TLSEnabled,
			CACert:     cfg.Vault.CACert,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("vault client init failed")
		}
		creds, err := vc.Credentials(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("vault credential fetch failed")
		}
		apiKey, secretKey, testnet = creds.APIKey, creds.SecretKey, creds.Testnet
		logger.Info().Msg("exchange credentials loaded from vault")
	}

	var client exchange.Client
	if cfg.Exchange.Simulate {
		client = exchange.NewSimulator(cfg.Exchange.SimBalance, nil)
		logger.Warn().Float64("balance", cfg.Exchange.SimBalance).Msg("running against simulated exchange")
	} else {
		if apiKey == "" || secretKey == "" {
			logger.Fatal().Msg("exchange credentials missing; set BINANCE_API_KEY/BINANCE_SECRET_KEY, config.json, or vault")
		}
		client = exchange.NewBinanceClient(exchange.BinanceConfig{
			APIKey:    apiKey,
			SecretKey: secretKey,
			Testnet:   testnet,
			BaseURL:   cfg.Exchange.BaseURL,
			Timeout:   time.Duration(cfg.Exchange.TimeoutSec) * time.Second,
		}, logger)
	}
	if !cfg.Exchange.DisableBreaker {
		client = exchange.NewBreakerClient(client, exchange.DefaultBreakerSettings(), logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exchangeLabel := "binance"
	if cfg.Exchange.Simulate {
		exchangeLabel = "sim"
	}
	m := metrics.New(registry, exchangeLabel)

	// Storage: Postgres when configured, in-memory otherwise. The
	// memory store loses positions and runtime configs on restart.
	var store datastore.Store
	if cfg.Database.Enabled {
		pg, err := datastore.NewPostgres(ctx, datastore.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connect failed")
		}
		store = pg
	} else {
		logger.Warn().Msg("database disabled, using in-memory store")
		store = datastore.NewMemory()
	}

	var locker lock.Locker
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("address", cfg.Redis.Address).Msg("redis connect failed")
		}
		locker = lock.NewRedisLocker(rdb, logger, lock.Options{
			TTL:     time.Duration(cfg.Redis.LockTTLSec) * time.Second,
			MaxWait: time.Duration(cfg.Redis.LockMaxWaitSec) * time.Second,
		})
	} else {
		logger.Warn().Msg("redis disabled, using in-process lock")
		locker = lock.NewLocal()
	}

	bus := events.NewBus()
	resolver := tradingconfig.NewResolver(store, logger, time.Duration(cfg.ConfigStore.CacheTTLSec)*time.Second)
	lev := leverage.NewManager(client, store, logger)
	led := ledger.New(store, m, bus, logger)
	agg := aggregator.New(aggregator.Config{
		MaxSignalAge:    time.Duration(cfg.Aggregator.MaxSignalAgeSec) * time.Second,
		Policy:          aggregator.ResolutionPolicy(cfg.Aggregator.Policy),
		StrategyWeights: cfg.Aggregator.StrategyWeights,
		Retention:       time.Duration(cfg.Aggregator.RetentionSec) * time.Second,
		SweepInterval:   time.Duration(cfg.Aggregator.SweepIntervalSec) * time.Second,
	}, logger)
	guard := risk.New(risk.Limits{
		MaxPositionPct:       cfg.Risk.MaxPositionPct,
		MaxDailyLossPct:      cfg.Risk.MaxDailyLossPct,
		MaxPortfolioExposure: cfg.Risk.MaxPortfolioExposure,
	}, led, m, logger)
	if cfg.Risk.InitialPortfolioValue > 0 {
		guard.UpdatePortfolioValue(cfg.Risk.InitialPortfolioValue)
	}
	ocoMgr := oco.New(oco.Config{
		ScanInterval: time.Duration(cfg.OCO.ScanIntervalMs) * time.Millisecond,
		ErrorBackoff: time.Duration(cfg.OCO.ErrorBackoffSec) * time.Second,
		MissingScans: cfg.OCO.MissingScans,
		EventBuffer:  cfg.OCO.EventBuffer,
	}, client, logger)

	disp := dispatcher.New(dispatcher.Config{
		DuplicateTTL:         time.Duration(cfg.Dispatcher.DuplicateTTLSec) * time.Second,
		CleanupInterval:      time.Duration(cfg.Dispatcher.CleanupIntervalSec) * time.Second,
		AccumulationCooldown: time.Duration(cfg.Dispatcher.AccumulationCooldownSec) * time.Second,
		Simulate:             cfg.Exchange.Simulate,
	}, dispatcher.Deps{
		Aggregator: agg,
		Resolver:   resolver,
		Risk:       guard,
		Leverage:   lev,
		Ledger:     led,
		OCO:        ocoMgr,
		Exchange:   client,
		Locker:     locker,
		Metrics:    m,
		Bus:        bus,
	}, logger)

	// The order manager resubmits fired conditionals through the
	// dispatcher, so it is built after and wired back in engine.New.
	ordMgr := orders.New(orders.Config{
		PriceInterval:      time.Duration(cfg.Orders.PriceIntervalSec) * time.Second,
		ConditionalTimeout: time.Duration(cfg.Orders.ConditionalTimeoutSec) * time.Second,
		PriceCacheTTL:      time.Duration(cfg.Orders.PriceCacheTTLSec) * time.Second,
		HistoryLimit:       cfg.Orders.HistoryLimit,
	}, client, disp, logger)

	consumer := stream.New(stream.Config{
		Enabled: cfg.Stream.Enabled && !cfg.Exchange.Simulate,
		Testnet: testnet,
		APIKey:  apiKey,
	}, logger)

	server := api.NewServer(api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ReadTimeoutSec:  cfg.Server.ReadTimeoutSec,
		WriteTimeoutSec: cfg.Server.WriteTimeoutSec,
	}, api.Deps{
		Dispatcher: disp,
		Ledger:     led,
		OCO:        ocoMgr,
		Orders:     ordMgr,
		Resolver:   resolver,
		Risk:       guard,
		Leverage:   lev,
		Exchange:   client,
		Store:      store,
		Metrics:    m,
	}, logger)

	eng := engine.New(engine.Config{
		Symbols:           cfg.Engine.Symbols,
		TelemetryInterval: time.Duration(cfg.Engine.TelemetryIntervalSec) * time.Second,
		ShutdownTimeout:   time.Duration(cfg.Engine.ShutdownTimeoutSec) * time.Second,
	}, engine.Deps{
		Resolver:   resolver,
		Leverage:   lev,
		Ledger:     led,
		Aggregator: agg,
		Risk:       guard,
		Dispatcher: disp,
		OCO:        ocoMgr,
		Orders:     ordMgr,
		Stream:     consumer,
		API:        server,
		Exchange:   client,
		Store:      store,
		Metrics:    m,
	}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		stop()
	}()

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("engine exited with error")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Info().Msg("trade engine stopped")
}
