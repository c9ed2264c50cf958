package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signal_trader/internal/alert"
	"signal_trader/internal/audit"
	"signal_trader/internal/broker"
	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/engine"
	"signal_trader/internal/ledger"
	"signal_trader/internal/mock"
	"signal_trader/internal/order"
	"signal_trader/internal/reconcile"
	"signal_trader/internal/server"
	sig "signal_trader/internal/signal"
	"signal_trader/internal/store"
	"signal_trader/pkg/concurrency"
	"signal_trader/pkg/logging"
	"signal_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	paper := flag.Bool("paper", false, "use the in-memory paper broker instead of the configured one")
	flag.Parse()

	if err := run(*configPath, *paper); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, paper bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("signal_trader")
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()
	st, err := store.NewSQLiteStore(cfg.App.DatabasePath, cfg.App.StrategyName,
		decimal.NewFromFloat(cfg.Strategy.InitialCash), logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	alerter := alert.NewManager(logger)
	if url := cfg.Alerts.SlackWebhookURL.Value(); url != "" {
		alerter.AddChannel(alert.NewSlackChannel(url))
	}
	if token := cfg.Alerts.TelegramBotToken.Value(); token != "" {
		alerter.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}

	var brk core.IBroker
	if paper {
		logger.Info("Running against the paper broker")
		brk = mock.NewMockBroker()
	} else {
		rest := broker.NewRESTBroker(cfg.Broker, logger)
		rest.SetStreamReconnectDelay(time.Duration(cfg.Timing.WebsocketReconnectDelay) * time.Second)
		brk = rest
	}

	auditRec := audit.NewRecorder(st, logger, cfg.Strategy)
	led := ledger.New(st, alerter, auditRec, logger, cfg.App.StrategyName,
		decimal.NewFromFloat(cfg.Strategy.LedgerTolerance))
	intake := sig.NewIntake(st, auditRec, logger)

	limiter := rate.NewLimiter(rate.Limit(cfg.Broker.RatePerSecond), cfg.Broker.RateBurst)
	submitter := order.NewSubmitter(st, brk, auditRec, alerter, logger, limiter)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "reconcile",
		MaxWorkers:  cfg.Concurrency.ReconcileWorkers,
		MaxCapacity: cfg.Concurrency.ReconcileQueueSize,
	}, logger)
	defer pool.Stop()

	listener := reconcile.NewListener(st, brk, led, auditRec, alerter, logger, pool)
	listener.SetConflictRetries(cfg.Concurrency.ConflictMaxRetries)
	sweeper := reconcile.NewSweeper(st, brk, listener, submitter, logger,
		time.Duration(cfg.Timing.StuckOrderTimeoutSec)*time.Second,
		time.Duration(cfg.Timing.SweepIntervalSec)*time.Second)

	pipeline := engine.NewPipeline(st, brk, intake, submitter, auditRec, logger, cfg.Strategy)

	api := server.New(cfg.App.ListenAddr, pipeline, listener, brk, st, logger)
	var metricsSrv *server.MetricsServer
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = server.NewMetricsServer(cfg.Telemetry.MetricsPort, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := brk.CheckHealth(ctx); err != nil {
		logger.Warn("Broker health check failed at startup", "error", err)
	}

	// Settle anything that happened while we were down before accepting
	// new work.
	if err := sweeper.SweepOnce(ctx); err != nil {
		logger.Warn("Startup reconciliation sweep failed", "error", err)
	}
	if err := led.CheckInvariant(ctx); err != nil {
		logger.Warn("Ledger invariant check at startup", "error", err)
	}

	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker event stream: %w", err)
	}
	defer brk.StopEventStream()

	api.Start()
	if metricsSrv != nil {
		metricsSrv.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		pipeline.RunSignalSweep(gctx,
			time.Duration(cfg.Timing.SignalTTLSec)*time.Second,
			time.Duration(cfg.Timing.SignalSweepIntervalSec)*time.Second)
		return nil
	})

	logger.Info("Trader started",
		"strategy", cfg.App.StrategyName, "broker", brk.GetName(),
		"listen_addr", cfg.App.ListenAddr)

	<-gctx.Done()
	logger.Info("Shutting down")

	grace := time.Duration(cfg.Timing.ShutdownGraceSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := api.Stop(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
