// Command txrecoverd runs the transaction recovery service: HTTP API,
// event consumers, outbox relay, and the background schedulers, all in one
// process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/exquy/txrecover/admin"
	"github.com/exquy/txrecover/alert"
	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/events"
	"github.com/exquy/txrecover/httpapi"
	"github.com/exquy/txrecover/metrics"
	"github.com/exquy/txrecover/monitor"
	"github.com/exquy/txrecover/scheduler"
	"github.com/exquy/txrecover/store"
	"github.com/exquy/txrecover/telemetry"
	"github.com/exquy/txrecover/transaction"
	"github.com/exquy/txrecover/webhook"
)

const (
	transactionGroup = "txrecover-transactions"
	webhookGroup     = "txrecover-deliveries"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "txrecoverd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var opts []core.Option
	if configPath != "" {
		opts = append(opts, core.WithConfigFile(configPath))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := core.NewZapLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn("Telemetry shutdown failed", map[string]interface{}{"error": err})
		}
	}()

	clock := core.SystemClock{}
	ids := core.NewIDGenerator(clock)
	m := metrics.New()

	db, err := store.OpenPostgres(ctx, cfg.Database, clock, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	bus, err := events.Connect(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	var channels []alert.Channel
	if cfg.Alert.Enabled && cfg.Alert.SMTPHost != "" {
		channels = append(channels, alert.NewSMTPChannel(
			cfg.Alert.SMTPHost, cfg.Alert.SMTPPort, cfg.Alert.From,
			cfg.Alert.Recipients, "", ""))
	}
	alerts := alert.NewDispatcher(channels, logger, clock, m, cfg.Alert.QueueSize)
	defer alerts.Close()

	state := transaction.NewStateManager(cfg.Transaction, clock, logger)
	resolver := transaction.NewIdempotencyResolver(cfg.Idempotency, logger)
	txnService := transaction.NewService(db, state, resolver, ids, clock, logger,
		cfg.Transaction, cfg.Redis.TransactionTopic)
	consumer := transaction.NewConsumer(txnService, nil, logger)

	security, err := webhook.NewSecurityService(cfg.Webhook.SignatureAlgorithm)
	if err != nil {
		return err
	}
	registry := webhook.NewRegistry(db.Subscriptions(), security, ids, clock, logger,
		cfg.Webhook.MaxRetries)
	client := webhook.NewClient(cfg.Webhook, logger)
	engine := webhook.NewEngine(db, registry, security, client, bus, ids, clock,
		logger, m, cfg.Webhook, cfg.Redis.WebhookTopic,
		cfg.Pools.WebhookWorkers, cfg.Pools.WebhookQueue)
	defer engine.Close()

	detector := monitor.NewDetector(db, clock, logger, cfg.Anomaly)
	mon := monitor.New(txnService, state, detector, db, bus, alerts, m, ids, clock,
		logger, cfg.Transaction, cfg.Anomaly, cfg.Redis.TransactionTopic)

	relay := events.NewRelay(db.Outbox(), bus, clock, logger, 0)

	sched := scheduler.New(engine, mon, alerts, m, clock, logger, cfg.Scheduler,
		cfg.Transaction.MonitorInterval, 100)
	adminSvc := admin.NewService(txnService, engine, mon, detector, sched, db, logger)

	server := httpapi.NewServer(txnService, registry, engine, adminSvc, m, clock,
		logger, cfg.HTTP, map[string]httpapi.HealthCheck{
			"database": db.Ping,
			"redis":    bus.Ping,
		})

	// Transaction events drive both the processor and webhook fan-out.
	// Fan-out failures must not block processing, so it reports its own
	// errors and the handler acks on consumer success alone.
	txnHandler := func(ctx context.Context, msg *core.EventMessage) error {
		if err := engine.FanOut(ctx, msg); err != nil {
			logger.Error("Webhook fan-out failed", map[string]interface{}{
				"event_id":   msg.EventID.String(),
				"event_type": string(msg.EventType),
				"error":      err,
			})
		}
		return consumer.Handle(ctx, msg)
	}
	if err := bus.Subscribe(ctx, cfg.Redis.TransactionTopic, transactionGroup, txnHandler); err != nil {
		return fmt.Errorf("subscribe to transaction events: %w", err)
	}
	if err := bus.Subscribe(ctx, cfg.Redis.WebhookTopic, webhookGroup, engine.HandleDeliveryEvent); err != nil {
		return fmt.Errorf("subscribe to webhook events: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Port)
	}()

	logger.Info("Service started", map[string]interface{}{
		"name": cfg.Name,
		"port": cfg.Port,
	})

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", nil)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err})
	}
	sched.Stop()
	stop()
	wg.Wait()

	logger.Info("Service stopped", nil)
	return nil
}
