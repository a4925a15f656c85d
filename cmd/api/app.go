package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campaignflow/approval"
	"campaignflow/auth"
	"campaignflow/campaign"
	"campaignflow/config"
	"campaignflow/db"
	"campaignflow/engagement"
	"campaignflow/jobqueue"
	"campaignflow/metrics"
	"campaignflow/notify"
	"campaignflow/tools"
	"campaignflow/webhook"
	"campaignflow/worker"
)

// app holds the process-wide handles every command shares.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	notifier notify.Notifier
	closers  []func()
}

func bootstrap(ctx context.Context, configPath string, out io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, out)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		registry: registry,
		metrics:  metrics.New(registry),
		closers:  []func(){pool.Close},
	}

	if cfg.NATS.URL != "" {
		relay, err := notify.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.notifier = relay
		a.closers = append(a.closers, relay.Close)
		logger.Info("decision notifications relayed through nats", "url", cfg.NATS.URL)
	} else {
		a.notifier = notify.NewLocal()
	}

	return a, nil
}

// Close releases handles in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(level, format string, out io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: must be text or json", format)
	}
}

func (a *app) jobQueue() *jobqueue.Repository {
	return jobqueue.NewRepository(a.pool).
		WithMaxAttempts(a.cfg.Worker.MaxAttempts).
		WithStaleThreshold(a.cfg.Worker.StaleThreshold)
}

func (a *app) authService() *auth.Service {
	return auth.NewService(auth.NewRepository(a.pool), a.cfg.Auth.JWTSecret).
		WithTokenTTL(a.cfg.Auth.TokenTTL)
}

func (a *app) newWorker() *worker.Worker {
	cfg := a.cfg
	logger := a.logger.With("component", "worker")

	gate := approval.NewGate(approval.NewRepository(a.pool), a.notifier).
		WithAutoApprove(cfg.Worker.AutoApprove).
		WithPollInterval(cfg.Approval.PollInterval).
		WithRetry(cfg.Approval.MaxErrors, cfg.Approval.PollInterval, cfg.Approval.MaxBackoff).
		WithMetrics(a.metrics).
		WithLogger(logger)
	if cfg.Worker.AutoApprove {
		logger.Warn("auto approve enabled: every gate is granted without review")
	}

	offline := tools.NewOffline(engagement.NewRepository(a.pool)).WithLogger(logger)
	jobs := a.jobQueue()
	runner := worker.NewRunner(campaign.NewRepository(a.pool), jobs, gate, offline).
		WithReplyWait(a.notifier, cfg.Worker.ReplyWait).
		WithMetrics(a.metrics).
		WithLogger(logger)

	return worker.New(jobs, runner,
		worker.WithID(cfg.Worker.ID),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithErrorBackoff(cfg.Worker.ErrorBackoff),
		worker.WithMetrics(a.metrics),
		worker.WithLogger(logger),
	)
}

// newServer wires the HTTP handlers. interrupter may be nil when no worker
// runs in this process.
func (a *app) newServer(interrupter Interrupter) (*Server, error) {
	cfg := a.cfg
	logger := a.logger.With("component", "http")

	processor, err := webhook.NewProcessor(a.pool, webhook.Options{
		DeliverySecret: cfg.Webhook.DeliverySecret,
		InboundSecret:  cfg.Webhook.InboundSecret,
		PaymentSecret:  cfg.Webhook.PaymentSecret,
		Tolerance:      cfg.Webhook.Tolerance,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook processor: %w", err)
	}
	processor = processor.WithNotifier(a.notifier).WithMetrics(a.metrics).WithLogger(logger)
	for source, enabled := range processor.VerifiersEnabled() {
		if !enabled {
			logger.Warn("webhook signature verification disabled", "source", source)
		}
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required to serve the operator endpoints")
	}

	jobs := a.jobQueue()
	return &Server{
		webhooks:       processor,
		approvals:      approval.NewService(approval.NewRepository(a.pool), a.notifier).WithMetrics(a.metrics).WithLogger(logger),
		campaigns:      campaign.NewService(campaign.NewRepository(a.pool), jobs),
		jobs:           jobs,
		auth:           a.authService(),
		interrupter:    interrupter,
		health:         a.pool,
		metricsHandler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}),
		logger:         logger,
	}, nil
}
