// Package app assembles courier's components from configuration. The
// scheduler and API binaries share it so both see the same store, limiter
// and notifier wiring.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/courier/internal/backoff"
	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/db"
	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/health"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
	"github.com/austindbirch/courier/internal/notify"
	"github.com/austindbirch/courier/internal/queue"
	"github.com/austindbirch/courier/internal/ratelimit"
	"github.com/austindbirch/courier/internal/scheduler"
	"github.com/austindbirch/courier/internal/sender"
	"github.com/austindbirch/courier/internal/store/memory"
	"github.com/austindbirch/courier/internal/store/postgres"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type App struct {
	Config    config.Config
	Store     delivery.Store
	Audit     delivery.AuditLog
	Queue     *queue.Service
	Scheduler *scheduler.Scheduler
	Registry  *prometheus.Registry

	pool     *pgxpool.Pool
	redis    redis.UniversalClient
	producer *nsq.Producer
	logger   *logging.Logger
}

// New connects the backing services named by cfg and builds the scheduler
// and queue service on top of them. Close releases what New opened, also
// when New fails part way.
func New(ctx context.Context, cfg config.Config, service string) (a *App, err error) {
	a = &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		logger:   logging.New(service),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()
	metrics.MustRegister(a.Registry)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	policy, err := NewBackoff(cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	limiter := a.openLimiter()

	notifier, err := a.openNotifier()
	if err != nil {
		return nil, err
	}

	router := NewRouter(cfg.Sender)
	a.Scheduler = scheduler.New(a.Store, a.Audit, router, policy,
		scheduler.Config{
			BatchSize:     cfg.Scheduler.BatchSize,
			Concurrency:   cfg.Scheduler.Concurrency,
			SenderTimeout: router.Timeout(),
			ClaimMargin:   cfg.Scheduler.ClaimMargin,
			Interval:      cfg.Scheduler.Interval,
		},
		scheduler.WithLimiter(limiter),
		scheduler.WithNotifier(notifier),
		scheduler.WithLogger(a.logger),
	)
	a.Queue = queue.NewService(a.Store, a.Audit,
		queue.WithDefaultMaxAttempts(cfg.Scheduler.DefaultMaxAttempts),
		queue.WithLogger(a.logger),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.StoreBackend {
	case BackendMemory:
		mem := memory.New()
		a.Store, a.Audit = mem, mem
		a.logger.Plain().Warn("using in-memory store, records are lost on restart")
		return nil
	case BackendPostgres, "":
		pool, err := db.Connect(ctx, a.Config.DSN(), a.Config.DB.MaxConns)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		pg := postgres.New(pool)
		a.Store, a.Audit = pg, pg
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", a.Config.StoreBackend)
	}
}

// openLimiter shares buckets through redis when an address is configured
// and keeps them in process otherwise.
func (a *App) openLimiter() ratelimit.Limiter {
	rules := RateLimitRules(a.Config.RateLimit)
	if a.Config.Redis.Addr == "" {
		return ratelimit.NewLocal(rules)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	a.redis = client
	a.logger.Plain().WithField("addr", a.Config.Redis.Addr).Info("using redis rate limiter")
	return ratelimit.NewRedis(client, rules,
		ratelimit.WithKeyPrefix(a.Config.Redis.KeyPrefix),
		ratelimit.WithLogger(a.logger),
	)
}

func (a *App) openNotifier() (scheduler.Notifier, error) {
	if !a.Config.NSQ.Enabled {
		return notify.Noop{}, nil
	}
	producer, err := nsq.NewProducer(a.Config.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	a.producer = producer
	return notify.NewNSQ(producer, a.Config.NSQ.OutcomesTopic, a.Config.NSQ.DLQTopic,
		notify.WithLogger(a.logger)), nil
}

// NewBackoff returns the fixed schedule when one is configured and the
// exponential policy otherwise.
func NewBackoff(cfg config.Scheduler) (backoff.Policy, error) {
	if len(cfg.BackoffSchedule) > 0 {
		s, err := backoff.NewSchedule(cfg.BackoffSchedule)
		if err != nil {
			return nil, fmt.Errorf("backoff schedule: %w", err)
		}
		return s, nil
	}
	e, err := backoff.NewExponential(cfg.BackoffBase, cfg.BackoffMultiplier, cfg.BackoffMax)
	if err != nil {
		return nil, fmt.Errorf("backoff: %w", err)
	}
	return e, nil
}

// NewRouter registers a sender for every channel.
func NewRouter(cfg config.Sender) *sender.Router {
	return sender.NewRouter(cfg.Timeout).
		Register(delivery.ChannelWebhook, sender.NewWebhook(cfg.Timeout,
			sender.WithSigning(cfg.WebhookSecret, cfg.SignatureHeader, cfg.TimestampHeader))).
		Register(delivery.ChannelEmail, sender.NewEmail(cfg.Timeout,
			cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom, cfg.EmailFromName)).
		Register(delivery.ChannelSMS, sender.NewSMS(cfg.Timeout,
			cfg.SMSAPIURL, cfg.SMSAPIKey, cfg.SMSSource))
}

func RateLimitRules(cfg config.RateLimit) ratelimit.Rules {
	return ratelimit.Rules{
		delivery.ChannelWebhook: {Rate: cfg.Webhook.Rate, Burst: cfg.Webhook.Burst},
		delivery.ChannelEmail:   {Rate: cfg.Email.Rate, Burst: cfg.Email.Burst},
		delivery.ChannelSMS:     {Rate: cfg.SMS.Rate, Burst: cfg.SMS.Burst},
	}
}

// Producer is nil when NSQ is disabled.
func (a *App) Producer() *nsq.Producer {
	return a.producer
}

// HealthHandler pings every backing service the app opened.
func (a *App) HealthHandler() http.Handler {
	checks := health.Postgres(a.pool)
	checks = append(checks, health.Redis(a.redis)...)
	return health.HTTPHandler(checks...)
}

func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

func (a *App) Close() {
	if a.producer != nil {
		a.producer.Stop()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Plain().WithError(err).Warn("close redis client")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
