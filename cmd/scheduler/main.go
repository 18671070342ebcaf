package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/courier/internal/app"
	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/scheduler"
	"github.com/austindbirch/courier/internal/tracing"
)

const serviceName = "courier-scheduler"

// triggerMessage asks for one cycle outside the regular interval. An empty
// body is a valid trigger.
type triggerMessage struct {
	BatchSize    int               `json:"batch_size,omitempty"`
	RequestedBy  string            `json:"requested_by,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

type cycleRunner interface {
	RunCycle(ctx context.Context, batchSize int) (scheduler.Summary, error)
}

// triggerHandler runs a cycle per trigger message. Malformed messages are
// dropped; a failed cycle is requeued by NSQ.
func triggerHandler(ctx context.Context, runner cycleRunner, logger *logging.Logger) nsq.HandlerFunc {
	return func(m *nsq.Message) error {
		var t triggerMessage
		if len(m.Body) > 0 {
			if err := json.Unmarshal(m.Body, &t); err != nil {
				logger.Plain().WithError(err).Error("bad cycle trigger payload")
				return nil
			}
		}
		if t.BatchSize < 0 {
			logger.Plain().WithField("batch_size", t.BatchSize).Error("cycle trigger with negative batch size")
			return nil
		}

		tctx := tracing.ExtractHeaders(ctx, t.TraceHeaders)
		sum, err := runner.RunCycle(tctx, t.BatchSize)
		log := logger.WithContext(tctx).WithFields(map[string]any{
			"requested_by": t.RequestedBy,
			"attempts":     m.Attempts,
		})
		if err != nil {
			log.WithError(err).Error("triggered cycle failed")
			return err
		}
		log.WithField("processed", sum.Processed).Info("triggered cycle finished")
		return nil
	}
}

func main() {
	cfg := config.FromEnv()
	if err := logging.Init(cfg.Env); err != nil {
		logging.Plain().WithError(err).Warn("falling back to default logger")
	}
	defer logging.Sync()
	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, serviceName, cfg.Tracing)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	a, err := app.New(ctx, cfg, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to build scheduler")
	}
	defer a.Close()

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.Handle("/healthz", a.HealthHandler())
	mux.Handle("/metrics", a.MetricsHandler())
	httpSrv := &http.Server{Addr: cfg.Scheduler.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("scheduler HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("scheduler HTTP server failed")
		}
	}()

	go a.Scheduler.MonitorBacklog(ctx, cfg.Scheduler.BacklogInterval)

	var consumer *nsq.Consumer
	if cfg.NSQ.Enabled && cfg.NSQ.TriggerTopic != "" {
		conf := nsq.NewConfig()
		conf.MaxInFlight = 1 // one triggered cycle at a time
		consumer, err = nsq.NewConsumer(cfg.NSQ.TriggerTopic, cfg.NSQ.TriggerChannel, conf)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		consumer.AddHandler(triggerHandler(ctx, a.Scheduler, logger))

		// Connecting directly to nsqd creates the channel up front
		if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to nsqd failed")
		}
		if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to lookupd failed")
		}
	}

	logger.Plain().WithFields(map[string]any{
		"store":       cfg.StoreBackend,
		"batch_size":  a.Scheduler.Config().BatchSize,
		"concurrency": a.Scheduler.Config().Concurrency,
	}).Info("scheduler service started")

	// Run returns once ctx is canceled by a signal
	_ = a.Scheduler.Run(ctx)

	logger.Plain().Info("Shutting down scheduler service")
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("scheduler service stopped")
}
