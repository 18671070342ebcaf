package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/logging"
)

const serviceName = "courier-nsq-monitor"

// nsqStats is the subset of nsqd's /stats?format=json we read.
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// monitor polls nsqd and exports depth gauges for courier's topics.
type monitor struct {
	client *http.Client
	addr   string
	topics map[string]bool
	dlq    string
	logger *logging.Logger

	topicDepth      *prometheus.GaugeVec
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
	dlqBacklog      prometheus.Gauge
}

func newMonitor(cfg config.NSQ, reg prometheus.Registerer) *monitor {
	m := &monitor{
		client: &http.Client{Timeout: 5 * time.Second},
		addr:   cfg.NsqdHTTPAddr,
		topics: map[string]bool{},
		dlq:    cfg.DLQTopic,
		logger: logging.New(serviceName),

		topicDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "courier_nsq_topic_depth",
			Help: "Messages buffered on an NSQ topic before channel fan-out",
		}, []string{"topic"}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "courier_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "courier_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		dlqBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_dlq_backlog",
			Help: "Dead-letter events not yet consumed by any channel",
		}),
	}
	for _, t := range []string{cfg.OutcomesTopic, cfg.DLQTopic, cfg.TriggerTopic} {
		if t != "" {
			m.topics[t] = true
		}
	}
	reg.MustRegister(m.topicDepth, m.channelDepth, m.channelInflight, m.dlqBacklog)
	return m
}

// update fetches one stats snapshot. Topics courier does not publish to are ignored.
func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", m.addr), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	// channels come and go; drop series for ones that vanished
	m.channelDepth.Reset()
	m.channelInflight.Reset()

	var dlq int64
	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		m.topicDepth.WithLabelValues(topic.TopicName).Set(float64(topic.Depth))
		if topic.TopicName == m.dlq {
			dlq += topic.Depth
		}
		for _, ch := range topic.Channels {
			m.channelDepth.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
			if topic.TopicName == m.dlq {
				dlq += ch.Depth
			}
		}
	}
	m.dlqBacklog.Set(float64(dlq))
	return nil
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.update(ctx); err != nil && ctx.Err() == nil {
			m.logger.Plain().WithError(err).WithField("nsqd", m.addr).Warn("Error updating NSQ metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
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

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.NSQ, reg)
	go m.run(ctx, cfg.NSQ.MonitorInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: cfg.NSQ.MonitorPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":     srv.Addr,
			"nsqd":     cfg.NSQ.NsqdHTTPAddr,
			"interval": cfg.NSQ.MonitorInterval.String(),
		}).Info("NSQ monitor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("monitor server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
