package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type Redis struct {
	Addr      string // e.g. redis:6379, empty disables the shared limiter
	Password  string
	DB        int
	KeyPrefix string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, polled by nsq-monitor
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	OutcomesTopic  string // delivered records
	DLQTopic       string // abandoned records
	TriggerTopic   string // on-demand cycle requests
	TriggerChannel string // NSQ channel the scheduler consumes triggers on
	Enabled        bool

	MonitorInterval time.Duration
	MonitorPort     string
}

type Scheduler struct {
	Interval           time.Duration
	BatchSize          int
	Concurrency        int
	ClaimMargin        time.Duration // added to Sender.Timeout before an in_flight claim is stale
	DefaultMaxAttempts int
	BackoffBase        time.Duration
	BackoffMultiplier  float64
	BackoffMax         time.Duration
	BackoffSchedule    []time.Duration // overrides the exponential policy when set
	BacklogInterval    time.Duration
	HTTPPort           string // metrics + health
}

type Sender struct {
	Timeout         time.Duration
	WebhookSecret   string
	SignatureHeader string
	TimestampHeader string
	EmailAPIURL     string
	EmailAPIKey     string
	EmailFrom       string
	EmailFromName   string
	SMSAPIURL       string
	SMSAPIKey       string
	SMSSource       string
}

type Tracing struct {
	Enabled     bool
	Endpoint    string // host:port of the OTLP/HTTP collector
	SampleRatio float64
	Version     string
	InstanceID  string
}

// ChannelLimit is a token bucket: Rate tokens per second, up to Burst.
type ChannelLimit struct {
	Rate  float64
	Burst int
}

type RateLimit struct {
	Webhook ChannelLimit
	Email   ChannelLimit
	SMS     ChannelLimit
}

type FakeReceiver struct {
	FailFirstN           int    // Number of requests to fail with 500 initially
	PermanentStatus      int    // When set, every request fails with this status
	EndpointSecret       string // Secret for webhook signature verification
	SigningLeewaySeconds int    // Allowed timestamp skew in seconds
	ResponseDelayMS      int    // Simulated response delay in milliseconds
	Port                 string
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
}

type Config struct {
	AppName      string
	Env          string // "dev" switches logging to development output
	HTTPPort     string // API listen address
	StoreBackend string // "postgres" or "memory"
	DB           DB
	Redis        Redis
	NSQ          NSQ
	Scheduler    Scheduler
	Sender       Sender
	RateLimit    RateLimit
	Tracing      Tracing
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseBackoffSchedule reads a comma separated list of durations. Unparseable
// parts are skipped; an empty result means "use the exponential policy".
func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return nil
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}
	if len(durations) == 0 {
		return nil
	}
	return durations
}

func channelLimit(prefix string, rate float64, burst int) ChannelLimit {
	return ChannelLimit{
		Rate:  getenvFloat(prefix+"_RATE", rate),
		Burst: getenvInt(prefix+"_BURST", burst),
	}
}

func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "courier"),
		Env:          getenv("COURIER_ENV", "production"),
		HTTPPort:     getenv("HTTP_PORT", ":8080"),
		StoreBackend: strings.ToLower(getenv("STORE_BACKEND", "postgres")),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "courier"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		Redis: Redis{
			Addr:      getenv("REDIS_ADDR", ""),
			Password:  getenv("REDIS_PASSWORD", ""),
			DB:        getenvInt("REDIS_DB", 0),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "courier:ratelimit"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			OutcomesTopic:  getenv("NSQ_OUTCOMES_TOPIC", "delivery_outcomes"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			TriggerTopic:   getenv("NSQ_TRIGGER_TOPIC", "delivery_cycles"),
			TriggerChannel: getenv("NSQ_TRIGGER_CHANNEL", "scheduler"),
			Enabled:        getenvBool("NSQ_ENABLED", true),

			MonitorInterval: getenvDuration("NSQ_MONITOR_INTERVAL", 15*time.Second),
			MonitorPort:     ":" + getenv("NSQ_MONITOR_PORT", "8084"),
		},
		Tracing: Tracing{
			Enabled:     getenvBool("TRACING_ENABLED", true),
			Endpoint:    otlpEndpoint(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "tempo:4318")),
			SampleRatio: sampleRatio(getenvFloat("TRACE_SAMPLE_RATIO", 1)),
			Version:     getenv("SERVICE_VERSION", "dev"),
			InstanceID:  firstNonEmpty(os.Getenv("HOSTNAME"), os.Getenv("POD_NAME"), "unknown"),
		},
		Scheduler: Scheduler{
			Interval:           getenvDuration("CYCLE_INTERVAL", 30*time.Second),
			BatchSize:          getenvInt("CYCLE_BATCH_SIZE", 100),
			Concurrency:        getenvInt("CYCLE_CONCURRENCY", 8),
			ClaimMargin:        getenvDuration("CLAIM_MARGIN", 30*time.Second),
			DefaultMaxAttempts: getenvInt("MAX_ATTEMPTS", 3),
			BackoffBase:        getenvDuration("BACKOFF_BASE", 5*time.Minute),
			BackoffMultiplier:  getenvFloat("BACKOFF_MULTIPLIER", 3),
			BackoffMax:         getenvDuration("BACKOFF_MAX", 24*time.Hour),
			BackoffSchedule:    parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			BacklogInterval:    getenvDuration("BACKLOG_INTERVAL", 15*time.Second),
			HTTPPort:           ":" + getenv("SCHEDULER_HTTP_PORT", "8083"),
		},
		Sender: Sender{
			Timeout:         getenvDuration("SENDER_TIMEOUT", 30*time.Second),
			WebhookSecret:   getenv("WEBHOOK_SECRET", ""),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Courier-Signature"),
			TimestampHeader: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-Courier-Timestamp"),
			EmailAPIURL:     getenv("EMAIL_API_URL", "https://api.sendgrid.com/v3/mail/send"),
			EmailAPIKey:     getenv("EMAIL_API_KEY", ""),
			EmailFrom:       getenv("EMAIL_FROM", "no-reply@example.com"),
			EmailFromName:   getenv("EMAIL_FROM_NAME", "Courier"),
			SMSAPIURL:       getenv("SMS_API_URL", "http://fake-receiver:8081/sms"),
			SMSAPIKey:       getenv("SMS_API_KEY", ""),
			SMSSource:       getenv("SMS_SOURCE", ""),
		},
		RateLimit: RateLimit{
			Webhook: channelLimit("RATE_LIMIT_WEBHOOK", 0, 0),
			Email:   channelLimit("RATE_LIMIT_EMAIL", 1, 5),
			SMS:     channelLimit("RATE_LIMIT_SMS", 0.2, 3),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			PermanentStatus:      getenvInt("PERMANENT_STATUS", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Development reports whether the service runs with development defaults.
func (c Config) Development() bool {
	return strings.EqualFold(c.Env, "dev") || strings.EqualFold(c.Env, "development")
}

// otlpEndpoint strips the scheme; otlptracehttp.WithEndpoint wants host:port.
func otlpEndpoint(v string) string {
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimPrefix(v, "https://")
}

func sampleRatio(f float64) float64 {
	if f < 0 || f > 1 {
		return 1
	}
	return f
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
