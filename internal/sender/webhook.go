package sender

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/tracing"
)

const (
	DefaultSignatureHeader = "X-Courier-Signature" // sha256=<hex>
	DefaultTimestampHeader = "X-Courier-Timestamp"
	DeliveryIDHeader       = "X-Courier-Delivery"
	AttemptHeader          = "X-Courier-Attempt"
)

// Sign computes the hex HMAC-SHA256 of body||timestamp.
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// Webhook POSTs the record payload to the target URL.
type Webhook struct {
	client    *http.Client
	secret    string
	sigHeader string
	tsHeader  string
	now       func() time.Time
}

type WebhookOption func(*Webhook)

// WithSigning signs each request when secret is non-empty.
func WithSigning(secret, sigHeader, tsHeader string) WebhookOption {
	return func(w *Webhook) {
		w.secret = secret
		if sigHeader != "" {
			w.sigHeader = sigHeader
		}
		if tsHeader != "" {
			w.tsHeader = tsHeader
		}
	}
}

func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(w *Webhook) { w.now = now }
}

func NewWebhook(timeout time.Duration, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		client:    newHTTPClient(timeout),
		sigHeader: DefaultSignatureHeader,
		tsHeader:  DefaultTimestampHeader,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) Attempt(ctx context.Context, r *delivery.Record) Outcome {
	u, err := parseWebhookURL(r.Target)
	if err != nil {
		return Permanent("invalid_target", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(r.Payload))
	if err != nil {
		return Permanent("invalid_request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryIDHeader, r.ID)
	req.Header.Set(AttemptHeader, strconv.Itoa(r.AttemptCount+1))
	if w.secret != "" {
		ts := strconv.FormatInt(w.now().Unix(), 10)
		req.Header.Set(w.tsHeader, ts)
		req.Header.Set(w.sigHeader, "sha256="+Sign(w.secret, r.Payload, ts))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	return do(w.client, req)
}

func parseWebhookURL(target string) (*url.URL, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, fmt.Errorf("malformed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	return u, nil
}
