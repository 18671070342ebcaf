package main

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/sender"
)

// receiver stands in for webhook endpoints, the email API and the SMS
// gateway so that retry and abandonment paths can be exercised end to end.
type receiver struct {
	cfg    config.FakeReceiver
	sigHdr string
	tsHdr  string
	now    func() time.Time
	logger *logging.Logger

	mu       sync.Mutex
	reqCount int
	received map[string]int // successful requests per path
}

func newReceiver(cfg config.FakeReceiver, sigHdr, tsHdr string) *receiver {
	if sigHdr == "" {
		sigHdr = sender.DefaultSignatureHeader
	}
	if tsHdr == "" {
		tsHdr = sender.DefaultTimestampHeader
	}
	return &receiver{
		cfg:      cfg,
		sigHdr:   sigHdr,
		tsHdr:    tsHdr,
		now:      time.Now,
		logger:   logging.New("courier-fake-receiver"),
		received: make(map[string]int),
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/stats", rc.handleStats)
	mux.HandleFunc("/hook", rc.handleHook)
	mux.HandleFunc("/hook/", rc.handleHook)
	mux.HandleFunc("/email", rc.handleGateway)
	mux.HandleFunc("/sms", rc.handleGateway)
	return mux
}

func main() {
	cfg := config.FromEnv()
	if err := logging.Init(cfg.Env); err != nil {
		logging.Plain().WithError(err).Warn("falling back to default logger")
	}
	defer logging.Sync()

	rc := newReceiver(cfg.FakeReceiver, cfg.Sender.SignatureHeader, cfg.Sender.TimestampHeader)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	rc.logger.Plain().WithFields(map[string]any{
		"addr":             srv.Addr,
		"fail_first_n":     cfg.FakeReceiver.FailFirstN,
		"permanent_status": cfg.FakeReceiver.PermanentStatus,
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		rc.logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if rc.cfg.EndpointSecret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		if ok, msg := verifySignature(rc.cfg.EndpointSecret, b, r.Header.Get(rc.tsHdr), r.Header.Get(rc.sigHdr), leeway, rc.now()); !ok {
			rc.logger.Plain().WithField("reason", msg).Warn("fake-receiver failed to verify signature")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}
	rc.respond(w, r, b)
}

// handleGateway plays the email API and the SMS gateway. Both only need a
// JSON body.
func (rc *receiver) handleGateway(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil || !json.Valid(b) {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}
	rc.respond(w, r, b)
}

func (rc *receiver) respond(w http.ResponseWriter, r *http.Request, body []byte) {
	if d := rc.cfg.ResponseDelayMS; d > 0 {
		select {
		case <-time.After(time.Duration(d) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	rc.mu.Lock()
	rc.reqCount++
	n := rc.reqCount
	rc.mu.Unlock()

	log := rc.logger.Plain().WithFields(map[string]any{
		"path":        r.URL.Path,
		"record_id":   r.Header.Get(sender.DeliveryIDHeader),
		"request_num": n,
		"body":        truncate(string(body), 160),
	})

	if code := rc.cfg.PermanentStatus; code > 0 {
		log.WithField("status", code).Info("fake-receiver rejecting permanently")
		http.Error(w, "rejected", code)
		return
	}
	// Simulate flakiness: first N requests -> 500
	if n <= rc.cfg.FailFirstN {
		log.WithField("fail_first_n", rc.cfg.FailFirstN).Info("fake-receiver failing")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	rc.mu.Lock()
	rc.received[r.URL.Path]++
	rc.mu.Unlock()

	log.Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	out := map[string]any{"requests": rc.reqCount, "received": copyCounts(rc.received)}
	rc.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func copyCounts(m map[string]int) map[string]int {
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration, now time.Time) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	// reject if timestamp is too old/new
	if abs64(now.Unix()-unix) > int64(leeway.Seconds()) {
		return false, "timestamp too far from now (outside leeway)"
	}
	got := strings.TrimPrefix(sigHeaderVal, "sha256=")
	want := sender.Sign(secret, body, ts)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return false, "sig mismatch"
	}
	return true, ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
