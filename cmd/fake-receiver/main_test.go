package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/sender"
)

func TestVerifySignature(t *testing.T) {
	secret := "test-secret"
	body := []byte("test payload")
	now := time.Unix(1_700_000_000, 0)
	leeway := 5 * time.Minute
	ts := strconv.FormatInt(now.Unix(), 10)
	validSig := "sha256=" + sender.Sign(secret, body, ts)

	tests := []struct {
		name        string
		body        []byte
		timestamp   string
		signature   string
		expectValid bool
		expectedMsg string
	}{
		{"valid signature", body, ts, validSig, true, ""},
		{"signature without prefix", body, ts, strings.TrimPrefix(validSig, "sha256="), true, ""},
		{"missing timestamp", body, "", validSig, false, "missing headers"},
		{"missing signature", body, ts, "", false, "missing headers"},
		{"invalid timestamp", body, "yesterday", validSig, false, "invalid timestamp"},
		{"stale timestamp", body, strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10), validSig, false, "timestamp too far from now (outside leeway)"},
		{"future timestamp", body, strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10), validSig, false, "timestamp too far from now (outside leeway)"},
		{"tampered body", []byte("other payload"), ts, validSig, false, "sig mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := verifySignature(secret, tt.body, tt.timestamp, tt.signature, leeway, now)
			if ok != tt.expectValid {
				t.Errorf("verifySignature() valid = %v, want %v", ok, tt.expectValid)
			}
			if msg != tt.expectedMsg {
				t.Errorf("verifySignature() msg = %q, want %q", msg, tt.expectedMsg)
			}
		})
	}
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestFailFirstN(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{FailFirstN: 2}, "", "")
	h := rc.routes()

	want := []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK, http.StatusOK}
	for i, code := range want {
		if got := post(t, h, "/hook", `{"n":1}`, nil).Code; got != code {
			t.Errorf("request %d: status = %d, want %d", i+1, got, code)
		}
	}
}

func TestPermanentStatus(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{PermanentStatus: http.StatusUnprocessableEntity, FailFirstN: 5}, "", "")
	h := rc.routes()

	for _, path := range []string{"/hook", "/email", "/sms"} {
		if got := post(t, h, path, `{}`, nil).Code; got != http.StatusUnprocessableEntity {
			t.Errorf("%s: status = %d, want 422", path, got)
		}
	}
}

func TestSignedHook(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{EndpointSecret: "s3cret", SigningLeewaySeconds: 300}, "", "")
	fixed := time.Unix(1_700_000_000, 0)
	rc.now = func() time.Time { return fixed }
	h := rc.routes()

	body := `{"event":"ping"}`
	ts := strconv.FormatInt(fixed.Unix(), 10)

	rec := post(t, h, "/hook", body, map[string]string{
		sender.DefaultTimestampHeader: ts,
		sender.DefaultSignatureHeader: "sha256=" + sender.Sign("s3cret", []byte(body), ts),
	})
	if rec.Code != http.StatusOK {
		t.Errorf("signed request: status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}

	rec = post(t, h, "/hook", body, map[string]string{
		sender.DefaultTimestampHeader: ts,
		sender.DefaultSignatureHeader: "sha256=" + sender.Sign("wrong", []byte(body), ts),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: status = %d, want 401", rec.Code)
	}
}

func TestGatewayRequiresJSON(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{}, "", "")
	h := rc.routes()

	if got := post(t, h, "/sms", "not json", nil).Code; got != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/email", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /email status = %d, want 405", rec.Code)
	}
}

func TestStats(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{FailFirstN: 1}, "", "")
	h := rc.routes()
	post(t, h, "/hook", `{}`, nil)
	post(t, h, "/hook/orders", `{}`, nil)
	post(t, h, "/sms", `{"body":"hi"}`, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var stats struct {
		Requests int            `json:"requests"`
		Received map[string]int `json:"received"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Requests != 3 {
		t.Errorf("requests = %d, want 3", stats.Requests)
	}
	if stats.Received["/hook"] != 0 || stats.Received["/hook/orders"] != 1 || stats.Received["/sms"] != 1 {
		t.Errorf("received = %v", stats.Received)
	}
}

// The receiver must accept what the real webhook sender produces.
func TestWebhookSenderRoundTrip(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{EndpointSecret: "shared", SigningLeewaySeconds: 300, FailFirstN: 1}, "", "")
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	wh := sender.NewWebhook(2*time.Second, sender.WithSigning("shared", "", ""))
	r, err := delivery.NewRecord(delivery.ChannelWebhook, srv.URL+"/hook", []byte(`{"event":"order.created"}`), 3, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	out := wh.Attempt(context.Background(), r)
	if out.Kind != sender.KindRetryable || out.StatusCode != http.StatusInternalServerError {
		t.Fatalf("first attempt = %s/%d, want retryable/500", out.Kind, out.StatusCode)
	}
	out = wh.Attempt(context.Background(), r)
	if out.Kind != sender.KindSuccess {
		t.Fatalf("second attempt = %s (%s), want success", out.Kind, out.Message())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer", 4, "this..."},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
