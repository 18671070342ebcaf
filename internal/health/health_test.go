package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func pingOK(context.Context) error { return nil }

func pingFail(context.Context) error { return errors.New("connection refused") }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name           string
		checks         []Check
		wantCode       int
		wantOK         bool
		wantMessage    string
		wantComponents map[string]bool
	}{
		{
			name:           "no dependencies",
			wantCode:       http.StatusOK,
			wantOK:         true,
			wantMessage:    "ok",
			wantComponents: map[string]bool{},
		},
		{
			name:           "all healthy",
			checks:         []Check{{"database", pingOK}, {"redis", pingOK}},
			wantCode:       http.StatusOK,
			wantOK:         true,
			wantMessage:    "ok",
			wantComponents: map[string]bool{"database": true, "redis": true},
		},
		{
			name:           "database down",
			checks:         []Check{{"database", pingFail}, {"redis", pingOK}},
			wantCode:       http.StatusServiceUnavailable,
			wantOK:         false,
			wantMessage:    "database ping failed",
			wantComponents: map[string]bool{"database": false, "redis": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			w := httptest.NewRecorder()

			HTTPHandler(tt.checks...)(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.wantCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want application/json", ct)
			}

			var st Status
			if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if st.OK != tt.wantOK || st.Message != tt.wantMessage {
				t.Errorf("HTTPHandler() = %+v, want ok=%v message=%q", st, tt.wantOK, tt.wantMessage)
			}
			for name, want := range tt.wantComponents {
				if st.Components[name] != want {
					t.Errorf("component %s = %v, want %v", name, st.Components[name], want)
				}
			}
		})
	}
}

func TestHTTPHandler_PingTimeout(t *testing.T) {
	slow := Check{Name: "database", Ping: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	start := time.Now()
	HTTPHandler(slow)(w, req)

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("HTTPHandler() took %v, want bounded by ping timeout", elapsed)
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("HTTPHandler() status code = %d, want 503", w.Code)
	}
}

func TestNilDependencies(t *testing.T) {
	if got := Postgres(nil); got != nil {
		t.Errorf("Postgres(nil) = %v, want nil", got)
	}
	if got := Redis(nil); got != nil {
		t.Errorf("Redis(nil) = %v, want nil", got)
	}
}

func TestRedisCheckUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	checks := Redis(client)
	if len(checks) != 1 || checks[0].Name != "redis" {
		t.Fatalf("Redis() = %v", checks)
	}
	if err := checks[0].Ping(context.Background()); err == nil {
		t.Error("Ping() to unreachable redis returned nil error")
	}
}
