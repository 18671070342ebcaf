package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Status struct {
	OK         bool            `json:"ok"`
	Message    string          `json:"message,omitempty"`
	Components map[string]bool `json:"components,omitempty"`
}

// Check is one dependency pinged on every health request.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Postgres pings a pgx pool. A nil pool yields no check.
func Postgres(pool *pgxpool.Pool) []Check {
	if pool == nil {
		return nil
	}
	return []Check{{Name: "database", Ping: pool.Ping}}
}

// Redis pings a redis client. A nil client yields no check.
func Redis(client redis.UniversalClient) []Check {
	if client == nil {
		return nil
	}
	return []Check{{Name: "redis", Ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}}
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Components: make(map[string]bool, len(checks))}

		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			err := c.Ping(ctx)
			cancel()
			st.Components[c.Name] = err == nil
			if err != nil {
				st.OK = false
				st.Message = c.Name + " ping failed"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
