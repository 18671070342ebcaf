// Package api serves the courier HTTP API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/queue"
	"github.com/austindbirch/courier/internal/scheduler"
)

const (
	apiBasePath        = "/v1"
	deliveriesBasePath = "/deliveries"
	auditBasePath      = "/audit"
	abandonedBasePath  = "/abandoned"
	cyclesBasePath     = "/cycles"
	reconcileBasePath  = "/reconcile"
	versionPath        = "/version"

	auditSubPath = "/audit"
	retrySubPath = "/retry"

	paramID = "id"

	requestTimeout = 30 * time.Second
)

// CycleRunner triggers scheduler work on demand.
type CycleRunner interface {
	RunCycle(ctx context.Context, batchSize int) (scheduler.Summary, error)
	Reconcile(ctx context.Context) (int64, error)
}

type Server struct {
	queue  *queue.Service
	cycles CycleRunner
	logger *logging.Logger
	build  BuildInfo
}

func NewServer(q *queue.Service, cycles CycleRunner) *Server {
	return &Server{
		queue:  q,
		cycles: cycles,
		logger: logging.New("courier-api"),
		build:  readBuildInfo(),
	}
}

// WithBuildInfo overrides the fields of info that are set.
func (s *Server) WithBuildInfo(info BuildInfo) *Server {
	if info.Version != "" {
		s.build.Version = info.Version
	}
	if info.Store != "" {
		s.build.Store = info.Store
	}
	return s
}

// Routes builds the router. health and metrics may be nil.
func (s *Server) Routes(health, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route(apiBasePath, func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			s.configureDeliveryRoutes(r)
			r.Get(auditBasePath, s.handle(s.handleListAuditRange))
			r.Get(abandonedBasePath, s.handle(s.handleListAbandoned))
		})

		// a cycle can take as long as the slowest sender, so no request timeout
		r.Post(cyclesBasePath, s.handle(s.handleRunCycle))
		r.Post(reconcileBasePath, s.handle(s.handleReconcile))
		r.Get(versionPath, s.handle(s.handleVersion))
	})

	if health != nil {
		r.Method(http.MethodGet, "/healthz", health)
	}
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

func (s *Server) configureDeliveryRoutes(r chi.Router) {
	r.Route(deliveriesBasePath, func(r chi.Router) {
		r.Post("/", s.handle(s.handleEnqueue))
		r.Route("/{"+paramID+"}", func(r chi.Router) {
			r.Get("/", s.handle(s.handleGetStatus))
			r.Get(auditSubPath, s.handle(s.handleListAudit)) // GET /v1/deliveries/{id}/audit
			r.Post(retrySubPath, s.handle(s.handleRetry))    // POST /v1/deliveries/{id}/retry
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				return
			}
			s.logger.WithContext(r.Context()).WithFields(map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Info("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}
