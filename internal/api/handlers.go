package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/courier/internal/delivery"
)

type enqueueRequest struct {
	Channel     string          `json:"channel"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
}

// recordView is a record as the API shows it. JSON payloads are echoed as
// JSON rather than base64.
type recordView struct {
	ID             string          `json:"id"`
	Channel        string          `json:"channel"`
	Target         string          `json:"target"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NextEligibleAt time.Time       `json:"next_eligible_at"`
	LastError      string          `json:"last_error,omitempty"`
	ReplayOf       string          `json:"replay_of,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func viewOf(r *delivery.Record) recordView {
	v := recordView{
		ID:             r.ID,
		Channel:        string(r.Channel),
		Target:         r.Target,
		Status:         string(r.Status),
		AttemptCount:   r.AttemptCount,
		MaxAttempts:    r.MaxAttempts,
		NextEligibleAt: r.NextEligibleAt,
		LastError:      r.LastError,
		ReplayOf:       r.ReplayOf,
		CompletedAt:    r.CompletedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Payload) > 0 && json.Valid(r.Payload) {
		v.Payload = json.RawMessage(r.Payload)
	}
	return v
}

// POST /v1/deliveries
// max_attempts may be omitted to use the service default.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) error {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return errBadRequestWrap("invalid request payload", err)
	}
	ch, err := delivery.ParseChannel(req.Channel)
	if err != nil {
		return err
	}

	rec, err := s.queue.Enqueue(r.Context(), ch, req.Target, []byte(req.Payload), req.MaxAttempts)
	if err != nil {
		return err
	}
	RespondWithJSON(w, http.StatusCreated, viewOf(rec))
	return nil
}

// GET /v1/deliveries/{id}
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) error {
	rec, err := s.queue.GetStatus(r.Context(), chi.URLParam(r, paramID))
	if err != nil {
		return err
	}
	RespondWithJSON(w, http.StatusOK, viewOf(rec))
	return nil
}

// GET /v1/deliveries/{id}/audit
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) error {
	entries, err := s.queue.ListAudit(r.Context(), chi.URLParam(r, paramID))
	if err != nil {
		return err
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
	return nil
}

// POST /v1/deliveries/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) error {
	rec, err := s.queue.Retry(r.Context(), chi.URLParam(r, paramID))
	if err != nil {
		return err
	}
	RespondWithJSON(w, http.StatusCreated, viewOf(rec))
	return nil
}

// GET /v1/audit?from=RFC3339&to=RFC3339&limit=N
// to defaults to now and from to 24h before to.
func (s *Server) handleListAuditRange(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errBadRequestWrap("to must be an RFC3339 timestamp", err)
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errBadRequestWrap("from must be an RFC3339 timestamp", err)
		}
		from = t
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return err
	}

	entries, err := s.queue.ListAuditRange(r.Context(), from, to, limit)
	if err != nil {
		return err
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
	return nil
}

// GET /v1/abandoned?limit=N
func (s *Server) handleListAbandoned(w http.ResponseWriter, r *http.Request) error {
	limit, err := intParam(r, "limit")
	if err != nil {
		return err
	}
	recs, err := s.queue.ListAbandoned(r.Context(), limit)
	if err != nil {
		return err
	}
	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{"records": views})
	return nil
}

// POST /v1/cycles?batch_size=N runs one cycle and returns its summary.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) error {
	batch, err := intParam(r, "batch_size")
	if err != nil {
		return err
	}
	if batch < 0 {
		return errBadRequest("batch_size must not be negative")
	}
	// a client hanging up must not abandon records mid-attempt
	sum, err := s.cycles.RunCycle(context.WithoutCancel(r.Context()), batch)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("manual cycle failed")
		RespondWithJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "cycle aborted: store unavailable",
			"summary": sum,
		})
		return nil
	}
	RespondWithJSON(w, http.StatusOK, sum)
	return nil
}

// POST /v1/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) error {
	n, err := s.cycles.Reconcile(r.Context())
	if err != nil {
		return err
	}
	RespondWithJSON(w, http.StatusOK, map[string]int64{"reclaimed": n})
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errBadRequestWrap(name+" must be an integer", err)
	}
	return n, nil
}

func nonNil(entries []delivery.AuditEntry) []delivery.AuditEntry {
	if entries == nil {
		return []delivery.AuditEntry{}
	}
	return entries
}
