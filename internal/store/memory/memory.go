// Package memory is an in-process Store and AuditLog for tests and
// single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/courier/internal/delivery"
)

type Store struct {
	mu      sync.Mutex
	records map[string]*delivery.Record
	audit   []delivery.AuditEntry
	nextID  int64
}

var (
	_ delivery.Store    = (*Store)(nil)
	_ delivery.AuditLog = (*Store)(nil)
)

func New() *Store {
	return &Store{records: make(map[string]*delivery.Record)}
}

func (s *Store) Insert(_ context.Context, r *delivery.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[r.ID]; exists {
		return delivery.ErrInvalidRecord
	}
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) Due(_ context.Context, now time.Time, limit int) ([]*delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*delivery.Record
	for _, r := range s.records {
		if r.Due(now) {
			due = append(due, r.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextEligibleAt.Equal(due[j].NextEligibleAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextEligibleAt.Before(due[j].NextEligibleAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) Claim(_ context.Context, id string, now time.Time) (*delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	if !r.Due(now) {
		return nil, delivery.ErrClaimLost
	}
	claimedAt := now.UTC()
	r.ClaimedFrom = r.Status
	r.Status = delivery.StatusInFlight
	r.ClaimedAt = &claimedAt
	r.UpdatedAt = claimedAt
	return r.Clone(), nil
}

func (s *Store) Complete(_ context.Context, next *delivery.Record, entry delivery.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[next.ID]
	if !ok {
		return delivery.ErrNotFound
	}
	if r.Status != delivery.StatusInFlight {
		return delivery.ErrClaimLost
	}

	updated := next.Clone()
	updated.ClaimedAt = nil
	updated.ClaimedFrom = ""
	if updated.NextEligibleAt.Before(r.NextEligibleAt) {
		updated.NextEligibleAt = r.NextEligibleAt
	}
	s.records[next.ID] = updated

	s.nextID++
	entry.ID = s.nextID
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) Release(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return delivery.ErrNotFound
	}
	if r.Status != delivery.StatusInFlight {
		return delivery.ErrClaimLost
	}
	r.Status = r.ClaimedFrom
	if r.Status == "" {
		r.Status = delivery.StatusFailedRetryable
	}
	r.ClaimedFrom = ""
	r.ClaimedAt = nil
	r.UpdatedAt = now.UTC()
	return nil
}

func (s *Store) ReclaimStale(_ context.Context, cutoff, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.records {
		if r.Status != delivery.StatusInFlight || r.ClaimedAt == nil || !r.ClaimedAt.Before(cutoff) {
			continue
		}
		r.Status = delivery.StatusFailedRetryable
		r.ClaimedFrom = ""
		r.ClaimedAt = nil
		r.UpdatedAt = now.UTC()
		n++
	}
	return n, nil
}

func (s *Store) ListByStatus(_ context.Context, status delivery.Status, limit int) ([]*delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*delivery.Record
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[delivery.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[delivery.Status]int64, len(delivery.Statuses))
	for _, st := range delivery.Statuses {
		counts[st] = 0
	}
	for _, r := range s.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *Store) ListByRecord(_ context.Context, recordID string) ([]delivery.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []delivery.AuditEntry
	for _, e := range s.audit {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListByTimeRange(_ context.Context, from, to time.Time, limit int) ([]delivery.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []delivery.AuditEntry
	for _, e := range s.audit {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
