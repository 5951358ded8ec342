package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/alert"
	apperrors "github.com/pulsegrid/pulsegrid/pkg/errors"
)

// Memory is the in-process ledger used when PostgreSQL is not configured.
type Memory struct {
	mu      sync.RWMutex
	entries []alert.Alert
	byID    map[string]int
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]int)}
}

func (m *Memory) Append(ctx context.Context, a alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[a.ID] = len(m.entries)
	m.entries = append(m.entries, a)
	return nil
}

func (m *Memory) Acknowledge(ctx context.Context, id string, at time.Time) error {
	return m.setTimestamp(id, func(a *alert.Alert) { a.AcknowledgedAt = &at })
}

func (m *Memory) Resolve(ctx context.Context, id string, at time.Time) error {
	return m.setTimestamp(id, func(a *alert.Alert) { a.ResolvedAt = &at })
}

func (m *Memory) Get(ctx context.Context, id string) (alert.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[id]
	if !ok {
		return alert.Alert{}, apperrors.Newf(apperrors.ErrAlertNotFound, 404, "alert %s", id)
	}
	return m.entries[idx], nil
}

// List returns matching alerts newest first.
func (m *Memory) List(ctx context.Context, f Filter) ([]alert.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []alert.Alert
	for i := len(m.entries) - 1; i >= 0; i-- {
		a := m.entries[i]
		if !matches(a, f) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	removed := 0
	for _, a := range m.entries {
		if a.TriggeredAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.entries = kept
	m.byID = make(map[string]int, len(m.entries))
	for i, a := range m.entries {
		m.byID[a.ID] = i
	}
	return removed, nil
}

func (m *Memory) setTimestamp(id string, set func(*alert.Alert)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrAlertNotFound, 404, "alert %s", id)
	}
	set(&m.entries[idx])
	return nil
}
