// Package ledger records every alert the escalation engine creates,
// regardless of whether delivery was rate-suppressed, plus an archive of
// aggregate snapshots for trend and audit queries.
package ledger

import (
	"context"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/alert"
)

// Filter narrows alert queries. Zero values mean "no constraint".
type Filter struct {
	Level alert.Level
	From  time.Time
	To    time.Time
	Limit int
}

// Ledger is the alert ledger. Entries are appended once; lifecycle
// timestamps (acknowledged_at, resolved_at) are the only mutations.
type Ledger interface {
	Append(ctx context.Context, a alert.Alert) error
	Acknowledge(ctx context.Context, id string, at time.Time) error
	Resolve(ctx context.Context, id string, at time.Time) error
	Get(ctx context.Context, id string) (alert.Alert, error)
	List(ctx context.Context, f Filter) ([]alert.Alert, error)
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

func matches(a alert.Alert, f Filter) bool {
	if f.Level != "" && a.Level != f.Level {
		return false
	}
	if !f.From.IsZero() && a.TriggeredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.TriggeredAt.After(f.To) {
		return false
	}
	return true
}
