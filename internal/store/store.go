// Package store implements the ingestion store: one append-only log per
// source with per-source locking, strict monotonic-timestamp enforcement,
// copy-on-read access, and retention pruning. The store exclusively owns
// the per-source logs; readers always get copies.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/ingest"
	apperrors "github.com/pulsegrid/pulsegrid/pkg/errors"
)

// Appender is an optional synchronous persistence hook. A failed append
// fails the submission with a StorageError.
type Appender interface {
	AppendDocument(ctx context.Context, doc ingest.MetricDocument) error
}

// AcceptFunc is invoked after a document is committed, outside the
// per-source lock. The registry uses it to refresh liveness metadata.
type AcceptFunc func(doc ingest.MetricDocument)

type sourceLog struct {
	mu   sync.Mutex
	docs []ingest.MetricDocument
}

// Store holds all per-source logs. The outer RWMutex only guards the map;
// appends contend on per-source mutexes so writers for different sources
// never block each other, and readers of other sources never wait on a
// writer.
type Store struct {
	mu       sync.RWMutex
	logs     map[string]*sourceLog
	persist  Appender
	onAccept AcceptFunc
	failures atomic.Int64
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithAppender attaches a synchronous persistence hook.
func WithAppender(a Appender) Option {
	return func(s *Store) { s.persist = a }
}

// WithAcceptFunc attaches the post-commit callback.
func WithAcceptFunc(fn AcceptFunc) Option {
	return func(s *Store) { s.onAccept = fn }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		logs:   make(map[string]*sourceLog),
		logger: slog.Default().With("component", "ingestion-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and appends one document. It returns (false, err) with a
// ValidationError for malformed input, a stale-document error when the
// timestamp is not strictly greater than the stored latest for the source,
// and a storage error when the persistence hook fails. On success the
// document is committed immutably and the accept callback fires.
func (s *Store) Submit(ctx context.Context, doc ingest.MetricDocument) (bool, error) {
	if err := ingest.Validate(&doc); err != nil {
		return false, err
	}
	// Alerts is the one slice field; callers must not alias stored state.
	if doc.Alerts != nil {
		doc.Alerts = append([]string(nil), doc.Alerts...)
	}

	log := s.logFor(doc.SourceID)
	log.mu.Lock()
	defer log.mu.Unlock()

	if n := len(log.docs); n > 0 && !doc.Timestamp.After(log.docs[n-1].Timestamp) {
		return false, apperrors.Newf(apperrors.ErrStaleDocument, 409,
			"source %s: timestamp %s is not after stored latest %s",
			doc.SourceID, doc.Timestamp.Format(time.RFC3339Nano), log.docs[n-1].Timestamp.Format(time.RFC3339Nano))
	}

	if s.persist != nil {
		if err := s.persist.AppendDocument(ctx, doc); err != nil {
			streak := s.failures.Add(1)
			s.logger.Error("document persistence failed",
				"source_id", doc.SourceID,
				"failure_streak", streak,
				"error", err,
			)
			return false, fmt.Errorf("%w: appending document for %s: %v", apperrors.ErrStorage, doc.SourceID, err)
		}
		s.failures.Store(0)
	}

	log.docs = append(log.docs, doc)
	if s.onAccept != nil {
		s.onAccept(doc)
	}
	return true, nil
}

// Latest returns the most recently accepted document for a source.
func (s *Store) Latest(sourceID string) (ingest.MetricDocument, bool) {
	s.mu.RLock()
	log, ok := s.logs[sourceID]
	s.mu.RUnlock()
	if !ok {
		return ingest.MetricDocument{}, false
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.docs) == 0 {
		return ingest.MetricDocument{}, false
	}
	return log.docs[len(log.docs)-1], true
}

// LatestAll returns a copy of the latest document per source.
func (s *Store) LatestAll() map[string]ingest.MetricDocument {
	s.mu.RLock()
	logs := make(map[string]*sourceLog, len(s.logs))
	for id, log := range s.logs {
		logs[id] = log
	}
	s.mu.RUnlock()

	latest := make(map[string]ingest.MetricDocument, len(logs))
	for id, log := range logs {
		log.mu.Lock()
		if n := len(log.docs); n > 0 {
			latest[id] = log.docs[n-1]
		}
		log.mu.Unlock()
	}
	return latest
}

// History returns the documents for a source with timestamp >= since,
// oldest first, capped at limit (0 means no cap). The result is a copy and
// safe to retain.
func (s *Store) History(sourceID string, since time.Time, limit int) []ingest.MetricDocument {
	s.mu.RLock()
	log, ok := s.logs[sourceID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	// Logs are append-only and timestamp-ordered, so a linear scan from the
	// first qualifying entry suffices.
	start := len(log.docs)
	for i, doc := range log.docs {
		if !doc.Timestamp.Before(since) {
			start = i
			break
		}
	}
	out := make([]ingest.MetricDocument, len(log.docs)-start)
	copy(out, log.docs[start:])
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Prune drops history entries older than the cutoff, keeping at least the
// latest entry per source so LatestAll never regresses. Returns the number
// of entries removed.
func (s *Store) Prune(olderThan time.Time) int {
	s.mu.RLock()
	logs := make([]*sourceLog, 0, len(s.logs))
	for _, log := range s.logs {
		logs = append(logs, log)
	}
	s.mu.RUnlock()

	removed := 0
	for _, log := range logs {
		log.mu.Lock()
		cut := 0
		for cut < len(log.docs)-1 && log.docs[cut].Timestamp.Before(olderThan) {
			cut++
		}
		if cut > 0 {
			remaining := make([]ingest.MetricDocument, len(log.docs)-cut)
			copy(remaining, log.docs[cut:])
			log.docs = remaining
			removed += cut
		}
		log.mu.Unlock()
	}
	return removed
}

// StartRetention runs Prune on the given interval until ctx is cancelled.
func (s *Store) StartRetention(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := s.Prune(time.Now().Add(-maxAge)); removed > 0 {
					s.logger.Info("history pruned", "removed", removed, "max_age", maxAge)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("retention loop started", "interval", interval, "max_age", maxAge)
}

// StorageFailureStreak reports how many consecutive submissions have failed
// at the persistence hook. The escalation engine raises a meta-alert when
// the streak keeps growing.
func (s *Store) StorageFailureStreak() int64 {
	return s.failures.Load()
}


func (s *Store) logFor(sourceID string) *sourceLog {
	s.mu.RLock()
	log, ok := s.logs[sourceID]
	s.mu.RUnlock()
	if ok {
		return log
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok = s.logs[sourceID]; ok {
		return log
	}
	log = &sourceLog{}
	s.logs[sourceID] = log
	return log
}
