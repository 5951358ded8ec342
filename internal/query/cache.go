// Package query serves the read side: snapshots, history, alerts, gate
// reports, and source listings, with a Redis-backed snapshot artifact in
// front of the aggregator.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pulsegrid/pulsegrid/internal/aggregate"
	"github.com/pulsegrid/pulsegrid/pkg/redis"
)

// snapshotKey is the rolling artifact: always the latest snapshot,
// overwritten every evaluation cycle.
const snapshotKey = "pulsegrid:snapshot:latest"

// SnapshotCache keeps the latest snapshot in Redis and collapses
// concurrent cold reads into one aggregator call. A nil client degrades
// to computing every time.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewSnapshotCache creates the cache. client may be nil when Redis is
// disabled.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "snapshot-cache"),
	}
}

// PublishSnapshot writes the evaluation cycle's snapshot as the rolling
// artifact. The escalation engine calls it once per cycle.
func (c *SnapshotCache) PublishSnapshot(ctx context.Context, snap aggregate.Snapshot) error {
	if c.client == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKey, data, c.ttl); err != nil {
		return fmt.Errorf("storing snapshot artifact: %w", err)
	}
	return nil
}

// Get returns the cached snapshot, or computes one via fn on a miss.
// Concurrent misses share a single computation.
func (c *SnapshotCache) Get(ctx context.Context, fn func() aggregate.Snapshot) (aggregate.Snapshot, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, snapshotKey)
		if err == nil {
			var snap aggregate.Snapshot
			if err := json.Unmarshal([]byte(raw), &snap); err == nil {
				return snap, nil
			}
			// A corrupt artifact falls through to recompute.
			c.logger.Warn("discarding unreadable snapshot artifact")
			_ = c.client.Del(ctx, snapshotKey)
		} else if !redis.IsNilError(err) {
			c.logger.Warn("snapshot cache read failed", "error", err)
		}
	}

	v, err, _ := c.group.Do(snapshotKey, func() (any, error) {
		snap := fn()
		if c.client != nil {
			if err := c.PublishSnapshot(ctx, snap); err != nil {
				c.logger.Warn("snapshot cache write failed", "error", err)
			}
		}
		return snap, nil
	})
	if err != nil {
		return aggregate.Snapshot{}, err
	}
	return v.(aggregate.Snapshot), nil
}
