package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/alert"
	"github.com/pulsegrid/pulsegrid/internal/ingest"
	apperrors "github.com/pulsegrid/pulsegrid/pkg/errors"
	"github.com/pulsegrid/pulsegrid/pkg/postgres"
)

// Postgres persists the alert ledger, the snapshot archive, and the raw
// document log.
//
// Required schema:
//
//	CREATE TABLE alerts (
//	    id              TEXT PRIMARY KEY,
//	    level           TEXT NOT NULL,
//	    data            JSONB NOT NULL,
//	    triggered_at    TIMESTAMPTZ NOT NULL,
//	    acknowledged_at TIMESTAMPTZ,
//	    resolved_at     TIMESTAMPTZ
//	);
//
//	CREATE TABLE aggregate_snapshots (
//	    id          BIGSERIAL PRIMARY KEY,
//	    data        JSONB NOT NULL,
//	    captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
//	CREATE TABLE metric_documents (
//	    id          BIGSERIAL PRIMARY KEY,
//	    source_id   TEXT NOT NULL,
//	    reported_at TIMESTAMPTZ NOT NULL,
//	    data        JSONB NOT NULL
//	);
type Postgres struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewPostgres creates a PostgreSQL-backed ledger.
func NewPostgres(db *postgres.Client) *Postgres {
	return &Postgres{
		db:     db,
		logger: slog.Default().With("component", "alert-ledger"),
	}
}

func (p *Postgres) Append(ctx context.Context, a alert.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	_, err = p.db.DB.ExecContext(ctx,
		`INSERT INTO alerts (id, level, data, triggered_at) VALUES ($1, $2, $3, $4)`,
		a.ID, string(a.Level), data, a.TriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("appending alert %s: %w", a.ID, err)
	}
	return nil
}

func (p *Postgres) Acknowledge(ctx context.Context, id string, at time.Time) error {
	return p.setTimestamp(ctx, id, "acknowledged_at", at)
}

func (p *Postgres) Resolve(ctx context.Context, id string, at time.Time) error {
	return p.setTimestamp(ctx, id, "resolved_at", at)
}

func (p *Postgres) Get(ctx context.Context, id string) (alert.Alert, error) {
	row := p.db.DB.QueryRowContext(ctx,
		`SELECT data, acknowledged_at, resolved_at FROM alerts WHERE id = $1`, id)
	return scanAlert(row)
}

// List returns matching alerts newest first.
func (p *Postgres) List(ctx context.Context, f Filter) ([]alert.Alert, error) {
	query := `SELECT data, acknowledged_at, resolved_at FROM alerts WHERE 1=1`
	args := []any{}
	if f.Level != "" {
		args = append(args, string(f.Level))
		query += fmt.Sprintf(" AND level = $%d", len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(" AND triggered_at >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(" AND triggered_at <= $%d", len(args))
	}
	query += " ORDER BY triggered_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			p.logger.Warn("skipping corrupt alert row", "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Purge removes alerts and archived snapshots older than the cutoff in a
// single transaction.
func (p *Postgres) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	var purged int64
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM alerts WHERE triggered_at < $1`, olderThan)
		if err != nil {
			return fmt.Errorf("purging alerts: %w", err)
		}
		purged, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM aggregate_snapshots WHERE captured_at < $1`, olderThan); err != nil {
			return fmt.Errorf("purging snapshots: %w", err)
		}
		return nil
	})
	return int(purged), err
}

// AppendDocument satisfies store.Appender: every accepted submission lands
// in the metric_documents table before the in-memory commit.
func (p *Postgres) AppendDocument(ctx context.Context, doc ingest.MetricDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}
	_, err = p.db.DB.ExecContext(ctx,
		`INSERT INTO metric_documents (source_id, reported_at, data) VALUES ($1, $2, $3)`,
		doc.SourceID, doc.Timestamp, data,
	)
	if err != nil {
		return fmt.Errorf("appending document for %s: %w", doc.SourceID, err)
	}
	return nil
}

// SaveSnapshot archives one aggregate snapshot.
func (p *Postgres) SaveSnapshot(ctx context.Context, data []byte, capturedAt time.Time) error {
	_, err := p.db.DB.ExecContext(ctx,
		`INSERT INTO aggregate_snapshots (data, captured_at) VALUES ($1, $2)`,
		data, capturedAt,
	)
	if err != nil {
		return fmt.Errorf("saving aggregate snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) setTimestamp(ctx context.Context, id, column string, at time.Time) error {
	// column is always a compile-time constant from this package.
	res, err := p.db.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE alerts SET %s = $1, data = jsonb_set(data, '{%s}', to_jsonb($1::timestamptz)) WHERE id = $2`, column, column),
		at, id,
	)
	if err != nil {
		return fmt.Errorf("updating alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrAlertNotFound, 404, "alert %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (alert.Alert, error) {
	var (
		data  []byte
		ack   sql.NullTime
		resol sql.NullTime
	)
	if err := row.Scan(&data, &ack, &resol); err != nil {
		if err == sql.ErrNoRows {
			return alert.Alert{}, apperrors.New(apperrors.ErrAlertNotFound, 404, "alert not found")
		}
		return alert.Alert{}, fmt.Errorf("scanning alert row: %w", err)
	}
	var a alert.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return alert.Alert{}, fmt.Errorf("unmarshaling alert: %w", err)
	}
	if ack.Valid {
		a.AcknowledgedAt = &ack.Time
	}
	if resol.Valid {
		a.ResolvedAt = &resol.Time
	}
	return a, nil
}
