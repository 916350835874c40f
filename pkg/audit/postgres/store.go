// Package postgres provides PostgreSQL storage for audit logs.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/txn2/pairtalk/pkg/audit"
)

const (
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// auditColumns lists columns returned by audit SELECT queries.
var auditColumns = []string{
	"id", "timestamp", "session_id", "kind", "sender", "tags", "seq", "detail",
}

// Store implements audit.Logger using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL audit store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// Log records an audit event.
func (s *Store) Log(ctx context.Context, event audit.Event) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil || event.Detail == nil {
		detail = []byte("{}")
	}
	tags := event.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `
		INSERT INTO audit_logs
		(id, timestamp, session_id, kind, sender, tags, seq, detail, created_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.SessionID,
		string(event.Kind),
		event.Sender,
		pq.Array(tags),
		int64(event.Seq), // #nosec G115 -- sequence numbers fit in bigint
		detail,
		event.Timestamp.Format("2006-01-02"),
	)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}

	return nil
}

// applyAuditFilter adds filter conditions to a SELECT builder.
func applyAuditFilter(qb sq.SelectBuilder, filter audit.QueryFilter) sq.SelectBuilder {
	if filter.SessionID != "" {
		qb = qb.Where(sq.Eq{"session_id": filter.SessionID})
	}
	if filter.Kind != "" {
		qb = qb.Where(sq.Eq{"kind": string(filter.Kind)})
	}
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}
	return qb
}

// Query retrieves audit events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	qb := applyAuditFilter(psq.Select(auditColumns...).From("audit_logs"), filter)
	qb = qb.OrderBy("timestamp DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	return s.executeQuery(ctx, query, args, filter.Limit)
}

// CountByKind returns event counts per outcome kind for the filter.
func (s *Store) CountByKind(ctx context.Context, filter audit.QueryFilter) (map[audit.Kind]int, error) {
	qb := applyAuditFilter(psq.Select("kind", "COUNT(*)").From("audit_logs"), filter).GroupBy("kind")

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building count query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting audit logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[audit.Kind]int)
	for rows.Next() {
		var (
			kind  string
			count int
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[audit.Kind(kind)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating count rows: %w", err)
	}
	return counts, nil
}

func (s *Store) executeQuery(ctx context.Context, query string, args []any, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if limit > 0 && limit <= maxQueryCapacity {
		allocCap = limit
	}
	events := make([]audit.Event, 0, allocCap)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log rows: %w", err)
	}

	return events, nil
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var (
		event  audit.Event
		kind   string
		tags   pq.StringArray
		seq    int64
		detail []byte
	)

	err := rows.Scan(
		&event.ID,
		&event.Timestamp,
		&event.SessionID,
		&kind,
		&event.Sender,
		&tags,
		&seq,
		&detail,
	)
	if err != nil {
		return event, fmt.Errorf("scanning audit log row: %w", err)
	}

	event.Kind = audit.Kind(kind)
	if len(tags) > 0 {
		event.Tags = []string(tags)
	}
	event.Seq = uint64(seq) // #nosec G115 -- column is non-negative
	if len(detail) > 0 {
		_ = json.Unmarshal(detail, &event.Detail)
	}

	return event, nil
}

// Close cancels the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Cleanup removes audit logs older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	query := `DELETE FROM audit_logs WHERE timestamp < $1`
	_, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return fmt.Errorf("cleaning up audit logs: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically deletes
// old audit logs. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("audit retention cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Verify interface compliance.
var (
	_ audit.Logger  = (*Store)(nil)
	_ audit.Counter = (*Store)(nil)
)
