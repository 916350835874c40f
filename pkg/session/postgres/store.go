// Package postgres provides PostgreSQL storage for sessions.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/pairtalk/pkg/session"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sessionColumns lists columns returned by session SELECT queries.
var sessionColumns = []string{
	"id", "mode", "pairing_id", "cadence", "boundary_locked",
	"created_at", "updated_at", "ended_at",
}

// Store implements session.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new session.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	query := `
		INSERT INTO chat_sessions (id, mode, pairing_id, cadence, boundary_locked, created_at, updated_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, string(sess.Mode), sess.PairingID, string(sess.Cadence),
		sess.BoundaryLocked, sess.CreatedAt, sess.UpdatedAt, sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("chat_sessions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return sess, nil
}

// Update persists the boundary flag, ended timestamp and UpdatedAt.
func (s *Store) Update(ctx context.Context, sess *session.Session) error {
	query := `
		UPDATE chat_sessions
		SET boundary_locked = $2, updated_at = $3, ended_at = COALESCE(ended_at, $4)
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, sess.ID, sess.BoundaryLocked, sess.UpdatedAt, sess.EndedAt)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// List returns sessions ordered by creation time, optionally filtered by
// pairing identifier.
func (s *Store) List(ctx context.Context, pairingID string) ([]*session.Session, error) {
	qb := psq.Select(sessionColumns...).From("chat_sessions")
	if pairingID != "" {
		qb = qb.Where(sq.Eq{"pairing_id": pairingID})
	}
	query, args, err := qb.OrderBy("created_at ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// Close is a no-op; the database handle is owned by the platform.
func (*Store) Close() error {
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess    session.Session
		mode    string
		cadence string
		endedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &mode, &sess.PairingID, &cadence, &sess.BoundaryLocked,
		&sess.CreatedAt, &sess.UpdatedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	sess.Mode = session.Mode(mode)
	sess.Cadence = session.Cadence(cadence)
	sess.Participants = session.ParticipantsFor(sess.Mode)
	sess.State = session.InitialState(sess.Mode)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
