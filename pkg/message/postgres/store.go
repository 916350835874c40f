// Package postgres provides PostgreSQL storage for the message log.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/txn2/pairtalk/pkg/message"
	"github.com/txn2/pairtalk/pkg/session"
)

const (
	// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
	uniqueViolation = "23505"

	// idempotencyConstraint is the unique index on (session_id, idempotency_key).
	idempotencyConstraint = "messages_session_idempotency_key"

	// maxSeqRetries bounds retries when two writers race for the same seq.
	maxSeqRetries = 3
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// messageColumns lists columns returned by message SELECT queries.
var messageColumns = []string{
	"id", "session_id", "sender", "content", "seq", "created_at", "tags", "idempotency_key",
}

// Store implements message.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL message store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts the message with the next sequence number in a single
// statement. The primary key (session_id, seq) rejects a racing writer,
// which is retried; the idempotency index maps to message.ErrDuplicateKey.
func (s *Store) Append(ctx context.Context, msg *message.Message) error {
	query := `
		INSERT INTO messages (session_id, seq, id, sender, content, created_at, tags, idempotency_key)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, NOW(), $5, NULLIF($6, '')
		FROM messages WHERE session_id = $1
		RETURNING seq, created_at
	`

	var err error
	for range maxSeqRetries {
		err = s.db.QueryRowContext(ctx, query,
			msg.SessionID, msg.ID, string(msg.Sender), msg.Content,
			pq.Array(nonNil(msg.Tags)), msg.IdempotencyKey,
		).Scan(&msg.Seq, &msg.CreatedAt)
		if err == nil {
			return nil
		}

		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
			break
		}
		if pqErr.Constraint == idempotencyConstraint {
			return message.ErrDuplicateKey
		}
	}
	return fmt.Errorf("appending message: %w", err)
}

// After returns every message with Seq > cursor in ascending order.
func (s *Store) After(ctx context.Context, sessionID string, cursor uint64) ([]*message.Message, error) {
	query, args, err := psq.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"session_id": sessionID}).
		Where(sq.Gt{"seq": cursor}).
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building message query: %w", err)
	}
	return s.query(ctx, query, args...)
}

// ByIdempotencyKey returns the committed message for key, or nil, nil.
func (s *Store) ByIdempotencyKey(ctx context.Context, sessionID, key string) (*message.Message, error) {
	query, args, err := psq.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"session_id": sessionID, "idempotency_key": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building idempotency query: %w", err)
	}

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return msg, nil
}

// CursorAt returns the highest Seq whose CreatedAt is not after t.
func (s *Store) CursorAt(ctx context.Context, sessionID string, t time.Time) (uint64, error) {
	query := `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = $1 AND created_at <= $2`

	var seq uint64
	if err := s.db.QueryRowContext(ctx, query, sessionID, t).Scan(&seq); err != nil {
		return 0, fmt.Errorf("resolving cursor: %w", err)
	}
	return seq, nil
}

// Recent returns up to n most recent messages in ascending order.
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]*message.Message, error) {
	if n <= 0 {
		return []*message.Message{}, nil
	}
	query, args, err := psq.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("seq DESC").
		Limit(uint64(n)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building recent query: %w", err)
	}

	msgs, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// Close is a no-op; the database handle is owned by the platform.
func (*Store) Close() error {
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*message.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []*message.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*message.Message, error) {
	var (
		msg    message.Message
		sender string
		tags   pq.StringArray
		key    sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.SessionID, &sender, &msg.Content, &msg.Seq, &msg.CreatedAt, &tags, &key)
	if err != nil {
		return nil, err
	}
	msg.Sender = session.Role(sender)
	if len(tags) > 0 {
		msg.Tags = []string(tags)
	}
	msg.IdempotencyKey = key.String
	return &msg, nil
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// Verify interface compliance.
var _ message.Store = (*Store)(nil)
