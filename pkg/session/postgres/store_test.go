package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/pairtalk/pkg/session"
)

const pgTestSessID = "sess-123"

var selectColumns = []string{
	"id", "mode", "pairing_id", "cadence", "boundary_locked",
	"created_at", "updated_at", "ended_at",
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := session.New(pgTestSessID, session.ModeCouple, session.CadencePair, "pair-1", time.Now().UTC())
	require.NoError(t, err)
	return sess
}

func TestCreate_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	sess := newTestSession(t)

	mock.ExpectExec("INSERT INTO chat_sessions").WithArgs(
		sess.ID, "couple", "pair-1", "pair", false, sess.CreatedAt, sess.UpdatedAt, nil,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.Create(context.Background(), sess))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("INSERT INTO chat_sessions").
		WillReturnError(errors.New("connection refused"))

	err = store.Create(context.Background(), newTestSession(t))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "inserting session")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	now := time.Now().UTC()
	ended := now.Add(time.Minute)

	rows := sqlmock.NewRows(selectColumns).
		AddRow(pgTestSessID, "couple", "pair-1", "message", true, now, now, ended)
	mock.ExpectQuery("SELECT .+ FROM chat_sessions").WithArgs(pgTestSessID).WillReturnRows(rows)

	got, err := store.Get(context.Background(), pgTestSessID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, session.ModeCouple, got.Mode)
	assert.Equal(t, session.CadenceMessage, got.Cadence)
	assert.Equal(t, []session.Role{session.RoleUserA, session.RoleUserB, session.RoleAI}, got.Participants)
	assert.True(t, got.BoundaryLocked)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(ended))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT .+ FROM chat_sessions").WithArgs("nonexistent").
		WillReturnRows(sqlmock.NewRows(selectColumns))

	got, err := store.Get(context.Background(), "nonexistent")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT .+ FROM chat_sessions").
		WillReturnError(errors.New("db unavailable"))

	got, err := store.Get(context.Background(), pgTestSessID)
	assert.Error(t, err)
	assert.Nil(t, got)
	assert.Contains(t, err.Error(), "scanning session")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	sess := newTestSession(t)
	sess.BoundaryLocked = true

	mock.ExpectExec("UPDATE chat_sessions").
		WithArgs(sess.ID, true, sess.UpdatedAt, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.Update(context.Background(), sess))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("UPDATE chat_sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Update(context.Background(), newTestSession(t))
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("UPDATE chat_sessions").
		WillReturnError(errors.New("connection lost"))

	err = store.Update(context.Background(), newTestSession(t))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "updating session")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_FilteredByPairing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(selectColumns).
		AddRow("s1", "solo", "pair-1", "pair", false, now, now, nil).
		AddRow("s2", "couple", "pair-1", "pair", false, now, now, nil)
	mock.ExpectQuery("SELECT .+ FROM chat_sessions WHERE pairing_id = .+ ORDER BY created_at ASC").
		WithArgs("pair-1").
		WillReturnRows(rows)

	sessions, err := store.List(context.Background(), "pair-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, session.ModeSolo, sessions[0].Mode)
	assert.Nil(t, sessions[0].EndedAt)
	assert.Equal(t, "s2", sessions[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT .+ FROM chat_sessions").
		WillReturnError(errors.New("db unavailable"))

	sessions, err := store.List(context.Background(), "")
	assert.Error(t, err)
	assert.Nil(t, sessions)
	assert.Contains(t, err.Error(), "listing sessions")
	assert.NoError(t, mock.ExpectationsWereMet())
}
