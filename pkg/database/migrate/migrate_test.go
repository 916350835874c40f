//go:build integration

package migrate

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txn2/pairtalk/pkg/audit"
	auditpg "github.com/txn2/pairtalk/pkg/audit/postgres"
	"github.com/txn2/pairtalk/pkg/message"
	messagepg "github.com/txn2/pairtalk/pkg/message/postgres"
	"github.com/txn2/pairtalk/pkg/session"
	sessionpg "github.com/txn2/pairtalk/pkg/session/postgres"
)

const latestVersion = uint(3)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16",
		postgres.WithDatabase("pairtalk"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = $1
		)
	`, name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func TestMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := startPostgres(t)

	t.Run("Run applies migrations", func(t *testing.T) {
		require.NoError(t, Run(db))
		for _, table := range []string{"chat_sessions", "messages", "audit_logs"} {
			assert.True(t, tableExists(t, db, table), "%s table should exist", table)
		}
	})

	t.Run("Run is idempotent", func(t *testing.T) {
		require.NoError(t, Run(db))
		version, dirty, err := Version(db)
		require.NoError(t, err)
		require.False(t, dirty)
		require.Equal(t, latestVersion, version)
	})

	t.Run("Down rolls back migrations", func(t *testing.T) {
		require.NoError(t, Down(db))
		assert.False(t, tableExists(t, db, "messages"))
		assert.False(t, tableExists(t, db, "chat_sessions"))
	})

	t.Run("Steps applies n migrations", func(t *testing.T) {
		require.NoError(t, Steps(db, 1))
		version, _, err := Version(db)
		require.NoError(t, err)
		require.Equal(t, uint(1), version)

		require.NoError(t, Steps(db, 2))
		version, _, err = Version(db)
		require.NoError(t, err)
		require.Equal(t, latestVersion, version)
	})
}

// TestStoresAgainstSchema exercises the PostgreSQL stores on the migrated
// schema, including concurrent appends to one session.
func TestStoresAgainstSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := startPostgres(t)
	require.NoError(t, Run(db))
	ctx := context.Background()

	sessions := sessionpg.New(db)
	messages := messagepg.New(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	sess, err := session.New("s-1", session.ModeCouple, session.CadencePair, "pair-9", now)
	require.NoError(t, err)
	require.NoError(t, sessions.Create(ctx, sess))

	t.Run("append assigns gap-free sequence under concurrency", func(t *testing.T) {
		const writers = 20
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- messages.Append(ctx, &message.Message{
					ID:        "m-" + string(rune('a'+i)),
					SessionID: sess.ID,
					Sender:    session.RoleUserA,
					Content:   "hello",
				})
			}()
		}
		wg.Wait()
		close(errs)

		failed := 0
		for err := range errs {
			if err != nil {
				failed++
			}
		}

		msgs, err := messages.After(ctx, sess.ID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, writers-failed)
		for i, m := range msgs {
			assert.Equal(t, uint64(i+1), m.Seq) // #nosec G115
		}
	})

	t.Run("idempotency key is unique per session", func(t *testing.T) {
		first := &message.Message{ID: "k-1", SessionID: sess.ID, Sender: session.RoleUserB, Content: "once", IdempotencyKey: "key-1"}
		require.NoError(t, messages.Append(ctx, first))

		dup := &message.Message{ID: "k-2", SessionID: sess.ID, Sender: session.RoleUserB, Content: "once", IdempotencyKey: "key-1"}
		err := messages.Append(ctx, dup)
		assert.True(t, errors.Is(err, message.ErrDuplicateKey), "got %v", err)

		got, err := messages.ByIdempotencyKey(ctx, sess.ID, "key-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, first.Seq, got.Seq)
	})

	t.Run("session flags persist", func(t *testing.T) {
		sess.BoundaryLocked = true
		ended := now.Add(time.Minute)
		sess.EndedAt = &ended
		sess.UpdatedAt = ended
		require.NoError(t, sessions.Update(ctx, sess))

		got, err := sessions.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.BoundaryLocked)
		require.NotNil(t, got.EndedAt)
	})

	t.Run("audit events round trip", func(t *testing.T) {
		store := auditpg.New(db, auditpg.Config{RetentionDays: 30})
		ev := audit.NewEvent(sess.ID, audit.KindTurnLocked).WithSender("userA").WithSeq(3)
		require.NoError(t, store.Log(ctx, *ev))

		events, err := store.Query(ctx, audit.QueryFilter{SessionID: sess.ID})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, audit.KindTurnLocked, events[0].Kind)
		assert.Equal(t, uint64(3), events[0].Seq)
	})
}
