package message

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/pairtalk/pkg/session"
)

const (
	memTestSession  = "sess-1"
	memTestReaders  = 8
	memTestAppends  = 200
	memTestSessions = 16
)

func newMsg(sessionID string, sender session.Role, key string) *Message {
	return &Message{
		ID:             "m-" + key,
		SessionID:      sessionID,
		Sender:         sender,
		Content:        "content " + key,
		IdempotencyKey: key,
	}
}

func TestMemoryStore_AppendAssignsSequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		msg := newMsg(memTestSession, session.RoleUserA, fmt.Sprintf("k%d", i))
		require.NoError(t, store.Append(ctx, msg))
		assert.Equal(t, uint64(i), msg.Seq)
		assert.False(t, msg.CreatedAt.IsZero())
	}

	other := newMsg("sess-2", session.RoleUserA, "k1")
	require.NoError(t, store.Append(ctx, other))
	assert.Equal(t, uint64(1), other.Seq, "sequences are per session")
}

func TestMemoryStore_AppendDuplicateKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newMsg(memTestSession, session.RoleUserA, "dup")))
	err := store.Append(ctx, newMsg(memTestSession, session.RoleUserA, "dup"))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	all, err := store.After(ctx, memTestSession, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStore_AppendWithoutKeyNeverDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newMsg(memTestSession, session.RoleUserA, "")))
	require.NoError(t, store.Append(ctx, newMsg(memTestSession, session.RoleUserA, "")))

	all, err := store.After(ctx, memTestSession, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryStore_After(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, store.Append(ctx, newMsg(memTestSession, session.RoleUserA, fmt.Sprintf("k%d", i))))
	}

	tests := []struct {
		name    string
		cursor  uint64
		wantSeq []uint64
	}{
		{"from start", 0, []uint64{1, 2, 3, 4, 5}},
		{"middle", 3, []uint64{4, 5}},
		{"at tail", 5, nil},
		{"past tail", 9, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.After(ctx, memTestSession, tt.cursor)
			require.NoError(t, err)
			require.NotNil(t, got)
			var seqs []uint64
			for _, m := range got {
				seqs = append(seqs, m.Seq)
			}
			assert.Equal(t, tt.wantSeq, seqs)
		})
	}

	unknown, err := store.After(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

func TestMemoryStore_AfterReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	msg := newMsg(memTestSession, session.RoleUserA, "k")
	msg.Tags = []string{"insult"}
	require.NoError(t, store.Append(ctx, msg))

	got, err := store.After(ctx, memTestSession, 0)
	require.NoError(t, err)
	got[0].Content = "mutated"
	got[0].Tags[0] = "mutated"

	again, err := store.After(ctx, memTestSession, 0)
	require.NoError(t, err)
	assert.Equal(t, "content k", again[0].Content)
	assert.Equal(t, []string{"insult"}, again[0].Tags)
}

func TestMemoryStore_ByIdempotencyKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, newMsg(memTestSession, session.RoleUserB, "abc")))

	got, err := store.ByIdempotencyKey(ctx, memTestSession, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, session.RoleUserB, got.Sender)

	missing, err := store.ByIdempotencyKey(ctx, memTestSession, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = store.ByIdempotencyKey(ctx, "unknown", "abc")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStore_CursorAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	for i := range 3 {
		require.NoError(t, store.Append(ctx, newMsg(memTestSession, session.RoleUserA, fmt.Sprintf("k%d", i))))
	}

	cursor, err := store.CursorAt(ctx, memTestSession, base)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)

	cursor, err = store.CursorAt(ctx, memTestSession, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cursor)

	cursor, err = store.CursorAt(ctx, memTestSession, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor)

	cursor, err = store.CursorAt(ctx, "unknown", base)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)
}

func TestMemoryStore_CreatedAtNeverGoesBackwards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute)}
	store.now = func() time.Time {
		next := times[0]
		times = times[1:]
		return next
	}

	first := newMsg(memTestSession, session.RoleUserA, "a")
	second := newMsg(memTestSession, session.RoleUserA, "b")
	require.NoError(t, store.Append(ctx, first))
	require.NoError(t, store.Append(ctx, second))
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestMemoryStore_Recent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, store.Append(ctx, newMsg(memTestSession, session.RoleUserA, fmt.Sprintf("k%d", i))))
	}

	got, err := store.Recent(ctx, memTestSession, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq)

	got, err = store.Recent(ctx, memTestSession, 50)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = store.Recent(ctx, memTestSession, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// One writer appends while many readers poll with advancing cursors. Every
// reader must see a gap-free ascending sequence with no duplicates.
func TestMemoryStore_SingleWriterConcurrentReaders(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, memTestReaders)
	for range memTestReaders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cursor uint64
			for cursor < memTestAppends {
				batch, err := store.After(ctx, memTestSession, cursor)
				if err != nil {
					errs <- err
					return
				}
				for _, m := range batch {
					if m.Seq != cursor+1 {
						errs <- fmt.Errorf("gap or duplicate: cursor %d got seq %d", cursor, m.Seq)
						return
					}
					cursor = m.Seq
				}
			}
		}()
	}

	for i := range memTestAppends {
		require.NoError(t, store.Append(ctx, newMsg(memTestSession, session.RoleUserA, fmt.Sprintf("k%d", i))))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestMemoryStore_ParallelSessions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for s := range memTestSessions {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			for i := range 50 {
				_ = store.Append(ctx, newMsg(sessionID, session.RoleUserA, fmt.Sprintf("k%d", i)))
			}
		}(fmt.Sprintf("sess-%d", s))
	}
	wg.Wait()

	for s := range memTestSessions {
		all, err := store.After(ctx, fmt.Sprintf("sess-%d", s), 0)
		require.NoError(t, err)
		require.Len(t, all, 50)
		for i, m := range all {
			assert.Equal(t, uint64(i+1), m.Seq)
		}
	}
}
