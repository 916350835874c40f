package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/pairtalk/pkg/audit"
	"github.com/txn2/pairtalk/pkg/auth"
	"github.com/txn2/pairtalk/pkg/longpoll"
	"github.com/txn2/pairtalk/pkg/message"
	"github.com/txn2/pairtalk/pkg/safety"
	"github.com/txn2/pairtalk/pkg/session"
	"github.com/txn2/pairtalk/pkg/turn"
)

const (
	sessionsPath = "/api/v1/sessions"
	contentBlock = "BLOCK this"
	contentWarn  = "WARN this"
)

var testResources = []safety.Resource{{Name: "Crisis line", Contact: "988"}}

func testClassifier() safety.Classifier {
	return safety.ClassifierFunc(func(_ context.Context, in safety.Input) (safety.Verdict, error) {
		switch {
		case strings.HasPrefix(in.Content, "BLOCK"):
			return safety.Verdict{Tier: safety.TierBlock, Tags: []string{"violence"}, Confidence: 0.9, Resources: testResources}, nil
		case strings.HasPrefix(in.Content, "WARN"):
			return safety.Verdict{Tier: safety.TierWarn, Tags: []string{"contempt"}, Confidence: 0.7}, nil
		default:
			return safety.Verdict{Tier: safety.TierAllow, Confidence: 0.95}, nil
		}
	})
}

// failingMessages fails appends and reads while fail is set.
type failingMessages struct {
	*message.MemoryStore
	mu   sync.Mutex
	fail bool
}

func (f *failingMessages) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failingMessages) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *failingMessages) Append(ctx context.Context, m *message.Message) error {
	if f.failing() {
		return errors.New("disk full")
	}
	return f.MemoryStore.Append(ctx, m)
}

type testServer struct {
	handler  *Handler
	messages *failingMessages
	broker   *longpoll.Broker
	audit    *audit.MemoryLogger
}

func newTestServer(t *testing.T, authorize bool, authMiddle func(http.Handler) http.Handler) *testServer {
	t.Helper()
	gate, err := safety.NewGate(testClassifier(), safety.GateConfig{FailPolicy: safety.FailWarn})
	require.NoError(t, err)

	ts := &testServer{
		messages: &failingMessages{MemoryStore: message.NewMemoryStore()},
		broker:   longpoll.NewBroker(longpoll.Config{MaxWait: 5 * time.Second}),
		audit:    audit.NewMemoryLogger(),
	}
	t.Cleanup(func() { _ = ts.broker.Close() })

	engine, err := turn.New(turn.Config{
		Sessions: session.NewMemoryStore(),
		Messages: ts.messages,
		Gate:     gate,
		Audit:    ts.audit,
		Notifier: ts.broker,
	})
	require.NoError(t, err)

	ts.handler = NewHandler(Deps{
		Engine:    engine,
		Messages:  ts.messages,
		Waiter:    ts.broker,
		Audit:       ts.audit,
		AuditCounts: ts.audit,
		Authorize:   authorize,
	}, authMiddle)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) createSession(t *testing.T, mode session.Mode) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, sessionsPath, map[string]string{"mode": string(mode)}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Session.ID
}

func (ts *testServer) post(t *testing.T, id string, sender session.Role, content string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, sessionsPath+"/"+id+"/messages",
		submitRequest{Sender: sender, Content: content}, nil)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func decodeRead(t *testing.T, w *httptest.ResponseRecorder) readResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp readResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandler_RoutesRegistered(t *testing.T) {
	ts := newTestServer(t, false, nil)
	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, sessionsPath},
		{http.MethodGet, sessionsPath + "?pairing_id=x"},
		{http.MethodGet, sessionsPath + "/x"},
		{http.MethodPost, sessionsPath + "/x/end"},
		{http.MethodPost, sessionsPath + "/x/messages"},
		{http.MethodGet, sessionsPath + "/x/messages"},
		{http.MethodGet, "/api/v1/admin/audit/events"},
		{http.MethodGet, "/api/v1/admin/audit/summary"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := ts.do(t, rt.method, rt.path, nil, nil)
			assert.NotEqual(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestHandler_CreateAndGetSession(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeCouple)

	w := ts.do(t, http.MethodGet, sessionsPath+"/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, session.StateAwaitingA, resp.Session.State)
	assert.Equal(t, session.CadencePair, resp.Session.Cadence)
	assert.Equal(t, []session.Role{session.RoleUserA, session.RoleUserB, session.RoleAI}, resp.Session.Participants)
}

func TestHandler_CreateSessionInvalid(t *testing.T) {
	ts := newTestServer(t, false, nil)

	w := ts.do(t, http.MethodPost, sessionsPath, map[string]string{"mode": "group"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(turn.KindInvalidRequest), decodeError(t, w).Kind)

	w = ts.do(t, http.MethodPost, sessionsPath, map[string]string{"nope": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListSessions(t *testing.T) {
	ts := newTestServer(t, false, nil)

	var ids []string
	for _, mode := range []session.Mode{session.ModeCouple, session.ModeSolo} {
		w := ts.do(t, http.MethodPost, sessionsPath, map[string]string{"mode": string(mode), "pairing_id": "pair-1"}, nil)
		require.Equal(t, http.StatusCreated, w.Code)
		var resp sessionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		ids = append(ids, resp.Session.ID)
	}
	ts.createSession(t, session.ModeCouple)
	require.Equal(t, http.StatusAccepted, ts.post(t, ids[0], session.RoleUserA, "hello").Code)

	w := ts.do(t, http.MethodGet, sessionsPath+"?pairing_id=pair-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list sessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 2)

	states := map[string]session.State{}
	for _, s := range list.Sessions {
		states[s.ID] = s.State
	}
	assert.Equal(t, map[string]session.State{
		ids[0]: session.StateAwaitingB,
		ids[1]: session.StateAwaitingUser,
	}, states)

	w = ts.do(t, http.MethodGet, sessionsPath+"?pairing_id=nobody", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Sessions)

	w = ts.do(t, http.MethodGet, sessionsPath, nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(turn.KindInvalidRequest), decodeError(t, w).Kind)
}

func TestHandler_GetSessionNotFound(t *testing.T) {
	ts := newTestServer(t, false, nil)
	w := ts.do(t, http.MethodGet, sessionsPath+"/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(turn.KindSessionNotFound), decodeError(t, w).Kind)
}

func TestHandler_SubmitStatusMapping(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeCouple)

	w := ts.post(t, id, session.RoleUserA, "hello")
	require.Equal(t, http.StatusAccepted, w.Code)
	var ok submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ok))
	assert.Equal(t, uint64(1), ok.Seq)
	assert.Equal(t, session.StateAwaitingB, ok.State)
	assert.Empty(t, ok.Tags)
	assert.False(t, ok.Duplicate)
	assert.Empty(t, ok.Outcome)

	t.Run("turn locked", func(t *testing.T) {
		w := ts.post(t, id, session.RoleUserA, "again")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, string(turn.KindTurnLocked), decodeError(t, w).Kind)
	})

	t.Run("non participant", func(t *testing.T) {
		w := ts.post(t, id, "userC", "hi")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty content", func(t *testing.T) {
		w := ts.post(t, id, session.RoleUserB, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		w := ts.post(t, "missing", session.RoleUserA, "hi")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("store unavailable", func(t *testing.T) {
		ts.messages.setFail(true)
		defer ts.messages.setFail(false)

		w := ts.post(t, id, session.RoleUserB, "reply")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
		assert.Equal(t, string(turn.KindStoreUnavailable), decodeError(t, w).Kind)
	})

	t.Run("warn tags", func(t *testing.T) {
		w := ts.post(t, id, session.RoleUserB, contentWarn)
		require.Equal(t, http.StatusAccepted, w.Code)
		var resp submitResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, []string{"contempt"}, resp.Tags)
		assert.Equal(t, session.StateAIReflect, resp.State)
	})
}

func TestHandler_BoundaryLocked(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeSolo)

	w := ts.post(t, id, session.RoleUserA, contentBlock)
	require.Equal(t, http.StatusConflict, w.Code)
	detail := decodeError(t, w)
	assert.Equal(t, string(turn.KindBoundaryLocked), detail.Kind)
	assert.Equal(t, testResources, detail.Resources)

	// Nothing was stored.
	r := decodeRead(t, ts.do(t, http.MethodGet, sessionsPath+"/"+id+"/messages", nil, nil))
	assert.Empty(t, r.Messages)

	w = ts.post(t, id, session.RoleUserA, "sorry")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(turn.KindBoundaryLocked), decodeError(t, w).Kind)
}

func TestHandler_IdempotencyKey(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeSolo)
	path := sessionsPath + "/" + id + "/messages"
	hdr := map[string]string{idempotencyHeader: "k1"}

	w := ts.do(t, http.MethodPost, path, submitRequest{Sender: session.RoleUserA, Content: "hi"}, hdr)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodPost, path, submitRequest{Sender: session.RoleUserA, Content: "hi"}, hdr)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)
	assert.Equal(t, turn.KindDuplicateIgnored, resp.Outcome)
	assert.Equal(t, uint64(1), resp.Seq)
	assert.Equal(t, session.StateAIReflect, resp.State)

	// Body key must agree with the header.
	w = ts.do(t, http.MethodPost, path,
		submitRequest{Sender: session.RoleUserA, Content: "hi", IdempotencyKey: "other"}, hdr)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Keys under the facilitator prefix are not available to participants.
	w = ts.do(t, http.MethodPost, path, submitRequest{Sender: session.RoleUserA, Content: "hi"},
		map[string]string{idempotencyHeader: turn.AIKey(1)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(turn.KindInvalidRequest), decodeError(t, w).Kind)

	r := decodeRead(t, ts.do(t, http.MethodGet, path, nil, nil))
	assert.Len(t, r.Messages, 1)
}

func TestHandler_EndSession(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeSolo)

	for range 2 {
		w := ts.do(t, http.MethodPost, sessionsPath+"/"+id+"/end", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp sessionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, session.StateEnded, resp.Session.State)
	}

	w := ts.post(t, id, session.RoleUserA, "hi")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(turn.KindSessionEnded), decodeError(t, w).Kind)

	w = ts.do(t, http.MethodPost, sessionsPath+"/missing/end", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ReadCursor(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeSolo)
	ts.post(t, id, session.RoleUserA, "one")
	ts.post(t, id, session.RoleAI, "two")
	ts.post(t, id, session.RoleUserA, "three")
	path := sessionsPath + "/" + id + "/messages"

	r := decodeRead(t, ts.do(t, http.MethodGet, path, nil, nil))
	require.Len(t, r.Messages, 3)
	assert.Equal(t, uint64(3), r.Cursor)

	r = decodeRead(t, ts.do(t, http.MethodGet, path+"?after=1", nil, nil))
	require.Len(t, r.Messages, 2)
	assert.Equal(t, uint64(2), r.Messages[0].Seq)

	r = decodeRead(t, ts.do(t, http.MethodGet, path+"?after=3", nil, nil))
	assert.Empty(t, r.Messages)
	assert.Equal(t, uint64(3), r.Cursor)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	r = decodeRead(t, ts.do(t, http.MethodGet, path+"?since="+future, nil, nil))
	assert.Empty(t, r.Messages)
	assert.Equal(t, uint64(3), r.Cursor)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	r = decodeRead(t, ts.do(t, http.MethodGet, path+"?since="+past, nil, nil))
	assert.Len(t, r.Messages, 3)
}

func TestHandler_ReadInvalid(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeSolo)
	path := sessionsPath + "/" + id + "/messages"

	for _, q := range []string{"?after=-1", "?after=x", "?since=yesterday", "?after=1&since=2024-01-01T00:00:00Z", "?wait_ms=-5", "?wait_ms=abc"} {
		t.Run(q, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, path+q, nil, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := ts.do(t, http.MethodGet, sessionsPath+"/missing/messages", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_LongPollTimeout(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeSolo)

	start := time.Now()
	r := decodeRead(t, ts.do(t, http.MethodGet, sessionsPath+"/"+id+"/messages?after=0&wait_ms=200", nil, nil))
	elapsed := time.Since(start)

	assert.Empty(t, r.Messages)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, ts.broker.Stats().Waiters)
}

func TestHandler_LongPollWokenBySubmit(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeSolo)

	done := make(chan readResponse, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, sessionsPath+"/"+id+"/messages?after=0&wait_ms=5000", http.NoBody)
		w := httptest.NewRecorder()
		ts.handler.ServeHTTP(w, req)
		var resp readResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		done <- resp
	}()

	require.Eventually(t, func() bool { return ts.broker.Stats().Waiters == 1 }, 2*time.Second, 5*time.Millisecond)
	w := ts.post(t, id, session.RoleUserA, "wake up")
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case resp := <-done:
		require.Len(t, resp.Messages, 1)
		assert.Equal(t, "wake up", resp.Messages[0].Content)
		assert.Equal(t, uint64(1), resp.Cursor)
	case <-time.After(3 * time.Second):
		t.Fatal("long-poll was not woken")
	}
}

func TestHandler_AuthorizeSender(t *testing.T) {
	keys, err := auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{Keys: []auth.APIKey{
		{Name: "alice", Key: "alice-key", Participant: string(session.RoleUserA)},
		{Name: "bot", Key: "bot-key", Roles: []string{auth.RoleFacilitator}},
		{Name: "ops", Key: "ops-key", Roles: []string{auth.RoleAdmin}},
	}})
	require.NoError(t, err)
	ts := newTestServer(t, true, auth.Middleware(keys))

	bearer := func(k string) map[string]string { return map[string]string{"Authorization": "Bearer " + k} }

	w := ts.do(t, http.MethodPost, sessionsPath, map[string]string{"mode": "solo"}, bearer("alice-key"))
	require.Equal(t, http.StatusCreated, w.Code)
	var created sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	path := sessionsPath + "/" + created.Session.ID + "/messages"

	t.Run("unauthenticated", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("participant cannot post as ai", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, path, submitRequest{Sender: session.RoleAI, Content: "x"}, bearer("alice-key"))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, kindForbidden, decodeError(t, w).Kind)
	})

	t.Run("participant posts as self", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, path, submitRequest{Sender: session.RoleUserA, Content: "x"}, bearer("alice-key"))
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("facilitator posts as ai", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, path, submitRequest{Sender: session.RoleAI, Content: "reflect"}, bearer("bot-key"))
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("audit requires admin", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/admin/audit/events", nil, bearer("alice-key"))
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = ts.do(t, http.MethodGet, "/api/v1/admin/audit/events", nil, bearer("ops-key"))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHandler_AuditEvents(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeSolo)
	ts.post(t, id, session.RoleUserA, "hi")
	ts.post(t, id, session.RoleUserA, "again") // turn locked

	w := ts.do(t, http.MethodGet, "/api/v1/admin/audit/events?session_id="+id+"&kind=TURN_LOCKED", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp auditEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, audit.KindTurnLocked, resp.Data[0].Kind)
	assert.Equal(t, defaultAuditLimit, resp.Limit)
	assert.NotContains(t, w.Body.String(), "again")
}

func TestHandler_AuditSummary(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.createSession(t, session.ModeSolo)
	ts.post(t, id, session.RoleUserA, "hi")
	ts.post(t, id, session.RoleUserA, "again")
	ts.post(t, id, session.RoleUserA, "and again")
	ts.post(t, id, session.RoleAI, contentWarn)

	w := ts.do(t, http.MethodGet, "/api/v1/admin/audit/summary?session_id="+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp auditSummaryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Counts[audit.KindTurnLocked])
	assert.Equal(t, 1, resp.Counts[audit.KindSafetyTagged])
	assert.Equal(t, 3, resp.Total)
}

func TestStatusFor(t *testing.T) {
	tests := map[turn.Kind]int{
		turn.KindTurnLocked:       http.StatusConflict,
		turn.KindBoundaryLocked:   http.StatusConflict,
		turn.KindSessionEnded:     http.StatusConflict,
		turn.KindSessionNotFound:  http.StatusNotFound,
		turn.KindInvalidRequest:   http.StatusBadRequest,
		turn.KindStoreUnavailable: http.StatusServiceUnavailable,
		"SOMETHING_ELSE":          http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}
