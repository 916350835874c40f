package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/pairtalk/pkg/message"
	"github.com/txn2/pairtalk/pkg/session"
)

const responderToken = "orchestrator-token"

func TestNewHTTPResponder_RequiresURL(t *testing.T) {
	_, err := NewHTTPResponder(HTTPResponderConfig{})
	assert.Error(t, err)
}

func TestHTTPResponder_Reply(t *testing.T) {
	var got replyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer "+responderToken, r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Reply{Content: "Thank you both."})
	}))
	defer srv.Close()

	c, err := NewHTTPResponder(HTTPResponderConfig{URL: srv.URL, Token: responderToken})
	require.NoError(t, err)

	rep, err := c.Reply(context.Background(), Snapshot{
		SessionID: "s1",
		Mode:      session.ModeCouple,
		Seq:       2,
		Messages: []*message.Message{
			{Sender: session.RoleUserA, Content: "a", Seq: 1},
			{Sender: session.RoleUserB, Content: "b", Seq: 2, Tags: []string{"contempt"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Thank you both.", rep.Content)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, uint64(2), got.Seq)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, []string{"contempt"}, got.Messages[1].Tags)
}

func TestHTTPResponder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantErr: "responder request failed: 502",
		},
		{
			name:    "bad json",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{")) },
			wantErr: "parsing responder response",
		},
		{
			name:    "empty content",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"content":""}`)) },
			wantErr: "empty content",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c, err := NewHTTPResponder(HTTPResponderConfig{URL: srv.URL})
			require.NoError(t, err)
			_, err = c.Reply(context.Background(), Snapshot{SessionID: "s1"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHTTPResponder_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewHTTPResponder(HTTPResponderConfig{URL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.Reply(context.Background(), Snapshot{SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calling responder")
}
