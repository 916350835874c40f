package safety

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const httpTestToken = "classifier-token"

func TestNewHTTPClassifier_RequiresURL(t *testing.T) {
	_, err := NewHTTPClassifier(HTTPClassifierConfig{})
	assert.Error(t, err)
}

func TestHTTPClassifier_Classify(t *testing.T) {
	var got classifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer "+httpTestToken, r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Verdict{
			Tier:           TierWarn,
			Tags:           []string{"contempt"},
			Confidence:     0.72,
			PatternVersion: "remote-7",
		})
	}))
	defer srv.Close()

	c, err := NewHTTPClassifier(HTTPClassifierConfig{URL: srv.URL, Token: httpTestToken})
	require.NoError(t, err)

	v, err := c.Classify(context.Background(), Input{Content: "hello", Sender: "userA", MessageCount: 4, PriorViolations: 1})
	require.NoError(t, err)
	assert.Equal(t, TierWarn, v.Tier)
	assert.Equal(t, []string{"contempt"}, v.Tags)
	assert.Equal(t, "remote-7", v.PatternVersion)
	assert.Equal(t, classifyRequest{Content: "hello", Sender: "userA", MessageCount: 4, PriorViolations: 1}, got)
}

func TestHTTPClassifier_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			wantErr: "classifier request failed: 500",
		},
		{
			name:    "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{not json")) },
			wantErr: "parsing classifier response",
		},
		{
			name: "unknown tier",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"tier":"maybe","confidence":0.5}`))
			},
			wantErr: "unknown safety tier",
		},
		{
			name: "confidence out of range",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"tier":"allow","confidence":7}`))
			},
			wantErr: "confidence out of range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c, err := NewHTTPClassifier(HTTPClassifierConfig{URL: srv.URL})
			require.NoError(t, err)

			_, err = c.Classify(context.Background(), Input{Content: "x"})
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestHTTPClassifier_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClassifier(HTTPClassifierConfig{URL: url})
	require.NoError(t, err)
	_, err = c.Classify(context.Background(), Input{Content: "x"})
	assert.ErrorContains(t, err, "calling classifier")
}
