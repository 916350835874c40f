package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/txn2/pairtalk/pkg/session"
)

const (
	defaultHTTPResponderTimeout = 20 * time.Second
	maxResponderResponseBytes   = 1 << 20
)

// HTTPResponderConfig configures an external orchestrator.
type HTTPResponderConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// HTTPResponder asks an external orchestrator for the AI reply.
type HTTPResponder struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPResponder creates an HTTP responder.
func NewHTTPResponder(cfg HTTPResponderConfig) (*HTTPResponder, error) {
	if cfg.URL == "" {
		return nil, errors.New("responder url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPResponderTimeout
	}
	return &HTTPResponder{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type replyMessage struct {
	Sender  session.Role `json:"sender"`
	Content string       `json:"content"`
	Seq     uint64       `json:"seq"`
	Tags    []string     `json:"tags,omitempty"`
}

type replyRequest struct {
	SessionID string         `json:"session_id"`
	Mode      session.Mode   `json:"mode"`
	Seq       uint64         `json:"seq"`
	Messages  []replyMessage `json:"messages"`
}

// Reply posts the snapshot and decodes the reply.
func (c *HTTPResponder) Reply(ctx context.Context, snap Snapshot) (Reply, error) {
	rr := replyRequest{
		SessionID: snap.SessionID,
		Mode:      snap.Mode,
		Seq:       snap.Seq,
		Messages:  make([]replyMessage, 0, len(snap.Messages)),
	}
	for _, m := range snap.Messages {
		rr.Messages = append(rr.Messages, replyMessage{Sender: m.Sender, Content: m.Content, Seq: m.Seq, Tags: m.Tags})
	}
	body, err := json.Marshal(rr)
	if err != nil {
		return Reply{}, fmt.Errorf("encoding reply request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("creating reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("calling responder: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("responder request failed: %d", resp.StatusCode)
	}

	var r Reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponderResponseBytes)).Decode(&r); err != nil {
		return Reply{}, fmt.Errorf("parsing responder response: %w", err)
	}
	if r.Content == "" {
		return Reply{}, errors.New("responder returned empty content")
	}
	return r, nil
}

// Verify interface compliance.
var _ Responder = (*HTTPResponder)(nil)
