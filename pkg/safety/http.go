package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultHTTPClassifierTimeout = 2 * time.Second
	maxClassifierResponseBytes   = 1 << 20
)

// HTTPClassifierConfig configures an external classification service.
type HTTPClassifierConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// HTTPClassifier calls an external classification service. The request
// body carries only the fields of Input; the response is a Verdict.
type HTTPClassifier struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPClassifier creates an HTTP classifier.
func NewHTTPClassifier(cfg HTTPClassifierConfig) (*HTTPClassifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("classifier url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPClassifierTimeout
	}
	return &HTTPClassifier{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type classifyRequest struct {
	Content         string `json:"content"`
	Sender          string `json:"sender"`
	MessageCount    int    `json:"message_count"`
	PriorViolations int    `json:"prior_violations"`
}

// Classify posts the input and decodes the verdict. Transport failures,
// non-2xx responses and unknown tiers are errors.
func (c *HTTPClassifier) Classify(ctx context.Context, in Input) (Verdict, error) {
	body, err := json.Marshal(classifyRequest{
		Content:         in.Content,
		Sender:          in.Sender,
		MessageCount:    in.MessageCount,
		PriorViolations: in.PriorViolations,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("encoding classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("creating classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("calling classifier: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Verdict{}, fmt.Errorf("classifier request failed: %d", resp.StatusCode)
	}

	var v Verdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxClassifierResponseBytes)).Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("parsing classifier response: %w", err)
	}
	if err := v.Validate(); err != nil {
		return Verdict{}, err
	}
	return v, nil
}

// Verify interface compliance.
var _ Classifier = (*HTTPClassifier)(nil)
