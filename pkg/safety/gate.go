package safety

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultClassifyTimeout bounds a single classification when the gate is
// given no explicit timeout.
const DefaultClassifyTimeout = 3 * time.Second

// FailPolicy is the tier applied when the classifier cannot answer.
// There is no allow policy.
type FailPolicy string

const (
	FailWarn  FailPolicy = "warn"
	FailBlock FailPolicy = "block"
)

// Valid reports whether p is a known fail policy.
func (p FailPolicy) Valid() bool {
	return p == FailWarn || p == FailBlock
}

// GateConfig configures the gate.
type GateConfig struct {
	FailPolicy FailPolicy

	// MinConfidence raises allow verdicts below this confidence to warn.
	MinConfidence float64

	// Timeout bounds each classification.
	Timeout time.Duration

	// Resources accompany a degraded block.
	Resources []Resource
}

// Result is the gate decision for one message.
type Result struct {
	Verdict Verdict

	// Degraded is set when the classifier failed and the fail policy
	// decided the tier.
	Degraded bool
}

// Gate runs a classifier synchronously and applies the failure policy.
type Gate struct {
	classifier Classifier
	cfg        GateConfig
}

// NewGate creates a gate around c.
func NewGate(c Classifier, cfg GateConfig) (*Gate, error) {
	if c == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if !cfg.FailPolicy.Valid() {
		return nil, fmt.Errorf("invalid fail policy %q: must be warn or block", cfg.FailPolicy)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("min confidence must be within [0,1], got %v", cfg.MinConfidence)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClassifyTimeout
	}
	return &Gate{classifier: c, cfg: cfg}, nil
}

// Check classifies in. It never returns an error: a classifier failure or
// a malformed verdict becomes a degraded verdict at the fail-policy tier.
func (g *Gate) Check(ctx context.Context, in Input) Result {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	v, err := g.classifier.Classify(cctx, in)
	if err == nil {
		err = v.Validate()
	}
	if err != nil {
		slog.Warn("classifier unavailable, applying fail policy",
			"fail_policy", string(g.cfg.FailPolicy),
			"error", err,
		)
		degraded := Verdict{
			Tier: Tier(g.cfg.FailPolicy),
			Tags: []string{TagClassifierUnavailable},
		}
		if degraded.Tier == TierBlock {
			degraded.Resources = append(degraded.Resources, g.cfg.Resources...)
		}
		return Result{Verdict: degraded, Degraded: true}
	}

	if v.Tier == TierAllow && v.Confidence < g.cfg.MinConfidence {
		v.Tier = TierWarn
		v.Tags = append(v.Tags, TagLowConfidence)
	}
	return Result{Verdict: v}
}
