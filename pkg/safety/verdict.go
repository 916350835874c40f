// Package safety provides the boundary-detection gate every message passes
// before admission. A Classifier turns content into a Verdict; the Gate
// wraps a Classifier with the configured failure policy so that classifier
// outages degrade to a known tier instead of silently allowing content.
package safety

import (
	"context"
	"fmt"
	"math"
)

// Tier is the classifier decision.
type Tier string

const (
	TierAllow Tier = "allow"
	TierWarn  Tier = "warn"
	TierBlock Tier = "block"
)

// rank orders tiers by severity.
func (t Tier) rank() int {
	switch t {
	case TierBlock:
		return 2
	case TierWarn:
		return 1
	default:
		return 0
	}
}

// ParseTier converts a string to a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierAllow, TierWarn, TierBlock:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown safety tier %q", s)
	}
}

// Tags added by the gate itself rather than by a classifier.
const (
	TagClassifierUnavailable = "classifier_unavailable"
	TagLowConfidence         = "low_confidence"
)

// Resource is a remediation or referral entry surfaced to the user when
// content is blocked.
type Resource struct {
	Name    string `json:"name" yaml:"name"`
	Contact string `json:"contact,omitempty" yaml:"contact"`
	URL     string `json:"url,omitempty" yaml:"url"`
}

// Input is the content under review plus lightweight session context.
type Input struct {
	Content         string
	Sender          string
	MessageCount    int
	PriorViolations int
}

// Verdict is the classifier output.
type Verdict struct {
	Tier           Tier       `json:"tier"`
	Tags           []string   `json:"tags,omitempty"`
	Confidence     float64    `json:"confidence"`
	Resources      []Resource `json:"resources,omitempty"`
	PatternVersion string     `json:"pattern_version,omitempty"`
}

// Validate reports whether v is within the classifier contract: a known
// tier and a confidence in [0,1].
func (v Verdict) Validate() error {
	if _, err := ParseTier(string(v.Tier)); err != nil {
		return err
	}
	if math.IsNaN(v.Confidence) || v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("classifier confidence out of range: %v", v.Confidence)
	}
	return nil
}

// Classifier evaluates content. Implementations must be deterministic for
// a fixed pattern-set version and must not retain the content.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Verdict, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, in Input) (Verdict, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, in Input) (Verdict, error) {
	return f(ctx, in)
}
