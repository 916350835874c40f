package safety

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

const (
	// defaultAllowConfidence is the confidence reported when no pattern matches.
	defaultAllowConfidence = 0.9

	// TagRepeatedViolation marks a warn verdict escalated to block.
	TagRepeatedViolation = "repeated_violation"
)

// CategoryDef is one category of a rule set as written in YAML.
type CategoryDef struct {
	Name      string     `yaml:"name"`
	Tier      string     `yaml:"tier"`
	Weight    float64    `yaml:"weight"`
	Patterns  []string   `yaml:"patterns"`
	Resources []Resource `yaml:"resources"`
}

// RuleSet is a versioned set of pattern categories.
type RuleSet struct {
	Version string `yaml:"version"`

	// EscalateAfter promotes a warn verdict to block once the session has
	// this many prior violations. Zero disables escalation.
	EscalateAfter int `yaml:"escalate_after"`

	// AllowConfidence is reported for content that matches nothing.
	AllowConfidence float64 `yaml:"allow_confidence"`

	// DefaultResources accompany blocks that carry no category resources.
	DefaultResources []Resource `yaml:"default_resources"`

	Categories []CategoryDef `yaml:"categories"`
}

// DefaultRuleSet returns the built-in rule set.
func DefaultRuleSet() RuleSet {
	crisis := []Resource{
		{Name: "988 Suicide & Crisis Lifeline", Contact: "call or text 988", URL: "https://988lifeline.org"},
	}
	dv := []Resource{
		{Name: "National Domestic Violence Hotline", Contact: "1-800-799-7233", URL: "https://www.thehotline.org"},
	}
	return RuleSet{
		Version:          "builtin-1",
		EscalateAfter:    3,
		AllowConfidence:  defaultAllowConfidence,
		DefaultResources: crisis,
		Categories: []CategoryDef{
			{
				Name:   "self_harm",
				Tier:   string(TierBlock),
				Weight: 0.95,
				Patterns: []string{
					`\b(kill|hurt|harm)\s+myself\b`,
					`\bsuicid(e|al)\b`,
					`\bend\s+(my|it\s+all|my\s+own)\s*life\b`,
					`\bwant\s+to\s+die\b`,
				},
				Resources: crisis,
			},
			{
				Name:   "violence",
				Tier:   string(TierBlock),
				Weight: 0.9,
				Patterns: []string{
					`\b(i\s*('| a)?m|i\s+will|gonna|going\s+to)\s+(kill|hurt|beat|strangle)\s+(you|him|her|them)\b`,
					`\bthreat(en)?\s+to\s+kill\b`,
				},
				Resources: dv,
			},
			{
				Name:   "contempt",
				Tier:   string(TierWarn),
				Weight: 0.7,
				Patterns: []string{
					`\b(stupid|idiot|worthless|pathetic|disgusting)\b`,
					`\bshut\s+up\b`,
				},
			},
			{
				Name:   "contact_info",
				Tier:   string(TierWarn),
				Weight: 0.6,
				Patterns: []string{
					`[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
					`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`,
				},
			},
		},
	}
}

// LoadRuleSet reads a YAML rule set from path.
func LoadRuleSet(path string) (RuleSet, error) {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("reading rule set: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parsing rule set: %w", err)
	}
	return rs, nil
}

type category struct {
	name      string
	tier      Tier
	weight    float64
	patterns  []*regexp.Regexp
	resources []Resource
}

// PatternClassifier matches content against a compiled rule set.
// It is safe for concurrent use.
type PatternClassifier struct {
	version          string
	escalateAfter    int
	allowConfidence  float64
	defaultResources []Resource
	categories       []category
}

// NewPatternClassifier compiles a rule set. Patterns are matched
// case-insensitively.
func NewPatternClassifier(rs RuleSet) (*PatternClassifier, error) {
	if rs.AllowConfidence <= 0 {
		rs.AllowConfidence = defaultAllowConfidence
	}
	if rs.AllowConfidence > 1 {
		return nil, fmt.Errorf("allow confidence must be within [0,1], got %v", rs.AllowConfidence)
	}
	pc := &PatternClassifier{
		version:          rs.Version,
		escalateAfter:    rs.EscalateAfter,
		allowConfidence:  rs.AllowConfidence,
		defaultResources: rs.DefaultResources,
	}
	for _, def := range rs.Categories {
		tier, err := ParseTier(def.Tier)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", def.Name, err)
		}
		if def.Weight < 0 || def.Weight > 1 {
			return nil, fmt.Errorf("category %s: weight must be within [0,1], got %v", def.Name, def.Weight)
		}
		c := category{
			name:      def.Name,
			tier:      tier,
			weight:    def.Weight,
			resources: def.Resources,
		}
		for _, p := range def.Patterns {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, fmt.Errorf("category %s: compiling %q: %w", def.Name, p, err)
			}
			c.patterns = append(c.patterns, re)
		}
		pc.categories = append(pc.categories, c)
	}
	return pc, nil
}

// Version returns the pattern-set version.
func (pc *PatternClassifier) Version() string {
	return pc.version
}

// Classify returns the most severe tier among matched categories. The
// confidence is the highest matched weight.
func (pc *PatternClassifier) Classify(_ context.Context, in Input) (Verdict, error) {
	v := Verdict{
		Tier:           TierAllow,
		Confidence:     pc.allowConfidence,
		PatternVersion: pc.version,
	}

	matched := false
	for _, c := range pc.categories {
		if !c.matches(in.Content) {
			continue
		}
		if !matched {
			v.Confidence = 0
			matched = true
		}
		v.Tags = append(v.Tags, c.name)
		if c.tier.rank() > v.Tier.rank() {
			v.Tier = c.tier
		}
		if c.weight > v.Confidence {
			v.Confidence = c.weight
		}
		if c.tier == TierBlock {
			v.Resources = append(v.Resources, c.resources...)
		}
	}

	if v.Tier == TierWarn && pc.escalateAfter > 0 && in.PriorViolations >= pc.escalateAfter {
		v.Tier = TierBlock
		v.Tags = append(v.Tags, TagRepeatedViolation)
	}
	if v.Tier == TierBlock && len(v.Resources) == 0 {
		v.Resources = append(v.Resources, pc.defaultResources...)
	}
	return v, nil
}

func (c category) matches(content string) bool {
	for _, re := range c.patterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// Verify interface compliance.
var _ Classifier = (*PatternClassifier)(nil)
