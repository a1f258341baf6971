package core

import (
	"fmt"
	"time"
)

// RuleType identifies how a rule is evaluated.
type RuleType string

const (
	RuleTypeImmediate   RuleType = "immediate"
	RuleTypeThreshold   RuleType = "threshold"
	RuleTypeCorrelation RuleType = "correlation"
)

// Comparison operators recognized in match conditions.
const (
	OpEq          = "eq"
	OpNe          = "ne"
	OpGt          = "gt"
	OpLt          = "lt"
	OpGte         = "gte"
	OpLte         = "lte"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpRegex       = "regex"
	OpIPInRange   = "ip_in_range"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
)

// Severity levels, ordered from least to most urgent.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// MatchCondition is a single field/operator/value triple. All conditions on a
// rule must hold for the rule to match (logical AND).
type MatchCondition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`

	// CaseSensitive applies to the regex operator only.
	CaseSensitive bool `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
}

// Rule is a detection rule loaded from configuration. Rules are never mutated
// in place; reload replaces the whole active set atomically.
type Rule struct {
	Name        string           `json:"name" yaml:"name"`
	Type        RuleType         `json:"type" yaml:"type"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    string           `json:"severity" yaml:"severity"`
	Category    string           `json:"category,omitempty" yaml:"category,omitempty"`
	Tags        []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
	Enabled     bool             `json:"enabled" yaml:"enabled"`
	// Priority orders evaluation within a type; higher runs first.
	Priority int              `json:"priority,omitempty" yaml:"priority,omitempty"`
	Match    []MatchCondition `json:"match" yaml:"match"`

	// Threshold rule fields.
	Window    string   `json:"window,omitempty" yaml:"window,omitempty"`
	Threshold int      `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	GroupBy   []string `json:"group_by,omitempty" yaml:"group_by,omitempty"`

	// Correlation rule fields.
	Correlation *CorrelationSpec `json:"correlation,omitempty" yaml:"correlation,omitempty"`

	// parsedWindow caches the result of validating Window.
	parsedWindow time.Duration
}

// CorrelationSpec carries the correlation-specific configuration of a rule.
type CorrelationSpec struct {
	Type                CorrelationType `json:"type" yaml:"type"`
	MinEvents           int             `json:"min_events" yaml:"min_events"`
	MaxEvents           int             `json:"max_events,omitempty" yaml:"max_events,omitempty"`
	TimeSpan            string          `json:"time_span" yaml:"time_span"`
	Fields              []string        `json:"fields,omitempty" yaml:"fields,omitempty"`
	ConfidenceThreshold float64         `json:"confidence_threshold" yaml:"confidence_threshold"`

	parsedSpan time.Duration
}

var validSeverities = map[string]bool{
	SeverityLow:      true,
	SeverityMedium:   true,
	SeverityHigh:     true,
	SeverityCritical: true,
}

var validOperators = map[string]bool{
	OpEq: true, OpNe: true,
	OpGt: true, OpLt: true, OpGte: true, OpLte: true,
	OpIn: true, OpNotIn: true,
	OpContains: true, OpNotContains: true,
	OpRegex: true, OpIPInRange: true,
	OpExists: true, OpNotExists: true,
}

// Validate checks the rule definition for configuration errors. It parses and
// caches the threshold window and correlation time span so evaluation never
// has to handle malformed durations.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	if !validSeverities[r.Severity] {
		return fmt.Errorf("rule %s: invalid severity %q", r.Name, r.Severity)
	}

	for i, cond := range r.Match {
		if cond.Field == "" {
			return fmt.Errorf("rule %s: condition %d has no field", r.Name, i)
		}
		if !validOperators[cond.Operator] {
			return fmt.Errorf("rule %s: condition %d has unknown operator %q", r.Name, i, cond.Operator)
		}
	}

	switch r.Type {
	case RuleTypeImmediate:
		if len(r.Match) == 0 {
			return fmt.Errorf("rule %s: immediate rule has no match conditions", r.Name)
		}
	case RuleTypeThreshold:
		window, err := ParseWindow(r.Window)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
		r.parsedWindow = window
		if r.Threshold <= 0 {
			return fmt.Errorf("rule %s: threshold must be positive, got %d", r.Name, r.Threshold)
		}
		if len(r.GroupBy) == 0 {
			return fmt.Errorf("rule %s: threshold rule has no group_by fields", r.Name)
		}
	case RuleTypeCorrelation:
		if r.Correlation == nil {
			return fmt.Errorf("rule %s: correlation rule has no correlation block", r.Name)
		}
		if err := r.Correlation.validate(r.Name); err != nil {
			return err
		}
	default:
		return fmt.Errorf("rule %s: unknown rule type %q", r.Name, r.Type)
	}

	return nil
}

func (cs *CorrelationSpec) validate(ruleName string) error {
	switch cs.Type {
	case CorrelationTemporal, CorrelationAttribute, CorrelationSpatial:
	default:
		return fmt.Errorf("rule %s: unknown correlation type %q", ruleName, cs.Type)
	}
	if cs.MinEvents < 2 {
		return fmt.Errorf("rule %s: correlation min_events must be at least 2, got %d", ruleName, cs.MinEvents)
	}
	if cs.MaxEvents > 0 && cs.MaxEvents < cs.MinEvents {
		return fmt.Errorf("rule %s: correlation max_events %d below min_events %d", ruleName, cs.MaxEvents, cs.MinEvents)
	}
	span, err := ParseWindow(cs.TimeSpan)
	if err != nil {
		return fmt.Errorf("rule %s: %w", ruleName, err)
	}
	cs.parsedSpan = span
	if cs.Type == CorrelationAttribute && len(cs.Fields) == 0 {
		return fmt.Errorf("rule %s: attribute correlation requires fields", ruleName)
	}
	if cs.ConfidenceThreshold < 0 || cs.ConfidenceThreshold > 1 {
		return fmt.Errorf("rule %s: confidence_threshold must be in [0,1], got %v", ruleName, cs.ConfidenceThreshold)
	}
	return nil
}

// WindowDuration returns the parsed threshold window. Valid only after
// Validate has succeeded.
func (r *Rule) WindowDuration() time.Duration {
	return r.parsedWindow
}

// SpanDuration returns the parsed correlation time span. Valid only after
// Validate has succeeded.
func (cs *CorrelationSpec) SpanDuration() time.Duration {
	return cs.parsedSpan
}

// RuleMatch records a single rule firing against one or more events.
type RuleMatch struct {
	Rule      *Rule
	Events    []*Event
	GroupKey  string
	MatchedAt time.Time
}
