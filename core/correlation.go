package core

import "time"

// CorrelationType selects how events are grouped before scoring.
type CorrelationType string

const (
	// CorrelationTemporal groups by event type plus source/destination and
	// looks for regularity in inter-event timing.
	CorrelationTemporal CorrelationType = "temporal"
	// CorrelationAttribute groups by the rule's configured field values and
	// looks for low diversity across the remaining attributes.
	CorrelationAttribute CorrelationType = "attribute"
	// CorrelationSpatial groups by a derived location token (network prefix)
	// and looks for clustering.
	CorrelationSpatial CorrelationType = "spatial"
)

// CorrelationStrength is the qualitative band of a confidence score.
type CorrelationStrength string

const (
	StrengthWeak       CorrelationStrength = "weak"
	StrengthModerate   CorrelationStrength = "moderate"
	StrengthStrong     CorrelationStrength = "strong"
	StrengthVeryStrong CorrelationStrength = "very_strong"
)

// Confidence band boundaries for StrengthForConfidence.
const (
	StrengthModerateMin   = 0.6
	StrengthStrongMin     = 0.8
	StrengthVeryStrongMin = 0.9
)

// StrengthForConfidence maps a confidence score to its band.
func StrengthForConfidence(confidence float64) CorrelationStrength {
	switch {
	case confidence >= StrengthVeryStrongMin:
		return StrengthVeryStrong
	case confidence >= StrengthStrongMin:
		return StrengthStrong
	case confidence >= StrengthModerateMin:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

// CorrelationResult is a scored group of related events emitted by the
// correlation engine. It is consumed once to create an alert; the engine keeps
// a bounded history of emitted results for inspection.
type CorrelationResult struct {
	RuleName        string              `json:"rule_name"`
	CorrelationType CorrelationType     `json:"correlation_type"`
	GroupKey        string              `json:"group_key"`
	Confidence      float64             `json:"confidence"`
	Strength        CorrelationStrength `json:"strength"`
	EventIDs        []string            `json:"event_ids"`
	TimeSpan        time.Duration       `json:"time_span"`
	Patterns        []string            `json:"patterns"`
	DetectedAt      time.Time           `json:"detected_at"`
}
