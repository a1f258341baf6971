package analyze

import (
	"fmt"
	"math"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"vigil/core"
	"vigil/metrics"
)

const recentResultsSize = 128

// Confidence scoring constants. These are visible configuration of the
// heuristic: results are reproducible from the documented base and
// adjustments, clamped to [0,1].
const (
	// ConfidenceBase is the starting score before any adjustment.
	ConfidenceBase = 0.5

	// AdjRegularTiming is added when inter-event intervals have a low
	// coefficient of variation (below RegularTimingMaxCV).
	AdjRegularTiming = 0.2
	// AdjStableFrequency is added when the interval trend slope stays within
	// TrendSlopeBand of flat.
	AdjStableFrequency = 0.15
	// AdjManyIntervals is added when more than ManyIntervalsMin intervals
	// contributed to the timing analysis.
	AdjManyIntervals = 0.1
	// ManyIntervalsMin is the interval count above which AdjManyIntervals
	// applies.
	ManyIntervalsMin = 10

	// AdjClustered is added when spatial tokens concentrate below
	// LowDiversityMax distinct-to-total ratio.
	AdjClustered = 0.3
	// AdjMixedDistribution is added for spatial token ratios between
	// LowDiversityMax and HighDiversityMin.
	AdjMixedDistribution = 0.15

	// AdjLowDiversity is added per attribute field whose distinct-to-total
	// ratio is at or below LowDiversityMax.
	AdjLowDiversity = 0.1
	// AdjHighDiversity is added (negative) per attribute field whose ratio is
	// at or above HighDiversityMin.
	AdjHighDiversity = -0.05

	// RegularTimingMaxCV is the coefficient-of-variation ceiling for regular
	// timing.
	RegularTimingMaxCV = 0.5
	// TrendSlopeBand bounds the normalized slope considered "stable".
	TrendSlopeBand = 0.1
	// LowDiversityMax and HighDiversityMin bound the distinct-to-total
	// ratios for the diversity adjustments.
	LowDiversityMax  = 0.3
	HighDiversityMin = 0.8
)

// Pattern tags attached to correlation results.
const (
	PatternRegularTiming       = "regular_timing"
	PatternStableFrequency     = "stable_frequency"
	PatternIncreasingFrequency = "increasing_frequency"
	PatternDecreasingFrequency = "decreasing_frequency"
	PatternClustered           = "clustered"
	PatternMixedDistribution   = "mixed_distribution"
	PatternLowDiversityPrefix  = "low_diversity:"
	PatternHighDiversityPrefix = "high_diversity:"
)

type correlationBuffer struct {
	events []*core.Event
}

// CorrelationEngine buffers events per rule and grouping key and emits scored
// CorrelationResults at sweep time.
type CorrelationEngine struct {
	mu      sync.Mutex
	buffers map[string]map[string]*correlationBuffer // rule name -> group key -> buffer
	total   int

	// recent keeps the last emitted results for the stats surface.
	recent *lru.Cache[string, *core.CorrelationResult]

	store     *core.RuleStore
	matcher   *Matcher
	maxEvents int
	logger    *zap.SugaredLogger
}

// NewCorrelationEngine creates a correlation engine. maxEvents bounds the
// total number of buffered events across all rules; the oldest buffered
// events are evicted on overflow.
func NewCorrelationEngine(store *core.RuleStore, matcher *Matcher, maxEvents int, logger *zap.SugaredLogger) *CorrelationEngine {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	recent, _ := lru.New[string, *core.CorrelationResult](recentResultsSize)
	return &CorrelationEngine{
		buffers:   make(map[string]map[string]*correlationBuffer),
		recent:    recent,
		store:     store,
		matcher:   matcher,
		maxEvents: maxEvents,
		logger:    logger,
	}
}

// groupingKey derives the buffer key for an event under a rule's correlation
// type. The second return value is false when the event lacks the fields the
// grouping needs.
func groupingKey(event *core.Event, rule *core.Rule) (string, bool) {
	switch rule.Correlation.Type {
	case core.CorrelationTemporal:
		return strings.Join([]string{event.EventType, event.SourceIP, event.DestIP}, "|"), true
	case core.CorrelationAttribute:
		return GroupKey(event, rule.Correlation.Fields)
	case core.CorrelationSpatial:
		token := locationToken(event.SourceIP)
		if token == "" {
			return "", false
		}
		return token, true
	default:
		return "", false
	}
}

// locationToken reduces an IP to its /24 (or /64 for IPv6) network prefix.
func locationToken(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}
	masked := ip.Mask(net.CIDRMask(64, 128))
	return masked.String() + "/64"
}

// Observe appends the event to the buffer of every correlation rule it
// matches.
func (ce *CorrelationEngine) Observe(event *core.Event) {
	rules := ce.store.Active().ByType(core.RuleTypeCorrelation)
	if len(rules) == 0 {
		return
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()

	for _, rule := range rules {
		if len(rule.Match) > 0 && !ce.matcher.Matches(event, rule) {
			continue
		}
		key, ok := groupingKey(event, rule)
		if !ok {
			continue
		}

		groups, ok := ce.buffers[rule.Name]
		if !ok {
			groups = make(map[string]*correlationBuffer)
			ce.buffers[rule.Name] = groups
		}
		buffer, ok := groups[key]
		if !ok {
			buffer = &correlationBuffer{}
			groups[key] = buffer
		}

		buffer.events = append(buffer.events, event)
		ce.total++
	}

	if ce.total > ce.maxEvents {
		ce.evictOldest()
	}
}

// evictOldest trims the front of every buffer proportionally until the global
// bound holds again. Caller holds ce.mu.
func (ce *CorrelationEngine) evictOldest() {
	for ce.total > ce.maxEvents {
		var oldestBuf *correlationBuffer
		var oldest time.Time
		for _, groups := range ce.buffers {
			for _, buf := range groups {
				if len(buf.events) == 0 {
					continue
				}
				if oldestBuf == nil || buf.events[0].Timestamp.Before(oldest) {
					oldestBuf = buf
					oldest = buf.events[0].Timestamp
				}
			}
		}
		if oldestBuf == nil {
			return
		}
		oldestBuf.events = oldestBuf.events[1:]
		ce.total--
	}
}

// Sweep evaluates each rule's buffers and returns the results that clear the
// rule's confidence threshold. Emitting a result consumes the buffer for that
// group; sub-threshold groups keep accumulating. Buffers are trimmed to twice
// the rule's time span so memory stays bounded regardless of event rate.
func (ce *CorrelationEngine) Sweep(now time.Time) []*core.CorrelationResult {
	timer := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("correlation").Observe(time.Since(timer).Seconds())
	}()

	active := ce.store.Active()

	ce.mu.Lock()
	defer ce.mu.Unlock()

	var results []*core.CorrelationResult
	for ruleName, groups := range ce.buffers {
		rule, ok := active.ByName(ruleName)
		if !ok || !rule.Enabled || rule.Type != core.RuleTypeCorrelation {
			for _, buf := range groups {
				ce.total -= len(buf.events)
			}
			delete(ce.buffers, ruleName)
			continue
		}

		spec := rule.Correlation
		retention := 2 * spec.SpanDuration()
		for key, buffer := range groups {
			before := len(buffer.events)
			buffer.events = pruneOlderThan(buffer.events, now.Add(-retention))
			ce.total -= before - len(buffer.events)

			if len(buffer.events) == 0 {
				delete(groups, key)
				continue
			}

			result := ce.evaluate(rule, key, buffer.events, now)
			if result == nil {
				continue
			}
			if result.Confidence < spec.ConfidenceThreshold {
				ce.logger.Debugw("Correlation below confidence threshold",
					"rule", ruleName,
					"group_key", key,
					"confidence", result.Confidence,
					"threshold", spec.ConfidenceThreshold)
				continue
			}

			results = append(results, result)
			ce.recent.Add(ruleName+"|"+key+"|"+result.DetectedAt.Format(time.RFC3339Nano), result)
			metrics.CorrelationsFound.WithLabelValues(string(spec.Type)).Inc()
			ce.total -= len(buffer.events)
			delete(groups, key)
		}
		if len(groups) == 0 {
			delete(ce.buffers, ruleName)
		}
	}
	return results
}

// evaluate checks the count and span bounds and scores the group. Returns nil
// when the bounds are not met.
func (ce *CorrelationEngine) evaluate(rule *core.Rule, key string, events []*core.Event, now time.Time) *core.CorrelationResult {
	spec := rule.Correlation
	if len(events) < spec.MinEvents {
		return nil
	}

	sorted := make([]*core.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	if spec.MaxEvents > 0 && len(sorted) > spec.MaxEvents {
		sorted = sorted[len(sorted)-spec.MaxEvents:]
	}

	span := sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp)
	if span > spec.SpanDuration() {
		return nil
	}

	confidence, patterns := ce.score(rule, sorted)

	ids := make([]string, len(sorted))
	for i, e := range sorted {
		ids[i] = e.EventID
	}

	return &core.CorrelationResult{
		RuleName:        rule.Name,
		CorrelationType: spec.Type,
		GroupKey:        key,
		Confidence:      confidence,
		Strength:        core.StrengthForConfidence(confidence),
		EventIDs:        ids,
		TimeSpan:        span,
		Patterns:        patterns,
		DetectedAt:      now,
	}
}

// score computes the confidence and pattern tags for a chronologically sorted
// group.
func (ce *CorrelationEngine) score(rule *core.Rule, sorted []*core.Event) (float64, []string) {
	confidence := ConfidenceBase
	var patterns []string

	switch rule.Correlation.Type {
	case core.CorrelationTemporal:
		adj, tags := scoreTiming(sorted)
		confidence += adj
		patterns = append(patterns, tags...)
	case core.CorrelationAttribute:
		adj, tags := scoreDiversity(sorted, rule.Correlation.Fields)
		confidence += adj
		patterns = append(patterns, tags...)
	case core.CorrelationSpatial:
		adj, tags := scoreClustering(sorted)
		confidence += adj
		patterns = append(patterns, tags...)
	}

	confidence = math.Max(0, math.Min(1, confidence))
	return confidence, patterns
}

// scoreTiming analyzes inter-event intervals for regularity and trend.
func scoreTiming(sorted []*core.Event) (float64, []string) {
	intervals := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		intervals = append(intervals, sorted[i].Timestamp.Sub(sorted[i-1].Timestamp).Seconds())
	}
	if len(intervals) == 0 {
		return 0, nil
	}

	mean := meanOf(intervals)
	adj := 0.0
	var patterns []string

	if mean > 0 {
		cv := stddevOf(intervals, mean) / mean
		if cv < RegularTimingMaxCV {
			adj += AdjRegularTiming
			patterns = append(patterns, PatternRegularTiming)
		}
	}

	slope := normalizedSlope(intervals, mean)
	switch {
	case slope > TrendSlopeBand:
		// Intervals growing: event rate slowing down.
		patterns = append(patterns, PatternDecreasingFrequency)
	case slope < -TrendSlopeBand:
		patterns = append(patterns, PatternIncreasingFrequency)
	default:
		adj += AdjStableFrequency
		patterns = append(patterns, PatternStableFrequency)
	}

	if len(intervals) > ManyIntervalsMin {
		adj += AdjManyIntervals
	}
	return adj, patterns
}

// scoreDiversity rewards low distinct-value ratios across the configured
// fields and penalizes high ones.
func scoreDiversity(sorted []*core.Event, fields []string) (float64, []string) {
	adj := 0.0
	var patterns []string
	for _, field := range fields {
		distinct := make(map[string]struct{})
		seen := 0
		for _, e := range sorted {
			v, ok := e.FieldValue(field)
			if !ok {
				continue
			}
			distinct[toString(v)] = struct{}{}
			seen++
		}
		if seen == 0 {
			continue
		}
		ratio := float64(len(distinct)) / float64(seen)
		switch {
		case ratio <= LowDiversityMax:
			adj += AdjLowDiversity
			patterns = append(patterns, PatternLowDiversityPrefix+field)
		case ratio >= HighDiversityMin:
			adj += AdjHighDiversity
			patterns = append(patterns, PatternHighDiversityPrefix+field)
		}
	}
	return adj, patterns
}

// scoreClustering measures how concentrated the source networks are.
func scoreClustering(sorted []*core.Event) (float64, []string) {
	tokens := make(map[string]struct{})
	seen := 0
	for _, e := range sorted {
		token := locationToken(e.SourceIP)
		if token == "" {
			continue
		}
		tokens[token] = struct{}{}
		seen++
	}
	if seen == 0 {
		return 0, nil
	}

	ratio := float64(len(tokens)) / float64(seen)
	switch {
	case ratio <= LowDiversityMax:
		return AdjClustered, []string{PatternClustered}
	case ratio < HighDiversityMin:
		return AdjMixedDistribution, []string{PatternMixedDistribution}
	default:
		return 0, nil
	}
}

// BufferedEvents returns the total number of buffered events.
func (ce *CorrelationEngine) BufferedEvents() int {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return ce.total
}

// Recent returns the most recently emitted results, oldest first.
func (ce *CorrelationEngine) Recent() []*core.CorrelationResult {
	return ce.recent.Values()
}

func meanOf(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddevOf(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// normalizedSlope fits a least-squares line through the interval sequence and
// normalizes the slope by the mean interval, so "stable" means the same thing
// for fast and slow event streams.
func normalizedSlope(xs []float64, mean float64) float64 {
	if len(xs) < 2 || mean == 0 {
		return 0
	}
	n := float64(len(xs))
	xMean := (n - 1) / 2
	var num, den float64
	for i, y := range xs {
		dx := float64(i) - xMean
		num += dx * (y - mean)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return (num / den) / mean
}
