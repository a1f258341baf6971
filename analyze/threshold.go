package analyze

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"vigil/core"
	"vigil/metrics"
)

// thresholdBucket holds the recent matching events for one rule+group key.
type thresholdBucket struct {
	events []*core.Event
}

// ThresholdEngine buckets matching events by group key inside each threshold
// rule's sliding window and fires aggregated triggers at sweep time.
type ThresholdEngine struct {
	mu      sync.Mutex
	buckets map[string]map[string]*thresholdBucket // rule name -> group key -> bucket

	store       *core.RuleStore
	matcher     *Matcher
	maxPerGroup int
	logger      *zap.SugaredLogger
}

// NewThresholdEngine creates a threshold engine. maxPerGroup bounds the
// number of events retained per rule+group; older entries are evicted on
// overflow.
func NewThresholdEngine(store *core.RuleStore, matcher *Matcher, maxPerGroup int, logger *zap.SugaredLogger) *ThresholdEngine {
	if maxPerGroup <= 0 {
		maxPerGroup = 1000
	}
	return &ThresholdEngine{
		buckets:     make(map[string]map[string]*thresholdBucket),
		store:       store,
		matcher:     matcher,
		maxPerGroup: maxPerGroup,
		logger:      logger,
	}
}

// GroupKey builds the ordered concatenation of the rule's group_by field
// values. The second return value is false when any field is missing, in
// which case the event is ignored for that rule.
func GroupKey(event *core.Event, fields []string) (string, bool) {
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		value, ok := event.FieldValue(field)
		if !ok {
			return "", false
		}
		parts = append(parts, toString(value))
	}
	return strings.Join(parts, "|"), true
}

// Observe appends the event to the bucket of every threshold rule it matches.
func (te *ThresholdEngine) Observe(event *core.Event) {
	rules := te.store.Active().ByType(core.RuleTypeThreshold)
	if len(rules) == 0 {
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	for _, rule := range rules {
		if !te.matcher.Matches(event, rule) {
			continue
		}
		key, ok := GroupKey(event, rule.GroupBy)
		if !ok {
			continue
		}

		groups, ok := te.buckets[rule.Name]
		if !ok {
			groups = make(map[string]*thresholdBucket)
			te.buckets[rule.Name] = groups
		}
		bucket, ok := groups[key]
		if !ok {
			bucket = &thresholdBucket{}
			groups[key] = bucket
		}

		bucket.events = append(bucket.events, event)
		if len(bucket.events) > te.maxPerGroup {
			bucket.events = bucket.events[len(bucket.events)-te.maxPerGroup:]
		}
	}
}

// Sweep evaluates every rule's buckets against its window and threshold,
// returning one aggregated match per rule+group at or above threshold.
// Buckets are not cleared below threshold, so a sustained flood re-triggers
// at the next sweep unless suppressed downstream by deduplication. Buckets
// for rules no longer in the active set are dropped.
func (te *ThresholdEngine) Sweep(now time.Time) []core.RuleMatch {
	timer := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("threshold").Observe(time.Since(timer).Seconds())
	}()

	active := te.store.Active()

	te.mu.Lock()
	defer te.mu.Unlock()

	var matches []core.RuleMatch
	for ruleName, groups := range te.buckets {
		rule, ok := active.ByName(ruleName)
		if !ok || !rule.Enabled || rule.Type != core.RuleTypeThreshold {
			delete(te.buckets, ruleName)
			continue
		}

		window := rule.WindowDuration()
		for key, bucket := range groups {
			bucket.events = pruneOlderThan(bucket.events, core.WindowStart(now, window))
			if len(bucket.events) == 0 {
				delete(groups, key)
				continue
			}
			if len(bucket.events) < rule.Threshold {
				continue
			}

			events := make([]*core.Event, len(bucket.events))
			copy(events, bucket.events)
			matches = append(matches, core.RuleMatch{
				Rule:      rule,
				Events:    events,
				GroupKey:  key,
				MatchedAt: now,
			})
			metrics.RulesTriggered.WithLabelValues(string(core.RuleTypeThreshold)).Inc()
			te.logger.Debugw("Threshold rule triggered",
				"rule", ruleName,
				"group_key", key,
				"count", len(events),
				"threshold", rule.Threshold)
		}
		if len(groups) == 0 {
			delete(te.buckets, ruleName)
		}
	}
	return matches
}

// BucketCount returns the number of live rule+group buckets.
func (te *ThresholdEngine) BucketCount() int {
	te.mu.Lock()
	defer te.mu.Unlock()
	n := 0
	for _, groups := range te.buckets {
		n += len(groups)
	}
	return n
}

// pruneOlderThan drops events before the inclusive lower bound, preserving
// order. Events exactly at the bound are kept.
func pruneOlderThan(events []*core.Event, bound time.Time) []*core.Event {
	kept := events[:0]
	for _, e := range events {
		if !e.Timestamp.Before(bound) {
			kept = append(kept, e)
		}
	}
	// Zero the tail so evicted events are collectable.
	for i := len(kept); i < len(events); i++ {
		events[i] = nil
	}
	return kept
}
