package analyze

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vigil/alerting"
	"vigil/core"
	"vigil/metrics"
	"vigil/notify"
	"vigil/storage"
	"vigil/threat"
	"vigil/util/goroutine"
)

const intelLookupTimeout = 2 * time.Second

// Options configures the analyzer's intervals and bounds.
type Options struct {
	ThresholdSweepInterval   time.Duration
	CorrelationSweepInterval time.Duration
	RuleReloadInterval       time.Duration
	CleanupInterval          time.Duration
	DedupTTL                 time.Duration
	StaleAlertAge            time.Duration
	MaxEventsPerGroup        int
	MaxCorrelationEvents     int
	BatchWorkers             int
	BatchQueueSize           int
}

// DefaultOptions returns the standard analyzer timings.
func DefaultOptions() Options {
	return Options{
		ThresholdSweepInterval:   10 * time.Second,
		CorrelationSweepInterval: 30 * time.Second,
		RuleReloadInterval:       5 * time.Minute,
		CleanupInterval:          5 * time.Minute,
		DedupTTL:                 5 * time.Minute,
		StaleAlertAge:            24 * time.Hour,
		MaxEventsPerGroup:        1000,
		MaxCorrelationEvents:     10000,
		BatchWorkers:             4,
		BatchQueueSize:           256,
	}
}

// TriggerResult describes the outcome of one rule firing for an event or
// event group.
type TriggerResult struct {
	RuleName   string          `json:"rule_name"`
	RuleType   core.RuleType   `json:"rule_type"`
	GroupKey   string          `json:"group_key,omitempty"`
	Alert      *alerting.Alert `json:"alert,omitempty"`
	Created    bool            `json:"created"`
	Suppressed bool            `json:"suppressed"`
}

// Analyzer is the orchestrator: it receives events, drives the matcher and
// the threshold/correlation engines, and turns their output into alerts and
// notifications. It owns the lifecycle of its background sweep loops.
type Analyzer struct {
	opts Options

	store       *core.RuleStore
	loader      *Loader
	matcher     *Matcher
	threshold   *ThresholdEngine
	correlation *CorrelationEngine
	alerts      *alerting.Manager
	notifier    *notify.Service
	dedup       core.DedupCache
	events      storage.EventStore
	intel       threat.Provider
	batchPool   *core.WorkerPool
	logger      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewAnalyzer wires an analyzer from its collaborators. Pass a nil events
// store to run purely in-memory.
func NewAnalyzer(
	opts Options,
	loader *Loader,
	alerts *alerting.Manager,
	notifier *notify.Service,
	dedup core.DedupCache,
	events storage.EventStore,
	logger *zap.SugaredLogger,
) *Analyzer {
	store := core.NewRuleStore()
	matcher := NewMatcher(logger)
	ctx, cancel := context.WithCancel(context.Background())

	return &Analyzer{
		opts:        opts,
		store:       store,
		loader:      loader,
		matcher:     matcher,
		threshold:   NewThresholdEngine(store, matcher, opts.MaxEventsPerGroup, logger),
		correlation: NewCorrelationEngine(store, matcher, opts.MaxCorrelationEvents, logger),
		alerts:      alerts,
		notifier:    notifier,
		dedup:       dedup,
		events:      events,
		batchPool:   core.NewWorkerPool(ctx, opts.BatchWorkers, opts.BatchQueueSize, "event-batch", logger),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Rules exposes the active rule store.
func (a *Analyzer) Rules() *core.RuleStore {
	return a.store
}

// Alerts exposes the alert manager.
func (a *Analyzer) Alerts() *alerting.Manager {
	return a.alerts
}

// RecentCorrelations returns the correlation results emitted most recently,
// oldest first.
func (a *Analyzer) RecentCorrelations() []*core.CorrelationResult {
	return a.correlation.Recent()
}

// SetIntelProvider installs a threat intelligence provider. Events with a
// source address are enriched with its reputation before rule evaluation,
// so rules can match on details.threat_intel fields. Call before Start.
func (a *Analyzer) SetIntelProvider(p threat.Provider) {
	a.intel = p
}

// Start loads the initial rule set, replays recent persisted events into the
// buffers, and launches the background sweep loops.
func (a *Analyzer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	if err := a.ReloadRules(); err != nil {
		return fmt.Errorf("initial rule load failed: %w", err)
	}

	a.batchPool.Start()
	a.replayRecentEvents()

	a.runLoop("threshold-sweep", a.opts.ThresholdSweepInterval, a.sweepThreshold)
	a.runLoop("correlation-sweep", a.opts.CorrelationSweepInterval, a.sweepCorrelation)
	a.runLoop("rule-reload", a.opts.RuleReloadInterval, func() {
		if err := a.ReloadRules(); err != nil {
			a.logger.Errorw("Rule reload failed, keeping previous rule set", "error", err)
		}
	})
	a.runLoop("cleanup", a.opts.CleanupInterval, a.cleanup)

	a.started = true
	a.logger.Infow("Analyzer started",
		"rules", a.store.Active().Len(),
		"threshold_sweep", a.opts.ThresholdSweepInterval,
		"correlation_sweep", a.opts.CorrelationSweepInterval)
	return nil
}

// Stop signals all background loops to exit after their current sweep and
// waits for them.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	a.cancel()
	a.wg.Wait()
	a.batchPool.Stop()
	a.started = false
	a.logger.Info("Analyzer stopped")
}

// runLoop starts a ticker-driven goroutine. The tick body always runs to
// completion; cancellation is only observed between ticks.
func (a *Analyzer) runLoop(name string, interval time.Duration, tick func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer goroutine.Recover(name, a.logger)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
}

// ProcessEvent evaluates one event. Immediate rules are checked synchronously
// against a single rule set snapshot, so one pass never mixes rules from two
// sets. The event is then admitted to the threshold and correlation buffers,
// each of which takes its own snapshot when it runs.
func (a *Analyzer) ProcessEvent(ctx context.Context, event *core.Event) []TriggerResult {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.EventsProcessed.WithLabelValues(event.Source).Inc()

	a.enrichEvent(ctx, event)
	a.persistEvent(ctx, event)

	var results []TriggerResult
	snapshot := a.store.Active()
	for _, rule := range snapshot.ByType(core.RuleTypeImmediate) {
		if !a.matcher.Matches(event, rule) {
			continue
		}
		metrics.RulesTriggered.WithLabelValues(string(core.RuleTypeImmediate)).Inc()
		results = append(results, a.raiseAlert(ctx, rule, []*core.Event{event}, "", ""))
	}

	a.threshold.Observe(event)
	a.correlation.Observe(event)
	return results
}

// ProcessEventsBatch fans a batch out over the worker pool and collects the
// per-event results.
func (a *Analyzer) ProcessEventsBatch(ctx context.Context, events []*core.Event) []TriggerResult {
	var (
		mu      sync.Mutex
		results []TriggerResult
		wg      sync.WaitGroup
	)
	for _, event := range events {
		event := event
		wg.Add(1)
		err := a.batchPool.SubmitWait(func() {
			defer wg.Done()
			r := a.ProcessEvent(ctx, event)
			mu.Lock()
			results = append(results, r...)
			mu.Unlock()
		}, 5*time.Second)
		if err != nil {
			wg.Done()
			a.logger.Errorw("Batch submission failed, processing inline",
				"event_id", event.EventID, "error", err)
			results = append(results, a.ProcessEvent(ctx, event)...)
		}
	}
	wg.Wait()
	return results
}

// ReloadRules re-reads the rule configuration and atomically replaces the
// active set. On failure the previous set stays active. Safe to call
// concurrently with ingestion.
func (a *Analyzer) ReloadRules() error {
	rules, err := a.loader.Load()
	if err != nil {
		return err
	}
	set := a.store.Replace(rules)
	a.logger.Infow("Rule set replaced", "rules", set.Len(), "version", set.Version())
	return nil
}

// enrichEvent annotates the event with the source address reputation when an
// intel provider is configured. Lookup failures never block ingestion.
func (a *Analyzer) enrichEvent(ctx context.Context, event *core.Event) {
	if a.intel == nil || event.SourceIP == "" {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, intelLookupTimeout)
	defer cancel()

	rep, err := a.intel.Lookup(lookupCtx, event.SourceIP)
	if err != nil {
		if !errors.Is(err, threat.ErrNoProvider) {
			a.logger.Debugw("Threat intel lookup failed",
				"address", event.SourceIP, "error", err)
		}
		return
	}

	if event.Details == nil {
		event.Details = make(map[string]interface{})
	}
	event.Details["threat_intel"] = map[string]interface{}{
		"score":      rep.Score,
		"categories": rep.Categories,
		"source":     rep.Source,
	}
}

func (a *Analyzer) persistEvent(ctx context.Context, event *core.Event) {
	if a.events == nil {
		return
	}
	if err := a.events.InsertEvent(ctx, event); err != nil {
		a.logger.Errorw("Failed to persist event", "event_id", event.EventID, "error", err)
	}
}

// replayRecentEvents re-seeds the threshold and correlation buffers from
// persisted events after a restart, so sweeps do not start blind.
func (a *Analyzer) replayRecentEvents() {
	if a.events == nil {
		return
	}

	lookback := a.opts.CorrelationSweepInterval
	for _, rule := range a.store.Active().All() {
		var span time.Duration
		switch rule.Type {
		case core.RuleTypeThreshold:
			span = rule.WindowDuration()
		case core.RuleTypeCorrelation:
			span = rule.Correlation.SpanDuration()
		}
		if span > lookback {
			lookback = span
		}
	}

	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()

	events, err := a.events.ListSince(ctx, time.Now().UTC().Add(-lookback), a.opts.MaxCorrelationEvents)
	if err != nil {
		a.logger.Warnw("Event replay failed, starting with empty buffers", "error", err)
		return
	}
	for _, event := range events {
		a.threshold.Observe(event)
		a.correlation.Observe(event)
	}
	if len(events) > 0 {
		a.logger.Infow("Replayed persisted events into buffers", "events", len(events), "lookback", lookback)
	}
}

func (a *Analyzer) sweepThreshold() {
	now := time.Now().UTC()
	for _, match := range a.threshold.Sweep(now) {
		a.raiseAlert(a.ctx, match.Rule, match.Events, match.GroupKey, "")
	}
}

func (a *Analyzer) sweepCorrelation() {
	now := time.Now().UTC()
	for _, result := range a.correlation.Sweep(now) {
		a.raiseCorrelationAlert(a.ctx, result)
	}
}

func (a *Analyzer) cleanup() {
	escalated := a.alerts.SweepEscalations(time.Now().UTC())
	if escalated > 0 {
		a.logger.Infow("Escalation sweep complete", "escalated", escalated)
	}
	a.alerts.CleanupStale(a.opts.StaleAlertAge)
}

// raiseAlert builds an alert for a rule match, runs it through the dedup
// cache and the alert manager, and notifies on creation.
func (a *Analyzer) raiseAlert(ctx context.Context, rule *core.Rule, events []*core.Event, groupKey, description string) TriggerResult {
	primary := events[0]
	title := rule.Name
	if description == "" {
		description = rule.Description
		if rule.Type == core.RuleTypeThreshold {
			description = fmt.Sprintf("%s: %d events for group %q within %s",
				rule.Name, len(events), groupKey, rule.Window)
		}
	}

	alert := alerting.NewAlert(title, description, rule.Severity, rule.Category, rule.Name, string(rule.Type), primary)
	for _, e := range events[1:] {
		alert.EventIDs = append(alert.EventIDs, e.EventID)
	}
	alert.DedupKey = alerting.DedupKey(primary.Source, rule.Name, primary.SourceIP, primary.DestIP,
		primary.SourcePort, primary.DestPort, primary.Protocol, primary.User, title)

	result := TriggerResult{
		RuleName: rule.Name,
		RuleType: rule.Type,
		GroupKey: groupKey,
	}

	seen, err := a.dedup.Seen(ctx, alert.DedupKey, a.opts.DedupTTL)
	if err != nil {
		a.logger.Errorw("Dedup cache check failed, proceeding without suppression",
			"rule", rule.Name, "error", err)
	}
	if seen {
		metrics.DuplicatesSuppressed.Inc()
		result.Suppressed = true
		if existing, ok := a.alerts.FindOpenByKey(alert.DedupKey); ok {
			result.Alert = existing
		}
		return result
	}

	created, isNew := a.alerts.CreateAlert(alert)
	result.Alert = created
	result.Created = isNew
	if isNew {
		a.persistAlert(ctx, created, primary)
		a.notifyAlert(created)
	} else {
		result.Suppressed = true
	}
	return result
}

func (a *Analyzer) raiseCorrelationAlert(ctx context.Context, res *core.CorrelationResult) TriggerResult {
	rule, ok := a.store.Active().ByName(res.RuleName)
	if !ok {
		return TriggerResult{RuleName: res.RuleName, RuleType: core.RuleTypeCorrelation}
	}

	description := fmt.Sprintf("%s correlation of %d events over %s (confidence %.2f, %s)",
		res.CorrelationType, len(res.EventIDs), res.TimeSpan.Round(time.Second), res.Confidence, res.Strength)

	alert := alerting.NewAlert(rule.Name, description, rule.Severity, rule.Category, rule.Name, string(rule.Type), nil)
	alert.EventIDs = res.EventIDs
	alert.Metadata = map[string]interface{}{
		"correlation_type": string(res.CorrelationType),
		"confidence":       res.Confidence,
		"strength":         string(res.Strength),
		"patterns":         res.Patterns,
		"group_key":        res.GroupKey,
	}
	alert.DedupKey = alerting.DedupKey("", rule.Name, res.GroupKey, "", 0, 0, "", "", rule.Name)

	result := TriggerResult{
		RuleName: rule.Name,
		RuleType: core.RuleTypeCorrelation,
		GroupKey: res.GroupKey,
	}

	seen, err := a.dedup.Seen(ctx, alert.DedupKey, a.opts.DedupTTL)
	if err != nil {
		a.logger.Errorw("Dedup cache check failed, proceeding without suppression",
			"rule", rule.Name, "error", err)
	}
	if seen {
		metrics.DuplicatesSuppressed.Inc()
		result.Suppressed = true
		return result
	}

	created, isNew := a.alerts.CreateAlert(alert)
	result.Alert = created
	result.Created = isNew
	result.Suppressed = !isNew
	if isNew {
		a.persistAlert(ctx, created, nil)
		a.notifyAlert(created)
	}
	return result
}

func (a *Analyzer) persistAlert(ctx context.Context, alert *alerting.Alert, event *core.Event) {
	if a.events == nil {
		return
	}
	if err := a.events.CreateAlertForEvent(ctx, alert, event); err != nil {
		a.logger.Errorw("Failed to persist alert", "alert_id", alert.AlertID, "error", err)
	}
}

func (a *Analyzer) notifyAlert(alert *alerting.Alert) {
	if a.notifier == nil {
		return
	}
	if _, err := a.notifier.NotifyAlert(alert); err != nil {
		a.logger.Errorw("Failed to enqueue alert notification",
			"alert_id", alert.AlertID, "error", err)
	}
}
