package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vigil/core"
	"vigil/metrics"
)

// EscalationPolicy holds the severity-tiered age thresholds after which an
// open alert should be escalated, and the ceiling on escalation levels.
type EscalationPolicy struct {
	Critical     time.Duration
	High         time.Duration
	NewDefault   time.Duration
	Acknowledged time.Duration
	MaxLevel     int
}

// DefaultEscalationPolicy returns the standard escalation thresholds.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		Critical:     15 * time.Minute,
		High:         30 * time.Minute,
		NewDefault:   1 * time.Hour,
		Acknowledged: 2 * time.Hour,
		MaxLevel:     3,
	}
}

// alertGroup clusters alerts of the same type, severity and source IP created
// close together in time.
type alertGroup struct {
	id        string
	alertType string
	severity  string
	sourceIP  string
	createdAt time.Time
	alertIDs  []string
}

// ManagerStats is a snapshot of alert manager counters.
type ManagerStats struct {
	TotalCreated         int            `json:"total_created"`
	DuplicatesSuppressed int            `json:"duplicates_suppressed"`
	Escalations          int            `json:"escalations"`
	OpenAlerts           int            `json:"open_alerts"`
	TotalAlerts          int            `json:"total_alerts"`
	Groups               int            `json:"groups"`
	BySeverity           map[string]int `json:"by_severity"`
	ByStatus             map[string]int `json:"by_status"`
}

// Manager owns the alert lifecycle: creation with dedup-key suppression,
// grouping, workflow transitions, escalation and stale cleanup. All methods
// are safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	alerts    map[string]*Alert // by alert ID
	openByKey map[string]*Alert // open alerts by dedup key
	groups    map[string]*alertGroup

	policy EscalationPolicy
	logger *zap.SugaredLogger

	totalCreated         int
	duplicatesSuppressed int
	escalations          int
}

// NewManager creates an alert manager.
func NewManager(policy EscalationPolicy, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		alerts:    make(map[string]*Alert),
		openByKey: make(map[string]*Alert),
		groups:    make(map[string]*alertGroup),
		policy:    policy,
		logger:    logger,
	}
}

// DedupKey computes the stable dedup key for an alert's identifying fields.
// Equivalent triggering conditions always hash to the same key.
func DedupKey(source, ruleName, srcIP, dstIP string, srcPort, dstPort int, protocol, user, title string) string {
	raw := strings.Join([]string{
		source,
		ruleName,
		srcIP,
		dstIP,
		fmt.Sprintf("%d", srcPort),
		fmt.Sprintf("%d", dstPort),
		protocol,
		user,
		title,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAlert creates a new alert, or returns the existing open alert when
// one with the same dedup key is already active. The second return value is
// true when the alert was newly created. Check and insert happen under one
// lock so concurrent calls for the same key cannot both create.
func (m *Manager) CreateAlert(alert *Alert) (*Alert, bool) {
	if alert.DedupKey == "" {
		alert.DedupKey = DedupKey(alert.Source, alert.RuleName, alert.SourceIP, alert.DestIP,
			alert.SourcePort, alert.DestPort, alert.Protocol, alert.User, alert.Title)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.openByKey[alert.DedupKey]; ok {
		existing.DuplicateCount++
		existing.LastSeen = time.Now().UTC()
		existing.EventIDs = append(existing.EventIDs, alert.EventIDs...)
		m.duplicatesSuppressed++
		metrics.DuplicatesSuppressed.Inc()
		m.logger.Debugw("Duplicate alert suppressed",
			"alert_id", existing.AlertID,
			"dedup_key", existing.DedupKey,
			"duplicate_count", existing.DuplicateCount)
		return existing, false
	}

	m.alerts[alert.AlertID] = alert
	m.openByKey[alert.DedupKey] = alert
	m.assignGroup(alert)
	m.totalCreated++
	metrics.AlertsCreated.WithLabelValues(alert.Severity).Inc()

	m.logger.Infow("Alert created",
		"alert_id", alert.AlertID,
		"title", alert.Title,
		"severity", alert.Severity,
		"rule", alert.RuleName,
		"group_id", alert.GroupID)
	return alert, true
}

// assignGroup joins the alert to a recent group with the same type, severity
// and source IP, or starts a new one. Caller holds m.mu.
func (m *Manager) assignGroup(alert *Alert) {
	cutoff := time.Now().UTC().Add(-1 * time.Hour)
	for _, g := range m.groups {
		if g.alertType == alert.AlertType &&
			g.severity == alert.Severity &&
			g.sourceIP == alert.SourceIP &&
			g.createdAt.After(cutoff) {
			g.alertIDs = append(g.alertIDs, alert.AlertID)
			alert.GroupID = g.id
			return
		}
	}

	g := &alertGroup{
		id:        uuid.New().String(),
		alertType: alert.AlertType,
		severity:  alert.Severity,
		sourceIP:  alert.SourceIP,
		createdAt: time.Now().UTC(),
		alertIDs:  []string{alert.AlertID},
	}
	m.groups[g.id] = g
	alert.GroupID = g.id
}

// FindOpenByKey returns the open alert with the given dedup key, touching
// its duplicate counters.
func (m *Manager) FindOpenByKey(key string) (*Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.openByKey[key]
	if !ok {
		return nil, false
	}
	existing.DuplicateCount++
	existing.LastSeen = time.Now().UTC()
	m.duplicatesSuppressed++
	return existing, true
}

// Get returns the alert with the given ID.
func (m *Manager) Get(id string) (*Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	return a, ok
}

// Acknowledge moves an alert from New to Acknowledged.
func (m *Manager) Acknowledge(id, actor, note string) error {
	return m.transition(id, StatusAcknowledged, actor, note, func(a *Alert) {
		a.AcknowledgedAt = time.Now().UTC()
		a.AcknowledgedBy = actor
	})
}

// StartProgress moves an alert from Acknowledged to InProgress.
func (m *Manager) StartProgress(id, actor, note string) error {
	return m.transition(id, StatusInProgress, actor, note, func(a *Alert) {
		a.InProgressAt = time.Now().UTC()
	})
}

// Resolve moves an alert from InProgress to Resolved.
func (m *Manager) Resolve(id, actor, note string) error {
	return m.transition(id, StatusResolved, actor, note, func(a *Alert) {
		a.ResolvedAt = time.Now().UTC()
		a.ResolvedBy = actor
	})
}

// Close moves an alert to Closed from any state that allows it.
func (m *Manager) Close(id, actor, note string) error {
	return m.transition(id, StatusClosed, actor, note, func(a *Alert) {
		a.ClosedAt = time.Now().UTC()
		a.ClosedBy = actor
	})
}

func (m *Manager) transition(id string, to AlertStatus, actor, note string, apply func(*Alert)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}

	wasOpen := alert.IsOpen()
	if err := alert.TransitionTo(to, actor); err != nil {
		return err
	}
	apply(alert)
	alert.AddNote(actor, note)

	if wasOpen && !alert.IsOpen() {
		delete(m.openByKey, alert.DedupKey)
	}

	m.logger.Infow("Alert transitioned",
		"alert_id", id,
		"status", to,
		"actor", actor)
	return nil
}

// Escalate bumps the alert's escalation level. It fails when the level is
// already at the policy maximum and never changes the workflow state.
func (m *Manager) Escalate(id, actor, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	if !alert.IsOpen() {
		return fmt.Errorf("alert %s is %s, cannot escalate", id, alert.Status)
	}
	if alert.EscalationLevel >= m.policy.MaxLevel {
		return fmt.Errorf("alert %s already at max escalation level %d", id, m.policy.MaxLevel)
	}

	alert.EscalationLevel++
	alert.EscalatedAt = time.Now().UTC()
	alert.AddNote(actor, note)
	m.escalations++

	m.logger.Warnw("Alert escalated",
		"alert_id", id,
		"escalation_level", alert.EscalationLevel,
		"severity", alert.Severity)
	return nil
}

// RequiresEscalation reports whether an open alert has aged past its
// severity-tiered threshold without progressing.
func (m *Manager) RequiresEscalation(alert *Alert, now time.Time) bool {
	if !alert.IsOpen() {
		return false
	}
	if alert.EscalationLevel >= m.policy.MaxLevel {
		return false
	}

	age := now.Sub(alert.CreatedAt)
	switch {
	case alert.Severity == core.SeverityCritical:
		return age > m.policy.Critical
	case alert.Severity == core.SeverityHigh:
		return age > m.policy.High
	case alert.Status == StatusAcknowledged || alert.Status == StatusInProgress:
		return age > m.policy.Acknowledged
	default:
		return age > m.policy.NewDefault
	}
}

// EscalationReason names the policy tier that makes an alert due for
// escalation.
func (m *Manager) EscalationReason(alert *Alert) string {
	switch {
	case alert.Severity == core.SeverityCritical:
		return "immediate"
	case alert.Severity == core.SeverityHigh:
		return "high_priority"
	case alert.Status == StatusAcknowledged || alert.Status == StatusInProgress:
		return "acknowledgment_timeout"
	default:
		return "time_based"
	}
}

// SweepEscalations escalates every open alert whose age crosses its
// threshold. Returns the number of alerts escalated. Intended to be driven by
// a periodic timer.
func (m *Manager) SweepEscalations(now time.Time) int {
	type dueAlert struct {
		id     string
		reason string
	}

	m.mu.RLock()
	var due []dueAlert
	for id, alert := range m.alerts {
		if m.RequiresEscalation(alert, now) {
			due = append(due, dueAlert{id: id, reason: m.EscalationReason(alert)})
		}
	}
	m.mu.RUnlock()

	escalated := 0
	for _, d := range due {
		if err := m.Escalate(d.id, "system", "auto-escalated: "+d.reason); err != nil {
			m.logger.Debugw("Auto-escalation skipped", "alert_id", d.id, "reason", err)
			continue
		}
		escalated++
	}
	return escalated
}

// CleanupStale purges Resolved/Closed alerts older than maxAge from all
// indexes. Open alerts are never purged regardless of age. Returns the number
// removed.
func (m *Manager) CleanupStale(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, alert := range m.alerts {
		if alert.IsOpen() || alert.CreatedAt.After(cutoff) {
			continue
		}
		delete(m.alerts, id)
		if m.openByKey[alert.DedupKey] == alert {
			delete(m.openByKey, alert.DedupKey)
		}
		m.removeFromGroup(alert)
		removed++
	}

	if removed > 0 {
		m.logger.Infow("Stale alerts purged", "removed", removed, "max_age", maxAge)
	}
	return removed
}

// removeFromGroup drops the alert from its group, deleting the group when
// empty. Caller holds m.mu.
func (m *Manager) removeFromGroup(alert *Alert) {
	g, ok := m.groups[alert.GroupID]
	if !ok {
		return
	}
	for i, id := range g.alertIDs {
		if id == alert.AlertID {
			g.alertIDs = append(g.alertIDs[:i], g.alertIDs[i+1:]...)
			break
		}
	}
	if len(g.alertIDs) == 0 {
		delete(m.groups, g.id)
	}
}

// List returns all alerts, optionally filtered to open ones.
func (m *Manager) List(openOnly bool) []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if openOnly && !a.IsOpen() {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{
		TotalCreated:         m.totalCreated,
		DuplicatesSuppressed: m.duplicatesSuppressed,
		Escalations:          m.escalations,
		TotalAlerts:          len(m.alerts),
		Groups:               len(m.groups),
		BySeverity:           make(map[string]int),
		ByStatus:             make(map[string]int),
	}
	for _, a := range m.alerts {
		if a.IsOpen() {
			stats.OpenAlerts++
		}
		stats.BySeverity[a.Severity]++
		stats.ByStatus[a.Status.String()]++
	}
	return stats
}
