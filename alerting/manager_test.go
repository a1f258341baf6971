package alerting

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vigil/core"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(DefaultEscalationPolicy(), zap.NewNop().Sugar())
}

func sampleEvent() *core.Event {
	e := core.NewEvent()
	e.EventType = "auth.failure"
	e.Source = "collector-1"
	e.SourceIP = "10.0.0.5"
	e.DestIP = "10.0.0.1"
	e.SourcePort = 50123
	e.DestPort = 22
	e.Protocol = "tcp"
	e.User = "root"
	return e
}

func sampleAlert() *Alert {
	return NewAlert("SSH brute force", "repeated failures", "high", "auth", "ssh-bruteforce", "threshold", sampleEvent())
}

func TestCreateAlertDedupIdempotence(t *testing.T) {
	m := newTestManager(t)

	first, created := m.CreateAlert(sampleAlert())
	require.True(t, created)
	require.NotEmpty(t, first.DedupKey)

	second, created := m.CreateAlert(sampleAlert())
	assert.False(t, created, "equivalent alert must be suppressed")
	assert.Equal(t, first.AlertID, second.AlertID, "suppressed call returns the same alert identity")
	assert.Equal(t, 1, second.DuplicateCount)

	stats := m.Stats()
	assert.Equal(t, 1, stats.TotalCreated)
	assert.Equal(t, 1, stats.DuplicatesSuppressed)
	assert.Equal(t, 1, stats.TotalAlerts, "total alert count does not increase")
}

func TestCreateAlertDistinctConditions(t *testing.T) {
	m := newTestManager(t)

	_, created := m.CreateAlert(sampleAlert())
	require.True(t, created)

	other := sampleAlert()
	other.SourceIP = "10.0.0.99"
	other.DedupKey = ""
	_, created = m.CreateAlert(other)
	assert.True(t, created, "different source IP is a different condition")
}

func TestCreateAlertConcurrent(t *testing.T) {
	m := newTestManager(t)

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	creations := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created := m.CreateAlert(sampleAlert())
			if created {
				mu.Lock()
				creations++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, creations, "at most one open alert per dedup key")
}

func TestDedupKeyReopensAfterClose(t *testing.T) {
	m := newTestManager(t)

	first, created := m.CreateAlert(sampleAlert())
	require.True(t, created)

	require.NoError(t, m.Acknowledge(first.AlertID, "analyst", ""))
	require.NoError(t, m.Close(first.AlertID, "analyst", "false positive"))

	second, created := m.CreateAlert(sampleAlert())
	assert.True(t, created, "a closed alert no longer suppresses its key")
	assert.NotEqual(t, first.AlertID, second.AlertID)
}

func TestAlertGrouping(t *testing.T) {
	m := newTestManager(t)

	first, _ := m.CreateAlert(sampleAlert())

	related := sampleAlert()
	related.Title = "SSH brute force continued"
	related.DedupKey = ""
	second, created := m.CreateAlert(related)
	require.True(t, created)

	assert.Equal(t, first.GroupID, second.GroupID, "same type+severity+source joins the group")

	unrelated := sampleAlert()
	unrelated.Title = "different thing"
	unrelated.Severity = "low"
	unrelated.DedupKey = ""
	third, created := m.CreateAlert(unrelated)
	require.True(t, created)
	assert.NotEqual(t, first.GroupID, third.GroupID)
}

func TestLifecycleOperations(t *testing.T) {
	m := newTestManager(t)
	alert, _ := m.CreateAlert(sampleAlert())

	require.NoError(t, m.Acknowledge(alert.AlertID, "analyst", "looking"))
	assert.Equal(t, StatusAcknowledged, alert.Status)
	assert.Equal(t, "analyst", alert.AcknowledgedBy)
	assert.Len(t, alert.Notes, 1)

	require.NoError(t, m.StartProgress(alert.AlertID, "analyst", ""))
	require.NoError(t, m.Resolve(alert.AlertID, "analyst", "patched"))
	require.NoError(t, m.Close(alert.AlertID, "analyst", ""))
	assert.Equal(t, StatusClosed, alert.Status)

	// Illegal move surfaces the transition error to the caller.
	err := m.Acknowledge(alert.AlertID, "analyst", "")
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestEscalateRespectsMaxLevel(t *testing.T) {
	m := NewManager(EscalationPolicy{
		Critical: 15 * time.Minute, High: 30 * time.Minute,
		NewDefault: time.Hour, Acknowledged: 2 * time.Hour,
		MaxLevel: 2,
	}, zap.NewNop().Sugar())
	alert, _ := m.CreateAlert(sampleAlert())

	require.NoError(t, m.Escalate(alert.AlertID, "system", ""))
	require.NoError(t, m.Escalate(alert.AlertID, "system", ""))
	assert.Equal(t, 2, alert.EscalationLevel)

	err := m.Escalate(alert.AlertID, "system", "")
	assert.Error(t, err, "escalation past max level fails")
	assert.Equal(t, 2, alert.EscalationLevel)

	assert.Equal(t, StatusNew, alert.Status, "escalation never changes the workflow state")
}

func TestRequiresEscalationTiers(t *testing.T) {
	m := newTestManager(t)
	now := time.Now().UTC()

	mk := func(severity string, status AlertStatus, age time.Duration) *Alert {
		a := sampleAlert()
		a.Severity = severity
		a.Status = status
		a.CreatedAt = now.Add(-age)
		return a
	}

	assert.True(t, m.RequiresEscalation(mk("critical", StatusNew, 16*time.Minute), now))
	assert.False(t, m.RequiresEscalation(mk("critical", StatusNew, 14*time.Minute), now))

	assert.True(t, m.RequiresEscalation(mk("high", StatusNew, 31*time.Minute), now))
	assert.False(t, m.RequiresEscalation(mk("high", StatusNew, 29*time.Minute), now))

	assert.True(t, m.RequiresEscalation(mk("medium", StatusNew, 61*time.Minute), now))
	assert.False(t, m.RequiresEscalation(mk("medium", StatusNew, 59*time.Minute), now))

	assert.True(t, m.RequiresEscalation(mk("medium", StatusAcknowledged, 121*time.Minute), now))
	assert.False(t, m.RequiresEscalation(mk("medium", StatusAcknowledged, 119*time.Minute), now))

	closed := mk("critical", StatusClosed, 24*time.Hour)
	assert.False(t, m.RequiresEscalation(closed, now), "closed alerts never escalate")
}

func TestSweepEscalations(t *testing.T) {
	m := newTestManager(t)

	stale, _ := m.CreateAlert(sampleAlert())
	stale.Severity = "critical"
	stale.CreatedAt = time.Now().UTC().Add(-time.Hour)

	fresh := sampleAlert()
	fresh.SourceIP = "10.0.0.50"
	fresh.DedupKey = ""
	m.CreateAlert(fresh)

	escalated := m.SweepEscalations(time.Now().UTC())
	assert.Equal(t, 1, escalated)
	assert.Equal(t, 1, stale.EscalationLevel)
	require.NotEmpty(t, stale.Notes)
	assert.Equal(t, "auto-escalated: immediate", stale.Notes[len(stale.Notes)-1].Text)
}

func TestEscalationReason(t *testing.T) {
	m := newTestManager(t)

	critical := &Alert{Severity: "critical", Status: StatusNew}
	assert.Equal(t, "immediate", m.EscalationReason(critical))

	high := &Alert{Severity: "high", Status: StatusNew}
	assert.Equal(t, "high_priority", m.EscalationReason(high))

	acked := &Alert{Severity: "medium", Status: StatusAcknowledged}
	assert.Equal(t, "acknowledgment_timeout", m.EscalationReason(acked))

	fresh := &Alert{Severity: "medium", Status: StatusNew}
	assert.Equal(t, "time_based", m.EscalationReason(fresh))
}

func TestCleanupStale(t *testing.T) {
	m := newTestManager(t)

	oldClosed, _ := m.CreateAlert(sampleAlert())
	require.NoError(t, m.Acknowledge(oldClosed.AlertID, "a", ""))
	require.NoError(t, m.Close(oldClosed.AlertID, "a", ""))
	oldClosed.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)

	oldOpen := sampleAlert()
	oldOpen.SourceIP = "10.0.0.60"
	oldOpen.DedupKey = ""
	openAlert, _ := m.CreateAlert(oldOpen)
	openAlert.CreatedAt = time.Now().UTC().Add(-72 * time.Hour)

	removed := m.CleanupStale(24 * time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := m.Get(oldClosed.AlertID)
	assert.False(t, ok, "stale closed alert is purged")
	_, ok = m.Get(openAlert.AlertID)
	assert.True(t, ok, "open alerts are never purged regardless of age")
}

func TestStatsBreakdown(t *testing.T) {
	m := newTestManager(t)
	m.CreateAlert(sampleAlert())

	// Severity alone does not distinguish alerts; vary the source so the
	// recomputed dedup key differs.
	low := sampleAlert()
	low.Severity = "low"
	low.SourceIP = "10.0.0.77"
	low.DedupKey = ""
	second, created := m.CreateAlert(low)
	require.True(t, created, "a distinct source creates a distinct alert")
	require.NotEmpty(t, second.DedupKey)

	stats := m.Stats()
	assert.Equal(t, 2, stats.OpenAlerts)
	assert.Equal(t, 1, stats.BySeverity["high"])
	assert.Equal(t, 1, stats.BySeverity["low"])
	assert.Equal(t, 2, stats.ByStatus["New"])
}
