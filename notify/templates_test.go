package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/alerting"
	"vigil/core"
)

func TestDefaultTemplateRendersNetworkFields(t *testing.T) {
	tmpl, err := NewAlertTemplate("")
	require.NoError(t, err)

	event := core.NewEvent()
	event.SourceIP = "10.0.0.5"
	event.SourcePort = 51234
	event.DestIP = "10.0.0.1"
	event.DestPort = 22
	alert := alerting.NewAlert("Brute force detected", "15 failures in 60s", "high", "auth", "auth-bruteforce", "threshold", event)

	body, err := tmpl.Render(alert)
	require.NoError(t, err)
	assert.Contains(t, body, "Alert: Brute force detected")
	assert.Contains(t, body, "Severity: high")
	assert.Contains(t, body, "Rule: auth-bruteforce")
	assert.Contains(t, body, "Source: 10.0.0.5:51234")
	assert.Contains(t, body, "Destination: 10.0.0.1:22")
	assert.Contains(t, body, "15 failures in 60s")
	assert.Contains(t, body, alert.AlertID)
}

func TestDefaultTemplateOmitsEmptyNetworkFields(t *testing.T) {
	tmpl, err := NewAlertTemplate("")
	require.NoError(t, err)

	alert := alerting.NewAlert("Correlated activity", "", "medium", "correlation", "lateral-move", "correlation", nil)
	body, err := tmpl.Render(alert)
	require.NoError(t, err)
	assert.NotContains(t, body, "Source:")
	assert.NotContains(t, body, "Destination:")
}

func TestCustomTemplate(t *testing.T) {
	tmpl, err := NewAlertTemplate("{{.Severity}} | {{.Title}}")
	require.NoError(t, err)

	alert := alerting.NewAlert("t", "d", "critical", "c", "r", "immediate", nil)
	body, err := tmpl.Render(alert)
	require.NoError(t, err)
	assert.Equal(t, "critical | t", body)
}

func TestInvalidTemplate(t *testing.T) {
	_, err := NewAlertTemplate("{{.Title")
	require.Error(t, err)
}

func TestPriorityForSeverity(t *testing.T) {
	assert.Equal(t, PriorityCritical, PriorityForSeverity("critical"))
	assert.Equal(t, PriorityHigh, PriorityForSeverity("high"))
	assert.Equal(t, PriorityNormal, PriorityForSeverity("medium"))
	assert.Equal(t, PriorityLow, PriorityForSeverity("low"))
	assert.Equal(t, PriorityLow, PriorityForSeverity("unknown"))
}
