package notify

import (
	"fmt"
	"strings"
	"text/template"

	"vigil/alerting"
)

const defaultAlertTemplate = `Alert: {{.Title}}
Severity: {{.Severity}}
Rule: {{.RuleName}}
{{- if .SourceIP}}
Source: {{.SourceIP}}{{if .SourcePort}}:{{.SourcePort}}{{end}}{{end}}
{{- if .DestIP}}
Destination: {{.DestIP}}{{if .DestPort}}:{{.DestPort}}{{end}}{{end}}
{{- if .Description}}

{{.Description}}{{end}}
Created: {{.CreatedAt.Format "2006-01-02 15:04:05 MST"}}
Alert ID: {{.AlertID}}`

// AlertTemplate renders alert notification bodies. Templates receive the
// alert as their data.
type AlertTemplate struct {
	tmpl *template.Template
}

// NewAlertTemplate parses a template body, falling back to the built-in
// format when body is empty.
func NewAlertTemplate(body string) (*AlertTemplate, error) {
	if body == "" {
		body = defaultAlertTemplate
	}
	tmpl, err := template.New("alert").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("invalid alert template: %w", err)
	}
	return &AlertTemplate{tmpl: tmpl}, nil
}

// Render produces the message body for an alert.
func (t *AlertTemplate) Render(alert *alerting.Alert) (string, error) {
	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, alert); err != nil {
		return "", fmt.Errorf("alert template execution failed: %w", err)
	}
	return sb.String(), nil
}

// PriorityForSeverity maps alert severities to notification priorities.
func PriorityForSeverity(severity string) Priority {
	switch severity {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityNormal
	default:
		return PriorityLow
	}
}
