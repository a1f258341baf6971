package alerting

import (
	"time"

	"github.com/google/uuid"

	"vigil/core"
)

// AlertStatus represents the workflow state of an alert
type AlertStatus string

const (
	// StatusNew indicates an alert that hasn't been reviewed
	StatusNew AlertStatus = "New"
	// StatusAcknowledged indicates an alert that has been reviewed and acknowledged
	StatusAcknowledged AlertStatus = "Acknowledged"
	// StatusInProgress indicates an alert under active investigation
	StatusInProgress AlertStatus = "InProgress"
	// StatusResolved indicates the underlying condition has been addressed
	StatusResolved AlertStatus = "Resolved"
	// StatusClosed indicates a terminal alert
	StatusClosed AlertStatus = "Closed"
)

// String returns the string representation
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s AlertStatus) IsValid() bool {
	switch s {
	case StatusNew, StatusAcknowledged, StatusInProgress, StatusResolved, StatusClosed:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the alert is still part of an active workflow.
// Open alerts participate in deduplication and escalation and are never
// purged by stale cleanup.
func (s AlertStatus) IsOpen() bool {
	return s != StatusResolved && s != StatusClosed
}

// Note is a free-text audit entry appended by lifecycle operations.
type Note struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert is a lifecycle-managed detection finding. It is mutated only through
// AlertManager operations, never directly.
type Alert struct {
	AlertID     string      `json:"alert_id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Severity    string      `json:"severity"`
	Category    string      `json:"category"`
	Source      string      `json:"source"`
	RuleName    string      `json:"rule_name"`
	AlertType   string      `json:"alert_type"`
	Status      AlertStatus `json:"status"`

	DedupKey       string `json:"dedup_key"`
	GroupID        string `json:"group_id,omitempty"`
	DuplicateCount int    `json:"duplicate_count"`

	SourceIP   string   `json:"src_ip,omitempty"`
	DestIP     string   `json:"dst_ip,omitempty"`
	SourcePort int      `json:"src_port,omitempty"`
	DestPort   int      `json:"dst_port,omitempty"`
	Protocol   string   `json:"protocol,omitempty"`
	User       string   `json:"user,omitempty"`
	EventIDs   []string `json:"event_ids,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastSeen       time.Time `json:"last_seen"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	InProgressAt   time.Time `json:"in_progress_at,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`
	ClosedBy       string    `json:"closed_by,omitempty"`
	AssignedTo     string    `json:"assigned_to,omitempty"`

	EscalationLevel int       `json:"escalation_level"`
	EscalatedAt     time.Time `json:"escalated_at,omitempty"`

	Notes []Note `json:"notes,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewAlert constructs an alert in the New state from a triggering event and
// rule context. The dedup key is computed by the manager, not here.
func NewAlert(title, description, severity, category, ruleName, alertType string, event *core.Event) *Alert {
	now := time.Now().UTC()
	a := &Alert{
		AlertID:     uuid.New().String(),
		Title:       title,
		Description: description,
		Severity:    severity,
		Category:    category,
		RuleName:    ruleName,
		AlertType:   alertType,
		Status:      StatusNew,
		CreatedAt:   now,
		LastSeen:    now,
	}
	if event != nil {
		a.Source = event.Source
		a.SourceIP = event.SourceIP
		a.DestIP = event.DestIP
		a.SourcePort = event.SourcePort
		a.DestPort = event.DestPort
		a.Protocol = event.Protocol
		a.User = event.User
		a.EventIDs = []string{event.EventID}
	}
	return a
}

// AddNote appends an audit note to the alert.
func (a *Alert) AddNote(author, text string) {
	if text == "" {
		return
	}
	a.Notes = append(a.Notes, Note{
		Author:    author,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

// IsOpen reports whether the alert is still active.
func (a *Alert) IsOpen() bool {
	return a.Status.IsOpen()
}
