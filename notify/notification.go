package notify

import (
	"time"

	"github.com/google/uuid"
)

// NotificationStatus tracks a notification through delivery.
type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusSent      NotificationStatus = "sent"
	StatusDelivered NotificationStatus = "delivered"
	StatusFailed    NotificationStatus = "failed"
)

// Priority orders notifications for human attention. It does not affect
// queue ordering.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Recipient is one delivery target: a channel type plus a channel-specific
// address (email address, webhook URL, agent endpoint).
type Recipient struct {
	Channel string `json:"channel" yaml:"channel" mapstructure:"channel"`
	Address string `json:"address" yaml:"address" mapstructure:"address"`
}

// DeliveryOutcome records the per-recipient result of one fan-out attempt.
type DeliveryOutcome struct {
	Recipient Recipient `json:"recipient"`
	Error     string    `json:"error,omitempty"`
	Duration  time.Duration
}

// Notification is a queued message destined for one or more recipients. The
// delivery worker owns it after Send; callers must not mutate it afterwards.
type Notification struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Priority   Priority           `json:"priority"`
	Title      string             `json:"title"`
	Message    string             `json:"message"`
	Recipients []Recipient        `json:"recipients"`
	Status     NotificationStatus `json:"status"`
	Outcomes   []DeliveryOutcome  `json:"outcomes,omitempty"`
	RetryCount int                `json:"retry_count"`
	MaxRetries int                `json:"max_retries"`
	CreatedAt  time.Time          `json:"created_at"`
	SentAt     time.Time          `json:"sent_at,omitempty"`

	// Payload carries structured context for channels that deliver JSON.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// NewNotification creates a pending notification.
func NewNotification(ntype string, priority Priority, title, message string, recipients []Recipient) *Notification {
	return &Notification{
		ID:         uuid.New().String(),
		Type:       ntype,
		Priority:   priority,
		Title:      title,
		Message:    message,
		Recipients: recipients,
		Status:     StatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}
