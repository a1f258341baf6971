package storage

import (
	"context"
	"time"

	"vigil/alerting"
	"vigil/core"
)

// EventStore is the persistence contract the analysis engine requires. The
// engine treats writes as fire-and-forget and only logs failures; ListSince
// is the recovery path that re-seeds in-memory buffers after a restart.
type EventStore interface {
	InsertEvent(ctx context.Context, event *core.Event) error
	ListSince(ctx context.Context, since time.Time, limit int) ([]*core.Event, error)
	CreateAlertForEvent(ctx context.Context, alert *alerting.Alert, event *core.Event) error
}

// AlertStore persists alert lifecycle transitions for offline systems.
type AlertStore interface {
	AcknowledgeAlert(ctx context.Context, alertID, actor string) error
	ResolveAlert(ctx context.Context, alertID, actor string) error
	CloseAlert(ctx context.Context, alertID, actor string) error
}
