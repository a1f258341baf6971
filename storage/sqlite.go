package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"vigil/alerting"
	"vigil/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	ts          TIMESTAMP NOT NULL,
	event_type  TEXT NOT NULL,
	severity    TEXT,
	src_ip      TEXT,
	dst_ip      TEXT,
	src_port    INTEGER,
	dst_port    INTEGER,
	protocol    TEXT,
	packet_size INTEGER,
	flags       TEXT,
	details     TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);

CREATE TABLE IF NOT EXISTS alerts (
	id              TEXT PRIMARY KEY,
	event_id        TEXT,
	agent_id        TEXT,
	alert_type      TEXT,
	ts              TIMESTAMP NOT NULL,
	title           TEXT NOT NULL,
	severity        TEXT,
	source          TEXT,
	description     TEXT,
	acknowledged    INTEGER NOT NULL DEFAULT 0,
	acknowledged_at TIMESTAMP,
	acknowledged_by TEXT,
	metadata        TEXT
);
CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);
`

// SQLiteStore implements EventStore and AlertStore on an embedded SQLite
// database.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *zap.SugaredLogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY churn under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertEvent persists one event.
func (s *SQLiteStore) InsertEvent(ctx context.Context, event *core.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
			(id, ts, event_type, severity, src_ip, dst_ip, src_port, dst_port, protocol, packet_size, flags, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.Timestamp.UTC(), event.EventType, event.Severity,
		event.SourceIP, event.DestIP, event.SourcePort, event.DestPort,
		event.Protocol, event.PacketSize, event.Flags, string(details))
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", event.EventID, err)
	}
	return nil
}

// ListSince returns events with ts >= since, oldest first, up to limit.
func (s *SQLiteStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*core.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, event_type, severity, src_ip, dst_ip, src_port, dst_port, protocol, packet_size, flags, details
		FROM events WHERE ts >= ? ORDER BY ts ASC LIMIT ?`,
		since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*core.Event
	for rows.Next() {
		var (
			e       core.Event
			details string
		)
		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.EventType, &e.Severity,
			&e.SourceIP, &e.DestIP, &e.SourcePort, &e.DestPort,
			&e.Protocol, &e.PacketSize, &e.Flags, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				s.logger.Warnw("Corrupt event details, skipping field", "event_id", e.EventID, "error", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CreateAlertForEvent persists an alert tied to its triggering event.
func (s *SQLiteStore) CreateAlertForEvent(ctx context.Context, alert *alerting.Alert, event *core.Event) error {
	metadata, err := json.Marshal(map[string]interface{}{
		"dedup_key":        alert.DedupKey,
		"group_id":         alert.GroupID,
		"rule_name":        alert.RuleName,
		"escalation_level": alert.EscalationLevel,
		"extra":            alert.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert metadata: %w", err)
	}

	var eventID, agentID string
	if event != nil {
		eventID = event.EventID
		agentID = event.AgentID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts
			(id, event_id, agent_id, alert_type, ts, title, severity, source, description, acknowledged, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		alert.AlertID, eventID, agentID, alert.AlertType, alert.CreatedAt.UTC(),
		alert.Title, alert.Severity, alert.Source, alert.Description, string(metadata))
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", alert.AlertID, err)
	}
	return nil
}

// AcknowledgeAlert marks the persisted alert acknowledged.
func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, alertID, actor string) error {
	return s.updateAlert(ctx, alertID,
		`UPDATE alerts SET acknowledged = 1, acknowledged_at = ?, acknowledged_by = ? WHERE id = ?`,
		time.Now().UTC(), actor, alertID)
}

// ResolveAlert records resolution in the alert metadata.
func (s *SQLiteStore) ResolveAlert(ctx context.Context, alertID, actor string) error {
	return s.updateAlert(ctx, alertID,
		`UPDATE alerts SET metadata = json_set(COALESCE(metadata, '{}'), '$.resolved_by', ?, '$.resolved_at', ?) WHERE id = ?`,
		actor, time.Now().UTC().Format(time.RFC3339), alertID)
}

// CloseAlert records closure in the alert metadata.
func (s *SQLiteStore) CloseAlert(ctx context.Context, alertID, actor string) error {
	return s.updateAlert(ctx, alertID,
		`UPDATE alerts SET metadata = json_set(COALESCE(metadata, '{}'), '$.closed_by', ?, '$.closed_at', ?) WHERE id = ?`,
		actor, time.Now().UTC().Format(time.RFC3339), alertID)
}

func (s *SQLiteStore) updateAlert(ctx context.Context, alertID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s not found in storage", alertID)
	}
	return nil
}
