package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event represents the common event schema for all ingested security events.
// Events are created by collectors and treated as read-only by the analysis
// engine.
type Event struct {
	EventID    string                 `json:"event_id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  string                 `json:"event_type"`
	Severity   string                 `json:"severity"`
	Source     string                 `json:"source"`
	SourceIP   string                 `json:"src_ip"`
	SourcePort int                    `json:"src_port"`
	DestIP     string                 `json:"dst_ip"`
	DestPort   int                    `json:"dst_port"`
	Protocol   string                 `json:"protocol"`
	PacketSize int                    `json:"packet_size"`
	Flags      string                 `json:"flags"`
	HostID     string                 `json:"host_id"`
	AgentID    string                 `json:"agent_id"`
	User       string                 `json:"user"`
	Details    map[string]interface{} `json:"details"`
}

// NewEvent creates a new Event with a generated UUID
func NewEvent() *Event {
	return &Event{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Details:   make(map[string]interface{}),
	}
}

// FieldValue resolves a dotted field path against the event. Top-level names
// map to the typed struct fields; anything else descends into the Details map
// (e.g. "details.process.name"). The second return value reports whether the
// path resolved to a value.
func (e *Event) FieldValue(path string) (interface{}, bool) {
	switch path {
	case "event_id", "id":
		return e.EventID, true
	case "timestamp", "ts":
		return e.Timestamp, true
	case "event_type", "type":
		return e.EventType, true
	case "severity":
		return e.Severity, true
	case "source":
		return e.Source, true
	case "src_ip", "source_ip":
		return e.SourceIP, true
	case "src_port", "source_port":
		return e.SourcePort, true
	case "dst_ip", "dest_ip":
		return e.DestIP, true
	case "dst_port", "dest_port":
		return e.DestPort, true
	case "protocol":
		return e.Protocol, true
	case "packet_size":
		return e.PacketSize, true
	case "flags":
		return e.Flags, true
	case "host_id":
		return e.HostID, true
	case "agent_id":
		return e.AgentID, true
	case "user":
		return e.User, true
	}

	parts := strings.Split(path, ".")
	if parts[0] == "details" {
		parts = parts[1:]
		if len(parts) == 0 {
			return e.Details, e.Details != nil
		}
	}
	return lookupNested(e.Details, parts)
}

// lookupNested walks a chain of string-keyed maps. Intermediate values that
// are not maps terminate the walk with no value.
func lookupNested(m map[string]interface{}, parts []string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	var current interface{} = m
	for _, part := range parts {
		nested, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = nested[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
