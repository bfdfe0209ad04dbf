// Package types defines the canonical event and plan contracts used across all
// arbiter components.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ContractVersion is the version every inbound and outbound payload must carry.
const ContractVersion = 1

// Actor identifies who produced an event.
type Actor struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Roles  []string       `json:"roles,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`
}

// EventContent carries the textual body of an event.
type EventContent struct {
	Type    string  `json:"type"`
	Text    string  `json:"text,omitempty"`
	ReplyTo *string `json:"reply_to"`
}

// Event is the payload adapters submit to POST /v1/events.
// (tenant_id, event_id) is the idempotency key; an accepted event is immutable.
type Event struct {
	V          int            `json:"v"`
	EventID    string         `json:"event_id"`
	TenantID   string         `json:"tenant_id"`
	Source     string         `json:"source"`
	RoomID     string         `json:"room_id"`
	Actor      Actor          `json:"actor"`
	Content    EventContent   `json:"content"`
	TS         string         `json:"ts"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Validate enforces the event contract shape.
func (e *Event) Validate() error {
	if e.V != ContractVersion {
		return &ValidationError{Field: "v", Reason: fmt.Sprintf("must be %d", ContractVersion)}
	}
	if strings.TrimSpace(e.EventID) == "" {
		return &ValidationError{Field: "event_id", Reason: "required"}
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(e.Source) == "" {
		return &ValidationError{Field: "source", Reason: "required"}
	}
	if strings.TrimSpace(e.RoomID) == "" {
		return &ValidationError{Field: "room_id", Reason: "required"}
	}
	if strings.TrimSpace(e.Actor.ID) == "" {
		return &ValidationError{Field: "actor.id", Reason: "required"}
	}
	switch e.Actor.Type {
	case "human", "service", "system":
	default:
		return &ValidationError{Field: "actor.type", Reason: "must be human, service, or system"}
	}
	if e.Content.Type != "text" {
		return &ValidationError{Field: "content.type", Reason: "must be text"}
	}
	if _, err := time.Parse(time.RFC3339, e.TS); err != nil {
		return &ValidationError{Field: "ts", Reason: "must be RFC3339"}
	}
	return nil
}

// ParsedTS returns the event timestamp, or the zero time if unparseable.
func (e *Event) ParsedTS() time.Time {
	t, err := time.Parse(time.RFC3339, e.TS)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ReplyTo returns the non-empty reply target, if any.
func (e *Event) ReplyTo() (string, bool) {
	if e.Content.ReplyTo == nil {
		return "", false
	}
	v := strings.TrimSpace(*e.Content.ReplyTo)
	return v, v != ""
}

// extension reads a string-valued key from the extensions map.
func (e *Event) extension(key string) string {
	if e.Extensions == nil {
		return ""
	}
	v, _ := e.Extensions[key].(string)
	return v
}

// ArbiterAction returns the per-event plan-shape override, empty when unset.
func (e *Event) ArbiterAction() string {
	return e.extension("arbiter_action")
}

// Provider returns the delivery provider hint, defaulting to "generic".
func (e *Event) Provider() string {
	if v := e.extension("provider"); v != "" {
		return v
	}
	return "generic"
}
