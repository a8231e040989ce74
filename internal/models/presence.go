package models

import (
	"time"

	"github.com/google/uuid"
)

// PresenceStatus is the derived classification of a producer, never set
// directly by clients.
type PresenceStatus string

const (
	StatusViewing   PresenceStatus = "viewing"
	StatusAnswering PresenceStatus = "answering"
	StatusIdle      PresenceStatus = "idle"
	StatusOffline   PresenceStatus = "offline"
)

// PresenceRecord is the live per-user state maintained by the aggregator.
type PresenceRecord struct {
	UserID            uuid.UUID      `json:"user_id"`
	DisplayName       string         `json:"display_name"`
	ScopeID           string         `json:"scope_id"`
	Role              Role           `json:"role"`
	IsOnline          bool           `json:"is_online"`
	LastActivityAt    time.Time      `json:"last_activity_at"`
	LastEventKind     EventKind      `json:"last_event_kind,omitempty"`
	CurrentResourceID *uuid.UUID     `json:"current_resource_id,omitempty"`
	CurrentPage       int            `json:"current_page,omitempty"`
	Status            PresenceStatus `json:"status"`

	// LastSeenAt tracks connection-level liveness (heartbeats), separate
	// from business activity. Not part of the wire format.
	LastSeenAt time.Time `json:"-"`
}
