package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates the activity types producers emit.
type EventKind string

const (
	KindPageView         EventKind = "page_view"
	KindTextbookOpen     EventKind = "textbook_open"
	KindAssignmentSubmit EventKind = "assignment_submit"
	KindLogin            EventKind = "login"
	KindLogout           EventKind = "logout"
	KindChatMessage      EventKind = "chat_message"
	KindBookmarkAdd      EventKind = "bookmark_add"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// ActivityEvent is an immutable activity record. The ID is generated on the
// client and used for de-duplication when a batch is retried after a partial
// failure.
type ActivityEvent struct {
	ID           uuid.UUID       `json:"id"`
	ProducerID   uuid.UUID       `json:"producer_id"`
	ProducerName string          `json:"producer_name,omitempty"` // filled in server-side on broadcast
	Role         Role            `json:"role"`
	Kind         EventKind       `json:"kind"`
	ResourceID   *uuid.UUID      `json:"resource_id,omitempty"`
	ResourceKind string          `json:"resource_kind,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Typed metadata payloads, one per event kind that carries extra fields.
// They are encoded into ActivityEvent.Metadata so the wire format stays a
// plain JSON object.

type PageViewMeta struct {
	Page       int    `json:"page"`
	Action     string `json:"action"` // "time_update" | "close"
	DurationMS int64  `json:"duration_ms"`
}

type AssignmentSubmitMeta struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	QuestionID   string    `json:"question_id,omitempty"`
}

type ChatMessageMeta struct {
	RoomID string `json:"room_id"`
	Length int    `json:"length"`
}

type BookmarkAddMeta struct {
	Page int `json:"page"`
}

// EncodeMeta marshals a typed metadata struct for ActivityEvent.Metadata.
func EncodeMeta(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// DecodePageViewMeta extracts page-view metadata from an event. Returns false
// when the event is not a page_view or the metadata is malformed.
func DecodePageViewMeta(ev ActivityEvent) (PageViewMeta, bool) {
	if ev.Kind != KindPageView || len(ev.Metadata) == 0 {
		return PageViewMeta{}, false
	}
	var meta PageViewMeta
	if err := json.Unmarshal(ev.Metadata, &meta); err != nil {
		return PageViewMeta{}, false
	}
	return meta, true
}
