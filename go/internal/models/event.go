package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of session fact.
type EventType string

const (
	EventTypeStarted  EventType = "started"
	EventTypeFinished EventType = "finished"
)

// SessionEvent is an append-only fact. Several rows of the same type may exist
// for one session; consumers canonicalize on the earliest CreatedAt.
type SessionEvent struct {
	ID          uuid.UUID     `json:"id"`
	SessionCode string        `json:"session_code"`
	EventType   EventType     `json:"event_type"`
	StartedAt   time.Time     `json:"started_at"`
	Settings    *GameSettings `json:"settings,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
