package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServerEvent is the envelope of every message pushed to a client.
type ServerEvent struct {
	ID          string          `json:"id"`
	SessionCode string          `json:"session_code,omitempty"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type EventType string

const (
	EventTypeLobbyOpened     EventType = "LobbyOpened"
	EventTypeJoined          EventType = "Joined"
	EventTypePresenceChanged EventType = "PresenceChanged"
	EventTypeSessionStarted  EventType = "SessionStarted"
	EventTypeTimerTick       EventType = "TimerTick"
	EventTypeProgressChanged EventType = "ProgressChanged"
	EventTypeSessionEnding   EventType = "SessionEnding"
	EventTypeSessionFinished EventType = "SessionFinished"
	EventTypeConnectivity    EventType = "Connectivity"
	EventTypeSessionClosed   EventType = "SessionClosed"
	EventTypeError           EventType = "Error"
	EventTypeCommandResult   EventType = "CommandResult"
)

type JoinedPayload struct {
	SessionCode string `json:"session_code"`
	Role        string `json:"role"`
}

type TimerTickPayload struct {
	TimeRemainingSec int `json:"time_remaining_sec"`
}

type SessionEndingPayload struct {
	Reason string `json:"reason"`
}

type ConnectivityPayload struct {
	Reconnecting bool   `json:"reconnecting"`
	Error        string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type CommandResultPayload struct {
	CommandID string `json:"command_id,omitempty"`
	Command   string `json:"command"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Result    any    `json:"result,omitempty"`
}

func newEvent(code string, t EventType, payload any) (*ServerEvent, error) {
	e := &ServerEvent{
		ID:          uuid.NewString(),
		SessionCode: code,
		Type:        t,
		Timestamp:   time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		e.Data = data
	}
	return e, nil
}

// CommandType names a client command.
type CommandType string

const (
	CommandAnswer  CommandType = "answer"
	CommandStart   CommandType = "start"
	CommandFinish  CommandType = "finish"
	CommandEndGame CommandType = "end_game"
	CommandLeave   CommandType = "leave"
)

// ClientCommand is a message read from a client.
type ClientCommand struct {
	ID         string      `json:"id,omitempty"`
	Type       CommandType `json:"type"`
	QuestionID string      `json:"question_id,omitempty"`
	OptionKey  string      `json:"option_key,omitempty"`
}
