package models

import (
	"time"
)

// SessionStatus is derived from the facts appended for a session, it is never stored.
type SessionStatus string

const (
	SessionStatusLobby    SessionStatus = "LOBBY"
	SessionStatusStarted  SessionStatus = "STARTED"
	SessionStatusFinished SessionStatus = "FINISHED"
)

// Session is one multiplayer game round identified by a short shareable code.
type Session struct {
	Code      string    `json:"code"`
	HostID    string    `json:"host_id"`
	ClassRef  *string   `json:"class_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GameMode selects how progress is scored.
type GameMode string

const (
	// ModeRace moves a marker along a fixed track; the first to the end wins.
	ModeRace GameMode = "race"
	// ModeScore accumulates points with no upper bound.
	ModeScore GameMode = "score"
)

// GameSettings is the snapshot carried by a started fact. Only DurationSec is
// interpreted by the countdown; the rest is passed through to the presentation layer.
type GameSettings struct {
	DurationSec   int      `json:"duration_sec" yaml:"duration_sec"`
	PointsPerUnit int      `json:"points_per_unit" yaml:"points_per_unit"`
	Shuffle       bool     `json:"shuffle" yaml:"shuffle"`
	Theme         string   `json:"theme,omitempty" yaml:"theme"`
	Mode          GameMode `json:"mode,omitempty" yaml:"mode"`
}

// Duration returns the configured game length.
func (s GameSettings) Duration() time.Duration {
	return time.Duration(s.DurationSec) * time.Second
}

// WithDefaults fills unset fields with the values a lobby opens with.
func (s GameSettings) WithDefaults() GameSettings {
	if s.DurationSec <= 0 {
		s.DurationSec = 60
	}
	if s.PointsPerUnit <= 0 {
		s.PointsPerUnit = 10
	}
	if s.Mode == "" {
		s.Mode = ModeRace
	}
	return s
}
