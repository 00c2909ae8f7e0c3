package models

import (
	"time"
)

// ProgressRecord holds one identity's live progress in a session. It is
// overwritten in place and only ever written on behalf of its own identity.
type ProgressRecord struct {
	SessionCode string    `json:"session_code"`
	Identity    string    `json:"identity"`
	Progress    int       `json:"progress"`
	Score       int       `json:"score"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TerminationAck records that a participant has rendered final results.
type TerminationAck struct {
	SessionCode string    `json:"session_code"`
	Identity    string    `json:"identity"`
	Returned    bool      `json:"returned"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FinalResult is written once per participant when a session ends.
type FinalResult struct {
	SessionCode string        `json:"session_code"`
	Identity    string        `json:"identity"`
	Total       int           `json:"total"`
	Correct     int           `json:"correct"`
	Wrong       int           `json:"wrong"`
	Elapsed     time.Duration `json:"elapsed"`
	Score       int           `json:"score"`
	Rank        int           `json:"rank"`
}
