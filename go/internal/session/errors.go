package session

import "errors"

var (
	ErrNotJoined       = errors.New("not joined to a session")
	ErrAlreadyJoined   = errors.New("already joined to a session")
	ErrUnknownSession  = errors.New("no session with that code")
	ErrNotStarted      = errors.New("session has not started")
	ErrAlreadyStarted  = errors.New("session has already started")
	ErrTimeUp          = errors.New("time is up")
	ErrUnknownQuestion = errors.New("unknown question")
	ErrAlreadyAnswered = errors.New("question already answered")
	ErrHostOnly        = errors.New("only the host can do that")
	ErrNotPlayer       = errors.New("only players can answer")
	ErrClosed          = errors.New("controller stopped")
)
