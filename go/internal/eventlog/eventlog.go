// Package eventlog defines the contract of the durable log every participant
// coordinates through. The log is owned by an external store; this package only
// names what the session layer needs from it.
package eventlog

import (
	"context"
	"time"

	"github.com/mcdev12/quizlive/go/internal/models"
)

// Table names a collection in the log. Change notifications are keyed by it.
type Table string

const (
	TableSessions     Table = "sessions"
	TableParticipants Table = "participants"
	TableEvents       Table = "session_events"
	TableProgress     Table = "progress"
	TableAcks         Table = "termination_acks"

	// TableAll is sent when a notification channel reconnects and any table may
	// have changed while it was down.
	TableAll Table = "*"
)

// Op is the kind of write that produced a change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// AllSessions is the session code of a resync change that applies to every session.
const AllSessions = "*"

// Change is a notification that a row for a session changed. It carries no row
// data; consumers re-query the store.
type Change struct {
	SessionCode string    `json:"session_code"`
	Table       Table     `json:"table"`
	Op          Op        `json:"op"`
	Identity    string    `json:"identity,omitempty"`
	At          time.Time `json:"at"`
}

// Token renders the table as a single bus subject token.
func (t Table) Token() string {
	if t == TableAll {
		return "all"
	}
	return string(t)
}

// Touches reports whether the change may affect rows of table t.
func (c Change) Touches(t Table) bool {
	return c.Table == t || c.Table == TableAll
}

// Store is the point-in-time query and write side of the log.
type Store interface {
	CreateSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, code string) (*models.Session, error)

	UpsertParticipant(ctx context.Context, p models.Participant) (*models.Participant, error)
	DeleteParticipant(ctx context.Context, code, identity string) error
	ListParticipants(ctx context.Context, code string) ([]models.Participant, error)

	AppendEvent(ctx context.Context, e models.SessionEvent) (*models.SessionEvent, error)
	ListEvents(ctx context.Context, code string, eventType models.EventType) ([]models.SessionEvent, error)

	UpsertProgress(ctx context.Context, rec models.ProgressRecord) error
	ListProgress(ctx context.Context, code string) ([]models.ProgressRecord, error)

	UpsertAck(ctx context.Context, ack models.TerminationAck) error
	ListAcks(ctx context.Context, code string) ([]models.TerminationAck, error)

	// PurgeSession deletes every row for the session. It never fails because the
	// rows are already gone; deleted reports whether this call removed anything.
	PurgeSession(ctx context.Context, code string) (deleted bool, err error)
}

// Subscriber delivers change notifications filtered to one session code.
// Delivery is best-effort: notifications may be dropped or duplicated, so every
// consumer pairs a subscription with a fallback query.
type Subscriber interface {
	// Subscribe returns a channel that is closed once ctx is cancelled.
	Subscribe(ctx context.Context, code string) (<-chan Change, error)
}

// Log is a Store with change notification.
type Log interface {
	Store
	Subscriber
}

// Join pairs a Store with a separately provided Subscriber, for deployments where
// notifications travel over a relay instead of the store connection.
func Join(store Store, sub Subscriber) Log {
	return struct {
		Store
		Subscriber
	}{store, sub}
}
