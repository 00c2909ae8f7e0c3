// Package memory is an in-process EventLog. It backs tests and the local
// single-player simulator, and can inject the delivery faults the session layer
// must tolerate: dropped notifications and an unreachable log.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/models"
)

var errOffline = errors.New("memory log offline")

const subscriberBuffer = 64

type subscriber struct {
	ch chan eventlog.Change
}

// Log is a goroutine-safe in-memory eventlog.Log.
type Log struct {
	clock clockwork.Clock

	mu           sync.Mutex
	sessions     map[string]models.Session
	participants map[string]map[string]models.Participant
	events       map[string][]models.SessionEvent
	progress     map[string]map[string]models.ProgressRecord
	acks         map[string]map[string]models.TerminationAck
	subs         map[string]map[*subscriber]struct{}

	offline      bool
	dropNotifies bool
}

// New creates an empty log stamping rows with clock.
func New(clock clockwork.Clock) *Log {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Log{
		clock:        clock,
		sessions:     make(map[string]models.Session),
		participants: make(map[string]map[string]models.Participant),
		events:       make(map[string][]models.SessionEvent),
		progress:     make(map[string]map[string]models.ProgressRecord),
		acks:         make(map[string]map[string]models.TerminationAck),
		subs:         make(map[string]map[*subscriber]struct{}),
	}
}

// SetOffline makes every operation fail with a connectivity error until reset.
func (l *Log) SetOffline(offline bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline = offline
}

// DropNotifications silently discards change notifications while set. Writes
// still land, so only polling observers see them.
func (l *Log) DropNotifications(drop bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropNotifies = drop
}

func (l *Log) check(op string) error {
	if l.offline {
		return eventlog.Unreachable(op, errOffline)
	}
	return nil
}

// notify must be called with l.mu held.
func (l *Log) notify(code string, table eventlog.Table, op eventlog.Op, identity string) {
	if l.dropNotifies {
		return
	}
	change := eventlog.Change{
		SessionCode: code,
		Table:       table,
		Op:          op,
		Identity:    identity,
		At:          l.clock.Now(),
	}
	for s := range l.subs[code] {
		select {
		case s.ch <- change:
		default:
			// slow consumer; its poller will catch up
		}
	}
}

func (l *Log) CreateSession(ctx context.Context, s models.Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("create session"); err != nil {
		return err
	}
	if _, exists := l.sessions[s.Code]; exists {
		return nil
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = l.clock.Now()
	}
	l.sessions[s.Code] = s
	l.notify(s.Code, eventlog.TableSessions, eventlog.OpInsert, s.HostID)
	return nil
}

func (l *Log) GetSession(ctx context.Context, code string) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("get session"); err != nil {
		return nil, err
	}
	s, ok := l.sessions[code]
	if !ok {
		return nil, eventlog.ErrNotFound
	}
	return &s, nil
}

func (l *Log) UpsertParticipant(ctx context.Context, p models.Participant) (*models.Participant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("upsert participant"); err != nil {
		return nil, err
	}
	rows := l.participants[p.SessionCode]
	if rows == nil {
		rows = make(map[string]models.Participant)
		l.participants[p.SessionCode] = rows
	}
	op := eventlog.OpInsert
	if existing, ok := rows[p.Identity]; ok {
		p.JoinedAt = existing.JoinedAt
		op = eventlog.OpUpdate
	} else if p.JoinedAt.IsZero() {
		p.JoinedAt = l.clock.Now()
	}
	p.Active = true
	rows[p.Identity] = p
	l.notify(p.SessionCode, eventlog.TableParticipants, op, p.Identity)
	return &p, nil
}

func (l *Log) DeleteParticipant(ctx context.Context, code, identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("delete participant"); err != nil {
		return err
	}
	if _, ok := l.participants[code][identity]; !ok {
		return nil
	}
	delete(l.participants[code], identity)
	l.notify(code, eventlog.TableParticipants, eventlog.OpDelete, identity)
	return nil
}

func (l *Log) ListParticipants(ctx context.Context, code string) ([]models.Participant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("list participants"); err != nil {
		return nil, err
	}
	out := make([]models.Participant, 0, len(l.participants[code]))
	for _, p := range l.participants[code] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}

func (l *Log) AppendEvent(ctx context.Context, e models.SessionEvent) (*models.SessionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("append event"); err != nil {
		return nil, err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock.Now()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.CreatedAt
	}
	l.events[e.SessionCode] = append(l.events[e.SessionCode], e)
	l.notify(e.SessionCode, eventlog.TableEvents, eventlog.OpInsert, "")
	return &e, nil
}

func (l *Log) ListEvents(ctx context.Context, code string, eventType models.EventType) ([]models.SessionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("list events"); err != nil {
		return nil, err
	}
	var out []models.SessionEvent
	for _, e := range l.events[code] {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (l *Log) UpsertProgress(ctx context.Context, rec models.ProgressRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("upsert progress"); err != nil {
		return err
	}
	rows := l.progress[rec.SessionCode]
	if rows == nil {
		rows = make(map[string]models.ProgressRecord)
		l.progress[rec.SessionCode] = rows
	}
	op := eventlog.OpInsert
	if _, ok := rows[rec.Identity]; ok {
		op = eventlog.OpUpdate
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = l.clock.Now()
	}
	rows[rec.Identity] = rec
	l.notify(rec.SessionCode, eventlog.TableProgress, op, rec.Identity)
	return nil
}

func (l *Log) ListProgress(ctx context.Context, code string) ([]models.ProgressRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("list progress"); err != nil {
		return nil, err
	}
	out := make([]models.ProgressRecord, 0, len(l.progress[code]))
	for _, r := range l.progress[code] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (l *Log) UpsertAck(ctx context.Context, ack models.TerminationAck) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("upsert ack"); err != nil {
		return err
	}
	rows := l.acks[ack.SessionCode]
	if rows == nil {
		rows = make(map[string]models.TerminationAck)
		l.acks[ack.SessionCode] = rows
	}
	op := eventlog.OpInsert
	if _, ok := rows[ack.Identity]; ok {
		op = eventlog.OpUpdate
	}
	if ack.UpdatedAt.IsZero() {
		ack.UpdatedAt = l.clock.Now()
	}
	rows[ack.Identity] = ack
	l.notify(ack.SessionCode, eventlog.TableAcks, op, ack.Identity)
	return nil
}

func (l *Log) ListAcks(ctx context.Context, code string) ([]models.TerminationAck, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("list acks"); err != nil {
		return nil, err
	}
	out := make([]models.TerminationAck, 0, len(l.acks[code]))
	for _, a := range l.acks[code] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (l *Log) PurgeSession(ctx context.Context, code string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("purge session"); err != nil {
		return false, err
	}
	_, hadSession := l.sessions[code]
	deleted := hadSession ||
		len(l.participants[code]) > 0 ||
		len(l.events[code]) > 0 ||
		len(l.progress[code]) > 0 ||
		len(l.acks[code]) > 0

	delete(l.sessions, code)
	delete(l.participants, code)
	delete(l.events, code)
	delete(l.progress, code)
	delete(l.acks, code)

	if deleted {
		l.notify(code, eventlog.TableSessions, eventlog.OpDelete, "")
	}
	return deleted, nil
}

// Subscribe registers a buffered channel for the session's changes.
func (l *Log) Subscribe(ctx context.Context, code string) (<-chan eventlog.Change, error) {
	l.mu.Lock()
	if err := l.check("subscribe"); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	s := &subscriber{ch: make(chan eventlog.Change, subscriberBuffer)}
	if l.subs[code] == nil {
		l.subs[code] = make(map[*subscriber]struct{})
	}
	l.subs[code][s] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[code], s)
		if len(l.subs[code]) == 0 {
			delete(l.subs, code)
		}
		close(s.ch)
		l.mu.Unlock()
	}()

	return s.ch, nil
}

// Subscribers returns the number of live subscriptions for a session.
func (l *Log) Subscribers(code string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[code])
}

var _ eventlog.Log = (*Log)(nil)
