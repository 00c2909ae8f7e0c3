// Package startbarrier moves every observer of a session from waiting to
// started exactly once. Push notifications and a fallback poll race to
// discover the started fact; whichever wins, the transition fires once and
// every observer settles on the earliest fact by creation time.
package startbarrier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/models"
)

const DefaultPollInterval = 1500 * time.Millisecond

// Start is the canonical start of a session.
type Start struct {
	EventID   uuid.UUID
	StartedAt time.Time
	Settings  models.GameSettings
}

type Config struct {
	PollInterval time.Duration
	Clock        clockwork.Clock
	// OnError receives poll failures. Polling carries on at the fixed interval.
	OnError func(error)
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Announce appends a started fact. Calling it twice, from one host or two,
// leaves the earliest fact canonical.
func Announce(ctx context.Context, store eventlog.Store, code string, settings models.GameSettings, startedAt time.Time) (*models.SessionEvent, error) {
	e, err := store.AppendEvent(ctx, models.SessionEvent{
		SessionCode: code,
		EventType:   models.EventTypeStarted,
		StartedAt:   startedAt,
		Settings:    &settings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to announce start of %s: %w", code, err)
	}
	log.Info().
		Str("session_code", code).
		Str("event_id", e.ID.String()).
		Time("started_at", e.StartedAt).
		Msg("start announced")
	return e, nil
}

// Barrier waits for one session to start.
type Barrier struct {
	log  eventlog.Log
	code string
	cfg  Config

	mu   sync.Mutex
	fact *models.SessionEvent
}

func New(l eventlog.Log, code string, cfg Config) *Barrier {
	return &Barrier{log: l, code: code, cfg: cfg.withDefaults()}
}

// Run blocks until a started fact is observed or ctx ends. It returns once per
// barrier; a second call returns the recorded start straight away. The subscription
// is opened before the first query so a fact written in between is not lost.
func (b *Barrier) Run(ctx context.Context) (Start, error) {
	if s, ok := b.Started(); ok {
		return s, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel() // stops the poller and the subscription

	triggers, err := eventlog.Watch(ctx, b.log, b.cfg.Clock, b.code, b.cfg.PollInterval, eventlog.TableEvents)
	if err != nil {
		return Start{}, fmt.Errorf("failed to subscribe to %s: %w", b.code, err)
	}

	for range triggers {
		s, ok, err := b.Check(ctx)
		if err != nil {
			if ctx.Err() == nil && b.cfg.OnError != nil {
				b.cfg.OnError(err)
			}
			continue
		}
		if ok {
			return s, nil
		}
	}
	return Start{}, ctx.Err()
}

// Check queries for started facts once and records the earliest. It may be
// called again after the transition; if an earlier fact has since become
// visible the recorded start moves back to it, so late readers and early
// readers still agree.
func (b *Barrier) Check(ctx context.Context) (Start, bool, error) {
	events, err := b.log.ListEvents(ctx, b.code, models.EventTypeStarted)
	if err != nil {
		return Start{}, false, err
	}
	e, ok := eventlog.Earliest(events)
	if !ok {
		s, started := b.Started()
		return s, started, nil
	}
	return b.observe(e, len(events)), true, nil
}

func (b *Barrier) observe(e models.SessionEvent, seen int) Start {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fact != nil {
		cur, _ := eventlog.Earliest([]models.SessionEvent{*b.fact, e})
		if cur.ID == b.fact.ID {
			return b.startLocked()
		}
		log.Warn().
			Str("session_code", b.code).
			Str("event_id", e.ID.String()).
			Time("started_at", e.StartedAt).
			Msg("earlier start fact surfaced, moving start back")
	} else {
		log.Info().
			Str("session_code", b.code).
			Str("event_id", e.ID.String()).
			Int("facts_seen", seen).
			Time("started_at", e.StartedAt).
			Msg("session started")
	}
	b.fact = &e
	return b.startLocked()
}

func (b *Barrier) startLocked() Start {
	s := Start{EventID: b.fact.ID, StartedAt: b.fact.StartedAt}
	if b.fact.Settings != nil {
		s.Settings = *b.fact.Settings
	}
	return s
}

// Started returns the recorded start, if the transition has happened.
func (b *Barrier) Started() (Start, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fact == nil {
		return Start{}, false
	}
	return b.startLocked(), true
}
