// Package leaderboard merges per-participant progress into a ranked board.
// Every change recomputes the whole board from the log; sessions are small
// and a full recompute cannot apply updates out of order.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/eventlog"
)

var ErrOwnershipViolation = errors.New("progress belongs to another identity")

const DefaultPollInterval = 2 * time.Second

// Aggregator writes its owner's progress and reads everyone's.
type Aggregator struct {
	log     eventlog.Log
	code    string
	owner   string
	scoring Scoring
	clock   clockwork.Clock
	poll    time.Duration

	mu        sync.Mutex
	delegates map[string]struct{}
}

type Option func(*Aggregator)

func WithClock(c clockwork.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

func WithPollInterval(d time.Duration) Option {
	return func(a *Aggregator) { a.poll = d }
}

func NewAggregator(l eventlog.Log, code, owner string, scoring Scoring, opts ...Option) *Aggregator {
	a := &Aggregator{
		log:       l,
		code:      code,
		owner:     owner,
		scoring:   scoring,
		clock:     clockwork.NewRealClock(),
		poll:      DefaultPollInterval,
		delegates: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Scoring() Scoring { return a.scoring }

// Delegate lets the owner write on behalf of identity. The bot simulator uses
// it for the bots it drives.
func (a *Aggregator) Delegate(identity string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delegates[identity] = struct{}{}
}

func (a *Aggregator) mayWrite(identity string) bool {
	if identity == a.owner {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.delegates[identity]
	return ok
}

// Update overwrites identity's progress row with v.
func (a *Aggregator) Update(ctx context.Context, identity string, v Value) (Entry, error) {
	if !a.mayWrite(identity) {
		return Entry{}, fmt.Errorf("%w: %s cannot write for %s", ErrOwnershipViolation, a.owner, identity)
	}

	rec := a.scoring.Record(a.code, identity, v)
	if err := a.log.UpsertProgress(ctx, rec); err != nil {
		return Entry{}, fmt.Errorf("failed to update progress for %s: %w", identity, err)
	}

	log.Debug().
		Str("session_code", a.code).
		Str("identity", identity).
		Int("progress", rec.Progress).
		Int("score", rec.Score).
		Msg("progress updated")
	return Entry{Identity: identity, Progress: rec.Progress, Score: rec.Score}, nil
}

// Snapshot recomputes the board from the log.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	participants, err := a.log.ListParticipants(ctx, a.code)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list participants: %w", err)
	}
	records, err := a.log.ListProgress(ctx, a.code)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list progress: %w", err)
	}
	return Snapshot{
		SessionCode: a.code,
		Entries:     Rank(participants, records),
		ComputedAt:  a.clock.Now(),
	}, nil
}

// Subscribe streams the board whenever it changes. A reader that falls behind
// only sees the newest board.
func (a *Aggregator) Subscribe(ctx context.Context, onError func(error)) (<-chan Snapshot, error) {
	triggers, err := eventlog.Watch(ctx, a.log, a.clock, a.code, a.poll,
		eventlog.TableProgress, eventlog.TableParticipants)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", a.code, err)
	}

	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)

		var last []Entry
		first := true
		for range triggers {
			snap, err := a.Snapshot(ctx)
			if err != nil {
				if ctx.Err() == nil && onError != nil {
					onError(err)
				}
				continue
			}
			if !first && slices.EqualFunc(last, snap.Entries, sameEntry) {
				continue
			}
			first = false
			last = snap.Entries

			select {
			case <-out:
			default:
			}
			out <- snap
		}
	}()
	return out, nil
}

func sameEntry(a, b Entry) bool {
	return a.Identity == b.Identity &&
		a.Rank == b.Rank &&
		a.Progress == b.Progress &&
		a.Score == b.Score &&
		a.Avatar == b.Avatar
}
