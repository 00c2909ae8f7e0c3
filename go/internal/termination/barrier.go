// Package termination purges a finished session once every participant has
// seen the final results. Any participant may perform the purge; it is a
// delete-if-exists, so several doing it at once is harmless.
package termination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/models"
)

var ErrNotHost = errors.New("only the host can end the game")

const DefaultPollInterval = 1500 * time.Millisecond

type Barrier struct {
	log      eventlog.Log
	code     string
	identity string
	clock    clockwork.Clock
	poll     time.Duration
}

type Option func(*Barrier)

func WithClock(c clockwork.Clock) Option {
	return func(b *Barrier) { b.clock = c }
}

func WithPollInterval(d time.Duration) Option {
	return func(b *Barrier) { b.poll = d }
}

func New(l eventlog.Log, code, identity string, opts ...Option) *Barrier {
	b := &Barrier{
		log:      l,
		code:     code,
		identity: identity,
		clock:    clockwork.NewRealClock(),
		poll:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Acknowledge records that this participant has rendered the final results.
func (b *Barrier) Acknowledge(ctx context.Context) error {
	err := b.log.UpsertAck(ctx, models.TerminationAck{
		SessionCode: b.code,
		Identity:    b.identity,
		Returned:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge results: %w", err)
	}
	log.Debug().
		Str("session_code", b.code).
		Str("identity", b.identity).
		Msg("results acknowledged")
	return nil
}

// AllReturned reports whether every current participant has acknowledged.
// A session with nobody left in it counts as returned.
func (b *Barrier) AllReturned(ctx context.Context) (bool, error) {
	participants, err := b.log.ListParticipants(ctx, b.code)
	if err != nil {
		return false, fmt.Errorf("failed to list participants: %w", err)
	}
	acks, err := b.log.ListAcks(ctx, b.code)
	if err != nil {
		return false, fmt.Errorf("failed to list acks: %w", err)
	}
	return allReturned(participants, acks), nil
}

func allReturned(participants []models.Participant, acks []models.TerminationAck) bool {
	returned := make(map[string]bool, len(acks))
	for _, a := range acks {
		returned[a.Identity] = a.Returned
	}
	for _, p := range participants {
		if !returned[p.Identity] {
			return false
		}
	}
	return true
}

// Purge deletes the session's rows. It reports whether this call deleted
// anything; a repeat is a no-op, not an error.
func (b *Barrier) Purge(ctx context.Context) (bool, error) {
	deleted, err := b.log.PurgeSession(ctx, b.code)
	if err != nil {
		return false, fmt.Errorf("failed to purge session %s: %w", b.code, err)
	}
	if deleted {
		log.Info().
			Str("session_code", b.code).
			Str("identity", b.identity).
			Msg("session purged")
	}
	return deleted, nil
}

// Finish acknowledges, then purges if that made everyone returned.
func (b *Barrier) Finish(ctx context.Context) (purged, done bool, err error) {
	if err := b.Acknowledge(ctx); err != nil {
		return false, false, err
	}
	return b.tryPurge(ctx)
}

func (b *Barrier) tryPurge(ctx context.Context) (purged, done bool, err error) {
	all, err := b.AllReturned(ctx)
	if err != nil || !all {
		return false, false, err
	}
	purged, err = b.Purge(ctx)
	if err != nil {
		return false, false, err
	}
	return purged, true, nil
}

// Await acknowledges and then waits until everyone has returned, purging on
// the way out. It also returns once another participant or the host has purged
// the session. purged is true only for the caller whose purge deleted the rows.
func (b *Barrier) Await(ctx context.Context, onError func(error)) (purged bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	triggers, err := eventlog.Watch(ctx, b.log, b.clock, b.code, b.poll,
		eventlog.TableAcks, eventlog.TableParticipants, eventlog.TableSessions)
	if err != nil {
		return false, fmt.Errorf("failed to subscribe to %s: %w", b.code, err)
	}

	if err := b.Acknowledge(ctx); err != nil {
		return false, err
	}

	for range triggers {
		if gone, err := b.purgedElsewhere(ctx); err == nil && gone {
			return false, nil
		}

		purged, done, err := b.tryPurge(ctx)
		if err != nil {
			if ctx.Err() == nil && onError != nil {
				onError(err)
			}
			continue
		}
		if done {
			return purged, nil
		}
	}
	return false, ctx.Err()
}

// purgedElsewhere reports whether our own ack has vanished, which only a purge does.
func (b *Barrier) purgedElsewhere(ctx context.Context) (bool, error) {
	acks, err := b.log.ListAcks(ctx, b.code)
	if err != nil {
		return false, err
	}
	for _, a := range acks {
		if a.Identity == b.identity {
			return false, nil
		}
	}
	return true, nil
}

// ForcePurge ends the game for everyone without waiting for acknowledgments.
// Only the host may call it.
func (b *Barrier) ForcePurge(ctx context.Context) (bool, error) {
	if b.identity != models.HostIdentity {
		return false, ErrNotHost
	}
	log.Warn().
		Str("session_code", b.code).
		Msg("host ending game")
	return b.Purge(ctx)
}
