// Package presence tracks who is in a session. Joins are upserts keyed by
// session code and identity, so repeating one after a reconnect is harmless.
package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/models"
)

var (
	ErrEmptyIdentity    = errors.New("identity is required")
	ErrReservedIdentity = errors.New("identity is reserved for the host")
)

const DefaultPollInterval = 2 * time.Second

type Registry struct {
	log          eventlog.Log
	clock        clockwork.Clock
	pollInterval time.Duration
}

type Option func(*Registry)

func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) { r.pollInterval = d }
}

func NewRegistry(l eventlog.Log, opts ...Option) *Registry {
	r := &Registry{
		log:          l,
		clock:        clockwork.NewRealClock(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds identity to the session as a player. Failures are returned as-is;
// the caller decides whether to retry.
func (r *Registry) Join(ctx context.Context, code, identity, avatar string) (*models.Participant, error) {
	if identity == "" {
		return nil, ErrEmptyIdentity
	}
	if identity == models.HostIdentity {
		return nil, ErrReservedIdentity
	}
	return r.upsert(ctx, code, identity, avatar, models.RolePlayer)
}

// JoinHost adds the host under the reserved identity. The host shows up in
// presence but never in the leaderboard.
func (r *Registry) JoinHost(ctx context.Context, code, avatar string) (*models.Participant, error) {
	return r.upsert(ctx, code, models.HostIdentity, avatar, models.RoleHost)
}

func (r *Registry) upsert(ctx context.Context, code, identity, avatar string, role models.Role) (*models.Participant, error) {
	p, err := r.log.UpsertParticipant(ctx, models.Participant{
		SessionCode: code,
		Identity:    identity,
		Avatar:      avatar,
		Role:        role,
		Active:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to join session %s: %w", code, err)
	}

	log.Debug().
		Str("session_code", code).
		Str("identity", identity).
		Str("role", string(role)).
		Msg("joined session")
	return p, nil
}

// Leave removes identity from the session. Leaving twice is not an error.
func (r *Registry) Leave(ctx context.Context, code, identity string) error {
	if err := r.log.DeleteParticipant(ctx, code, identity); err != nil && !errors.Is(err, eventlog.ErrNotFound) {
		return fmt.Errorf("failed to leave session %s: %w", code, err)
	}
	log.Debug().
		Str("session_code", code).
		Str("identity", identity).
		Msg("left session")
	return nil
}

// List returns the participants ordered by join time.
func (r *Registry) List(ctx context.Context, code string) ([]models.Participant, error) {
	ps, err := r.log.ListParticipants(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants of %s: %w", code, err)
	}
	return ps, nil
}

// Watch streams the participant list whenever it changes. Only the latest list
// is kept if the reader falls behind. Query failures go to onError and the
// watch keeps going; the channel closes when ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, code string, onError func(error)) (<-chan []models.Participant, error) {
	triggers, err := eventlog.Watch(ctx, r.log, r.clock, code, r.pollInterval, eventlog.TableParticipants)
	if err != nil {
		return nil, fmt.Errorf("failed to watch presence of %s: %w", code, err)
	}

	out := make(chan []models.Participant, 1)
	go func() {
		defer close(out)

		var last []models.Participant
		first := true
		for range triggers {
			ps, err := r.List(ctx, code)
			if err != nil {
				if ctx.Err() == nil && onError != nil {
					onError(err)
				}
				continue
			}
			if !first && slices.EqualFunc(last, ps, sameEntry) {
				continue
			}
			first = false
			last = ps
			replace(out, ps)
		}
	}()
	return out, nil
}

func sameEntry(a, b models.Participant) bool {
	return a.Identity == b.Identity &&
		a.Avatar == b.Avatar &&
		a.Role == b.Role &&
		a.Active == b.Active &&
		a.JoinedAt.Equal(b.JoinedAt)
}

// replace keeps only the newest value in a one-slot channel. It assumes a
// single sender.
func replace[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
