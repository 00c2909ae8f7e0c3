package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	Clock      clockwork.Clock // paces retries; real clock when nil
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 250 * time.Millisecond,
	}
}

// Relay forwards every change from source onto the bus, so that readers that
// cannot hold a store connection can still subscribe.
type Relay struct {
	source    ChangeSource
	publisher ChangePublisher
	cfg       Config

	mu        sync.Mutex
	forwarded uint64
	failed    uint64
	lastAt    time.Time
}

func New(source ChangeSource, publisher ChangePublisher, cfg Config) *Relay {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Relay{source: source, publisher: publisher, cfg: cfg}
}

// Start forwards changes until ctx is cancelled. A change that still fails after
// every retry is dropped; subscribers recover it through their fallback poll.
func (r *Relay) Start(ctx context.Context) error {
	changes, err := r.source.SubscribeAll(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to changes: %w", err)
	}

	log.Info().
		Int("max_retries", r.cfg.MaxRetries).
		Dur("retry_delay", r.cfg.RetryDelay).
		Msg("relay started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay shutting down")
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			env := NewEnvelope(change)
			if err := r.publishWithRetry(ctx, env); err != nil {
				r.record(false)
				log.Error().
					Err(err).
					Str("session_code", change.SessionCode).
					Str("table", string(change.Table)).
					Msg("dropping change")
				continue
			}
			r.record(true)
		}
	}
}

// publishWithRetry attempts to publish an envelope with a linear backoff.
func (r *Relay) publishWithRetry(ctx context.Context, env Envelope) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.cfg.Clock.After(delay):
			}
		}

		if err := r.publisher.Publish(ctx, env); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("change_id", env.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("change_id", env.ID.String()).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}

func (r *Relay) record(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.forwarded++
		r.lastAt = r.cfg.Clock.Now()
	} else {
		r.failed++
	}
}

// Stats returns how many changes were forwarded and dropped, and when the last
// one went out.
func (r *Relay) Stats() (forwarded, failed uint64, last time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forwarded, r.failed, r.lastAt
}
