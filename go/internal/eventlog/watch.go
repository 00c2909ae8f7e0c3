package eventlog

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Watch merges change notifications for code with a fallback poll. The returned
// channel is signalled once immediately, then after every change touching one
// of tables and on every poll tick. Signals coalesce, so a consumer re-queries
// the store on each one. The channel is closed when ctx is cancelled.
func Watch(ctx context.Context, sub Subscriber, clock clockwork.Clock, code string, every time.Duration, tables ...Table) (<-chan struct{}, error) {
	changes, err := sub.Subscribe(ctx, code)
	if err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	out <- struct{}{}

	go func() {
		defer close(out)

		ticker := clock.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-changes:
				if !ok {
					// keep polling; a closed feed must not stall the consumer
					changes = nil
					continue
				}
				if !touchesAny(c, tables) {
					continue
				}
			case <-ticker.Chan():
			}

			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()

	return out, nil
}

func touchesAny(c Change, tables []Table) bool {
	if len(tables) == 0 {
		return true
	}
	for _, t := range tables {
		if c.Touches(t) {
			return true
		}
	}
	return false
}
