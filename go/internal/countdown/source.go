package countdown

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// TimeSource reports an authoritative "now" that does not depend on the local
// clock.
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}

// Querier is the slice of pgxpool.Pool the database source needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DatabaseSource reads the clock of the Postgres server behind the event log,
// which every participant already trusts for created_at.
type DatabaseSource struct {
	db Querier
}

func NewDatabaseSource(db Querier) *DatabaseSource {
	return &DatabaseSource{db: db}
}

func (s *DatabaseSource) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.db.QueryRow(ctx, "SELECT now()").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now, nil
}

// HTTPSource reads the Date header of a HEAD request.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (s *HTTPSource) Now(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}

	sent := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	rtt := time.Since(sent)

	date, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return time.Time{}, fmt.Errorf("response has no usable Date header: %w", err)
	}
	// Date has whole-second resolution; aim for the middle of that second and
	// account for the trip back.
	return date.Add(500*time.Millisecond + rtt/2), nil
}

// LocalSource trusts the local clock. Measuring against it always gives zero drift.
type LocalSource struct {
	clock clockwork.Clock
}

func NewLocalSource(clock clockwork.Clock) *LocalSource {
	return &LocalSource{clock: clock}
}

func (s *LocalSource) Now(ctx context.Context) (time.Time, error) {
	return s.clock.Now(), nil
}

// Sync is the result of one drift measurement.
type Sync struct {
	Drift      time.Duration // local minus authoritative
	Degraded   bool          // the source failed and drift was assumed zero
	MeasuredAt time.Time     // authoritative time of the measurement
}

// Measure takes the one drift reading a session uses. A failing source is not
// an error: the local clock is used with zero drift and Degraded is set.
func Measure(ctx context.Context, clock clockwork.Clock, src TimeSource) Sync {
	before := clock.Now()
	auth, err := src.Now(ctx)
	after := clock.Now()
	if err != nil {
		log.Warn().Err(err).Msg("trusted time source unavailable, using local clock")
		return Sync{Degraded: true, MeasuredAt: after}
	}

	local := before.Add(after.Sub(before) / 2)
	drift := local.Sub(auth)
	log.Debug().
		Dur("drift", drift).
		Time("authoritative_now", auth).
		Msg("clock drift measured")
	return Sync{Drift: drift, MeasuredAt: auth}
}
