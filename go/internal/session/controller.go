// Package session runs one participant's view of a live quiz. A Controller
// owns every handle the participant holds on a session (subscriptions,
// pollers, countdown, bots) and changes its state only from one event loop,
// so presentation callbacks never race each other.
package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/bots"
	"github.com/mcdev12/quizlive/go/internal/content"
	"github.com/mcdev12/quizlive/go/internal/countdown"
	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/leaderboard"
	"github.com/mcdev12/quizlive/go/internal/models"
	"github.com/mcdev12/quizlive/go/internal/presence"
	"github.com/mcdev12/quizlive/go/internal/startbarrier"
)

// Phase is where a participant is in the session lifecycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseLobby    Phase = "lobby"
	PhaseActive   Phase = "active"
	PhaseEnding   Phase = "ending"
	PhaseFinished Phase = "finished"
	PhaseClosed   Phase = "closed"
)

// EndReason says why the active phase ended.
type EndReason string

const (
	EndTimeUp         EndReason = "time_up"
	EndRaceFinished   EndReason = "race_finished"
	EndFinishedFact   EndReason = "finished_elsewhere"
	EndHostFinished   EndReason = "host_finished"
	EndPlayerFinished EndReason = "player_finished"
)

// Started is pushed once when the session starts.
type Started struct {
	StartedAt time.Time           `json:"started_at"`
	Settings  models.GameSettings `json:"settings"`
	Questions []models.Question   `json:"questions"`
	Remaining int                 `json:"remaining"`

	// ClockDegraded is set when the trusted time source was unreachable and
	// the countdown runs on the local clock.
	ClockDegraded bool `json:"clock_degraded"`
}

// Connectivity is pushed when the log becomes unreachable and again when it
// answers.
type Connectivity struct {
	Reconnecting bool
	Err          error
}

// Handlers are the presentation callbacks. All of them run on the
// controller's loop; a nil handler is skipped.
type Handlers struct {
	OnPresenceChanged func([]models.Participant)
	OnSessionStarted  func(Started)
	OnTick            func(remaining int)
	OnProgressChanged func(leaderboard.Snapshot)
	OnSessionEnding   func(EndReason)
	OnSessionFinished func(leaderboard.Snapshot)
	OnConnectivity    func(Connectivity)
	OnClosed          func()
	OnError           func(error)
}

type Config struct {
	Identity string
	Avatar   string
	// HostID is the account of the host, used to read lobby settings and
	// recorded on the session row.
	HostID   string
	Criteria models.QuestionCriteria

	StartPollInterval    time.Duration
	PresencePollInterval time.Duration
	BoardPollInterval    time.Duration
	AckPollInterval      time.Duration
	TickInterval         time.Duration
	RaceCap              int

	// Bots turns the session into a single-player game against them.
	Bots        []bots.Bot
	BotInterval time.Duration
	BotSeed     int64

	Clock clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.StartPollInterval <= 0 {
		c.StartPollInterval = startbarrier.DefaultPollInterval
	}
	if c.PresencePollInterval <= 0 {
		c.PresencePollInterval = presence.DefaultPollInterval
	}
	if c.BoardPollInterval <= 0 {
		c.BoardPollInterval = leaderboard.DefaultPollInterval
	}
	if c.AckPollInterval <= 0 {
		c.AckPollInterval = 1500 * time.Millisecond
	}
	if c.TickInterval <= 0 {
		c.TickInterval = countdown.DefaultTickInterval
	}
	if c.RaceCap <= 0 {
		c.RaceCap = 8
	}
	if c.BotInterval <= 0 {
		c.BotInterval = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Deps are the collaborators a controller talks to.
type Deps struct {
	Log     eventlog.Log
	Content content.Provider
	// Time is the trusted clock for drift correction; nil means the local clock.
	Time countdown.TimeSource
}

type Controller struct {
	deps     Deps
	cfg      Config
	h        Handlers
	registry *presence.Registry

	inbox chan func()
	done  chan struct{}

	// owned by the loop
	loopCtx context.Context
	s       *state
}

func New(deps Deps, cfg Config, h Handlers) *Controller {
	cfg = cfg.withDefaults()
	if deps.Time == nil {
		deps.Time = countdown.NewLocalSource(cfg.Clock)
	}
	return &Controller{
		deps: deps,
		cfg:  cfg,
		h:    h,
		registry: presence.NewRegistry(deps.Log,
			presence.WithClock(cfg.Clock),
			presence.WithPollInterval(cfg.PresencePollInterval)),
		inbox: make(chan func(), 16),
		done:  make(chan struct{}),
	}
}

// Run is the controller's event loop. It returns when ctx is cancelled, after
// releasing every resource and leaving any session still in progress.
func (c *Controller) Run(ctx context.Context) error {
	c.loopCtx = ctx
	defer close(c.done)

	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-ctx.Done():
			c.shutdown()
			return nil
		}
	}
}

func (c *Controller) shutdown() {
	if c.s == nil {
		return
	}
	s := c.s
	s.release()
	c.s = nil

	if s.phase == PhaseClosed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.leavePresence(ctx, s)
}

// call runs fn on the loop and waits for its result.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// post queues fn from a watcher goroutine. It gives up once the session
// scope that produced it is gone.
func (c *Controller) post(s *state, fn func()) {
	select {
	case c.inbox <- func() {
		if c.s == s {
			fn()
		}
	}:
	case <-s.ctx.Done():
	case <-c.done:
	}
}

// Phase reports where the participant is in the session.
func (c *Controller) Phase(ctx context.Context) (Phase, error) {
	phase := PhaseIdle
	err := c.call(ctx, func() error {
		if c.s != nil {
			phase = c.s.phase
		}
		return nil
	})
	return phase, err
}

// Code returns the joined session's code, or "" when idle.
func (c *Controller) Code(ctx context.Context) (string, error) {
	var code string
	err := c.call(ctx, func() error {
		if c.s != nil {
			code = c.s.code
		}
		return nil
	})
	return code, err
}

func (c *Controller) reportError(s *state, err error) {
	if err == nil {
		return
	}
	if eventlog.IsConnectivity(err) {
		if !s.reconnecting {
			s.reconnecting = true
			log.Warn().Err(err).Str("session_code", s.code).Msg("event log unreachable")
			if c.h.OnConnectivity != nil {
				c.h.OnConnectivity(Connectivity{Reconnecting: true, Err: err})
			}
		}
		return
	}
	log.Error().Err(err).Str("session_code", s.code).Str("identity", c.cfg.Identity).Msg("session error")
	if c.h.OnError != nil {
		c.h.OnError(err)
	}
}

// reachable clears the reconnecting state after any successful read.
func (c *Controller) reachable(s *state) {
	if !s.reconnecting {
		return
	}
	s.reconnecting = false
	log.Info().Str("session_code", s.code).Msg("event log reachable again")
	if c.h.OnConnectivity != nil {
		c.h.OnConnectivity(Connectivity{Reconnecting: false})
	}
}

// onError adapts reportError for watcher callbacks, which run off the loop.
func (c *Controller) onError(s *state) func(error) {
	return func(err error) {
		c.post(s, func() { c.reportError(s, err) })
	}
}
