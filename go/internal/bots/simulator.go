// Package bots drives synthetic participants for single-player sessions. Bots
// write progress through the same contract as humans, one draw per round.
package bots

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/leaderboard"
	"github.com/mcdev12/quizlive/go/internal/models"
)

// DefaultTiers are the per-round success probabilities of the stock bots.
var DefaultTiers = []float64{0.8, 0.6, 0.4}

var avatars = []string{"robot", "rocket", "owl", "fox", "panda", "tiger", "koala", "whale"}

type Bot struct {
	Identity string
	Avatar   string
	Skill    float64 // chance of answering a round correctly
}

// State is a bot's standing after its latest round.
type State struct {
	Position int `json:"position"`
	Correct  int `json:"correct"`
	Wrong    int `json:"wrong"`
}

// Value renders the state in the session's game mode.
func (st State) Value(s leaderboard.Scoring) leaderboard.Value {
	if s.Mode == models.ModeScore {
		return leaderboard.Score{Points: st.Correct * s.PointsPerUnit, Answered: st.Correct + st.Wrong}
	}
	return leaderboard.Race{Position: st.Position}
}

// NewBots names one bot per tier.
func NewBots(tiers []float64) []Bot {
	out := make([]Bot, len(tiers))
	for i, p := range tiers {
		out[i] = Bot{
			Identity: fmt.Sprintf("bot-%d", i+1),
			Avatar:   avatars[i%len(avatars)],
			Skill:    p,
		}
	}
	return out
}

// ProgressWriter is the slice of leaderboard.Aggregator the simulator needs.
type ProgressWriter interface {
	Delegate(identity string)
	Update(ctx context.Context, identity string, v leaderboard.Value) (leaderboard.Entry, error)
	Scoring() leaderboard.Scoring
}

// Joiner adds a bot to presence.
type Joiner interface {
	Join(ctx context.Context, code, identity, avatar string) (*models.Participant, error)
}

type Simulator struct {
	bots    []Bot
	raceCap int
	writer  ProgressWriter
	clock   clockwork.Clock

	mu     sync.Mutex
	rng    *rand.Rand
	states map[string]State
	rounds int
}

type Option func(*Simulator)

func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.rng = rand.New(rand.NewSource(seed)) }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Simulator) { s.clock = c }
}

// NewSimulator drives bots up a track of raceCap units.
func NewSimulator(bots []Bot, raceCap int, writer ProgressWriter, opts ...Option) *Simulator {
	s := &Simulator{
		bots:    bots,
		raceCap: raceCap,
		writer:  writer,
		clock:   clockwork.NewRealClock(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		states:  make(map[string]State, len(bots)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, b := range bots {
		s.states[b.Identity] = State{}
		writer.Delegate(b.Identity)
	}
	return s
}

func (s *Simulator) Bots() []Bot { return s.bots }

// Join puts every bot into the session's presence as a player.
func (s *Simulator) Join(ctx context.Context, joiner Joiner, code string) error {
	for _, b := range s.bots {
		if _, err := joiner.Join(ctx, code, b.Identity, b.Avatar); err != nil {
			return fmt.Errorf("failed to join bot %s: %w", b.Identity, err)
		}
	}
	return nil
}

// step draws one round for every bot against its current state and commits
// the result before returning, so the next round never starts from a stale
// value.
func (s *Simulator) step() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]State, len(s.bots))
	for _, b := range s.bots {
		st := s.states[b.Identity]
		if s.rng.Float64() < b.Skill {
			st.Correct++
			st.Position = min(st.Position+1, s.raceCap)
		} else {
			st.Wrong++
			st.Position = max(st.Position-1, 0)
		}
		s.states[b.Identity] = st
		next[b.Identity] = st
	}
	s.rounds++
	return next
}

// Round plays one round and writes every bot's progress.
func (s *Simulator) Round(ctx context.Context) (map[string]State, error) {
	next := s.step()
	scoring := s.writer.Scoring()

	var errs []error
	for _, b := range s.bots {
		if _, err := s.writer.Update(ctx, b.Identity, next[b.Identity].Value(scoring)); err != nil {
			errs = append(errs, err)
		}
	}
	return next, errors.Join(errs...)
}

// Run plays a round every interval until ctx ends or stopped reports true.
// stopped is checked before every round so no round starts after time is up.
func (s *Simulator) Run(ctx context.Context, interval time.Duration, stopped func() bool, onError func(error)) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	log.Debug().
		Int("bots", len(s.bots)).
		Dur("interval", interval).
		Msg("bot simulator started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		if stopped != nil && stopped() {
			return
		}
		if _, err := s.Round(ctx); err != nil && onError != nil {
			onError(err)
		}
	}
}

// State returns the committed state of one bot.
func (s *Simulator) State(identity string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[identity]
	return st, ok
}

// Rounds returns how many rounds have been played.
func (s *Simulator) Rounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds
}

// Results reports each bot's totals for the end-of-session summary.
func (s *Simulator) Results(code string, elapsed time.Duration) []models.FinalResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.FinalResult, 0, len(s.bots))
	for _, b := range s.bots {
		st := s.states[b.Identity]
		out = append(out, models.FinalResult{
			SessionCode: code,
			Identity:    b.Identity,
			Total:       st.Correct + st.Wrong,
			Correct:     st.Correct,
			Wrong:       st.Wrong,
			Elapsed:     elapsed,
		})
	}
	return out
}
