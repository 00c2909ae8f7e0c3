package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/bots"
	"github.com/mcdev12/quizlive/go/internal/content"
	"github.com/mcdev12/quizlive/go/internal/countdown"
	"github.com/mcdev12/quizlive/go/internal/leaderboard"
	"github.com/mcdev12/quizlive/go/internal/models"
	"github.com/mcdev12/quizlive/go/internal/startbarrier"
)

// AnswerResult is returned for an accepted answer.
type AnswerResult struct {
	Correct   bool              `json:"correct"`
	Entry     leaderboard.Entry `json:"entry"`
	Remaining int               `json:"remaining"`
}

// preparation is the slow part of starting, done off the loop.
type preparation struct {
	start     startbarrier.Start
	questions []models.Question
	sync      countdown.Sync
	err       error
}

func (c *Controller) prepare(s *state, st startbarrier.Start) preparation {
	st.Settings = st.Settings.WithDefaults()
	p := preparation{start: st}

	questions, err := c.deps.Content.FetchQuestionSet(s.ctx, c.cfg.Criteria)
	if err != nil {
		p.err = fmt.Errorf("failed to load questions: %w", err)
	} else if st.Settings.Shuffle {
		questions = content.Shuffle(questions, s.code)
	}
	p.questions = questions
	p.sync = countdown.Measure(s.ctx, c.cfg.Clock, c.deps.Time)
	return p
}

// begin moves the participant from lobby to active. It runs at most once per
// session scope.
func (c *Controller) begin(s *state, p preparation) {
	if s.phase != PhaseLobby {
		return
	}
	if p.err != nil {
		c.reportError(s, p.err)
	}

	settings := p.start.Settings
	s.start = p.start
	s.questions = p.questions
	s.answered = make(map[string]bool, len(p.questions))
	s.clock = countdown.New(c.cfg.Clock, p.start.StartedAt, settings.Duration(), p.sync)
	s.board = leaderboard.NewAggregator(c.deps.Log, s.code, c.presenceIdentity(s),
		leaderboard.NewScoring(settings, c.cfg.RaceCap),
		leaderboard.WithClock(c.cfg.Clock),
		leaderboard.WithPollInterval(c.cfg.BoardPollInterval))
	s.activeCtx, s.activeCancel = context.WithCancel(s.ctx)
	s.phase = PhaseActive

	log.Info().
		Str("session_code", s.code).
		Str("identity", c.presenceIdentity(s)).
		Time("started_at", p.start.StartedAt).
		Dur("drift", p.sync.Drift).
		Bool("clock_degraded", p.sync.Degraded).
		Int("questions", len(p.questions)).
		Msg("session started")

	if c.h.OnSessionStarted != nil {
		c.h.OnSessionStarted(Started{
			StartedAt:     p.start.StartedAt,
			Settings:      settings,
			Questions:     p.questions,
			Remaining:     s.clock.Remaining(),
			ClockDegraded: p.sync.Degraded,
		})
	}

	boards, err := s.board.Subscribe(s.activeCtx, c.onError(s))
	if err != nil {
		c.reportError(s, err)
	} else {
		go func() {
			for snap := range boards {
				c.post(s, func() { c.onBoard(s, snap) })
			}
		}()
	}

	if s.solo && len(c.cfg.Bots) > 0 {
		c.startBots(s)
	}

	cd, active := s.clock, s.activeCtx
	go func() {
		_ = cd.Run(active, c.cfg.TickInterval,
			func(remaining int) {
				c.post(s, func() {
					if s.phase == PhaseActive && c.h.OnTick != nil {
						c.h.OnTick(remaining)
					}
				})
			},
			func() {
				c.post(s, func() { c.end(s, EndTimeUp) })
			})
	}()
}

func (c *Controller) startBots(s *state) {
	opts := []bots.Option{bots.WithClock(c.cfg.Clock)}
	if c.cfg.BotSeed != 0 {
		opts = append(opts, bots.WithSeed(c.cfg.BotSeed))
	}
	s.sim = bots.NewSimulator(c.cfg.Bots, c.cfg.RaceCap, s.board, opts...)
	if err := s.sim.Join(s.ctx, c.registry, s.code); err != nil {
		c.reportError(s, err)
	}
	sim, cd, active := s.sim, s.clock, s.activeCtx
	go sim.Run(active, c.cfg.BotInterval, cd.Expired, c.onError(s))
}

// rebase adopts an earlier start fact that surfaced after the transition.
func (c *Controller) rebase(s *state, st startbarrier.Start) {
	if s.clock == nil || st.StartedAt.Equal(s.start.StartedAt) {
		return
	}
	log.Warn().
		Str("session_code", s.code).
		Time("from", s.start.StartedAt).
		Time("to", st.StartedAt).
		Msg("rebasing countdown on earlier start")
	s.start.StartedAt = st.StartedAt
	s.start.EventID = st.EventID
	s.clock.Rebase(st.StartedAt)
}

// Answer records the participant's answer to one question. No answer is
// accepted once the countdown reaches zero.
func (c *Controller) Answer(ctx context.Context, questionID, optionKey string) (AnswerResult, error) {
	var res AnswerResult
	err := c.call(ctx, func() error {
		s := c.s
		if s == nil {
			return ErrNotJoined
		}
		switch s.phase {
		case PhaseLobby:
			return ErrNotStarted
		case PhaseActive:
		default:
			return ErrTimeUp
		}
		if !s.ranked() {
			return ErrNotPlayer
		}
		q, ok := findQuestion(s.questions, questionID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
		}
		if s.answered[questionID] {
			return ErrAlreadyAnswered
		}

		scoring := s.board.Scoring()
		correct := q.IsCorrect(optionKey)
		next := s.me.apply(correct, scoring)
		var (
			entry leaderboard.Entry
			err   error
		)
		accepted := s.clock.Do(func() {
			entry, err = s.board.Update(ctx, c.cfg.Identity, next.value(scoring))
		})
		if !accepted {
			return ErrTimeUp
		}
		// A failed write leaves the question open for a retry.
		if err != nil {
			return err
		}
		s.me = next
		s.answered[questionID] = true
		c.reachable(s)
		res = AnswerResult{Correct: correct, Entry: entry, Remaining: s.clock.Remaining()}
		return nil
	})
	return res, err
}

func findQuestion(qs []models.Question, id string) (models.Question, bool) {
	for _, q := range qs {
		if q.ID == id {
			return q, true
		}
	}
	return models.Question{}, false
}

func (c *Controller) onBoard(s *state, snap leaderboard.Snapshot) {
	if s.phase != PhaseActive {
		return
	}
	c.reachable(s)
	s.lastBoard = snap
	if c.h.OnProgressChanged != nil {
		c.h.OnProgressChanged(snap)
	}
	if s.board.Scoring().Finished(snap) {
		c.end(s, EndRaceFinished)
	}
}
