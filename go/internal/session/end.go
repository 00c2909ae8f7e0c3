package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/leaderboard"
	"github.com/mcdev12/quizlive/go/internal/models"
	"github.com/mcdev12/quizlive/go/internal/termination"
)

// Finish ends the active game early. The host may always do it; a player
// only in a solo session.
func (c *Controller) Finish(ctx context.Context) error {
	return c.call(ctx, func() error {
		s := c.s
		if s == nil {
			return ErrNotJoined
		}
		reason := EndHostFinished
		if s.role != models.RoleHost {
			if !s.solo {
				return ErrHostOnly
			}
			reason = EndPlayerFinished
		}
		switch s.phase {
		case PhaseLobby:
			return ErrNotStarted
		case PhaseActive:
			c.end(s, reason)
		}
		return nil
	})
}

// end stops the active phase and shows final results. Whichever trigger comes
// first wins; later ones find the phase already moved on.
func (c *Controller) end(s *state, reason EndReason) {
	if s.phase != PhaseActive {
		return
	}
	s.phase = PhaseEnding
	s.clock.Stop()
	s.stopActive()

	log.Info().
		Str("session_code", s.code).
		Str("identity", c.presenceIdentity(s)).
		Str("reason", string(reason)).
		Msg("session ending")
	if c.h.OnSessionEnding != nil {
		c.h.OnSessionEnding(reason)
	}

	if reason != EndFinishedFact {
		fact := models.SessionEvent{SessionCode: s.code, EventType: models.EventTypeFinished}
		if _, err := c.deps.Log.AppendEvent(s.ctx, fact); err != nil {
			c.reportError(s, err)
		}
	}

	snap, err := s.board.Snapshot(s.ctx)
	if err != nil {
		c.reportError(s, err)
		snap = s.lastBoard
	} else {
		c.reachable(s)
		s.lastBoard = snap
	}

	s.phase = PhaseFinished
	if c.h.OnSessionFinished != nil {
		c.h.OnSessionFinished(snap)
	}
	c.saveResult(s, snap)
	c.saveBotResults(s, snap)
	c.awaitTermination(s)
}

// saveResult hands the participant's own result to the content layer, once.
func (c *Controller) saveResult(s *state, snap leaderboard.Snapshot) {
	if !s.ranked() || s.resultSaved {
		return
	}
	entry, _ := snap.Find(c.cfg.Identity)
	result := models.FinalResult{
		SessionCode: s.code,
		Identity:    c.cfg.Identity,
		Total:       s.me.Correct + s.me.Wrong,
		Correct:     s.me.Correct,
		Wrong:       s.me.Wrong,
		Elapsed:     min(s.clock.Elapsed(), s.start.Settings.Duration()),
		Score:       entry.Score,
		Rank:        entry.Rank,
	}
	if err := c.deps.Content.SaveFinalResult(s.ctx, result); err != nil {
		c.reportError(s, err)
		return
	}
	s.resultSaved = true
}

// saveBotResults reports each bot's tallies alongside the human result.
func (c *Controller) saveBotResults(s *state, snap leaderboard.Snapshot) {
	if s.sim == nil {
		return
	}
	elapsed := min(s.clock.Elapsed(), s.start.Settings.Duration())
	for _, result := range s.sim.Results(s.code, elapsed) {
		if entry, ok := snap.Find(result.Identity); ok {
			result.Score = entry.Score
			result.Rank = entry.Rank
		}
		if err := c.deps.Content.SaveFinalResult(s.ctx, result); err != nil {
			c.reportError(s, err)
		}
	}
}

// awaitTermination acknowledges for this participant and its bots, then waits
// off the loop until the session is purged.
func (c *Controller) awaitTermination(s *state) {
	if s.sim != nil {
		for _, b := range s.sim.Bots() {
			if err := termination.New(c.deps.Log, s.code, b.Identity).Acknowledge(s.ctx); err != nil {
				c.reportError(s, err)
			}
		}
	}

	tb := termination.New(c.deps.Log, s.code, c.presenceIdentity(s),
		termination.WithClock(c.cfg.Clock),
		termination.WithPollInterval(c.cfg.AckPollInterval))
	go func() {
		purged, err := tb.Await(s.ctx, c.onError(s))
		if err != nil {
			if s.ctx.Err() == nil {
				c.post(s, func() { c.reportError(s, err) })
			}
			return
		}
		if purged {
			log.Info().Str("session_code", s.code).Msg("session purged")
		}
		c.post(s, func() { c.close(s) })
	}()
}

// close releases the session after it was purged. The participant is idle
// again afterwards.
func (c *Controller) close(s *state) {
	if s.phase == PhaseClosed {
		return
	}
	s.phase = PhaseClosed
	s.release()
	if c.s == s {
		c.s = nil
	}
	log.Info().
		Str("session_code", s.code).
		Str("identity", c.presenceIdentity(s)).
		Msg("session closed")
	if c.h.OnClosed != nil {
		c.h.OnClosed()
	}
}
