package session

import (
	"context"

	"github.com/mcdev12/quizlive/go/internal/bots"
	"github.com/mcdev12/quizlive/go/internal/countdown"
	"github.com/mcdev12/quizlive/go/internal/leaderboard"
	"github.com/mcdev12/quizlive/go/internal/models"
	"github.com/mcdev12/quizlive/go/internal/startbarrier"
)

// state is one joined session. Everything a participant holds on it hangs off
// ctx, so cancelling it releases every subscription and timer at once.
type state struct {
	code  string
	role  models.Role
	solo  bool
	phase Phase

	ctx    context.Context
	cancel context.CancelFunc

	// active phase handles, released when the game ends
	activeCtx    context.Context
	activeCancel context.CancelFunc

	lobbySettings models.GameSettings
	barrier       *startbarrier.Barrier
	start         startbarrier.Start
	questions     []models.Question
	answered      map[string]bool
	clock         *countdown.Countdown
	board         *leaderboard.Aggregator
	sim           *bots.Simulator
	me            standing
	lastBoard     leaderboard.Snapshot

	reconnecting bool
	resultSaved  bool
}

// standing is this participant's own running tally.
type standing struct {
	Position int
	Points   int
	Correct  int
	Wrong    int
}

func (st standing) value(s leaderboard.Scoring) leaderboard.Value {
	if s.Mode == models.ModeScore {
		return leaderboard.Score{Points: st.Points, Answered: st.Correct + st.Wrong}
	}
	return leaderboard.Race{Position: st.Position}
}

func (s *state) ranked() bool {
	return s.role != models.RoleHost
}

func (s *state) stopActive() {
	if s.activeCancel != nil {
		s.activeCancel()
	}
}

func (s *state) release() {
	s.stopActive()
	s.cancel()
}

// apply scores one answer. A wrong answer never moves the marker back.
func (st standing) apply(correct bool, s leaderboard.Scoring) standing {
	if !correct {
		st.Wrong++
		return st
	}
	st.Correct++
	st.Position = min(st.Position+1, s.RaceCap)
	st.Points += s.PointsPerUnit
	return st
}
