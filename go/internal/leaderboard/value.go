package leaderboard

import (
	"github.com/mcdev12/quizlive/go/internal/models"
)

// MaxProgress is the progress of a race participant at the finish line.
const MaxProgress = 100

// Value is one participant's standing in the session's game mode. The set of
// implementations is closed: Race and Score.
type Value interface {
	record(s Scoring) (progress, score int)
}

// Race is a position on a track of Scoring.RaceCap units.
type Race struct {
	Position int
}

// Score is an unbounded running total.
type Score struct {
	Points   int
	Answered int
}

func (v Race) record(s Scoring) (int, int) {
	pos := min(max(v.Position, 0), s.RaceCap)
	return pos * MaxProgress / s.RaceCap, pos * s.PointsPerUnit
}

func (v Score) record(Scoring) (int, int) {
	return max(v.Answered, 0), v.Points
}

// Scoring turns values into progress rows.
type Scoring struct {
	Mode          models.GameMode
	PointsPerUnit int
	RaceCap       int
}

func NewScoring(settings models.GameSettings, raceCap int) Scoring {
	settings = settings.WithDefaults()
	if raceCap <= 0 {
		raceCap = 8
	}
	return Scoring{
		Mode:          settings.Mode,
		PointsPerUnit: settings.PointsPerUnit,
		RaceCap:       raceCap,
	}
}

// Record renders v as the progress row for identity.
func (s Scoring) Record(code, identity string, v Value) models.ProgressRecord {
	progress, score := v.record(s)
	return models.ProgressRecord{
		SessionCode: code,
		Identity:    identity,
		Progress:    progress,
		Score:       score,
	}
}

// Finished reports whether the snapshot meets the mode's own end condition.
// Only a race has one; a score game runs until the clock stops it.
func (s Scoring) Finished(snap Snapshot) bool {
	if s.Mode != models.ModeRace {
		return false
	}
	for _, e := range snap.Entries {
		if e.Progress >= MaxProgress {
			return true
		}
	}
	return false
}
