package leaderboard

import (
	"sort"
	"time"

	"github.com/mcdev12/quizlive/go/internal/models"
)

type Entry struct {
	Rank     int       `json:"rank"`
	Identity string    `json:"identity"`
	Avatar   string    `json:"avatar"`
	Progress int       `json:"progress"`
	Score    int       `json:"score"`
	JoinedAt time.Time `json:"joined_at"`
}

type Snapshot struct {
	SessionCode string    `json:"session_code"`
	Entries     []Entry   `json:"entries"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Leader returns the first-ranked entry.
func (s Snapshot) Leader() (Entry, bool) {
	if len(s.Entries) == 0 {
		return Entry{}, false
	}
	return s.Entries[0], true
}

// Find returns the entry for identity.
func (s Snapshot) Find(identity string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Identity == identity {
			return e, true
		}
	}
	return Entry{}, false
}

// Rank joins progress rows onto the ranked participants and orders them by
// score, then progress. A participant with no row yet counts as zero; a row
// whose participant has left is ignored. Ties that remain fall back to join
// order so every observer renders the same list.
func Rank(participants []models.Participant, records []models.ProgressRecord) []Entry {
	byIdentity := make(map[string]models.ProgressRecord, len(records))
	for _, r := range records {
		byIdentity[r.Identity] = r
	}

	entries := make([]Entry, 0, len(participants))
	for _, p := range participants {
		if !p.Ranked() {
			continue
		}
		r := byIdentity[p.Identity]
		entries = append(entries, Entry{
			Identity: p.Identity,
			Avatar:   p.Avatar,
			Progress: r.Progress,
			Score:    r.Score,
			JoinedAt: p.JoinedAt,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Progress != b.Progress {
			return a.Progress > b.Progress
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.Identity < b.Identity
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
