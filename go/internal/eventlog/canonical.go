package eventlog

import (
	"github.com/mcdev12/quizlive/go/internal/models"
)

// Earliest picks the canonical fact among duplicates: the first by CreatedAt,
// ties broken by id so every observer picks the same row.
func Earliest(events []models.SessionEvent) (models.SessionEvent, bool) {
	if len(events) == 0 {
		return models.SessionEvent{}, false
	}
	best := events[0]
	for _, e := range events[1:] {
		if e.CreatedAt.Before(best.CreatedAt) {
			best = e
			continue
		}
		if e.CreatedAt.Equal(best.CreatedAt) && e.ID.String() < best.ID.String() {
			best = e
		}
	}
	return best, true
}
