package content

import (
	"hash/fnv"
	"math/rand"

	"github.com/mcdev12/quizlive/go/internal/models"
)

// Shuffle reorders questions and their options with a seed derived from the
// session code, so every participant of one session sees the same order. The
// input is left untouched.
func Shuffle(questions []models.Question, sessionCode string) []models.Question {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionCode))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	out := make([]models.Question, len(questions))
	for i, q := range questions {
		q.Options = append([]models.Option(nil), q.Options...)
		rng.Shuffle(len(q.Options), func(a, b int) {
			q.Options[a], q.Options[b] = q.Options[b], q.Options[a]
		})
		out[i] = q
	}
	rng.Shuffle(len(out), func(a, b int) { out[a], out[b] = out[b], out[a] })
	return out
}
