// Package content is the boundary to the content layer: question sets and game
// settings come in, final results go out. Nothing here is live session state.
package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/quizlive/go/internal/models"
)

var (
	ErrNoQuestions     = errors.New("question set is empty")
	ErrInvalidQuestion = errors.New("invalid question")
)

type Provider interface {
	// FetchQuestionSet is read once per session start.
	FetchQuestionSet(ctx context.Context, criteria models.QuestionCriteria) ([]models.Question, error)
	// SaveFinalResult is written once per participant at session end.
	SaveFinalResult(ctx context.Context, result models.FinalResult) error
	// FetchGameSettings is read when a host opens a lobby.
	FetchGameSettings(ctx context.Context, hostID string) (models.GameSettings, error)
}

// ValidateQuestions checks that every question has two to four options with
// distinct keys, one of which is the correct one.
func ValidateQuestions(questions []models.Question) error {
	if len(questions) == 0 {
		return ErrNoQuestions
	}
	seenIDs := make(map[string]struct{}, len(questions))
	for i, q := range questions {
		if q.ID == "" {
			return fmt.Errorf("%w: question %d has no id", ErrInvalidQuestion, i)
		}
		if _, dup := seenIDs[q.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidQuestion, q.ID)
		}
		seenIDs[q.ID] = struct{}{}

		if n := len(q.Options); n < 2 || n > 4 {
			return fmt.Errorf("%w: %s has %d options", ErrInvalidQuestion, q.ID, n)
		}
		keys := make(map[string]struct{}, len(q.Options))
		for _, o := range q.Options {
			if _, dup := keys[o.Key]; dup || o.Key == "" {
				return fmt.Errorf("%w: %s has a missing or repeated option key", ErrInvalidQuestion, q.ID)
			}
			keys[o.Key] = struct{}{}
		}
		if _, ok := keys[q.CorrectKey]; !ok {
			return fmt.Errorf("%w: %s correct key %q is not an option", ErrInvalidQuestion, q.ID, q.CorrectKey)
		}
	}
	return nil
}

// Limit trims questions to criteria.Limit when one is set.
func Limit(questions []models.Question, criteria models.QuestionCriteria) []models.Question {
	if criteria.Limit > 0 && len(questions) > criteria.Limit {
		return questions[:criteria.Limit]
	}
	return questions
}
