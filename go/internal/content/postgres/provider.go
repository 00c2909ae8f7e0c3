// Package postgres serves content from Postgres through pgxpool.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/content"
	"github.com/mcdev12/quizlive/go/internal/models"
)

//go:embed schema.sql
var schema string

const defaultSettingsHost = "default"

type Provider struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Provider {
	return &Provider{pool: pool}
}

// Migrate creates the content tables if they do not exist.
func (p *Provider) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate content schema: %w", err)
	}
	return nil
}

func (p *Provider) FetchQuestionSet(ctx context.Context, criteria models.QuestionCriteria) ([]models.Question, error) {
	limit := criteria.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := p.pool.Query(ctx, `
        SELECT id, prompt, image_url, options, correct_key
        FROM quiz_questions
        WHERE module_id = $1
        ORDER BY position, id
        LIMIT NULLIF($2, -1)
    `, criteria.ModuleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer rows.Close()

	var out []models.Question
	for rows.Next() {
		var (
			q       models.Question
			options []byte
		)
		if err := rows.Scan(&q.ID, &q.Prompt, &q.ImageURL, &options, &q.CorrectKey); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("failed to decode options of %s: %w", q.ID, err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read questions: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("module %q: %w", criteria.ModuleID, content.ErrNoQuestions)
	}
	return out, nil
}

func (p *Provider) FetchGameSettings(ctx context.Context, hostID string) (models.GameSettings, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `
        SELECT settings FROM quiz_game_settings
        WHERE host_id = $1 OR host_id = $2
        ORDER BY host_id = $1 DESC
        LIMIT 1
    `, hostID, defaultSettingsHost).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GameSettings{}.WithDefaults(), nil
	}
	if err != nil {
		return models.GameSettings{}, fmt.Errorf("failed to query game settings: %w", err)
	}

	var s models.GameSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.GameSettings{}, fmt.Errorf("failed to decode game settings: %w", err)
	}
	return s.WithDefaults(), nil
}

// SaveFinalResult stores a result once; a repeat for the same participant is ignored.
func (p *Provider) SaveFinalResult(ctx context.Context, r models.FinalResult) error {
	tag, err := p.pool.Exec(ctx, `
        INSERT INTO quiz_final_results (
          session_code, identity, total, correct, wrong, elapsed_ms, score, rank
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (session_code, identity) DO NOTHING
    `,
		r.SessionCode, r.Identity, r.Total, r.Correct, r.Wrong,
		r.Elapsed.Milliseconds(), r.Score, r.Rank,
	)
	if err != nil {
		return fmt.Errorf("failed to save final result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn().
			Str("session_code", r.SessionCode).
			Str("identity", r.Identity).
			Msg("final result already saved")
	}
	return nil
}

// SaveQuestionSet replaces a module's questions in one transaction.
func (p *Provider) SaveQuestionSet(ctx context.Context, set content.QuestionSet) (int, error) {
	if err := content.ValidateQuestions(set.Questions); err != nil {
		return 0, err
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
            INSERT INTO quiz_question_sets (module_id, title, updated_at)
            VALUES ($1, $2, now())
            ON CONFLICT (module_id) DO UPDATE SET title = EXCLUDED.title, updated_at = now()
        `, set.ModuleID, set.Title); err != nil {
			return fmt.Errorf("upsert question set: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM quiz_questions WHERE module_id = $1`, set.ModuleID); err != nil {
			return fmt.Errorf("clear questions: %w", err)
		}

		batch := &pgx.Batch{}
		for i, q := range set.Questions {
			options, err := json.Marshal(q.Options)
			if err != nil {
				return fmt.Errorf("encode options of %s: %w", q.ID, err)
			}
			batch.Queue(`
                INSERT INTO quiz_questions (module_id, id, position, prompt, image_url, options, correct_key)
                VALUES ($1,$2,$3,$4,$5,$6,$7)
            `, set.ModuleID, q.ID, i, q.Prompt, q.ImageURL, options, q.CorrectKey)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save question set %s: %w", set.ModuleID, err)
	}
	return len(set.Questions), nil
}

// SaveGameSettings stores the settings a host's lobbies open with.
func (p *Provider) SaveGameSettings(ctx context.Context, hostID string, s models.GameSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode game settings: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
        INSERT INTO quiz_game_settings (host_id, settings, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (host_id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = EXCLUDED.updated_at
    `, hostID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save game settings: %w", err)
	}
	return nil
}

var _ content.Provider = (*Provider)(nil)
