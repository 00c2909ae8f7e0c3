// Package postgres implements the session EventLog on Postgres: plain tables for
// point-in-time queries and row triggers that NOTIFY on every write.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/models"
	"github.com/mcdev12/quizlive/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

//go:embed schema.sql
var schema string

// NotifyChannel is the channel the row triggers publish on.
const NotifyChannel = "quizlive_changes"

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables and triggers if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return wrapErr("migrate schema", err)
	}
	return nil
}

// wrapErr separates server-side SQL errors from failures to reach the server.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return eventlog.Unreachable(op, err)
}

func (s *Store) CreateSession(ctx context.Context, session models.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quiz_sessions (code, host_id, class_ref, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
		ON CONFLICT (code) DO NOTHING
	`, session.Code, session.HostID, sqlutil.ToSqlString(session.ClassRef), sqlutil.ToSqlTime(session.CreatedAt))
	return wrapErr("create session", err)
}

func (s *Store) GetSession(ctx context.Context, code string) (*models.Session, error) {
	var (
		session  models.Session
		classRef sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT code, host_id, class_ref, created_at FROM quiz_sessions WHERE code = $1
	`, code).Scan(&session.Code, &session.HostID, &classRef, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventlog.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get session", err)
	}
	session.ClassRef = sqlutil.FromSqlStringPtr(classRef)
	return &session, nil
}

func (s *Store) UpsertParticipant(ctx context.Context, p models.Participant) (*models.Participant, error) {
	var out models.Participant
	var role string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO quiz_participants (session_code, identity, avatar, role, joined_at, active)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()), TRUE)
		ON CONFLICT (session_code, identity) DO UPDATE
		SET avatar = EXCLUDED.avatar, role = EXCLUDED.role, active = TRUE
		RETURNING session_code, identity, avatar, role, joined_at, active
	`, p.SessionCode, p.Identity, p.Avatar, string(p.Role), sqlutil.ToSqlTime(p.JoinedAt)).
		Scan(&out.SessionCode, &out.Identity, &out.Avatar, &role, &out.JoinedAt, &out.Active)
	if err != nil {
		return nil, wrapErr("upsert participant", err)
	}
	out.Role = models.Role(role)
	return &out, nil
}

func (s *Store) DeleteParticipant(ctx context.Context, code, identity string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM quiz_participants WHERE session_code = $1 AND identity = $2
	`, code, identity)
	return wrapErr("delete participant", err)
}

func (s *Store) ListParticipants(ctx context.Context, code string) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_code, identity, avatar, role, joined_at, active
		FROM quiz_participants
		WHERE session_code = $1
		ORDER BY joined_at ASC, identity ASC
	`, code)
	if err != nil {
		return nil, wrapErr("list participants", err)
	}
	defer rows.Close()

	var list []models.Participant
	for rows.Next() {
		var (
			p    models.Participant
			role string
		)
		if err := rows.Scan(&p.SessionCode, &p.Identity, &p.Avatar, &role, &p.JoinedAt, &p.Active); err != nil {
			return nil, wrapErr("scan participant", err)
		}
		p.Role = models.Role(role)
		list = append(list, p)
	}
	return list, wrapErr("list participants", rows.Err())
}

func (s *Store) AppendEvent(ctx context.Context, e models.SessionEvent) (*models.SessionEvent, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	settings := pqtype.NullRawMessage{}
	if e.Settings != nil {
		raw, err := json.Marshal(e.Settings)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event settings: %w", err)
		}
		settings = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO quiz_session_events (id, session_code, event_type, started_at, settings, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()), $5, COALESCE($6, now()))
		RETURNING started_at, created_at
	`, e.ID, e.SessionCode, string(e.EventType), sqlutil.ToSqlTime(e.StartedAt), settings, sqlutil.ToSqlTime(e.CreatedAt)).
		Scan(&e.StartedAt, &e.CreatedAt)
	if err != nil {
		return nil, wrapErr("append event", err)
	}
	return &e, nil
}

func (s *Store) ListEvents(ctx context.Context, code string, eventType models.EventType) ([]models.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_code, event_type, started_at, settings, created_at
		FROM quiz_session_events
		WHERE session_code = $1 AND event_type = $2
		ORDER BY created_at ASC, id ASC
	`, code, string(eventType))
	if err != nil {
		return nil, wrapErr("list events", err)
	}
	defer rows.Close()

	var list []models.SessionEvent
	for rows.Next() {
		var (
			e         models.SessionEvent
			typ       string
			rawConfig pqtype.NullRawMessage
		)
		if err := rows.Scan(&e.ID, &e.SessionCode, &typ, &e.StartedAt, &rawConfig, &e.CreatedAt); err != nil {
			return nil, wrapErr("scan event", err)
		}
		e.EventType = models.EventType(typ)
		if rawConfig.Valid {
			var settings models.GameSettings
			if err := json.Unmarshal(rawConfig.RawMessage, &settings); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event settings: %w", err)
			}
			e.Settings = &settings
		}
		list = append(list, e)
	}
	return list, wrapErr("list events", rows.Err())
}

func (s *Store) UpsertProgress(ctx context.Context, rec models.ProgressRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quiz_progress (session_code, identity, progress, score, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		ON CONFLICT (session_code, identity) DO UPDATE
		SET progress = EXCLUDED.progress, score = EXCLUDED.score, updated_at = EXCLUDED.updated_at
	`, rec.SessionCode, rec.Identity, rec.Progress, rec.Score, sqlutil.ToSqlTime(rec.UpdatedAt))
	return wrapErr("upsert progress", err)
}

func (s *Store) ListProgress(ctx context.Context, code string) ([]models.ProgressRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_code, identity, progress, score, updated_at
		FROM quiz_progress
		WHERE session_code = $1
		ORDER BY identity ASC
	`, code)
	if err != nil {
		return nil, wrapErr("list progress", err)
	}
	defer rows.Close()

	var list []models.ProgressRecord
	for rows.Next() {
		var r models.ProgressRecord
		if err := rows.Scan(&r.SessionCode, &r.Identity, &r.Progress, &r.Score, &r.UpdatedAt); err != nil {
			return nil, wrapErr("scan progress", err)
		}
		list = append(list, r)
	}
	return list, wrapErr("list progress", rows.Err())
}

func (s *Store) UpsertAck(ctx context.Context, ack models.TerminationAck) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quiz_termination_acks (session_code, identity, returned, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
		ON CONFLICT (session_code, identity) DO UPDATE
		SET returned = EXCLUDED.returned, updated_at = EXCLUDED.updated_at
	`, ack.SessionCode, ack.Identity, ack.Returned, sqlutil.ToSqlTime(ack.UpdatedAt))
	return wrapErr("upsert ack", err)
}

func (s *Store) ListAcks(ctx context.Context, code string) ([]models.TerminationAck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_code, identity, returned, updated_at
		FROM quiz_termination_acks
		WHERE session_code = $1
		ORDER BY identity ASC
	`, code)
	if err != nil {
		return nil, wrapErr("list acks", err)
	}
	defer rows.Close()

	var list []models.TerminationAck
	for rows.Next() {
		var a models.TerminationAck
		if err := rows.Scan(&a.SessionCode, &a.Identity, &a.Returned, &a.UpdatedAt); err != nil {
			return nil, wrapErr("scan ack", err)
		}
		list = append(list, a)
	}
	return list, wrapErr("list acks", rows.Err())
}

// PurgeSession deletes all five collections for the code in one transaction.
// Concurrent purges serialize on row locks; the loser deletes nothing.
func (s *Store) PurgeSession(ctx context.Context, code string) (bool, error) {
	var deleted int64
	err := sqlutil.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		statements := []string{
			`DELETE FROM quiz_progress WHERE session_code = $1`,
			`DELETE FROM quiz_termination_acks WHERE session_code = $1`,
			`DELETE FROM quiz_session_events WHERE session_code = $1`,
			`DELETE FROM quiz_participants WHERE session_code = $1`,
			`DELETE FROM quiz_sessions WHERE code = $1`,
		}
		results := make([]sql.Result, 0, len(statements))
		for _, stmt := range statements {
			res, err := tx.ExecContext(ctx, stmt, code)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		deleted = sqlutil.RowsAffected(results...)
		return nil
	})
	if err != nil {
		return false, wrapErr("purge session", err)
	}
	return deleted > 0, nil
}

var _ eventlog.Store = (*Store)(nil)
