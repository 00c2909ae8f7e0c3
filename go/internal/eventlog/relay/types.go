package relay

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// resyncToken replaces the session code on the subject of a resync change,
// since subjects cannot carry wildcards on publish.
const resyncToken = "_all"

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // Notifications are only useful while a game runs
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "QUIZ_SESSION_CHANGES",
		SubjectPrefix:   "quiz.session",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Envelope is a change as carried on the bus. ID stays fixed across publish
// retries so the stream can drop duplicates.
type Envelope struct {
	ID uuid.UUID `json:"id"`
	eventlog.Change
}

func NewEnvelope(change eventlog.Change) Envelope {
	return Envelope{ID: uuid.New(), Change: change}
}

// ChangePublisher pushes one change onto the bus.
type ChangePublisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// ChangeSource yields every change regardless of session.
type ChangeSource interface {
	SubscribeAll(ctx context.Context) (<-chan eventlog.Change, error)
}

// Subject returns the subject a change is published on.
func Subject(prefix string, change eventlog.Change) (string, error) {
	if change.SessionCode == eventlog.AllSessions {
		return fmt.Sprintf("%s.%s.%s", prefix, resyncToken, eventlog.TableAll.Token()), nil
	}
	if !codePattern.MatchString(change.SessionCode) {
		return "", fmt.Errorf("session code %q is not a valid subject token", change.SessionCode)
	}
	return fmt.Sprintf("%s.%s.%s", prefix, change.SessionCode, change.Table.Token()), nil
}

// SessionFilters returns the subjects a subscriber for code must consume.
func SessionFilters(prefix, code string) []string {
	return []string{
		fmt.Sprintf("%s.%s.>", prefix, code),
		fmt.Sprintf("%s.%s.>", prefix, resyncToken),
	}
}

func natsOptions(cfg JetStreamConfig) []nats.Option {
	return []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
}
