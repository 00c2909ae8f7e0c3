package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/rs/zerolog/log"
)

type NotifierConfig struct {
	DatabaseURL          string        // Postgres DSN for LISTEN/NOTIFY
	Channel              string        // Channel name to LISTEN on
	PingInterval         time.Duration // How often to verify the listener connection
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	SubscriberBuffer     int
}

func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		DatabaseURL:          "",
		Channel:              NotifyChannel,
		PingInterval:         90 * time.Second,
		MinReconnectInterval: 10 * time.Second,
		MaxReconnectInterval: time.Minute,
		SubscriberBuffer:     64,
	}
}

// Notifier fans one LISTEN connection out to per-session subscribers.
type Notifier struct {
	listener *pq.Listener
	cfg      NotifierConfig

	mu   sync.Mutex
	subs map[string]map[chan eventlog.Change]struct{}
	all  map[chan eventlog.Change]struct{}
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnectInterval,
		cfg.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.Channel); err != nil {
		_ = l.Close()
		return nil, eventlog.Unreachable("listen", err)
	}

	log.Info().
		Str("channel", cfg.Channel).
		Msg("listening for session changes")

	return &Notifier{
		listener: l,
		cfg:      cfg,
		subs:     make(map[string]map[chan eventlog.Change]struct{}),
		all:      make(map[chan eventlog.Change]struct{}),
	}, nil
}

// Start dispatches notifications until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) error {
	log.Info().
		Str("channel", n.cfg.Channel).
		Dur("ping_interval", n.cfg.PingInterval).
		Msg("notifier started")

	pingTicker := time.NewTicker(n.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("notifier shutting down")
			return n.Stop()
		case note := <-n.listener.Notify:
			if note == nil {
				// the connection was re-established; anything may have been missed
				n.broadcastResync()
				continue
			}
			if err := n.handleNotification(note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-pingTicker.C:
			if err := n.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (n *Notifier) Stop() error {
	return n.listener.Close()
}

func (n *Notifier) handleNotification(extra string) error {
	change, err := DecodeChange(extra)
	if err != nil {
		return err
	}
	n.dispatch(change)
	return nil
}

// DecodeChange parses a trigger payload.
func DecodeChange(extra string) (eventlog.Change, error) {
	var change eventlog.Change
	if err := json.Unmarshal([]byte(extra), &change); err != nil {
		return eventlog.Change{}, fmt.Errorf("invalid change payload: %w", err)
	}
	if change.SessionCode == "" {
		return eventlog.Change{}, fmt.Errorf("change payload without session code")
	}
	return change, nil
}

func (n *Notifier) dispatch(change eventlog.Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[change.SessionCode] {
		offer(ch, change)
	}
	for ch := range n.all {
		offer(ch, change)
	}
}

func (n *Notifier) broadcastResync() {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	for code, chans := range n.subs {
		for ch := range chans {
			offer(ch, eventlog.Change{SessionCode: code, Table: eventlog.TableAll, At: now})
		}
	}
	for ch := range n.all {
		offer(ch, eventlog.Change{SessionCode: eventlog.AllSessions, Table: eventlog.TableAll, At: now})
	}
	log.Warn().Int("sessions", len(n.subs)).Msg("listener reconnected, resync broadcast")
}

func offer(ch chan eventlog.Change, change eventlog.Change) {
	select {
	case ch <- change:
	default:
		log.Warn().
			Str("session_code", change.SessionCode).
			Str("table", string(change.Table)).
			Msg("subscriber buffer full, dropping change")
	}
}

// Subscribe implements eventlog.Subscriber.
func (n *Notifier) Subscribe(ctx context.Context, code string) (<-chan eventlog.Change, error) {
	ch := make(chan eventlog.Change, n.cfg.SubscriberBuffer)

	n.mu.Lock()
	if n.subs[code] == nil {
		n.subs[code] = make(map[chan eventlog.Change]struct{})
	}
	n.subs[code][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs[code], ch)
		if len(n.subs[code]) == 0 {
			delete(n.subs, code)
		}
		close(ch)
		n.mu.Unlock()
	}()

	return ch, nil
}

// SubscribeAll receives every change regardless of session, for relays.
func (n *Notifier) SubscribeAll(ctx context.Context) (<-chan eventlog.Change, error) {
	ch := make(chan eventlog.Change, n.cfg.SubscriberBuffer*16)

	n.mu.Lock()
	n.all[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.all, ch)
		close(ch)
		n.mu.Unlock()
	}()

	return ch, nil
}

var _ eventlog.Subscriber = (*Notifier)(nil)
