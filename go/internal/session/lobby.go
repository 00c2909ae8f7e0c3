package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/models"
	"github.com/mcdev12/quizlive/go/internal/startbarrier"
	"github.com/mcdev12/quizlive/go/internal/termination"
)

const maxCodeAttempts = 5

// OpenLobby creates a session hosted by Config.HostID and joins it as the host.
func (c *Controller) OpenLobby(ctx context.Context) (string, error) {
	var code string
	err := c.call(ctx, func() error {
		if c.s != nil {
			return ErrAlreadyJoined
		}
		settings, err := c.deps.Content.FetchGameSettings(ctx, c.cfg.HostID)
		if err != nil {
			return fmt.Errorf("failed to load game settings: %w", err)
		}
		if code, err = c.createSession(ctx, c.cfg.HostID); err != nil {
			return err
		}
		return c.enter(ctx, code, models.RoleHost, settings, false)
	})
	return code, err
}

// PlaySolo opens a session for this player and Config.Bots and starts it
// straight away.
func (c *Controller) PlaySolo(ctx context.Context) (string, error) {
	var code string
	err := c.call(ctx, func() error {
		if c.s != nil {
			return ErrAlreadyJoined
		}
		hostID := c.cfg.HostID
		if hostID == "" {
			hostID = c.cfg.Identity
		}
		settings, err := c.deps.Content.FetchGameSettings(ctx, hostID)
		if err != nil {
			return fmt.Errorf("failed to load game settings: %w", err)
		}
		if code, err = c.createSession(ctx, hostID); err != nil {
			return err
		}
		if err := c.enter(ctx, code, models.RolePlayer, settings, true); err != nil {
			return err
		}
		_, err = startbarrier.Announce(ctx, c.deps.Log, code, settings.WithDefaults(), time.Time{})
		return err
	})
	return code, err
}

func (c *Controller) createSession(ctx context.Context, hostID string) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := NewCode()
		if err != nil {
			return "", err
		}
		_, err = c.deps.Log.GetSession(ctx, code)
		if errors.Is(err, eventlog.ErrNotFound) {
			if err := c.deps.Log.CreateSession(ctx, models.Session{Code: code, HostID: hostID}); err != nil {
				return "", fmt.Errorf("failed to create session: %w", err)
			}
			log.Info().
				Str("session_code", code).
				Str("host_id", hostID).
				Msg("session created")
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check session code: %w", err)
		}
	}
	return "", fmt.Errorf("no free session code after %d attempts", maxCodeAttempts)
}

// Join enters an existing session as a player. A failed join is not retried;
// calling Join again is safe.
func (c *Controller) Join(ctx context.Context, code string) error {
	return c.call(ctx, func() error {
		if c.s != nil {
			if c.s.code == code {
				return nil
			}
			return ErrAlreadyJoined
		}
		if _, err := c.deps.Log.GetSession(ctx, code); err != nil {
			if errors.Is(err, eventlog.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownSession, code)
			}
			return fmt.Errorf("failed to look up session: %w", err)
		}
		return c.enter(ctx, code, models.RolePlayer, models.GameSettings{}, false)
	})
}

// enter joins presence and opens every watcher of the lobby phase.
func (c *Controller) enter(ctx context.Context, code string, role models.Role, settings models.GameSettings, solo bool) error {
	var err error
	if role == models.RoleHost {
		_, err = c.registry.JoinHost(ctx, code, c.cfg.Avatar)
	} else {
		_, err = c.registry.Join(ctx, code, c.cfg.Identity, c.cfg.Avatar)
	}
	if err != nil {
		return err
	}

	scope, cancel := context.WithCancel(c.loopCtx)
	s := &state{
		code:          code,
		role:          role,
		solo:          solo,
		phase:         PhaseLobby,
		ctx:           scope,
		cancel:        cancel,
		lobbySettings: settings,
	}
	s.barrier = startbarrier.New(c.deps.Log, code, startbarrier.Config{
		PollInterval: c.cfg.StartPollInterval,
		Clock:        c.cfg.Clock,
		OnError:      c.onError(s),
	})
	c.s = s

	if err := c.watchLobby(s); err != nil {
		s.release()
		c.s = nil
		c.leavePresence(ctx, s)
		return err
	}

	log.Info().
		Str("session_code", code).
		Str("identity", c.presenceIdentity(s)).
		Str("role", string(role)).
		Msg("entered session")
	return nil
}

func (c *Controller) watchLobby(s *state) error {
	people, err := c.registry.Watch(s.ctx, s.code, c.onError(s))
	if err != nil {
		return err
	}
	go func() {
		for ps := range people {
			c.post(s, func() {
				c.reachable(s)
				if c.h.OnPresenceChanged != nil {
					c.h.OnPresenceChanged(ps)
				}
			})
		}
	}()

	triggers, err := eventlog.Watch(s.ctx, c.deps.Log, c.cfg.Clock, s.code, c.cfg.StartPollInterval,
		eventlog.TableEvents, eventlog.TableSessions)
	if err != nil {
		return err
	}
	go func() {
		for range triggers {
			c.checkSession(s)
		}
	}()

	go func() {
		st, err := s.barrier.Run(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				c.post(s, func() { c.reportError(s, err) })
			}
			return
		}
		prep := c.prepare(s, st)
		c.post(s, func() { c.begin(s, prep) })
	}()
	return nil
}

// checkSession runs off the loop. It notices a purged session, a finished
// fact written by someone else, and an earlier start fact surfacing late.
func (c *Controller) checkSession(s *state) {
	ctx := s.ctx
	report := func(err error) {
		if ctx.Err() == nil {
			c.post(s, func() { c.reportError(s, err) })
		}
	}

	if _, err := c.deps.Log.GetSession(ctx, s.code); err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			c.post(s, func() { c.close(s) })
			return
		}
		report(err)
		return
	}

	finished, err := c.deps.Log.ListEvents(ctx, s.code, models.EventTypeFinished)
	if err != nil {
		report(err)
		return
	}
	c.post(s, func() {
		c.reachable(s)
		if len(finished) > 0 {
			c.end(s, EndFinishedFact)
		}
	})

	if _, started := s.barrier.Started(); started {
		latest, ok, err := s.barrier.Check(ctx)
		if err != nil {
			report(err)
			return
		}
		if ok {
			c.post(s, func() { c.rebase(s, latest) })
		}
	}
}

// Leave cancels every watcher of the session first, then removes the
// participant from presence, so a rejoin starts clean.
func (c *Controller) Leave(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.s == nil {
			return ErrNotJoined
		}
		s := c.s
		s.release()
		c.s = nil
		return c.leavePresence(ctx, s)
	})
}

func (c *Controller) leavePresence(ctx context.Context, s *state) error {
	errs := []error{c.registry.Leave(ctx, s.code, c.presenceIdentity(s))}
	if s.solo {
		for _, b := range c.cfg.Bots {
			errs = append(errs, c.registry.Leave(ctx, s.code, b.Identity))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Str("session_code", s.code).Msg("leave failed")
		return err
	}
	return nil
}

func (c *Controller) presenceIdentity(s *state) string {
	if s.role == models.RoleHost {
		return models.HostIdentity
	}
	return c.cfg.Identity
}

// Start appends the started fact. The transition itself arrives through the
// start barrier like it does for every other participant.
func (c *Controller) Start(ctx context.Context) error {
	return c.call(ctx, func() error {
		s := c.s
		if s == nil {
			return ErrNotJoined
		}
		if s.role != models.RoleHost && !s.solo {
			return ErrHostOnly
		}
		if s.phase != PhaseLobby {
			return ErrAlreadyStarted
		}
		_, err := startbarrier.Announce(ctx, c.deps.Log, s.code, s.lobbySettings.WithDefaults(), time.Time{})
		return err
	})
}

// EndGame purges the session for everyone without waiting for
// acknowledgments. Host only.
func (c *Controller) EndGame(ctx context.Context) error {
	return c.call(ctx, func() error {
		s := c.s
		if s == nil {
			return ErrNotJoined
		}
		if s.role != models.RoleHost {
			return ErrHostOnly
		}
		if _, err := termination.New(c.deps.Log, s.code, models.HostIdentity).ForcePurge(ctx); err != nil {
			return err
		}
		c.close(s)
		return nil
	})
}
