package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/leaderboard"
	"github.com/mcdev12/quizlive/go/internal/models"
	"github.com/mcdev12/quizlive/go/internal/session"
)

// ConnectionManager owns the WebSocket connections. Every connection drives
// its own session controller, so there is no fan-out between connections.
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	deps session.Deps
	base session.Config

	ctx  context.Context
	stop context.CancelFunc
}

// Connection is one client and the participant it plays.
type Connection struct {
	ID       string
	Identity string
	Role     Role
	Conn     *websocket.Conn
	Manager  *ConnectionManager

	ConnectedAt time.Time

	ctrl   *session.Controller
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool
	code   string
}

type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
	}
}

// Role is how a connection enters a session.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
	RoleSolo   Role = "solo"
)

// JoinParams are read from the upgrade request.
type JoinParams struct {
	Code     string
	Identity string
	Avatar   string
	Role     Role
	HostID   string
	ModuleID string
}

func (p JoinParams) Validate() error {
	switch p.Role {
	case RoleHost:
		if p.HostID == "" {
			return errors.New("host_id is required for hosts")
		}
	case RolePlayer:
		if p.Code == "" {
			return errors.New("code is required to join")
		}
		fallthrough
	case RoleSolo:
		if p.Identity == "" {
			return errors.New("identity is required")
		}
	default:
		return fmt.Errorf("unknown role %q", p.Role)
	}
	return nil
}

func NewConnectionManager(config ConnectionConfig, deps session.Deps, base session.Config) *ConnectionManager {
	ctx, stop := context.WithCancel(context.Background())
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		deps:   deps,
		base:   base,
		ctx:    ctx,
		stop:   stop,
	}
}

// Start blocks until ctx is cancelled, then closes every connection, which
// makes each controller leave its session.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	<-ctx.Done()
	log.Info().Msg("connection manager shutting down")
	cm.stop()

	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// UpgradeConnection upgrades the request and enters the session described by p.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, p JoinParams) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	ctx, cancel := context.WithCancel(cm.ctx)
	c := &Connection{
		ID:          uuid.New().String(),
		Identity:    p.Identity,
		Role:        p.Role,
		Conn:        ws,
		Manager:     cm,
		ConnectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan []byte, cm.config.SendBuffer),
		code:        p.Code,
	}

	cfg := cm.base
	cfg.Identity = p.Identity
	cfg.Avatar = p.Avatar
	cfg.HostID = p.HostID
	if p.ModuleID != "" {
		cfg.Criteria.ModuleID = p.ModuleID
	}
	if p.Role != RoleSolo {
		cfg.Bots = nil
	}
	c.ctrl = session.New(cm.deps, cfg, c.handlers())

	cm.register(c)

	go c.ctrl.Run(ctx)
	go c.writePump()
	go c.readPump()
	go c.enter(p)

	log.Info().
		Str("connection_id", c.ID).
		Str("identity", p.Identity).
		Str("role", string(p.Role)).
		Str("session_code", p.Code).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) register(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[c] = true
}

func (cm *ConnectionManager) unregister(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.connections[c]; !ok {
		return
	}
	delete(cm.connections, c)
	log.Info().
		Str("connection_id", c.ID).
		Str("identity", c.Identity).
		Msg("connection unregistered")
}

// GetConnectionStats counts connections per session.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	perSession := make(map[string]int)
	for c := range cm.connections {
		if code := c.sessionCode(); code != "" {
			perSession[code]++
		}
	}
	return map[string]interface{}{
		"total_connections":   len(cm.connections),
		"active_sessions":     len(perSession),
		"session_connections": perSession,
	}
}

func (c *Connection) sessionCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Connection) setSessionCode(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code = code
}

// enter opens, joins or starts a solo session depending on the role.
func (c *Connection) enter(p JoinParams) {
	var (
		code = p.Code
		err  error
	)
	switch p.Role {
	case RoleHost:
		code, err = c.ctrl.OpenLobby(c.ctx)
	case RoleSolo:
		code, err = c.ctrl.PlaySolo(c.ctx)
	default:
		err = c.ctrl.Join(c.ctx, p.Code)
	}
	if err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to enter session")
		c.emit(EventTypeError, ErrorPayload{Message: err.Error()})
		c.close()
		return
	}
	c.setSessionCode(code)
	if p.Role == RoleHost {
		c.emit(EventTypeLobbyOpened, JoinedPayload{SessionCode: code, Role: string(p.Role)})
		return
	}
	c.emit(EventTypeJoined, JoinedPayload{SessionCode: code, Role: string(p.Role)})
}

func (c *Connection) handlers() session.Handlers {
	return session.Handlers{
		OnPresenceChanged: func(ps []models.Participant) {
			c.emit(EventTypePresenceChanged, ps)
		},
		OnSessionStarted: func(s session.Started) {
			c.emit(EventTypeSessionStarted, s)
		},
		OnTick: func(remaining int) {
			c.emit(EventTypeTimerTick, TimerTickPayload{TimeRemainingSec: remaining})
		},
		OnProgressChanged: func(s leaderboard.Snapshot) {
			c.emit(EventTypeProgressChanged, s)
		},
		OnSessionEnding: func(r session.EndReason) {
			c.emit(EventTypeSessionEnding, SessionEndingPayload{Reason: string(r)})
		},
		OnSessionFinished: func(s leaderboard.Snapshot) {
			c.emit(EventTypeSessionFinished, s)
		},
		OnConnectivity: func(s session.Connectivity) {
			p := ConnectivityPayload{Reconnecting: s.Reconnecting}
			if s.Err != nil {
				p.Error = s.Err.Error()
			}
			c.emit(EventTypeConnectivity, p)
		},
		OnClosed: func() {
			c.emit(EventTypeSessionClosed, nil)
		},
		OnError: func(err error) {
			c.emit(EventTypeError, ErrorPayload{Message: err.Error()})
		},
	}
}

// emit queues an event for the client. A client that cannot keep up is
// disconnected.
func (c *Connection) emit(t EventType, payload any) {
	e, err := newEvent(c.sessionCode(), t, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build event")
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		log.Warn().
			Str("connection_id", c.ID).
			Str("identity", c.Identity).
			Msg("connection send buffer full, closing connection")
		c.close()
	}
}

// close stops the controller, which leaves the session, and ends both pumps.
func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.cancel()
	c.Manager.unregister(c)
}

func (c *Connection) writePump() {
	cfg := c.Manager.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				c.close()
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				c.close()
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	cfg := c.Manager.config
	defer c.close()

	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	}
}

// handleClientMessage runs one command against the controller and reports the
// outcome. Commands from one client run in the order they arrive.
func (c *Connection) handleClientMessage(message []byte) {
	var cmd ClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.emit(EventTypeError, ErrorPayload{Message: "malformed command"})
		return
	}

	var (
		result any
		err    error
	)
	switch cmd.Type {
	case CommandAnswer:
		result, err = c.ctrl.Answer(c.ctx, cmd.QuestionID, cmd.OptionKey)
	case CommandStart:
		err = c.ctrl.Start(c.ctx)
	case CommandFinish:
		err = c.ctrl.Finish(c.ctx)
	case CommandEndGame:
		err = c.ctrl.EndGame(c.ctx)
	case CommandLeave:
		err = c.ctrl.Leave(c.ctx)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("identity", c.Identity).
		Str("command", string(cmd.Type)).
		Err(err).
		Msg("client command")

	p := CommandResultPayload{CommandID: cmd.ID, Command: string(cmd.Type), OK: err == nil}
	if err != nil {
		p.Error = err.Error()
	} else {
		p.Result = result
	}
	c.emit(EventTypeCommandResult, p)
}
