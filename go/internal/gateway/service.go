// Package gateway is the presentation surface of the live session layer. Each
// WebSocket connection drives one session controller and receives its
// callbacks as JSON events; a small REST surface serves state snapshots.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/quizlive/go/internal/session"
)

// Service wires the connection manager and the HTTP handlers together.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	allowedOrigins    []string
}

type Config struct {
	ConnectionConfig ConnectionConfig
	// Session is the base controller configuration; identity fields are
	// filled per connection.
	Session        session.Config
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		AllowedOrigins:   []string{"*"},
	}
}

func NewService(config Config, deps session.Deps, stateProvider StateProvider) *Service {
	cc := config.ConnectionConfig
	if cc.CheckOrigin == nil {
		cc.CheckOrigin = originChecker(config.AllowedOrigins)
	}
	cm := NewConnectionManager(cc, deps, config.Session)
	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm),
		stateHandler:      NewStateHandler(stateProvider),
		allowedOrigins:    config.AllowedOrigins,
	}
}

// Start runs until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting session gateway service")
	s.connectionManager.Start(ctx)
	log.Info().Msg("session gateway service stopped")
	return nil
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

// Handler returns every route behind CORS, served over HTTP/1.1 or cleartext
// HTTP/2.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: s.allowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// NewServer builds the HTTP server for addr.
func (s *Service) NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "session_gateway"
	return stats
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
