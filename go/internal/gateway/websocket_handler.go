package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler upgrades session connections.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleSessionConnection handles /ws/session?role=&code=&identity=&avatar=&host_id=&module_id=
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := JoinParams{
		Code:     q.Get("code"),
		Identity: q.Get("identity"),
		Avatar:   q.Get("avatar"),
		Role:     Role(q.Get("role")),
		HostID:   q.Get("host_id"),
		ModuleID: q.Get("module_id"),
	}
	if p.Role == "" {
		p.Role = RolePlayer
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// the upgrader has already answered the request on failure
	if err := h.connectionManager.UpgradeConnection(w, r, p); err != nil {
		log.Error().
			Err(err).
			Str("session_code", p.Code).
			Str("identity", p.Identity).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/session", h.HandleSessionConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
