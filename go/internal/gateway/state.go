package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/leaderboard"
	"github.com/mcdev12/quizlive/go/internal/models"
)

// StateProvider reads a session's current state, for clients that reconnect
// or only poll.
type StateProvider interface {
	GetSessionState(ctx context.Context, code string) (*SessionStateResponse, error)
}

type SessionStateResponse struct {
	SessionCode   string               `json:"session_code"`
	HostID        string               `json:"host_id"`
	Status        models.SessionStatus `json:"status"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	Settings      *models.GameSettings `json:"settings,omitempty"`
	TimeRemaining *int                 `json:"time_remaining_sec,omitempty"`
	Participants  []models.Participant `json:"participants"`
	Board         []leaderboard.Entry  `json:"board"`
	Returned      int                  `json:"returned"`
}

// StoreStateProvider derives the state from the event log's facts.
type StoreStateProvider struct {
	store eventlog.Store
	now   func() time.Time
}

func NewStoreStateProvider(store eventlog.Store) *StoreStateProvider {
	return &StoreStateProvider{store: store, now: time.Now}
}

func (p *StoreStateProvider) GetSessionState(ctx context.Context, code string) (*SessionStateResponse, error) {
	s, err := p.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	participants, err := p.store.ListParticipants(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	records, err := p.store.ListProgress(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	started, err := p.store.ListEvents(ctx, code, models.EventTypeStarted)
	if err != nil {
		return nil, fmt.Errorf("failed to list start facts: %w", err)
	}
	finished, err := p.store.ListEvents(ctx, code, models.EventTypeFinished)
	if err != nil {
		return nil, fmt.Errorf("failed to list finish facts: %w", err)
	}
	acks, err := p.store.ListAcks(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to list acks: %w", err)
	}

	resp := &SessionStateResponse{
		SessionCode:  s.Code,
		HostID:       s.HostID,
		Status:       models.SessionStatusLobby,
		Participants: participants,
		Board:        leaderboard.Rank(participants, records),
	}
	for _, a := range acks {
		if a.Returned {
			resp.Returned++
		}
	}

	if e, ok := eventlog.Earliest(started); ok {
		resp.Status = models.SessionStatusStarted
		startedAt := e.StartedAt
		resp.StartedAt = &startedAt
		settings := models.GameSettings{}
		if e.Settings != nil {
			settings = *e.Settings
		}
		settings = settings.WithDefaults()
		resp.Settings = &settings

		remaining := max(int(settings.Duration().Seconds()-p.now().Sub(startedAt).Seconds()), 0)
		resp.TimeRemaining = &remaining
	}
	if len(finished) > 0 {
		resp.Status = models.SessionStatusFinished
		zero := 0
		resp.TimeRemaining = &zero
	}
	return resp, nil
}

// StateHandler serves session state over HTTP.
type StateHandler struct {
	stateProvider StateProvider
}

func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{
		stateProvider: provider,
	}
}

// HandleGetSessionState handles GET /api/sessions/{code}/state
func (h *StateHandler) HandleGetSessionState(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		http.Error(w, "session code is required", http.StatusBadRequest)
		return
	}

	state, err := h.stateProvider.GetSessionState(r.Context(), code)
	if err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("session_code", code).Msg("failed to get session state")
		status := http.StatusInternalServerError
		if eventlog.IsConnectivity(err) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "failed to get session state", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		log.Error().Err(err).Msg("failed to encode session state response")
	}
}

func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions/{code}/state", h.HandleGetSessionState)
}
