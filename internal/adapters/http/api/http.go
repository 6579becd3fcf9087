// Package api declares HTTP contracts and route registration helpers for
// the management API: health, stats, and subscription administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	service "github.com/okian/topwatch/internal/app"
	"github.com/okian/topwatch/internal/domain/model"
	"github.com/okian/topwatch/internal/domain/tracking"
)

// Subscription mirrors the read shape returned by channel listings.
type Subscription = service.Subscription

// Tracker bundles the tracking operations the handlers need. Using an
// interface bundle keeps the handler layer loosely coupled to the
// service implementation.
type Tracker interface {
	AddSubscription(ctx context.Context, userID uint64, mode model.Mode, channelID uint64, t model.Thresholds) (*tracking.BaselineToken, error)
	RemoveSubscription(ctx context.Context, userID uint64, mode *model.Mode, channelID uint64) int
	RemoveChannel(ctx context.Context, channelID uint64, mode *model.Mode) int
	ClearUser(ctx context.Context, userID uint64)
	Clear(ctx context.Context, userID uint64, mode model.Mode)
	List(channelID uint64) []Subscription
	Stats() map[string]interface{}
}

// Fetcher supplies a user's current best scores for baseline seeding.
type Fetcher interface {
	TopScores(ctx context.Context, userID uint64, mode model.Mode) ([]model.Score, error)
}

// Server wires HTTP routes for the management API.
type Server struct {
	healthHandler        *HealthHandler
	statsHandler         *StatsHandler
	subscriptionsHandler *SubscriptionsHandler
	channelsHandler      *ChannelsHandler
	usersHandler         *UsersHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(tracker Tracker, fetcher Fetcher) *Server {
	return &Server{
		healthHandler:        NewHealthHandler(),
		statsHandler:         NewStatsHandler(tracker),
		subscriptionsHandler: NewSubscriptionsHandler(tracker, fetcher),
		channelsHandler:      NewChannelsHandler(tracker),
		usersHandler:         NewUsersHandler(tracker),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(ctx context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/subscriptions", MetricsMiddleware(s.subscriptionsHandler.HandleSubscriptions, "subscriptions"))
	mux.HandleFunc("/channels/", MetricsMiddleware(s.channelsHandler.HandleChannel, "channels"))
	mux.HandleFunc("/users/", MetricsMiddleware(s.usersHandler.HandleUser, "users"))
}

type ackResponse struct {
	Status  string `json:"status"`
	Removed int    `json:"removed"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// parseOptionalMode reads the optional "mode" query parameter. A nil
// result means the operation spans every gamemode.
func parseOptionalMode(r *http.Request) (*model.Mode, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("mode"))
	if raw == "" {
		return nil, nil
	}
	mode, err := model.ParseMode(raw)
	if err != nil {
		return nil, errors.New("invalid mode: " + raw)
	}
	return &mode, nil
}
