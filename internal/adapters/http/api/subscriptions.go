package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/topwatch/internal/domain/model"
	"github.com/okian/topwatch/pkg/logger"
)

// subscriptionRequest mirrors the JSON schema for POST /subscriptions.
// Threshold bounds are optional; absent bounds stay unbounded.
type subscriptionRequest struct {
	UserID          uint64   `json:"user_id"`
	Mode            string   `json:"mode"`
	ChannelID       uint64   `json:"channel_id"`
	MinIndex        *uint8   `json:"min_index"`
	MaxIndex        *uint8   `json:"max_index"`
	MinPP           *float64 `json:"min_pp"`
	MaxPP           *float64 `json:"max_pp"`
	MinComboPercent *float64 `json:"min_combo_percent"`
	MaxComboPercent *float64 `json:"max_combo_percent"`
}

func (s subscriptionRequest) validate() error {
	switch {
	case s.UserID == 0:
		return errors.New("missing user_id")
	case s.ChannelID == 0:
		return errors.New("missing channel_id")
	case strings.TrimSpace(s.Mode) == "":
		return errors.New("missing mode")
	}
	return nil
}

func (s subscriptionRequest) thresholds() model.Thresholds {
	return model.DefaultThresholds().
		WithIndex(s.MinIndex, s.MaxIndex).
		WithPP(s.MinPP, s.MaxPP).
		WithComboPercent(s.MinComboPercent, s.MaxComboPercent)
}

type subscribeResponse struct {
	Status        string `json:"status"`
	BaselineKnown bool   `json:"baseline_known"`
}

// subscriptionView is the JSON shape of one channel subscription. An
// absent max_pp means the bound is unbounded.
type subscriptionView struct {
	UserID          uint64   `json:"user_id"`
	Mode            string   `json:"mode"`
	MinIndex        uint8    `json:"min_index"`
	MaxIndex        uint8    `json:"max_index"`
	MinPP           float64  `json:"min_pp"`
	MaxPP           *float64 `json:"max_pp,omitempty"`
	MinComboPercent float64  `json:"min_combo_percent"`
	MaxComboPercent float64  `json:"max_combo_percent"`
}

func viewOf(sub Subscription) subscriptionView {
	v := subscriptionView{
		UserID:          sub.UserID,
		Mode:            sub.Mode.String(),
		MinIndex:        sub.Thresholds.MinIndex,
		MaxIndex:        sub.Thresholds.MaxIndex,
		MinPP:           sub.Thresholds.MinPP,
		MinComboPercent: sub.Thresholds.MinComboPercent,
		MaxComboPercent: sub.Thresholds.MaxComboPercent,
	}
	if !math.IsInf(sub.Thresholds.MaxPP, 1) {
		maxPP := sub.Thresholds.MaxPP
		v.MaxPP = &maxPP
	}
	return v
}

// SubscriptionsHandler handles subscription add and remove requests.
type SubscriptionsHandler struct {
	tracker Tracker
	fetcher Fetcher
	logger  logger.Logger
}

// NewSubscriptionsHandler creates a new subscriptions handler.
func NewSubscriptionsHandler(tracker Tracker, fetcher Fetcher) *SubscriptionsHandler {
	return &SubscriptionsHandler{
		tracker: tracker,
		fetcher: fetcher,
		logger:  logger.Get().Named("api"),
	}
}

// HandleSubscriptions dispatches POST and DELETE /subscriptions requests.
func (h *SubscriptionsHandler) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleAdd(w, r)
	case http.MethodDelete:
		h.handleRemove(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *SubscriptionsHandler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	mode, err := model.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	token, err := h.tracker.AddSubscription(r.Context(), req.UserID, mode, req.ChannelID, req.thresholds())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if token == nil {
		writeJSON(w, http.StatusCreated, subscribeResponse{Status: "subscribed", BaselineKnown: true})
		return
	}

	// Baseline unknown: seed it from the user's current top scores. A
	// failed or short fetch resolves the token with the sentinel so the
	// next notification pass establishes the baseline instead.
	tops, err := h.fetcher.TopScores(r.Context(), req.UserID, mode)
	if err != nil {
		h.logger.Warn(r.Context(), "baseline seed fetch failed",
			logger.Uint64("user_id", req.UserID),
			logger.String("mode", mode.String()),
			logger.Error(err))
		tops = nil
	}
	if err := token.Resolve(r.Context(), tops); err != nil {
		h.logger.Warn(r.Context(), "baseline persist failed",
			logger.Uint64("user_id", req.UserID),
			logger.String("mode", mode.String()),
			logger.Error(err))
	}
	writeJSON(w, http.StatusCreated, subscribeResponse{Status: "subscribed", BaselineKnown: len(tops) == int(model.MaxTrackIndex)})
}

func (h *SubscriptionsHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("missing or invalid user_id"))
		return
	}
	channelID, err := parseID(r.URL.Query().Get("channel_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("missing or invalid channel_id"))
		return
	}
	mode, err := parseOptionalMode(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	removed := h.tracker.RemoveSubscription(r.Context(), userID, mode, channelID)
	writeJSON(w, http.StatusOK, ackResponse{Status: "removed", Removed: removed})
}

// ChannelsHandler handles per-channel subscription requests.
type ChannelsHandler struct {
	tracker Tracker
}

// NewChannelsHandler creates a new channels handler.
func NewChannelsHandler(tracker Tracker) *ChannelsHandler {
	return &ChannelsHandler{tracker: tracker}
}

// HandleChannel handles GET and DELETE /channels/{id}/subscriptions.
func (h *ChannelsHandler) HandleChannel(w http.ResponseWriter, r *http.Request) {
	channelID, rest, err := parseChannelPath(r.URL.Path)
	if err != nil || rest != "subscriptions" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		subs := h.tracker.List(channelID)
		views := make([]subscriptionView, 0, len(subs))
		for _, sub := range subs {
			views = append(views, viewOf(sub))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodDelete:
		mode, err := parseOptionalMode(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err)
			return
		}
		removed := h.tracker.RemoveChannel(r.Context(), channelID, mode)
		writeJSON(w, http.StatusOK, ackResponse{Status: "removed", Removed: removed})
	default:
		http.NotFound(w, r)
	}
}

// UsersHandler handles per-user tracking removal.
type UsersHandler struct {
	tracker Tracker
}

// NewUsersHandler creates a new users handler.
func NewUsersHandler(tracker Tracker) *UsersHandler {
	return &UsersHandler{tracker: tracker}
}

// HandleUser handles DELETE /users/{id}/tracking. With a mode query
// parameter only that gamemode is cleared.
func (h *UsersHandler) HandleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.NotFound(w, r)
		return
	}
	userID, rest, err := parseUserPath(r.URL.Path)
	if err != nil || rest != "tracking" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	mode, err := parseOptionalMode(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	if mode != nil {
		h.tracker.Clear(r.Context(), userID, *mode)
	} else {
		h.tracker.ClearUser(r.Context(), userID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func parseChannelPath(path string) (uint64, string, error) {
	return parsePrefixedPath(path, "/channels/")
}

func parseUserPath(path string) (uint64, string, error) {
	return parsePrefixedPath(path, "/users/")
}

func parsePrefixedPath(path, prefix string) (uint64, string, error) {
	trimmed := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return 0, "", ErrBadRequest
	}
	id, err := parseID(parts[0])
	if err != nil {
		return 0, "", err
	}
	return id, parts[1], nil
}
