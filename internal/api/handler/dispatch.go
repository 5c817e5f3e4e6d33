package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/prediktapp/notify/internal/api/respond"
	"github.com/prediktapp/notify/internal/cache"
	"github.com/prediktapp/notify/internal/config"
	"github.com/prediktapp/notify/internal/dispatch"
	"github.com/prediktapp/notify/internal/event"
)

// DispatchRequest is the POST /dispatch body.
type DispatchRequest struct {
	NotificationKey string         `json:"notification_key"`
	EventID         string         `json:"event_id,omitempty"`
	UserIDs         []string       `json:"user_ids"`
	Title           string         `json:"title"`
	Body            string         `json:"body"`
	Data            map[string]any `json:"data,omitempty"`
	GroupingParams  map[string]any `json:"grouping_params,omitempty"`
	BadgeCount      *int           `json:"badge_count,omitempty"`
}

// DispatchResponse is the POST /dispatch 200 body.
type DispatchResponse struct {
	EventID     string            `json:"event_id"`
	Results     ResultCounts      `json:"results"`
	UserResults []UserResultEntry `json:"user_results"`
}

// ResultCounts aggregates per-outcome totals for one run.
type ResultCounts struct {
	Accepted             int `json:"accepted"`
	Failed               int `json:"failed"`
	SuppressedDuplicate  int `json:"suppressed_duplicate"`
	SuppressedPreference int `json:"suppressed_preference"`
	Deferred             int `json:"deferred"`
}

// UserResultEntry is one candidate's outcome.
type UserResultEntry struct {
	UserID string `json:"user_id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Dispatch fans a notification event out to the given users.
// @Summary Dispatch a notification event
// @Description Delivers one logical notification to candidate users at most once per (event, user). Re-posting the same event_id is idempotent: already-delivered users come back suppressed_duplicate, previously failed users are retried.
// @Tags dispatch
// @Accept json
// @Produce json
// @Param request body DispatchRequest true "Notification event"
// @Success 200 {object} DispatchResponse
// @Failure 400 {object} respond.ErrorResponse
// @Failure 401 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /dispatch [post]
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON")
		return
	}

	if req.NotificationKey == "" {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "notification_key is required")
		return
	}
	if _, ok := config.Category(req.NotificationKey); !ok {
		respond.WriteError(w, http.StatusBadRequest, "UNKNOWN_CATEGORY", "Unknown notification_key: "+req.NotificationKey)
		return
	}
	if len(req.UserIDs) == 0 {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "user_ids must not be empty")
		return
	}
	if req.Title == "" {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "title is required")
		return
	}
	if req.Body == "" {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "body is required")
		return
	}

	ev := event.Event{
		Key:            req.NotificationKey,
		EventID:        req.EventID,
		Title:          req.Title,
		Body:           req.Body,
		Data:           req.Data,
		GroupingParams: req.GroupingParams,
		BadgeCount:     req.BadgeCount,
	}

	summary, err := h.dispatcher.Dispatch(r.Context(), ev, req.UserIDs)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrPushNotConfigured):
			respond.WriteError(w, http.StatusInternalServerError, "PUSH_NOT_CONFIGURED", "Push provider credentials are missing")
		case errors.Is(err, dispatch.ErrMailNotConfigured):
			respond.WriteError(w, http.StatusInternalServerError, "MAIL_NOT_CONFIGURED", "SMTP settings are missing")
		default:
			respond.WriteErrorDetail(w, http.StatusInternalServerError, "DISPATCH_FAILED", "Dispatch did not run", err.Error())
		}
		return
	}

	// The summary changed the ledger; drop any cached read of it.
	h.cache.Delete(summaryCacheKey(summary.EventID))

	respond.WriteJSONObject(w, http.StatusOK, toResponse(summary))
}

// GetDispatchSummary returns the ledger summary for one event.
// @Summary Get dispatch summary
// @Description Returns per-outcome ledger counts for one event id.
// @Tags dispatch
// @Produce json
// @Param eventID path string true "Event id, e.g. new_gw:17"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /dispatch/{eventID} [get]
func (h *Handler) GetDispatchSummary(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	cacheKey := summaryCacheKey(eventID)
	ttl := cache.TTLSummary

	if data, etag, ok := h.cache.Get(cacheKey); ok {
		if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
			respond.WriteNotModified(w, etag)
			return
		}
		respond.WriteJSON(w, data, etag, ttl, true)
		return
	}

	sum, err := h.ledger.Summary(r.Context(), eventID)
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "LEDGER_UNAVAILABLE", "Could not read the dispatch ledger", err.Error())
		return
	}
	if len(sum) == 0 {
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "No dispatch recorded for "+eventID)
		return
	}

	body, err := json.Marshal(map[string]any{
		"event_id": eventID,
		"results":  sum,
	})
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "ENCODING_FAILED", "Could not encode summary")
		return
	}

	etag := h.cache.Set(cacheKey, body, ttl)
	if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
		respond.WriteNotModified(w, etag)
		return
	}
	respond.WriteJSON(w, body, etag, ttl, false)
}

// ListCategories returns the notification category registry.
// @Summary List notification categories
// @Description Returns every notification category with its channel and default opt-in flag. Settings screens render their toggles from this.
// @Tags dispatch
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /categories [get]
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cacheKey := "categories"
	ttl := cache.TTLStatic

	if data, etag, ok := h.cache.Get(cacheKey); ok {
		if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
			respond.WriteNotModified(w, etag)
			return
		}
		respond.WriteJSON(w, data, etag, ttl, true)
		return
	}

	type categoryInfo struct {
		Key       string `json:"key"`
		Channel   string `json:"channel"`
		DefaultOn bool   `json:"default_on"`
	}
	out := make([]categoryInfo, 0, len(config.CategoryRegistry))
	for _, key := range config.CategoryKeys() {
		c := config.CategoryRegistry[key]
		out = append(out, categoryInfo{Key: c.Key, Channel: string(c.Channel), DefaultOn: c.DefaultOn})
	}

	body, err := json.Marshal(map[string]any{"categories": out})
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "ENCODING_FAILED", "Could not encode categories")
		return
	}
	etag := h.cache.Set(cacheKey, body, ttl)
	respond.WriteJSON(w, body, etag, ttl, false)
}

func summaryCacheKey(eventID string) string {
	return "summary:" + eventID
}

func toResponse(s *dispatch.Summary) DispatchResponse {
	resp := DispatchResponse{
		EventID: s.EventID,
		Results: ResultCounts{
			Accepted:             s.Accepted,
			Failed:               s.Failed,
			SuppressedDuplicate:  s.SuppressedDuplicate,
			SuppressedPreference: s.SuppressedPreference,
			Deferred:             s.Deferred,
		},
		UserResults: make([]UserResultEntry, 0, len(s.UserResults)),
	}
	for _, ur := range s.UserResults {
		entry := UserResultEntry{UserID: ur.UserID, Result: string(ur.Result)}
		if ur.Result == dispatch.OutcomeFailed {
			entry.Error = ur.Detail
		}
		resp.UserResults = append(resp.UserResults, entry)
	}
	return resp
}
