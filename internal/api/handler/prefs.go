package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/prediktapp/notify/internal/api/respond"
	"github.com/prediktapp/notify/internal/config"
	"github.com/prediktapp/notify/internal/prefs"
)

// PreferencesRequest is the PUT preferences body: explicit per-category flags.
type PreferencesRequest struct {
	Preferences map[string]bool `json:"preferences"`
}

// DeviceRequest is the POST devices body.
type DeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// UpdatePreferences upserts explicit per-category opt-in flags for a user.
// @Summary Update notification preferences
// @Description Upserts explicit per-category opt-in flags. Every written flag wins over the category default on subsequent dispatches.
// @Tags preferences
// @Accept json
// @Produce json
// @Param userID path string true "User id"
// @Param request body PreferencesRequest true "Category flags"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 401 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /users/{userID}/preferences [put]
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req PreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON")
		return
	}
	if len(req.Preferences) == 0 {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "preferences must not be empty")
		return
	}
	for key := range req.Preferences {
		if _, ok := config.Category(key); !ok {
			respond.WriteError(w, http.StatusBadRequest, "UNKNOWN_CATEGORY", "Unknown notification category: "+key)
			return
		}
	}

	for key, enabled := range req.Preferences {
		if err := h.prefs.SetFlag(r.Context(), userID, key, enabled); err != nil {
			respond.WriteErrorDetail(w, http.StatusInternalServerError, "PREFS_WRITE_FAILED", "Could not store preferences", err.Error())
			return
		}
		// The next dispatch must see the new flag, not a cached one.
		h.flagCache.Invalidate(r.Context(), userID, key)
	}

	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"preferences": req.Preferences,
	})
}

// RegisterDevice records an active push-subscription token for a user.
// @Summary Register a device
// @Description Registers a push device token for the user. Re-posting the user's own token refreshes it; a token owned by another user is rejected.
// @Tags preferences
// @Accept json
// @Produce json
// @Param userID path string true "User id"
// @Param request body DeviceRequest true "Device token"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 401 {object} respond.ErrorResponse
// @Failure 409 {object} respond.ErrorResponse
// @Router /users/{userID}/devices [post]
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON")
		return
	}
	if req.Token == "" {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "token is required")
		return
	}
	if req.Platform == "" {
		req.Platform = "unknown"
	}

	if err := h.prefs.RegisterDevice(r.Context(), userID, req.Token, req.Platform); err != nil {
		if errors.Is(err, prefs.ErrTokenRegistered) {
			respond.WriteError(w, http.StatusConflict, "TOKEN_CONFLICT", "Device token already registered to another user")
			return
		}
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "DEVICE_WRITE_FAILED", "Could not register device", err.Error())
		return
	}

	respond.WriteJSONObject(w, http.StatusCreated, map[string]interface{}{
		"user_id":  userID,
		"token":    req.Token,
		"platform": req.Platform,
		"active":   true,
	})
}

// DeactivateDevice marks a push-subscription token inactive.
// @Summary Deactivate a device
// @Description Marks the (user, token) registration inactive, removing it from push recipient pools.
// @Tags preferences
// @Produce json
// @Param userID path string true "User id"
// @Param token path string true "Device token"
// @Success 204
// @Failure 401 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Router /users/{userID}/devices/{token} [delete]
func (h *Handler) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	token := chi.URLParam(r, "token")

	if err := h.prefs.DeactivateDevice(r.Context(), userID, token); err != nil {
		if errors.Is(err, prefs.ErrDeviceNotFound) {
			respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "No such device registration")
			return
		}
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "DEVICE_WRITE_FAILED", "Could not deactivate device", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
