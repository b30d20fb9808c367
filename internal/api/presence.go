package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goodtune/worksight/internal/presence"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// PresenceHandler exposes the presence registry and admin fan-out requests.
type PresenceHandler struct {
	registry    *presence.Registry
	coordinator *presence.Coordinator
	logger      zerolog.Logger
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(registry *presence.Registry, coordinator *presence.Coordinator, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		registry:    registry,
		coordinator: coordinator,
		logger:      logger.With().Str("handler", "presence").Logger(),
	}
}

// NotifyRequest names an event and the role that receives it.
type NotifyRequest struct {
	Role  string `json:"role"`
	Event string `json:"event"`
}

// ActionRequest optionally overrides the event sent to employees.
type ActionRequest struct {
	Event string `json:"event,omitempty"`
}

// List returns every online employee.
func (h *PresenceHandler) List(w http.ResponseWriter, r *http.Request) {
	online := h.registry.ListOnline()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online": online,
		"count":  len(online),
	})
}

// Notify broadcasts an event to online employees with the role.
func (h *PresenceHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role == "" || req.Event == "" {
		writeError(w, http.StatusBadRequest, "role and event are required")
		return
	}

	sent := h.coordinator.NotifyRole(req.Role, req.Event)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":  req.Role,
		"event": req.Event,
		"sent":  sent,
	})
}

// RequestScreenshots asks every online employee in an Active session for a
// screenshot.
func (h *PresenceHandler) RequestScreenshots(w http.ResponseWriter, r *http.Request) {
	event, ok := h.actionEvent(w, r)
	if !ok {
		return
	}

	recipients, err := h.coordinator.RequestActionFromActiveEmployees(r.Context(), event)
	if err != nil {
		writeSessionError(w, h.logger, err, "request screenshots")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":      event,
		"recipients": recipients,
		"count":      len(recipients),
	})
}

// RequestScreenshot asks one online employee for a screenshot.
func (h *PresenceHandler) RequestScreenshot(w http.ResponseWriter, r *http.Request) {
	employeeID := mux.Vars(r)["employee_id"]

	event, ok := h.actionEvent(w, r)
	if !ok {
		return
	}

	if !h.coordinator.RequestActionFrom(employeeID, event) {
		writeError(w, http.StatusNotFound, "Employee is not online")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":       event,
		"employee_id": employeeID,
		"sent":        true,
	})
}

// actionEvent reads the optional request body; an empty body selects
// TakeScreenshot.
func (h *PresenceHandler) actionEvent(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ActionRequest
	if err := decodeJSON(r, &req); err != nil && !isEmptyBody(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	if req.Event == "" {
		req.Event = presence.TypeTakeScreenshot
	}
	return req.Event, true
}

func isEmptyBody(err error) bool {
	return errors.Is(err, io.EOF)
}
