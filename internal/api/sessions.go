package api

import (
	"net/http"
	"strconv"

	"github.com/goodtune/worksight/internal/session"
	"github.com/goodtune/worksight/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// SessionsHandler handles session lifecycle requests.
type SessionsHandler struct {
	manager *session.Manager
	logger  zerolog.Logger
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(manager *session.Manager, logger zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{
		manager: manager,
		logger:  logger.With().Str("handler", "sessions").Logger(),
	}
}

// SessionRequest identifies an employee's session on a project.
type SessionRequest struct {
	EmployeeID string `json:"employee_id"`
	ProjectID  string `json:"project_id"`
}

// Start opens a session, completing any session the employee already has.
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.manager.StartSession(r.Context(), req.EmployeeID, req.ProjectID)
	if err != nil {
		writeSessionError(w, h.logger, err, "start session")
		return
	}

	writeJSON(w, http.StatusOK, newSessionView(*s))
}

// End completes the employee's session on the project.
func (h *SessionsHandler) End(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.manager.EndSession(r.Context(), req.EmployeeID, req.ProjectID)
	if err != nil {
		writeSessionError(w, h.logger, err, "end session")
		return
	}

	writeJSON(w, http.StatusOK, newSessionView(*s))
}

// List returns sessions filtered by employee_id, project_id and status.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := storage.SessionFilter{
		EmployeeID: query.Get("employee_id"),
		ProjectID:  query.Get("project_id"),
	}
	if raw := query.Get("status"); raw != "" {
		status, err := storage.ParseSessionStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	sessions, err := h.manager.ListSessions(r.Context(), filter)
	if err != nil {
		writeSessionError(w, h.logger, err, "list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": newSessionViews(sessions),
		"count":    len(sessions),
	})
}

// Active returns the ids of employees with an Active session.
func (h *SessionsHandler) Active(w http.ResponseWriter, r *http.Request) {
	ids, err := h.manager.GetActiveEmployeeIds(r.Context())
	if err != nil {
		writeSessionError(w, h.logger, err, "list active employees")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"employee_ids": ids,
		"count":        len(ids),
	})
}

// Get returns a specific session by ID.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s, err := h.manager.GetSession(r.Context(), id)
	if err != nil {
		writeSessionError(w, h.logger, err, "retrieve session")
		return
	}

	writeJSON(w, http.StatusOK, newSessionView(*s))
}

// Apps returns every app usage record of a session.
func (h *SessionsHandler) Apps(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	usages, err := h.manager.SessionApps(r.Context(), id)
	if err != nil {
		writeSessionError(w, h.logger, err, "retrieve session apps")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"apps":       newAppUsageViews(usages),
		"count":      len(usages),
	})
}
