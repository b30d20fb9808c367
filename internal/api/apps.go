package api

import (
	"net/http"

	"github.com/goodtune/worksight/internal/session"
	"github.com/goodtune/worksight/internal/storage"
	"github.com/rs/zerolog"
)

// AppsHandler handles foreground application events.
type AppsHandler struct {
	manager *session.Manager
	logger  zerolog.Logger
}

// NewAppsHandler creates a new apps handler.
func NewAppsHandler(manager *session.Manager, logger zerolog.Logger) *AppsHandler {
	return &AppsHandler{
		manager: manager,
		logger:  logger.With().Str("handler", "apps").Logger(),
	}
}

// AppRequest names an application and either a session or an employee whose
// Active session is used.
type AppRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	EmployeeID string `json:"employee_id,omitempty"`
	AppName    string `json:"app_name"`
}

// Start records that an application gained focus.
func (h *AppsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req AppRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var usage *storage.AppUsage
	var err error
	if req.SessionID != "" {
		usage, err = h.manager.Apps().StartApp(r.Context(), req.SessionID, req.AppName)
	} else {
		usage, err = h.manager.StartAppForEmployee(r.Context(), req.EmployeeID, req.AppName)
	}
	if err != nil {
		writeSessionError(w, h.logger, err, "start app")
		return
	}

	writeJSON(w, http.StatusOK, newAppUsageView(*usage))
}

// End records that an application lost focus.
func (h *AppsHandler) End(w http.ResponseWriter, r *http.Request) {
	var req AppRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var usage *storage.AppUsage
	var err error
	if req.SessionID != "" {
		usage, err = h.manager.Apps().EndApp(r.Context(), req.SessionID, req.AppName)
	} else {
		usage, err = h.manager.EndAppForEmployee(r.Context(), req.EmployeeID, req.AppName)
	}
	if err != nil {
		writeSessionError(w, h.logger, err, "end app")
		return
	}

	writeJSON(w, http.StatusOK, newAppUsageView(*usage))
}

// List returns the app usage records of every session.
func (h *AppsHandler) List(w http.ResponseWriter, r *http.Request) {
	usages, err := h.manager.ListAllAppUsages(r.Context())
	if err != nil {
		writeSessionError(w, h.logger, err, "list apps")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"apps":  newAppUsageViews(usages),
		"count": len(usages),
	})
}
