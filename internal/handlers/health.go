package handlers

import (
	"net/http"
	"strconv"

	"github.com/gluk-w/termlab/internal/database"
	"github.com/gluk-w/termlab/internal/logging"
)

func (a *App) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	engineStatus := "disconnected"
	if a.EngineConnected {
		engineStatus = "connected"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"database":        dbStatus,
		"engine":          engineStatus,
		"active_sessions": a.Sessions.ActiveCount(),
	})
}

// ServerLogs returns the tail of the server log file. Admin only.
func (a *App) ServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}
