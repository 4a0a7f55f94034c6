package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports the number of live terminal sessions.
type SessionCounter interface {
	Count() int
}

type Health struct {
	DB       Pinger
	Backend  string
	Sessions SessionCounter
}

func (h *Health) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.Ping(ctx); err == nil {
			dbStatus = "connected"
		}
	}

	backend := "none"
	if h.Backend != "" {
		backend = h.Backend
	}

	sessions := 0
	if h.Sessions != nil {
		sessions = h.Sessions.Count()
	}

	status := "healthy"
	code := http.StatusOK
	if dbStatus != "connected" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":            status,
		"database":          dbStatus,
		"backend":           backend,
		"terminal_sessions": sessions,
	})
}
