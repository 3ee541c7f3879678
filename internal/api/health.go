package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
)

// Health check states.
const (
	CheckOK            = "ok"
	CheckError         = "error"
	CheckDisconnected  = "disconnected"
	CheckNotConfigured = "not_configured"
)

// HealthCheck probes one dependency and returns its state.
type HealthCheck func(ctx context.Context) string

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	GoVersion     string            `json:"go_version"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	db        *database.DB
	checks    map[string]HealthCheck
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, checks map[string]HealthCheck, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		checks:    checks,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks)+1)
	status := "healthy"
	httpStatus := http.StatusOK

	// Database check
	if err := h.db.HealthCheck(ctx); err != nil {
		checks["database"] = CheckError
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = CheckOK
	}

	for name, check := range h.checks {
		state := check(ctx)
		checks[name] = state
		if state != CheckOK && state != CheckNotConfigured && status == "healthy" {
			status = "degraded"
		}
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		GoVersion:     runtime.Version(),
		Checks:        checks,
	})
}
