package handlers

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/anstrom/netmonkey/internal/logging"
)

// Status constants.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// SessionStats reports session slot usage.
type SessionStats interface {
	ActiveSessions() int
	AvailableSlots() int
	ResourceStats() map[string]interface{}
}

// ClientCounter reports connected WebSocket watchers.
type ClientCounter interface {
	ClientCount() int
}

// HealthHandler handles health check and status endpoints.
type HealthHandler struct {
	sessions  SessionStats
	watchers  ClientCounter
	logger    *logging.Logger
	version   string
	startTime time.Time
}

// NewHealthHandler creates a new health handler. watchers may be nil.
func NewHealthHandler(sessions SessionStats, watchers ClientCounter, logger *logging.Logger, version string) *HealthHandler {
	return &HealthHandler{
		sessions:  sessions,
		watchers:  watchers,
		logger:    logger.WithComponent("health"),
		version:   version,
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// StatusResponse represents a detailed status response.
type StatusResponse struct {
	Service   ServiceInfo `json:"service"`
	System    SystemInfo  `json:"system"`
	Sessions  SessionInfo `json:"sessions"`
	WebSocket WatcherInfo `json:"websocket"`
	Timestamp time.Time   `json:"timestamp"`
}

// ServiceInfo contains service-related information.
type ServiceInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
	PID       int       `json:"pid"`
}

// SystemInfo contains system-related information.
type SystemInfo struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	GoVersion    string `json:"go_version"`
	Goroutines   int    `json:"goroutines"`
}

// SessionInfo describes scan session slot usage.
type SessionInfo struct {
	Active    int                    `json:"active"`
	Available int                    `json:"available_slots"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// WatcherInfo describes the watch hub.
type WatcherInfo struct {
	Clients int `json:"clients"`
}

// Health reports whether the scan engine accepts sessions.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Health check requested", "remote_addr", r.RemoteAddr)

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    map[string]string{"sessions": "ok"},
	}

	if healthy, ok := h.sessions.ResourceStats()["is_healthy"].(bool); ok && !healthy {
		response.Status = StatusUnhealthy
		response.Checks["sessions"] = "closed"
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Status provides detailed service status information.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Status check requested", "remote_addr", r.RemoteAddr)

	response := StatusResponse{
		Service: ServiceInfo{
			Name:      "netmonkey",
			Version:   h.version,
			StartTime: h.startTime,
			Uptime:    time.Since(h.startTime).String(),
			PID:       os.Getpid(),
		},
		System: SystemInfo{
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			CPUs:         runtime.NumCPU(),
			GoVersion:    runtime.Version(),
			Goroutines:   runtime.NumGoroutine(),
		},
		Sessions: SessionInfo{
			Active:    h.sessions.ActiveSessions(),
			Available: h.sessions.AvailableSlots(),
			Details:   h.sessions.ResourceStats(),
		},
		Timestamp: time.Now().UTC(),
	}
	if h.watchers != nil {
		response.WebSocket.Clients = h.watchers.ClientCount()
	}

	writeJSON(w, r, http.StatusOK, response)
}
