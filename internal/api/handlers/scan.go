package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/anstrom/netmonkey/internal/api/middleware"
	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/scanning"
)

// ScanStarter starts scan sessions. *scanning.Coordinator implements it.
type ScanStarter interface {
	StartScan(ctx context.Context, req scanning.Request) (*scanning.Session, error)
}

// ScanSessions starts scan sessions and looks up the running ones.
type ScanSessions interface {
	ScanStarter
	Session(id string) (*scanning.Session, bool)
}

// SessionResponse describes a running scan session.
type SessionResponse struct {
	ID        string         `json:"id"`
	Range     string         `json:"range"`
	Ports     []int          `json:"ports"`
	StartedAt time.Time      `json:"started_at"`
	Elapsed   string         `json:"elapsed"`
	Stats     scanning.Stats `json:"stats"`
}

// ScanHandler streams one scan session per WebSocket connection.
type ScanHandler struct {
	scans    ScanSessions
	defaults TargetDefaults
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(scans ScanSessions, defaults TargetDefaults, logger *logging.Logger) *ScanHandler {
	return &ScanHandler{
		scans:    scans,
		defaults: defaults,
		logger:   logger.WithComponent("scan"),
		upgrader: newUpgrader(),
	}
}

// StreamScan starts a sweep for the ip, mask and ports query parameters and
// writes every event to the WebSocket as JSON. The connection is closed
// after the Complete event. A client that disconnects cancels the sweep.
func (h *ScanHandler) StreamScan(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	req, err := parseTarget(r, h.defaults)
	if err != nil {
		writeError(w, r, 0, err)
		return
	}

	// Request errors are reported before the upgrade so plain HTTP clients
	// see a JSON body and a status code.
	session, err := h.scans.StartScan(r.Context(), req)
	if err != nil {
		h.logger.Warn("Failed to start scan", "request_id", requestID, "error", err)
		writeError(w, r, 0, err)
		return
	}
	logger := h.logger.WithSessionID(session.ID)

	conn, err := h.upgrader.Upgrade(w, r, middleware.UpgradeHeader(r))
	if err != nil {
		session.Cancel()
		logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}
	defer conn.Close()

	go func() {
		defer session.Cancel()
		conn.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	completed := false
	for ev := range session.Events() {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			session.Cancel()
			break
		}
		if err := conn.WriteJSON(ev); err != nil {
			logger.Debug("Client went away, canceling scan", "request_id", requestID, "error", err)
			session.Cancel()
			break
		}
		if ev.Kind == scanning.EventComplete {
			completed = true
		}
	}

	if completed {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan complete"),
			time.Now().Add(writeWait))
	}

	stats := session.Stats()
	logger.Info("Scan stream finished",
		"request_id", requestID,
		"completed", completed,
		"dispatched", stats.Dispatched,
		"alive", stats.Alive)
}

// GetSession reports the progress of a running session. Finished sessions
// are not tracked.
func (h *ScanHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, ok := h.scans.Session(id)
	if !ok {
		writeError(w, r, http.StatusNotFound,
			errors.NewScanError(errors.CodeValidation, "no running scan session "+id))
		return
	}

	ports := session.Ports
	if ports == nil {
		ports = []int{}
	}
	writeJSON(w, r, http.StatusOK, SessionResponse{
		ID:        session.ID,
		Range:     session.Range.String(),
		Ports:     ports,
		StartedAt: session.StartedAt.UTC(),
		Elapsed:   time.Since(session.StartedAt).Round(time.Millisecond).String(),
		Stats:     session.Stats(),
	})
}
