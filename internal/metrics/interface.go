// Package metrics provides interfaces for metrics collection and monitoring.
package metrics

import "time"

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/anstrom/netmonkey/internal/metrics Recorder

// Scan statuses reported through ScanFinished.
const (
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
)

// Recorder receives the measurements of scans and API requests.
// This interface allows for easy mocking and testing of metrics functionality.
type Recorder interface {
	// ScanStarted records a new session.
	ScanStarted()

	// ScanFinished records the end of a session with its status and duration.
	ScanFinished(status string, duration time.Duration)

	// HostProbed records one probe outcome.
	HostProbed(alive bool, rtt time.Duration)

	// PortsProbed records the port probe of one alive host.
	PortsProbed(open, closed int)

	// HTTPRequest records one served HTTP request.
	HTTPRequest(method, path string, status int, duration time.Duration)
}

// Ensure that PrometheusMetrics implements Recorder interface.
var _ Recorder = (*PrometheusMetrics)(nil)
