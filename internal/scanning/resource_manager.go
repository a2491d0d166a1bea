package scanning

import (
	"sync"
	"time"

	"github.com/anstrom/netmonkey/internal/errors"
)

const (
	// staleSessionAfter marks a session as potentially hung in GetStats.
	staleSessionAfter = 30 * time.Minute
)

// ResourceManager manages session slots.
type ResourceManager interface {
	// TryAcquire reserves a slot for the given session ID without blocking.
	TryAcquire(sessionID string) error

	// Release releases the slot held by the given session ID.
	Release(sessionID string)

	// GetActiveSessions returns the current number of held slots.
	GetActiveSessions() int

	// GetAvailableSlots returns the number of free slots.
	GetAvailableSlots() int

	// IsHealthy returns true if the resource manager is operating normally.
	IsHealthy() bool

	// Close gracefully shuts down the resource manager.
	Close() error
}

// FixedResourceManager implements ResourceManager with a fixed number of slots.
type FixedResourceManager struct {
	capacity int
	active   map[string]time.Time
	mutex    sync.RWMutex
	closed   bool
}

// NewFixedResourceManager creates a new resource manager with the specified capacity.
func NewFixedResourceManager(capacity int) *FixedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}

	return &FixedResourceManager{
		capacity: capacity,
		active:   make(map[string]time.Time),
	}
}

// TryAcquire reserves a slot for sessionID. It fails with RATE_LIMITED when
// every slot is taken and with SESSION_CLOSED after Close.
func (rm *FixedResourceManager) TryAcquire(sessionID string) error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if rm.closed {
		return errors.ErrSessionClosed()
	}
	if _, exists := rm.active[sessionID]; exists {
		return errors.NewScanError(errors.CodeValidation, "Session already holds a slot").
			WithContext("session_id", sessionID)
	}
	if len(rm.active) >= rm.capacity {
		return errors.ErrTooManyScans(rm.capacity)
	}

	rm.active[sessionID] = time.Now()
	return nil
}

// Release releases the slot for the given session ID. Unknown IDs are ignored.
func (rm *FixedResourceManager) Release(sessionID string) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	delete(rm.active, sessionID)
}

// GetActiveSessions returns the current number of held slots.
func (rm *FixedResourceManager) GetActiveSessions() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return len(rm.active)
}

// GetAvailableSlots returns the number of free slots.
func (rm *FixedResourceManager) GetAvailableSlots() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return rm.capacity - len(rm.active)
}

// IsHealthy returns true until the manager is closed.
func (rm *FixedResourceManager) IsHealthy() bool {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return !rm.closed
}

// Close gracefully shuts down the resource manager.
func (rm *FixedResourceManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if rm.closed {
		return nil
	}

	rm.closed = true
	rm.active = make(map[string]time.Time)
	return nil
}

// GetStats returns statistics about the resource manager.
func (rm *FixedResourceManager) GetStats() map[string]interface{} {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	stale := 0
	now := time.Now()
	for _, startTime := range rm.active {
		if now.Sub(startTime) > staleSessionAfter {
			stale++
		}
	}

	return map[string]interface{}{
		"capacity":        rm.capacity,
		"active_sessions": len(rm.active),
		"available_slots": rm.capacity - len(rm.active),
		"stale_sessions":  stale,
		"is_healthy":      !rm.closed,
		"closed":          rm.closed,
	}
}
