package scanning

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/metrics"
)

// Request describes one sweep.
type Request struct {
	Base      netip.Addr
	PrefixLen int
	// Ports are tested on alive hosts only. Nil disables port probing.
	Ports []int
}

// Coordinator runs sweeps. Each StartScan creates an independent Session
// whose probes run concurrently and report in completion order.
type Coordinator struct {
	prober      Prober
	maxInFlight int
	bufferSize  int
	resources   *FixedResourceManager
	logger      *logging.Logger
	recorder    metrics.Recorder

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*coordinatorOptions)

type coordinatorOptions struct {
	maxInFlight int
	maxSessions int
	bufferSize  int
	logger      *logging.Logger
	recorder    metrics.Recorder
}

// WithMaxInFlight caps concurrently running probes per session. Zero removes the cap.
func WithMaxInFlight(n int) Option {
	return func(o *coordinatorOptions) {
		if n >= 0 {
			o.maxInFlight = n
		}
	}
}

// WithMaxSessions caps concurrently running sessions.
func WithMaxSessions(n int) Option {
	return func(o *coordinatorOptions) {
		if n > 0 {
			o.maxSessions = n
		}
	}
}

// WithEventBuffer sets the capacity of each session's event channel.
func WithEventBuffer(n int) Option {
	return func(o *coordinatorOptions) {
		if n >= 0 {
			o.bufferSize = n
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *coordinatorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *coordinatorOptions) {
		o.recorder = r
	}
}

// NewCoordinator creates a coordinator that probes hosts with prober.
func NewCoordinator(prober Prober, opts ...Option) *Coordinator {
	o := coordinatorOptions{
		maxInFlight: DefaultMaxInFlight,
		maxSessions: DefaultMaxSessions,
		bufferSize:  DefaultEventBuffer,
		logger:      logging.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Coordinator{
		prober:      prober,
		maxInFlight: o.maxInFlight,
		bufferSize:  o.bufferSize,
		resources:   NewFixedResourceManager(o.maxSessions),
		logger:      o.logger.WithComponent("coordinator"),
		recorder:    o.recorder,
		sessions:    make(map[string]*Session),
	}
}

// StartScan validates req, reserves a session slot and starts probing in the
// background. It returns as soon as the session exists.
func (c *Coordinator) StartScan(ctx context.Context, req Request) (*Session, error) {
	r, err := NewRange(req.Base, req.PrefixLen)
	if err != nil {
		return nil, err
	}
	for _, p := range req.Ports {
		if p < 1 || p > 65535 {
			return nil, errors.NewScanError(errors.CodeValidation, "Port out of range").WithContext("port", p)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.ErrSessionClosed()
	}

	id := uuid.New().String()
	if err := c.resources.TryAcquire(id); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:        id,
		Range:     r,
		Ports:     req.Ports,
		StartedAt: time.Now(),
		events:    make(chan Event, c.bufferSize),
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.sessions[id] = s
	c.wg.Add(1)

	if c.recorder != nil {
		c.recorder.ScanStarted()
	}
	c.logger.WithSessionID(id).InfoScan("Scan started", r.String(),
		"hosts", r.Size(), "ports", len(req.Ports))

	go c.run(s)
	return s, nil
}

// Session returns the live session with the given ID.
func (c *Coordinator) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// ActiveSessions returns the number of running sessions.
func (c *Coordinator) ActiveSessions() int {
	return c.resources.GetActiveSessions()
}

// AvailableSlots returns how many more sessions may start right now.
func (c *Coordinator) AvailableSlots() int {
	return c.resources.GetAvailableSlots()
}

// ResourceStats returns the session slot statistics.
func (c *Coordinator) ResourceStats() map[string]interface{} {
	return c.resources.GetStats()
}

// Close cancels every live session and waits for their probes to return.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, s := range c.sessions {
		s.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return c.resources.Close()
}

func (c *Coordinator) run(s *Session) {
	defer c.wg.Done()
	defer close(s.done)
	logger := c.logger.WithSessionID(s.ID)

	var sem *semaphore.Weighted
	if c.maxInFlight > 0 {
		sem = semaphore.NewWeighted(int64(c.maxInFlight))
	}

	var probes sync.WaitGroup
	for addr := range s.Range.All() {
		if sem != nil {
			if err := sem.Acquire(s.ctx, 1); err != nil {
				break
			}
		} else if s.ctx.Err() != nil {
			break
		}

		s.dispatched.Add(1)
		probes.Add(1)
		go func() {
			defer probes.Done()
			if sem != nil {
				defer sem.Release(1)
			}
			c.probe(s, addr)
		}()
	}

	probes.Wait()

	status := metrics.StatusCompleted
	if s.ctx.Err() != nil {
		status = metrics.StatusCanceled
	} else {
		select {
		case s.events <- Event{Kind: EventComplete}:
		case <-s.ctx.Done():
			status = metrics.StatusCanceled
		}
	}
	close(s.events)

	c.finish(s)

	duration := time.Since(s.StartedAt)
	if c.recorder != nil {
		c.recorder.ScanFinished(status, duration)
	}
	stats := s.Stats()
	logger.InfoScan("Scan finished", s.Range.String(),
		"status", status,
		"duration", duration,
		"resolved", stats.Resolved,
		"alive", stats.Alive)
}

func (c *Coordinator) probe(s *Session, addr netip.Addr) {
	out := c.prober.Probe(s.ctx, addr, s.Ports)

	s.resolved.Add(1)
	if out.Alive {
		s.alive.Add(1)
	}
	if c.recorder != nil {
		c.recorder.HostProbed(out.Alive, out.RoundTrip)
		if out.Alive && len(s.Ports) > 0 {
			c.recorder.PortsProbed(len(out.OpenPorts), len(s.Ports)-len(out.OpenPorts))
		}
	}

	select {
	case s.events <- Event{Kind: EventResult, Outcome: out}:
	case <-s.ctx.Done():
	}
}

func (c *Coordinator) finish(s *Session) {
	s.cancel()

	c.mu.Lock()
	delete(c.sessions, s.ID)
	c.mu.Unlock()

	c.resources.Release(s.ID)
}

// Session is one running sweep. Read Events until it is closed; a Complete
// event precedes the close unless the session was canceled.
type Session struct {
	ID        string
	Range     Range
	Ports     []int
	StartedAt time.Time

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	dispatched atomic.Int64
	resolved   atomic.Int64
	alive      atomic.Int64
}

// Events returns the stream of results followed by one Complete event.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Cancel stops dispatching new probes and abandons the stream. The events
// channel is closed without a Complete event once in-flight probes return.
func (s *Session) Cancel() {
	s.cancel()
}

// Done is closed after the session released all of its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns a progress snapshot.
func (s *Session) Stats() Stats {
	return Stats{
		Total:      s.Range.Size(),
		Dispatched: s.dispatched.Load(),
		Resolved:   s.resolved.Load(),
		Alive:      s.alive.Load(),
	}
}
