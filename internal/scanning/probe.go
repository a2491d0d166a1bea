package scanning

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
)

const maxPortConcurrency = 64

// Prober probes one host. Failures are folded into the Outcome, never returned.
type Prober interface {
	Probe(ctx context.Context, addr netip.Addr, ports []int) Outcome
}

// HostnameResolver looks up the name of an address.
type HostnameResolver interface {
	LookupAddr(ctx context.Context, addr netip.Addr) (string, error)
}

// PortProber tests TCP ports with plain connect attempts.
type PortProber struct {
	timeout time.Duration
	dialer  net.Dialer
}

// NewPortProber creates a port prober with the given per-port timeout.
func NewPortProber(timeout time.Duration) *PortProber {
	if timeout <= 0 {
		timeout = DefaultPortTimeout
	}
	return &PortProber{
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// OpenPorts returns the subset of ports that accepted a TCP connection,
// ascending and free of duplicates. Refusals, timeouts and every other dial
// error count as closed.
func (p *PortProber) OpenPorts(ctx context.Context, addr netip.Addr, ports []int) []int {
	candidates := slices.Clone(ports)
	slices.Sort(candidates)
	candidates = slices.Compact(candidates)

	var (
		mu   sync.Mutex
		open []int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPortConcurrency)

	for _, port := range candidates {
		if port < 1 || port > 65535 {
			continue
		}
		g.Go(func() error {
			target := netip.AddrPortFrom(addr, uint16(port)).String()
			conn, err := p.dialer.DialContext(gctx, "tcp", target)
			if err != nil {
				return nil
			}
			_ = conn.Close()

			mu.Lock()
			open = append(open, port)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(open)
	return open
}

// ProbeClient combines the echo probe, the optional port probe and the
// optional hostname lookup into a single Prober.
type ProbeClient struct {
	pinger   Pinger
	ports    *PortProber
	resolver HostnameResolver
	timeout  time.Duration
	logger   *logging.Logger
}

// ClientOption configures a ProbeClient.
type ClientOption func(*ProbeClient)

// WithProbeTimeout sets the echo timeout.
func WithProbeTimeout(timeout time.Duration) ClientOption {
	return func(c *ProbeClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithPortProber replaces the default port prober.
func WithPortProber(p *PortProber) ClientOption {
	return func(c *ProbeClient) {
		if p != nil {
			c.ports = p
		}
	}
}

// WithResolver enables hostname lookups for alive hosts.
func WithResolver(r HostnameResolver) ClientOption {
	return func(c *ProbeClient) {
		c.resolver = r
	}
}

// WithClientLogger sets the logger used for per-probe diagnostics.
func WithClientLogger(l *logging.Logger) ClientOption {
	return func(c *ProbeClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewProbeClient creates a ProbeClient on top of pinger.
func NewProbeClient(pinger Pinger, opts ...ClientOption) *ProbeClient {
	c := &ProbeClient{
		pinger:  pinger,
		ports:   NewPortProber(DefaultPortTimeout),
		timeout: DefaultProbeTimeout,
		logger:  logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("probe")
	return c
}

// Probe echoes addr and, if it answers, tests ports and resolves its name.
func (c *ProbeClient) Probe(ctx context.Context, addr netip.Addr, ports []int) Outcome {
	out := Outcome{Address: addr}

	rtt, err := c.pinger.Ping(ctx, addr, c.timeout)
	if err != nil {
		// Timeouts and unreachable hosts look the same to the caller.
		c.logger.DebugProbe("Host did not answer", addr.String(),
			"reason", string(errors.GetCode(err)), "error", err)
		return out
	}

	out.Alive = true
	out.RoundTrip = rtt

	if len(ports) > 0 {
		out.OpenPorts = c.ports.OpenPorts(ctx, addr, ports)
	}

	if c.resolver != nil {
		name, err := c.resolver.LookupAddr(ctx, addr)
		if err != nil {
			c.logger.DebugProbe("Hostname lookup failed", addr.String(), "error", err)
		} else {
			out.Hostname = name
		}
	}

	return out
}
