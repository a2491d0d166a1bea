package cli

import (
	"fmt"

	"github.com/anstrom/netmonkey/internal/config"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/metrics"
	"github.com/anstrom/netmonkey/internal/resolve"
	"github.com/anstrom/netmonkey/internal/scanning"
)

// engine owns the shared ICMP session and the coordinator built on it.
type engine struct {
	coordinator *scanning.Coordinator
	icmp        *scanning.ICMPSession
}

// newEngine opens the ICMP session and wires the probe stack described by cfg.
// recorder may be nil.
func newEngine(cfg *config.Config, logger *logging.Logger, recorder metrics.Recorder) (*engine, error) {
	icmpSession, err := scanning.NewICMPSession(cfg.Scan.Privileged, logger)
	if err != nil {
		return nil, err
	}

	prober, err := newProber(cfg, icmpSession, logger)
	if err != nil {
		_ = icmpSession.Close()
		return nil, err
	}

	opts := []scanning.Option{
		scanning.WithMaxInFlight(cfg.Scan.MaxInFlight),
		scanning.WithMaxSessions(cfg.Scan.MaxSessions),
		scanning.WithLogger(logger),
	}
	if recorder != nil {
		opts = append(opts, scanning.WithRecorder(recorder))
	}

	return &engine{
		coordinator: scanning.NewCoordinator(prober, opts...),
		icmp:        icmpSession,
	}, nil
}

func newProber(cfg *config.Config, pinger scanning.Pinger, logger *logging.Logger) (*scanning.ProbeClient, error) {
	opts := []scanning.ClientOption{
		scanning.WithProbeTimeout(cfg.Scan.ProbeTimeout),
		scanning.WithPortProber(scanning.NewPortProber(cfg.Scan.PortTimeout)),
		scanning.WithClientLogger(logger),
	}
	if cfg.Scan.ResolveHostnames {
		resolver, err := resolve.New(cfg.Scan.DNSServer)
		if err != nil {
			return nil, err
		}
		logger.Debug("Hostname resolution enabled", "server", resolver.Server())
		opts = append(opts, scanning.WithResolver(resolver))
	}
	return scanning.NewProbeClient(pinger, opts...), nil
}

// Close cancels running sessions before the socket they share goes away.
func (e *engine) Close() error {
	if err := e.coordinator.Close(); err != nil {
		_ = e.icmp.Close()
		return fmt.Errorf("failed to close coordinator: %w", err)
	}
	return e.icmp.Close()
}

// requestFromConfig builds the sweep described by the scan section.
func requestFromConfig(cfg *config.Config) (scanning.Request, error) {
	base, err := cfg.BaseAddr()
	if err != nil {
		return scanning.Request{}, err
	}
	ports, err := cfg.PortList()
	if err != nil {
		return scanning.Request{}, err
	}
	return scanning.Request{
		Base:      base,
		PrefixLen: cfg.Scan.SubnetMask,
		Ports:     ports,
	}, nil
}
