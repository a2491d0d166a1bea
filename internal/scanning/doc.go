// Package scanning provides the netmonkey sweep engine.
//
// A sweep takes an IPv4 address and a prefix length, probes every address
// of the enclosing block concurrently and streams one result per host in
// the order the probes finish, followed by a single completion event.
//
// # Main Components
//
// ## Address ranges
//
//   - NewRange, ComputeRange: the block containing a base address
//   - SubnetMaskDotted: prefix length to dotted decimal mask
//   - ClampPrefix: the [1, 32] policy shared by every entry point
//
// ## Probing
//
//   - ICMPSession: one shared ICMP socket, many concurrent echo requests
//   - PortProber: TCP connect checks, open or closed
//   - ProbeClient: echo, then ports and hostname for alive hosts
//
// ## Coordination
//
//   - Coordinator: starts sessions, bounds in-flight probes and sessions
//   - Session: the event stream of one sweep, cancellable at any time
//   - FixedResourceManager: session slots
//
// # Usage Examples
//
//	pinger, err := scanning.NewICMPSession(false, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pinger.Close()
//
//	coord := scanning.NewCoordinator(scanning.NewProbeClient(pinger))
//	defer coord.Close()
//
//	session, err := coord.StartScan(ctx, scanning.Request{
//		Base:      netip.MustParseAddr("192.168.1.0"),
//		PrefixLen: 24,
//		Ports:     []int{22, 80},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	for ev := range session.Events() {
//		if ev.Kind == scanning.EventComplete {
//			break
//		}
//		fmt.Println(ev.Outcome.Address, ev.Outcome.Alive)
//	}
//
// # Thread Safety
//
// Range values and the helper functions are immutable. ICMPSession,
// Coordinator and Session are safe for concurrent use.
package scanning
