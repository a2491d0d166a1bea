package scanning

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
)

const (
	protocolICMP = 1
	readBufSize  = 1500
)

var echoPayload = []byte("netmonkey-echo-probe")

// Pinger sends one echo request and waits for the matching reply.
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) (time.Duration, error)
}

// packetConn is the subset of *icmp.PacketConn the session uses.
type packetConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	Close() error
}

type waiterKey struct {
	addr netip.Addr
	seq  uint16
}

// ICMPSession is a Pinger backed by a single ICMP socket shared by every
// probe of every scan. Writes are serialized; waiting for replies is not.
type ICMPSession struct {
	conn       packetConn
	privileged bool
	id         int
	seq        atomic.Uint32
	logger     *logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[waiterKey]chan time.Time
	closed  bool

	done       chan struct{}
	readerDone chan struct{}
}

// NewICMPSession opens the shared ICMP socket. Privileged sessions use a raw
// ip4:icmp socket; unprivileged ones use datagram ping sockets, which on Linux
// require net.ipv4.ping_group_range to include the caller's group.
func NewICMPSession(privileged bool, logger *logging.Logger) (*ICMPSession, error) {
	network := "udp4"
	if privileged {
		network = "ip4:icmp"
	}

	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		if stderrors.Is(err, os.ErrPermission) {
			return nil, errors.ErrPermission(err).WithOperation("listen " + network)
		}
		return nil, errors.ErrSessionSetup(err).WithOperation("listen " + network)
	}

	return newICMPSession(conn, privileged, logger), nil
}

func newICMPSession(conn packetConn, privileged bool, logger *logging.Logger) *ICMPSession {
	if logger == nil {
		logger = logging.Default()
	}
	s := &ICMPSession{
		conn:       conn,
		privileged: privileged,
		id:         os.Getpid() & 0xffff,
		logger:     logger.WithComponent("icmp"),
		waiters:    make(map[waiterKey]chan time.Time),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Ping sends an echo request to addr and returns the round trip time of the
// matching reply. A missing reply yields a TIMEOUT error after timeout.
func (s *ICMPSession) Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) (time.Duration, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, errors.ErrInvalidTarget(addr.String())
	}

	reply := make(chan time.Time, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errors.ErrSessionClosed()
	}
	key, ok := s.registerLocked(addr, reply)
	s.mu.Unlock()
	if !ok {
		return 0, errors.NewScanErrorWithTarget(errors.CodeRateLimited, "No free echo sequence number", addr.String())
	}
	defer s.forget(key, reply)

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: s.id, Seq: int(key.seq), Data: echoPayload},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, errors.WrapScanError(errors.CodeUnknown, "Failed to encode echo request", err)
	}

	start := time.Now()
	s.writeMu.Lock()
	_, err = s.conn.WriteTo(wb, s.destination(addr))
	s.writeMu.Unlock()
	if err != nil {
		scanErr := errors.NewScanErrorWithTarget(errors.CodeHostUnreachable, "Failed to send echo request", addr.String())
		scanErr.Cause = err
		return 0, scanErr
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case at := <-reply:
		return at.Sub(start), nil
	case <-timer.C:
		return 0, errors.NewScanErrorWithTarget(errors.CodeTimeout, "No echo reply", addr.String())
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, errors.ErrSessionClosed()
	}
}

// Close stops the reader and fails every outstanding Ping.
func (s *ICMPSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	err := s.conn.Close()
	<-s.readerDone
	return err
}

// Privileged reports whether the session uses a raw socket.
func (s *ICMPSession) Privileged() bool {
	return s.privileged
}

func (s *ICMPSession) destination(addr netip.Addr) net.Addr {
	ip := net.IP(addr.AsSlice())
	if s.privileged {
		return &net.IPAddr{IP: ip}
	}
	return &net.UDPAddr{IP: ip}
}

// registerLocked claims the next sequence number with no echo request to
// addr outstanding. Once the counter wraps, a slow request may still hold
// the number it would hand out.
func (s *ICMPSession) registerLocked(addr netip.Addr, reply chan time.Time) (waiterKey, bool) {
	for range 1 << 16 {
		key := waiterKey{addr: addr, seq: uint16(s.seq.Add(1))}
		if _, busy := s.waiters[key]; !busy {
			s.waiters[key] = reply
			return key, true
		}
	}
	return waiterKey{}, false
}

// forget drops the waiter unless dispatch already handed it a reply and the
// key was claimed again.
func (s *ICMPSession) forget(key waiterKey, reply chan time.Time) {
	s.mu.Lock()
	if s.waiters[key] == reply {
		delete(s.waiters, key)
	}
	s.mu.Unlock()
}

func (s *ICMPSession) readLoop() {
	defer close(s.readerDone)

	buf := make([]byte, readBufSize)
	for {
		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Debug("ICMP read failed", "error", err)
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.dispatch(buf[:n], peer, time.Now())
	}
}

// dispatch hands a reply to the Ping waiting for it. Replies nobody waits
// for, e.g. late ones, are dropped.
func (s *ICMPSession) dispatch(data []byte, peer net.Addr, at time.Time) {
	msg, err := icmp.ParseMessage(protocolICMP, data)
	if err != nil || msg.Type != ipv4.ICMPTypeEchoReply {
		return
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return
	}
	// Ping sockets rewrite the identifier, raw sockets see every reply on the host.
	if s.privileged && echo.ID != s.id {
		return
	}

	addr, ok := peerAddr(peer)
	if !ok {
		return
	}
	key := waiterKey{addr: addr, seq: uint16(echo.Seq)}

	s.mu.Lock()
	reply, found := s.waiters[key]
	if found {
		delete(s.waiters, key)
	}
	s.mu.Unlock()

	if found {
		reply <- at
	}
}

func peerAddr(peer net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch a := peer.(type) {
	case *net.IPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
