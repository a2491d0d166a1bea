package scanning

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
)

type fakePacket struct {
	data []byte
	from net.Addr
}

// fakeConn answers echo requests in memory. respond decides per destination
// whether to reply, after which delay, and with which identifier offset.
type fakeConn struct {
	replies chan fakePacket
	closed  chan struct{}
	once    sync.Once

	respond  func(dst netip.Addr) (reply bool, delay time.Duration)
	idOffset int
	writeErr error
}

func newFakeConn(respond func(netip.Addr) (bool, time.Duration)) *fakeConn {
	return &fakeConn{
		replies: make(chan fakePacket, 64),
		closed:  make(chan struct{}),
		respond: respond,
	}
}

func (f *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case p := <-f.replies:
		return copy(b, p.data), p.from, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	msg, err := icmp.ParseMessage(protocolICMP, b)
	if err != nil {
		return 0, err
	}
	echo := msg.Body.(*icmp.Echo)

	addr, ok := peerAddr(dst)
	if !ok {
		return 0, stderrors.New("bad destination")
	}
	reply, delay := f.respond(addr)
	if !reply {
		return len(b), nil
	}

	wb, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: echo.ID + f.idOffset, Seq: echo.Seq, Data: echo.Data},
	}).Marshal(nil)
	if err != nil {
		return 0, err
	}

	go func() {
		select {
		case <-time.After(delay):
		case <-f.closed:
			return
		}
		select {
		case f.replies <- fakePacket{data: wb, from: &net.UDPAddr{IP: net.IP(addr.AsSlice())}}:
		case <-f.closed:
		}
	}()
	return len(b), nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (s *ICMPSession) pendingWaiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

func TestICMPSession_ConcurrentPingsOutOfOrder(t *testing.T) {
	delays := map[string]time.Duration{
		"10.0.0.1": 120 * time.Millisecond,
		"10.0.0.2": 60 * time.Millisecond,
		"10.0.0.3": 5 * time.Millisecond,
	}
	conn := newFakeConn(func(dst netip.Addr) (bool, time.Duration) {
		return true, delays[dst.String()]
	})
	s := newICMPSession(conn, false, logging.NewDiscard())
	defer s.Close()

	type result struct {
		addr string
		rtt  time.Duration
		err  error
	}
	results := make(chan result, len(delays))
	for addr := range delays {
		go func() {
			rtt, err := s.Ping(context.Background(), netip.MustParseAddr(addr), time.Second)
			results <- result{addr, rtt, err}
		}()
	}

	var order []string
	for range delays {
		r := <-results
		require.NoError(t, r.err, r.addr)
		assert.GreaterOrEqual(t, r.rtt, delays[r.addr])
		order = append(order, r.addr)
	}
	assert.Equal(t, []string{"10.0.0.3", "10.0.0.2", "10.0.0.1"}, order)
	assert.Equal(t, 0, s.pendingWaiters())
}

func TestICMPSession_SilentHostTimesOutWithoutBlockingOthers(t *testing.T) {
	conn := newFakeConn(func(dst netip.Addr) (bool, time.Duration) {
		return dst.String() != "10.0.0.99", time.Millisecond
	})
	s := newICMPSession(conn, false, logging.NewDiscard())
	defer s.Close()

	silentDone := make(chan error, 1)
	go func() {
		_, err := s.Ping(context.Background(), netip.MustParseAddr("10.0.0.99"), 300*time.Millisecond)
		silentDone <- err
	}()

	start := time.Now()
	for i := 1; i <= 10; i++ {
		addr := netip.AddrFrom4([4]byte{10, 0, 0, byte(i)})
		_, err := s.Ping(context.Background(), addr, time.Second)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 250*time.Millisecond, "responsive hosts must not wait on the silent one")

	err := <-silentDone
	assert.True(t, errors.IsCode(err, errors.CodeTimeout), "got %v", err)
}

func TestICMPSession_LateReplyIsDropped(t *testing.T) {
	conn := newFakeConn(func(netip.Addr) (bool, time.Duration) {
		return true, 100 * time.Millisecond
	})
	s := newICMPSession(conn, false, logging.NewDiscard())
	defer s.Close()

	_, err := s.Ping(context.Background(), netip.MustParseAddr("10.0.0.1"), 20*time.Millisecond)
	require.True(t, errors.IsCode(err, errors.CodeTimeout))

	// Let the late reply arrive; nobody is waiting for it anymore.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, s.pendingWaiters())

	rtt, err := s.Ping(context.Background(), netip.MustParseAddr("10.0.0.1"), time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, 100*time.Millisecond)
}

func TestICMPSession_PrivilegedFiltersForeignIdentifiers(t *testing.T) {
	conn := newFakeConn(func(netip.Addr) (bool, time.Duration) {
		return true, time.Millisecond
	})
	conn.idOffset = 1
	s := newICMPSession(conn, true, logging.NewDiscard())
	defer s.Close()

	_, err := s.Ping(context.Background(), netip.MustParseAddr("10.0.0.1"), 50*time.Millisecond)
	assert.True(t, errors.IsCode(err, errors.CodeTimeout), "got %v", err)
}

func TestICMPSession_UnprivilegedIgnoresIdentifier(t *testing.T) {
	conn := newFakeConn(func(netip.Addr) (bool, time.Duration) {
		return true, time.Millisecond
	})
	conn.idOffset = 7
	s := newICMPSession(conn, false, logging.NewDiscard())
	defer s.Close()

	_, err := s.Ping(context.Background(), netip.MustParseAddr("10.0.0.1"), time.Second)
	assert.NoError(t, err)
}

func TestICMPSession_ContextCancel(t *testing.T) {
	conn := newFakeConn(func(netip.Addr) (bool, time.Duration) { return false, 0 })
	s := newICMPSession(conn, false, logging.NewDiscard())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Ping(ctx, netip.MustParseAddr("10.0.0.1"), 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestICMPSession_WriteFailure(t *testing.T) {
	conn := newFakeConn(nil)
	conn.writeErr = stderrors.New("network is unreachable")
	s := newICMPSession(conn, false, logging.NewDiscard())
	defer s.Close()

	_, err := s.Ping(context.Background(), netip.MustParseAddr("10.0.0.1"), time.Second)
	assert.True(t, errors.IsCode(err, errors.CodeHostUnreachable))
	assert.ErrorIs(t, err, conn.writeErr)
}

func TestICMPSession_RejectsIPv6(t *testing.T) {
	s := newICMPSession(newFakeConn(nil), false, logging.NewDiscard())
	defer s.Close()

	_, err := s.Ping(context.Background(), netip.MustParseAddr("::1"), time.Second)
	assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))
}

func TestICMPSession_Close(t *testing.T) {
	conn := newFakeConn(func(netip.Addr) (bool, time.Duration) { return false, 0 })
	s := newICMPSession(conn, false, logging.NewDiscard())

	pending := make(chan error, 1)
	go func() {
		_, err := s.Ping(context.Background(), netip.MustParseAddr("10.0.0.1"), 10*time.Second)
		pending <- err
	}()
	require.Eventually(t, func() bool { return s.pendingWaiters() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case err := <-pending:
		assert.True(t, errors.IsCode(err, errors.CodeSessionClosed), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("outstanding ping was not released by Close")
	}

	_, err := s.Ping(context.Background(), netip.MustParseAddr("10.0.0.1"), time.Second)
	assert.True(t, errors.IsCode(err, errors.CodeSessionClosed))
}

func TestICMPSession_SequenceWrapSkipsOutstanding(t *testing.T) {
	conn := newFakeConn(func(netip.Addr) (bool, time.Duration) { return true, 0 })
	s := newICMPSession(conn, false, logging.NewDiscard())
	defer s.Close()

	addr := netip.MustParseAddr("10.0.0.5")
	s.seq.Store(0xffff)

	// A request from before the wrap still waits on sequence 0.
	stale := make(chan time.Time, 1)
	s.mu.Lock()
	s.waiters[waiterKey{addr: addr, seq: 0}] = stale
	s.mu.Unlock()

	_, err := s.Ping(context.Background(), addr, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1, s.pendingWaiters(), "outstanding waiter was replaced")
	s.mu.Lock()
	assert.Equal(t, stale, s.waiters[waiterKey{addr: addr, seq: 0}])
	s.mu.Unlock()
	select {
	case <-stale:
		t.Fatal("reply went to the outstanding waiter")
	default:
	}
}

func TestNewICMPSession(t *testing.T) {
	s, err := NewICMPSession(false, logging.NewDiscard())
	if err != nil {
		// Ping sockets are often disabled in CI; the failure must be a setup error.
		assert.True(t, errors.IsFatal(err), "got %v", err)
		assert.Contains(t, err.Error(), "operation: listen udp4")
		t.Skipf("unprivileged ICMP unavailable: %v", err)
	}
	assert.False(t, s.Privileged())
	require.NoError(t, s.Close())

	_, err = s.Ping(context.Background(), netip.MustParseAddr("127.0.0.1"), time.Second)
	assert.True(t, errors.IsCode(err, errors.CodeSessionClosed))
}
