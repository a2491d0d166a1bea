package resolve

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netmonkey/internal/errors"
)

// startDNSServer serves PTR answers from names; addresses missing from the
// map get NXDOMAIN, addresses mapped to "" get an empty answer.
func startDNSServer(t *testing.T, names map[string]string) (string, *atomic.Int64) {
	t.Helper()

	var queries atomic.Int64
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		queries.Add(1)
		m := new(dns.Msg)
		m.SetReply(req)

		q := req.Question[0]
		name, ok := names[q.Name]
		switch {
		case !ok:
			m.Rcode = dns.RcodeNameError
		case name != "":
			m.Answer = append(m.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 60},
				Ptr: name,
			})
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String(), &queries
}

func TestResolver_LookupAddr(t *testing.T) {
	server, queries := startDNSServer(t, map[string]string{
		"1.0.0.10.in-addr.arpa.": "router.lan.",
		"3.0.0.10.in-addr.arpa.": "",
	})
	r, err := New(server)
	require.NoError(t, err)
	assert.Equal(t, server, r.Server())

	name, err := r.LookupAddr(context.Background(), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "router.lan", name)

	// Second lookup is served from the cache.
	name, err = r.LookupAddr(context.Background(), netip.MustParseAddr("::ffff:10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "router.lan", name)
	assert.Equal(t, int64(1), queries.Load())

	name, err = r.LookupAddr(context.Background(), netip.MustParseAddr("10.0.0.3"))
	require.NoError(t, err)
	assert.Empty(t, name)

	_, err = r.LookupAddr(context.Background(), netip.MustParseAddr("10.0.0.2"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeHostUnreachable))
	assert.Contains(t, err.Error(), "NXDOMAIN")
}

func TestResolver_CacheDisabled(t *testing.T) {
	server, queries := startDNSServer(t, map[string]string{
		"1.0.0.10.in-addr.arpa.": "router.lan.",
	})
	r, err := New(server, WithCacheTTL(0))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.LookupAddr(context.Background(), netip.MustParseAddr("10.0.0.1"))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), queries.Load())
}

func TestResolver_CacheExpiry(t *testing.T) {
	server, queries := startDNSServer(t, map[string]string{
		"1.0.0.10.in-addr.arpa.": "router.lan.",
	})
	r, err := New(server, WithCacheTTL(20*time.Millisecond))
	require.NoError(t, err)

	_, err = r.LookupAddr(context.Background(), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = r.LookupAddr(context.Background(), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), queries.Load())
}

func TestResolver_CacheIsBounded(t *testing.T) {
	server, queries := startDNSServer(t, map[string]string{
		"1.0.0.10.in-addr.arpa.": "a.lan.",
		"2.0.0.10.in-addr.arpa.": "b.lan.",
		"3.0.0.10.in-addr.arpa.": "c.lan.",
	})
	r, err := New(server)
	require.NoError(t, err)
	r.cache = expirable.NewLRU[netip.Addr, string](2, nil, time.Minute)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		_, err := r.LookupAddr(context.Background(), netip.MustParseAddr(ip))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.cache.Len())
	assert.Equal(t, int64(3), queries.Load())

	// The oldest answer was evicted, the newest is still served from memory.
	_, err = r.LookupAddr(context.Background(), netip.MustParseAddr("10.0.0.3"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), queries.Load())
	_, err = r.LookupAddr(context.Background(), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), queries.Load())
}

func TestResolver_Timeout(t *testing.T) {
	// A socket that never answers.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	r, err := New(pc.LocalAddr().String(), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = r.LookupAddr(context.Background(), netip.MustParseAddr("10.0.0.1"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestNew_InvalidServer(t *testing.T) {
	_, err := New("not-a-host-port")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}
