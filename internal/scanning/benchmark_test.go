package scanning

import (
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/anstrom/netmonkey/internal/logging"
)

// BenchmarkComputeRange benchmarks materializing a /16.
func BenchmarkComputeRange(b *testing.B) {
	base := netip.MustParseAddr("10.20.30.40")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		addrs, err := ComputeRange(base, 16)
		if err != nil {
			b.Fatalf("ComputeRange failed: %v", err)
		}
		if len(addrs) != 65536 {
			b.Fatalf("unexpected range size %d", len(addrs))
		}
	}
}

// BenchmarkRangeIteration benchmarks walking a /16 without materializing it.
func BenchmarkRangeIteration(b *testing.B) {
	rng, err := NewRange(netip.MustParseAddr("10.20.30.40"), 16)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		n := 0
		for range rng.All() {
			n++
		}
		if n != 65536 {
			b.Fatalf("unexpected range size %d", n)
		}
	}
}

// BenchmarkCoordinatorSweep benchmarks the fan-out and fan-in of a /24 with
// probes that return at once.
func BenchmarkCoordinatorSweep(b *testing.B) {
	prober := &fakeProber{alive: func(addr netip.Addr) bool { return addr.As4()[3]%3 == 0 }}
	coord := NewCoordinator(prober, WithLogger(logging.NewDiscard()))
	defer coord.Close()

	req := Request{Base: netip.MustParseAddr("192.168.0.0"), PrefixLen: 24}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		s, err := coord.StartScan(context.Background(), req)
		if err != nil {
			b.Fatalf("StartScan failed: %v", err)
		}
		results := 0
		for ev := range s.Events() {
			if ev.Kind == EventResult {
				results++
			}
		}
		if results != 256 {
			b.Fatalf("expected 256 results, got %d", results)
		}
	}
}

// BenchmarkPortProberLoopback benchmarks connect probes against a local
// listener.
func BenchmarkPortProberLoopback(b *testing.B) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	prober := NewPortProber(time.Second)
	addr := netip.MustParseAddr("127.0.0.1")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if open := prober.OpenPorts(context.Background(), addr, []int{port}); len(open) != 1 {
			b.Fatalf("expected port %d to be open", port)
		}
	}
}

// BenchmarkEventMarshal benchmarks the wire encoding of a result.
func BenchmarkEventMarshal(b *testing.B) {
	ev := Event{Kind: EventResult, Outcome: Outcome{
		Address:   netip.MustParseAddr("192.168.1.10"),
		Alive:     true,
		RoundTrip: 4 * time.Millisecond,
		OpenPorts: []int{22, 80, 443},
		Hostname:  "host.lan.",
	}}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := json.Marshal(ev); err != nil {
			b.Fatalf("marshal failed: %v", err)
		}
	}
}
