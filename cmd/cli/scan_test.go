package cli

import (
	"bytes"
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/scanning"
)

// lanProber answers for the hosts in alive and blocks on the others when
// hang is set.
type lanProber struct {
	alive map[string][]int
	hang  bool
}

func (p lanProber) Probe(ctx context.Context, addr netip.Addr, ports []int) scanning.Outcome {
	open, ok := p.alive[addr.String()]
	if !ok {
		if p.hang {
			<-ctx.Done()
		}
		return scanning.Outcome{Address: addr}
	}
	out := scanning.Outcome{Address: addr, Alive: true, RoundTrip: 3 * time.Millisecond}
	for _, port := range ports {
		for _, o := range open {
			if port == o {
				out.OpenPorts = append(out.OpenPorts, port)
			}
		}
	}
	if addr.String() == "10.0.0.2" {
		out.Hostname = "gateway.lan."
	}
	return out
}

func newTestCoordinator(t *testing.T, p scanning.Prober, opts ...scanning.Option) *scanning.Coordinator {
	t.Helper()
	opts = append([]scanning.Option{scanning.WithLogger(logging.NewDiscard())}, opts...)
	coord := scanning.NewCoordinator(p, opts...)
	t.Cleanup(func() { _ = coord.Close() })
	return coord
}

func TestSweep(t *testing.T) {
	coord := newTestCoordinator(t, lanProber{alive: map[string][]int{
		"10.0.0.2": {22, 80},
		"10.0.0.1": {443},
	}})

	var out bytes.Buffer
	req := scanning.Request{Base: netip.MustParseAddr("10.0.0.1"), PrefixLen: 30, Ports: []int{22, 80, 443}}
	report, err := sweep(context.Background(), &out, coord, req, false)
	require.NoError(t, err)

	assert.True(t, report.Completed)
	assert.Equal(t, "10.0.0.0/30", report.Range.String())
	assert.Equal(t, uint64(4), report.Stats.Total)
	assert.Equal(t, int64(4), report.Stats.Resolved)
	require.Len(t, report.Alive, 2)
	assert.Equal(t, "10.0.0.1", report.Alive[0].Address.String(), "alive hosts are sorted")
	assert.Equal(t, []int{443}, report.Alive[0].OpenPorts)
	assert.Equal(t, []int{22, 80}, report.Alive[1].OpenPorts)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Sweeping 10.0.0.0/30 (4 hosts)", lines[0])
	assert.Contains(t, out.String(), "10.0.0.3         down")
	assert.Contains(t, out.String(), "ports: 22, 80  gateway.lan.")
}

func TestSweep_Quiet(t *testing.T) {
	coord := newTestCoordinator(t, lanProber{alive: map[string][]int{"10.0.0.9": nil}})

	var out bytes.Buffer
	req := scanning.Request{Base: netip.MustParseAddr("10.0.0.0"), PrefixLen: 28}
	report, err := sweep(context.Background(), &out, coord, req, true)
	require.NoError(t, err)

	assert.True(t, report.Completed)
	assert.NotContains(t, out.String(), "down")
	assert.Contains(t, out.String(), "10.0.0.9")
	assert.Contains(t, out.String(), "ports: <none>")
}

func TestSweep_Canceled(t *testing.T) {
	coord := newTestCoordinator(t, lanProber{hang: true, alive: map[string][]int{"10.0.0.1": nil}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *sweepReport, 1)
	go func() {
		report, err := sweep(ctx, &bytes.Buffer{}, coord, scanning.Request{
			Base: netip.MustParseAddr("10.0.0.0"), PrefixLen: 24,
		}, false)
		assert.NoError(t, err)
		done <- report
	}()

	require.Eventually(t, func() bool { return coord.ActiveSessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	var report *sweepReport
	select {
	case report = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not return after cancellation")
	}
	require.NotNil(t, report)
	assert.False(t, report.Completed)

	var out bytes.Buffer
	require.NoError(t, report.Render(&out))
	assert.Contains(t, out.String(), "Sweep of 10.0.0.0/24 interrupted")
}

func TestSweep_StartErrors(t *testing.T) {
	coord := newTestCoordinator(t, lanProber{})

	_, err := sweep(context.Background(), &bytes.Buffer{}, coord, scanning.Request{
		Base: netip.MustParseAddr("2001:db8::1"), PrefixLen: 64,
	}, false)
	assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))

	_, err = sweep(context.Background(), &bytes.Buffer{}, coord, scanning.Request{
		Base: netip.MustParseAddr("10.0.0.1"), PrefixLen: 32, Ports: []int{0},
	}, false)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestFormatOutcome(t *testing.T) {
	tests := []struct {
		name string
		in   scanning.Outcome
		want string
	}{
		{
			name: "down",
			in:   scanning.Outcome{Address: netip.MustParseAddr("192.168.1.4")},
			want: "192.168.1.4      down",
		},
		{
			name: "up without ports",
			in:   scanning.Outcome{Address: netip.MustParseAddr("192.168.1.5"), Alive: true, RoundTrip: 12 * time.Millisecond},
			want: "192.168.1.5      up       12ms  ports: <none>",
		},
		{
			name: "up with ports and name",
			in: scanning.Outcome{
				Address:   netip.MustParseAddr("192.168.1.6"),
				Alive:     true,
				RoundTrip: 1500 * time.Microsecond,
				OpenPorts: []int{22, 80},
				Hostname:  "nas.lan.",
			},
			want: "192.168.1.6      up        1ms  ports: 22, 80  nas.lan.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatOutcome(tt.in))
		})
	}
}

func TestSweepReportRender(t *testing.T) {
	report := &sweepReport{
		Range:     mustRange(t, "192.168.1.0", 29),
		Completed: true,
		Duration:  1234 * time.Millisecond,
		Stats:     scanning.Stats{Total: 8, Dispatched: 8, Resolved: 8, Alive: 2},
		Alive: []scanning.Outcome{
			{Address: netip.MustParseAddr("192.168.1.1"), Alive: true, RoundTrip: 2 * time.Millisecond, OpenPorts: []int{53}},
			{Address: netip.MustParseAddr("192.168.1.7"), Alive: true, RoundTrip: 9 * time.Millisecond, Hostname: "printer.lan."},
		},
	}

	var out bytes.Buffer
	require.NoError(t, report.Render(&out))
	text := out.String()

	assert.NotContains(t, text, "interrupted")
	assert.Contains(t, strings.ToUpper(text), "OPEN PORTS")
	assert.Contains(t, text, "192.168.1.1")
	assert.Contains(t, text, "printer.lan.")
	assert.Contains(t, text, "9ms")
	assert.Contains(t, text, "2 of 8 hosts up in 1.234s")
}

func TestSweepReportRender_NoHosts(t *testing.T) {
	report := &sweepReport{
		Range:     mustRange(t, "10.9.0.0", 30),
		Completed: true,
		Stats:     scanning.Stats{Total: 4},
	}

	var out bytes.Buffer
	require.NoError(t, report.Render(&out))
	assert.Equal(t, "\n0 of 4 hosts up in 0s\n", out.String())
}

func mustRange(t *testing.T, base string, prefixLen int) scanning.Range {
	t.Helper()
	rng, err := scanning.NewRange(netip.MustParseAddr(base), prefixLen)
	require.NoError(t, err)
	return rng
}
