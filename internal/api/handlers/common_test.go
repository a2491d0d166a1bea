package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netmonkey/internal/config"
	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/scanning"
)

// stubProber reports the addresses in alive as up. With block set every
// probe waits for cancellation instead.
type stubProber struct {
	alive map[string]bool
	block bool
}

func (p stubProber) Probe(ctx context.Context, addr netip.Addr, _ []int) scanning.Outcome {
	if p.block {
		<-ctx.Done()
		return scanning.Outcome{Address: addr}
	}
	if p.alive[addr.String()] {
		return scanning.Outcome{Address: addr, Alive: true, RoundTrip: time.Millisecond}
	}
	return scanning.Outcome{Address: addr}
}

func newTestCoordinator(t *testing.T, prober scanning.Prober, opts ...scanning.Option) *scanning.Coordinator {
	t.Helper()
	opts = append([]scanning.Option{scanning.WithLogger(logging.NewDiscard())}, opts...)
	c := scanning.NewCoordinator(prober, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testDefaults() TargetDefaults {
	return TargetDefaults{
		Base:      netip.MustParseAddr("192.168.1.0"),
		PrefixLen: 24,
		Ports:     []int{22},
	}
}

func wsURL(srvURL, path string) string {
	return "ws" + strings.TrimPrefix(srvURL, "http") + path
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected scanning.Request
		code     errors.ErrorCode
	}{
		{
			name:     "defaults",
			query:    "",
			expected: scanning.Request{Base: netip.MustParseAddr("192.168.1.0"), PrefixLen: 24, Ports: []int{22}},
		},
		{
			name:     "explicit target",
			query:    "ip=10.0.0.1&mask=30",
			expected: scanning.Request{Base: netip.MustParseAddr("10.0.0.1"), PrefixLen: 30, Ports: []int{22}},
		},
		{
			name:     "explicit ports",
			query:    "ip=10.0.0.1&mask=32&ports=443,80-81",
			expected: scanning.Request{Base: netip.MustParseAddr("10.0.0.1"), PrefixLen: 32, Ports: []int{80, 81, 443}},
		},
		{
			name:     "empty ports disable port probing",
			query:    "ip=10.0.0.1&ports=",
			expected: scanning.Request{Base: netip.MustParseAddr("10.0.0.1"), PrefixLen: 24},
		},
		{
			name:     "oversized mask is left for clamping",
			query:    "ip=10.0.0.1&mask=40",
			expected: scanning.Request{Base: netip.MustParseAddr("10.0.0.1"), PrefixLen: 40, Ports: []int{22}},
		},
		{name: "ipv6 rejected", query: "ip=::1", code: errors.CodeValidation},
		{name: "garbage ip", query: "ip=not-an-ip", code: errors.CodeValidation},
		{name: "non numeric mask", query: "mask=abc", code: errors.CodeValidation},
		{name: "negative mask", query: "mask=-1", code: errors.CodeValidation},
		{name: "bad ports", query: "ports=22,99999", code: errors.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/range?"+tt.query, http.NoBody)
			got, err := parseTarget(r, testDefaults())
			if tt.code != "" {
				require.Error(t, err)
				assert.Equal(t, http.StatusBadRequest, statusForError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseTarget_NoDefaultAddress(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/range", http.NoBody)
	_, err := parseTarget(r, TargetDefaults{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.Contains(t, err.Error(), "ip")
}

func TestDefaultsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Scan.StartingIP = "10.1.2.3"
	cfg.Scan.SubnetMask = 28
	cfg.Scan.Ports = "80,22"

	d, err := DefaultsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), d.Base)
	assert.Equal(t, 28, d.PrefixLen)
	assert.Equal(t, []int{22, 80}, d.Ports)

	cfg.Scan.StartingIP = "nope"
	_, err = DefaultsFromConfig(cfg)
	assert.Error(t, err)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{errors.ErrInvalidTarget("x"), http.StatusBadRequest},
		{errors.NewScanError(errors.CodeValidation, "bad"), http.StatusBadRequest},
		{errors.ErrConfigInvalid("scan.ports", "x"), http.StatusBadRequest},
		{errors.ErrTooManyScans(4), http.StatusTooManyRequests},
		{errors.ErrSessionClosed(), http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.expected, statusForError(tt.err))
		})
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)

	writeError(w, r, 0, errors.ErrTooManyScans(2))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Too Many Requests", resp.Error)
	assert.Equal(t, string(errors.CodeRateLimited), resp.Code)
	assert.NotEmpty(t, resp.Message)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_ExplicitStatus(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)

	writeError(w, r, http.StatusBadGateway, assert.AnError)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Code)
	assert.Equal(t, assert.AnError.Error(), resp.Message)
}
