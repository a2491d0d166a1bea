package scanning

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultProbeTimeout bounds how long a single echo request waits for its reply.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultPortTimeout bounds a single TCP connect attempt.
	DefaultPortTimeout = time.Second
	// DefaultMaxInFlight caps concurrently running probes per session.
	DefaultMaxInFlight = 1024
	// DefaultMaxSessions caps concurrently running sessions per coordinator.
	DefaultMaxSessions = 4
	// DefaultEventBuffer is the capacity of a session's event channel.
	DefaultEventBuffer = 256

	noPorts = "<none>"
)

// Outcome is the result of probing one host.
type Outcome struct {
	Address netip.Addr
	// Alive is true only when an echo reply arrived within the timeout.
	Alive bool
	// RoundTrip is zero when the host did not answer. Check Alive before using it.
	RoundTrip time.Duration
	// OpenPorts is ascending and free of duplicates. Empty for dead hosts.
	OpenPorts []int
	// Hostname is the PTR name of an alive host when resolution is enabled.
	Hostname string
}

// RoundTripMillis returns the round trip in whole milliseconds.
func (o Outcome) RoundTripMillis() int64 {
	return o.RoundTrip.Milliseconds()
}

// PortsString renders the open ports as "22, 80", or "<none>" when there are none.
func (o Outcome) PortsString() string {
	if len(o.OpenPorts) == 0 {
		return noPorts
	}
	parts := make([]string, len(o.OpenPorts))
	for i, p := range o.OpenPorts {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ", ")
}

// EventKind discriminates the events of a session stream.
type EventKind int

const (
	// EventResult carries the outcome of one probe.
	EventResult EventKind = iota
	// EventComplete is sent once, after every dispatched probe reported.
	EventComplete
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventResult:
		return "result"
	case EventComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Event is a message on a session stream. Outcome is only meaningful for EventResult.
type Event struct {
	Kind    EventKind
	Outcome Outcome
}

type eventJSON struct {
	Type        string `json:"type"`
	Address     string `json:"address,omitempty"`
	Alive       *bool  `json:"alive,omitempty"`
	RoundTripMs *int64 `json:"round_trip_ms,omitempty"`
	OpenPorts   []int  `json:"open_ports,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
}

// MarshalJSON encodes results as
// {"type":"result","address":...,"alive":...,"round_trip_ms":...,"open_ports":[...]}
// and completion as {"type":"complete"}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == EventComplete {
		return json.Marshal(eventJSON{Type: EventComplete.String()})
	}

	alive := e.Outcome.Alive
	rtt := e.Outcome.RoundTripMillis()
	ports := e.Outcome.OpenPorts
	if ports == nil {
		ports = []int{}
	}
	// open_ports is always present on results, even when empty.
	return json.Marshal(struct {
		eventJSON
		OpenPorts []int `json:"open_ports"`
	}{
		eventJSON: eventJSON{
			Type:        EventResult.String(),
			Address:     e.Outcome.Address.String(),
			Alive:       &alive,
			RoundTripMs: &rtt,
			Hostname:    e.Outcome.Hostname,
		},
		OpenPorts: ports,
	})
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.Type {
	case "complete":
		*e = Event{Kind: EventComplete}
		return nil
	case "result":
	default:
		return fmt.Errorf("unknown event type %q", raw.Type)
	}

	addr, err := netip.ParseAddr(raw.Address)
	if err != nil {
		return fmt.Errorf("invalid event address: %w", err)
	}
	out := Outcome{Address: addr, OpenPorts: raw.OpenPorts, Hostname: raw.Hostname}
	if raw.Alive != nil {
		out.Alive = *raw.Alive
	}
	if raw.RoundTripMs != nil {
		out.RoundTrip = time.Duration(*raw.RoundTripMs) * time.Millisecond
	}
	if len(out.OpenPorts) == 0 {
		out.OpenPorts = nil
	}
	*e = Event{Kind: EventResult, Outcome: out}
	return nil
}

// Stats is a snapshot of a session's progress.
type Stats struct {
	Total      uint64 `json:"total"`
	Dispatched int64  `json:"dispatched"`
	Resolved   int64  `json:"resolved"`
	Alive      int64  `json:"alive"`
}
