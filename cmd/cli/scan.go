package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/netmonkey/internal/scanning"
)

var (
	scanMask        int
	scanPorts       string
	scanTimeout     time.Duration
	scanPortTimeout time.Duration
	scanMaxInFlight int
	scanPrivileged  bool
	scanResolve     bool
	scanDNSServer   string
	scanQuiet       bool
)

var scanFlagKeys = map[string]string{
	"mask":          "scan.subnet_mask",
	"ports":         "scan.ports",
	"timeout":       "scan.probe_timeout",
	"port-timeout":  "scan.port_timeout",
	"max-in-flight": "scan.max_in_flight",
	"privileged":    "scan.privileged",
	"resolve":       "scan.resolve_hostnames",
	"dns-server":    "scan.dns_server",
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan [ip]",
	Short: "Sweep an IPv4 range",
	Long: `Sweep every address of the range containing ip with ICMP echo requests.

Results are printed in the order the probes finish. Hosts that answered are
listed in a summary table once the sweep completes. Interrupting the command
cancels the sweep. When ip is omitted scan.starting_ip from the configuration
is used.`,
	Example: `  netmonkey scan 192.168.1.0 --mask 24
  netmonkey scan 10.0.0.1 -m 28 --ports 22,80,443
  netmonkey scan 10.0.0.0 -m 24 --resolve --dns-server 10.0.0.53:53
  NETMONKEY_SCAN_PRIVILEGED=true netmonkey scan`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().IntVarP(&scanMask, "mask", "m", 24, "CIDR prefix length, clamped into 1-32")
	scanCmd.Flags().StringVarP(&scanPorts, "ports", "p", "", "TCP ports to test on alive hosts, e.g. 22,80,8000-8010")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", scanning.DefaultProbeTimeout, "Echo reply timeout per host")
	scanCmd.Flags().DurationVar(&scanPortTimeout, "port-timeout", scanning.DefaultPortTimeout, "Connect timeout per port")
	scanCmd.Flags().IntVar(&scanMaxInFlight, "max-in-flight", scanning.DefaultMaxInFlight, "Maximum concurrent probes, 0 for no limit")
	scanCmd.Flags().BoolVar(&scanPrivileged, "privileged", false, "Use a raw ICMP socket (requires root or CAP_NET_RAW)")
	scanCmd.Flags().BoolVar(&scanResolve, "resolve", false, "Look up PTR names of alive hosts")
	scanCmd.Flags().StringVar(&scanDNSServer, "dns-server", "", "DNS server for PTR lookups (host:port)")
	scanCmd.Flags().BoolVarP(&scanQuiet, "quiet", "q", false, "Only print alive hosts while sweeping")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd, scanFlagKeys)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Scan.StartingIP = args[0]
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	req, err := requestFromConfig(cfg)
	if err != nil {
		return err
	}

	eng, err := newEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("Failed to release probe resources", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := sweep(ctx, cmd.OutOrStdout(), eng.coordinator, req, scanQuiet)
	if err != nil {
		return err
	}
	return report.Render(cmd.OutOrStdout())
}

// scanStarter starts sessions. *scanning.Coordinator implements it.
type scanStarter interface {
	StartScan(ctx context.Context, req scanning.Request) (*scanning.Session, error)
}

// sweepReport is what a drained session leaves behind.
type sweepReport struct {
	Range     scanning.Range
	Alive     []scanning.Outcome
	Stats     scanning.Stats
	Completed bool
	Duration  time.Duration
}

// sweep runs req and prints every result as it arrives. Canceling ctx
// abandons the session; the partial report is still returned.
func sweep(ctx context.Context, out io.Writer, scans scanStarter, req scanning.Request, quiet bool) (*sweepReport, error) {
	session, err := scans.StartScan(ctx, req)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "Sweeping %s (%d hosts)\n", session.Range, session.Range.Size())

	report := &sweepReport{Range: session.Range}
	for ev := range session.Events() {
		switch ev.Kind {
		case scanning.EventResult:
			if ev.Outcome.Alive {
				report.Alive = append(report.Alive, ev.Outcome)
			} else if quiet {
				continue
			}
			fmt.Fprintln(out, formatOutcome(ev.Outcome))
		case scanning.EventComplete:
			report.Completed = true
		}
	}

	report.Stats = session.Stats()
	report.Duration = time.Since(session.StartedAt)
	slices.SortFunc(report.Alive, func(a, b scanning.Outcome) int {
		return a.Address.Compare(b.Address)
	})
	return report, nil
}

func formatOutcome(o scanning.Outcome) string {
	if !o.Alive {
		return fmt.Sprintf("%-15s  down", o.Address)
	}
	line := fmt.Sprintf("%-15s  up    %5dms  ports: %s", o.Address, o.RoundTripMillis(), o.PortsString())
	if o.Hostname != "" {
		line += "  " + o.Hostname
	}
	return line
}

// Render prints the summary table of alive hosts.
func (r *sweepReport) Render(out io.Writer) error {
	fmt.Fprintln(out)
	if !r.Completed {
		fmt.Fprintf(out, "Sweep of %s interrupted after %d of %d hosts\n", r.Range, r.Stats.Resolved, r.Stats.Total)
	}

	if len(r.Alive) > 0 {
		table := tablewriter.NewWriter(out)
		table.Header("Address", "RTT", "Open Ports", "Hostname")
		for _, o := range r.Alive {
			if err := table.Append([]string{
				o.Address.String(),
				fmt.Sprintf("%dms", o.RoundTripMillis()),
				o.PortsString(),
				o.Hostname,
			}); err != nil {
				return fmt.Errorf("failed to build summary: %w", err)
			}
		}
		if err := table.Render(); err != nil {
			return fmt.Errorf("failed to render summary: %w", err)
		}
	}

	fmt.Fprintf(out, "%d of %d hosts up in %s\n", len(r.Alive), r.Stats.Total, r.Duration.Round(time.Millisecond))
	return nil
}
