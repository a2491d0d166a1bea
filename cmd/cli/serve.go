package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anstrom/netmonkey/internal/api"
	apihandlers "github.com/anstrom/netmonkey/internal/api/handlers"
	"github.com/anstrom/netmonkey/internal/config"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/metrics"
	"github.com/anstrom/netmonkey/internal/scheduler"
)

const configuredJobName = "configured sweep"

var (
	serveHost       string
	servePort       int
	serveSchedule   bool
	serveCron       string
	servePrivileged bool
)

var serveFlagKeys = map[string]string{
	"host":       "api.listen_addr",
	"port":       "api.port",
	"schedule":   "schedule.enabled",
	"cron":       "schedule.cron",
	"privileged": "scan.privileged",
}

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	Long: `Run the HTTP API in the foreground until interrupted.

The server streams sweeps over WebSockets, reports status and exposes
Prometheus metrics. With scheduling enabled the configured sweep runs on
its cron expression and its events are broadcast to every client of the
watch endpoint.`,
	Example: `  netmonkey serve
  netmonkey serve --host 0.0.0.0 --port 9090
  netmonkey serve --schedule --cron "@every 10m"`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Listen address")
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Listen port")
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", false, "Run the configured sweep on a schedule")
	serveCmd.Flags().StringVar(&serveCron, "cron", "@every 15m", "Cron expression of the scheduled sweep")
	serveCmd.Flags().BoolVar(&servePrivileged, "privileged", false, "Use a raw ICMP socket (requires root or CAP_NET_RAW)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd, serveFlagKeys)
	if err != nil {
		return err
	}

	pm := metrics.GetGlobalMetrics()
	eng, err := newEngine(cfg, logger, pm)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("Failed to release probe resources", "error", err)
		}
	}()

	// Scheduled sweeps broadcast to the hub the API serves.
	hub := apihandlers.NewWatchHub(logger)
	opts := []api.Option{api.WithLogger(logger), api.WithVersion(version), api.WithHub(hub)}

	if cfg.Schedule.Enabled {
		sched, err := startScheduler(cfg, eng.coordinator, hub, logger)
		if err != nil {
			hub.Shutdown()
			return err
		}
		defer sched.Stop()
		opts = append(opts, api.WithScheduler(sched))
	}

	server, err := api.New(cfg, eng.coordinator, pm, opts...)
	if err != nil {
		hub.Shutdown()
		return fmt.Errorf("failed to create API server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "netmonkey API listening on http://%s\n", server.GetAddress())
	return server.Start(ctx)
}

// startScheduler schedules the configured sweep and starts the scheduler.
func startScheduler(cfg *config.Config, scans scheduler.ScanStarter, sink scheduler.EventSink,
	logger *logging.Logger) (*scheduler.Scheduler, error) {
	req, err := requestFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	sched := scheduler.NewScheduler(scans, sink, logger)
	if _, err := sched.AddScanJob(configuredJobName, cfg.Schedule.Cron, req); err != nil {
		return nil, err
	}
	if err := sched.Start(); err != nil {
		return nil, err
	}
	return sched, nil
}
