// Package cli provides the command-line interface of the netmonkey network
// scanner: one-shot sweeps, range calculations and the API server.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/netmonkey/internal/config"
	"github.com/anstrom/netmonkey/internal/logging"
)

const envPrefix = "NETMONKEY"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "netmonkey",
	Short: "Concurrent ICMP network sweeper",
	Long: `netmonkey sweeps an IPv4 range with ICMP echo requests, reports every host
as soon as its probe finishes and optionally tests TCP ports on the hosts
that answered.

Results can be printed on the terminal, streamed over a WebSocket API or
produced on a cron schedule.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	configureViper(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// configureViper enables environment overrides and registers the defaults.
// NETMONKEY_SCAN_STARTING_IP overrides scan.starting_ip.
func configureViper(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setConfigDefaults(v)
}

// setConfigDefaults registers every configuration key with its default so
// that environment variables reach keys missing from the config file.
func setConfigDefaults(v *viper.Viper) {
	d := config.Default()

	v.SetDefault("scan.starting_ip", d.Scan.StartingIP)
	v.SetDefault("scan.subnet_mask", d.Scan.SubnetMask)
	v.SetDefault("scan.ports", d.Scan.Ports)
	v.SetDefault("scan.probe_timeout", d.Scan.ProbeTimeout)
	v.SetDefault("scan.port_timeout", d.Scan.PortTimeout)
	v.SetDefault("scan.max_in_flight", d.Scan.MaxInFlight)
	v.SetDefault("scan.max_sessions", d.Scan.MaxSessions)
	v.SetDefault("scan.privileged", d.Scan.Privileged)
	v.SetDefault("scan.resolve_hostnames", d.Scan.ResolveHostnames)
	v.SetDefault("scan.dns_server", d.Scan.DNSServer)

	v.SetDefault("api.listen_addr", d.API.ListenAddr)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.cors.enabled", d.API.CORS.Enabled)
	v.SetDefault("api.cors.allowed_origins", d.API.CORS.AllowedOrigins)
	v.SetDefault("api.cors.allowed_methods", d.API.CORS.AllowedMethods)
	v.SetDefault("api.cors.allowed_headers", d.API.CORS.AllowedHeaders)
	v.SetDefault("api.request_timeout", d.API.RequestTimeout)
	v.SetDefault("api.request_logging", d.API.RequestLogging)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.add_source", d.Logging.AddSource)

	v.SetDefault("schedule.enabled", d.Schedule.Enabled)
	v.SetDefault("schedule.cron", d.Schedule.Cron)
}

// loadConfig merges defaults, the config file, environment and bound flags
// into a validated configuration.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindFlags binds command flags to configuration keys. Binding happens when
// the command runs so commands sharing a key do not steal each other's flags.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := flags.Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", flag, err)
		}
	}
	return nil
}

// newLogger builds the process logger from cfg. Verbose mode forces debug.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := cfg.LoggingConfig()
	if viper.GetBool("verbose") {
		logCfg.Level = logging.LevelDebug
	}

	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.SetDefault(logger)
	return logger, nil
}

// setup loads the configuration and logger for a command.
func setup(cmd *cobra.Command, keys map[string]string) (*config.Config, *logging.Logger, error) {
	if err := bindFlags(viper.GetViper(), cmd.Flags(), keys); err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}
