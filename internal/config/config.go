// Package config holds the netmonkey configuration: the sweep to run, the API
// server, logging and the recurring schedule. Files are YAML on top of Default().
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/scanning"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600

	minPort = 1
	maxPort = 65535
)

// Config represents the complete netmonkey configuration
type Config struct {
	// Sweep configuration
	Scan ScanConfig `yaml:"scan" json:"scan"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Recurring sweep configuration
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
}

// ScanConfig describes a sweep and how it is probed.
type ScanConfig struct {
	// First address of the sweep; the range is derived from it and SubnetMask.
	StartingIP string `yaml:"starting_ip" json:"starting_ip" validate:"required,ipv4"`

	// CIDR prefix length. Out of range values are clamped into [1, 32].
	SubnetMask int `yaml:"subnet_mask" json:"subnet_mask"`

	// Ports to test on alive hosts, e.g. "22,80,443" or "8000-8010". Empty disables port probing.
	Ports string `yaml:"ports" json:"ports"`

	// Echo request timeout per host
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout" validate:"gt=0"`

	// TCP connect timeout per port
	PortTimeout time.Duration `yaml:"port_timeout" json:"port_timeout" validate:"gt=0"`

	// Maximum probes in flight per session, 0 means unbounded
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight" validate:"gte=0"`

	// Maximum concurrently running sessions
	MaxSessions int `yaml:"max_sessions" json:"max_sessions" validate:"gte=1"`

	// Use raw ICMP sockets instead of unprivileged datagram sockets
	Privileged bool `yaml:"privileged" json:"privileged"`

	// Attach PTR names to alive hosts
	ResolveHostnames bool `yaml:"resolve_hostnames" json:"resolve_hostnames"`

	// DNS server for PTR lookups (host:port). Empty uses the system resolver configuration.
	DNSServer string `yaml:"dns_server" json:"dns_server" validate:"omitempty,hostname_port"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" validate:"required"`

	// Listen port
	Port int `yaml:"port" json:"port" validate:"min=1,max=65535"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors"`

	// Timeout for plain (non-streaming) requests
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gt=0"`

	// Log every request
	RequestLogging bool `yaml:"request_logging" json:"request_logging"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include source locations
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// ScheduleConfig holds the recurring sweep settings used by the API server.
type ScheduleConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Standard 5 field cron expression or descriptor such as "@every 5m"
	Cron string `yaml:"cron" json:"cron" validate:"required_if=Enabled true"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			StartingIP:       "192.168.1.0",
			SubnetMask:       24,
			Ports:            "",
			ProbeTimeout:     scanning.DefaultProbeTimeout,
			PortTimeout:      scanning.DefaultPortTimeout,
			MaxInFlight:      scanning.DefaultMaxInFlight,
			MaxSessions:      scanning.DefaultMaxSessions,
			Privileged:       false,
			ResolveHostnames: false,
			DNSServer:        "",
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1",
			Port:       8080,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
			},
			RequestTimeout: 30 * time.Second,
			RequestLogging: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Schedule: ScheduleConfig{
			Enabled: false,
			Cron:    "@every 15m",
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "Failed to read config file", err)
	}

	// JSON is a subset of YAML, so both extensions go through the same decoder.
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml", ".json", "":
	default:
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration, "Unsupported config file extension", "path", ext)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "Failed to parse config file", err)
	}

	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Normalize applies the prefix clamp policy shared with the calculator.
func (c *Config) Normalize() {
	c.Scan.SubnetMask = scanning.ClampPrefix(c.Scan.SubnetMask)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names so errors match what the user wrote.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			first := verrs[0]
			return errors.ErrConfigInvalid(trimNamespace(first.Namespace()), first.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "Invalid configuration", err)
	}

	if _, err := ParsePorts(c.Scan.Ports); err != nil {
		return err
	}

	if c.Schedule.Enabled {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation, "Invalid cron expression",
				"schedule.cron", c.Schedule.Cron)
		}
	}

	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// trimNamespace turns "Config.scan.starting_ip" into "scan.starting_ip".
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// BaseAddr returns the parsed starting address.
func (c *Config) BaseAddr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(c.Scan.StartingIP)
	if err != nil {
		return netip.Addr{}, errors.ErrConfigInvalid("scan.starting_ip", c.Scan.StartingIP)
	}
	return addr, nil
}

// PortList returns the parsed port list of the sweep.
func (c *Config) PortList() ([]int, error) {
	return ParsePorts(c.Scan.Ports)
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// LoggingConfig converts the logging section into a logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(c.Logging.Level),
		Format:    logging.LogFormat(c.Logging.Format),
		Output:    c.Logging.Output,
		AddSource: c.Logging.AddSource,
	}
}

// ParsePorts parses a comma separated list of ports and port ranges such as
// "22,80,8000-8010". The result is ascending and free of duplicates. An empty
// string yields no ports.
func ParsePorts(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var ports []int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parsePort(lo)
		if err != nil {
			return nil, errors.ErrConfigInvalid("scan.ports", part)
		}
		end := start
		if isRange {
			if end, err = parsePort(hi); err != nil || end < start {
				return nil, errors.ErrConfigInvalid("scan.ports", part)
			}
		}

		for p := start; p <= end; p++ {
			ports = append(ports, p)
		}
	}

	slices.Sort(ports)
	return slices.Compact(ports), nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if p < minPort || p > maxPort {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}
