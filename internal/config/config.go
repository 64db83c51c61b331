// Package config provides YAML-based configuration loading for nodeyard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerPasswordEnv overrides broker.password when set.
const BrokerPasswordEnv = "NODEYARD_BROKER_PASSWORD"

// VNCBasePort is the port of VNC display :0. The {display} placeholder is
// the display port minus this base.
const VNCBasePort = 5900

// Config is the top-level nodeyard configuration, loaded from nodeyard.yaml.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Registry  RegistryConfig  `yaml:"registry"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Workload  WorkloadConfig  `yaml:"workload"`
	Display   DisplayConfig   `yaml:"display"`
	Broker    BrokerConfig    `yaml:"broker"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	API       APIConfig       `yaml:"api"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

// RegistryConfig selects the database backing the node registry.
type RegistryConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// OverlayConfig holds settings for per-node copy-on-write disks.
type OverlayConfig struct {
	QemuImg   string `yaml:"qemu_img"`
	BaseImage string `yaml:"base_image"`
	Dir       string `yaml:"dir"`
}

// WorkloadConfig describes how the virtualization process is launched.
// Args may reference {overlay}, {port}, {display} and {name}.
type WorkloadConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	StartGrace  time.Duration `yaml:"start_grace"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	LogDir      string        `yaml:"log_dir"`
}

// DisplayConfig bounds the port window used for remote display.
type DisplayConfig struct {
	PortStart    int           `yaml:"port_start"`
	PortWindow   int           `yaml:"port_window"`
	ProbeHost    string        `yaml:"probe_host"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// BrokerConfig holds connection settings for the remote-display gateway.
type BrokerConfig struct {
	URL        string        `yaml:"url"`
	DataSource string        `yaml:"data_source"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	TargetHost string        `yaml:"target_host"`
	Timeout    time.Duration `yaml:"timeout"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

// ReconcileConfig schedules the background reconciliation pass.
type ReconcileConfig struct {
	Schedule    string `yaml:"schedule"`
	Concurrency int    `yaml:"concurrency"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// EventsConfig enables lifecycle event publishing. Empty NATSURL disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultWorkloadArgs mirrors a headless qemu guest with VNC display.
var DefaultWorkloadArgs = []string{
	"-m", "512M",
	"-hda", "{overlay}",
	"-vnc", "0.0.0.0:{display}",
	"-nographic",
	"-net", "nic",
	"-net", "user",
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}

	if c.Registry.Driver == "" {
		c.Registry.Driver = "sqlite"
	}
	if c.Registry.Driver == "sqlite" && c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(c.DataDir, "nodes.db")
	}
	if c.Registry.Driver == "mysql" {
		if c.Registry.Host == "" {
			c.Registry.Host = "127.0.0.1"
		}
		if c.Registry.Port == 0 {
			c.Registry.Port = 3306
		}
		if c.Registry.Database == "" {
			c.Registry.Database = "nodeyard"
		}
		if c.Registry.User == "" {
			c.Registry.User = "root"
		}
	}

	if c.Overlay.QemuImg == "" {
		c.Overlay.QemuImg = "qemu-img"
	}
	if c.Overlay.Dir == "" {
		c.Overlay.Dir = filepath.Join(c.DataDir, "overlays")
	}

	if c.Workload.Command == "" {
		c.Workload.Command = "qemu-system-x86_64"
	}
	if len(c.Workload.Args) == 0 {
		c.Workload.Args = append([]string(nil), DefaultWorkloadArgs...)
	}
	if c.Workload.StartGrace == 0 {
		c.Workload.StartGrace = 500 * time.Millisecond
	}
	if c.Workload.StopTimeout == 0 {
		c.Workload.StopTimeout = 10 * time.Second
	}
	if c.Workload.LogDir == "" {
		c.Workload.LogDir = filepath.Join(c.DataDir, "logs")
	}

	if c.Display.PortStart == 0 {
		c.Display.PortStart = VNCBasePort
	}
	if c.Display.PortWindow == 0 {
		c.Display.PortWindow = 100
	}
	if c.Display.ProbeHost == "" {
		c.Display.ProbeHost = "127.0.0.1"
	}
	if c.Display.ProbeTimeout == 0 {
		c.Display.ProbeTimeout = 200 * time.Millisecond
	}

	if c.Broker.URL == "" {
		c.Broker.URL = "http://localhost:8080/guacamole"
	}
	c.Broker.URL = strings.TrimRight(c.Broker.URL, "/")
	if c.Broker.DataSource == "" {
		c.Broker.DataSource = "postgresql"
	}
	if c.Broker.Username == "" {
		c.Broker.Username = "guacadmin"
	}
	if pw := os.Getenv(BrokerPasswordEnv); pw != "" {
		c.Broker.Password = pw
	}
	if c.Broker.TargetHost == "" {
		c.Broker.TargetHost = "host.docker.internal"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = 10 * time.Second
	}
	if c.Broker.TokenTTL == 0 {
		c.Broker.TokenTTL = 30 * time.Minute
	}

	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = "@every 30s"
	}
	if c.Reconcile.Concurrency == 0 {
		c.Reconcile.Concurrency = 4
	}

	if c.API.Port == 0 {
		c.API.Port = 8000
	}
	if c.API.CORSOrigins == nil {
		c.API.CORSOrigins = []string{"http://localhost:3000"}
	}

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "nodes"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Registry.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("registry.driver %q must be sqlite or mysql", c.Registry.Driver))
	}
	if c.Overlay.BaseImage == "" {
		errs = append(errs, "overlay.base_image is required")
	}
	if c.Display.PortStart < 1 || c.Display.PortStart > 65535 {
		errs = append(errs, fmt.Sprintf("display.port_start %d out of range", c.Display.PortStart))
	}
	if c.Display.PortStart < VNCBasePort && c.Workload.usesDisplay() {
		errs = append(errs, fmt.Sprintf("display.port_start %d is below %d, which {display} in workload.args requires", c.Display.PortStart, VNCBasePort))
	}
	if c.Display.PortWindow < 1 {
		errs = append(errs, "display.port_window must be positive")
	}
	if c.Display.PortStart+c.Display.PortWindow-1 > 65535 {
		errs = append(errs, "display port window extends past 65535")
	}
	if c.Workload.StartGrace < 0 {
		errs = append(errs, "workload.start_grace must not be negative")
	}
	if c.Reconcile.Concurrency < 1 {
		errs = append(errs, "reconcile.concurrency must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (w WorkloadConfig) usesDisplay() bool {
	for _, a := range w.Args {
		if strings.Contains(a, "{display}") {
			return true
		}
	}
	return false
}
