package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMetricsListen    = ":59121"
	DefaultControlListen    = ":32600"
	DefaultCorrectionPath   = "/tcpflow"
	DefaultInterval         = time.Second
	DefaultServerDelay      = 100 * time.Millisecond
	DefaultInterfaceDelay   = 200 * time.Millisecond
	DefaultConnectTimeout   = 5 * time.Second
	DefaultAliasTimeout     = 3 * time.Second
	DefaultEfficiency       = 1.0
	DefaultCorrectionFactor = 1.0
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
	DefaultLogMaxSizeMB     = 64
	DefaultLogMaxBackups    = 7
	DefaultLogMaxAgeDays    = 7
	DefaultSTUNServer       = "stun.l.google.com:19302"
	DefaultServerPort       = 443
	DefaultStatsWindow      = 5 * time.Minute
)

var (
	// ErrNoInterfaces and ErrNoServers are the two startup failures the CLI
	// maps to exit code 2.
	ErrNoInterfaces = errors.New("no interfaces specified")
	ErrNoServers    = errors.New("no servers specified")
)

// Config is the full scanner configuration.
type Config struct {
	Interfaces        []string          `yaml:"interfaces"`
	Servers           []string          `yaml:"servers"`
	MetricsListen     string            `yaml:"metrics_listen"`
	ControlListen     string            `yaml:"control_listen"`
	CorrectionPath    string            `yaml:"correction_path"`
	Interval          time.Duration     `yaml:"interval"`
	ServerDelay       time.Duration     `yaml:"server_delay"`
	InterfaceDelay    time.Duration     `yaml:"interface_delay"`
	ConnectTimeout    time.Duration     `yaml:"connect_timeout"`
	Efficiency        float64           `yaml:"efficiency"`
	LowLatency        *bool             `yaml:"low_latency,omitempty"`
	VerifyBind        *bool             `yaml:"verify_bind,omitempty"`
	DefaultCorrection float64           `yaml:"default_correction"`
	StatePath         string            `yaml:"state_path,omitempty"`
	HistoryPath       string            `yaml:"history_path,omitempty"`
	Aliases           map[string]string `yaml:"aliases,omitempty"`
	AliasURL          string            `yaml:"alias_url,omitempty"`
	AliasTimeout      time.Duration     `yaml:"alias_timeout"`
	STUNServers       []string          `yaml:"stun_servers"`
	Log               LogConfig         `yaml:"log"`
}

// LogConfig controls the zap logger and optional lumberjack rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file,omitempty"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks required fields and value ranges. Missing interfaces or
// servers are reported as ErrNoInterfaces / ErrNoServers.
func Validate(cfg Config) error {
	if len(cfg.Interfaces) == 0 {
		return ErrNoInterfaces
	}
	if len(cfg.Servers) == 0 {
		return ErrNoServers
	}
	for _, name := range cfg.Interfaces {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("interfaces: empty interface name")
		}
		if strings.IndexByte(name, 0) >= 0 {
			return fmt.Errorf("interfaces: %q contains a NUL byte", name)
		}
	}
	for _, server := range cfg.Servers {
		if strings.TrimSpace(server) == "" {
			return fmt.Errorf("servers: empty server target")
		}
	}
	if cfg.MetricsListen == "" {
		return fmt.Errorf("metrics_listen is required")
	}
	if cfg.ControlListen == "" {
		return fmt.Errorf("control_listen is required")
	}
	if cfg.MetricsListen == cfg.ControlListen {
		return fmt.Errorf("metrics_listen and control_listen must differ")
	}
	switch {
	case !strings.HasPrefix(cfg.CorrectionPath, "/"):
		return fmt.Errorf("correction_path must start with /, got %q", cfg.CorrectionPath)
	case cfg.CorrectionPath == "/healthz", strings.ContainsAny(cfg.CorrectionPath, ":*"):
		return fmt.Errorf("correction_path %q is reserved or not a literal path", cfg.CorrectionPath)
	}
	if cfg.Efficiency <= 0 || cfg.Efficiency > 1 {
		return fmt.Errorf("efficiency must be in (0,1], got %v", cfg.Efficiency)
	}
	if cfg.DefaultCorrection <= 0 {
		return fmt.Errorf("default_correction must be greater than 0, got %v", cfg.DefaultCorrection)
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if cfg.ServerDelay < 0 || cfg.InterfaceDelay < 0 {
		return fmt.Errorf("server_delay and interface_delay must not be negative")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", cfg.Log.Format)
	}
	for alias, iface := range cfg.Aliases {
		if alias == "" || iface == "" {
			return fmt.Errorf("aliases: empty alias or interface (%q: %q)", alias, iface)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.MetricsListen == "" {
		cfg.MetricsListen = DefaultMetricsListen
	}
	if cfg.ControlListen == "" {
		cfg.ControlListen = DefaultControlListen
	}
	if cfg.CorrectionPath == "" {
		cfg.CorrectionPath = DefaultCorrectionPath
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ServerDelay == 0 {
		cfg.ServerDelay = DefaultServerDelay
	}
	if cfg.InterfaceDelay == 0 {
		cfg.InterfaceDelay = DefaultInterfaceDelay
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.AliasTimeout == 0 {
		cfg.AliasTimeout = DefaultAliasTimeout
	}
	if cfg.Efficiency == 0 {
		cfg.Efficiency = DefaultEfficiency
	}
	if cfg.DefaultCorrection == 0 {
		cfg.DefaultCorrection = DefaultCorrectionFactor
	}
	if cfg.LowLatency == nil {
		v := true
		cfg.LowLatency = &v
	}
	if cfg.VerifyBind == nil {
		v := true
		cfg.VerifyBind = &v
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{DefaultSTUNServer}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if cfg.Log.MaxSize == 0 {
		cfg.Log.MaxSize = DefaultLogMaxSizeMB
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = DefaultLogMaxBackups
	}
	if cfg.Log.MaxAge == 0 {
		cfg.Log.MaxAge = DefaultLogMaxAgeDays
	}
}

// LowLatencyEnabled reports whether TCP_NODELAY/SO_KEEPALIVE are set before connect.
func LowLatencyEnabled(cfg Config) bool {
	return cfg.LowLatency == nil || *cfg.LowLatency
}

// VerifyBindEnabled reports whether the bound device is read back after binding.
func VerifyBindEnabled(cfg Config) bool {
	return cfg.VerifyBind == nil || *cfg.VerifyBind
}
