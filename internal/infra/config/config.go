package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	DataDir     string             `yaml:"data_dir"`
	Registry    RegistryConfig     `yaml:"registry"`
	Discovery   DiscoveryConfig    `yaml:"discovery"`
	Client      ClientConfig       `yaml:"client"`
	Health      HealthConfig       `yaml:"health"`
	Router      RouterConfig       `yaml:"router"`
	Pipeline    PipelineConfig     `yaml:"pipeline"`
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	MDNS        MDNSConfig         `yaml:"mdns"`
	MCP         MCPConfig          `yaml:"mcp"`
	Specialists []SpecialistConfig `yaml:"specialists,omitempty"`
	Logger      LoggerConfig       `yaml:"logger"`
	Tracer      TracerConfig       `yaml:"tracer"`
	Includes    []string           `yaml:"includes,omitempty"`
}

// RegistryConfig holds the file-backed registry settings.
type RegistryConfig struct {
	Dir           string        `yaml:"dir"` // default: <data_dir>/registry
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// DiscoveryConfig holds resolution and cache settings.
type DiscoveryConfig struct {
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheSize      int           `yaml:"cache_size"`
	MaxSuggestions int           `yaml:"max_suggestions"`
}

// ClientConfig holds connection client settings shared by socket and HTTP specialists.
type ClientConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectTimeout time.Duration        `yaml:"connect_timeout"`
	MaxLineBytes   int                  `yaml:"max_line_bytes"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds per-specialist circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`  // how long the breaker stays open
	Interval    time.Duration `yaml:"interval"` // counter reset period while closed
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	Enabled         bool           `yaml:"enabled"`
	Interval        time.Duration  `yaml:"interval"`
	IdleAfter       time.Duration  `yaml:"idle_after"`
	ProbeTimeout    time.Duration  `yaml:"probe_timeout"`
	ProbesPerSecond float64        `yaml:"probes_per_second"`
	Recovery        RecoveryConfig `yaml:"recovery"`
}

// RecoveryConfig selects the recovery hooks run for unresponsive specialists.
type RecoveryConfig struct {
	HTTPActivate bool                `yaml:"http_activate"`
	Commands     map[string][]string `yaml:"commands,omitempty"` // specialist id -> argv
	Timeout      time.Duration       `yaml:"timeout"`
}

// RouterConfig holds router settings.
type RouterConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// PipelineConfig holds pipeline route persistence settings.
type PipelineConfig struct {
	Store string `yaml:"store"` // "memory" or "sqlite"
	Path  string `yaml:"path"`  // default: <data_dir>/routes.db
}

// SchedulerConfig holds cron/scheduler settings.
type SchedulerConfig struct {
	Tasks []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`   // health_tick, registry_reload, mdns_scan
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// MDNSConfig holds mDNS specialist discovery settings.
// NOTE: mDNS support also requires the binary to be built with the "mdns" build tag.
// Without the tag the noop scanner is used.
type MDNSConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Service      string        `yaml:"service"`
	Domain       string        `yaml:"domain"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
}

// MCPConfig holds MCP tool server settings.
type MCPConfig struct {
	Name string `yaml:"name"`
}

// SpecialistConfig seeds a specialist into the registry when serve starts.
type SpecialistConfig struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Component    string            `yaml:"component"`
	Roles        []string          `yaml:"roles"`
	Capabilities []string          `yaml:"capabilities,omitempty"`
	Socket       string            `yaml:"socket,omitempty"` // host:port
	URL          string            `yaml:"url,omitempty"`    // orchestrator base URL
	Model        string            `yaml:"model,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultHome returns $HOME/.chorus, falling back to "./.chorus".
func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chorus"
	}
	return filepath.Join(home, ".chorus")
}

// DefaultPath returns the config file location: $CHORUS_CONFIG or $HOME/.chorus/chorus.yaml.
func DefaultPath() string {
	if p := os.Getenv("CHORUS_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultHome(), "chorus.yaml")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		DataDir: filepath.Join(defaultHome(), "data"),
		Registry: RegistryConfig{
			Watch:         true,
			WatchDebounce: 250 * time.Millisecond,
		},
		Discovery: DiscoveryConfig{
			CacheTTL:       60 * time.Second,
			CacheSize:      128,
			MaxSuggestions: 3,
		},
		Client: ClientConfig{
			Timeout:        30 * time.Second,
			ConnectTimeout: 2 * time.Second,
			MaxLineBytes:   4 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     60 * time.Second,
				Interval:    30 * time.Second,
			},
		},
		Health: HealthConfig{
			Enabled:         true,
			Interval:        60 * time.Second,
			IdleAfter:       5 * time.Minute,
			ProbeTimeout:    5 * time.Second,
			ProbesPerSecond: 10,
			Recovery: RecoveryConfig{
				HTTPActivate: true,
				Timeout:      30 * time.Second,
			},
		},
		Router: RouterConfig{
			Timeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			Store: "sqlite",
		},
		MDNS: MDNSConfig{
			Enabled:      false,
			Service:      "_chorus._tcp",
			Domain:       "local.",
			ScanInterval: 60 * time.Second,
			ScanTimeout:  5 * time.Second,
		},
		MCP: MCPConfig{
			Name: "chorus",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// RegistryDir returns the registry directory, defaulting under DataDir.
func (c *Config) RegistryDir() string {
	if c.Registry.Dir != "" {
		return c.Registry.Dir
	}
	return filepath.Join(c.DataDir, "registry")
}

// RoutesPath returns the sqlite route store path, defaulting under DataDir.
func (c *Config) RoutesPath() string {
	if c.Pipeline.Path != "" {
		return c.Pipeline.Path
	}
	return filepath.Join(c.DataDir, "routes.db")
}

// Load reads a YAML config file. A missing file yields defaults with env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		included := cfg.Specialists
		cfg.Specialists = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Specialists = mergeSpecialists(cfg.Specialists, included)
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides applies CHORUS_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHORUS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHORUS_REGISTRY_DIR"); v != "" {
		cfg.Registry.Dir = v
	}
	if v := os.Getenv("CHORUS_REGISTRY_WATCH"); v != "" {
		cfg.Registry.Watch = v == "true"
	}
	if v := os.Getenv("CHORUS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHORUS_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHORUS_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CHORUS_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHORUS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CHORUS_CLIENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Client.Timeout = d
		}
	}
	if v := os.Getenv("CHORUS_CLIENT_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Client.ConnectTimeout = d
		}
	}
	if v := os.Getenv("CHORUS_CIRCUIT_BREAKER_ENABLED"); v != "" {
		cfg.Client.CircuitBreaker.Enabled = v == "true"
	}
	if v := os.Getenv("CHORUS_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Health.Interval = d
		}
	}
	if v := os.Getenv("CHORUS_HEALTH_IDLE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Health.IdleAfter = d
		}
	}
	if v := os.Getenv("CHORUS_HEALTH_PROBES_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Health.ProbesPerSecond = f
		}
	}
	if v := os.Getenv("CHORUS_ROUTER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Router.Timeout = d
		}
	}
	if v := os.Getenv("CHORUS_PIPELINE_STORE"); v != "" {
		cfg.Pipeline.Store = strings.ToLower(v)
	}
	if v := os.Getenv("CHORUS_MDNS_ENABLED"); v == "true" {
		cfg.MDNS.Enabled = true
	}
}

// mergeSpecialists returns primary followed by the entries of extra whose id is not
// already present. Entries in primary win.
func mergeSpecialists(primary, extra []SpecialistConfig) []SpecialistConfig {
	if len(extra) == 0 {
		return primary
	}
	seen := make(map[string]bool, len(primary))
	out := make([]SpecialistConfig, 0, len(primary)+len(extra))
	for _, s := range primary {
		seen[s.ID] = true
		out = append(out, s)
	}
	for _, s := range extra {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out
}

func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
