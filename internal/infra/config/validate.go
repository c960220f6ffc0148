package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	if strings.TrimSpace(cfg.DataDir) == "" {
		ve.Add("data_dir must not be empty")
	}
	validateDiscovery(cfg, ve)
	validateClient(cfg, ve)
	validateHealth(cfg, ve)
	validateRouter(cfg, ve)
	validatePipeline(cfg, ve)
	validateScheduler(cfg, ve)
	validateMDNS(cfg, ve)
	validateSpecialists(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if cfg.Discovery.CacheTTL < 0 {
		ve.Add("discovery.cache_ttl must be >= 0")
	}
	if cfg.Discovery.CacheSize <= 0 {
		ve.Add("discovery.cache_size must be > 0")
	}
	if cfg.Discovery.MaxSuggestions <= 0 {
		ve.Add("discovery.max_suggestions must be > 0")
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	c := cfg.Client
	if c.Timeout <= 0 {
		ve.Add("client.timeout must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		ve.Add("client.connect_timeout must be > 0")
	}
	if c.MaxLineBytes < 1024 {
		ve.Add("client.max_line_bytes must be >= 1024")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxFailures <= 0 {
			ve.Add("client.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if c.CircuitBreaker.Timeout <= 0 {
			ve.Add("client.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
}

func validateHealth(cfg *Config, ve *ValidationError) {
	h := cfg.Health
	if !h.Enabled {
		return
	}
	if h.Interval <= 0 {
		ve.Add("health.interval must be > 0 when health monitoring is enabled")
	}
	if h.IdleAfter <= 0 {
		ve.Add("health.idle_after must be > 0 when health monitoring is enabled")
	}
	if h.ProbeTimeout <= 0 {
		ve.Add("health.probe_timeout must be > 0 when health monitoring is enabled")
	}
	if h.ProbesPerSecond <= 0 {
		ve.Add("health.probes_per_second must be > 0 when health monitoring is enabled")
	}
	for id, argv := range h.Recovery.Commands {
		if len(argv) == 0 || argv[0] == "" {
			ve.Add("health.recovery.commands[%s] must name a program", id)
		}
	}
}

func validateRouter(cfg *Config, ve *ValidationError) {
	if cfg.Router.Timeout <= 0 {
		ve.Add("router.timeout must be > 0")
	}
}

var validPipelineStores = map[string]bool{
	"memory": true,
	"sqlite": true,
}

func validatePipeline(cfg *Config, ve *ValidationError) {
	if !validPipelineStores[cfg.Pipeline.Store] {
		ve.Add("pipeline.store %q is invalid (want memory or sqlite)", cfg.Pipeline.Store)
	}
}

var validScheduledActions = map[string]bool{
	"health_tick":     true,
	"registry_reload": true,
	"mdns_scan":       true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		} else if _, err := parser.Parse(t.Schedule); err != nil && !isDuration(t.Schedule) {
			ve.Add("scheduler.tasks[%d].schedule %q is neither a cron expression nor a duration", i, t.Schedule)
		}
		if !validScheduledActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is invalid", i, t.Action)
		}
	}
}

func isDuration(s string) bool {
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}

func validateMDNS(cfg *Config, ve *ValidationError) {
	if !cfg.MDNS.Enabled {
		return
	}
	if cfg.MDNS.Service == "" {
		ve.Add("mdns.service is required when mdns is enabled")
	}
	if cfg.MDNS.ScanTimeout <= 0 {
		ve.Add("mdns.scan_timeout must be > 0 when mdns is enabled")
	}
}

func validateSpecialists(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, s := range cfg.Specialists {
		if s.ID == "" {
			ve.Add("specialists[%d].id is required", i)
		} else if seen[s.ID] {
			ve.Add("specialists[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = true

		switch {
		case s.Socket != "" && s.URL != "":
			ve.Add("specialists[%d] must set only one of socket or url", i)
		case s.Socket != "":
			host, port, err := net.SplitHostPort(s.Socket)
			if err != nil || host == "" {
				ve.Add("specialists[%d].socket %q must be host:port", i, s.Socket)
			} else if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
				ve.Add("specialists[%d].socket port %q is invalid", i, port)
			}
		case s.URL != "":
			if u, err := url.Parse(s.URL); err != nil || u.Scheme == "" || u.Host == "" {
				ve.Add("specialists[%d].url %q is not an absolute URL", i, s.URL)
			}
		default:
			ve.Add("specialists[%d] needs socket or url", i)
		}
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want noop or stdout)", cfg.Tracer.Exporter)
	}
}
