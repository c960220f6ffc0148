package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Client.Timeout != 30*time.Second {
		t.Errorf("Client.Timeout = %v, want 30s", cfg.Client.Timeout)
	}
	if cfg.Client.ConnectTimeout != 2*time.Second {
		t.Errorf("Client.ConnectTimeout = %v, want 2s", cfg.Client.ConnectTimeout)
	}
	if cfg.Health.IdleAfter != 5*time.Minute {
		t.Errorf("Health.IdleAfter = %v, want 5m", cfg.Health.IdleAfter)
	}
	if cfg.Health.Interval != 60*time.Second {
		t.Errorf("Health.Interval = %v, want 60s", cfg.Health.Interval)
	}
	if cfg.Discovery.CacheTTL != 60*time.Second {
		t.Errorf("Discovery.CacheTTL = %v, want 60s", cfg.Discovery.CacheTTL)
	}
	if cfg.Pipeline.Store != "sqlite" {
		t.Errorf("Pipeline.Store = %q, want sqlite", cfg.Pipeline.Store)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = "/var/lib/chorus"
	if got := cfg.RegistryDir(); got != "/var/lib/chorus/registry" {
		t.Errorf("RegistryDir = %q", got)
	}
	if got := cfg.RoutesPath(); got != "/var/lib/chorus/routes.db" {
		t.Errorf("RoutesPath = %q", got)
	}
	cfg.Registry.Dir = "/tmp/reg"
	if got := cfg.RegistryDir(); got != "/tmp/reg" {
		t.Errorf("RegistryDir override = %q", got)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-chorus-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Router.Timeout != 30*time.Second {
		t.Errorf("expected defaults, got Router.Timeout=%v", cfg.Router.Timeout)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chorus.yaml")
	content := `
data_dir: "` + dir + `"
client:
  timeout: 10s
health:
  idle_after: 2m
  recovery:
    commands:
      apollo-ai: ["systemctl", "restart", "apollo"]
pipeline:
  store: memory
specialists:
  - id: apollo-ai
    name: apollo
    component: apollo
    roles: [planning]
    socket: "localhost:45007"
  - id: rhetor
    roles: [orchestration]
    url: "http://localhost:8003"
logger:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.Timeout != 10*time.Second {
		t.Errorf("Client.Timeout = %v, want 10s", cfg.Client.Timeout)
	}
	if cfg.Health.IdleAfter != 2*time.Minute {
		t.Errorf("Health.IdleAfter = %v, want 2m", cfg.Health.IdleAfter)
	}
	if got := cfg.Health.Recovery.Commands["apollo-ai"]; len(got) != 3 || got[0] != "systemctl" {
		t.Errorf("recovery command = %v", got)
	}
	if cfg.Pipeline.Store != "memory" {
		t.Errorf("Pipeline.Store = %q", cfg.Pipeline.Store)
	}
	if len(cfg.Specialists) != 2 || cfg.Specialists[1].URL != "http://localhost:8003" {
		t.Errorf("Specialists = %+v", cfg.Specialists)
	}
	// Untouched defaults survive.
	if cfg.Client.ConnectTimeout != 2*time.Second {
		t.Errorf("Client.ConnectTimeout = %v, want default 2s", cfg.Client.ConnectTimeout)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("Logger.Format = %q", cfg.Logger.Format)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chorus.yaml")
	if err := os.WriteFile(path, []byte("client: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chorus.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected permission error for world-writable config")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chorus.yaml")
	if err := os.WriteFile(path, []byte("router:\n  timeout: 0s\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	assertContains(t, ve.Error(), "router.timeout must be > 0")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CHORUS_DATA_DIR", "/srv/chorus")
	t.Setenv("CHORUS_LOGGER_LEVEL", "debug")
	t.Setenv("CHORUS_CLIENT_TIMEOUT", "45s")
	t.Setenv("CHORUS_HEALTH_IDLE_AFTER", "90s")
	t.Setenv("CHORUS_HEALTH_PROBES_PER_SECOND", "2.5")
	t.Setenv("CHORUS_PIPELINE_STORE", "MEMORY")
	t.Setenv("CHORUS_TRACER_ENABLED", "true")
	t.Setenv("CHORUS_REGISTRY_WATCH", "false")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.DataDir != "/srv/chorus" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
	if cfg.Client.Timeout != 45*time.Second {
		t.Errorf("Client.Timeout = %v", cfg.Client.Timeout)
	}
	if cfg.Health.IdleAfter != 90*time.Second {
		t.Errorf("Health.IdleAfter = %v", cfg.Health.IdleAfter)
	}
	if cfg.Health.ProbesPerSecond != 2.5 {
		t.Errorf("Health.ProbesPerSecond = %v", cfg.Health.ProbesPerSecond)
	}
	if cfg.Pipeline.Store != "memory" {
		t.Errorf("Pipeline.Store = %q", cfg.Pipeline.Store)
	}
	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled should be true")
	}
	if cfg.Registry.Watch {
		t.Error("Registry.Watch should be false")
	}
}

func TestApplyEnvOverridesIgnoresBadDuration(t *testing.T) {
	t.Setenv("CHORUS_CLIENT_TIMEOUT", "soon")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Client.Timeout != 30*time.Second {
		t.Errorf("Client.Timeout = %v, want default", cfg.Client.Timeout)
	}
}

func TestDefaultPathFromEnv(t *testing.T) {
	t.Setenv("CHORUS_CONFIG", "/etc/chorus.yaml")
	if got := DefaultPath(); got != "/etc/chorus.yaml" {
		t.Errorf("DefaultPath = %q", got)
	}
}

func TestMergeSpecialistsPrimaryWins(t *testing.T) {
	primary := []SpecialistConfig{{ID: "a", Name: "main"}}
	extra := []SpecialistConfig{{ID: "a", Name: "include"}, {ID: "b"}}
	got := mergeSpecialists(primary, extra)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Name != "main" || got[1].ID != "b" {
		t.Errorf("got %+v", got)
	}
}
