package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chorus/internal/adapter/conn"
	"chorus/internal/adapter/mdns"
	"chorus/internal/adapter/routestore"
	"chorus/internal/infra/config"
	"chorus/internal/infra/logger"
	"chorus/internal/usecase/registry"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
	Fix     string      `json:"fix,omitempty"`
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func newDoctorCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the chorus setup",
		Long: `Run setup checks: config file, data directory, registry records, route store,
specialist reachability, recovery commands, mDNS support and disk space.`,
		Args: checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), g.configPath, g.json)
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(ctx context.Context, w io.Writer, cfgPath string, asJSON bool) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Data directory", Fn: checkDataDir},
		{Name: "Registry", Fn: checkRegistry},
		{Name: "Route store", Fn: checkRouteStore},
		{Name: "Specialists", Fn: checkSpecialists(ctx)},
		{Name: "Recovery commands", Fn: checkRecoveryCommands},
		{Name: "mDNS", Fn: checkMDNS},
		{Name: "Disk space", Fn: checkDiskSpace},
	}

	var pass, warn, fail int
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		results = append(results, result)
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	if asJSON {
		if err := writeJSON(w, results); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, styleHeader.Render("chorus doctor"))
		fmt.Fprintln(w, strings.Repeat("=", 50))
		fmt.Fprintln(w)
		for _, r := range results {
			fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(r.Status), r.Name, r.Message)
			if r.Fix != "" {
				fmt.Fprintf(w, "      Fix: %s\n", r.Fix)
			}
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("-", 50))
		fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	}

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return styleSuccess.Render("[PASS]")
	case StatusWarn:
		return styleWarning.Render("[WARN]")
	case StatusFail:
		return styleError.Render("[FAIL]")
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile returns a check that verifies the config file parses. A missing
// file is only a warning because defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check the YAML syntax and the values reported above",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create " + cfgPath + " to seed specialists and tune timeouts",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkDataDir verifies the data directory exists (creating it if needed) and is writable.
func checkDataDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	absDir, _ := filepath.Abs(cfg.DataDir)

	info, err := os.Stat(absDir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(absDir, 0o700); mkErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("data directory %s does not exist and cannot be created: %v", absDir, mkErr),
				Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("data directory created at %s", absDir)}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot stat data directory: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s exists but is not a directory", absDir)}
	}

	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("data directory %s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", absDir),
		}
	}
	os.Remove(testFile)
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("data directory %s writable", absDir)}
}

// checkRegistry loads the registry directory and reports how many records it holds.
func checkRegistry(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	store, err := registry.NewFileStore(cfg.RegistryDir(), logger.Discard())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check registry.dir in the config"}
	}
	recs, err := store.Load(context.Background())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("load %s: %v", store.Dir(), err)}
	}
	if len(recs) == 0 && len(cfg.Specialists) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no specialists in %s", store.Dir()),
			Fix:     "Run 'chorus register' or list specialists in the config",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d record(s) in %s, %d seeded from config", len(recs), store.Dir(), len(cfg.Specialists)),
	}
}

// checkRouteStore opens the sqlite route store when configured.
func checkRouteStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Pipeline.Store != "sqlite" {
		return CheckResult{Status: StatusPass, Message: "routes kept in memory (not persisted)"}
	}
	st, err := routestore.Open(cfg.RoutesPath())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check pipeline.path and its permissions"}
	}
	defer st.Close()
	routes, err := st.ListRoutes(context.Background())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d route(s) in %s", len(routes), cfg.RoutesPath())}
}

// checkSpecialists pings every registered specialist.
func checkSpecialists(ctx context.Context) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return notLoaded
		}
		store, err := registry.NewFileStore(cfg.RegistryDir(), logger.Discard())
		if err != nil {
			return CheckResult{Status: StatusWarn, Message: "registry unavailable, skipped"}
		}
		recs, err := store.Load(ctx)
		if err != nil || len(recs) == 0 {
			return CheckResult{Status: StatusPass, Message: "no registered specialists to probe"}
		}

		factory := conn.NewFactory(conn.Options{
			Timeout:        cfg.Health.ProbeTimeout,
			ConnectTimeout: cfg.Client.ConnectTimeout,
		}, conn.BreakerConfig{}, logger.Discard())
		var down []string
		for _, sp := range recs {
			client, err := factory.ClientFor(sp)
			if err != nil {
				down = append(down, sp.ID)
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, cfg.Health.ProbeTimeout)
			_, err = client.Ping(pctx)
			cancel()
			if err != nil {
				down = append(down, sp.ID)
			}
		}
		if len(down) == 0 {
			return CheckResult{Status: StatusPass, Message: fmt.Sprintf("all %d specialist(s) answered", len(recs))}
		}
		sort.Strings(down)
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d unreachable: %s", len(down), len(recs), strings.Join(down, ", ")),
			Fix:     "Start the specialists or deregister the stale records",
		}
	}
}

// checkRecoveryCommands verifies configured restart commands are on PATH.
func checkRecoveryCommands(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Health.Recovery.Commands) == 0 {
		return CheckResult{Status: StatusPass, Message: "no recovery commands configured"}
	}
	var missing []string
	for _, id := range sortedKeys(cfg.Health.Recovery.Commands) {
		argv := cfg.Health.Recovery.Commands[id]
		if len(argv) == 0 {
			missing = append(missing, id+" (empty command)")
			continue
		}
		if _, err := exec.LookPath(argv[0]); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", id, argv[0]))
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "commands not found for: " + strings.Join(missing, "; "),
			Fix:     "Install the commands or fix health.recovery.commands",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d recovery command(s) found", len(cfg.Health.Recovery.Commands))}
}

func checkMDNS(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	switch {
	case !cfg.MDNS.Enabled:
		return CheckResult{Status: StatusPass, Message: "mDNS discovery disabled"}
	case !mdns.Available:
		return CheckResult{
			Status:  StatusWarn,
			Message: "mdns.enabled is set but this binary was built without mDNS support",
			Fix:     "Rebuild with: go build -tags mdns ./cmd/chorus",
		}
	default:
		return CheckResult{Status: StatusPass, Message: "mDNS discovery on " + cfg.MDNS.Service}
	}
}

// checkDiskSpace checks available disk space in the data directory.
func checkDiskSpace(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	absDir, _ := filepath.Abs(cfg.DataDir)
	info, err := os.Stat(absDir)
	if err != nil || !info.IsDir() {
		return CheckResult{Status: StatusPass, Message: "data directory does not exist yet, space check skipped"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "df", "-h", absDir).Output()
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "could not determine disk space (df command failed)"}
	}
	return parseDF(string(out))
}

// parseDF grades df -h output by the use percentage of its last line.
func parseDF(out string) CheckResult {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}
	available, usePercent := fields[3], fields[4]

	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)
	switch {
	case pct >= 95:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up disk space or move data_dir to another partition",
		}
	case pct >= 85:
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available)}
	default:
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available)}
	}
}
