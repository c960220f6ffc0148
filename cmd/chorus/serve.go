package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"chorus/internal/adapter/mcpserver"
	"chorus/internal/adapter/mdns"
	"chorus/internal/domain"
	"chorus/internal/infra/config"
	"chorus/internal/infra/logger"
	"chorus/internal/infra/tracer"
	"chorus/internal/usecase/registry"
	"chorus/internal/usecase/scheduling"
)

func newServeCmd(g *globals) *cobra.Command {
	var withMCP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry watcher, health monitor and scheduled tasks",
		Long: `Run chorus as a long-lived process: seed the specialists listed in the config,
watch the registry directory, probe specialists on the health interval, scan for
mDNS announcements when enabled and run any scheduled tasks from the config.
With --mcp the discovery, routing and pipeline tools are also served over MCP on
stdin/stdout.

Examples:
  chorus serve
  chorus serve --mcp`,
		Args: checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd, a, withMCP)
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "serve MCP tools over stdin/stdout")
	return cmd
}

func serve(cmd *cobra.Command, a *app, withMCP bool) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	log := a.logger

	shutdownTracer, err := tracer.Setup(ctx, a.cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	if err := a.seedSpecialists(ctx); err != nil {
		log.Warn("some configured specialists were not registered", "error", err)
	}

	if a.cfg.Registry.Watch {
		w, err := registry.NewWatcher(a.cfg.RegistryDir(), a.reg, a.cfg.Registry.WatchDebounce,
			logger.Component(log, "watcher"))
		if err != nil {
			return err
		}
		w.Start(ctx)
		defer w.Stop()
	}

	sched := scheduling.NewScheduler(logger.Component(log, "scheduler"), 0)
	sched.RegisterAction(scheduling.ActionHealthTick, func(ctx context.Context) error {
		rep := a.monitor.Tick(ctx, time.Now())
		log.Debug("health tick", "checked", rep.Checked, "probed", rep.Probed,
			"healthy", rep.Healthy, "unhealthy", rep.Unhealthy, "recovered", rep.Recovered)
		return nil
	})
	sched.RegisterAction(scheduling.ActionRegistryReload, a.reg.Reload)

	var syncer *mdns.Syncer
	if a.cfg.MDNS.Enabled {
		if !mdns.Available {
			log.Warn("mdns enabled in config but chorus was built without the mdns tag")
		}
		syncer = mdns.NewSyncer(mdns.NewDiscoverer(mdnsConfig(a.cfg), logger.Component(log, "mdns")),
			a.reg, a.bus, logger.Component(log, "mdns"))
		sched.RegisterAction(scheduling.ActionMDNSScan, func(ctx context.Context) error {
			_, err := syncer.Sync(ctx)
			return err
		})
	}

	for _, task := range scheduledTasks(a.cfg) {
		if err := sched.AddTask(task); err != nil {
			return domain.NewDomainError("serve", domain.ErrInvalidInput, err.Error())
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	// First pass right away rather than one interval from now.
	go func() {
		if a.cfg.Health.Enabled {
			a.monitor.Tick(ctx, time.Now())
		}
		if syncer != nil {
			if _, err := syncer.Sync(ctx); err != nil {
				log.Warn("mdns scan failed", "error", err)
			}
		}
	}()

	log.Info("chorus serving", "registry", a.cfg.RegistryDir(),
		"specialists", a.reg.Stats(ctx).Total, "mcp", withMCP)

	if withMCP {
		engine, err := a.pipelines()
		if err != nil {
			return err
		}
		s := mcpserver.New(mcpserver.Deps{
			Name:      a.cfg.MCP.Name,
			Registry:  a.reg,
			Ranker:    a.disc,
			Router:    a.router,
			Pipelines: engine,
		}, logger.Component(log, "mcp"))
		return mcpserver.Serve(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
	}

	<-ctx.Done()
	log.Info("chorus shutting down")
	return nil
}

// scheduledTasks returns the built-in tasks implied by the config followed by the
// configured ones. A configured task with the same name replaces a built-in one.
func scheduledTasks(cfg *config.Config) []scheduling.ScheduledTask {
	var builtin []scheduling.ScheduledTask
	if cfg.Health.Enabled {
		builtin = append(builtin, scheduling.ScheduledTask{
			Name:     "health",
			Schedule: cfg.Health.Interval.String(),
			Action:   scheduling.ActionHealthTick,
		})
	}
	if cfg.MDNS.Enabled && cfg.MDNS.ScanInterval > 0 {
		builtin = append(builtin, scheduling.ScheduledTask{
			Name:     "mdns",
			Schedule: cfg.MDNS.ScanInterval.String(),
			Action:   scheduling.ActionMDNSScan,
		})
	}

	var tasks []scheduling.ScheduledTask
	for _, b := range builtin {
		if !slices.ContainsFunc(cfg.Scheduler.Tasks, func(t config.ScheduledTaskConfig) bool { return t.Name == b.Name }) {
			tasks = append(tasks, b)
		}
	}
	for _, t := range cfg.Scheduler.Tasks {
		tasks = append(tasks, scheduling.ScheduledTask{
			Name:     t.Name,
			Schedule: t.Schedule,
			Action:   scheduling.ScheduledAction(t.Action),
			OneShot:  t.OneShot,
		})
	}
	return tasks
}

func mdnsConfig(cfg *config.Config) mdns.Config {
	return mdns.Config{
		Service:     cfg.MDNS.Service,
		Domain:      cfg.MDNS.Domain,
		ScanTimeout: cfg.MDNS.ScanTimeout,
	}
}

func newAnnounceCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "announce <id>",
		Short: "Announce a registered specialist on the local network",
		Long: `Advertise a registered specialist over mDNS so chorus instances on other
machines can discover it. Runs until interrupted. Requires a build with the
mdns tag.`,
		Args: checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sp, err := a.reg.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			d := mdns.NewDiscoverer(mdnsConfig(a.cfg), logger.Component(a.logger, "mdns"))
			fmt.Fprintf(cmd.ErrOrStderr(), "%s announcing %s; press Ctrl-C to stop\n",
				styleInfo.Render(symbolBullet), styleBold.Render(sp.ID))
			return d.Advertise(cmd.Context(), sp)
		},
	}
}

func newScanCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Register specialists announced on the local network",
		Long: `Browse mDNS for one scan window and register every announced specialist
that is not registered yet. Requires a build with the mdns tag.`,
		Args: checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !mdns.Available {
				return domain.NewDomainError("scan", domain.ErrDisabled, "built without the mdns tag")
			}
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			syncer := mdns.NewSyncer(mdns.NewDiscoverer(mdnsConfig(a.cfg), logger.Component(a.logger, "mdns")),
				a.reg, a.bus, logger.Component(a.logger, "mdns"))
			added, err := syncer.Sync(cmd.Context())
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"added": added})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d new specialist(s) registered\n", styleSuccess.Render(symbolSuccess), added)
			return nil
		},
	}
}
