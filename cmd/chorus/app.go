package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chorus/internal/adapter/conn"
	"chorus/internal/adapter/routestore"
	"chorus/internal/domain"
	"chorus/internal/infra/config"
	"chorus/internal/infra/logger"
	"chorus/internal/usecase/discovery"
	"chorus/internal/usecase/eventbus"
	"chorus/internal/usecase/health"
	"chorus/internal/usecase/pipeline"
	"chorus/internal/usecase/registry"
	"chorus/internal/usecase/router"
)

// app holds the components one command invocation works with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *eventbus.Bus
	reg     *registry.Registry
	disc    *discovery.Service
	clients *conn.Factory
	monitor *health.Monitor
	router  *router.Router

	engine *pipeline.Engine
	routes domain.RouteStore

	closers []func() error
}

// loadConfig reads the config file, wrapping failures with ErrConfigLoad.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	return cfg, nil
}

// newApp builds the registry, discovery, clients, health monitor and router from
// cfg. The monitor is constructed but not started.
func newApp(ctx context.Context, cfg *config.Config, busOpts ...eventbus.Option) (*app, error) {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("%w: logger: %w", domain.ErrConfigLoad, err)
	}
	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, closeLog)

	a.bus = eventbus.New(logger.Component(log, "eventbus"), busOpts...)
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	store, err := registry.NewFileStore(cfg.RegistryDir(), logger.Component(log, "registry"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.reg, err = registry.Open(ctx, store, a.bus, logger.Component(log, "registry"))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.disc = discovery.New(a.reg, a.bus, discovery.Config{
		CacheTTL:       cfg.Discovery.CacheTTL,
		CacheSize:      cfg.Discovery.CacheSize,
		MaxSuggestions: cfg.Discovery.MaxSuggestions,
	}, logger.Component(log, "discovery"))
	a.closers = append(a.closers, func() error { a.disc.Close(); return nil })

	a.clients = conn.NewFactory(conn.Options{
		Timeout:        cfg.Client.Timeout,
		ConnectTimeout: cfg.Client.ConnectTimeout,
		MaxLineBytes:   cfg.Client.MaxLineBytes,
	}, conn.BreakerConfig{
		Enabled:     cfg.Client.CircuitBreaker.Enabled,
		MaxFailures: uint32(max(cfg.Client.CircuitBreaker.MaxFailures, 0)),
		Timeout:     cfg.Client.CircuitBreaker.Timeout,
		Interval:    cfg.Client.CircuitBreaker.Interval,
	}, logger.Component(log, "conn"))
	a.bus.Subscribe(domain.EventSpecialistDeregistered, func(_ context.Context, e domain.Event) {
		a.clients.Forget(e.SpecialistID)
	})

	a.monitor = health.NewMonitor(a.reg, a.clients, a.recoverer(), a.bus, health.Config{
		Interval:        cfg.Health.Interval,
		IdleAfter:       cfg.Health.IdleAfter,
		ProbeTimeout:    cfg.Health.ProbeTimeout,
		ProbesPerSecond: cfg.Health.ProbesPerSecond,
	}, logger.Component(log, "health"))
	a.closers = append(a.closers, func() error { a.monitor.Stop(); return nil })

	a.router = router.New(a.disc, a.clients, a.reg, a.monitor, a.bus, cfg.Router.Timeout, logger.Component(log, "router"))
	return a, nil
}

// recoverer chains the configured recovery hooks: orchestrator activation for HTTP
// specialists, then per-specialist restart commands.
func (a *app) recoverer() health.Recoverer {
	var chain health.ChainRecoverer
	if a.cfg.Health.Recovery.HTTPActivate {
		chain = append(chain, health.NewHTTPActivateRecoverer(a.clients, logger.Component(a.logger, "recovery")))
	}
	if len(a.cfg.Health.Recovery.Commands) > 0 {
		chain = append(chain, health.NewCommandRecoverer(a.cfg.Health.Recovery.Commands,
			a.cfg.Health.Recovery.Timeout, logger.Component(a.logger, "recovery")))
	}
	if len(chain) == 0 {
		return health.NoopRecoverer{}
	}
	return chain
}

// pipelines opens the route store and builds the pipeline engine on first use.
func (a *app) pipelines() (*pipeline.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	switch a.cfg.Pipeline.Store {
	case "sqlite":
		st, err := routestore.Open(a.cfg.RoutesPath())
		if err != nil {
			return nil, err
		}
		a.routes = st
		a.closers = append(a.closers, st.Close)
	default:
		a.routes = pipeline.NewMemoryStore()
	}
	a.engine = pipeline.New(a.routes, a.disc, a.router, a.bus, logger.Component(a.logger, "pipeline"),
		pipeline.WithHopTimeout(a.cfg.Router.Timeout))
	return a.engine, nil
}

// seedSpecialists registers the specialists listed in the config. Records that are
// already registered with the same connection are left as they are.
func (a *app) seedSpecialists(ctx context.Context) error {
	var errs []error
	for _, sc := range a.cfg.Specialists {
		sp, err := specialistFromConfig(sc)
		if err == nil {
			err = a.reg.Register(ctx, sp)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("seed %s: %w", sc.ID, err))
		}
	}
	return errors.Join(errs...)
}

// specialistFromConfig converts a seed entry into a registry record.
func specialistFromConfig(sc config.SpecialistConfig) (domain.Specialist, error) {
	sp := domain.Specialist{
		ID:           sc.ID,
		Name:         sc.Name,
		Component:    sc.Component,
		Roles:        sc.Roles,
		Capabilities: sc.Capabilities,
		Model:        sc.Model,
		Metadata:     sc.Metadata,
	}
	if sp.Name == "" {
		sp.Name = sp.ID
	}
	switch {
	case sc.Socket != "" && sc.URL != "":
		return domain.Specialist{}, domain.NewDomainError("specialistFromConfig", domain.ErrInvalidInput,
			fmt.Sprintf("%s: set socket or url, not both", sc.ID))
	case sc.URL != "":
		sp.ConnectionKind = domain.ConnectionHTTP
		sp.Connection = domain.ConnectionInfo{BaseURL: sc.URL}
	default:
		info, err := domain.ParseSocketAddress(sc.Socket)
		if err != nil {
			return domain.Specialist{}, err
		}
		sp.ConnectionKind = domain.ConnectionSocket
		sp.Connection = info
	}
	return sp, sp.Validate()
}

// Close releases everything the app opened, last opened first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
