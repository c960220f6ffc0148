// Package router delivers a request to the specialist a token names, substituting a
// healthy specialist with the same primary role when the named one is unhealthy.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"chorus/internal/domain"
	"chorus/internal/infra/tracer"
	"chorus/internal/usecase/eventbus"
)

// DefaultTimeout bounds a routed call when neither the caller nor the config sets one.
const DefaultTimeout = 30 * time.Second

// Interactions receives performance samples for routed calls.
type Interactions interface {
	RecordInteraction(ctx context.Context, id string, sample domain.PerformanceSample) error
}

// ClientProvider returns the connection client for a specialist.
type ClientProvider interface {
	ClientFor(sp domain.Specialist) (domain.SpecialistClient, error)
}

// Options tunes a single Route call.
type Options struct {
	// Timeout overrides the router default for this call.
	Timeout time.Duration
	// NoSubstitute sends to the resolved specialist even when it is unhealthy.
	NoSubstitute bool
}

// Router resolves tokens and sends requests. It holds no per-call state, so
// concurrent calls proceed independently.
type Router struct {
	resolver domain.SpecialistResolver
	clients  ClientProvider
	stats    Interactions
	monitor  domain.SuspectMarker
	bus      domain.EventBus
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a router. monitor and bus may be nil.
func New(resolver domain.SpecialistResolver, clients ClientProvider, stats Interactions,
	monitor domain.SuspectMarker, bus domain.EventBus, timeout time.Duration, logger *slog.Logger) *Router {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Router{
		resolver: resolver,
		clients:  clients,
		stats:    stats,
		monitor:  monitor,
		bus:      bus,
		timeout:  timeout,
		logger:   logger,
	}
}

// Route resolves token and sends req to the resulting specialist. A NotFoundError from
// resolution is returned unchanged; client errors propagate unmodified.
func (r *Router) Route(ctx context.Context, token string, req domain.Request, opts Options) (resp *domain.RoutedResponse, err error) {
	ctx, span := tracer.StartSpan(ctx, "router.route")
	span.SetAttributes(attribute.String("route.token", token))
	defer func() { tracer.End(span, err) }()

	target, err := r.resolver.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	var sub *domain.Substitution
	if target.Status != domain.StatusHealthy && !opts.NoSubstitute {
		if role := target.PrimaryRole(); role != "" {
			alt, aerr := r.resolver.FindBestForRole(ctx, role)
			if aerr == nil && alt.ID != target.ID {
				sub = &domain.Substitution{Substituted: true, Original: token, Used: alt.ID}
				r.logger.Info("substituting specialist",
					"token", token, "original", target.ID, "used", alt.ID, "role", role)
				eventbus.Emit(ctx, r.bus, domain.EventRouteSubstituted, alt.ID, sub)
				target = alt
			}
		}
	}
	span.SetAttributes(
		attribute.String("specialist.id", target.ID),
		attribute.Bool("route.substituted", sub != nil),
	)

	out, err := r.send(ctx, target, req, opts)
	if err != nil {
		return nil, err
	}
	eventbus.Emit(ctx, r.bus, domain.EventRouteDispatched, target.ID, map[string]any{
		"token":   token,
		"elapsed": out.Elapsed.Seconds(),
	})
	return &domain.RoutedResponse{Response: *out, SpecialistID: target.ID, Substitution: sub}, nil
}

// Send delivers req to sp directly, without resolution or substitution.
func (r *Router) Send(ctx context.Context, sp domain.Specialist, req domain.Request, opts Options) (*domain.Response, error) {
	return r.send(ctx, sp, req, opts)
}

func (r *Router) send(ctx context.Context, sp domain.Specialist, req domain.Request, opts Options) (*domain.Response, error) {
	client, err := r.clients.ClientFor(sp)
	if err != nil {
		return nil, err
	}

	timeout := r.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Send(callCtx, req)
	elapsed := time.Since(start)
	if resp != nil && resp.Elapsed > 0 {
		elapsed = resp.Elapsed
	}

	sample := domain.PerformanceSample{Elapsed: elapsed, Success: err == nil}
	if rerr := r.stats.RecordInteraction(ctx, sp.ID, sample); rerr != nil {
		r.logger.Warn("record interaction failed", "specialist_id", sp.ID, "error", rerr)
	}

	if err != nil {
		if errors.Is(err, domain.ErrTimeout) && r.monitor != nil {
			r.monitor.MarkSuspect(sp.ID)
		}
		r.logger.Warn("specialist call failed", "specialist_id", sp.ID, "elapsed", elapsed, "error", err)
		return nil, err
	}
	if r.monitor != nil {
		r.monitor.NoteActivity(sp.ID, time.Now())
	}
	return resp, nil
}
