// Package pipeline carries annotated messages along named routes. Each hop reads the
// envelope, appends one annotation and hands it on with Continue; nothing advances on
// its own.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"chorus/internal/domain"
	"chorus/internal/infra/tracer"
	"chorus/internal/usecase/eventbus"
	"chorus/internal/usecase/router"
)

// Resolver maps definition tokens to specialists.
type Resolver interface {
	Resolve(ctx context.Context, token string) (domain.Specialist, error)
}

// Dispatcher delivers a request to a specialist id.
type Dispatcher interface {
	Route(ctx context.Context, token string, req domain.Request, opts router.Options) (*domain.RoutedResponse, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHopTimeout bounds every forward. Zero uses the router default.
func WithHopTimeout(d time.Duration) Option {
	return func(e *Engine) { e.hopTimeout = d }
}

// Engine defines routes and moves pipeline messages between hops.
type Engine struct {
	store      domain.RouteStore
	resolver   Resolver
	dispatch   Dispatcher
	bus        domain.EventBus
	logger     *slog.Logger
	now        func() time.Time
	hopTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an engine. bus may be nil.
func New(store domain.RouteStore, resolver Resolver, dispatch Dispatcher, bus domain.EventBus, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		resolver: resolver,
		dispatch: dispatch,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// DefineRoute resolves every token to a specialist id and stores the route. An empty
// name defaults to the destination id. Redefining a name with the same hops is a no-op.
func (e *Engine) DefineRoute(ctx context.Context, name string, hops []domain.HopSpec, destination, finalPurpose string) (domain.Route, error) {
	const op = "Engine.DefineRoute"
	if strings.TrimSpace(destination) == "" {
		return domain.Route{}, domain.NewSubSystemError("pipeline", op, domain.ErrInvalidInput, "destination is required")
	}

	r := domain.Route{
		Name:     strings.TrimSpace(name),
		Hops:     make([]string, 0, len(hops)),
		Purposes: make([]string, 0, len(hops)+1),
	}
	for _, h := range hops {
		sp, err := e.resolver.Resolve(ctx, h.Token)
		if err != nil {
			return domain.Route{}, err
		}
		r.Hops = append(r.Hops, sp.ID)
		r.Purposes = append(r.Purposes, h.Purpose)
	}
	dest, err := e.resolver.Resolve(ctx, destination)
	if err != nil {
		return domain.Route{}, err
	}
	r.Destination = dest.ID
	r.Purposes = append(r.Purposes, finalPurpose)
	if r.Name == "" {
		r.Name = dest.ID
	}
	if err := r.Validate(); err != nil {
		return domain.Route{}, err
	}

	r.CreatedAt = e.now()
	created, err := e.store.CreateRoute(ctx, r)
	if err != nil {
		return domain.Route{}, domain.WrapOp(op, err)
	}
	if !created {
		// Someone holds the name; only an identical definition is accepted.
		existing, err := e.store.GetRoute(ctx, r.Name)
		if err != nil {
			return domain.Route{}, domain.WrapOp(op, err)
		}
		if existing.SameDefinition(r) {
			return existing, nil
		}
		return domain.Route{}, domain.NewSubSystemError("pipeline", op, domain.ErrDuplicateRoute,
			fmt.Sprintf("%q is already %s", r.Name, FormatRoute(existing)))
	}
	e.logger.Info("route defined", "route", r.Name, "hops", r.Hops, "destination", r.Destination)
	eventbus.Emit(ctx, e.bus, domain.EventPipelineDefined, r.Destination, r)
	return r, nil
}

// GetRoute returns the route named name.
func (e *Engine) GetRoute(ctx context.Context, name string) (domain.Route, error) {
	return e.store.GetRoute(ctx, name)
}

// ListRoutes returns every route, or only those ending at destination when it is set.
func (e *Engine) ListRoutes(ctx context.Context, destination string) ([]domain.Route, error) {
	routes, err := e.store.ListRoutes(ctx)
	if err != nil || destination == "" {
		return routes, err
	}
	return slices.DeleteFunc(routes, func(r domain.Route) bool {
		return !strings.EqualFold(r.Destination, destination)
	}), nil
}

// RemoveRoute deletes a route. Messages already in flight keep their stored state.
func (e *Engine) RemoveRoute(ctx context.Context, name string) error {
	if err := e.store.DeleteRoute(ctx, name); err != nil {
		return err
	}
	e.logger.Info("route removed", "route", name)
	eventbus.Emit(ctx, e.bus, domain.EventPipelineRemoved, "", map[string]string{"route": name})
	return nil
}

// Message returns a stored pipeline message.
func (e *Engine) Message(ctx context.Context, id string) (domain.PipelineMessage, error) {
	return e.store.GetMessage(ctx, id)
}

// Start creates a pipeline message from payload and forwards it to the first hop, or
// straight to the destination for a route without hops. Plain text payloads are
// wrapped; JSON payloads must satisfy PayloadJSONSchema. On a failed forward the
// returned message is still in the created state and nothing is stored.
func (e *Engine) Start(ctx context.Context, routeName, body string) (*domain.PipelineMessage, *domain.RoutedResponse, error) {
	const op = "Engine.Start"
	r, err := e.store.GetRoute(ctx, routeName)
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	msg := domain.PipelineMessage{
		ID:          newMessageID(now),
		Route:       r.Name,
		Destination: r.Destination,
		Position:    -1,
		State:       domain.StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if IsJSON(body) {
		p, err := decodePayload(op, []byte(body))
		if err != nil {
			return nil, nil, err
		}
		msg.Message = p.Message
		msg.Annotations = p.Annotations
		msg.Format = domain.FormatJSON
	} else {
		msg.Message = body
		msg.Annotations = []domain.Annotation{}
		msg.Format = domain.FormatText
	}

	resp, err := e.advance(ctx, r, &msg, 0)
	if err != nil {
		return &msg, nil, err
	}
	return &msg, resp, nil
}

// Continue hands a message on from its current holder. The payload must carry the
// original message unchanged and exactly one annotation more than before. With an id
// the stored message decides the position; without one the position follows the last
// annotation author and a new message record is created.
func (e *Engine) Continue(ctx context.Context, routeName, body string) (*domain.PipelineMessage, *domain.RoutedResponse, error) {
	const op = "Engine.Continue"
	r, err := e.store.GetRoute(ctx, routeName)
	if err != nil {
		return nil, nil, err
	}
	if !IsJSON(body) {
		return nil, nil, payloadError(op, "continue expects a JSON payload", []byte(body))
	}
	p, err := decodePayload(op, []byte(body))
	if err != nil {
		return nil, nil, err
	}

	if p.ID == "" {
		return e.continueByAuthor(ctx, r, p)
	}

	if !e.acquire(p.ID) {
		return nil, nil, domain.NewSubSystemError("pipeline", op, domain.ErrInvalidInput,
			fmt.Sprintf("message %s is already being handed on", p.ID))
	}
	defer e.release(p.ID)

	prev, err := e.store.GetMessage(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	if prev.Route != r.Name {
		return nil, nil, payloadError(op,
			fmt.Sprintf("message %s travels route %q, not %q", prev.ID, prev.Route, r.Name), []byte(body))
	}
	if prev.State == domain.StateDelivered {
		return nil, nil, domain.NewSubSystemError("pipeline", op, domain.ErrAlreadyDelivered, prev.ID)
	}
	if err := checkExtension(op, prev, p, []byte(body)); err != nil {
		return nil, nil, err
	}

	msg := prev.Clone()
	msg.Annotations = p.Annotations
	resp, err := e.advance(ctx, r, &msg, prev.Position+1)
	if err != nil {
		return nil, nil, err
	}
	return &msg, resp, nil
}

func (e *Engine) continueByAuthor(ctx context.Context, r domain.Route, p payload) (*domain.PipelineMessage, *domain.RoutedResponse, error) {
	const op = "Engine.Continue"
	if len(p.Annotations) == 0 {
		return nil, nil, payloadError(op, "payload without id needs at least one annotation", nil)
	}
	author := p.Annotations[len(p.Annotations)-1].Author
	idx := slices.Index(r.Hops, author)
	if idx < 0 {
		return nil, nil, payloadError(op,
			fmt.Sprintf("last annotation author %q is not a hop of route %q", author, r.Name), nil)
	}

	now := e.now()
	msg := domain.PipelineMessage{
		ID:          newMessageID(now),
		Route:       r.Name,
		Destination: r.Destination,
		Message:     p.Message,
		Annotations: p.Annotations,
		Position:    idx,
		Format:      domain.FormatJSON,
		State:       domain.StateAtHop,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	resp, err := e.advance(ctx, r, &msg, idx+1)
	if err != nil {
		return nil, nil, err
	}
	return &msg, resp, nil
}

// checkExtension enforces the append-only contract between two hand-offs.
func checkExtension(op string, prev domain.PipelineMessage, p payload, raw []byte) error {
	if p.Message != prev.Message {
		return payloadError(op, "original message was modified", raw)
	}
	if len(p.Annotations) != len(prev.Annotations)+1 {
		return payloadError(op, fmt.Sprintf("expected %d annotations, got %d",
			len(prev.Annotations)+1, len(p.Annotations)), raw)
	}
	for i, a := range prev.Annotations {
		if !sameAnnotation(a, p.Annotations[i]) {
			return payloadError(op, fmt.Sprintf("annotation %d was modified", i), raw)
		}
	}
	return nil
}

// advance forwards msg to position next and stores it only after the forward succeeded.
func (e *Engine) advance(ctx context.Context, r domain.Route, msg *domain.PipelineMessage, next int) (resp *domain.RoutedResponse, err error) {
	target, purpose := r.Target(next)
	delivering := next >= len(r.Hops)

	ctx, span := tracer.StartSpan(ctx, "pipeline.hop")
	span.SetAttributes(
		attribute.String("pipeline.route", r.Name),
		attribute.String("pipeline.message_id", msg.ID),
		attribute.Int("pipeline.position", next),
		attribute.String("specialist.id", target),
	)
	defer func() { tracer.End(span, err) }()

	content, err := e.render(r, *msg, purpose, delivering)
	if err != nil {
		return nil, err
	}
	resp, err = e.dispatch.Route(ctx, target, domain.NewChatRequest(content),
		router.Options{Timeout: e.hopTimeout, NoSubstitute: true})
	if err != nil {
		e.logger.Warn("pipeline hop failed", "route", r.Name, "message_id", msg.ID,
			"specialist_id", target, "error", err)
		return nil, err
	}

	msg.Position = next
	msg.UpdatedAt = e.now()
	msg.State = domain.StateAtHop
	if delivering {
		msg.Position = len(r.Hops)
		msg.State = domain.StateDelivered
	}
	if err := e.store.SaveMessage(ctx, *msg); err != nil {
		return nil, domain.WrapOp("Engine.advance", err)
	}

	evt := domain.EventPipelineAdvanced
	if delivering {
		evt = domain.EventPipelineDelivered
	}
	e.logger.Info("pipeline message forwarded", "route", r.Name, "message_id", msg.ID,
		"specialist_id", target, "position", msg.Position, "state", msg.State)
	eventbus.Emit(ctx, e.bus, evt, target, map[string]any{
		"route":    r.Name,
		"id":       msg.ID,
		"position": msg.Position,
	})
	return resp, nil
}

// render builds the chat content for the next holder. Hops always get the JSON
// envelope; the destination of a text pipeline gets plain text.
func (e *Engine) render(r domain.Route, msg domain.PipelineMessage, purpose string, delivering bool) (string, error) {
	if delivering && msg.Format == domain.FormatText {
		return renderText(r, msg, purpose), nil
	}
	env := domain.Envelope{
		ID:          msg.ID,
		Name:        r.Name,
		Dest:        r.Destination,
		Purpose:     purpose,
		Message:     msg.Message,
		Annotations: msg.Annotations,
	}
	if env.Annotations == nil {
		env.Annotations = []domain.Annotation{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(data), nil
}

func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

func newMessageID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
