// Package registry owns the lifecycle of specialist records. All mutation goes
// through Registry; callers only ever receive copies.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"chorus/internal/domain"
	"chorus/internal/usecase/eventbus"
)

// Registry is the single shared store of specialist records. It is safe for
// concurrent use; every write is persisted before it becomes visible.
type Registry struct {
	mu          sync.RWMutex
	specialists map[string]*domain.Specialist
	store       Store
	bus         domain.EventBus
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry over store. bus may be nil. Call Reload to load existing
// records.
func New(store Store, bus domain.EventBus, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		specialists: make(map[string]*domain.Specialist),
		store:       store,
		bus:         bus,
		logger:      logger,
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open creates a registry and loads the records already in store.
func Open(ctx context.Context, store Store, bus domain.EventBus, logger *slog.Logger, opts ...Option) (*Registry, error) {
	r := New(store, bus, logger, opts...)
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds a specialist. Re-registering an id with the same connection is
// idempotent: descriptive fields are refreshed and status and performance kept.
// A different connection for an existing id is rejected.
func (r *Registry) Register(ctx context.Context, rec domain.Specialist) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	var refreshed bool
	var rejected error
	next, err := r.store.Update(ctx, rec.ID, func(cur domain.Specialist, found bool) (domain.Specialist, error) {
		var next domain.Specialist
		switch {
		case found && !cur.SameConnection(rec):
			rejected = domain.NewSubSystemError("registry", "Registry.Register", domain.ErrDuplicateID,
				rec.ID+" is at "+cur.Connection.String())
			return cur, rejected
		case found:
			refreshed = true
			next = cur.Clone()
			next.Name = rec.Name
			next.Component = rec.Component
			next.Roles = slices.Clone(rec.Roles)
			next.Capabilities = slices.Clone(rec.Capabilities)
			next.Model = rec.Model
			next.Metadata = maps.Clone(rec.Metadata)
		default:
			next = rec.Clone()
			next.Status = domain.StatusUnknown
			next.RegisteredAt = r.now()
			if next.Performance.TotalRequests == 0 {
				next.Performance = domain.NewPerformance()
			}
		}
		if next.Name == "" {
			next.Name = next.ID
		}
		return next, nil
	})
	if err != nil {
		r.mu.Unlock()
		if rejected != nil {
			return rejected
		}
		return domain.WrapOp("Registry.Register", err)
	}
	r.specialists[next.ID] = &next
	r.mu.Unlock()

	eventbus.Emit(ctx, r.bus, domain.EventSpecialistRegistered, rec.ID, map[string]string{
		"connection": rec.Connection.String(),
		"kind":       string(rec.ConnectionKind),
	})
	r.logger.Info("specialist registered", "specialist_id", rec.ID, "connection", rec.Connection.String(), "refreshed", refreshed)
	return nil
}

// Deregister removes a specialist. Unknown ids are ignored.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.specialists[id]; !ok {
		r.mu.Unlock()
		return nil
	}
	if err := r.store.Delete(ctx, id); err != nil {
		r.mu.Unlock()
		return domain.WrapOp("Registry.Deregister", err)
	}
	delete(r.specialists, id)
	r.mu.Unlock()

	eventbus.Emit(ctx, r.bus, domain.EventSpecialistDeregistered, id, nil)
	r.logger.Info("specialist deregistered", "specialist_id", id)
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(_ context.Context, id string) (domain.Specialist, error) {
	r.mu.RLock()
	s, ok := r.specialists[id]
	var out domain.Specialist
	if ok {
		out = s.Clone()
	}
	r.mu.RUnlock()

	if !ok {
		return domain.Specialist{}, domain.NewSubSystemError("registry", "Registry.Get", domain.ErrNotFound, id)
	}
	return out, nil
}

// List returns copies of the records matching filter, ordered by id.
func (r *Registry) List(_ context.Context, filter domain.SpecialistFilter) []domain.Specialist {
	r.mu.RLock()
	out := make([]domain.Specialist, 0, len(r.specialists))
	for _, s := range r.specialists {
		if filter.Match(*s) {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateStatus records a probe outcome. The transition is checked against the
// stored record, not the in-memory copy, so a stale process cannot roll back a
// status another process wrote. An unknown id is logged and ignored since the
// specialist may have been deregistered while the probe was in flight.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status domain.SpecialistStatus, sample *domain.PerformanceSample) error {
	r.mu.Lock()
	var prev domain.SpecialistStatus
	var rejected error
	next, err := r.store.Update(ctx, id, func(cur domain.Specialist, found bool) (domain.Specialist, error) {
		if !found {
			rejected = errGone
			return cur, rejected
		}
		prev = cur.Status
		if prev == "" {
			prev = domain.StatusUnknown
		}
		if !domain.CanTransition(prev, status) {
			rejected = domain.NewSubSystemError("registry", "Registry.UpdateStatus", domain.ErrInvalidStatus,
				string(prev)+" -> "+string(status))
			return cur, rejected
		}
		cur.Status = status
		if sample != nil {
			cur.Performance.Record(*sample)
		}
		return cur, nil
	})
	if err != nil {
		r.forgetIfGone(id, rejected)
		r.mu.Unlock()
		switch {
		case rejected == errGone:
			r.logger.Warn("status update for unknown specialist", "specialist_id", id, "status", string(status))
			return nil
		case rejected != nil:
			return rejected
		}
		return domain.WrapOp("Registry.UpdateStatus", err)
	}
	r.specialists[id] = &next
	r.mu.Unlock()

	if prev != status {
		eventbus.Emit(ctx, r.bus, domain.EventSpecialistStatusChanged, id, map[string]string{
			"from": string(prev),
			"to":   string(status),
		})
		r.logger.Info("specialist status changed", "specialist_id", id, "from", string(prev), "to", string(status))
	}
	return nil
}

// RecordInteraction folds one call outcome into the performance statistics and
// stamps last_spoke_at on success. Only those fields are written; everything else
// comes from the stored record. Unknown ids are ignored.
func (r *Registry) RecordInteraction(ctx context.Context, id string, sample domain.PerformanceSample) error {
	r.mu.Lock()
	var rejected error
	next, err := r.store.Update(ctx, id, func(cur domain.Specialist, found bool) (domain.Specialist, error) {
		if !found {
			rejected = errGone
			return cur, rejected
		}
		cur.Performance.Record(sample)
		if sample.Success {
			cur.LastSpokeAt = r.now()
		}
		return cur, nil
	})
	if err != nil {
		r.forgetIfGone(id, rejected)
		r.mu.Unlock()
		if rejected == errGone {
			r.logger.Debug("interaction for unknown specialist", "specialist_id", id)
			return nil
		}
		return domain.WrapOp("Registry.RecordInteraction", err)
	}
	r.specialists[id] = &next
	r.mu.Unlock()
	return nil
}

// errGone marks an update for an id the store no longer holds.
var errGone = errors.New("record gone")

// forgetIfGone drops id from the in-memory view when the store no longer has it.
// Callers hold r.mu.
func (r *Registry) forgetIfGone(id string, rejected error) {
	if rejected == errGone {
		delete(r.specialists, id)
	}
}

// Reload replaces the in-memory view with the store contents. Added or re-pointed
// specialists publish a registered event and vanished ones a deregistered event.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	recs, err := r.store.Load(ctx)
	if err != nil {
		r.mu.Unlock()
		return domain.WrapOp("Registry.Reload", err)
	}

	next := make(map[string]*domain.Specialist, len(recs))
	var added, removed []string
	for i := range recs {
		rec := recs[i]
		if rec.Status == "" {
			rec.Status = domain.StatusUnknown
		}
		if old, ok := r.specialists[rec.ID]; !ok || !old.SameConnection(rec) {
			added = append(added, rec.ID)
		}
		next[rec.ID] = &rec
	}
	for id := range r.specialists {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	r.specialists = next
	r.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	for _, id := range added {
		eventbus.Emit(ctx, r.bus, domain.EventSpecialistRegistered, id, map[string]string{"source": "reload"})
	}
	for _, id := range removed {
		eventbus.Emit(ctx, r.bus, domain.EventSpecialistDeregistered, id, map[string]string{"source": "reload"})
	}
	if len(added)+len(removed) > 0 {
		r.logger.Info("registry reloaded", "specialists", len(recs), "added", len(added), "removed", len(removed))
	}
	return nil
}

// Stats summarizes the registry.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByKind   map[string]int `json:"by_kind"`
	ByRole   map[string]int `json:"by_role"`
}

// Stats counts specialists by status, connection kind and role.
func (r *Registry) Stats(_ context.Context) Stats {
	st := Stats{
		ByStatus: make(map[string]int),
		ByKind:   make(map[string]int),
		ByRole:   make(map[string]int),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.specialists {
		st.Total++
		st.ByStatus[string(s.Status)]++
		st.ByKind[string(s.ConnectionKind)]++
		for _, role := range s.Roles {
			st.ByRole[role]++
		}
	}
	return st
}

var _ domain.SpecialistRegistry = (*Registry)(nil)
