package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/domain"
	"chorus/internal/usecase/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func socketSpec(id string, port int, roles ...string) domain.Specialist {
	return domain.Specialist{
		ID:             id,
		Name:           id,
		Roles:          roles,
		ConnectionKind: domain.ConnectionSocket,
		Connection:     domain.ConnectionInfo{Host: "localhost", Port: port},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(_ context.Context, e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	bus := eventbus.New(testLogger(), eventbus.WithSynchronousDispatch())
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(NewMemoryStore(), bus, testLogger(), WithClock(func() time.Time { return fixed })), rec
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	r, events := newTestRegistry(t)

	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007, "planning")))

	got, err := r.Get(ctx, "apollo-ai")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnknown, got.Status)
	assert.Equal(t, 1.0, got.Performance.SuccessRate)
	assert.False(t, got.RegisteredAt.IsZero())
	assert.Equal(t, []domain.EventType{domain.EventSpecialistRegistered}, events.types())
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007, "planning")))

	got, _ := r.Get(ctx, "apollo-ai")
	got.Roles[0] = "mutated"
	got.Status = domain.StatusHealthy

	again, _ := r.Get(ctx, "apollo-ai")
	assert.Equal(t, "planning", again.Roles[0])
	assert.Equal(t, domain.StatusUnknown, again.Status)
}

func TestGetNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeSpecialistNotFound, domain.ErrorCodeOf(err))
}

func TestRegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007, "planning")))
	require.NoError(t, r.UpdateStatus(ctx, "apollo-ai", domain.StatusHealthy, nil))

	again := socketSpec("apollo-ai", 45007, "planning", "code-analysis")
	require.NoError(t, r.Register(ctx, again))

	all := r.List(ctx, domain.SpecialistFilter{})
	require.Len(t, all, 1)
	assert.Equal(t, []string{"planning", "code-analysis"}, all[0].Roles)
	assert.Equal(t, domain.StatusHealthy, all[0].Status, "re-registration keeps the observed status")
}

func TestRegisterDuplicateID(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007)))

	err := r.Register(ctx, socketSpec("apollo-ai", 45008))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateID)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	assert.Equal(t, domain.ExitMalformed, domain.ExitCodeOf(err))

	got, _ := r.Get(ctx, "apollo-ai")
	assert.Equal(t, 45007, got.Connection.Port)
}

func TestRegisterInvalid(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Register(context.Background(), domain.Specialist{ID: "x", ConnectionKind: domain.ConnectionSocket})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRegisterStoreFailureLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.FailSave = errors.New("disk full")
	r := New(store, nil, testLogger())

	err := r.Register(ctx, socketSpec("apollo-ai", 45007))
	require.Error(t, err)
	_, err = r.Get(ctx, "apollo-ai")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeregister(t *testing.T) {
	ctx := context.Background()
	r, events := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007)))

	require.NoError(t, r.Deregister(ctx, "apollo-ai"))
	require.NoError(t, r.Deregister(ctx, "apollo-ai"), "absent id is a no-op")

	assert.Empty(t, r.List(ctx, domain.SpecialistFilter{}))
	assert.Equal(t, []domain.EventType{
		domain.EventSpecialistRegistered,
		domain.EventSpecialistDeregistered,
	}, events.types())
}

func TestListFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	athena := socketSpec("athena-ai", 45012, "knowledge")
	athena.Capabilities = []string{"graph"}
	require.NoError(t, r.Register(ctx, socketSpec("numa-ai", 45016, "planning")))
	require.NoError(t, r.Register(ctx, athena))
	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007, "planning")))
	require.NoError(t, r.UpdateStatus(ctx, "numa-ai", domain.StatusHealthy, nil))

	all := r.List(ctx, domain.SpecialistFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "apollo-ai", all[0].ID)
	assert.Equal(t, "athena-ai", all[1].ID)
	assert.Equal(t, "numa-ai", all[2].ID)

	planning := r.List(ctx, domain.SpecialistFilter{Role: "planning"})
	assert.Len(t, planning, 2)

	healthy := r.List(ctx, domain.SpecialistFilter{Role: "planning", Status: domain.StatusHealthy})
	require.Len(t, healthy, 1)
	assert.Equal(t, "numa-ai", healthy[0].ID)

	graph := r.List(ctx, domain.SpecialistFilter{Capability: "GRAPH"})
	require.Len(t, graph, 1)
	assert.Equal(t, "athena-ai", graph[0].ID)
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	r, events := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007)))

	sample := &domain.PerformanceSample{Elapsed: 200 * time.Millisecond, Success: true}
	require.NoError(t, r.UpdateStatus(ctx, "apollo-ai", domain.StatusHealthy, sample))
	require.NoError(t, r.UpdateStatus(ctx, "apollo-ai", domain.StatusHealthy, nil))
	require.NoError(t, r.UpdateStatus(ctx, "apollo-ai", domain.StatusUnhealthy,
		&domain.PerformanceSample{Elapsed: time.Second}))

	got, _ := r.Get(ctx, "apollo-ai")
	assert.Equal(t, domain.StatusUnhealthy, got.Status)
	assert.Equal(t, 2, got.Performance.TotalRequests)
	assert.Equal(t, 1, got.Performance.FailedRequests)
	assert.InDelta(t, 0.5, got.Performance.SuccessRate, 1e-9)
	assert.InDelta(t, 0.2, got.Performance.AvgResponseTime, 1e-9)

	changes := 0
	for _, typ := range events.types() {
		if typ == domain.EventSpecialistStatusChanged {
			changes++
		}
	}
	assert.Equal(t, 2, changes, "only real transitions publish")
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007)))
	require.NoError(t, r.UpdateStatus(ctx, "apollo-ai", domain.StatusHealthy, nil))

	err := r.UpdateStatus(ctx, "apollo-ai", domain.StatusUnknown, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUpdateStatusUnknownIDIsSilent(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.NoError(t, r.UpdateStatus(context.Background(), "ghost", domain.StatusHealthy, nil))
}

func TestRecordInteraction(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007)))

	require.NoError(t, r.RecordInteraction(ctx, "apollo-ai", domain.PerformanceSample{Elapsed: 100 * time.Millisecond, Success: true}))
	require.NoError(t, r.RecordInteraction(ctx, "apollo-ai", domain.PerformanceSample{Elapsed: time.Second}))
	require.NoError(t, r.RecordInteraction(ctx, "ghost", domain.PerformanceSample{Success: true}))

	got, _ := r.Get(ctx, "apollo-ai")
	assert.Equal(t, 2, got.Performance.TotalRequests)
	assert.False(t, got.LastSpokeAt.IsZero())
	assert.Equal(t, domain.StatusUnknown, got.Status, "interactions never change status")
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007, "planning")))
	require.NoError(t, r.Register(ctx, domain.Specialist{
		ID:             "rhetor-orchestrator",
		Roles:          []string{"orchestration", "planning"},
		ConnectionKind: domain.ConnectionHTTP,
		Connection:     domain.ConnectionInfo{BaseURL: "http://localhost:8003"},
	}))
	require.NoError(t, r.UpdateStatus(ctx, "apollo-ai", domain.StatusHealthy, nil))

	st := r.Stats(ctx)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByStatus["healthy"])
	assert.Equal(t, 1, st.ByStatus["unknown"])
	assert.Equal(t, 1, st.ByKind["http"])
	assert.Equal(t, 2, st.ByRole["planning"])
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	r := New(NewMemoryStore(), nil, testLogger())
	require.NoError(t, r.Register(ctx, socketSpec("apollo-ai", 45007, "planning")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_ = r.RecordInteraction(ctx, "apollo-ai", domain.PerformanceSample{Elapsed: time.Millisecond, Success: true})
		}()
		go func() {
			defer wg.Done()
			_ = r.UpdateStatus(ctx, "apollo-ai", domain.StatusHealthy, nil)
		}()
		go func() {
			defer wg.Done()
			_ = r.List(ctx, domain.SpecialistFilter{Role: "planning"})
		}()
	}
	wg.Wait()

	got, err := r.Get(ctx, "apollo-ai")
	require.NoError(t, err)
	assert.Equal(t, 8, got.Performance.TotalRequests)
}
