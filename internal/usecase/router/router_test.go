package router_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/adapter/conn"
	"chorus/internal/domain"
	"chorus/internal/usecase/discovery"
	"chorus/internal/usecase/eventbus"
	"chorus/internal/usecase/registry"
	"chorus/internal/usecase/router"
	"chorus/pkg/specialistsdk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type suspects struct {
	mu       sync.Mutex
	suspect  []string
	activity []string
}

func (s *suspects) MarkSuspect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspect = append(s.suspect, id)
}

func (s *suspects) NoteActivity(id string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, id)
}

type fixture struct {
	reg      *registry.Registry
	router   *router.Router
	suspects *suspects
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New(testLogger(), eventbus.WithSynchronousDispatch())
	reg := registry.New(registry.NewMemoryStore(), bus, testLogger())
	disc := discovery.New(reg, bus, discovery.Config{}, testLogger())
	t.Cleanup(disc.Close)
	factory := conn.NewFactory(conn.Options{}, conn.BreakerConfig{}, testLogger())
	s := &suspects{}
	r := router.New(disc, factory, reg, s, bus, 2*time.Second, testLogger())
	return &fixture{reg: reg, router: r, suspects: s}
}

// addSpecialist starts a socket specialist replying "<id>: <content>" and registers it.
func (f *fixture) addSpecialist(t *testing.T, id string, status domain.SpecialistStatus, roles ...string) {
	t.Helper()
	sp := specialistsdk.New(id, id,
		specialistsdk.WithLogger(testLogger()),
		specialistsdk.WithRoles(roles...),
		specialistsdk.WithChatHandler(func(_ context.Context, req domain.Request) (*domain.Response, error) {
			return &domain.Response{Content: id + ": " + req.Content}, nil
		}),
	)
	require.NoError(t, sp.Start(context.Background()))
	t.Cleanup(func() { sp.Stop() })
	require.NoError(t, sp.Register(context.Background(), f.reg))
	if status != domain.StatusUnknown {
		require.NoError(t, f.reg.UpdateStatus(context.Background(), id, status, nil))
	}
}

func (f *fixture) addSilent(t *testing.T, id string, status domain.SpecialistStatus, roles ...string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(io.Discard, c)
			}()
		}
	}()
	info, err := domain.ParseSocketAddress(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, f.reg.Register(context.Background(), domain.Specialist{
		ID: id, Roles: roles, ConnectionKind: domain.ConnectionSocket, Connection: info,
	}))
	require.NoError(t, f.reg.UpdateStatus(context.Background(), id, status, nil))
}

func TestRouteHealthy(t *testing.T) {
	f := newFixture(t)
	f.addSpecialist(t, "apollo-ai", domain.StatusHealthy, "planning")

	resp, err := f.router.Route(context.Background(), "apollo", domain.NewChatRequest("plan it"), router.Options{})
	require.NoError(t, err)
	assert.Equal(t, "apollo-ai: plan it", resp.Content)
	assert.Equal(t, "apollo-ai", resp.SpecialistID)
	assert.Nil(t, resp.Substitution)

	sp, err := f.reg.Get(context.Background(), "apollo-ai")
	require.NoError(t, err)
	assert.Equal(t, 1, sp.Performance.TotalRequests)
	assert.False(t, sp.LastSpokeAt.IsZero())
	assert.Equal(t, []string{"apollo-ai"}, f.suspects.activity)
}

func TestRouteByRole(t *testing.T) {
	f := newFixture(t)
	f.addSpecialist(t, "apollo-ai", domain.StatusHealthy, "planning")
	f.addSpecialist(t, "athena-ai", domain.StatusHealthy, "knowledge")

	resp, err := f.router.Route(context.Background(), "@knowledge", domain.NewChatRequest("q"), router.Options{})
	require.NoError(t, err)
	assert.Equal(t, "athena-ai", resp.SpecialistID)
}

func TestRouteSubstitutesUnhealthy(t *testing.T) {
	f := newFixture(t)
	f.addSpecialist(t, "apollo-ai", domain.StatusUnhealthy, "planning")
	f.addSpecialist(t, "prometheus-ai", domain.StatusHealthy, "planning")

	resp, err := f.router.Route(context.Background(), "apollo-ai", domain.NewChatRequest("x"), router.Options{})
	require.NoError(t, err)
	assert.Equal(t, "prometheus-ai", resp.SpecialistID)
	assert.Equal(t, "prometheus-ai: x", resp.Content)
	require.NotNil(t, resp.Substitution)
	assert.Equal(t, domain.Substitution{Substituted: true, Original: "apollo-ai", Used: "prometheus-ai"}, *resp.Substitution)
}

func TestRouteNoSubstituteTriesOriginal(t *testing.T) {
	f := newFixture(t)
	f.addSpecialist(t, "apollo-ai", domain.StatusUnhealthy, "planning")

	resp, err := f.router.Route(context.Background(), "apollo-ai", domain.NewChatRequest("x"), router.Options{})
	require.NoError(t, err)
	assert.Equal(t, "apollo-ai", resp.SpecialistID)
	assert.Nil(t, resp.Substitution)
}

func TestRouteUnknownStatusSubstitutes(t *testing.T) {
	f := newFixture(t)
	f.addSpecialist(t, "apollo-ai", domain.StatusUnknown, "planning")
	f.addSpecialist(t, "prometheus-ai", domain.StatusHealthy, "planning")

	resp, err := f.router.Route(context.Background(), "apollo-ai", domain.NewChatRequest("x"), router.Options{})
	require.NoError(t, err)
	assert.Equal(t, "prometheus-ai", resp.SpecialistID)

	resp, err = f.router.Route(context.Background(), "apollo-ai", domain.NewChatRequest("x"), router.Options{NoSubstitute: true})
	require.NoError(t, err)
	assert.Equal(t, "apollo-ai", resp.SpecialistID)
}

func TestRouteNotFoundUnchanged(t *testing.T) {
	f := newFixture(t)
	f.addSpecialist(t, "apollo-ai", domain.StatusHealthy, "planning")

	_, err := f.router.Route(context.Background(), "zeus", domain.NewChatRequest("x"), router.Options{})
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "zeus", nf.Token)
	assert.NotEmpty(t, nf.Suggestions)
	assert.Equal(t, domain.ExitNotFound, domain.ExitCodeOf(err))
}

func TestRouteTimeoutMarksSuspect(t *testing.T) {
	f := newFixture(t)
	f.addSilent(t, "hermes-ai", domain.StatusHealthy, "messaging")

	start := time.Now()
	_, err := f.router.Route(context.Background(), "hermes-ai", domain.NewChatRequest("x"),
		router.Options{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var ce *domain.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.CallTimeout, ce.Kind)
	assert.Equal(t, "hermes-ai", ce.SpecialistID)
	assert.Equal(t, []string{"hermes-ai"}, f.suspects.suspect)

	sp, err := f.reg.Get(context.Background(), "hermes-ai")
	require.NoError(t, err)
	assert.Equal(t, 1, sp.Performance.FailedRequests)
	assert.InDelta(t, 0.0, sp.Performance.SuccessRate, 1e-9)
}

func TestRouteConcurrent(t *testing.T) {
	f := newFixture(t)
	f.addSpecialist(t, "apollo-ai", domain.StatusHealthy, "planning")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.router.Route(context.Background(), "@planning", domain.NewChatRequest("x"), router.Options{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	sp, err := f.reg.Get(context.Background(), "apollo-ai")
	require.NoError(t, err)
	assert.Equal(t, 20, sp.Performance.TotalRequests)
}
