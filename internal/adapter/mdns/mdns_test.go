package mdns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/domain"
	"chorus/internal/usecase/eventbus"
	"chorus/internal/usecase/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTXTRoundTrip(t *testing.T) {
	sp := domain.Specialist{
		ID:             "apollo-ai",
		Name:           "apollo",
		Component:      "apollo",
		Model:          "llama3",
		Roles:          []string{"planning", "prediction"},
		Capabilities:   []string{"forecast"},
		ConnectionKind: domain.ConnectionSocket,
		Connection:     domain.ConnectionInfo{Host: "10.0.0.5", Port: 45012},
	}
	txt := TXTRecords(sp)
	assert.Contains(t, txt, "roles=planning,prediction")
	assert.NotContains(t, txt, "url=")

	got, err := specialistFromEntry("apollo-ai", net.ParseIP("192.168.1.10"), 45012, txt)
	require.NoError(t, err)
	assert.Equal(t, "apollo-ai", got.ID)
	assert.Equal(t, "apollo", got.Name)
	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, []string{"planning", "prediction"}, got.Roles)
	assert.Equal(t, []string{"forecast"}, got.Capabilities)
	assert.Equal(t, domain.ConnectionInfo{Host: "192.168.1.10", Port: 45012}, got.Connection)
	assert.Equal(t, "mdns", got.Metadata["source"])
}

func TestSpecialistFromEntryHTTP(t *testing.T) {
	sp := domain.Specialist{
		ID:             "rhetor-ai",
		ConnectionKind: domain.ConnectionHTTP,
		Connection:     domain.ConnectionInfo{BaseURL: "http://rhetor:8003"},
	}
	got, err := specialistFromEntry("rhetor-ai", nil, 80, TXTRecords(sp))
	require.NoError(t, err)
	assert.Equal(t, "http://rhetor:8003", got.Connection.BaseURL)
}

func TestSpecialistFromEntryRejects(t *testing.T) {
	_, err := specialistFromEntry("ghost", nil, 1234, []string{"id=ghost"})
	assert.Error(t, err)

	_, err = specialistFromEntry("bad", net.ParseIP("10.0.0.1"), 1, []string{"id=bad", "kind=carrier-pigeon"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	got, err := specialistFromEntry("instance-id", net.ParseIP("10.0.0.1"), 7000, []string{"noise", "roles=,a,"})
	require.NoError(t, err)
	assert.Equal(t, "instance-id", got.ID)
	assert.Equal(t, []string{"a"}, got.Roles)
}

type stubScanner struct {
	found []domain.Specialist
	err   error
}

func (s stubScanner) Scan(context.Context) ([]domain.Specialist, error) { return s.found, s.err }

func socketSpecialist(id, host string, port int) domain.Specialist {
	return domain.Specialist{
		ID:             id,
		ConnectionKind: domain.ConnectionSocket,
		Connection:     domain.ConnectionInfo{Host: host, Port: port},
	}
}

func TestSyncerRegistersNewSpecialists(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New(testLogger(), eventbus.WithSynchronousDispatch())
	reg := registry.New(registry.NewMemoryStore(), bus, testLogger())

	var discovered []string
	bus.Subscribe(domain.EventSpecialistDiscovered, func(_ context.Context, e domain.Event) {
		discovered = append(discovered, e.SpecialistID)
	})

	require.NoError(t, reg.Register(ctx, socketSpecialist("athena-ai", "10.0.0.2", 45005)))
	require.NoError(t, reg.UpdateStatus(ctx, "athena-ai", domain.StatusHealthy, nil))

	syncer := NewSyncer(stubScanner{found: []domain.Specialist{
		socketSpecialist("apollo-ai", "10.0.0.1", 45012),
		socketSpecialist("athena-ai", "10.0.0.2", 45005),
		socketSpecialist("athena-ai", "10.0.0.9", 45005),
	}}, reg, bus, testLogger())

	added, err := syncer.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"apollo-ai"}, discovered)

	athena, err := reg.Get(ctx, "athena-ai")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHealthy, athena.Status)
	assert.Equal(t, "10.0.0.2", athena.Connection.Host)

	added, err = syncer.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestSyncerScanError(t *testing.T) {
	boom := errors.New("no multicast")
	reg := registry.New(registry.NewMemoryStore(), nil, testLogger())
	_, err := NewSyncer(stubScanner{err: boom}, reg, nil, testLogger()).Sync(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, Config{Service: ServiceType, Domain: "local.", ScanTimeout: defaultScanTimeout}, c)

	custom := Config{Service: "_tekton._tcp", Domain: "lan.", ScanTimeout: 1}.withDefaults()
	assert.Equal(t, "_tekton._tcp", custom.Service)
	assert.Equal(t, "lan.", custom.Domain)
}
