// Package health keeps specialist status current. It probes specialists that have
// gone quiet, runs a recovery hook once when a probe fails and reports the outcome to
// the registry.
package health

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"chorus/internal/domain"
	"chorus/internal/infra/tracer"
	"chorus/internal/usecase/eventbus"
)

// Default monitor settings.
const (
	DefaultInterval        = 60 * time.Second
	DefaultIdleAfter       = 5 * time.Minute
	DefaultProbeTimeout    = 5 * time.Second
	DefaultProbesPerSecond = 10.0
)

// State is the monitor's view of one specialist.
type State string

const (
	StateActive       State = "active"
	StateIdle         State = "idle"
	StateProbing      State = "probing"
	StateUnresponsive State = "unresponsive"
)

// Registry is the part of the specialist registry the monitor reads and updates.
type Registry interface {
	List(ctx context.Context, filter domain.SpecialistFilter) []domain.Specialist
	UpdateStatus(ctx context.Context, id string, status domain.SpecialistStatus, sample *domain.PerformanceSample) error
}

// ClientProvider returns the connection client for a specialist.
type ClientProvider interface {
	ClientFor(sp domain.Specialist) (domain.SpecialistClient, error)
}

// Config holds monitor settings. Zero values take the defaults.
type Config struct {
	Interval        time.Duration
	IdleAfter       time.Duration
	ProbeTimeout    time.Duration
	ProbesPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = DefaultIdleAfter
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbesPerSecond <= 0 {
		c.ProbesPerSecond = DefaultProbesPerSecond
	}
	return c
}

type entry struct {
	state            State
	lastActivity     time.Time
	lastProbe        time.Time
	lastError        string
	suspect          bool
	recoveryDisabled bool
	failures         int
}

// Status is a point-in-time copy of one specialist's monitor state.
type Status struct {
	ID                  string    `json:"id"`
	State               State     `json:"state"`
	LastActivity        time.Time `json:"last_activity,omitzero"`
	LastProbe           time.Time `json:"last_probe,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	Suspect             bool      `json:"suspect"`
	RecoveryDisabled    bool      `json:"recovery_disabled"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Report summarises one tick.
type Report struct {
	Checked   int
	Probed    int
	Healthy   int
	Unhealthy int
	Recovered int
	// Aborted counts probes cut short by the tick's context.
	Aborted int
}

// Monitor probes idle, unknown and suspect specialists.
type Monitor struct {
	reg       Registry
	clients   ClientProvider
	recoverer Recoverer
	bus       domain.EventBus
	cfg       Config
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	unsubs  []func()

	tickMu sync.Mutex // serialises ticks

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. recoverer and bus may be nil.
func NewMonitor(reg Registry, clients ClientProvider, recoverer Recoverer, bus domain.EventBus, cfg Config, logger *slog.Logger) *Monitor {
	cfg = cfg.withDefaults()
	if recoverer == nil {
		recoverer = NoopRecoverer{}
	}
	m := &Monitor{
		reg:       reg,
		clients:   clients,
		recoverer: recoverer,
		bus:       bus,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), 1),
		logger:    logger,
		entries:   make(map[string]*entry),
	}
	if bus != nil {
		m.unsubs = append(m.unsubs,
			bus.Subscribe(domain.EventSpecialistRegistered, m.onRegistered),
			bus.Subscribe(domain.EventSpecialistDeregistered, m.onDeregistered),
		)
	}
	return m
}

// A registration starts a new lifecycle: recovery is allowed again and the
// specialist is probed on the next tick.
func (m *Monitor) onRegistered(_ context.Context, ev domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(ev.SpecialistID)
	if e.recoveryDisabled {
		m.logger.Info("recovery re-enabled", "specialist_id", ev.SpecialistID)
	}
	e.recoveryDisabled = false
	e.failures = 0
	e.suspect = true
}

func (m *Monitor) onDeregistered(_ context.Context, ev domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, ev.SpecialistID)
}

func (m *Monitor) entryLocked(id string) *entry {
	e, ok := m.entries[id]
	if !ok {
		e = &entry{state: StateActive}
		m.entries[id] = e
	}
	return e
}

// MarkSuspect schedules id for a probe on the next tick regardless of idleness.
func (m *Monitor) MarkSuspect(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryLocked(id).suspect = true
}

// NoteActivity records a successful interaction with id at t.
func (m *Monitor) NoteActivity(id string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(id)
	if t.After(e.lastActivity) {
		e.lastActivity = t
	}
	e.state = StateActive
	e.suspect = false
}

// Tick checks every registered specialist once. A specialist is probed when it has
// been quiet for longer than IdleAfter, when it was marked suspect, or when its status
// is not healthy.
func (m *Monitor) Tick(ctx context.Context, now time.Time) Report {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	specialists := m.reg.List(ctx, domain.SpecialistFilter{})
	report := Report{Checked: len(specialists)}

	var due []domain.Specialist
	m.mu.Lock()
	present := make(map[string]struct{}, len(specialists))
	for _, sp := range specialists {
		present[sp.ID] = struct{}{}
		e := m.entryLocked(sp.ID)
		if sp.LastSpokeAt.After(e.lastActivity) {
			e.lastActivity = sp.LastSpokeAt
		}
		idle := now.Sub(e.lastActivity) > m.cfg.IdleAfter
		if idle && e.state == StateActive {
			e.state = StateIdle
		}
		if idle || e.suspect || sp.Status != domain.StatusHealthy {
			e.state = StateProbing
			e.suspect = false
			due = append(due, sp)
		}
	}
	for id := range m.entries {
		if _, ok := present[id]; !ok {
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	type outcome struct {
		healthy   bool
		recovered bool
		aborted   bool
	}
	results := make([]outcome, len(due))
	var wg sync.WaitGroup
	for i, sp := range due {
		if err := m.limiter.Wait(ctx); err != nil {
			break
		}
		report.Probed++
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthy, recovered, aborted := m.check(ctx, sp, now)
			results[i] = outcome{healthy: healthy, recovered: recovered, aborted: aborted}
		}()
	}
	wg.Wait()

	for _, r := range results[:report.Probed] {
		switch {
		case r.aborted:
			report.Aborted++
		case r.healthy:
			report.Healthy++
		default:
			report.Unhealthy++
		}
		if r.recovered {
			report.Recovered++
		}
	}
	if report.Probed > 0 {
		m.logger.Debug("health tick", "checked", report.Checked, "probed", report.Probed,
			"healthy", report.Healthy, "unhealthy", report.Unhealthy)
	}
	return report
}

// check probes sp and, on failure, runs recovery once and re-probes. A probe cut
// short by ctx says nothing about the specialist: it is left as it was, flagged
// suspect for the next tick, and reported as aborted.
func (m *Monitor) check(ctx context.Context, sp domain.Specialist, now time.Time) (healthy, recovered, aborted bool) {
	elapsed, err := m.probe(ctx, sp)
	if err == nil {
		m.markAlive(ctx, sp.ID, elapsed, now)
		return true, false, false
	}
	if ctx.Err() != nil {
		m.abandon(sp.ID)
		return false, false, true
	}

	m.mu.Lock()
	e := m.entryLocked(sp.ID)
	e.state = StateUnresponsive
	e.lastError = err.Error()
	e.failures++
	canRecover := !e.recoveryDisabled
	m.mu.Unlock()

	m.logger.Warn("specialist probe failed", "specialist_id", sp.ID, "elapsed", elapsed, "error", err)
	eventbus.Emit(ctx, m.bus, domain.EventProbeFailed, sp.ID, map[string]string{"error": err.Error()})

	if canRecover {
		rerr := m.recoverer.Recover(ctx, sp)
		eventbus.Emit(ctx, m.bus, domain.EventRecoveryAttempted, sp.ID, map[string]any{"ok": rerr == nil})
		if rerr != nil {
			m.logger.Warn("recovery hook failed", "specialist_id", sp.ID, "error", rerr)
		}
		if elapsed, err = m.probe(ctx, sp); err == nil {
			m.logger.Info("specialist recovered", "specialist_id", sp.ID)
			m.markAlive(ctx, sp.ID, elapsed, now)
			return true, true, false
		}
		if ctx.Err() != nil {
			m.abandon(sp.ID)
			return false, false, true
		}

		m.mu.Lock()
		e = m.entryLocked(sp.ID)
		e.recoveryDisabled = true
		e.lastError = err.Error()
		m.mu.Unlock()
		m.logger.Warn("auto-recovery disabled until re-registration", "specialist_id", sp.ID)
		eventbus.Emit(ctx, m.bus, domain.EventRecoveryDisabled, sp.ID, nil)
	}

	// Already unhealthy: the failure was counted when it first went down.
	var sample *domain.PerformanceSample
	if sp.Status != domain.StatusUnhealthy {
		sample = &domain.PerformanceSample{Elapsed: elapsed, Success: false}
	}
	if uerr := m.reg.UpdateStatus(ctx, sp.ID, domain.StatusUnhealthy, sample); uerr != nil {
		m.logger.Error("update status failed", "specialist_id", sp.ID, "error", uerr)
	}
	return false, false, false
}

// abandon undoes the probing state of an interrupted check.
func (m *Monitor) abandon(id string) {
	m.mu.Lock()
	e := m.entryLocked(id)
	e.state = StateIdle
	e.suspect = true
	m.mu.Unlock()
	m.logger.Debug("probe interrupted", "specialist_id", id)
}

func (m *Monitor) markAlive(ctx context.Context, id string, elapsed time.Duration, now time.Time) {
	m.mu.Lock()
	e := m.entryLocked(id)
	e.state = StateActive
	e.lastActivity = now
	e.lastError = ""
	e.failures = 0
	m.mu.Unlock()

	sample := &domain.PerformanceSample{Elapsed: elapsed, Success: true}
	if err := m.reg.UpdateStatus(ctx, id, domain.StatusHealthy, sample); err != nil {
		m.logger.Error("update status failed", "specialist_id", id, "error", err)
	}
}

func (m *Monitor) probe(ctx context.Context, sp domain.Specialist) (elapsed time.Duration, err error) {
	ctx, span := tracer.StartSpan(ctx, "health.probe")
	span.SetAttributes(attribute.String("specialist.id", sp.ID))
	defer func() { tracer.End(span, err) }()

	m.mu.Lock()
	m.entryLocked(sp.ID).lastProbe = time.Now()
	m.mu.Unlock()

	client, err := m.clients.ClientFor(sp)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	start := time.Now()
	elapsed, err = client.Ping(ctx)
	if err != nil && elapsed == 0 {
		elapsed = time.Since(start)
	}
	return elapsed, err
}

// Snapshot returns the monitor state of every tracked specialist, sorted by id.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, Status{
			ID:                  id,
			State:               e.state,
			LastActivity:        e.lastActivity,
			LastProbe:           e.lastProbe,
			LastError:           e.lastError,
			Suspect:             e.suspect,
			RecoveryDisabled:    e.recoveryDisabled,
			ConsecutiveFailures: e.failures,
		})
	}
	slices.SortFunc(out, func(a, b Status) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Start runs Tick every Interval until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.Tick(ctx, time.Now())
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.Tick(ctx, now)
			}
		}
	}()
	m.logger.Info("health monitor started", "interval", m.cfg.Interval, "idle_after", m.cfg.IdleAfter)
}

// Stop ends the tick loop and waits for an in-flight tick to finish. It also
// detaches from the event bus.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
