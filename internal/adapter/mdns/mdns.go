// Package mdns announces and finds specialists on the local network with DNS-SD.
// The zeroconf implementation is compiled in with the mdns build tag; without it the
// Discoverer finds nothing.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"chorus/internal/domain"
	"chorus/internal/usecase/eventbus"
)

const (
	// ServiceType is the default DNS-SD service specialists announce under.
	ServiceType   = "_chorus._tcp"
	serviceDomain = "local."

	defaultScanTimeout = 5 * time.Second
)

// Config selects the DNS-SD service and how long one scan listens.
type Config struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = ServiceType
	}
	if c.Domain == "" {
		c.Domain = serviceDomain
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = defaultScanTimeout
	}
	return c
}

// TXTRecords encodes the descriptive fields of a specialist as DNS-SD TXT records.
func TXTRecords(sp domain.Specialist) []string {
	txt := []string{
		"id=" + sp.ID,
		"kind=" + string(sp.ConnectionKind),
	}
	if sp.Name != "" {
		txt = append(txt, "name="+sp.Name)
	}
	if sp.Component != "" {
		txt = append(txt, "component="+sp.Component)
	}
	if sp.Model != "" {
		txt = append(txt, "model="+sp.Model)
	}
	if len(sp.Roles) > 0 {
		txt = append(txt, "roles="+strings.Join(sp.Roles, ","))
	}
	if len(sp.Capabilities) > 0 {
		txt = append(txt, "capabilities="+strings.Join(sp.Capabilities, ","))
	}
	if sp.ConnectionKind == domain.ConnectionHTTP {
		txt = append(txt, "url="+sp.Connection.BaseURL)
	}
	return txt
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return slices.DeleteFunc(strings.Split(raw, ","), func(s string) bool { return s == "" })
}

// specialistFromEntry builds a record from one resolved service entry. Socket
// specialists are reached at the announced address and port.
func specialistFromEntry(instance string, addr net.IP, port int, txt []string) (domain.Specialist, error) {
	meta := parseTXTRecords(txt)
	sp := domain.Specialist{
		ID:             meta["id"],
		Name:           meta["name"],
		Component:      meta["component"],
		Model:          meta["model"],
		Roles:          splitList(meta["roles"]),
		Capabilities:   splitList(meta["capabilities"]),
		ConnectionKind: domain.ConnectionKind(meta["kind"]),
		Metadata:       map[string]string{"source": "mdns", "instance": instance},
	}
	if sp.ID == "" {
		sp.ID = instance
	}
	switch sp.ConnectionKind {
	case domain.ConnectionHTTP:
		sp.Connection.BaseURL = meta["url"]
	case domain.ConnectionSocket, "":
		sp.ConnectionKind = domain.ConnectionSocket
		if addr == nil {
			return domain.Specialist{}, fmt.Errorf("mdns entry %s: no address", instance)
		}
		sp.Connection.Host = addr.String()
		sp.Connection.Port = port
	}
	return sp, sp.Validate()
}

// Scanner finds specialists announced on the network.
type Scanner interface {
	Scan(ctx context.Context) ([]domain.Specialist, error)
}

// Registrar is the registry surface the syncer writes to.
type Registrar interface {
	Get(ctx context.Context, id string) (domain.Specialist, error)
	Register(ctx context.Context, rec domain.Specialist) error
}

// Syncer registers every specialist a scan finds.
type Syncer struct {
	scanner Scanner
	reg     Registrar
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewSyncer creates a syncer. bus may be nil.
func NewSyncer(scanner Scanner, reg Registrar, bus domain.EventBus, logger *slog.Logger) *Syncer {
	return &Syncer{scanner: scanner, reg: reg, bus: bus, logger: logger}
}

// Sync runs one scan and registers the results. It returns the number of specialists
// that were not registered before. Known records are left alone so repeated scans do
// not restart their health lifecycle; conflicting ids are logged and skipped.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	found, err := s.scanner.Scan(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, sp := range found {
		if existing, gerr := s.reg.Get(ctx, sp.ID); gerr == nil {
			if !existing.SameConnection(sp) {
				s.logger.Warn("mdns specialist conflicts with registered record",
					"specialist_id", sp.ID, "address", sp.Connection.String(),
					"registered", existing.Connection.String())
			}
			continue
		}
		if err := s.reg.Register(ctx, sp); err != nil {
			if errors.Is(err, domain.ErrDuplicate) || errors.Is(err, domain.ErrInvalidInput) {
				s.logger.Warn("mdns specialist rejected", "specialist_id", sp.ID, "error", err)
				continue
			}
			return added, err
		}
		added++
		s.logger.Info("mdns discovered specialist", "specialist_id", sp.ID, "address", sp.Connection.String())
		eventbus.Emit(ctx, s.bus, domain.EventSpecialistDiscovered, sp.ID, map[string]string{
			"source":  "mdns",
			"address": sp.Connection.String(),
		})
	}
	return added, nil
}
