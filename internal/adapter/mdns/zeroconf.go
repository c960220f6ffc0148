//go:build mdns

package mdns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"

	"chorus/internal/domain"
)

// Available reports whether mDNS support is compiled in.
const Available = true

// Discoverer browses and announces specialists via zeroconf.
type Discoverer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(cfg Config, logger *slog.Logger) *Discoverer {
	return &Discoverer{cfg: cfg.withDefaults(), logger: logger}
}

// Scan browses for announced specialists until the scan timeout or ctx ends.
// Entries that do not describe a valid specialist are skipped.
func (d *Discoverer) Scan(ctx context.Context) ([]domain.Specialist, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var found []domain.Specialist
	seen := make(map[string]bool)
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.cfg.ScanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			sp, err := specialistFromEntry(entry.Instance, entryAddr(entry), entry.Port, entry.Text)
			if err != nil {
				d.logger.Debug("mdns entry skipped", "instance", entry.Instance, "error", err)
				continue
			}
			mu.Lock()
			if !seen[sp.ID] {
				seen[sp.ID] = true
				found = append(found, sp)
			}
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(scanCtx, d.cfg.Service, d.cfg.Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return append([]domain.Specialist(nil), found...), nil
}

// Advertise announces sp on the local network until ctx is cancelled.
func (d *Discoverer) Advertise(ctx context.Context, sp domain.Specialist) error {
	port := sp.Connection.Port
	if sp.ConnectionKind == domain.ConnectionHTTP {
		// HTTP specialists are reached through their URL; the port only fills the SRV record.
		port = 80
	}
	server, err := zeroconf.Register(sp.ID, d.cfg.Service, d.cfg.Domain, port, TXTRecords(sp), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	d.logger.Info("mdns advertising", "specialist_id", sp.ID, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryAddr(entry *zeroconf.ServiceEntry) net.IP {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0]
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0]
	}
	return nil
}
