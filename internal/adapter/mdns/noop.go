//go:build !mdns

package mdns

import (
	"context"
	"log/slog"

	"chorus/internal/domain"
)

// Available reports whether mDNS support is compiled in.
const Available = false

// Discoverer is the placeholder used when mDNS support is not compiled in.
type Discoverer struct{}

// NewDiscoverer creates a Discoverer that finds nothing.
func NewDiscoverer(Config, *slog.Logger) *Discoverer { return &Discoverer{} }

// Scan returns nil without the mdns build tag.
func (*Discoverer) Scan(context.Context) ([]domain.Specialist, error) { return nil, nil }

// Advertise fails without the mdns build tag.
func (*Discoverer) Advertise(context.Context, domain.Specialist) error {
	return domain.NewDomainError("mdns.Advertise", domain.ErrDisabled, "built without the mdns tag")
}
