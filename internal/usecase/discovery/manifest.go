package discovery

import (
	"context"
	"sort"
	"time"

	"chorus/internal/domain"
)

// ManifestVersion is bumped when the manifest layout changes.
const ManifestVersion = "1.0"

// Manifest describes every specialist the platform knows about and how to talk to them.
type Manifest struct {
	Version      string              `json:"version"`
	GeneratedAt  time.Time           `json:"generated_at"`
	Total        int                 `json:"total"`
	Healthy      int                 `json:"healthy"`
	Roles        map[string][]string `json:"roles"`
	Capabilities []string            `json:"capabilities"`
	Specialists  []ManifestEntry     `json:"specialists"`
	Protocols    []ProtocolInfo      `json:"protocols"`
}

// ManifestEntry is the manifest view of one specialist.
type ManifestEntry struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Component      string                  `json:"component,omitempty"`
	Roles          []string                `json:"roles,omitempty"`
	ConnectionKind domain.ConnectionKind   `json:"connection_kind"`
	Endpoint       string                  `json:"endpoint"`
	Status         domain.SpecialistStatus `json:"status"`
}

// ProtocolInfo describes one wire protocol.
type ProtocolInfo struct {
	Kind         domain.ConnectionKind `json:"kind"`
	Transport    string                `json:"transport"`
	Format       string                `json:"format"`
	RequestTypes []domain.RequestType  `json:"request_types"`
}

var protocols = []ProtocolInfo{
	{
		Kind:      domain.ConnectionSocket,
		Transport: "tcp",
		Format:    "newline-delimited JSON, one request per connection",
		RequestTypes: []domain.RequestType{
			domain.RequestChat, domain.RequestInfo, domain.RequestPing, domain.RequestSchema,
		},
	},
	{
		Kind:         domain.ConnectionHTTP,
		Transport:    "http",
		Format:       "JSON over POST /api/ai/specialists/{id}/message",
		RequestTypes: []domain.RequestType{domain.RequestChat, domain.RequestPing},
	},
}

// Manifest builds the platform manifest from the current registry contents.
func (s *Service) Manifest(ctx context.Context) Manifest {
	all := s.reg.List(ctx, domain.SpecialistFilter{})
	m := Manifest{
		Version:     ManifestVersion,
		GeneratedAt: time.Now().UTC(),
		Total:       len(all),
		Roles:       make(map[string][]string),
		Specialists: make([]ManifestEntry, 0, len(all)),
		Protocols:   protocols,
	}
	caps := map[string]struct{}{}
	for _, sp := range all {
		if sp.Status == domain.StatusHealthy {
			m.Healthy++
		}
		for _, r := range sp.Roles {
			m.Roles[r] = append(m.Roles[r], sp.ID)
		}
		for _, c := range sp.Capabilities {
			caps[c] = struct{}{}
		}
		m.Specialists = append(m.Specialists, ManifestEntry{
			ID:             sp.ID,
			Name:           sp.Name,
			Component:      sp.Component,
			Roles:          sp.Roles,
			ConnectionKind: sp.ConnectionKind,
			Endpoint:       sp.Connection.String(),
			Status:         sp.Status,
		})
	}
	m.Capabilities = make([]string, 0, len(caps))
	for c := range caps {
		m.Capabilities = append(m.Capabilities, c)
	}
	sort.Strings(m.Capabilities)
	return m
}
