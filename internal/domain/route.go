package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Route is a named chain of hops ending at a destination. Purposes has one entry per
// hop plus a final one for the destination.
type Route struct {
	Name        string    `json:"name"`
	Hops        []string  `json:"hops"`
	Purposes    []string  `json:"purposes"`
	Destination string    `json:"destination"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the structural invariants of a route.
func (r Route) Validate() error {
	if r.Name == "" {
		return NewSubSystemError("pipeline", "Route.Validate", ErrInvalidInput, "name is required")
	}
	if r.Destination == "" {
		return NewSubSystemError("pipeline", "Route.Validate", ErrInvalidInput, "destination is required")
	}
	if len(r.Purposes) != len(r.Hops)+1 {
		return NewSubSystemError("pipeline", "Route.Validate", ErrInvalidInput,
			fmt.Sprintf("%d purposes for %d hops", len(r.Purposes), len(r.Hops)))
	}
	return nil
}

// SameDefinition reports whether two routes carry the same hops, purposes and destination.
func (r Route) SameDefinition(o Route) bool {
	return r.Destination == o.Destination &&
		slices.Equal(r.Hops, o.Hops) &&
		slices.Equal(r.Purposes, o.Purposes)
}

// Target returns the specialist id and purpose at position i; i == len(Hops) is the
// destination.
func (r Route) Target(i int) (id, purpose string) {
	if i < len(r.Hops) {
		return r.Hops[i], r.Purposes[i]
	}
	return r.Destination, r.Purposes[len(r.Purposes)-1]
}

// Clone returns a deep copy.
func (r Route) Clone() Route {
	c := r
	c.Hops = slices.Clone(r.Hops)
	c.Purposes = slices.Clone(r.Purposes)
	return c
}

// HopSpec is one hop of a route definition before resolution.
type HopSpec struct {
	Token   string
	Purpose string
}

// Annotation is a note appended by a hop.
type Annotation struct {
	Author string          `json:"author"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// MessageFormat is the detected format of a pipeline payload.
type MessageFormat string

const (
	FormatText MessageFormat = "text"
	FormatJSON MessageFormat = "json"
)

// PipelineState tracks where a pipeline message is.
type PipelineState string

const (
	StateCreated   PipelineState = "created"
	StateAtHop     PipelineState = "at_hop"
	StateDelivered PipelineState = "delivered"
)

// PipelineMessage is a message travelling along a route. Message never changes once
// created and Annotations only grows.
type PipelineMessage struct {
	ID          string        `json:"id"`
	Route       string        `json:"route"`
	Destination string        `json:"destination"`
	Message     string        `json:"message"`
	Annotations []Annotation  `json:"annotations"`
	Position    int           `json:"position"`
	Format      MessageFormat `json:"format"`
	State       PipelineState `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Clone returns a deep copy.
func (m PipelineMessage) Clone() PipelineMessage {
	c := m
	c.Annotations = make([]Annotation, len(m.Annotations))
	for i, a := range m.Annotations {
		a.Data = slices.Clone(a.Data)
		c.Annotations[i] = a
	}
	return c
}

// Envelope is the JSON body forwarded to each hop.
type Envelope struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Dest        string       `json:"dest"`
	Purpose     string       `json:"purpose"`
	Message     string       `json:"message"`
	Annotations []Annotation `json:"annotations"`
}

// RouteStore persists route definitions.
type RouteStore interface {
	// CreateRoute stores r unless a route with the same name exists, in which case
	// nothing is written and created is false. The check and the insert are atomic.
	CreateRoute(ctx context.Context, r Route) (created bool, err error)
	GetRoute(ctx context.Context, name string) (Route, error)
	ListRoutes(ctx context.Context) ([]Route, error)
	DeleteRoute(ctx context.Context, name string) error
	SaveMessage(ctx context.Context, m PipelineMessage) error
	GetMessage(ctx context.Context, id string) (PipelineMessage, error)
}
