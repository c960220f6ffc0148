package domain

import (
	"context"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"
)

// SpecialistStatus is the health status of a specialist as last observed by the
// health monitor.
type SpecialistStatus string

const (
	StatusUnknown   SpecialistStatus = "unknown"
	StatusHealthy   SpecialistStatus = "healthy"
	StatusUnhealthy SpecialistStatus = "unhealthy"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (SpecialistStatus, error) {
	switch st := SpecialistStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusUnknown, StatusHealthy, StatusUnhealthy:
		return st, nil
	}
	return "", NewDomainError("ParseStatus", ErrInvalidInput, fmt.Sprintf("status %q", s))
}

// CanTransition reports whether a status change is legal. Once probed a specialist
// never goes back to unknown; a fresh registration is a new lifecycle instead.
func CanTransition(from, to SpecialistStatus) bool {
	if from == to {
		return true
	}
	return to != StatusUnknown
}

// ConnectionKind selects the connection client used to reach a specialist.
type ConnectionKind string

const (
	ConnectionSocket ConnectionKind = "socket"
	ConnectionHTTP   ConnectionKind = "http"
)

// ConnectionInfo is host+port for socket specialists or a base URL for HTTP ones.
type ConnectionInfo struct {
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// Address returns the dialable host:port.
func (c ConnectionInfo) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ConnectionInfo) String() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return c.Address()
}

// ParseSocketAddress parses "host:port" into a ConnectionInfo.
func ParseSocketAddress(addr string) (ConnectionInfo, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ConnectionInfo{}, NewDomainError("ParseSocketAddress", ErrInvalidInput, err.Error())
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ConnectionInfo{}, NewDomainError("ParseSocketAddress", ErrInvalidInput, fmt.Sprintf("port %q", portStr))
	}
	if host == "" {
		host = "localhost"
	}
	return ConnectionInfo{Host: host, Port: port}, nil
}

// maxRecentSamples bounds the rolling window used for the average response time.
const maxRecentSamples = 20

// Performance holds rolling interaction statistics. Times are in seconds.
type Performance struct {
	AvgResponseTime     float64   `json:"avg_response_time"`
	SuccessRate         float64   `json:"success_rate"`
	TotalRequests       int       `json:"total_requests"`
	FailedRequests      int       `json:"failed_requests"`
	RecentResponseTimes []float64 `json:"recent_response_times,omitempty"`
}

// NewPerformance returns the initial statistics: no requests, success rate 1.
func NewPerformance() Performance {
	return Performance{SuccessRate: 1}
}

// PerformanceSample is the outcome of one interaction attempt.
type PerformanceSample struct {
	Elapsed time.Duration
	Success bool
}

// Record folds a sample into the statistics. Only successful calls contribute to
// the response time window.
func (p *Performance) Record(s PerformanceSample) {
	p.TotalRequests++
	if !s.Success {
		p.FailedRequests++
	} else {
		p.RecentResponseTimes = append(p.RecentResponseTimes, s.Elapsed.Seconds())
		if n := len(p.RecentResponseTimes); n > maxRecentSamples {
			p.RecentResponseTimes = slices.Clone(p.RecentResponseTimes[n-maxRecentSamples:])
		}
		var sum float64
		for _, v := range p.RecentResponseTimes {
			sum += v
		}
		p.AvgResponseTime = sum / float64(len(p.RecentResponseTimes))
	}
	p.SuccessRate = float64(p.TotalRequests-p.FailedRequests) / float64(p.TotalRequests)
}

// AverageResponseTime returns the average as a duration.
func (p Performance) AverageResponseTime() time.Duration {
	return time.Duration(p.AvgResponseTime * float64(time.Second))
}

// Specialist is a registered AI specialist.
type Specialist struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Component      string            `json:"component,omitempty"`
	Roles          []string          `json:"roles,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	ConnectionKind ConnectionKind    `json:"connection_kind"`
	Connection     ConnectionInfo    `json:"connection"`
	Model          string            `json:"model,omitempty"`
	Status         SpecialistStatus  `json:"status"`
	LastSpokeAt    time.Time         `json:"last_spoke_at,omitzero"`
	RegisteredAt   time.Time         `json:"registered_at"`
	Performance    Performance       `json:"performance"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with the registry.
func (s Specialist) Clone() Specialist {
	c := s
	c.Roles = slices.Clone(s.Roles)
	c.Capabilities = slices.Clone(s.Capabilities)
	c.Performance.RecentResponseTimes = slices.Clone(s.Performance.RecentResponseTimes)
	c.Metadata = maps.Clone(s.Metadata)
	return c
}

// PrimaryRole is the first declared role, used when looking for a substitute.
func (s Specialist) PrimaryRole() string {
	if len(s.Roles) == 0 {
		return ""
	}
	return s.Roles[0]
}

// HasRole reports whether the specialist advertises role (case-insensitive).
func (s Specialist) HasRole(role string) bool {
	return containsFold(s.Roles, role)
}

// HasCapability reports whether the specialist advertises capability (case-insensitive).
func (s Specialist) HasCapability(capability string) bool {
	return containsFold(s.Capabilities, capability)
}

// SameConnection reports whether two records point at the same endpoint.
func (s Specialist) SameConnection(o Specialist) bool {
	return s.ConnectionKind == o.ConnectionKind && s.Connection == o.Connection
}

// Validate checks the fields required for registration.
func (s Specialist) Validate() error {
	var problems []string
	switch {
	case strings.TrimSpace(s.ID) == "":
		problems = append(problems, "id is required")
	case strings.ContainsAny(s.ID, `/\ `) || strings.HasPrefix(s.ID, "."):
		problems = append(problems, fmt.Sprintf("id %q contains path characters", s.ID))
	}
	switch s.ConnectionKind {
	case ConnectionSocket:
		if s.Connection.Host == "" || s.Connection.Port <= 0 || s.Connection.Port > 65535 {
			problems = append(problems, "socket specialists need host and port")
		}
	case ConnectionHTTP:
		if s.Connection.BaseURL == "" {
			problems = append(problems, "http specialists need base_url")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown connection kind %q", s.ConnectionKind))
	}
	if s.Status != "" {
		if _, err := ParseStatus(string(s.Status)); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return NewDomainError("Specialist.Validate", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(x string) bool { return strings.EqualFold(x, v) })
}

// SpecialistFilter narrows a registry listing. Empty fields match everything.
type SpecialistFilter struct {
	Role         string
	Capability   string
	Capabilities []string
	Status       SpecialistStatus
	Component    string
}

// Match reports whether s satisfies every set field.
func (f SpecialistFilter) Match(s Specialist) bool {
	if f.Role != "" && !s.HasRole(f.Role) {
		return false
	}
	if f.Capability != "" && !s.HasCapability(f.Capability) {
		return false
	}
	for _, c := range f.Capabilities {
		if !s.HasCapability(c) {
			return false
		}
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Component != "" && !strings.EqualFold(s.Component, f.Component) {
		return false
	}
	return true
}

// SpecialistRegistry is the contract other components use to read and update
// specialist records. Implementations return copies.
type SpecialistRegistry interface {
	Get(ctx context.Context, id string) (Specialist, error)
	List(ctx context.Context, filter SpecialistFilter) []Specialist
	UpdateStatus(ctx context.Context, id string, status SpecialistStatus, sample *PerformanceSample) error
	RecordInteraction(ctx context.Context, id string, sample PerformanceSample) error
}

// SpecialistResolver maps user tokens to specialists.
type SpecialistResolver interface {
	Resolve(ctx context.Context, token string) (Specialist, error)
	FindBestForRole(ctx context.Context, role string) (Specialist, error)
}

// SuspectMarker is notified when a call to a specialist timed out.
type SuspectMarker interface {
	MarkSuspect(id string)
	NoteActivity(id string, at time.Time)
}
