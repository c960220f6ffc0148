// Package discovery resolves user-facing names and @role tokens to registered
// specialists.
package discovery

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sahilm/fuzzy"

	"chorus/internal/domain"
)

// Lister is the read side of the registry used by discovery.
type Lister interface {
	List(ctx context.Context, filter domain.SpecialistFilter) []domain.Specialist
}

// Config holds discovery settings.
type Config struct {
	CacheTTL       time.Duration
	CacheSize      int // zero disables the ranking cache
	MaxSuggestions int
}

const defaultMaxSuggestions = 3

// Service answers name, role and capability queries against the registry.
type Service struct {
	reg            Lister
	cache          *expirable.LRU[string, []domain.Specialist]
	maxSuggestions int
	logger         *slog.Logger
	unsubscribe    []func()
}

// New creates a discovery service. When bus is non-nil the ranking cache is purged on
// every registry event.
func New(reg Lister, bus domain.EventBus, cfg Config, logger *slog.Logger) *Service {
	s := &Service{
		reg:            reg,
		maxSuggestions: cfg.MaxSuggestions,
		logger:         logger,
	}
	if s.maxSuggestions <= 0 {
		s.maxSuggestions = defaultMaxSuggestions
	}
	if cfg.CacheSize > 0 {
		s.cache = expirable.NewLRU[string, []domain.Specialist](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	if bus != nil && s.cache != nil {
		for _, typ := range []domain.EventType{
			domain.EventSpecialistRegistered,
			domain.EventSpecialistDeregistered,
			domain.EventSpecialistStatusChanged,
		} {
			s.unsubscribe = append(s.unsubscribe, bus.Subscribe(typ, s.invalidate))
		}
	}
	return s
}

// Close detaches the service from the event bus.
func (s *Service) Close() {
	for _, u := range s.unsubscribe {
		u()
	}
	s.unsubscribe = nil
}

func (s *Service) invalidate(_ context.Context, e domain.Event) {
	s.cache.Purge()
	s.logger.Debug("discovery cache purged", "event", string(e.Type), "specialist_id", e.SpecialistID)
}

func normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// Resolve maps a token to a specialist: "@role" picks the best healthy specialist for
// the role, anything else goes through FindByName.
func (s *Service) Resolve(ctx context.Context, token string) (domain.Specialist, error) {
	t := strings.TrimSpace(token)
	if role, ok := strings.CutPrefix(t, "@"); ok {
		return s.FindBestForRole(ctx, role)
	}
	return s.FindByName(ctx, t)
}

// FindByName tries, in order: exact id, exact name, exact component, id prefix. The
// first stage with a match wins; ties go to the smallest id. Matching ignores case and
// surrounding space. Without a match the error carries ranked suggestions.
func (s *Service) FindByName(ctx context.Context, name string) (domain.Specialist, error) {
	token := normalize(name)
	all := s.reg.List(ctx, domain.SpecialistFilter{})
	if token == "" {
		return domain.Specialist{}, s.notFound(name, all)
	}

	stages := []func(domain.Specialist) bool{
		func(sp domain.Specialist) bool { return strings.ToLower(sp.ID) == token },
		func(sp domain.Specialist) bool { return strings.ToLower(sp.Name) == token },
		func(sp domain.Specialist) bool { return sp.Component != "" && strings.ToLower(sp.Component) == token },
		func(sp domain.Specialist) bool { return strings.HasPrefix(strings.ToLower(sp.ID), token) },
	}
	// all is ordered by id, so the first hit is the lexically smallest.
	for _, match := range stages {
		if i := slices.IndexFunc(all, match); i >= 0 {
			return all[i], nil
		}
	}
	return domain.Specialist{}, s.notFound(name, all)
}

func (s *Service) notFound(token string, all []domain.Specialist) *domain.NotFoundError {
	ids := make([]string, len(all))
	for i, sp := range all {
		ids[i] = sp.ID
	}
	return &domain.NotFoundError{
		Token:       strings.TrimSpace(token),
		Suggestions: suggest(normalize(token), ids, s.maxSuggestions),
		Known:       ids,
	}
}

// suggest ranks candidates by fuzzy score. When nothing scores, the first max
// candidates are offered so a non-empty registry always yields suggestions.
func suggest(token string, candidates []string, max int) []string {
	if len(candidates) == 0 {
		return []string{}
	}
	var out []string
	if token != "" {
		lower := make([]string, len(candidates))
		for i, c := range candidates {
			lower[i] = strings.ToLower(c)
		}
		for _, m := range fuzzy.Find(token, lower) {
			out = append(out, candidates[m.Index])
			if len(out) == max {
				break
			}
		}
	}
	if len(out) == 0 {
		out = slices.Clone(candidates[:min(max, len(candidates))])
	}
	return out
}

// FindBestForRole returns the highest-ranked healthy specialist advertising role. An
// empty role is invalid input rather than a wildcard.
func (s *Service) FindBestForRole(ctx context.Context, role string) (domain.Specialist, error) {
	if normalize(role) == "" {
		return domain.Specialist{}, errEmptyRole("Service.FindBestForRole")
	}
	for _, sp := range s.Candidates(ctx, role) {
		if sp.Status == domain.StatusHealthy {
			return sp, nil
		}
	}
	return domain.Specialist{}, s.roleNotFound(ctx, role)
}

func errEmptyRole(op string) error {
	return domain.NewSubSystemError("discovery", op, domain.ErrInvalidInput, "empty role")
}

func (s *Service) roleNotFound(ctx context.Context, role string) *domain.NotFoundError {
	roles := s.knownRoles(ctx)
	return &domain.NotFoundError{
		Token:       "@" + strings.TrimSpace(role),
		Suggestions: suggest(normalize(role), roles, s.maxSuggestions),
		Known:       roles,
	}
}

func (s *Service) knownRoles(ctx context.Context) []string {
	set := map[string]struct{}{}
	for _, sp := range s.reg.List(ctx, domain.SpecialistFilter{}) {
		for _, r := range sp.Roles {
			set[strings.ToLower(r)] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Candidates returns every specialist advertising role, ranked: healthy first, then by
// success rate, average response time and id. An empty role matches nothing.
func (s *Service) Candidates(ctx context.Context, role string) []domain.Specialist {
	role = normalize(role)
	if role == "" {
		return []domain.Specialist{}
	}
	key := "role:" + role
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			return cloneAll(cached)
		}
	}
	ranked := s.reg.List(ctx, domain.SpecialistFilter{Role: role})
	Rank(ranked)
	if s.cache != nil {
		s.cache.Add(key, cloneAll(ranked))
	}
	return ranked
}

// FindByCapabilities returns specialists advertising every capability, ranked like
// Candidates.
func (s *Service) FindByCapabilities(ctx context.Context, capabilities ...string) []domain.Specialist {
	out := s.reg.List(ctx, domain.SpecialistFilter{Capabilities: capabilities})
	Rank(out)
	return out
}

// Rank orders specialists healthy first, then by highest success rate, lowest average
// response time and id.
func Rank(list []domain.Specialist) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		ah, bh := a.Status == domain.StatusHealthy, b.Status == domain.StatusHealthy
		if ah != bh {
			return ah
		}
		if a.Performance.SuccessRate != b.Performance.SuccessRate {
			return a.Performance.SuccessRate > b.Performance.SuccessRate
		}
		if a.Performance.AvgResponseTime != b.Performance.AvgResponseTime {
			return a.Performance.AvgResponseTime < b.Performance.AvgResponseTime
		}
		return a.ID < b.ID
	})
}

func cloneAll(list []domain.Specialist) []domain.Specialist {
	out := make([]domain.Specialist, len(list))
	for i, sp := range list {
		out[i] = sp.Clone()
	}
	return out
}

var _ domain.SpecialistResolver = (*Service)(nil)
