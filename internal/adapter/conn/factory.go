package conn

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"chorus/internal/domain"
)

// Factory builds and caches one client per specialist, chosen by connection kind.
// A cached client is replaced when the specialist's connection info changes.
type Factory struct {
	opts       Options
	breaker    BreakerConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[string]cachedClient
}

type cachedClient struct {
	key    string
	client Client
}

// NewFactory creates a factory. HTTP specialists share one pooled transport.
func NewFactory(opts Options, breaker BreakerConfig, logger *slog.Logger) *Factory {
	opts = opts.withDefaults()
	return &Factory{
		opts:       opts,
		breaker:    breaker,
		httpClient: &http.Client{Transport: NewPooledTransport(opts.ConnectTimeout, opts.Timeout)},
		logger:     logger,
		clients:    make(map[string]cachedClient),
	}
}

func cacheKey(sp domain.Specialist) string {
	return string(sp.ConnectionKind) + "|" + sp.Connection.String()
}

// For returns the client for sp, wrapped in a circuit breaker when enabled.
func (f *Factory) For(sp domain.Specialist) (Client, error) {
	key := cacheKey(sp)

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[sp.ID]; ok && c.key == key {
		return c.client, nil
	}

	client, err := f.build(sp)
	if err != nil {
		return nil, err
	}
	if f.breaker.Enabled {
		client = NewBreaker(sp.ID, client, f.breaker, f.logger)
	}
	f.clients[sp.ID] = cachedClient{key: key, client: client}
	return client, nil
}

// ClientFor adapts For to the domain client interface.
func (f *Factory) ClientFor(sp domain.Specialist) (domain.SpecialistClient, error) {
	return f.For(sp)
}

func (f *Factory) build(sp domain.Specialist) (Client, error) {
	switch sp.ConnectionKind {
	case domain.ConnectionSocket:
		return NewSocketClient(sp.ID, sp.Connection, f.opts), nil
	case domain.ConnectionHTTP:
		return NewHTTPClient(sp.ID, sp.Connection.BaseURL, f.opts, f.httpClient), nil
	default:
		return nil, domain.NewDomainError("Factory.For", domain.ErrInvalidInput,
			fmt.Sprintf("specialist %s: unknown connection kind %q", sp.ID, sp.ConnectionKind))
	}
}

// Activator returns a client able to wake sp remotely, if its kind supports it.
func (f *Factory) Activator(sp domain.Specialist) (Activator, bool) {
	if sp.ConnectionKind != domain.ConnectionHTTP {
		return nil, false
	}
	return NewHTTPClient(sp.ID, sp.Connection.BaseURL, f.opts, f.httpClient), true
}

// Forget drops the cached client for id.
func (f *Factory) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, id)
}

// BreakerStates reports the breaker state of every cached client.
func (f *Factory) BreakerStates() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.clients))
	for id, c := range f.clients {
		if b, ok := c.client.(*Breaker); ok {
			out[id] = b.State().String()
		}
	}
	return out
}
