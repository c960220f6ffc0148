package specialistsdk

import (
	"encoding/json"
	"log/slog"
)

// Option configures a Specialist.
type Option func(*Specialist)

// WithListenAddr sets the TCP listen address. Default "127.0.0.1:0".
func WithListenAddr(addr string) Option {
	return func(s *Specialist) { s.listenAddr = addr }
}

// WithModel sets the model label reported in replies.
func WithModel(model string) Option {
	return func(s *Specialist) { s.model = model }
}

// WithRoles sets the roles advertised on registration.
func WithRoles(roles ...string) Option {
	return func(s *Specialist) { s.roles = roles }
}

// WithCapabilities sets the capabilities advertised on registration and in info replies.
func WithCapabilities(caps ...string) Option {
	return func(s *Specialist) { s.capabilities = caps }
}

// WithComponent sets the owning component name.
func WithComponent(component string) Option {
	return func(s *Specialist) { s.component = component }
}

// WithSchema sets the specialist-specific schema returned for "schema" requests.
func WithSchema(schema json.RawMessage) Option {
	return func(s *Specialist) { s.schema = schema }
}

// WithChatHandler sets the handler for chat requests.
func WithChatHandler(h ChatHandler) Option {
	return func(s *Specialist) { s.chat = h }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Specialist) { s.logger = logger }
}
