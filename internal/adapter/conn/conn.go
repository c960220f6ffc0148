// Package conn implements the connection clients used to talk to specialists: a
// newline-delimited JSON socket client and an HTTP client for orchestrator-hosted
// specialists.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"chorus/internal/domain"
)

// Default client settings.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultConnectTimeout = 2 * time.Second
	DefaultMaxLineBytes   = 4 << 20
)

// Options configures a connection client.
type Options struct {
	Timeout        time.Duration // per-call default when ctx carries no deadline
	ConnectTimeout time.Duration
	MaxLineBytes   int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	return o
}

// Client is a specialist connection with live introspection.
type Client interface {
	domain.SpecialistClient
	// Info returns the specialist's self-description.
	Info(ctx context.Context) (json.RawMessage, error)
	// Schema returns the specialist-specific schema, or nil when it has none.
	Schema(ctx context.Context) (json.RawMessage, error)
}

// Activator wakes a specialist remotely.
type Activator = domain.Activator

// withDeadline applies the default timeout when ctx has no deadline of its own.
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// classify maps a transport error to a call kind.
func classify(ctx context.Context, err error) domain.CallKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.CallTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.CallTimeout
	}
	return domain.CallConnection
}

// wireReply is the union of success and error replies on the socket protocol.
type wireReply struct {
	Content  *string         `json:"content"`
	Response *string         `json:"response"`
	Model    string          `json:"model"`
	Usage    domain.Usage    `json:"usage"`
	Type     string          `json:"type"`
	Error    json.RawMessage `json:"error"`
	Message  string          `json:"message"`
	Code     json.RawMessage `json:"code"`
}

// decodeReply parses one reply line. Malformed JSON is a ProtocolError; error replies
// become a RemoteError.
func decodeReply(raw []byte) (*domain.Response, error) {
	var w wireReply
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, domain.NewProtocolError(err.Error(), raw)
	}
	errText := rawText(w.Error)
	if w.Type == "error" || errText != "" {
		msg := errText
		if msg == "" {
			msg = w.Message
		}
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &domain.RemoteError{Code: rawText(w.Code), Message: msg}
	}

	resp := &domain.Response{Model: w.Model, Usage: w.Usage, Raw: json.RawMessage(raw)}
	switch {
	case w.Content != nil:
		resp.Content = *w.Content
	case w.Response != nil:
		resp.Content = *w.Response
	}
	return resp, nil
}

// rawText renders a JSON scalar as text: strings unquoted, null as empty.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
