package domain

import (
	"context"
	"encoding/json"
	"time"
)

// RequestType is the "type" field of a specialist request.
type RequestType string

const (
	RequestChat   RequestType = "chat"
	RequestInfo   RequestType = "info"
	RequestPing   RequestType = "ping"
	RequestSchema RequestType = "schema"
)

// Request is the newline-delimited JSON request sent to a specialist.
type Request struct {
	Type         RequestType `json:"type"`
	Content      string      `json:"content,omitempty"`
	Temperature  *float64    `json:"temperature,omitempty"`
	MaxTokens    int         `json:"max_tokens,omitempty"`
	SystemPrompt string      `json:"system_prompt,omitempty"`

	// ContextID is carried only by HTTP specialists.
	ContextID string `json:"-"`
}

// NewChatRequest builds a chat request for content.
func NewChatRequest(content string) Request {
	return Request{Type: RequestChat, Content: content}
}

// Usage tracks token consumption reported by a specialist.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a successful specialist reply.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`

	// Raw is the undecoded reply, kept for info and schema introspection.
	Raw     json.RawMessage `json:"-"`
	Elapsed time.Duration   `json:"-"`
}

// SpecialistClient is the send/ping contract shared by socket and HTTP specialists.
// Failed calls return *CallError.
type SpecialistClient interface {
	Send(ctx context.Context, req Request) (*Response, error)
	// Ping is a lightweight liveness probe; a nil error means reachable.
	Ping(ctx context.Context) (time.Duration, error)
}

// Activator is implemented by clients whose specialist can be woken remotely.
type Activator interface {
	Activate(ctx context.Context) error
}

// Substitution records that the router used a healthy stand-in for an unhealthy
// specialist.
type Substitution struct {
	Substituted bool   `json:"substituted"`
	Original    string `json:"original"`
	Used        string `json:"used"`
}

// RoutedResponse is a specialist reply together with routing metadata.
type RoutedResponse struct {
	Response
	SpecialistID string        `json:"specialist_id"`
	Substitution *Substitution `json:"substitution,omitempty"`
}
