package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chorus/internal/domain"
)

// maxErrorBody bounds how much of a non-2xx body is kept on HTTPStatusError.
const maxErrorBody = 512

// HTTPClient talks to a specialist hosted by the orchestrator's REST API.
type HTTPClient struct {
	id     string
	base   string
	opts   Options
	client *http.Client
}

// NewHTTPClient creates a client for specialist id behind baseURL. A nil httpClient
// gets a pooled transport.
func NewHTTPClient(id, baseURL string, opts Options, httpClient *http.Client) *HTTPClient {
	opts = opts.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Transport: NewPooledTransport(opts.ConnectTimeout, opts.Timeout)}
	}
	return &HTTPClient{
		id:     id,
		base:   strings.TrimRight(baseURL, "/"),
		opts:   opts,
		client: httpClient,
	}
}

func (c *HTTPClient) endpoint(suffix string) string {
	return c.base + "/api/ai/specialists/" + url.PathEscape(c.id) + suffix
}

type messageRequest struct {
	Message   string         `json:"message"`
	ContextID string         `json:"context_id"`
	Streaming bool           `json:"streaming"`
	Options   map[string]any `json:"options,omitempty"`
}

type messageReply struct {
	Success      bool   `json:"success"`
	SpecialistID string `json:"specialist_id"`
	Response     string `json:"response"`
	Model        string `json:"model"`
	Error        string `json:"error"`
}

// Send implements domain.SpecialistClient. Ping requests are served by Ping; other
// non-chat types are rejected.
func (c *HTTPClient) Send(ctx context.Context, req domain.Request) (*domain.Response, error) {
	switch req.Type {
	case domain.RequestPing:
		elapsed, err := c.Ping(ctx)
		if err != nil {
			return nil, err
		}
		return &domain.Response{Content: "pong", Elapsed: elapsed}, nil
	case domain.RequestChat, "":
	default:
		return nil, domain.NewCallError(domain.CallProtocol, c.id, 0,
			fmt.Errorf("request type %q not supported over http", req.Type))
	}

	contextID := req.ContextID
	if contextID == "" {
		contextID = "default"
	}
	body := messageRequest{Message: req.Content, ContextID: contextID, Options: requestOptions(req)}

	start := time.Now()
	raw, kind, err := c.do(ctx, http.MethodPost, c.endpoint("/message"), body)
	elapsed := time.Since(start)
	if err != nil {
		return nil, domain.NewCallError(kind, c.id, elapsed, err)
	}

	var reply messageReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, domain.NewCallError(domain.CallProtocol, c.id, elapsed, domain.NewProtocolError(err.Error(), raw))
	}
	if !reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = "specialist reported failure"
		}
		return nil, domain.NewCallError(domain.CallRemote, c.id, elapsed, &domain.RemoteError{Message: msg})
	}
	return &domain.Response{Content: reply.Response, Model: reply.Model, Raw: raw, Elapsed: elapsed}, nil
}

func requestOptions(req domain.Request) map[string]any {
	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["max_tokens"] = req.MaxTokens
	}
	if req.SystemPrompt != "" {
		opts["system_prompt"] = req.SystemPrompt
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// Ping fetches the specialist record; any 2xx counts as alive.
func (c *HTTPClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, kind, err := c.do(ctx, http.MethodGet, c.endpoint(""), nil)
	elapsed := time.Since(start)
	if err != nil {
		return 0, domain.NewCallError(kind, c.id, elapsed, err)
	}
	return elapsed, nil
}

// Info returns the orchestrator's record for the specialist.
func (c *HTTPClient) Info(ctx context.Context) (json.RawMessage, error) {
	start := time.Now()
	raw, kind, err := c.do(ctx, http.MethodGet, c.endpoint(""), nil)
	if err != nil {
		return nil, domain.NewCallError(kind, c.id, time.Since(start), err)
	}
	if !json.Valid(raw) {
		return nil, domain.NewCallError(domain.CallProtocol, c.id, time.Since(start),
			domain.NewProtocolError("invalid JSON", raw))
	}
	return raw, nil
}

// Schema returns nil: orchestrator-hosted specialists only speak the base schema.
func (c *HTTPClient) Schema(context.Context) (json.RawMessage, error) {
	return nil, nil
}

// Activate asks the orchestrator to (re)start the specialist.
func (c *HTTPClient) Activate(ctx context.Context) error {
	start := time.Now()
	_, kind, err := c.do(ctx, http.MethodPost, c.endpoint("/activate"), map[string]bool{"force": false})
	if err != nil {
		return domain.NewCallError(kind, c.id, time.Since(start), err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body any) ([]byte, domain.CallKind, error) {
	ctx, cancel := withDeadline(ctx, c.opts.Timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, domain.CallProtocol, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, domain.CallConnection, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(ctx, err), err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.opts.MaxLineBytes)))
	if err != nil {
		return nil, classify(ctx, err), fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := raw
		if len(excerpt) > maxErrorBody {
			excerpt = excerpt[:maxErrorBody]
		}
		return nil, domain.CallConnection, &domain.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(excerpt)}
	}
	return raw, "", nil
}

// Pool settings for orchestrator connections: one or two hosts, modest concurrency.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// NewPooledTransport creates an http.Transport shared by calls to the same orchestrator.
func NewPooledTransport(connTimeout, respTimeout time.Duration) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = DefaultConnectTimeout
	}
	if respTimeout <= 0 {
		respTimeout = DefaultTimeout
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
}

var (
	_ Client    = (*HTTPClient)(nil)
	_ Activator = (*HTTPClient)(nil)
)
