package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/domain"
	"chorus/internal/usecase/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

type fakeRegistry struct {
	specialists []domain.Specialist
	lastFilter  domain.SpecialistFilter
}

func (f *fakeRegistry) Get(_ context.Context, id string) (domain.Specialist, error) {
	for _, sp := range f.specialists {
		if sp.ID == id {
			return sp, nil
		}
	}
	return domain.Specialist{}, &domain.NotFoundError{Token: id, Suggestions: []string{"apollo-ai"}}
}

func (f *fakeRegistry) List(_ context.Context, filter domain.SpecialistFilter) []domain.Specialist {
	f.lastFilter = filter
	var out []domain.Specialist
	for _, sp := range f.specialists {
		if filter.Match(sp) {
			out = append(out, sp)
		}
	}
	return out
}

type fakeRanker struct{ best domain.Specialist }

func (f fakeRanker) FindBestForRole(_ context.Context, role string) (domain.Specialist, error) {
	if f.best.HasRole(role) {
		return f.best, nil
	}
	return domain.Specialist{}, &domain.NotFoundError{Token: "@" + role}
}

func (f fakeRanker) Candidates(_ context.Context, role string) []domain.Specialist {
	if f.best.HasRole(role) {
		return []domain.Specialist{f.best}
	}
	return nil
}

type fakeRouter struct {
	token string
	opts  router.Options
	err   error
}

func (f *fakeRouter) Route(_ context.Context, token string, req domain.Request, opts router.Options) (*domain.RoutedResponse, error) {
	f.token, f.opts = token, opts
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RoutedResponse{
		Response:     domain.Response{Content: "echo " + req.Content, Elapsed: 1500 * time.Millisecond},
		SpecialistID: "apollo-ai",
	}, nil
}

type fakePipelines struct {
	body string
	err  error
}

func (f *fakePipelines) Start(_ context.Context, route, body string) (*domain.PipelineMessage, *domain.RoutedResponse, error) {
	f.body = body
	if f.err != nil {
		return nil, nil, f.err
	}
	return &domain.PipelineMessage{ID: "m1", Route: route, State: domain.StateAtHop},
		&domain.RoutedResponse{Response: domain.Response{Content: "got it"}, SpecialistID: "numa-ai"}, nil
}

func (f *fakePipelines) Continue(_ context.Context, route, body string) (*domain.PipelineMessage, *domain.RoutedResponse, error) {
	f.body = body
	if f.err != nil {
		return nil, nil, f.err
	}
	return &domain.PipelineMessage{ID: "m1", Route: route, Position: 2, State: domain.StateDelivered},
		&domain.RoutedResponse{SpecialistID: "rhetor-ai"}, nil
}

func apollo() domain.Specialist {
	return domain.Specialist{
		ID: "apollo-ai", Name: "apollo", Roles: []string{"planning"}, Status: domain.StatusHealthy,
		ConnectionKind: domain.ConnectionSocket, Connection: domain.ConnectionInfo{Host: "localhost", Port: 45012},
	}
}

func TestListSpecialists(t *testing.T) {
	reg := &fakeRegistry{specialists: []domain.Specialist{apollo()}}
	tool := NewListSpecialistsTool(reg)

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{"role": "planning", "status": "healthy"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	var list []domain.Specialist
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "apollo-ai", list[0].ID)
	assert.Equal(t, domain.StatusHealthy, reg.lastFilter.Status)

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"role": "nobody"}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(res))

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"status": "sleepy"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSpecialistInfo(t *testing.T) {
	tool := NewSpecialistInfoTool(&fakeRegistry{specialists: []domain.Specialist{apollo()}})

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{"id": "apollo-ai"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(res), `"id": "apollo-ai"`)

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"id": "apolo"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "NOT_FOUND")
	assert.Contains(t, resultText(res), "did you mean: apollo-ai")

	res, err = tool.Handle(context.Background(), makeReq(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestBestSpecialist(t *testing.T) {
	tool := NewBestSpecialistTool(fakeRanker{best: apollo()})

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{"role": "planning"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(res), `"id": "apollo-ai"`)

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"role": "planning", "all": true}))
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(resultText(res))))
	assert.Contains(t, resultText(res), "apollo-ai")

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"role": "music", "all": true}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(res))

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"role": "music"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	for _, all := range []bool{false, true} {
		res, err = tool.Handle(context.Background(), makeReq(map[string]any{"role": " ", "all": all}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(res), "[INVALID_INPUT]")
	}
}

func TestRouteMessage(t *testing.T) {
	r := &fakeRouter{}
	tool := NewRouteMessageTool(r)

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"to": "@planning", "message": "hi", "timeout_seconds": 2.5, "no_substitute": true,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "@planning", r.token)
	assert.Equal(t, router.Options{Timeout: 2500 * time.Millisecond, NoSubstitute: true}, r.opts)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &out))
	assert.Equal(t, "echo hi", out["content"])
	assert.InDelta(t, 1.5, out["elapsed_seconds"], 1e-9)

	r.err = domain.NewCallError(domain.CallTimeout, "apollo-ai", time.Second, nil)
	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"to": "apollo", "message": "hi"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "[TIMEOUT]")

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"to": "apollo"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestPipelineTools(t *testing.T) {
	p := &fakePipelines{}

	res, err := NewPipelineStartTool(p).Handle(context.Background(),
		makeReq(map[string]any{"route": "review", "message": "ship?"}))
	require.NoError(t, err)
	assert.Equal(t, "ship?", p.body)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &out))
	assert.Equal(t, "m1", out["id"])
	assert.Equal(t, "numa-ai", out["specialist_id"])
	assert.Equal(t, "got it", out["reply"])

	res, err = NewPipelineContinueTool(p).Handle(context.Background(),
		makeReq(map[string]any{"route": "review", "payload": `{"id":"m1"}`}))
	require.NoError(t, err)
	assert.Contains(t, resultText(res), `"state": "delivered"`)

	p.err = domain.NewSubSystemError("pipeline", "Engine.Continue", domain.ErrProtocol, "annotation 0 was modified")
	res, err = NewPipelineContinueTool(p).Handle(context.Background(),
		makeReq(map[string]any{"route": "review", "payload": `{}`}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "[ROUTE_PAYLOAD_INVALID]")
}

func TestServerListsTools(t *testing.T) {
	s := New(Deps{
		Registry:  &fakeRegistry{},
		Ranker:    fakeRanker{},
		Router:    &fakeRouter{},
		Pipelines: &fakePipelines{},
	}, testLogger())

	ctx := context.Background()
	s.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{`+
		`"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`))
	resp := s.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{
		"list_specialists", "specialist_info", "best_specialist",
		"route_message", "pipeline_start", "pipeline_continue",
	} {
		assert.Contains(t, string(data), `"`+name+`"`)
	}
}
