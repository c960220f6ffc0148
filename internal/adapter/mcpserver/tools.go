package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"chorus/internal/domain"
	"chorus/internal/usecase/router"
)

// Registry is the read side of the specialist registry.
type Registry interface {
	Get(ctx context.Context, id string) (domain.Specialist, error)
	List(ctx context.Context, filter domain.SpecialistFilter) []domain.Specialist
}

// Ranker picks specialists by role.
type Ranker interface {
	FindBestForRole(ctx context.Context, role string) (domain.Specialist, error)
	Candidates(ctx context.Context, role string) []domain.Specialist
}

// Router sends a message to whatever a token resolves to.
type Router interface {
	Route(ctx context.Context, token string, req domain.Request, opts router.Options) (*domain.RoutedResponse, error)
}

// Pipelines starts and continues pipeline messages.
type Pipelines interface {
	Start(ctx context.Context, routeName, body string) (*domain.PipelineMessage, *domain.RoutedResponse, error)
	Continue(ctx context.Context, routeName, body string) (*domain.PipelineMessage, *domain.RoutedResponse, error)
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult reports err to the model with its machine code, e.g. "[SPECIALIST_NOT_FOUND] ...".
func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("[%s] %v", domain.ErrorCodeOf(err), err))
}

// ListSpecialistsTool handles list_specialists.
type ListSpecialistsTool struct {
	reg Registry
}

// NewListSpecialistsTool creates the list_specialists tool over reg.
func NewListSpecialistsTool(reg Registry) *ListSpecialistsTool {
	return &ListSpecialistsTool{reg: reg}
}

// Definition describes list_specialists and its optional filters.
func (t *ListSpecialistsTool) Definition() mcp.Tool {
	return mcp.NewTool("list_specialists",
		mcp.WithDescription("List registered CI specialists, optionally filtered by role, capability or status."),
		mcp.WithString("role", mcp.Description("Only specialists with this role")),
		mcp.WithString("capability", mcp.Description("Only specialists with this capability")),
		mcp.WithString("status", mcp.Description("healthy, unhealthy or unknown")),
	)
}

// Handle returns the matching records as a JSON array. A bad status filter is a
// tool error.
func (t *ListSpecialistsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := domain.SpecialistFilter{
		Role:       req.GetString("role", ""),
		Capability: req.GetString("capability", ""),
	}
	if s := req.GetString("status", ""); s != "" {
		status, err := domain.ParseStatus(s)
		if err != nil {
			return errorResult(err), nil
		}
		filter.Status = status
	}
	list := t.reg.List(ctx, filter)
	if list == nil {
		list = []domain.Specialist{}
	}
	return jsonResult(list)
}

// SpecialistInfoTool handles specialist_info.
type SpecialistInfoTool struct {
	reg Registry
}

// NewSpecialistInfoTool creates the specialist_info tool over reg.
func NewSpecialistInfoTool(reg Registry) *SpecialistInfoTool {
	return &SpecialistInfoTool{reg: reg}
}

// Definition describes specialist_info.
func (t *SpecialistInfoTool) Definition() mcp.Tool {
	return mcp.NewTool("specialist_info",
		mcp.WithDescription("Show the full registry record of one specialist."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Specialist id, e.g. apollo-ai")),
	)
}

// Handle returns one record by exact id.
func (t *SpecialistInfoTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sp, err := t.reg.Get(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(sp)
}

// BestSpecialistTool handles best_specialist.
type BestSpecialistTool struct {
	ranker Ranker
}

// NewBestSpecialistTool creates the best_specialist tool over ranker.
func NewBestSpecialistTool(ranker Ranker) *BestSpecialistTool {
	return &BestSpecialistTool{ranker: ranker}
}

// Definition describes best_specialist.
func (t *BestSpecialistTool) Definition() mcp.Tool {
	return mcp.NewTool("best_specialist",
		mcp.WithDescription("Pick the healthiest, fastest specialist for a role."),
		mcp.WithString("role", mcp.Required(), mcp.Description("Role tag, e.g. planning")),
		mcp.WithBoolean("all", mcp.Description("Return every candidate in rank order")),
	)
}

// Handle returns the best healthy specialist for the role, or every candidate in
// rank order when all is set. An empty role is rejected.
func (t *BestSpecialistTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role, err := req.RequireString("role")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(role) == "" {
		return errorResult(domain.NewDomainError("best_specialist", domain.ErrInvalidInput, "empty role")), nil
	}
	if req.GetBool("all", false) {
		list := t.ranker.Candidates(ctx, role)
		if list == nil {
			list = []domain.Specialist{}
		}
		return jsonResult(list)
	}
	sp, err := t.ranker.FindBestForRole(ctx, role)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(sp)
}

// RouteMessageTool handles route_message.
type RouteMessageTool struct {
	router Router
}

// NewRouteMessageTool creates the route_message tool over r.
func NewRouteMessageTool(r Router) *RouteMessageTool {
	return &RouteMessageTool{router: r}
}

// Definition describes route_message.
func (t *RouteMessageTool) Definition() mcp.Tool {
	return mcp.NewTool("route_message",
		mcp.WithDescription("Send a chat message to a specialist by name, id or @role. "+
			"An unhealthy target is replaced by a healthy specialist with the same primary role."),
		mcp.WithString("to", mcp.Required(), mcp.Description("Specialist name, id or @role")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message content")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Per-call timeout")),
		mcp.WithBoolean("no_substitute", mcp.Description("Never replace an unhealthy target")),
	)
}

// Handle routes one chat message and reports the reply, the specialist that
// answered and any substitution.
func (t *RouteMessageTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := router.Options{NoSubstitute: req.GetBool("no_substitute", false)}
	if secs := req.GetFloat("timeout_seconds", 0); secs > 0 {
		opts.Timeout = time.Duration(secs * float64(time.Second))
	}
	resp, err := t.router.Route(ctx, to, domain.NewChatRequest(message), opts)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"specialist_id":   resp.SpecialistID,
		"content":         resp.Content,
		"model":           resp.Model,
		"elapsed_seconds": resp.Elapsed.Seconds(),
		"substitution":    resp.Substitution,
	})
}

// pipelineResult is returned by pipeline_start and pipeline_continue.
func pipelineResult(msg *domain.PipelineMessage, resp *domain.RoutedResponse) (*mcp.CallToolResult, error) {
	out := map[string]any{
		"id":       msg.ID,
		"route":    msg.Route,
		"position": msg.Position,
		"state":    msg.State,
	}
	if resp != nil {
		out["specialist_id"] = resp.SpecialistID
		out["reply"] = resp.Content
	}
	return jsonResult(out)
}

// PipelineStartTool handles pipeline_start.
type PipelineStartTool struct {
	pipelines Pipelines
}

// NewPipelineStartTool creates the pipeline_start tool over p.
func NewPipelineStartTool(p Pipelines) *PipelineStartTool {
	return &PipelineStartTool{pipelines: p}
}

// Definition describes pipeline_start.
func (t *PipelineStartTool) Definition() mcp.Tool {
	return mcp.NewTool("pipeline_start",
		mcp.WithDescription("Send a message into a named route. Plain text stays text at the destination; "+
			`JSON payloads look like {"message": "...", "annotations": []}.`),
		mcp.WithString("route", mcp.Required(), mcp.Description("Route name")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Plain text or JSON payload")),
	)
}

// Handle starts a pipeline message on the named route.
func (t *PipelineStartTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	route, err := req.RequireString("route")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg, resp, err := t.pipelines.Start(ctx, route, message)
	if err != nil {
		return errorResult(err), nil
	}
	return pipelineResult(msg, resp)
}

// PipelineContinueTool handles pipeline_continue.
type PipelineContinueTool struct {
	pipelines Pipelines
}

// NewPipelineContinueTool creates the pipeline_continue tool over p.
func NewPipelineContinueTool(p Pipelines) *PipelineContinueTool {
	return &PipelineContinueTool{pipelines: p}
}

// Definition describes pipeline_continue.
func (t *PipelineContinueTool) Definition() mcp.Tool {
	return mcp.NewTool("pipeline_continue",
		mcp.WithDescription("Hand a pipeline message to the next hop. The payload is the envelope you "+
			"received with exactly one annotation appended; the message itself must not change."),
		mcp.WithString("route", mcp.Required(), mcp.Description("Route name")),
		mcp.WithString("payload", mcp.Required(), mcp.Description("JSON envelope with your annotation")),
	)
}

// Handle forwards an annotated envelope to the next hop.
func (t *PipelineContinueTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	route, err := req.RequireString("route")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload, err := req.RequireString("payload")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg, resp, err := t.pipelines.Continue(ctx, route, payload)
	if err != nil {
		return errorResult(err), nil
	}
	return pipelineResult(msg, resp)
}
