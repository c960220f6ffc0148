package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"chorus/internal/domain"
)

// RequestJSONSchema describes one request line of the socket protocol.
const RequestJSONSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "enum": ["chat", "info", "ping", "schema"]},
    "content": {"type": "string"},
    "temperature": {"type": "number", "minimum": 0, "maximum": 2},
    "max_tokens": {"type": "integer", "minimum": 1},
    "system_prompt": {"type": "string"}
  }
}`

var (
	requestSchemaOnce sync.Once
	requestSchema     *jsonschema.Schema
	requestSchemaErr  error
)

// ValidateRequest checks a raw request line against RequestJSONSchema. Violations are
// ProtocolErrors.
func ValidateRequest(raw []byte) error {
	requestSchemaOnce.Do(func() {
		requestSchema, requestSchemaErr = jsonschema.NewCompiler().Compile([]byte(RequestJSONSchema))
	})
	if requestSchemaErr != nil {
		return fmt.Errorf("compile request schema: %w", requestSchemaErr)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return domain.NewProtocolError(err.Error(), raw)
	}
	result := requestSchema.Validate(data)
	if !result.IsValid() {
		return domain.NewProtocolError(fmt.Sprintf("%s", result.Error()), raw)
	}
	return nil
}

// BaseSchema is the message schema every specialist supports.
func BaseSchema(id string) map[string]any {
	return map[string]any{
		"specialist_id": id,
		"message_types": map[string]any{
			"chat": map[string]any{
				"description": "Standard chat/completion request",
				"required":    []string{"content"},
				"optional":    []string{"temperature", "max_tokens", "system_prompt"},
			},
			"info": map[string]any{
				"description": "Get specialist information",
				"required":    []string{},
				"optional":    []string{},
			},
			"ping": map[string]any{
				"description": "Test connection",
				"required":    []string{},
				"optional":    []string{},
			},
		},
		"response_format": map[string]any{
			"chat": map[string]any{
				"content": "string",
				"model":   "string",
				"usage":   map[string]string{"prompt_tokens": "int", "completion_tokens": "int"},
			},
			"info": map[string]any{
				"model":          "string",
				"capabilities":   []string{"string"},
				"context_window": "int",
			},
			"ping": map[string]any{
				"pong":      "boolean",
				"timestamp": "float",
			},
		},
		"request_schema": json.RawMessage(RequestJSONSchema),
	}
}

// DescribeSchema returns the base schema merged with whatever the specialist reports
// about itself. The base schema is always returned; err reports a failed live query.
func DescribeSchema(ctx context.Context, c Client, id string) (map[string]any, error) {
	out := BaseSchema(id)
	raw, err := c.Schema(ctx)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	var live map[string]any
	if err := json.Unmarshal(raw, &live); err != nil {
		return out, domain.NewProtocolError(err.Error(), raw)
	}
	for k, v := range live {
		out[k] = v
	}
	return out, nil
}
