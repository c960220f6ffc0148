package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"chorus/internal/domain"
)

// PayloadJSONSchema describes a JSON pipeline payload. Hops receive an Envelope and hand
// it back with one more annotation, so the envelope routing fields are allowed too.
const PayloadJSONSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "id": {"type": "string"},
    "message": {"type": "string"},
    "name": {"type": "string"},
    "dest": {"type": "string"},
    "purpose": {"type": "string"},
    "annotations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["author"],
        "properties": {
          "author": {"type": "string", "minLength": 1},
          "type": {"type": "string"}
        }
      }
    }
  }
}`

var (
	payloadSchemaOnce sync.Once
	payloadSchema     *jsonschema.Schema
	payloadSchemaErr  error
)

// payload is the decoded form of a JSON pipeline payload.
type payload struct {
	ID          string              `json:"id"`
	Message     string              `json:"message"`
	Annotations []domain.Annotation `json:"annotations"`
}

// IsJSON reports whether raw is treated as a JSON payload.
func IsJSON(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), "{")
}

func payloadError(op, detail string, raw []byte) error {
	if perr := domain.NewProtocolError(detail, raw); perr.Excerpt != "" {
		detail = fmt.Sprintf("%s (payload %q)", detail, perr.Excerpt)
	}
	return domain.NewSubSystemError("pipeline", op, domain.ErrProtocol, detail)
}

// decodePayload validates raw against PayloadJSONSchema and decodes it.
func decodePayload(op string, raw []byte) (payload, error) {
	payloadSchemaOnce.Do(func() {
		payloadSchema, payloadSchemaErr = jsonschema.NewCompiler().Compile([]byte(PayloadJSONSchema))
	})
	if payloadSchemaErr != nil {
		return payload{}, fmt.Errorf("compile payload schema: %w", payloadSchemaErr)
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return payload{}, payloadError(op, "invalid JSON: "+err.Error(), raw)
	}
	if result := payloadSchema.Validate(data); !result.IsValid() {
		return payload{}, payloadError(op, fmt.Sprintf("%s", result.Error()), raw)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return payload{}, payloadError(op, err.Error(), raw)
	}
	if p.Annotations == nil {
		p.Annotations = []domain.Annotation{}
	}
	return p, nil
}

// sameAnnotation compares annotations with JSON-equal data, so a hop that re-encodes the
// envelope with different whitespace still matches.
func sameAnnotation(a, b domain.Annotation) bool {
	if a.Author != b.Author || a.Type != b.Type {
		return false
	}
	if bytes.Equal(a.Data, b.Data) {
		return true
	}
	if len(a.Data) == 0 || len(b.Data) == 0 {
		return isNullJSON(a.Data) && isNullJSON(b.Data)
	}
	var av, bv any
	if json.Unmarshal(a.Data, &av) != nil || json.Unmarshal(b.Data, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func isNullJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
