package conn_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/adapter/conn"
	"chorus/internal/domain"
	"chorus/pkg/specialistsdk"
)

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"chat", `{"type":"chat","content":"hi"}`, true},
		{"chat with options", `{"type":"chat","content":"hi","temperature":0.7,"max_tokens":100,"system_prompt":"s"}`, true},
		{"ping", `{"type":"ping"}`, true},
		{"schema", `{"type":"schema"}`, true},
		{"missing type", `{"content":"hi"}`, false},
		{"unknown type", `{"type":"sing"}`, false},
		{"temperature too high", `{"type":"chat","temperature":3}`, false},
		{"zero max tokens", `{"type":"chat","max_tokens":0}`, false},
		{"content not string", `{"type":"chat","content":42}`, false},
		{"not an object", `[1,2]`, false},
		{"not json", `hello`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := conn.ValidateRequest([]byte(tt.raw))
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrProtocol)
		})
	}
}

func TestBaseSchema(t *testing.T) {
	s := conn.BaseSchema("apollo-ai")
	assert.Equal(t, "apollo-ai", s["specialist_id"])

	types := s["message_types"].(map[string]any)
	assert.Contains(t, types, "chat")
	assert.Contains(t, types, "info")
	assert.Contains(t, types, "ping")

	_, err := json.Marshal(s)
	assert.NoError(t, err)
}

func TestDescribeSchemaMergesLive(t *testing.T) {
	sp := startEcho(t, specialistsdk.WithSchema([]byte(`{"custom_types":{"plan":{}},"specialist_id":"echo-ai"}`)))
	c := conn.NewSocketClient("echo-ai", connInfo(t, sp.Addr()), conn.Options{})

	out, err := conn.DescribeSchema(context.Background(), c, "echo-ai")
	require.NoError(t, err)
	assert.Contains(t, out, "custom_types")
	assert.Contains(t, out, "message_types")
}

func TestDescribeSchemaFallsBackToBase(t *testing.T) {
	sp := startEcho(t)
	c := conn.NewSocketClient("echo-ai", connInfo(t, sp.Addr()), conn.Options{})

	out, err := conn.DescribeSchema(context.Background(), c, "echo-ai")
	assert.ErrorIs(t, err, domain.ErrRemote)
	assert.Equal(t, "echo-ai", out["specialist_id"])
	assert.Contains(t, out, "message_types")
}

func TestDescribeSchemaHTTP(t *testing.T) {
	_, srv := newOrchestrator(t, "rhetor-ai")
	c := conn.NewHTTPClient("rhetor-ai", srv.URL, conn.Options{}, srv.Client())

	out, err := conn.DescribeSchema(context.Background(), c, "rhetor-ai")
	require.NoError(t, err)
	assert.Equal(t, "rhetor-ai", out["specialist_id"])
}
