package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoagent/internal/domain"
)

type mockTool struct {
	name   string
	params json.RawMessage
}

func (m *mockTool) Name() string        { return m.name }
func (m *mockTool) Description() string { return "mock" }
func (m *mockTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: m.name, Parameters: m.params}
}
func (m *mockTool) Execute(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	return &domain.ToolResult{Name: m.name, Success: true, Content: "ok"}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&mockTool{name: "b"}))
	require.NoError(t, reg.Register(&mockTool{name: "a"}))

	got, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name())

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	schemas := reg.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "a", schemas[0].Name)
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&mockTool{name: "dup"}))
	assert.Error(t, reg.Register(&mockTool{name: "dup"}))
}

func TestRegistryNotFound(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
	assert.ErrorIs(t, reg.Validate("missing", nil), domain.ErrToolNotFound)
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(NewCalculatorTool(newTestLogger())))

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid", `{"expression": "1+1"}`, false},
		{"missing required", `{}`, true},
		{"wrong type", `{"expression": 5}`, true},
		{"empty string", `{"expression": ""}`, true},
		{"malformed JSON", `{"expression":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate("calculator", json.RawMessage(tt.args))
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrToolValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistryValidateWithoutSchema(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&mockTool{name: "free"}))
	assert.NoError(t, reg.Validate("free", json.RawMessage(`{"anything": true}`)))
	assert.NoError(t, reg.Validate("free", nil))
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(&mockTool{name: "bad", params: json.RawMessage(`{"type": 12`)})
	assert.Error(t, err)
	_, err = reg.Get("bad")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}
