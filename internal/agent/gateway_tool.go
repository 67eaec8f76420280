package agent

import (
	"context"
	"encoding/json"

	"github.com/agentcore/agentcore/internal/mcp"
)

// gatewayTool adapts one catalog entry of a mcp.Gateway into the agent.Tool
// interface, so the existing ToolRegistry/ToolExecutor machinery can fan
// tool calls out to MCP providers without any changes to either.
type gatewayTool struct {
	gw   *mcp.Gateway
	desc mcp.ToolDescriptor
}

func (t *gatewayTool) Name() string        { return t.desc.Name }
func (t *gatewayTool) Description() string { return t.desc.Description }
func (t *gatewayTool) Schema() json.RawMessage {
	if len(t.desc.ParametersSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(t.desc.ParametersSchema)
}

func (t *gatewayTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &ToolResult{Content: "invalid tool arguments: " + err.Error(), IsError: true}, nil
		}
	}

	res := t.gw.CallQualifiedOrBare(ctx, t.desc.Name, args, false)
	if !res.OK {
		return &ToolResult{Content: res.Error, IsError: true}, nil
	}

	text := ""
	if s, ok := res.Result.(string); ok {
		text = s
	} else if b, err := json.Marshal(res.Result); err == nil {
		text = string(b)
	}
	return &ToolResult{Content: text}, nil
}

// SyncToolRegistry rebuilds a ToolRegistry from a gateway's current catalog,
// keyed by the gateway's provider-qualified tool names so the catalog
// snapshot the model sees matches exactly what Call will accept back.
func SyncToolRegistry(registry *ToolRegistry, gw *mcp.Gateway, maxTools int) {
	descriptors := gw.ListTools(context.Background(), nil)
	if maxTools > 0 && len(descriptors) > maxTools {
		descriptors = descriptors[:maxTools]
	}
	for _, d := range descriptors {
		registry.Register(&gatewayTool{gw: gw, desc: d})
	}
}
