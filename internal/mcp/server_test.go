package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/orchflow/orchflow/internal/config"
	"github.com/orchflow/orchflow/internal/orchestrator"
)

// orchestratorHarness bundles a Runtime with the MCP server wrapping it, the
// shape every handler test below drives through GetTool(...).Handler(...).
type orchestratorHarness struct {
	rt     *orchestrator.Runtime
	server *server.MCPServer
}

func newTestServer(t *testing.T) *orchestratorHarness {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.Path = ":memory:"
	cfg.Runtime.EnableAutoScaling = false

	rt, err := orchestrator.New(zerolog.Nop(), cfg)
	require.NoError(t, err)

	return &orchestratorHarness{rt: rt, server: NewServer(rt)}
}

// catArgs routes a spawned worker's backend process to `cat`, a real
// subprocess guaranteed present, instead of the production default of
// `opencode run`.
func catArgs() map[string]any {
	return map[string]any{"command": "cat", "args": []any{}, "backend": "plain"}
}

func callTool(t *testing.T, h *orchestratorHarness, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := h.server.GetTool(name)
	require.NotNil(t, tool, "tool %q not registered", name)

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestSpawnWorkerAndWorkerStatusRoundTrip(t *testing.T) {
	h := newTestServer(t)

	spawnResult := callTool(t, h, "orchflow_spawn_worker", map[string]any{
		"task":     "fix the login bug",
		"type":     "code",
		"metadata": catArgs(),
	})
	require.False(t, spawnResult.IsError)

	var spawned orchestrator.SpawnResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, spawnResult)), &spawned))
	require.Equal(t, 1, spawned.QuickAccessKey)
	require.Equal(t, "code-1", spawned.Name)

	statusResult := callTool(t, h, "orchflow_worker_status", map[string]any{"worker_id": spawned.WorkerID})
	require.False(t, statusResult.IsError)

	var entry orchestrator.WorkerStatusEntry
	require.NoError(t, json.Unmarshal([]byte(resultText(t, statusResult)), &entry))
	require.Equal(t, spawned.WorkerID, entry.WorkerID)
}

func TestSpawnWorkerMissingTaskReturnsValidationError(t *testing.T) {
	h := newTestServer(t)

	result := callTool(t, h, "orchflow_spawn_worker", map[string]any{"task": ""})
	require.True(t, result.IsError)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &payload))
	require.Equal(t, "validation", payload["kind"])
}

func TestShareKnowledgeAndSwitchContext(t *testing.T) {
	h := newTestServer(t)

	spawnResult := callTool(t, h, "orchflow_spawn_worker", map[string]any{
		"task":     "research the API",
		"type":     "research",
		"metadata": catArgs(),
	})
	var spawned orchestrator.SpawnResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, spawnResult)), &spawned))

	shareResult := callTool(t, h, "orchflow_share_knowledge", map[string]any{
		"knowledge":      map[string]any{"api_base_url": "https://example.test"},
		"target_workers": []any{spawned.WorkerID},
	})
	require.False(t, shareResult.IsError)

	switchResult := callTool(t, h, "orchflow_switch_context", map[string]any{
		"worker_id":        spawned.WorkerID,
		"preserve_history": true,
	})
	require.False(t, switchResult.IsError)

	var switched orchestrator.SwitchContextResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, switchResult)), &switched))
	require.Equal(t, "https://example.test", switched.SharedKnowledge["api_base_url"])
}

func TestSmartConnectByQuickKey(t *testing.T) {
	h := newTestServer(t)

	_ = callTool(t, h, "orchflow_spawn_worker", map[string]any{
		"task":     "fix the login bug",
		"type":     "code",
		"metadata": catArgs(),
	})

	result := callTool(t, h, "orchflow_smart_connect", map[string]any{"target": "1"})
	require.False(t, result.IsError)

	var connected orchestrator.SmartConnectResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &connected))
	require.True(t, connected.Success)
	require.Equal(t, "code-1", connected.WorkerName)
}

func TestStatusRichReportsQuickAccess(t *testing.T) {
	h := newTestServer(t)

	_ = callTool(t, h, "orchflow_spawn_worker", map[string]any{
		"task":     "fix the login bug",
		"type":     "code",
		"metadata": catArgs(),
	})

	result := callTool(t, h, "orchflow_status_rich", map[string]any{})
	require.False(t, result.IsError)

	var status orchestrator.StatusRichResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &status))
	require.Equal(t, "code-1", status.QuickAccess[1])
}
