// Package mcp implements the Tool-Call Server (spec C13, §4.11): a thin
// adapter that validates arguments, delegates to the orchestrator Runtime,
// and returns structured replies over MCP (`mark3labs/mcp-go`), the same
// transport and tool-registration idiom the teacher's NewServer already
// uses for its Feature/Task CRUD tools.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/internal/orchestrator"
)

// NewServer registers every §6.1 orchflow_* operation against rt and
// returns the MCP server ready to Serve.
func NewServer(rt *orchestrator.Runtime) *server.MCPServer {
	s := server.NewMCPServer("OrchFlow", "0.1.0")

	s.AddTool(mcp.NewTool("orchflow_spawn_worker",
		mcp.WithDescription("Spawn a new worker for a task and assign it a quick-access key."),
		mcp.WithString("task", mcp.Description("Task description"), mcp.Required()),
		mcp.WithString("type", mcp.Description("Worker type/capability (defaults to general)")),
		mcp.WithObject("metadata", mcp.Description("Free-form metadata, e.g. command/args/backend overrides")),
	), spawnWorkerHandler(rt))

	s.AddTool(mcp.NewTool("orchflow_worker_status",
		mcp.WithDescription("Report one worker's status, or every worker's if worker_id is omitted."),
		mcp.WithString("worker_id", mcp.Description("Worker id; omit for all workers")),
	), workerStatusHandler(rt))

	s.AddTool(mcp.NewTool("orchflow_switch_context",
		mcp.WithDescription("Retrieve a worker's persisted context and the currently shared knowledge."),
		mcp.WithString("worker_id", mcp.Description("Worker id"), mcp.Required()),
		mcp.WithBoolean("preserve_history", mcp.Description("Include the worker's decision history")),
	), switchContextHandler(rt))

	s.AddTool(mcp.NewTool("orchflow_share_knowledge",
		mcp.WithDescription("Broadcast knowledge to one or more workers."),
		mcp.WithObject("knowledge", mcp.Description("Knowledge payload"), mcp.Required()),
		mcp.WithArray("target_workers", mcp.Description("Worker ids to notify; defaults to every active worker")),
	), shareKnowledgeHandler(rt))

	s.AddTool(mcp.NewTool("orchflow_merge_work",
		mcp.WithDescription("Merge persisted work contexts from multiple workers."),
		mcp.WithArray("worker_ids", mcp.Description("Worker ids to merge"), mcp.Required()),
		mcp.WithString("strategy", mcp.Description("combine | sequential | overlay (default combine)")),
	), mergeWorkHandler(rt))

	s.AddTool(mcp.NewTool("orchflow_execute_parallel",
		mcp.WithDescription("Run a batch of tasks through the swarm coordinator's parallel shape."),
		mcp.WithArray("tasks", mcp.Description("List of {description, assign_to?}"), mcp.Required()),
	), executeParallelHandler(rt))

	s.AddTool(mcp.NewTool("orchflow_save_session",
		mcp.WithDescription("Persist a snapshot of every active worker's context under a session name."),
		mcp.WithString("name", mcp.Description("Session name"), mcp.Required()),
		mcp.WithString("description", mcp.Description("Optional session description")),
	), saveSessionHandler(rt))

	s.AddTool(mcp.NewTool("orchflow_restore_session",
		mcp.WithDescription("Restore worker contexts from a previously saved session."),
		mcp.WithString("name", mcp.Description("Session name"), mcp.Required()),
	), restoreSessionHandler(rt))

	s.AddTool(mcp.NewTool("orchflow_natural_task",
		mcp.WithDescription("Interpret free-form input, suggest next steps from learned history, and spawn a worker for it."),
		mcp.WithString("input", mcp.Description("Free-form task description"), mcp.Required()),
		mcp.WithArray("context", mcp.Description("Prior conversation turns, for context only")),
	), naturalTaskHandler(rt))

	s.AddTool(mcp.NewTool("orchflow_smart_connect",
		mcp.WithDescription("Resolve a quick-access key, worker name, or fuzzy match to a worker."),
		mcp.WithString("target", mcp.Description("Quick-access key, worker name, or fuzzy search term"), mcp.Required()),
		mcp.WithBoolean("fuzzy_match", mcp.Description("Allow fuzzy name matching")),
	), smartConnectHandler(rt))

	s.AddTool(mcp.NewTool("orchflow_status_rich",
		mcp.WithDescription("Return a structured dashboard of every worker, pending tasks, and the quick-access mapping."),
		mcp.WithString("format", mcp.Description("Display format hint (default summary)")),
	), statusRichHandler(rt))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// errorResult builds the §7 error reply shape: {error, kind, suggestions?}.
func errorResult(err error) (*mcp.CallToolResult, error) {
	payload := map[string]any{
		"error": err.Error(),
		"kind":  string(orcherr.KindOf(err)),
	}
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func argsOf(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	return args
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func spawnWorkerHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task := mcp.ParseString(request, "task", "")
		workType := mcp.ParseString(request, "type", "")

		var metadata map[string]any
		if m, ok := argsOf(request)["metadata"].(map[string]any); ok {
			metadata = m
		}

		res, err := rt.SpawnWorker(ctx, task, workType, metadata)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	}
}

func workerStatusHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workerID := mcp.ParseString(request, "worker_id", "")
		entries, err := rt.WorkerStatus(ctx, workerID)
		if err != nil {
			return errorResult(err)
		}
		if workerID != "" && len(entries) == 1 {
			return jsonResult(entries[0])
		}
		return jsonResult(entries)
	}
}

func switchContextHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workerID := mcp.ParseString(request, "worker_id", "")
		preserve := mcp.ParseBoolean(request, "preserve_history", true)

		res, err := rt.SwitchContext(ctx, workerID, preserve)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	}
}

func shareKnowledgeHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := argsOf(request)
		knowledge, _ := args["knowledge"].(map[string]any)
		targets := stringSlice(args["target_workers"])

		res, err := rt.ShareKnowledge(ctx, knowledge, targets)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	}
}

func mergeWorkHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := argsOf(request)
		workerIDs := stringSlice(args["worker_ids"])
		strategy := mcp.ParseString(request, "strategy", "combine")

		res, err := rt.MergeWork(ctx, workerIDs, strategy)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	}
}

func executeParallelHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := argsOf(request)
		raw, _ := args["tasks"].([]any)

		tasks := make([]orchestrator.ParallelTaskSpec, 0, len(raw))
		for _, item := range raw {
			obj, ok := item.(map[string]any)
			if !ok {
				return errorResult(orcherr.New(orcherr.Validation, "execute_parallel: each task must be an object"))
			}
			spec := orchestrator.ParallelTaskSpec{}
			if d, ok := obj["description"].(string); ok {
				spec.Description = d
			}
			if a, ok := obj["assign_to"].(string); ok {
				spec.AssignTo = a
			}
			tasks = append(tasks, spec)
		}

		res, err := rt.ExecuteParallel(ctx, tasks)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	}
}

func saveSessionHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := mcp.ParseString(request, "name", "")
		description := mcp.ParseString(request, "description", "")

		res, err := rt.SaveSession(ctx, name, description)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	}
}

func restoreSessionHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := mcp.ParseString(request, "name", "")

		res, err := rt.RestoreSession(ctx, name)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	}
}

func naturalTaskHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input := mcp.ParseString(request, "input", "")
		taskContext := stringSlice(argsOf(request)["context"])

		res, err := rt.NaturalTask(ctx, input, taskContext, nil)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	}
}

func smartConnectHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target := mcp.ParseString(request, "target", "")
		fuzzy := mcp.ParseBoolean(request, "fuzzy_match", false)

		res, err := rt.SmartConnect(ctx, target, fuzzy)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	}
}

func statusRichHandler(rt *orchestrator.Runtime) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		format := mcp.ParseString(request, "format", "")
		res, err := rt.StatusRich(ctx, format)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	}
}
