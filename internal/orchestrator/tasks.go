package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/internal/swarm"
	"github.com/orchflow/orchflow/pkg/models"
)

// ParallelTaskSpec is one element of execute_parallel's tasks[] argument (§6.1).
type ParallelTaskSpec struct {
	Description string
	AssignTo    string
}

// ParallelTaskResult is one element of execute_parallel's reply (§6.1).
type ParallelTaskResult struct {
	TaskID     string `json:"task_id"`
	WorkerName string `json:"worker_name"`
	Status     string `json:"status"`
}

// ExecuteParallel fans tasks out through the Swarm Coordinator's parallel
// shape, routing each to an eligible idle worker via the Load Balancer
// (§6.1). When AssignTo is given, the task is restricted to workers of the
// named worker's type; it is not pinned to that worker itself, and the
// reply reports the AssignTo name as worker_name.
func (rt *Runtime) ExecuteParallel(ctx context.Context, tasks []ParallelTaskSpec) ([]ParallelTaskResult, error) {
	if len(tasks) == 0 {
		return nil, orcherr.New(orcherr.Validation, "execute_parallel requires at least one task")
	}

	subtasks := make([]swarm.Subtask, len(tasks))
	assignNames := make([]string, len(tasks))
	for i, t := range tasks {
		if t.Description == "" {
			return nil, orcherr.New(orcherr.Validation, "execute_parallel task %d has an empty description", i)
		}
		var requirements *models.AgentRequirements
		if t.AssignTo != "" {
			rec, ok := rt.lookupByName(t.AssignTo)
			if !ok {
				return nil, orcherr.New(orcherr.NotFound, "unknown worker %q in assign_to", t.AssignTo)
			}
			requirements = &models.AgentRequirements{Type: rec.workType, Capabilities: []string{rec.workType}}
			assignNames[i] = rec.name
		}
		subtasks[i] = swarm.Subtask{
			Name:              fmt.Sprintf("task-%d", i),
			Type:              "general",
			Payload:           map[string]any{"description": t.Description},
			AgentRequirements: requirements,
		}
	}

	result, err := rt.swarm.Execute(ctx, "", swarm.ShapeParallel, subtasks, swarm.Options{
		Priority: models.PriorityNormal,
	})
	if err != nil {
		return nil, err
	}

	byName := make(map[string]swarm.SubtaskOutcome, len(result.Results)+len(result.Errors))
	for _, o := range result.Results {
		byName[o.Name] = o
	}
	for _, o := range result.Errors {
		byName[o.Name] = o
	}

	out := make([]ParallelTaskResult, len(tasks))
	for i := range tasks {
		o := byName[subtasks[i].Name]
		status := "failed"
		if o.Success {
			status = "completed"
		}
		workerName := assignNames[i]
		if workerName == "" {
			workerName = rt.workerNameForAgent(o.AgentID)
		}
		out[i] = ParallelTaskResult{TaskID: o.TaskID, WorkerName: workerName, Status: status}
	}
	return out, nil
}

func (rt *Runtime) workerNameForAgent(agentID string) string {
	if agentID == "" {
		return ""
	}
	rec, err := rt.lookupByID(agentID)
	if err != nil {
		return ""
	}
	return rec.name
}

// NaturalTaskResult is the reply shape for natural_task (§6.1).
type NaturalTaskResult struct {
	Success      bool     `json:"success"`
	WorkerID     string   `json:"worker_id"`
	WorkerName   string   `json:"worker_name"`
	Instructions string   `json:"instructions"`
	NextSteps    []string `json:"next_steps"`
}

// NaturalTask interprets a free-form input by matching it against prior
// task history (§4.10) to produce suggested next steps, then spawns a
// worker for it (§6.1). Learned command patterns are not consulted.
func (rt *Runtime) NaturalTask(ctx context.Context, input string, taskContext []string, _ map[string]any) (NaturalTaskResult, error) {
	if input == "" {
		return NaturalTaskResult{}, orcherr.New(orcherr.Validation, "natural_task requires non-empty input")
	}

	namespace := rt.cfg.Memory.Namespace
	similar, _ := rt.store.SimilarCommands(ctx, namespace, input, 5)
	workType := inferWorkType(input)

	spawn, err := rt.SpawnWorker(ctx, input, workType, map[string]any{"context": taskContext})
	if err != nil {
		return NaturalTaskResult{}, err
	}

	instructions := fmt.Sprintf("Spawned worker %q (type %s) for: %s", spawn.Name, spawn.Type, input)
	return NaturalTaskResult{
		Success:      true,
		WorkerID:     spawn.WorkerID,
		WorkerName:   spawn.Name,
		Instructions: instructions,
		NextSteps:    similar,
	}, nil
}

// inferWorkType picks a coarse worker type from free-form input, the same
// kind of lightweight keyword routing the teacher's task-creation flow
// leaves to its caller, generalized to a default-first fallback.
func inferWorkType(input string) string {
	lower := strings.ToLower(input)
	switch {
	case strings.Contains(lower, "test"):
		return "test"
	case strings.Contains(lower, "deploy"):
		return "deploy"
	case strings.Contains(lower, "research") || strings.Contains(lower, "investigate"):
		return "research"
	default:
		return "general"
	}
}

// SmartConnectResult is the reply shape for smart_connect (§6.1).
type SmartConnectResult struct {
	Success     bool     `json:"success"`
	WorkerID    string   `json:"worker_id,omitempty"`
	WorkerName  string   `json:"worker_name,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// SmartConnect resolves target against quick-access keys, exact worker
// names, then (if fuzzyMatch) a substring match over known worker names and
// types, preferring names,
// returning suggestions instead of an error when nothing matches (§6.1).
func (rt *Runtime) SmartConnect(ctx context.Context, target string, fuzzyMatch bool) (SmartConnectResult, error) {
	if target == "" {
		return SmartConnectResult{}, orcherr.New(orcherr.Validation, "smart_connect requires a target")
	}

	if key, err := parseQuickKey(target); err == nil {
		if rec, ok := rt.lookupByQuickKey(key); ok {
			return SmartConnectResult{Success: true, WorkerID: rec.agentID, WorkerName: rec.name}, nil
		}
	}

	if rec, ok := rt.lookupByName(target); ok {
		return SmartConnectResult{Success: true, WorkerID: rec.agentID, WorkerName: rec.name}, nil
	}

	if fuzzyMatch {
		if rec, ok := rt.fuzzyMatchWorker(target); ok {
			return SmartConnectResult{Success: true, WorkerID: rec.agentID, WorkerName: rec.name}, nil
		}
	}

	return SmartConnectResult{Success: false, Suggestions: rt.workerNameSuggestions()}, nil
}

func parseQuickKey(target string) (int, error) {
	n, err := strconv.Atoi(target)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > quickKeySlots {
		return 0, orcherr.New(orcherr.Validation, "quick-access key %d out of range", n)
	}
	return n, nil
}

func (rt *Runtime) fuzzyMatchWorker(target string) (*workerRecord, bool) {
	target = strings.ToLower(target)
	var best *workerRecord
	bestScore := -1
	for _, rec := range rt.allWorkerRecords() {
		score := strings.Count(strings.ToLower(rec.name), target) + strings.Count(strings.ToLower(rec.workType), target)
		if strings.Contains(strings.ToLower(rec.name), target) {
			score += 10
		}
		if score > bestScore {
			bestScore = score
			best = rec
		}
	}
	if best == nil || bestScore <= 0 {
		return nil, false
	}
	return best, true
}

func (rt *Runtime) workerNameSuggestions() []string {
	recs := rt.allWorkerRecords()
	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		names = append(names, rec.name)
	}
	sort.Strings(names)
	return names
}

// StatusRichResult is the reply shape for status_rich (§6.1).
type StatusRichResult struct {
	Format       string              `json:"format"`
	Workers      []WorkerStatusEntry `json:"workers"`
	PendingTasks int                 `json:"pending_tasks"`
	QuickAccess  map[int]string      `json:"quick_access"`
}

// StatusRich builds a dashboard snapshot over the Agent Registry, Task
// Graph, and quick-access mapping (§6.1).
func (rt *Runtime) StatusRich(ctx context.Context, format string) (StatusRichResult, error) {
	if format == "" {
		format = "summary"
	}
	workers, err := rt.WorkerStatus(ctx, "")
	if err != nil {
		return StatusRichResult{}, err
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })

	quickAccess := make(map[int]string)
	for i := 1; i <= quickKeySlots; i++ {
		if rec, ok := rt.lookupByQuickKey(i); ok {
			quickAccess[i] = rec.name
		}
	}

	return StatusRichResult{
		Format:       format,
		Workers:      workers,
		PendingTasks: rt.graph.PendingCount(),
		QuickAccess:  quickAccess,
	}, nil
}
