// Package swarm implements the Swarm Coordinator (spec C11, §4.8): composite
// execution shapes over a set of subtasks, auto-scaling of the worker pool,
// and heartbeat supervision, grounded on the ManagedAgent/CircuitBreaker/
// AgentOrchestrator shape from the claude-squad concurrency orchestrator
// composed with the ticker-driven worker-pool style the Scheduler (C8)
// already uses for its own tick.
package swarm

import "github.com/orchflow/orchflow/pkg/models"

// Shape selects a composite execution pattern over a set of subtasks (§4.8).
type Shape string

const (
	ShapeParallel   Shape = "parallel"
	ShapeSequential Shape = "sequential"
	ShapeMap        Shape = "map"
	ShapeReduce     Shape = "reduce"
	ShapePipeline   Shape = "pipeline"
)

// Subtask is one unit of work within a swarm execution. It is materialized
// as a real Task and routed to a worker the same way any other task is,
// just outside the Scheduler's own ready-set tick.
type Subtask struct {
	Name              string
	Type              string
	Payload           any
	Retryable         bool
	AgentRequirements *models.AgentRequirements
}

// SubtaskOutcome is what one dispatched subtask resolved to.
type SubtaskOutcome struct {
	Name    string
	TaskID  string
	AgentID string
	Success bool
	Result  any
	Error   string
}

// Options configures one Execute call.
type Options struct {
	MaxConcurrency      int
	FailureThresholdPct float64
	Priority            models.Priority
	TimeoutMS           int64
}

// Status mirrors the swarm-level lifecycle (§4.8).
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the outcome of one swarm Execute call.
type Result struct {
	SwarmID string
	Status  Status
	Results []SubtaskOutcome
	Errors  []SubtaskOutcome
}
