package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orchflow/orchflow/internal/eventbus"
	"github.com/orchflow/orchflow/internal/lock"
	"github.com/orchflow/orchflow/internal/metrics"
	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/pkg/models"
)

const (
	defaultSubtaskTimeout = 30 * time.Second
	workerWaitTimeout     = 30 * time.Second
	workerWaitPoll        = 200 * time.Millisecond
)

// Graph is the subset of the task graph the swarm coordinator depends on.
type Graph interface {
	Submit(task *models.Task) error
	MarkRunning(taskID string, agentIDs []string) error
	Get(taskID string) (*models.Task, error)
}

// Registry is the subset of the agent registry the swarm coordinator
// depends on to resolve an eligible pool before routing through Balancer.
type Registry interface {
	Eligible(capability string) []*models.Agent
	AssignTask(agentID, taskID string) error
}

// WorkerHandoff is implemented by the Worker Manager (C10).
type WorkerHandoff interface {
	Dispatch(task *models.Task, agentID string) error
}

// Balancer is the subset of the Load Balancer's Discipline interface the
// swarm coordinator routes subtasks through.
type Balancer interface {
	Select(task *models.Task, eligible []*models.Agent) (*models.Agent, bool)
}

// Coordinator implements the Swarm Coordinator (C11, §4.8). Each subtask is
// materialized as a real Task and routed through the Load Balancer directly,
// rather than waiting for the Scheduler's own ready-set tick, since a swarm
// caller is already holding a concrete set of subtasks ready to run now.
type Coordinator struct {
	log      zerolog.Logger
	bus      *eventbus.Bus
	graph    Graph
	registry Registry
	locks    *lock.Manager
	lb       Balancer
	handoff  WorkerHandoff

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// New constructs a Coordinator and starts its completion-event router.
func New(log zerolog.Logger, bus *eventbus.Bus, graph Graph, registry Registry, locks *lock.Manager, lb Balancer, handoff WorkerHandoff) *Coordinator {
	c := &Coordinator{
		log:      log,
		bus:      bus,
		graph:    graph,
		registry: registry,
		locks:    locks,
		lb:       lb,
		handoff:  handoff,
		waiters:  make(map[string]chan struct{}),
	}
	go c.routeCompletions()
	return c
}

// routeCompletions wakes any Execute call blocked on one subtask's Task
// reaching a terminal status. The actual Result/Error is read back from the
// graph afterward rather than carried on the event, since TaskEvent only
// carries status.
func (c *Coordinator) routeCompletions() {
	ch := c.bus.Subscribe(256, eventbus.TaskCompleted, eventbus.TaskFailed)
	for ev := range ch {
		te, ok := ev.Payload.(eventbus.TaskEvent)
		if !ok {
			continue
		}
		c.mu.Lock()
		waiter, ok := c.waiters[te.TaskID]
		if ok {
			delete(c.waiters, te.TaskID)
		}
		c.mu.Unlock()
		if ok {
			close(waiter)
		}
	}
}

// Execute runs subtasks through the given composite shape and returns once
// every subtask the shape touches has resolved.
func (c *Coordinator) Execute(ctx context.Context, swarmID string, shape Shape, subtasks []Subtask, opts Options) (*Result, error) {
	if swarmID == "" {
		swarmID = uuid.NewString()
	}
	timeout := defaultSubtaskTimeout
	if opts.TimeoutMS > 0 {
		timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}

	c.bus.Publish(eventbus.Event{Kind: eventbus.SwarmStarted, Payload: eventbus.SwarmEvent{
		SwarmID: swarmID, Status: string(StatusRunning), Timestamp: time.Now(),
	}})

	var outcomes []SubtaskOutcome
	switch shape {
	case ShapeParallel:
		outcomes = c.runParallel(ctx, subtasks, opts.MaxConcurrency, opts.Priority, timeout)
	case ShapeSequential:
		outcomes = c.runSequential(ctx, subtasks, opts.Priority, timeout)
	case ShapeMap:
		mapped := c.runParallel(ctx, subtasks, opts.MaxConcurrency, opts.Priority, timeout)
		outcomes = append(append([]SubtaskOutcome(nil), mapped...), c.runReduceOver(mapped))
	case ShapeReduce:
		outcomes = []SubtaskOutcome{c.runReduceSubtasks(subtasks)}
	case ShapePipeline:
		outcomes = c.runPipeline(ctx, subtasks, opts.Priority, timeout)
	default:
		return nil, orcherr.New(orcherr.Validation, "unknown swarm shape %q", shape)
	}

	result := &Result{SwarmID: swarmID}
	for _, o := range outcomes {
		if o.Success {
			result.Results = append(result.Results, o)
			metrics.SwarmTasksCompleted.Inc()
		} else {
			result.Errors = append(result.Errors, o)
			metrics.SwarmTasksFailed.Inc()
		}
	}

	status := StatusCompleted
	if len(outcomes) > 0 && opts.FailureThresholdPct > 0 {
		failurePct := 100 * float64(len(result.Errors)) / float64(len(outcomes))
		if failurePct > opts.FailureThresholdPct {
			status = StatusFailed
		}
	} else if len(outcomes) > 0 && len(result.Results) == 0 {
		status = StatusFailed
	}
	result.Status = status

	kind := eventbus.SwarmCompleted
	if status == StatusFailed {
		kind = eventbus.SwarmFailed
	}
	c.bus.Publish(eventbus.Event{Kind: kind, Payload: eventbus.SwarmEvent{
		SwarmID: swarmID, Status: string(status), Timestamp: time.Now(),
	}})

	return result, nil
}

func (c *Coordinator) runParallel(ctx context.Context, subtasks []Subtask, maxConcurrency int, priority models.Priority, timeout time.Duration) []SubtaskOutcome {
	chunkSize := maxConcurrency
	if chunkSize <= 0 {
		chunkSize = len(subtasks)
	}
	if chunkSize <= 0 {
		return nil
	}

	outcomes := make([]SubtaskOutcome, 0, len(subtasks))
	for start := 0; start < len(subtasks); start += chunkSize {
		end := start + chunkSize
		if end > len(subtasks) {
			end = len(subtasks)
		}
		chunk := subtasks[start:end]

		results := make([]SubtaskOutcome, len(chunk))
		var wg sync.WaitGroup
		for i, st := range chunk {
			wg.Add(1)
			go func(i int, st Subtask) {
				defer wg.Done()
				results[i] = c.dispatchSubtask(ctx, st, priority, timeout, nil)
			}(i, st)
		}
		wg.Wait()
		outcomes = append(outcomes, results...)
	}
	return outcomes
}

// runSequential executes subtasks strictly in order; the first terminal
// failure aborts whatever remains (§4.8).
func (c *Coordinator) runSequential(ctx context.Context, subtasks []Subtask, priority models.Priority, timeout time.Duration) []SubtaskOutcome {
	outcomes := make([]SubtaskOutcome, 0, len(subtasks))
	for _, st := range subtasks {
		o := c.dispatchSubtask(ctx, st, priority, timeout, nil)
		outcomes = append(outcomes, o)
		if !o.Success {
			break
		}
	}
	return outcomes
}

// runPipeline chains subtasks in order, injecting the previous subtask's
// result into the next as a JSON-shaped input argument (§4.8).
func (c *Coordinator) runPipeline(ctx context.Context, subtasks []Subtask, priority models.Priority, timeout time.Duration) []SubtaskOutcome {
	outcomes := make([]SubtaskOutcome, 0, len(subtasks))
	var prevResult any
	for i, st := range subtasks {
		var payload any
		if i > 0 {
			payload = map[string]any{"pipeline_input": prevResult, "payload": st.Payload}
		}
		o := c.dispatchSubtask(ctx, st, priority, timeout, payload)
		outcomes = append(outcomes, o)
		if !o.Success {
			break
		}
		prevResult = o.Result
	}
	return outcomes
}

func (c *Coordinator) runReduceOver(mapOutcomes []SubtaskOutcome) SubtaskOutcome {
	inputs := make([]any, 0, len(mapOutcomes))
	for _, o := range mapOutcomes {
		if o.Success {
			inputs = append(inputs, o.Result)
		}
	}
	return SubtaskOutcome{Name: "reduce", Success: true, Result: reduceValues(inputs)}
}

func (c *Coordinator) runReduceSubtasks(subtasks []Subtask) SubtaskOutcome {
	inputs := make([]any, 0, len(subtasks))
	for _, st := range subtasks {
		inputs = append(inputs, st.Payload)
	}
	return SubtaskOutcome{Name: "reduce", Success: true, Result: reduceValues(inputs)}
}

// dispatchSubtask runs one subtask and, if it fails and is marked retryable,
// reinvokes it exactly once more (§4.8's "subtask-level retryable").
func (c *Coordinator) dispatchSubtask(ctx context.Context, st Subtask, priority models.Priority, timeout time.Duration, payloadOverride any) SubtaskOutcome {
	outcome := c.dispatchOnce(ctx, st, priority, timeout, payloadOverride)
	if !outcome.Success && st.Retryable {
		outcome = c.dispatchOnce(ctx, st, priority, timeout, payloadOverride)
	}
	return outcome
}

func (c *Coordinator) dispatchOnce(ctx context.Context, st Subtask, priority models.Priority, timeout time.Duration, payloadOverride any) SubtaskOutcome {
	task := &models.Task{
		ID:                uuid.NewString(),
		Name:              st.Name,
		Type:              st.Type,
		Priority:          priority,
		AgentRequirements: st.AgentRequirements,
		Payload:           st.Payload,
		TimeoutMS:         timeout.Milliseconds(),
		MaxRetries:        0,
	}
	if payloadOverride != nil {
		task.Payload = payloadOverride
	}

	if err := c.graph.Submit(task); err != nil {
		return SubtaskOutcome{Name: st.Name, TaskID: task.ID, Success: false, Error: err.Error()}
	}

	capability := ""
	if st.AgentRequirements != nil && len(st.AgentRequirements.Capabilities) > 0 {
		capability = st.AgentRequirements.Capabilities[0]
	}

	agent, err := c.awaitAgent(ctx, capability, task)
	if err != nil {
		return SubtaskOutcome{Name: st.Name, TaskID: task.ID, Success: false, Error: err.Error()}
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.waiters[task.ID] = done
	c.mu.Unlock()

	lockName := "agent-type:" + lockTypeFor(task)
	if err := c.locks.Acquire(ctx, lockName, agent.ID, models.LockModeExclusive, task.Priority, timeout); err != nil {
		c.forgetWaiter(task.ID)
		return SubtaskOutcome{Name: st.Name, TaskID: task.ID, AgentID: agent.ID, Success: false, Error: "lock contention: " + err.Error()}
	}
	if err := c.registry.AssignTask(agent.ID, task.ID); err != nil {
		_ = c.locks.Release(lockName, agent.ID)
		c.forgetWaiter(task.ID)
		return SubtaskOutcome{Name: st.Name, TaskID: task.ID, AgentID: agent.ID, Success: false, Error: err.Error()}
	}
	if err := c.graph.MarkRunning(task.ID, []string{agent.ID}); err != nil {
		_ = c.locks.Release(lockName, agent.ID)
		c.forgetWaiter(task.ID)
		return SubtaskOutcome{Name: st.Name, TaskID: task.ID, AgentID: agent.ID, Success: false, Error: err.Error()}
	}
	if err := c.handoff.Dispatch(task, agent.ID); err != nil {
		c.forgetWaiter(task.ID)
		return SubtaskOutcome{Name: st.Name, TaskID: task.ID, AgentID: agent.ID, Success: false, Error: err.Error()}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
	case <-waitCtx.Done():
		c.forgetWaiter(task.ID)
		if ctx.Err() != nil {
			return SubtaskOutcome{Name: st.Name, TaskID: task.ID, AgentID: agent.ID, Success: false, Error: "context cancelled waiting for subtask"}
		}
		return SubtaskOutcome{Name: st.Name, TaskID: task.ID, AgentID: agent.ID, Success: false,
			Error: orcherr.New(orcherr.TaskTimeout, "subtask %q exceeded timeout of %s", st.Name, timeout).Error()}
	}

	final, err := c.graph.Get(task.ID)
	if err != nil {
		return SubtaskOutcome{Name: st.Name, TaskID: task.ID, AgentID: agent.ID, Success: false, Error: err.Error()}
	}
	if final.Status == models.TaskStatusCompleted {
		return SubtaskOutcome{Name: st.Name, TaskID: task.ID, AgentID: agent.ID, Success: true, Result: final.Result}
	}
	return SubtaskOutcome{Name: st.Name, TaskID: task.ID, AgentID: agent.ID, Success: false, Error: final.Error}
}

// awaitAgent polls Balancer.Select against the current eligible pool,
// bounded at 30s — the suspension point spec §5 calls "waiting for an
// available worker in the swarm coordinator."
func (c *Coordinator) awaitAgent(ctx context.Context, capability string, task *models.Task) (*models.Agent, error) {
	deadline := time.Now().Add(workerWaitTimeout)
	for {
		eligible := c.registry.Eligible(capability)
		if agent, ok := c.lb.Select(task, eligible); ok {
			return agent, nil
		}
		if time.Now().After(deadline) {
			return nil, orcherr.New(orcherr.AtCapacity, "no worker available for %q within %s", task.Name, workerWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(workerWaitPoll):
		}
	}
}

func (c *Coordinator) forgetWaiter(taskID string) {
	c.mu.Lock()
	delete(c.waiters, taskID)
	c.mu.Unlock()
}

func lockTypeFor(task *models.Task) string {
	if task.AgentRequirements != nil && task.AgentRequirements.Type != "" {
		return task.AgentRequirements.Type
	}
	return task.Type
}
