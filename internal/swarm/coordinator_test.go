package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchflow/orchflow/internal/eventbus"
	"github.com/orchflow/orchflow/internal/lock"
	"github.com/orchflow/orchflow/pkg/models"
)

// fakeGraph completes every submitted task immediately on a background
// goroutine by publishing the matching bus event, mirroring how the real
// Task Graph's OnComplete path reports a result back through the bus.
type fakeGraph struct {
	mu     sync.Mutex
	bus    *eventbus.Bus
	tasks  map[string]*models.Task
	fail   map[string]bool
}

func newFakeGraph(bus *eventbus.Bus) *fakeGraph {
	return &fakeGraph{bus: bus, tasks: make(map[string]*models.Task), fail: make(map[string]bool)}
}

func (f *fakeGraph) Submit(task *models.Task) error {
	f.mu.Lock()
	task.Status = models.TaskStatusPending
	f.tasks[task.ID] = task
	shouldFail := f.fail[task.Name]
	f.mu.Unlock()

	go func() {
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
		if shouldFail {
			task.Status = models.TaskStatusFailed
			task.Error = "simulated failure"
		} else {
			task.Status = models.TaskStatusCompleted
			task.Result = map[string]any{"echo": task.Payload}
		}
		f.mu.Unlock()

		kind := eventbus.TaskCompleted
		if shouldFail {
			kind = eventbus.TaskFailed
		}
		f.bus.Publish(eventbus.Event{Kind: kind, Payload: eventbus.TaskEvent{TaskID: task.ID, Timestamp: time.Now()}})
	}()
	return nil
}

func (f *fakeGraph) MarkRunning(taskID string, agentIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		t.Status = models.TaskStatusRunning
		t.AssignedTo = agentIDs
	}
	return nil
}

func (f *fakeGraph) Get(taskID string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[taskID], nil
}

func (f *fakeGraph) failTask(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = true
}

type fakeRegistry struct {
	agents []*models.Agent
}

func (f *fakeRegistry) Eligible(capability string) []*models.Agent { return f.agents }
func (f *fakeRegistry) AssignTask(agentID, taskID string) error    { return nil }

type fakeHandoff struct{}

func (fakeHandoff) Dispatch(task *models.Task, agentID string) error { return nil }

type firstAgentBalancer struct{}

func (firstAgentBalancer) Select(task *models.Task, eligible []*models.Agent) (*models.Agent, bool) {
	if len(eligible) == 0 {
		return nil, false
	}
	return eligible[0], true
}

func newTestCoordinator(t *testing.T, graph *fakeGraph) *Coordinator {
	t.Helper()
	registry := &fakeRegistry{agents: []*models.Agent{{ID: "a1", Status: models.AgentStatusReady, Health: 100}}}
	locks := lock.NewManager(zerolog.Nop())
	return New(zerolog.Nop(), graph.bus, graph, registry, locks, firstAgentBalancer{}, fakeHandoff{})
}

func TestExecuteParallelCompletesAllSubtasks(t *testing.T) {
	bus := eventbus.New()
	graph := newFakeGraph(bus)
	c := newTestCoordinator(t, graph)

	subtasks := []Subtask{
		{Name: "task-0", Type: "type-0", Payload: "a"},
		{Name: "task-1", Type: "type-1", Payload: "b"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := c.Execute(ctx, "", ShapeParallel, subtasks, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Len(t, result.Results, 2)
	for _, o := range result.Results {
		assert.NotEmpty(t, o.TaskID)
		assert.Equal(t, "a1", o.AgentID)
	}
}

func TestExecuteSequentialStopsAtFirstFailure(t *testing.T) {
	bus := eventbus.New()
	graph := newFakeGraph(bus)
	graph.failTask("task-1")
	c := newTestCoordinator(t, graph)

	subtasks := []Subtask{
		{Name: "task-0", Type: "type-0", Payload: "a"},
		{Name: "task-1", Type: "type-1", Payload: "b"},
		{Name: "task-2", Type: "type-2", Payload: "c"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := c.Execute(ctx, "", ShapeSequential, subtasks, Options{})
	require.NoError(t, err)
	assert.Len(t, result.Results, 1)
	assert.Len(t, result.Errors, 1)
}

func TestExecutePipelineThreadsPriorResult(t *testing.T) {
	bus := eventbus.New()
	graph := newFakeGraph(bus)
	c := newTestCoordinator(t, graph)

	subtasks := []Subtask{
		{Name: "task-0", Type: "type-0", Payload: "seed"},
		{Name: "task-1", Type: "type-1", Payload: "ignored-because-piped"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := c.Execute(ctx, "", ShapePipeline, subtasks, Options{})
	require.NoError(t, err)
	assert.Len(t, result.Results, 2)

	second, err := graph.Get(result.Results[1].TaskID)
	require.NoError(t, err)
	payload, ok := second.Payload.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, payload, "pipeline_input")
}

func TestExecuteUnknownShapeIsValidationError(t *testing.T) {
	bus := eventbus.New()
	graph := newFakeGraph(bus)
	c := newTestCoordinator(t, graph)

	_, err := c.Execute(context.Background(), "", Shape("bogus"), []Subtask{{Name: "only"}}, Options{})
	require.Error(t, err)
}

func TestExecuteFailureThresholdMarksSwarmFailed(t *testing.T) {
	bus := eventbus.New()
	graph := newFakeGraph(bus)
	graph.failTask("task-0")
	c := newTestCoordinator(t, graph)

	subtasks := []Subtask{
		{Name: "task-0", Type: "type-0", Payload: "a"},
		{Name: "task-1", Type: "type-1", Payload: "b"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := c.Execute(ctx, "", ShapeParallel, subtasks, Options{FailureThresholdPct: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
}
