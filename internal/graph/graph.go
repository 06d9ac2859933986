// Package graph implements the Task Graph (spec C6, §4.3): an in-memory
// dependency graph with cycle detection, ready-set computation, and bounded
// retained history, generalizing the dynamic inDegree/readyQueue bookkeeping
// the dag_scheduler example keeps for a single upfront batch of tasks into a
// graph that accepts tasks one submit() at a time for the whole process
// lifetime.
package graph

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/orchflow/orchflow/internal/eventbus"
	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/pkg/models"
)

const defaultHistoryCap = 10_000

// Graph owns every Task for the process lifetime (§3 "Task Graph exclusively
// owns Tasks; any update is serialized through it").
type Graph struct {
	log zerolog.Logger
	bus *eventbus.Bus

	mu       sync.Mutex
	tasks    map[string]*models.Task
	children map[string][]string // task id -> tasks that depend on it

	history *lru.Cache[string, *models.Task]
}

// New constructs an empty graph. historyCap <= 0 uses the default of 10k
// (§4.3's "configurable cap (default 10k)").
func New(log zerolog.Logger, bus *eventbus.Bus, historyCap int) *Graph {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	cache, _ := lru.New[string, *models.Task](historyCap)
	return &Graph{
		log:      log,
		bus:      bus,
		tasks:    make(map[string]*models.Task),
		children: make(map[string][]string),
		history:  cache,
	}
}

// Submit assigns status=pending, checks for a dependency cycle, and promotes
// to scheduled immediately if every dependency is already completed (§4.3).
func (g *Graph) Submit(task *models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return orcherr.New(orcherr.Validation, "task %q already submitted", task.ID)
	}
	if g.wouldCycle(task.ID, task.Dependencies) {
		return orcherr.New(orcherr.DependencyCycle, "submitting %q would close a dependency cycle", task.ID)
	}
	for _, dep := range task.Dependencies {
		if _, ok := g.tasks[dep]; !ok {
			if _, ok := g.history.Get(dep); !ok {
				return orcherr.New(orcherr.Validation, "task %q depends on unknown task %q", task.ID, dep)
			}
		}
	}

	task.Status = models.TaskStatusPending
	task.CreatedAt = time.Now()
	g.tasks[task.ID] = task
	for _, dep := range task.Dependencies {
		g.children[dep] = append(g.children[dep], task.ID)
	}

	if g.dependenciesCompleteLocked(task) {
		now := time.Now()
		task.Status = models.TaskStatusScheduled
		task.ScheduledAt = &now
	}

	g.bus.Publish(eventbus.Event{Kind: eventbus.TaskSubmitted, Payload: eventbus.TaskEvent{
		TaskID: task.ID, Status: string(task.Status), Timestamp: time.Now(),
	}})
	return nil
}

// wouldCycle reports whether adding newID with the given dependencies
// introduces a cycle, via DFS over the existing + tentative edges.
func (g *Graph) wouldCycle(newID string, deps []string) bool {
	visiting := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		if id == newID {
			return true
		}
		if visiting[id] {
			return false
		}
		visiting[id] = true
		t, ok := g.tasks[id]
		if !ok {
			return false
		}
		for _, dep := range t.Dependencies {
			if visit(dep) {
				return true
			}
		}
		return false
	}
	for _, dep := range deps {
		if visit(dep) {
			return true
		}
	}
	return false
}

func (g *Graph) dependenciesCompleteLocked(task *models.Task) bool {
	for _, dep := range task.Dependencies {
		dt, ok := g.tasks[dep]
		if ok {
			if dt.Status != models.TaskStatusCompleted {
				return false
			}
			continue
		}
		if _, ok := g.history.Get(dep); !ok {
			return false
		}
	}
	return true
}

// ReadySet returns every task with status=scheduled whose dependencies are
// all completed (§4.3).
func (g *Graph) ReadySet() []*models.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*models.Task, 0)
	for _, t := range g.tasks {
		if t.Status == models.TaskStatusScheduled && g.dependenciesCompleteLocked(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// PendingCount returns the number of live tasks not yet running or terminal
// (status pending or scheduled), used by the Swarm Coordinator's auto-scaler
// as a backlog signal (§4.8).
func (g *Graph) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.tasks {
		if t.Status == models.TaskStatusPending || t.Status == models.TaskStatusScheduled {
			n++
		}
	}
	return n
}

// Get returns a snapshot of one task.
func (g *Graph) Get(id string) (*models.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		if cached, ok := g.history.Get(id); ok {
			return cached.Clone(), nil
		}
		return nil, orcherr.New(orcherr.NotFound, "unknown task %q", id)
	}
	return t.Clone(), nil
}

// OnComplete advances task_id to completed and promotes any dependent tasks
// whose dependencies are now all satisfied (§4.3/§4.4).
func (g *Graph) OnComplete(taskID string, result any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return orcherr.New(orcherr.NotFound, "unknown task %q", taskID)
	}
	now := time.Now()
	t.Status = models.TaskStatusCompleted
	t.CompletedAt = &now
	t.Result = result

	g.retireLocked(t)
	g.promoteChildrenLocked(taskID)

	g.bus.Publish(eventbus.Event{Kind: eventbus.TaskCompleted, Payload: eventbus.TaskEvent{
		TaskID: taskID, Status: string(t.Status), Timestamp: now,
	}})
	return nil
}

// OnFail advances task_id to failed, or back to scheduled if retries remain
// (§4.4: "failed with retries < max_retries re-enters scheduled").
func (g *Graph) OnFail(taskID string, cause string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return orcherr.New(orcherr.NotFound, "unknown task %q", taskID)
	}
	t.Error = cause

	if t.Retries < t.MaxRetries {
		t.Retries++
		t.Status = models.TaskStatusScheduled
		now := time.Now()
		t.ScheduledAt = &now
		g.bus.Publish(eventbus.Event{Kind: eventbus.TaskRetried, Payload: eventbus.TaskEvent{
			TaskID: taskID, Status: string(t.Status), Timestamp: now,
		}})
		return nil
	}

	now := time.Now()
	t.Status = models.TaskStatusFailed
	t.CompletedAt = &now
	g.retireLocked(t)

	g.bus.Publish(eventbus.Event{Kind: eventbus.TaskFailed, Payload: eventbus.TaskEvent{
		TaskID: taskID, Status: string(t.Status), Timestamp: now,
	}})
	return nil
}

// Cancel sets task_id to cancelled from any non-terminal status (§4.4).
// Callers are responsible for signalling assigned agents beforehand; this
// only updates graph state.
func (g *Graph) Cancel(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return orcherr.New(orcherr.NotFound, "unknown task %q", taskID)
	}
	if t.IsTerminal() {
		return orcherr.New(orcherr.Validation, "task %q already terminal", taskID)
	}
	t.Status = models.TaskStatusCancelled
	now := time.Now()
	t.CompletedAt = &now
	g.retireLocked(t)

	g.bus.Publish(eventbus.Event{Kind: eventbus.TaskCancelled, Payload: eventbus.TaskEvent{
		TaskID: taskID, Status: string(t.Status), Timestamp: now,
	}})
	return nil
}

// promoteChildrenLocked moves any child of taskID from pending to scheduled
// once all of its dependencies are complete.
func (g *Graph) promoteChildrenLocked(taskID string) {
	for _, childID := range g.children[taskID] {
		child, ok := g.tasks[childID]
		if !ok || child.Status != models.TaskStatusPending {
			continue
		}
		if g.dependenciesCompleteLocked(child) {
			now := time.Now()
			child.Status = models.TaskStatusScheduled
			child.ScheduledAt = &now
			g.bus.Publish(eventbus.Event{Kind: eventbus.TaskScheduled, Payload: eventbus.TaskEvent{
				TaskID: childID, Status: string(child.Status), Timestamp: now,
			}})
		}
	}
}

// retireLocked moves a terminal task into the bounded history cache and out
// of the live working set, keeping ReadySet/ dependency scans cheap.
func (g *Graph) retireLocked(t *models.Task) {
	g.history.Add(t.ID, t.Clone())
	delete(g.tasks, t.ID)
	delete(g.children, t.ID)
}

// MarkRunning transitions a scheduled task to running once the Scheduler has
// assigned it to agents and acquired its locks (§4.4).
func (g *Graph) MarkRunning(taskID string, agentIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return orcherr.New(orcherr.NotFound, "unknown task %q", taskID)
	}
	t.Status = models.TaskStatusRunning
	now := time.Now()
	t.StartedAt = &now
	t.AssignedTo = append([]string(nil), agentIDs...)

	g.bus.Publish(eventbus.Event{Kind: eventbus.TaskStarted, Payload: eventbus.TaskEvent{
		TaskID: taskID, AgentID: firstOrEmpty(agentIDs), Status: string(t.Status), Timestamp: now,
	}})
	return nil
}

func firstOrEmpty(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
