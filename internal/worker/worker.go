// Package worker implements the Worker Manager (spec C10, §4.9): it owns
// Agent processes (one terminal backend handle per worker, a bounded
// task_queue, a current_task, and performance counters), generalizing the
// teacher's single direct exec.CommandContext(ctx, "opencode", "run", ...)
// invocation in the original worker.go into spawn/send/stop/restart over any
// terminal backend (C2).
package worker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchflow/orchflow/embed/prompts"
	"github.com/orchflow/orchflow/internal/agent"
	"github.com/orchflow/orchflow/internal/eventbus"
	"github.com/orchflow/orchflow/internal/lock"
	"github.com/orchflow/orchflow/internal/metrics"
	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/internal/terminal"
	"github.com/orchflow/orchflow/pkg/models"
)

// defaultQueueCap bounds each worker's pending task_queue (§4.9).
const defaultQueueCap = 16

// defaultTaskTimeout bounds a task with no TimeoutMS of its own.
const defaultTaskTimeout = 30 * time.Second

// Graph is the subset of the task graph the worker manager depends on.
type Graph interface {
	OnComplete(taskID string, result any) error
	OnFail(taskID string, cause string) error
}

// Registry is the subset of the agent registry the worker manager depends on.
type Registry interface {
	Register(manifest models.AgentManifest, handler agent.Handler) (string, error)
	Unregister(agentID string) error
	ReleaseTask(agentID, taskID string, success bool, taskDurationMS float64) error
	Get(agentID string) (*models.Agent, error)
}

// Terminal is the subset of the terminal manager the worker manager depends on.
type Terminal interface {
	Spawn(kind terminal.Kind, spec terminal.Spec, h terminal.Handlers) (string, error)
	Write(id string, data []byte) error
	Kill(id string) error
}

// ResponseObserver receives one task's completion latency per agent, feeding
// the Load Balancer's response_time discipline (§4.7). Nil when that
// discipline isn't the active one.
type ResponseObserver interface {
	Observe(agentID string, ms float64)
}

// record is the live state for one spawned worker process (§4.9).
type record struct {
	mu sync.Mutex

	agentID  string
	manifest models.AgentManifest
	kind     terminal.Kind
	spec     terminal.Spec

	terminalID   string
	queue        chan *models.Task
	current      *models.Task
	startedAt    time.Time
	taskDone     bool
	doneCh       chan struct{}
	timeoutTimer *time.Timer
	stopped      bool
}

// Manager is the Worker Manager (C10).
type Manager struct {
	log      zerolog.Logger
	bus      *eventbus.Bus
	terminal Terminal
	graph    Graph
	registry Registry
	locks    *lock.Manager
	observer ResponseObserver

	mu      sync.Mutex
	workers map[string]*record
}

// New constructs a Manager with no workers spawned. observer may be nil when
// the active load-balancing discipline doesn't track response times.
func New(log zerolog.Logger, bus *eventbus.Bus, term Terminal, graph Graph, registry Registry, locks *lock.Manager, observer ResponseObserver) *Manager {
	return &Manager{
		log:      log,
		bus:      bus,
		terminal: term,
		graph:    graph,
		registry: registry,
		locks:    locks,
		observer: observer,
		workers:  make(map[string]*record),
	}
}

// workerHandler adapts a record's terminal lifecycle to agent.Handler so the
// Agent Registry (C7) can drive initialize()/shutdown() without knowing
// anything about terminals.
type workerHandler struct {
	m   *Manager
	rec *record
}

func (h *workerHandler) Initialize() error {
	id, err := h.m.terminal.Spawn(h.rec.kind, h.rec.spec, terminal.Handlers{
		OnCompletion: func(ev terminal.CompletionEvent) { h.m.handleCompletion(h.rec, ev) },
		OnDiagnostic: func(ev terminal.DiagnosticEvent) { h.m.handleDiagnostic(h.rec, ev) },
		OnExit:       func(err error) { h.m.handleExit(h.rec, err) },
	})
	if err != nil {
		return err
	}
	h.rec.mu.Lock()
	h.rec.terminalID = id
	h.rec.mu.Unlock()
	return nil
}

func (h *workerHandler) Shutdown() error {
	h.rec.mu.Lock()
	h.rec.stopped = true
	terminalID := h.rec.terminalID
	h.rec.mu.Unlock()
	return h.m.terminal.Kill(terminalID)
}

// Spawn creates a worker's terminal backend, registers it with the Agent
// Registry (which calls handler.Initialize()), and starts its queue-draining
// goroutine (§4.9 spawn).
func (m *Manager) Spawn(manifest models.AgentManifest, kind terminal.Kind, spec terminal.Spec) (string, error) {
	rec := &record{
		manifest: manifest,
		kind:     kind,
		spec:     spec,
		queue:    make(chan *models.Task, defaultQueueCap),
	}
	handler := &workerHandler{m: m, rec: rec}

	agentID, err := m.registry.Register(manifest, handler)
	if err != nil {
		return "", err
	}
	rec.agentID = agentID

	m.mu.Lock()
	m.workers[agentID] = rec
	m.mu.Unlock()

	go m.drainQueue(rec)

	m.bus.Publish(eventbus.Event{Kind: eventbus.WorkerSpawned, Payload: eventbus.WorkerEvent{
		WorkerID: agentID, Type: manifest.Name, Timestamp: time.Now(),
	}})
	return agentID, nil
}

// Dispatch enqueues task for agentID, satisfying scheduler.WorkerHandoff.
// The queue is bounded (§4.9); a full queue fails fast with AtCapacity
// rather than blocking the scheduler's tick.
func (m *Manager) Dispatch(task *models.Task, agentID string) error {
	rec, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	select {
	case rec.queue <- task:
		return nil
	default:
		return orcherr.New(orcherr.AtCapacity, "worker %q task queue is full", agentID)
	}
}

// Send writes a raw command to the worker's terminal outside the task
// queue, used by the tool-call layer for direct worker interaction (§4.9 send).
func (m *Manager) Send(agentID string, command string) error {
	rec, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	terminalID := rec.terminalID
	rec.mu.Unlock()
	return m.terminal.Write(terminalID, []byte(command))
}

// Stop kills a worker's backend, drains its queue (failing anything still
// pending), and lets the Agent Registry finish unregistering it (§4.9 stop).
func (m *Manager) Stop(agentID string) error {
	rec, err := m.lookup(agentID)
	if err != nil {
		return err
	}

	if err := m.registry.Unregister(agentID); err != nil {
		return err
	}

	rec.mu.Lock()
	rec.stopped = true
	current := rec.current
	pending := drainChannel(rec.queue)
	rec.mu.Unlock()
	close(rec.queue)

	if current != nil {
		m.finishTask(rec, current, false, "worker stopped mid-task")
	}
	for _, t := range pending {
		_ = m.graph.OnFail(t.ID, "worker stopped before task started")
	}

	m.mu.Lock()
	delete(m.workers, agentID)
	m.mu.Unlock()
	return nil
}

// Restart stops agentID and spawns a replacement of the same manifest and
// backend kind, preserving its conceptual identity (§4.9 restart). The new
// agent receives a freshly issued id; callers watching by type/manifest
// name, not id, see continuity.
func (m *Manager) Restart(agentID string) (string, error) {
	rec, err := m.lookup(agentID)
	if err != nil {
		return "", err
	}
	manifest, kind, spec := rec.manifest, rec.kind, rec.spec

	if err := m.Stop(agentID); err != nil {
		return "", err
	}
	return m.Spawn(manifest, kind, spec)
}

func (m *Manager) lookup(agentID string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[agentID]
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, "unknown worker %q", agentID)
	}
	return rec, nil
}

func drainChannel(ch chan *models.Task) []*models.Task {
	out := make([]*models.Task, 0, len(ch))
	for {
		select {
		case t := <-ch:
			out = append(out, t)
		default:
			return out
		}
	}
}

// drainQueue serializes writes to one worker's terminal: a task is written,
// and the goroutine blocks until either completion, a failing diagnostic, an
// exit, or a per-task timeout resolves it before pulling the next one (§5:
// "writes to a worker are serialized per worker").
func (m *Manager) drainQueue(rec *record) {
	for task := range rec.queue {
		rec.mu.Lock()
		if rec.stopped {
			rec.mu.Unlock()
			return
		}
		rec.current = task
		rec.startedAt = time.Now()
		rec.taskDone = false
		rec.doneCh = make(chan struct{})
		done := rec.doneCh
		terminalID := rec.terminalID
		rec.timeoutTimer = time.AfterFunc(taskTimeout(task), func() {
			m.finishTask(rec, task, false, orcherr.New(orcherr.TaskTimeout,
				"task %q exceeded timeout of %s", task.Name, taskTimeout(task)).Error())
		})
		rec.mu.Unlock()

		command := buildCommand(task)
		if err := m.terminal.Write(terminalID, []byte(command)); err != nil {
			m.finishTask(rec, task, false, fmt.Sprintf("write to worker failed: %v", err))
			continue
		}
		<-done
	}
}

// taskTimeout resolves task's per-task deadline (§4.6 step 4, §4.12), falling
// back to defaultTaskTimeout when the task carries none of its own.
func taskTimeout(task *models.Task) time.Duration {
	if task.TimeoutMS > 0 {
		return time.Duration(task.TimeoutMS) * time.Millisecond
	}
	return defaultTaskTimeout
}

func buildCommand(task *models.Task) string {
	payload, _ := json.Marshal(task.Payload)
	out := prompts.Header + "\n\n" +
		fmt.Sprintf("# Task: %s\n# Type: %s\n\n", task.Name, task.Type) +
		fmt.Sprintf("## Payload\n%s\n\n", payload) +
		prompts.Footer + "\n"
	return out
}

// handleCompletion fires on the first TASK_COMPLETE marker for a worker's
// current task (§4.2/§4.9).
func (m *Manager) handleCompletion(rec *record, ev terminal.CompletionEvent) {
	rec.mu.Lock()
	task := rec.current
	rec.mu.Unlock()
	if task == nil {
		m.log.Warn().Str("terminal_id", ev.TerminalID).Msg("completion marker with no current task")
		return
	}
	m.finishTask(rec, task, true, string(ev.Result))
}

// handleDiagnostic escalates stderr/ERROR-severity lines straight to task
// failure (§4.9: "errors ... decrement health and raise task failure").
// Informational lines are logged and otherwise ignored (§4.12).
func (m *Manager) handleDiagnostic(rec *record, ev terminal.DiagnosticEvent) {
	if ev.Severity != terminal.SeverityError {
		m.log.Debug().Str("terminal_id", ev.TerminalID).Str("line", ev.Line).Msg("worker output")
		return
	}
	rec.mu.Lock()
	task := rec.current
	rec.mu.Unlock()
	if task == nil {
		m.log.Warn().Str("terminal_id", ev.TerminalID).Str("line", ev.Line).Msg("error line with no current task")
		return
	}
	m.finishTask(rec, task, false, ev.Line)
}

// handleExit fires once per terminal; a non-nil error while a task was still
// in flight is treated as the worker-failure case in §4.12.
func (m *Manager) handleExit(rec *record, err error) {
	rec.mu.Lock()
	task := rec.current
	rec.mu.Unlock()
	if task == nil || err == nil {
		return
	}
	m.finishTask(rec, task, false, fmt.Sprintf("worker exited: %v", err))
}

// finishTask is the single path that retires rec.current: it releases the
// agent-type lock the Scheduler acquired, updates the Agent Registry's
// counters/health, and reports the outcome to the Task Graph. Only the first
// caller for a given task wins; a completion racing a diagnostic or exit
// after the task is already resolved is ignored.
func (m *Manager) finishTask(rec *record, task *models.Task, success bool, detail string) {
	rec.mu.Lock()
	if rec.taskDone || rec.current == nil || rec.current.ID != task.ID {
		rec.mu.Unlock()
		return
	}
	rec.taskDone = true
	rec.current = nil
	durationMS := float64(time.Since(rec.startedAt).Milliseconds())
	agentID := rec.agentID
	lockName := "agent-type:" + lockTypeFor(task)
	done := rec.doneCh
	timer := rec.timeoutTimer
	rec.timeoutTimer = nil
	rec.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if done != nil {
		close(done)
	}

	_ = m.locks.Release(lockName, agentID)
	_ = m.registry.ReleaseTask(agentID, task.ID, success, durationMS)
	if m.observer != nil {
		m.observer.Observe(agentID, durationMS)
	}

	if success {
		var result any
		if detail != "" {
			_ = json.Unmarshal([]byte(detail), &result)
		}
		metrics.TasksCompleted.Inc()
		metrics.TaskExecutionTime.Observe(durationMS / 1000)
		_ = m.graph.OnComplete(task.ID, result)
		return
	}
	metrics.TasksFailed.Inc()
	metrics.TaskExecutionTime.Observe(durationMS / 1000)
	_ = m.graph.OnFail(task.ID, detail)
}

func lockTypeFor(task *models.Task) string {
	if task.AgentRequirements != nil && task.AgentRequirements.Type != "" {
		return task.AgentRequirements.Type
	}
	return task.Type
}
