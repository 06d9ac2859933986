// Package scheduler implements the Scheduler (spec C8, §4.6): a pluggable
// discipline that pairs ready tasks with eligible agents once per tick,
// driving the tick with a robfig/cron "@every" entry instead of the
// teacher's ad-hoc time.NewTicker loop in orchestrator.go.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/orchflow/orchflow/internal/lock"
	"github.com/orchflow/orchflow/internal/metrics"
	"github.com/orchflow/orchflow/pkg/models"
)

const tickInterval = "@every 100ms"

// Assignment pairs a ready task with the agent chosen to run it.
type Assignment struct {
	Task    *models.Task
	AgentID string
}

// Discipline picks (task, agent) pairs from the ready set and eligible
// agents for one scheduling tick (§4.6).
type Discipline interface {
	Name() string
	Schedule(ready []*models.Task, agents []*models.Agent) []Assignment
}

// Graph is the subset of the task graph the scheduler depends on.
type Graph interface {
	ReadySet() []*models.Task
	MarkRunning(taskID string, agentIDs []string) error
	OnFail(taskID string, cause string) error
}

// Registry is the subset of the agent registry the scheduler depends on.
type Registry interface {
	Eligible(capability string) []*models.Agent
	AssignTask(agentID, taskID string) error
}

// WorkerHandoff is implemented by the Worker Manager (C10): once a task is
// assigned and locked, the scheduler hands it off for actual execution.
type WorkerHandoff interface {
	Dispatch(task *models.Task, agentID string) error
}

// Scheduler drives one discipline over one 100ms cron tick (§4.6).
type Scheduler struct {
	log        zerolog.Logger
	graph      Graph
	registry   Registry
	locks      *lock.Manager
	discipline Discipline
	handoff    WorkerHandoff

	cron *cron.Cron
}

// New constructs a Scheduler bound to one discipline. Swap disciplines by
// constructing a new Scheduler — the spec fixes the active discipline at
// construction, not at runtime (§4.6, §9's "pluggable at construction").
func New(log zerolog.Logger, graph Graph, registry Registry, locks *lock.Manager, discipline Discipline, handoff WorkerHandoff) *Scheduler {
	return &Scheduler{
		log:        log,
		graph:      graph,
		registry:   registry,
		locks:      locks,
		discipline: discipline,
		handoff:    handoff,
		cron:       cron.New(),
	}
}

// Start registers the tick and begins running it in the background.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(tickInterval, s.tick)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the tick, waiting for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// tick implements §4.6 steps 1-4 for one scheduling pass.
func (s *Scheduler) tick() {
	ready := s.graph.ReadySet()
	if len(ready) == 0 {
		return
	}
	agents := s.registry.Eligible("")

	assignments := s.discipline.Schedule(ready, agents)
	metrics.SchedulerAgentsTotal.Set(float64(len(agents)))

	for _, a := range assignments {
		s.commit(a)
	}
}

func (s *Scheduler) commit(a Assignment) {
	task := a.Task
	lockName := "agent-type:" + lockTypeFor(task)
	timeout := time.Duration(task.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if err := s.locks.Acquire(context.Background(), lockName, a.AgentID, models.LockModeExclusive, task.Priority, timeout); err != nil {
		// §4.6 step 3: on lock failure, revert — task stays scheduled, no progress.
		return
	}

	if err := s.registry.AssignTask(a.AgentID, task.ID); err != nil {
		_ = s.locks.Release(lockName, a.AgentID)
		return
	}
	if err := s.graph.MarkRunning(task.ID, []string{a.AgentID}); err != nil {
		_ = s.locks.Release(lockName, a.AgentID)
		return
	}

	if s.handoff != nil {
		if err := s.handoff.Dispatch(task, a.AgentID); err != nil {
			_ = s.graph.OnFail(task.ID, err.Error())
		}
	}
}

func lockTypeFor(task *models.Task) string {
	if task.AgentRequirements != nil && task.AgentRequirements.Type != "" {
		return task.AgentRequirements.Type
	}
	return task.Type
}
