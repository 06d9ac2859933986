// Package agent implements the Agent Registry (spec C7, §4.5): agent
// manifests, capability eligibility via a reverse index, and health
// decay/restoration gating scheduling eligibility.
package agent

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orchflow/orchflow/internal/eventbus"
	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/pkg/models"
)

// HealthGateThreshold is the minimum health for an agent to be scheduling-eligible (§4.5).
const HealthGateThreshold = 20

// HealthRestoreEvery is N in "+1 health per N sustained completions" (§4.5's
// open N, decided here: 5 consecutive completions restore one point, a
// gentle enough cadence that a single burst of failures doesn't instantly
// bounce an agent back over the gate).
const HealthRestoreEvery = 5

// Handler is the lifecycle hook a registered agent must implement.
type Handler interface {
	Initialize() error
	Shutdown() error
}

type record struct {
	agent              *models.Agent
	handler            Handler
	completionsSinceUp int
	idleSince          time.Time
}

// Registry is the Agent Registry (C7).
type Registry struct {
	log zerolog.Logger
	bus *eventbus.Bus

	mu           sync.Mutex
	agents       map[string]*record
	capabilities map[string]*hashset.Set // capability -> set of agent ids
}

// New constructs an empty registry.
func New(log zerolog.Logger, bus *eventbus.Bus) *Registry {
	return &Registry{
		log:          log,
		bus:          bus,
		agents:       make(map[string]*record),
		capabilities: make(map[string]*hashset.Set),
	}
}

// Register calls handler.Initialize(); on success the agent is added with
// status=ready, on failure it is not added and the error is surfaced (§4.5).
func (r *Registry) Register(manifest models.AgentManifest, handler Handler) (string, error) {
	if err := handler.Initialize(); err != nil {
		return "", orcherr.Wrap(orcherr.WorkerError, err, "agent %q failed to initialize", manifest.Name)
	}

	id := uuid.NewString()
	a := &models.Agent{
		ID:            id,
		Type:          manifest.Name,
		Capabilities:  append([]string(nil), manifest.Capabilities...),
		Status:        models.AgentStatusReady,
		Health:        100,
		LastHeartbeat: time.Now(),
		Manifest:      manifest,
	}

	r.mu.Lock()
	r.agents[id] = &record{agent: a, handler: handler}
	for _, capability := range a.Capabilities {
		set, ok := r.capabilities[capability]
		if !ok {
			set = hashset.New()
			r.capabilities[capability] = set
		}
		set.Add(id)
	}
	r.mu.Unlock()

	r.bus.Publish(eventbus.Event{Kind: eventbus.AgentRegistered, Payload: eventbus.AgentEvent{
		AgentID: id, Status: string(a.Status), Health: a.Health, Timestamp: time.Now(),
	}})
	return id, nil
}

// Unregister sets shutting_down; if the agent has no current tasks it shuts
// down immediately, otherwise shutdown is deferred to the next
// ReleaseTask call that empties current_tasks (§4.5).
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return orcherr.New(orcherr.NotFound, "unknown agent %q", agentID)
	}
	rec.agent.Status = models.AgentStatusShuttingDown
	empty := len(rec.agent.CurrentTasks) == 0
	r.mu.Unlock()

	if empty {
		return r.finishShutdown(rec)
	}
	return nil
}

func (r *Registry) finishShutdown(rec *record) error {
	err := rec.handler.Shutdown()

	r.mu.Lock()
	rec.agent.Status = models.AgentStatusTerminated
	id := rec.agent.ID
	caps := append([]string(nil), rec.agent.Capabilities...)
	r.mu.Unlock()

	for _, capability := range caps {
		r.mu.Lock()
		if set, ok := r.capabilities[capability]; ok {
			set.Remove(id)
		}
		r.mu.Unlock()
	}

	r.bus.Publish(eventbus.Event{Kind: eventbus.AgentTerminated, Payload: eventbus.AgentEvent{
		AgentID: id, Status: string(models.AgentStatusTerminated), Timestamp: time.Now(),
	}})

	if err != nil {
		return orcherr.Wrap(orcherr.WorkerError, err, "agent %q shutdown failed", id)
	}
	return nil
}

// AssignTask records taskID against agentID's current_tasks.
func (r *Registry) AssignTask(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return orcherr.New(orcherr.NotFound, "unknown agent %q", agentID)
	}
	rec.agent.CurrentTasks = append(rec.agent.CurrentTasks, taskID)
	rec.agent.Status = models.AgentStatusBusy
	rec.idleSince = time.Time{}
	return nil
}

// ReleaseTask removes taskID from agentID's current_tasks, adjusts health,
// and advances the shutdown sequence if one is pending (§4.5).
func (r *Registry) ReleaseTask(agentID, taskID string, success bool, taskDurationMS float64) error {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return orcherr.New(orcherr.NotFound, "unknown agent %q", agentID)
	}

	remaining := rec.agent.CurrentTasks[:0]
	for _, id := range rec.agent.CurrentTasks {
		if id != taskID {
			remaining = append(remaining, id)
		}
	}
	rec.agent.CurrentTasks = remaining

	if success {
		rec.agent.Completed++
		rec.completionsSinceUp++
		if rec.completionsSinceUp >= HealthRestoreEvery {
			rec.completionsSinceUp = 0
			if rec.agent.Health < 100 {
				rec.agent.Health++
			}
		}
		if taskDurationMS > 0 {
			if rec.agent.AverageTaskTimeMS == 0 {
				rec.agent.AverageTaskTimeMS = taskDurationMS
			} else {
				rec.agent.AverageTaskTimeMS = (rec.agent.AverageTaskTimeMS + taskDurationMS) / 2
			}
		}
	} else {
		rec.agent.Failed++
		rec.completionsSinceUp = 0
		rec.agent.Health -= 10
		if rec.agent.Health < 0 {
			rec.agent.Health = 0
		}
	}

	if len(rec.agent.CurrentTasks) == 0 && rec.agent.Status != models.AgentStatusShuttingDown {
		rec.agent.Status = models.AgentStatusIdle
		rec.idleSince = time.Now()
	}
	shuttingDownAndEmpty := rec.agent.Status == models.AgentStatusShuttingDown && len(rec.agent.CurrentTasks) == 0
	health := rec.agent.Health
	r.mu.Unlock()

	r.bus.Publish(eventbus.Event{Kind: eventbus.AgentHealth, Payload: eventbus.AgentEvent{
		AgentID: agentID, Health: health, Timestamp: time.Now(),
	}})

	if shuttingDownAndEmpty {
		return r.finishShutdown(rec)
	}
	return nil
}

// Heartbeat updates last_heartbeat, used by the Swarm Coordinator's
// supervision loop (§4.8).
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return orcherr.New(orcherr.NotFound, "unknown agent %q", agentID)
	}
	rec.agent.LastHeartbeat = time.Now()
	return nil
}

// Eligible returns a snapshot of agents with status=ready or idle,
// health >= HealthGateThreshold, and (if capability is non-empty) membership
// in that capability's reverse index (§4.5, §4.6 step 1).
func (r *Registry) Eligible(capability string) []*models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidateIDs map[string]bool
	if capability != "" {
		set, ok := r.capabilities[capability]
		if !ok {
			return nil
		}
		candidateIDs = make(map[string]bool, set.Size())
		for _, v := range set.Values() {
			candidateIDs[v.(string)] = true
		}
	}

	out := make([]*models.Agent, 0)
	for id, rec := range r.agents {
		if candidateIDs != nil && !candidateIDs[id] {
			continue
		}
		a := rec.agent
		if a.Health < HealthGateThreshold {
			continue
		}
		if a.Status != models.AgentStatusReady && a.Status != models.AgentStatusIdle {
			continue
		}
		out = append(out, a.Clone())
	}
	return out
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(agentID string) (*models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, "unknown agent %q", agentID)
	}
	return rec.agent.Clone(), nil
}

// Count returns the number of registered (non-terminated) agents, for the
// scheduler_agents_total gauge (§6.6).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.agents {
		if rec.agent.Status != models.AgentStatusTerminated {
			n++
		}
	}
	return n
}

// All returns a snapshot of every non-terminated agent, for the Swarm
// Coordinator's heartbeat supervision loop (§4.8).
func (r *Registry) All() []*models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		if rec.agent.Status == models.AgentStatusTerminated {
			continue
		}
		out = append(out, rec.agent.Clone())
	}
	return out
}

// ByType returns a snapshot of every non-terminated agent of the given
// manifest type, for the Swarm Coordinator's auto-scaler (§4.8).
func (r *Registry) ByType(agentType string) []*models.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Agent, 0)
	for _, rec := range r.agents {
		if rec.agent.Status == models.AgentStatusTerminated || rec.agent.Type != agentType {
			continue
		}
		out = append(out, rec.agent.Clone())
	}
	return out
}

// IdleDuration reports how long agentID has been continuously idle. The
// second return is false if the agent is unknown or not currently idle.
func (r *Registry) IdleDuration(agentID string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok || rec.agent.Status != models.AgentStatusIdle || rec.idleSince.IsZero() {
		return 0, false
	}
	return time.Since(rec.idleSince), true
}

// SetStatus force-sets an agent's status, used by the heartbeat supervisor
// to mark a worker unknown when it has missed heartbeats (§4.8).
func (r *Registry) SetStatus(agentID string, status models.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return orcherr.New(orcherr.NotFound, "unknown agent %q", agentID)
	}
	rec.agent.Status = status
	return nil
}
