// Package balancer implements the Load Balancer (spec C9, §4.7): four
// pluggable disciplines for routing one task to one agent, invoked either by
// the Scheduler's delegation or directly (e.g. the Swarm Coordinator).
package balancer

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/orchflow/orchflow/pkg/models"
)

// Discipline picks one agent for one task out of the eligible set.
type Discipline interface {
	Name() string
	Select(task *models.Task, eligible []*models.Agent) (*models.Agent, bool)
}

// LeastConnections picks the agent with the smallest current_tasks count (§4.7).
type LeastConnections struct{}

func (LeastConnections) Name() string { return "least_connections" }

func (LeastConnections) Select(task *models.Task, eligible []*models.Agent) (*models.Agent, bool) {
	if len(eligible) == 0 {
		return nil, false
	}
	best := eligible[0]
	for _, a := range eligible[1:] {
		if len(a.CurrentTasks) < len(best.CurrentTasks) {
			best = a
		}
	}
	return best, true
}

// weightedState tracks the smooth-weighted-round-robin running "current
// weight" per agent, persisted across calls for the same agent id.
type weightedState struct {
	mu      sync.Mutex
	current map[string]int
}

// WeightedRoundRobin computes a per-agent weight from health, success rate,
// and speed, then smooth-selects by accumulating current weight per tick (§4.7).
type WeightedRoundRobin struct {
	state weightedState
}

func (*WeightedRoundRobin) Name() string { return "weighted_round_robin" }

func computeWeight(a *models.Agent) int {
	total := a.Completed + a.Failed
	successRate := 1.0
	if total > 0 {
		successRate = float64(a.Completed) / float64(total)
	}
	speedFactor := 1.0
	if a.AverageTaskTimeMS > 0 {
		speedFactor = 10000 / a.AverageTaskTimeMS
		if speedFactor > 1 {
			speedFactor = 1
		}
	}
	w := 10 * (0.4*(float64(a.Health)/100) + 0.4*successRate + 0.2*speedFactor)
	rounded := int(w + 0.5)
	if rounded < 1 {
		rounded = 1
	}
	return rounded
}

func (w *WeightedRoundRobin) Select(task *models.Task, eligible []*models.Agent) (*models.Agent, bool) {
	if len(eligible) == 0 {
		return nil, false
	}

	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	if w.state.current == nil {
		w.state.current = make(map[string]int)
	}

	total := 0
	var best *models.Agent
	bestCurrent := -1 << 31
	for _, a := range eligible {
		weight := computeWeight(a)
		total += weight
		w.state.current[a.ID] += weight
		if w.state.current[a.ID] > bestCurrent {
			bestCurrent = w.state.current[a.ID]
			best = a
		}
	}
	if best == nil {
		return nil, false
	}
	w.state.current[best.ID] -= total
	return best, true
}

// responseTimeState keeps the last 10 samples per agent.
type responseTimeState struct {
	mu      sync.Mutex
	samples map[string][]float64
}

const responseTimeWindow = 10
const defaultResponseTimeMS = 1000

// ResponseTime picks the agent with the lowest mean of its last 10 observed
// response-time samples, defaulting to 1000ms for agents with none (§4.7).
type ResponseTime struct {
	state responseTimeState
}

func (*ResponseTime) Name() string { return "response_time" }

// Observe records one response-time sample for agentID, trimming to the
// most recent 10.
func (r *ResponseTime) Observe(agentID string, ms float64) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	if r.state.samples == nil {
		r.state.samples = make(map[string][]float64)
	}
	samples := append(r.state.samples[agentID], ms)
	if len(samples) > responseTimeWindow {
		samples = samples[len(samples)-responseTimeWindow:]
	}
	r.state.samples[agentID] = samples
}

func (r *ResponseTime) mean(agentID string) float64 {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	samples := r.state.samples[agentID]
	if len(samples) == 0 {
		return defaultResponseTimeMS
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func (r *ResponseTime) Select(task *models.Task, eligible []*models.Agent) (*models.Agent, bool) {
	if len(eligible) == 0 {
		return nil, false
	}
	best := eligible[0]
	bestMean := r.mean(best.ID)
	for _, a := range eligible[1:] {
		m := r.mean(a.ID)
		if m < bestMean {
			bestMean = m
			best = a
		}
	}
	return best, true
}

// ConsistentHash picks hash(task.name||task.type) mod len(eligible), with
// eligible kept order-stable by agent id (§4.7).
type ConsistentHash struct{}

func (ConsistentHash) Name() string { return "consistent_hash" }

func (ConsistentHash) Select(task *models.Task, eligible []*models.Agent) (*models.Agent, bool) {
	if len(eligible) == 0 {
		return nil, false
	}
	ordered := append([]*models.Agent(nil), eligible...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	h := fnv.New32a()
	_, _ = h.Write([]byte(task.Name + task.Type))
	idx := int(h.Sum32()) % len(ordered)
	if idx < 0 {
		idx += len(ordered)
	}
	return ordered[idx], true
}
