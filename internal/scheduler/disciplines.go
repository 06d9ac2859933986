package scheduler

import (
	"sort"
	"sync"

	"github.com/orchflow/orchflow/pkg/models"
)

func eligibleFor(task *models.Task, agents []*models.Agent) []*models.Agent {
	if task.AgentRequirements == nil || len(task.AgentRequirements.Capabilities) == 0 {
		return agents
	}
	out := make([]*models.Agent, 0)
	for _, a := range agents {
		ok := true
		for _, cap := range task.AgentRequirements.Capabilities {
			if !a.HasCapability(cap) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, a)
		}
	}
	return out
}

// FIFO iterates tasks in submission order; first eligible idle agent wins (§4.6).
type FIFO struct{}

func (FIFO) Name() string { return "fifo" }

func (FIFO) Schedule(ready []*models.Task, agents []*models.Agent) []Assignment {
	taken := make(map[string]bool)
	var out []Assignment
	for _, task := range ready {
		for _, a := range eligibleFor(task, agents) {
			if taken[a.ID] {
				continue
			}
			taken[a.ID] = true
			out = append(out, Assignment{Task: task, AgentID: a.ID})
			break
		}
	}
	return out
}

func speedScore(avgTaskTimeMS float64) float64 {
	if avgTaskTimeMS <= 0 {
		return 1
	}
	return 1 / avgTaskTimeMS
}

func successRate(a *models.Agent) float64 {
	total := a.Completed + a.Failed
	if total == 0 {
		return 1
	}
	return float64(a.Completed) / float64(total)
}

// Priority sorts tasks by priority desc; for each task picks the agent with
// the maximum weighted score of success_rate, health, and speed (§4.6).
type Priority struct{}

func (Priority) Name() string { return "priority" }

func (Priority) Schedule(ready []*models.Task, agents []*models.Agent) []Assignment {
	sorted := append([]*models.Task(nil), ready...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	taken := make(map[string]bool)
	var out []Assignment
	for _, task := range sorted {
		var best *models.Agent
		var bestScore float64 = -1
		for _, a := range eligibleFor(task, agents) {
			if taken[a.ID] {
				continue
			}
			score := 0.4*successRate(a) + 0.3*(float64(a.Health)/100) + 0.3*speedScore(a.AverageTaskTimeMS)
			if score > bestScore {
				bestScore = score
				best = a
			}
		}
		if best != nil {
			taken[best.ID] = true
			out = append(out, Assignment{Task: task, AgentID: best.ID})
		}
	}
	return out
}

// RoundRobin maintains a rolling index across agents, advancing until an
// eligible agent is found per task (§4.6).
type RoundRobin struct {
	mu  sync.Mutex
	idx int
}

func (*RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Schedule(ready []*models.Task, agents []*models.Agent) []Assignment {
	if len(agents) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	taken := make(map[string]bool)
	var out []Assignment
	for _, task := range ready {
		elig := eligibleFor(task, agents)
		if len(elig) == 0 {
			continue
		}
		for attempt := 0; attempt < len(agents); attempt++ {
			r.idx = (r.idx + 1) % len(agents)
			candidate := agents[r.idx]
			if taken[candidate.ID] {
				continue
			}
			if !containsAgent(elig, candidate.ID) {
				continue
			}
			taken[candidate.ID] = true
			out = append(out, Assignment{Task: task, AgentID: candidate.ID})
			break
		}
	}
	return out
}

func containsAgent(agents []*models.Agent, id string) bool {
	for _, a := range agents {
		if a.ID == id {
			return true
		}
	}
	return false
}

// ShortestJobFirst sorts tasks by timeout_ms ascending (absent treated as
// +inf), choosing the agent with the lowest avg_task_time_ms for each (§4.6).
type ShortestJobFirst struct{}

func (ShortestJobFirst) Name() string { return "shortest_job_first" }

func (ShortestJobFirst) Schedule(ready []*models.Task, agents []*models.Agent) []Assignment {
	sorted := append([]*models.Task(nil), ready...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := sorted[i].TimeoutMS, sorted[j].TimeoutMS
		if ti <= 0 {
			ti = int64(^uint64(0) >> 1)
		}
		if tj <= 0 {
			tj = int64(^uint64(0) >> 1)
		}
		return ti < tj
	})

	taken := make(map[string]bool)
	var out []Assignment
	for _, task := range sorted {
		var best *models.Agent
		for _, a := range eligibleFor(task, agents) {
			if taken[a.ID] {
				continue
			}
			if best == nil || a.AverageTaskTimeMS < best.AverageTaskTimeMS {
				best = a
			}
		}
		if best != nil {
			taken[best.ID] = true
			out = append(out, Assignment{Task: task, AgentID: best.ID})
		}
	}
	return out
}
