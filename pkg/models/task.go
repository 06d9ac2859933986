package models

import "time"

// TaskStatus is the task state-machine position (spec §4.4).
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Priority is an ordered task priority: LOW < NORMAL < HIGH < CRITICAL.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// AgentRequirements narrows which agents are eligible for a task.
type AgentRequirements struct {
	Type         string   `json:"type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	MinCount     int      `json:"min_count,omitempty"`
	MaxCount     int      `json:"max_count,omitempty"`
}

// Task is a unit of work submitted to the task graph (spec §3).
type Task struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Priority     Priority `json:"priority"`
	Dependencies []string `json:"dependencies"`

	AgentRequirements *AgentRequirements `json:"agent_requirements,omitempty"`
	Payload           any                `json:"payload,omitempty"`
	TimeoutMS         int64              `json:"timeout_ms,omitempty"`
	MaxRetries        int                `json:"max_retries"`

	Retries    int      `json:"retries"`
	AssignedTo []string `json:"assigned_to"`
	Status     TaskStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IsTerminal reports whether the task has reached a status with no
// further transitions (aside from a retry re-entering `scheduled`).
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusCancelled:
		return true
	case TaskStatusFailed:
		return t.Retries >= t.MaxRetries
	default:
		return false
	}
}

// Clone returns a deep-enough copy for snapshot reads outside the graph's lock.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.AssignedTo = append([]string(nil), t.AssignedTo...)
	if t.AgentRequirements != nil {
		ar := *t.AgentRequirements
		ar.Capabilities = append([]string(nil), t.AgentRequirements.Capabilities...)
		c.AgentRequirements = &ar
	}
	return &c
}
