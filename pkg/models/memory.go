package models

import "time"

// WorkerContext is the persisted working-state snapshot for a worker
// (spec §3 "Worker Context", §4.10 key ns/workers/{worker_id}/context).
type WorkerContext struct {
	WorkerID             string    `json:"worker_id"`
	WorkerName           string    `json:"worker_name"`
	TaskDescription      string    `json:"task_description"`
	Progress             int       `json:"progress"`
	StartTime            time.Time `json:"start_time"`
	LastUpdate           time.Time `json:"last_update"`
	Decisions            []string  `json:"decisions"`
	CurrentFocus         string    `json:"current_focus"`
	Dependencies         []string  `json:"dependencies"`
	CompletedMilestones  []string  `json:"completed_milestones"`
}

// TaskHistoryEntry is a persisted record of one task execution
// (spec §3 "Task History Entry", §4.10 key ns/tasks/{task_id}).
type TaskHistoryEntry struct {
	TaskID            string    `json:"task_id"`
	Input             string    `json:"input"`
	TaskType          string    `json:"task_type"`
	WorkerID          string    `json:"worker_id"`
	WorkerName        string    `json:"worker_name"`
	Success           bool      `json:"success"`
	Timestamp         time.Time `json:"timestamp"`
	DurationMS        int64     `json:"duration_ms"`
	SuccessfulCommand string    `json:"successful_command,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
}

// CommandPattern is a learned, normalized command shape
// (spec §3 "Command Pattern", §4.10 key ns/patterns/{normalized_pattern}).
type CommandPattern struct {
	Pattern           string    `json:"pattern"`
	Frequency         int       `json:"frequency"`
	SuccessRate       float64   `json:"success_rate"`
	AvgResponseTimeMS float64   `json:"avg_response_time_ms"`
	LastUsed          time.Time `json:"last_used"`
}
