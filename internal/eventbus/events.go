package eventbus

import "time"

// TaskEvent carries the common task-lifecycle payload fields.
type TaskEvent struct {
	TaskID    string
	AgentID   string
	Status    string
	Timestamp time.Time
}

// AgentEvent carries agent lifecycle / health payload fields.
type AgentEvent struct {
	AgentID   string
	Status    string
	Health    int
	Timestamp time.Time
}

// LockEvent carries resource-lock payload fields.
type LockEvent struct {
	Name      string
	HolderID  string
	Timestamp time.Time
}

// SwarmEvent carries swarm-coordinator payload fields.
type SwarmEvent struct {
	SwarmID   string
	Status    string
	Timestamp time.Time
}

// WorkerEvent carries worker-manager lifecycle payload fields.
type WorkerEvent struct {
	WorkerID  string
	Type      string
	Timestamp time.Time
}
