package models

import "time"

// AgentStatus is the worker lifecycle position (spec §3).
type AgentStatus string

const (
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusReady        AgentStatus = "ready"
	AgentStatusBusy         AgentStatus = "busy"
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusError        AgentStatus = "error"
	AgentStatusShuttingDown AgentStatus = "shutting_down"
	AgentStatusTerminated   AgentStatus = "terminated"
	AgentStatusUnknown      AgentStatus = "unknown"
)

// ResourceLimits bounds what a worker process may consume (spec §3 AgentManifest).
type ResourceLimits struct {
	MaxMemoryMB       int `json:"max_memory_mb"`
	MaxCPUPct         int `json:"max_cpu_pct"`
	MaxExecTimeMS     int `json:"max_exec_time_ms"`
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
}

// AgentManifest describes a worker type before it is spawned.
type AgentManifest struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Version             string         `json:"version"`
	Capabilities        []string       `json:"capabilities"`
	RequiredPermissions []string       `json:"required_permissions"`
	ResourceLimits      ResourceLimits `json:"resource_limits"`
}

// Agent is a running worker record (spec §3).
type Agent struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`
	CurrentTasks []string    `json:"current_tasks"`

	Completed         int       `json:"completed"`
	Failed            int       `json:"failed"`
	AverageTaskTimeMS float64   `json:"average_task_time_ms"`
	Health            int       `json:"health"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`

	Manifest AgentManifest `json:"manifest"`
}

// HasCapability reports whether the agent advertises a given capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Clone returns an independent copy suitable for lock-free reads.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.CurrentTasks = append([]string(nil), a.CurrentTasks...)
	c.Manifest.Capabilities = append([]string(nil), a.Manifest.Capabilities...)
	c.Manifest.RequiredPermissions = append([]string(nil), a.Manifest.RequiredPermissions...)
	return &c
}
