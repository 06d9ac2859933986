package swarm

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/orchflow/orchflow/pkg/models"
)

const heartbeatTick = "@every 30s"

// HeartbeatRegistry is the subset of the agent registry the heartbeat
// supervisor needs: a full roster, and a way to mark a worker unknown
// without going through AssignTask/ReleaseTask.
type HeartbeatRegistry interface {
	All() []*models.Agent
	SetStatus(agentID string, status models.AgentStatus) error
}

// HeartbeatSupervisor implements the heartbeat half of §4.8: every ~30s it
// scans every worker's last_heartbeat; missing it by 2x marks the worker
// status=unknown, missing it by 4x restarts the worker (remove + create of
// the same type, via the Worker Manager's own Restart).
type HeartbeatSupervisor struct {
	log      zerolog.Logger
	registry HeartbeatRegistry
	workers  WorkerSpawner
	interval time.Duration
	cron     *cron.Cron
}

// NewHeartbeatSupervisor constructs a supervisor. interval is the heartbeat
// cadence agents are expected to check in at; missed2x/missed4x thresholds
// are derived from it.
func NewHeartbeatSupervisor(log zerolog.Logger, registry HeartbeatRegistry, workers WorkerSpawner, interval time.Duration) *HeartbeatSupervisor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatSupervisor{
		log:      log,
		registry: registry,
		workers:  workers,
		interval: interval,
		cron:     cron.New(),
	}
}

// Start registers and begins the 30s tick.
func (h *HeartbeatSupervisor) Start() error {
	_, err := h.cron.AddFunc(heartbeatTick, h.tick)
	if err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Stop halts the tick, waiting for any in-flight tick to finish.
func (h *HeartbeatSupervisor) Stop() {
	<-h.cron.Stop().Done()
}

func (h *HeartbeatSupervisor) tick() {
	now := time.Now()
	for _, ag := range h.registry.All() {
		if ag.Status == models.AgentStatusShuttingDown || ag.Status == models.AgentStatusTerminated {
			continue
		}
		elapsed := now.Sub(ag.LastHeartbeat)
		switch {
		case elapsed > 4*h.interval:
			h.log.Warn().Str("agent_id", ag.ID).Dur("elapsed", elapsed).Msg("missed heartbeat 4x, restarting worker")
			if _, err := h.workers.Restart(ag.ID); err != nil {
				h.log.Warn().Err(err).Str("agent_id", ag.ID).Msg("heartbeat-triggered restart failed")
			}
		case elapsed > 2*h.interval:
			if err := h.registry.SetStatus(ag.ID, models.AgentStatusUnknown); err != nil {
				h.log.Warn().Err(err).Str("agent_id", ag.ID).Msg("failed to mark worker unknown")
			}
		}
	}
}
