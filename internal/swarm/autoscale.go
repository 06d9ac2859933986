package swarm

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/orchflow/orchflow/internal/metrics"
	"github.com/orchflow/orchflow/internal/terminal"
	"github.com/orchflow/orchflow/pkg/models"
)

const autoScaleTick = "@every 30s"

// WorkerTemplate is what the auto-scaler spawns more of when the backlog
// grows, and what it targets by type when scanning the current pool.
type WorkerTemplate struct {
	Manifest models.AgentManifest
	Kind     terminal.Kind
	Spec     terminal.Spec
}

// ScaleParams are the auto-scaling knobs from §4.8.
type ScaleParams struct {
	MinWorkers           int
	MaxWorkers           int
	ScaleUpThreshold     int
	ScaleDownThresholdMS int64
}

// PendingCounter is implemented by the Task Graph.
type PendingCounter interface {
	PendingCount() int
}

// AutoScalePool is the registry surface the auto-scaler needs: ByType to
// enumerate one template's pool, IdleDuration to find scale-down candidates.
type AutoScalePool interface {
	ByType(agentType string) []*models.Agent
	IdleDuration(agentID string) (time.Duration, bool)
}

// WorkerSpawner is implemented by the Worker Manager (C10).
type WorkerSpawner interface {
	Spawn(manifest models.AgentManifest, kind terminal.Kind, spec terminal.Spec) (string, error)
	Stop(agentID string) error
	Restart(agentID string) (string, error)
}

// AutoScaler implements the auto-scaling half of §4.8: every ~30s it grows
// the pool when the backlog exceeds scale_up_threshold and shrinks it when
// an idle worker has sat unused past scale_down_threshold_ms.
type AutoScaler struct {
	log      zerolog.Logger
	graph    PendingCounter
	registry AutoScalePool
	workers  WorkerSpawner
	template WorkerTemplate
	params   ScaleParams
	cron     *cron.Cron
}

// NewAutoScaler constructs an AutoScaler for one worker template.
func NewAutoScaler(log zerolog.Logger, graph PendingCounter, registry AutoScalePool, workers WorkerSpawner, template WorkerTemplate, params ScaleParams) *AutoScaler {
	return &AutoScaler{
		log:      log,
		graph:    graph,
		registry: registry,
		workers:  workers,
		template: template,
		params:   params,
		cron:     cron.New(),
	}
}

// Start registers and begins the 30s tick.
func (a *AutoScaler) Start() error {
	_, err := a.cron.AddFunc(autoScaleTick, a.tick)
	if err != nil {
		return err
	}
	a.cron.Start()
	return nil
}

// Stop halts the tick, waiting for any in-flight tick to finish.
func (a *AutoScaler) Stop() {
	<-a.cron.Stop().Done()
}

func (a *AutoScaler) tick() {
	agents := a.registry.ByType(a.template.Manifest.Name)
	total := len(agents)
	pending := a.graph.PendingCount()

	if pending > a.params.ScaleUpThreshold && total < a.params.MaxWorkers {
		idle := 0
		for _, ag := range agents {
			if ag.Status == models.AgentStatusIdle {
				idle++
			}
		}
		want := pending - idle
		if room := a.params.MaxWorkers - total; want > room {
			want = room
		}
		for i := 0; i < want; i++ {
			if _, err := a.workers.Spawn(a.template.Manifest, a.template.Kind, a.template.Spec); err != nil {
				metrics.SwarmWorkersCreationFailed.Inc()
				a.log.Warn().Err(err).Str("worker_type", a.template.Manifest.Name).Msg("auto-scale spawn failed")
				continue
			}
			metrics.SwarmWorkersCreated.Inc()
			total++
		}
	}

	if total > a.params.MinWorkers {
		threshold := time.Duration(a.params.ScaleDownThresholdMS) * time.Millisecond
		for _, ag := range agents {
			if total <= a.params.MinWorkers {
				break
			}
			if ag.Status != models.AgentStatusIdle {
				continue
			}
			idleFor, ok := a.registry.IdleDuration(ag.ID)
			if !ok || idleFor < threshold {
				continue
			}
			if err := a.workers.Stop(ag.ID); err != nil {
				a.log.Warn().Err(err).Str("agent_id", ag.ID).Msg("auto-scale stop failed")
				continue
			}
			metrics.SwarmWorkersRemoved.Inc()
			total--
		}
	}

	metrics.SwarmWorkersActive.Set(float64(total))
}
