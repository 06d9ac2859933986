// Package orchestrator is the composition root: it wires the Resource/Lock
// Manager (C1), Terminal Backend (C2), Task Graph (C6), Agent Registry (C7),
// Scheduler (C8), Load Balancer (C9), Swarm Coordinator (C11), Worker
// Manager (C10) and Context/Memory Store (C12) into one Runtime and exposes
// the business logic backing every §6.1 tool-call operation. It generalizes
// the teacher's bubbletea-driven Orchestrator in the original
// orchestrator.go — which wired a TaskStore straight to a TUI message
// channel — into a transport-agnostic runtime the MCP server (C13) adapts.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchflow/orchflow/internal/agent"
	"github.com/orchflow/orchflow/internal/balancer"
	"github.com/orchflow/orchflow/internal/breaker"
	"github.com/orchflow/orchflow/internal/config"
	"github.com/orchflow/orchflow/internal/eventbus"
	"github.com/orchflow/orchflow/internal/graph"
	"github.com/orchflow/orchflow/internal/lock"
	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/internal/scheduler"
	"github.com/orchflow/orchflow/internal/store"
	"github.com/orchflow/orchflow/internal/swarm"
	"github.com/orchflow/orchflow/internal/terminal"
	"github.com/orchflow/orchflow/internal/worker"
	"github.com/orchflow/orchflow/pkg/models"
)

// quickKeySlots is the size of the §6.2 "1..9 -> worker_id" mapping.
const quickKeySlots = 9

// workerRecord is what the Runtime tracks about a worker beyond what the
// Agent Registry already owns: its human-facing name and quick-access key.
type workerRecord struct {
	agentID  string
	name     string
	workType string
	quickKey int
}

// Runtime owns every component for the process lifetime and is the single
// thing cmd/orchflowd and internal/mcp depend on.
type Runtime struct {
	log zerolog.Logger
	cfg config.Config

	bus       *eventbus.Bus
	locks     *lock.Manager
	terminals *terminal.Manager
	breakers  *breaker.Registry
	graph     *graph.Graph
	registry  *agent.Registry
	workers   *worker.Manager
	scheduler *scheduler.Scheduler
	balancer  balancer.Discipline
	swarm     *swarm.Coordinator
	autoscale *swarm.AutoScaler
	heartbeat *swarm.HeartbeatSupervisor
	store     *store.Store

	mu        sync.Mutex
	byAgentID map[string]*workerRecord
	byName    map[string]*workerRecord
	quickKeys [quickKeySlots + 1]*workerRecord // index 1..9, 0 unused
	nextSeq   map[string]int                   // worker type -> next sequence number for naming
}

// New wires every component from cfg and returns a Runtime ready for Start.
func New(log zerolog.Logger, cfg config.Config) (*Runtime, error) {
	bus := eventbus.New()
	breakers := breaker.NewRegistry(log)

	memStore, err := store.Open(log, cfg.Memory.Path, breakers, 0)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.StoreError, err, "open memory store at %q", cfg.Memory.Path)
	}

	locks := lock.NewManager(log)
	terminals := terminal.NewManager(log, bus)
	taskGraph := graph.New(log, bus, 0)
	registry := agent.New(log, bus)

	lb, err := newBalancer(cfg.LoadBalancer.Discipline)
	if err != nil {
		return nil, err
	}
	// Only the response_time discipline tracks latency; every other
	// discipline leaves responseObserver nil and worker.Manager skips it.
	responseObserver, _ := lb.(worker.ResponseObserver)
	workers := worker.New(log, bus, terminals, taskGraph, registry, locks, responseObserver)

	swarmCoord := swarm.New(log, bus, taskGraph, registry, locks, lb, workers)

	discipline, err := newSchedulerDiscipline(cfg.Scheduler.Discipline)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(log, taskGraph, registry, locks, discipline, workers)

	rt := &Runtime{
		log:       log,
		cfg:       cfg,
		bus:       bus,
		locks:     locks,
		terminals: terminals,
		breakers:  breakers,
		graph:     taskGraph,
		registry:  registry,
		workers:   workers,
		scheduler: sched,
		balancer:  lb,
		swarm:     swarmCoord,
		store:     memStore,
		byAgentID: make(map[string]*workerRecord),
		byName:    make(map[string]*workerRecord),
		nextSeq:   make(map[string]int),
	}

	if cfg.Runtime.EnableAutoScaling {
		template := swarm.WorkerTemplate{
			Manifest: defaultManifest("general"),
			Kind:     terminal.KindPTY,
			Spec:     defaultSpec(nil),
		}
		params := swarm.ScaleParams{
			MinWorkers:           cfg.Runtime.MinWorkers,
			MaxWorkers:           cfg.Runtime.MaxWorkers,
			ScaleUpThreshold:     cfg.Runtime.ScaleUpThreshold,
			ScaleDownThresholdMS: cfg.Runtime.ScaleDownThresholdMS,
		}
		rt.autoscale = swarm.NewAutoScaler(log, taskGraph, registry, workers, template, params)
	}

	heartbeatInterval := time.Duration(cfg.Runtime.HeartbeatIntervalMS) * time.Millisecond
	rt.heartbeat = swarm.NewHeartbeatSupervisor(log, registry, workers, heartbeatInterval)

	return rt, nil
}

// Start begins the scheduler tick, auto-scale tick (if enabled), and
// heartbeat supervision tick, each an independent periodic task per §5.
func (rt *Runtime) Start() error {
	if err := rt.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if rt.autoscale != nil {
		if err := rt.autoscale.Start(); err != nil {
			return fmt.Errorf("start auto-scaler: %w", err)
		}
	}
	if err := rt.heartbeat.Start(); err != nil {
		return fmt.Errorf("start heartbeat supervisor: %w", err)
	}
	return nil
}

// Stop halts every periodic task and closes the memory store.
func (rt *Runtime) Stop() {
	rt.scheduler.Stop()
	if rt.autoscale != nil {
		rt.autoscale.Stop()
	}
	rt.heartbeat.Stop()
	if err := rt.store.Close(); err != nil {
		rt.log.Warn().Err(err).Msg("error closing memory store")
	}
}

func newSchedulerDiscipline(name string) (scheduler.Discipline, error) {
	switch name {
	case "", "priority":
		return scheduler.Priority{}, nil
	case "fifo":
		return scheduler.FIFO{}, nil
	case "round_robin":
		return &scheduler.RoundRobin{}, nil
	case "shortest_job_first":
		return scheduler.ShortestJobFirst{}, nil
	default:
		return nil, orcherr.New(orcherr.Validation, "unknown scheduler discipline %q", name)
	}
}

func newBalancer(name string) (balancer.Discipline, error) {
	switch name {
	case "", "least_connections":
		return balancer.LeastConnections{}, nil
	case "weighted_round_robin":
		return &balancer.WeightedRoundRobin{}, nil
	case "response_time":
		return &balancer.ResponseTime{}, nil
	case "consistent_hash":
		return balancer.ConsistentHash{}, nil
	default:
		return nil, orcherr.New(orcherr.Validation, "unknown load balancer discipline %q", name)
	}
}

// defaultManifest builds the AgentManifest for a worker type, generalizing
// the teacher's single hardcoded "opencode" agent into a capability-tagged
// manifest per requested type.
func defaultManifest(workType string) models.AgentManifest {
	if workType == "" {
		workType = "general"
	}
	return models.AgentManifest{
		Name:         workType,
		Version:      "1",
		Capabilities: []string{workType},
		ResourceLimits: models.ResourceLimits{
			MaxMemoryMB:        2048,
			MaxCPUPct:          100,
			MaxExecTimeMS:      int(30 * time.Minute / time.Millisecond),
			MaxConcurrentTasks: 1,
		},
	}
}

// defaultSpec builds the terminal.Spec a spawned worker's backend process
// runs, generalizing the teacher's direct
// exec.CommandContext(ctx, "opencode", "run", ...) invocation into one
// persistent process per worker that reads successive task prompts from
// stdin (§4.9), overridable via metadata["command"]/metadata["args"].
func defaultSpec(metadata map[string]any) terminal.Spec {
	shell := "opencode"
	args := []string{"run"}
	if metadata != nil {
		if cmd, ok := metadata["command"].(string); ok && cmd != "" {
			shell = cmd
		}
		if rawArgs, ok := metadata["args"].([]any); ok {
			args = args[:0]
			for _, a := range rawArgs {
				if s, ok := a.(string); ok {
					args = append(args, s)
				}
			}
		}
	}
	return terminal.Spec{Shell: shell, Args: args, Cols: 80, Rows: 24}
}

func backendKind(metadata map[string]any) terminal.Kind {
	if metadata == nil {
		return terminal.KindPTY
	}
	switch metadata["backend"] {
	case "plain":
		return terminal.KindPlain
	case "tmux":
		return terminal.KindTmux
	default:
		return terminal.KindPTY
	}
}
