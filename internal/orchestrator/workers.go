package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/pkg/models"
)

// SpawnResult is the reply shape for the spawn_worker operation (§6.1).
type SpawnResult struct {
	WorkerID       string `json:"worker_id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	QuickAccessKey int    `json:"quick_access_key"`
	Status         string `json:"status"`
}

// SpawnWorker registers a new worker, submits its first task, and assigns
// it a quick-access key in first-available order (§6.1, §6.2).
func (rt *Runtime) SpawnWorker(ctx context.Context, task string, workType string, metadata map[string]any) (SpawnResult, error) {
	if task == "" {
		return SpawnResult{}, orcherr.New(orcherr.Validation, "spawn_worker requires a non-empty task")
	}
	if workType == "" {
		workType = "general"
	}

	manifest := defaultManifest(workType)
	kind := backendKind(metadata)
	spec := defaultSpec(metadata)

	agentID, err := rt.workers.Spawn(manifest, kind, spec)
	if err != nil {
		return SpawnResult{}, err
	}

	name := rt.nameFor(workType)
	rec := &workerRecord{agentID: agentID, name: name, workType: workType}

	rt.mu.Lock()
	rec.quickKey = rt.assignQuickKeyLocked(rec)
	rt.byAgentID[agentID] = rec
	rt.byName[name] = rec
	rt.mu.Unlock()

	t := &models.Task{
		ID:       uuid.NewString(),
		Name:     task,
		Type:     workType,
		Priority: models.PriorityNormal,
		Payload:  map[string]any{"description": task, "metadata": metadata},
		AgentRequirements: &models.AgentRequirements{
			Type: workType,
		},
	}
	if err := rt.graph.Submit(t); err != nil {
		return SpawnResult{}, err
	}

	agentSnapshot, err := rt.registry.Get(agentID)
	if err != nil {
		return SpawnResult{}, err
	}

	return SpawnResult{
		WorkerID:       agentID,
		Name:           name,
		Type:           workType,
		QuickAccessKey: rec.quickKey,
		Status:         string(agentSnapshot.Status),
	}, nil
}

// WorkerStatusEntry is one row of the worker_status reply (§6.1).
type WorkerStatusEntry struct {
	WorkerID    string `json:"worker_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentTask string `json:"current_task,omitempty"`
}

// WorkerStatus reports one worker (workerID non-empty) or every worker
// (workerID empty), per §6.1.
func (rt *Runtime) WorkerStatus(ctx context.Context, workerID string) ([]WorkerStatusEntry, error) {
	if workerID != "" {
		entry, err := rt.statusFor(ctx, workerID)
		if err != nil {
			return nil, err
		}
		return []WorkerStatusEntry{entry}, nil
	}

	rt.mu.Lock()
	ids := make([]string, 0, len(rt.byAgentID))
	for id := range rt.byAgentID {
		ids = append(ids, id)
	}
	rt.mu.Unlock()

	out := make([]WorkerStatusEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := rt.statusFor(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (rt *Runtime) statusFor(ctx context.Context, workerID string) (WorkerStatusEntry, error) {
	rec, err := rt.lookupByID(workerID)
	if err != nil {
		return WorkerStatusEntry{}, err
	}
	a, err := rt.registry.Get(workerID)
	if err != nil {
		return WorkerStatusEntry{}, err
	}

	progress := 0
	var currentTask string
	if wc, ok, err := rt.store.WorkerContext(ctx, rt.cfg.Memory.Namespace, workerID); err == nil && ok {
		progress = wc.Progress
		currentTask = wc.TaskDescription
	}
	if len(a.CurrentTasks) > 0 {
		currentTask = a.CurrentTasks[0]
	}

	return WorkerStatusEntry{
		WorkerID:    workerID,
		Name:        rec.name,
		Type:        rec.workType,
		Status:      string(a.Status),
		Progress:    progress,
		CurrentTask: currentTask,
	}, nil
}

// StopWorker tears down a worker and reclaims its quick-access key.
func (rt *Runtime) StopWorker(agentID string) error {
	if err := rt.workers.Stop(agentID); err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rec, ok := rt.byAgentID[agentID]
	if !ok {
		return nil
	}
	delete(rt.byAgentID, agentID)
	delete(rt.byName, rec.name)
	if rec.quickKey > 0 {
		rt.quickKeys[rec.quickKey] = nil
	}
	return nil
}

func (rt *Runtime) nameFor(workType string) string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextSeq[workType]++
	return fmt.Sprintf("%s-%d", workType, rt.nextSeq[workType])
}

// assignQuickKeyLocked picks the first available slot in 1..9, reassigned
// in first-available order on worker creation (§6.2). Callers must hold rt.mu.
func (rt *Runtime) assignQuickKeyLocked(rec *workerRecord) int {
	for i := 1; i <= quickKeySlots; i++ {
		if rt.quickKeys[i] == nil {
			rt.quickKeys[i] = rec
			return i
		}
	}
	return 0
}

func (rt *Runtime) lookupByID(agentID string) (*workerRecord, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rec, ok := rt.byAgentID[agentID]
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, "unknown worker %q", agentID)
	}
	return rec, nil
}

func (rt *Runtime) lookupByName(name string) (*workerRecord, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rec, ok := rt.byName[name]
	return rec, ok
}

// lookupByQuickKey resolves a §6.2 quick-access key (1..9) to a worker id.
func (rt *Runtime) lookupByQuickKey(key int) (*workerRecord, bool) {
	if key < 1 || key > quickKeySlots {
		return nil, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rec := rt.quickKeys[key]
	if rec == nil {
		return nil, false
	}
	return rec, true
}

// allWorkerRecords returns a snapshot of every tracked worker record.
func (rt *Runtime) allWorkerRecords() []*workerRecord {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*workerRecord, 0, len(rt.byAgentID))
	for _, rec := range rt.byAgentID {
		out = append(out, rec)
	}
	return out
}
