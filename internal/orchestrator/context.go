package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/pkg/models"
)

// sharedKnowledgeKey is a namespaced catch-all for knowledge broadcast across
// workers, outside the per-worker §4.10 key families.
func sharedKnowledgeKey(namespace string) string {
	return namespace + "/shared/knowledge"
}

func sessionKey(namespace, name string) string {
	return fmt.Sprintf("%s/sessions/%s", namespace, name)
}

// SwitchContextResult is the reply shape for switch_context (§6.1).
type SwitchContextResult struct {
	WorkerID            string         `json:"worker_id"`
	WorkerName          string         `json:"worker_name"`
	ConversationHistory []string       `json:"conversation_history"`
	SharedKnowledge     map[string]any `json:"shared_knowledge"`
}

// SwitchContext retrieves a worker's persisted decisions (as conversation
// history, if preserveHistory) and the currently shared knowledge (§6.1,
// §4.10).
func (rt *Runtime) SwitchContext(ctx context.Context, workerID string, preserveHistory bool) (SwitchContextResult, error) {
	rec, err := rt.lookupByID(workerID)
	if err != nil {
		return SwitchContextResult{}, err
	}

	result := SwitchContextResult{WorkerID: workerID, WorkerName: rec.name}

	if preserveHistory {
		entries, err := rt.store.Search(ctx, rt.decisionPrefix(workerID), 0)
		if err == nil {
			for _, e := range entries {
				var decision string
				if err := json.Unmarshal(e.Value, &decision); err == nil {
					result.ConversationHistory = append(result.ConversationHistory, decision)
				}
			}
		}
	}

	var shared map[string]any
	if raw, ok, err := rt.store.Retrieve(ctx, sharedKnowledgeKey(rt.cfg.Memory.Namespace)); err == nil && ok {
		_ = json.Unmarshal(raw, &shared)
	}
	result.SharedKnowledge = shared

	return result, nil
}

func (rt *Runtime) decisionPrefix(workerID string) string {
	return fmt.Sprintf("%s/workers/%s/decisions/*", rt.cfg.Memory.Namespace, workerID)
}

// ShareKnowledgeResult is the reply shape for share_knowledge (§6.1).
type ShareKnowledgeResult struct {
	Success    bool     `json:"success"`
	SharedWith []string `json:"shared_with"`
}

// ShareKnowledge merges knowledge into the shared-knowledge entry and
// records a decision against each target worker so switch_context picks it
// up on their next read (§6.1).
func (rt *Runtime) ShareKnowledge(ctx context.Context, knowledge map[string]any, targetWorkers []string) (ShareKnowledgeResult, error) {
	if len(knowledge) == 0 {
		return ShareKnowledgeResult{}, orcherr.New(orcherr.Validation, "share_knowledge requires non-empty knowledge")
	}

	var merged map[string]any
	key := sharedKnowledgeKey(rt.cfg.Memory.Namespace)
	if raw, ok, err := rt.store.Retrieve(ctx, key); err == nil && ok {
		_ = json.Unmarshal(raw, &merged)
	}
	if merged == nil {
		merged = make(map[string]any, len(knowledge))
	}
	for k, v := range knowledge {
		merged[k] = v
	}
	if err := rt.store.Store(ctx, key, merged, time.Duration(rt.cfg.Memory.DefaultTTLSec)*time.Second); err != nil {
		return ShareKnowledgeResult{}, err
	}

	targets := targetWorkers
	if len(targets) == 0 {
		for _, rec := range rt.allWorkerRecords() {
			targets = append(targets, rec.agentID)
		}
	}

	sharedWith := make([]string, 0, len(targets))
	summary, _ := json.Marshal(knowledge)
	for _, workerID := range targets {
		if _, err := rt.lookupByID(workerID); err != nil {
			continue
		}
		_ = rt.store.RecordDecision(ctx, rt.cfg.Memory.Namespace, workerID, "received shared knowledge: "+string(summary))
		sharedWith = append(sharedWith, workerID)
	}

	return ShareKnowledgeResult{Success: true, SharedWith: sharedWith}, nil
}

// MergeWork merges each listed worker's persisted context per strategy ∈
// {combine, sequential, overlay} (§6.1) and returns the merged artifact.
func (rt *Runtime) MergeWork(ctx context.Context, workerIDs []string, strategy string) (map[string]any, error) {
	if len(workerIDs) == 0 {
		return nil, orcherr.New(orcherr.Validation, "merge_work requires at least one worker_id")
	}

	contexts := make([]models.WorkerContext, 0, len(workerIDs))
	for _, id := range workerIDs {
		if _, err := rt.lookupByID(id); err != nil {
			return nil, err
		}
		wc, ok, err := rt.store.WorkerContext(ctx, rt.cfg.Memory.Namespace, id)
		if err != nil {
			return nil, err
		}
		if ok {
			contexts = append(contexts, wc)
		}
	}

	switch strategy {
	case "", "combine":
		return mergeCombine(contexts), nil
	case "sequential":
		return mergeSequential(contexts), nil
	case "overlay":
		return mergeOverlay(contexts), nil
	default:
		return nil, orcherr.New(orcherr.Validation, "unknown merge strategy %q", strategy)
	}
}

func mergeCombine(contexts []models.WorkerContext) map[string]any {
	var decisions, milestones []string
	for _, c := range contexts {
		decisions = append(decisions, c.Decisions...)
		milestones = append(milestones, c.CompletedMilestones...)
	}
	return map[string]any{
		"strategy":             "combine",
		"decisions":            decisions,
		"completed_milestones": milestones,
	}
}

func mergeSequential(contexts []models.WorkerContext) map[string]any {
	sections := make([]map[string]any, 0, len(contexts))
	for _, c := range contexts {
		sections = append(sections, map[string]any{
			"worker_id": c.WorkerID,
			"focus":     c.CurrentFocus,
			"decisions": c.Decisions,
		})
	}
	return map[string]any{"strategy": "sequential", "sections": sections}
}

func mergeOverlay(contexts []models.WorkerContext) map[string]any {
	out := map[string]any{"strategy": "overlay"}
	for _, c := range contexts {
		out["current_focus"] = c.CurrentFocus
		out["task_description"] = c.TaskDescription
		out["progress"] = c.Progress
	}
	return out
}

// SaveSessionResult is the reply shape for save_session/restore_session (§6.1).
type SaveSessionResult struct {
	Success bool `json:"success"`
}

type sessionSnapshot struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	SavedAt     time.Time               `json:"saved_at"`
	Workers     []sessionWorkerSnapshot `json:"workers"`
}

type sessionWorkerSnapshot struct {
	WorkerID string               `json:"worker_id"`
	Name     string               `json:"name"`
	Type     string               `json:"type"`
	Context  models.WorkerContext `json:"context"`
}

// SaveSession persists a snapshot of every active worker's context under
// ns/sessions/{name} (§6.1).
func (rt *Runtime) SaveSession(ctx context.Context, name, description string) (SaveSessionResult, error) {
	if name == "" {
		return SaveSessionResult{}, orcherr.New(orcherr.Validation, "save_session requires a name")
	}

	snap := sessionSnapshot{Name: name, Description: description, SavedAt: time.Now()}
	for _, rec := range rt.allWorkerRecords() {
		wc, ok, err := rt.store.WorkerContext(ctx, rt.cfg.Memory.Namespace, rec.agentID)
		if err != nil {
			return SaveSessionResult{}, err
		}
		if !ok {
			continue
		}
		snap.Workers = append(snap.Workers, sessionWorkerSnapshot{
			WorkerID: rec.agentID, Name: rec.name, Type: rec.workType, Context: wc,
		})
	}

	if err := rt.store.Store(ctx, sessionKey(rt.cfg.Memory.Namespace, name), snap, time.Duration(rt.cfg.Memory.DefaultTTLSec)*time.Second); err != nil {
		return SaveSessionResult{}, err
	}
	return SaveSessionResult{Success: true}, nil
}

// RestoreSession re-persists each snapshotted worker's context under its
// original key so a later switch_context/worker_status read reflects it
// (§6.1). It does not respawn terminated workers — that is spawn_worker's
// job once the caller decides which workers to bring back.
func (rt *Runtime) RestoreSession(ctx context.Context, name string) (SaveSessionResult, error) {
	raw, ok, err := rt.store.Retrieve(ctx, sessionKey(rt.cfg.Memory.Namespace, name))
	if err != nil {
		return SaveSessionResult{}, err
	}
	if !ok {
		return SaveSessionResult{}, orcherr.New(orcherr.NotFound, "no saved session named %q", name)
	}

	var snap sessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return SaveSessionResult{}, orcherr.Wrap(orcherr.StoreError, err, "decode session %q", name)
	}

	for _, w := range snap.Workers {
		if err := rt.store.SaveWorkerContext(ctx, rt.cfg.Memory.Namespace, w.Context); err != nil {
			return SaveSessionResult{}, err
		}
	}
	return SaveSessionResult{Success: true}, nil
}
