package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orchflow/orchflow/pkg/models"
)

// SaveWorkerContext persists a worker's working-state snapshot under
// ns/workers/{worker_id}/context (§4.10).
func (s *Store) SaveWorkerContext(ctx context.Context, namespace string, wc models.WorkerContext) error {
	wc.LastUpdate = time.Now()
	return s.Store(ctx, WorkerContextKey(namespace, wc.WorkerID), wc, WorkerContextTTL)
}

// WorkerContext retrieves a worker's persisted context, if still live.
func (s *Store) WorkerContext(ctx context.Context, namespace, workerID string) (models.WorkerContext, bool, error) {
	raw, ok, err := s.Retrieve(ctx, WorkerContextKey(namespace, workerID))
	if err != nil || !ok {
		return models.WorkerContext{}, ok, err
	}
	var wc models.WorkerContext
	if err := json.Unmarshal(raw, &wc); err != nil {
		return models.WorkerContext{}, false, err
	}
	return wc, true, nil
}

// RecordDecision appends a timestamped decision entry for a worker
// (ns/workers/{worker_id}/decisions/{ts}, §4.10).
func (s *Store) RecordDecision(ctx context.Context, namespace, workerID, decision string) error {
	return s.Store(ctx, WorkerDecisionKey(namespace, workerID, time.Now()), decision, WorkerDecisionTTL)
}

// RecordTaskHistory persists one task-execution record (ns/tasks/{task_id},
// §4.10) and feeds the same input into the learned pattern store.
func (s *Store) RecordTaskHistory(ctx context.Context, namespace string, entry models.TaskHistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := s.Store(ctx, TaskHistoryKey(namespace, entry.TaskID), entry, TaskHistoryTTL); err != nil {
		return err
	}
	if entry.Input != "" {
		_, _ = s.RecordPattern(ctx, namespace, entry.Input, entry.Success, float64(entry.DurationMS))
	}
	return nil
}

// TaskHistory retrieves one persisted history entry by task id.
func (s *Store) TaskHistory(ctx context.Context, namespace, taskID string) (models.TaskHistoryEntry, bool, error) {
	raw, ok, err := s.Retrieve(ctx, TaskHistoryKey(namespace, taskID))
	if err != nil || !ok {
		return models.TaskHistoryEntry{}, ok, err
	}
	var h models.TaskHistoryEntry
	if err := json.Unmarshal(raw, &h); err != nil {
		return models.TaskHistoryEntry{}, false, err
	}
	return h, true, nil
}

// RecordMetricsSnapshot persists an arbitrary metrics snapshot under
// ns/metrics/{ts} (§4.10).
func (s *Store) RecordMetricsSnapshot(ctx context.Context, namespace string, snapshot any) error {
	return s.Store(ctx, MetricsKey(namespace, time.Now()), snapshot, MetricsTTL)
}
