package store

import (
	"fmt"
	"time"
)

// TTLs for each persisted entry family (§4.10).
const (
	WorkerContextTTL  = 8 * time.Hour
	WorkerDecisionTTL = 12 * time.Hour
	TaskHistoryTTL    = 24 * time.Hour
	PatternTTL        = 48 * time.Hour
	MetricsTTL        = 48 * time.Hour
)

// WorkerContextKey is ns/workers/{worker_id}/context (§4.10).
func WorkerContextKey(namespace, workerID string) string {
	return fmt.Sprintf("%s/workers/%s/context", namespace, workerID)
}

// WorkerDecisionKey is ns/workers/{worker_id}/decisions/{ts} (§4.10).
func WorkerDecisionKey(namespace, workerID string, ts time.Time) string {
	return fmt.Sprintf("%s/workers/%s/decisions/%d", namespace, workerID, ts.UnixNano())
}

// WorkerDecisionPrefix is the wildcard pattern matching every decision
// recorded for one worker, for Search-backed history reads.
func WorkerDecisionPrefix(namespace, workerID string) string {
	return fmt.Sprintf("%s/workers/%s/decisions/*", namespace, workerID)
}

// TaskHistoryKey is ns/tasks/{task_id} (§4.10).
func TaskHistoryKey(namespace, taskID string) string {
	return fmt.Sprintf("%s/tasks/%s", namespace, taskID)
}

// TaskHistoryPrefix matches every persisted task history entry.
func TaskHistoryPrefix(namespace string) string {
	return fmt.Sprintf("%s/tasks/*", namespace)
}

// PatternKey is ns/patterns/{normalized_pattern} (§4.10).
func PatternKey(namespace, normalizedPattern string) string {
	return fmt.Sprintf("%s/patterns/%s", namespace, normalizedPattern)
}

// PatternPrefix matches every learned command pattern.
func PatternPrefix(namespace string) string {
	return fmt.Sprintf("%s/patterns/*", namespace)
}

// MetricsKey is ns/metrics/{ts} (§4.10).
func MetricsKey(namespace string, ts time.Time) string {
	return fmt.Sprintf("%s/metrics/%d", namespace, ts.UnixNano())
}
