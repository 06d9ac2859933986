package orchestrator

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/orchflow/orchflow/internal/config"
	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/pkg/models"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.Path = ":memory:"
	cfg.Runtime.EnableAutoScaling = false

	rt, err := New(zerolog.Nop(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, rec := range rt.allWorkerRecords() {
			_ = rt.StopWorker(rec.agentID)
		}
		rt.heartbeat.Stop()
	})
	return rt
}

// catSpec routes a test worker's backend process to `cat`, a real
// subprocess guaranteed present, instead of the production default of
// `opencode run`.
func catSpec() map[string]any {
	return map[string]any{"command": "cat", "args": []any{}, "backend": "plain"}
}

func TestSpawnWorkerAssignsQuickAccessKeyAndReclaims(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	res, err := rt.SpawnWorker(ctx, "fix the login bug", "code", catSpec())
	require.NoError(t, err)
	require.Equal(t, 1, res.QuickAccessKey)
	require.Equal(t, "code-1", res.Name)

	res2, err := rt.SpawnWorker(ctx, "write tests", "test", catSpec())
	require.NoError(t, err)
	require.Equal(t, 2, res2.QuickAccessKey)

	require.NoError(t, rt.StopWorker(res.WorkerID))

	res3, err := rt.SpawnWorker(ctx, "another task", "code", catSpec())
	require.NoError(t, err)
	require.Equal(t, 1, res3.QuickAccessKey, "reclaimed slot 1 should be reassigned first")
}

func TestWorkerStatusListsAllWorkers(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.SpawnWorker(ctx, "task one", "code", catSpec())
	require.NoError(t, err)
	_, err = rt.SpawnWorker(ctx, "task two", "test", catSpec())
	require.NoError(t, err)

	all, err := rt.WorkerStatus(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestShareKnowledgeRecordsDecisionsAndSwitchContextReadsThem(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	spawned, err := rt.SpawnWorker(ctx, "research the API", "research", catSpec())
	require.NoError(t, err)

	shareResult, err := rt.ShareKnowledge(ctx, map[string]any{"api_base_url": "https://example.test"}, []string{spawned.WorkerID})
	require.NoError(t, err)
	require.True(t, shareResult.Success)
	require.Equal(t, []string{spawned.WorkerID}, shareResult.SharedWith)

	switched, err := rt.SwitchContext(ctx, spawned.WorkerID, true)
	require.NoError(t, err)
	require.Equal(t, spawned.WorkerID, switched.WorkerID)
	require.Len(t, switched.ConversationHistory, 1)
	require.Equal(t, "https://example.test", switched.SharedKnowledge["api_base_url"])
}

func TestSmartConnectResolvesQuickKeyNameAndSuggests(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	spawned, err := rt.SpawnWorker(ctx, "fix the login bug", "code", catSpec())
	require.NoError(t, err)

	byKey, err := rt.SmartConnect(ctx, "1", false)
	require.NoError(t, err)
	require.True(t, byKey.Success)
	require.Equal(t, spawned.WorkerID, byKey.WorkerID)

	byName, err := rt.SmartConnect(ctx, "code-1", false)
	require.NoError(t, err)
	require.True(t, byName.Success)

	miss, err := rt.SmartConnect(ctx, "nonexistent-worker", false)
	require.NoError(t, err)
	require.False(t, miss.Success)
	require.Contains(t, miss.Suggestions, "code-1")
}

func TestMergeWorkCombineStrategy(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	a, err := rt.SpawnWorker(ctx, "task a", "code", catSpec())
	require.NoError(t, err)
	b, err := rt.SpawnWorker(ctx, "task b", "code", catSpec())
	require.NoError(t, err)

	require.NoError(t, rt.store.SaveWorkerContext(ctx, rt.cfg.Memory.Namespace, models.WorkerContext{
		WorkerID: a.WorkerID, Decisions: []string{"chose approach A"},
	}))
	require.NoError(t, rt.store.SaveWorkerContext(ctx, rt.cfg.Memory.Namespace, models.WorkerContext{
		WorkerID: b.WorkerID, Decisions: []string{"chose approach B"},
	}))

	merged, err := rt.MergeWork(ctx, []string{a.WorkerID, b.WorkerID}, "combine")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"chose approach A", "chose approach B"}, merged["decisions"])
}

func TestSaveAndRestoreSession(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	spawned, err := rt.SpawnWorker(ctx, "long running research", "research", catSpec())
	require.NoError(t, err)
	require.NoError(t, rt.store.SaveWorkerContext(ctx, rt.cfg.Memory.Namespace, models.WorkerContext{
		WorkerID: spawned.WorkerID, CurrentFocus: "gathering sources", Progress: 40,
	}))

	saved, err := rt.SaveSession(ctx, "checkpoint-1", "before lunch")
	require.NoError(t, err)
	require.True(t, saved.Success)

	require.NoError(t, rt.store.SaveWorkerContext(ctx, rt.cfg.Memory.Namespace, models.WorkerContext{
		WorkerID: spawned.WorkerID, CurrentFocus: "overwritten", Progress: 90,
	}))

	restored, err := rt.RestoreSession(ctx, "checkpoint-1")
	require.NoError(t, err)
	require.True(t, restored.Success)

	wc, ok, err := rt.store.WorkerContext(ctx, rt.cfg.Memory.Namespace, spawned.WorkerID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gathering sources", wc.CurrentFocus)
	require.Equal(t, 40, wc.Progress)
}

func TestRestoreSessionUnknownNameReturnsNotFound(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.RestoreSession(context.Background(), "does-not-exist")
	require.Error(t, err)
	require.Equal(t, orcherr.NotFound, orcherr.KindOf(err))
}

func TestStatusRichReportsWorkersAndQuickAccess(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.SpawnWorker(ctx, "task one", "code", catSpec())
	require.NoError(t, err)

	status, err := rt.StatusRich(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "summary", status.Format)
	require.Len(t, status.Workers, 1)
	require.Equal(t, "code-1", status.QuickAccess[1])
}

func TestSpawnWorkerRejectsEmptyTask(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.SpawnWorker(context.Background(), "", "code", nil)
	require.Error(t, err)
}
