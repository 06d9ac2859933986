package graph

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchflow/orchflow/internal/eventbus"
	"github.com/orchflow/orchflow/internal/orcherr"
	"github.com/orchflow/orchflow/pkg/models"
)

func newTestGraph() *Graph {
	return New(zerolog.Nop(), eventbus.New(), 100)
}

func task(id string, deps ...string) *models.Task {
	return &models.Task{ID: id, Name: id, Dependencies: deps, MaxRetries: 1}
}

func TestSubmitNoDependenciesSchedulesImmediately(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(task("t1")))

	got, err := g.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusScheduled, got.Status)
}

func TestSubmitWithPendingDependencyStaysPending(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(task("base")))
	require.NoError(t, g.Submit(task("dependent", "base")))

	got, err := g.Get("dependent")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
}

func TestOnCompletePromotesDependents(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(task("base")))
	require.NoError(t, g.Submit(task("dependent", "base")))

	require.NoError(t, g.OnComplete("base", map[string]any{"ok": true}))

	got, err := g.Get("dependent")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusScheduled, got.Status)
}

func TestReadySetOnlyReturnsScheduledWithCompleteDeps(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(task("base")))
	require.NoError(t, g.Submit(task("dependent", "base")))

	ready := g.ReadySet()
	require.Len(t, ready, 1)
	assert.Equal(t, "base", ready[0].ID)
}

func TestSubmitUnknownDependencyFails(t *testing.T) {
	g := newTestGraph()
	err := g.Submit(task("orphan", "missing"))
	require.Error(t, err)
}

func TestSubmitDuplicateIDFails(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(task("t1")))
	err := g.Submit(task("t1"))
	require.Error(t, err)
}

func TestCycleDetectedOnSubmit(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(task("a")))
	require.NoError(t, g.Submit(task("b", "a")))

	// Already-submitted tasks cannot gain new dependencies, so the cycle
	// reachable at submit time is a task that names itself as a dependency.
	err := g.Submit(task("self", "self"))
	require.Error(t, err)
	assert.Equal(t, orcherr.DependencyCycle, orcherr.KindOf(err))
}

func TestOnFailRetriesBeforeTerminal(t *testing.T) {
	g := newTestGraph()
	tk := task("t1")
	tk.MaxRetries = 2
	require.NoError(t, g.Submit(tk))

	require.NoError(t, g.OnFail("t1", "boom"))
	got, err := g.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusScheduled, got.Status)
	assert.Equal(t, 1, got.Retries)

	require.NoError(t, g.OnFail("t1", "boom again"))
	got, err = g.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusScheduled, got.Status)
	assert.Equal(t, 2, got.Retries)

	require.NoError(t, g.OnFail("t1", "boom a third time"))
	got, err = g.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
}

func TestCancelNonTerminalTask(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(task("t1")))
	require.NoError(t, g.Cancel("t1"))

	got, err := g.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)
}

func TestCancelAlreadyTerminalFails(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(task("t1")))
	require.NoError(t, g.Cancel("t1"))

	err := g.Cancel("t1")
	require.Error(t, err)
}

func TestMarkRunningSetsAssignedTo(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.Submit(task("t1")))
	require.NoError(t, g.MarkRunning("t1", []string{"agent-a"}))

	got, err := g.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, []string{"agent-a"}, got.AssignedTo)
}
