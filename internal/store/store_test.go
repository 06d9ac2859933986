package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/orchflow/orchflow/internal/breaker"
	"github.com/orchflow/orchflow/internal/store"
	"github.com/orchflow/orchflow/pkg/models"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(zerolog.Nop(), ":memory:", breaker.NewRegistry(zerolog.Nop()), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "ns/workers/w1/context", map[string]string{"focus": "tests"}, time.Hour))

	raw, ok, err := s.Retrieve(ctx, "ns/workers/w1/context")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"focus":"tests"}`, string(raw))
}

func TestRetrieveAbsentAfterTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "ns/k", "v", -time.Second))

	_, ok, err := s.Retrieve(ctx, "ns/k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRetrieveAbsentForUnknownKey(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Retrieve(context.Background(), "ns/does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Store(ctx, "ns/k", "v", time.Hour))
	require.NoError(t, s.Delete(ctx, "ns/k"))
	require.NoError(t, s.Delete(ctx, "ns/k"))

	_, ok, err := s.Retrieve(ctx, "ns/k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSearchWildcard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Store(ctx, "ns/tasks/t1", "a", time.Hour))
	require.NoError(t, s.Store(ctx, "ns/tasks/t2", "b", time.Hour))
	require.NoError(t, s.Store(ctx, "ns/workers/w1/context", "c", time.Hour))

	entries, err := s.Search(ctx, "ns/tasks/*", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestSearchExcludesExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Store(ctx, "ns/tasks/t1", "a", -time.Second))
	require.NoError(t, s.Store(ctx, "ns/tasks/t2", "b", time.Hour))

	entries, err := s.Search(ctx, "ns/tasks/*", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ns/tasks/t2", entries[0].Key)
}

func TestNormalizePatternPlaceholders(t *testing.T) {
	got := store.Normalize("please ask John Smith to fix bug.py on line 42")
	require.Equal(t, "please ask [NAME] to fix [FILE] on line [NUMBER]", got)
}

func TestRecordPatternMergeAlgebra(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp, err := s.RecordPattern(ctx, "ns", "run the tests", true, 100)
	require.NoError(t, err)
	require.Equal(t, 1, cp.Frequency)
	require.Equal(t, 1.0, cp.SuccessRate)
	require.Equal(t, 100.0, cp.AvgResponseTimeMS)

	cp, err = s.RecordPattern(ctx, "ns", "run the tests", true, 200)
	require.NoError(t, err)
	require.Equal(t, 2, cp.Frequency)
	require.Equal(t, 1.0, cp.SuccessRate)
	require.Equal(t, 150.0, cp.AvgResponseTimeMS)

	cp, err = s.RecordPattern(ctx, "ns", "run the tests", false, 0)
	require.NoError(t, err)
	require.Equal(t, 3, cp.Frequency)
	require.Equal(t, 0.5, cp.SuccessRate)
	require.Equal(t, 75.0, cp.AvgResponseTimeMS)
}

func TestSimilarCommandsThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTaskHistory(ctx, "ns", models.TaskHistoryEntry{
		TaskID: "t1", Input: "fix the login bug in auth module",
		Success: true, SuccessfulCommand: "npm test auth",
	}))
	require.NoError(t, s.RecordTaskHistory(ctx, "ns", models.TaskHistoryEntry{
		TaskID: "t2", Input: "deploy the staging environment",
		Success: true, SuccessfulCommand: "make deploy-staging",
	}))

	cmds, err := s.SimilarCommands(ctx, "ns", "fix the login bug in auth", 5)
	require.NoError(t, err)
	require.Equal(t, []string{"npm test auth"}, cmds)
}

func TestSimilarCommandsDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordTaskHistory(ctx, "ns", models.TaskHistoryEntry{
			TaskID: "t" + string(rune('a'+i)), Input: "run the full test suite",
			Success: true, SuccessfulCommand: "make test",
		}))
	}

	cmds, err := s.SimilarCommands(ctx, "ns", "run the full test suite", 5)
	require.NoError(t, err)
	require.Equal(t, []string{"make test"}, cmds)
}
