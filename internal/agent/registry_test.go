package agent

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchflow/orchflow/internal/eventbus"
	"github.com/orchflow/orchflow/pkg/models"
)

type fakeHandler struct {
	initErr     error
	shutdownErr error
	shutdowns   int
}

func (f *fakeHandler) Initialize() error { return f.initErr }
func (f *fakeHandler) Shutdown() error {
	f.shutdowns++
	return f.shutdownErr
}

func newTestRegistry() *Registry {
	return New(zerolog.Nop(), eventbus.New())
}

func TestRegisterSetsReadyOnSuccess(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Register(models.AgentManifest{Name: "coder", Capabilities: []string{"go"}}, &fakeHandler{})
	require.NoError(t, err)

	a, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusReady, a.Status)
	assert.Equal(t, 100, a.Health)
}

func TestRegisterFailsWithoutAddingAgent(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(models.AgentManifest{Name: "broken"}, &fakeHandler{initErr: errors.New("boom")})
	require.Error(t, err)
	assert.Equal(t, 0, r.Count())
}

func TestEligibleFiltersByCapabilityAndHealth(t *testing.T) {
	r := newTestRegistry()
	goID, err := r.Register(models.AgentManifest{Name: "go-worker", Capabilities: []string{"go"}}, &fakeHandler{})
	require.NoError(t, err)
	_, err = r.Register(models.AgentManifest{Name: "py-worker", Capabilities: []string{"python"}}, &fakeHandler{})
	require.NoError(t, err)

	eligible := r.Eligible("go")
	require.Len(t, eligible, 1)
	assert.Equal(t, goID, eligible[0].ID)
}

func TestHealthGateExcludesLowHealthAgents(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Register(models.AgentManifest{Name: "flaky", Capabilities: []string{"go"}}, &fakeHandler{})
	require.NoError(t, err)

	require.NoError(t, r.AssignTask(id, "t1"))
	for i := 0; i < 9; i++ {
		require.NoError(t, r.ReleaseTask(id, "t1", false, 0))
		require.NoError(t, r.AssignTask(id, "t1"))
	}
	require.NoError(t, r.ReleaseTask(id, "t1", false, 0))

	a, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0, a.Health)
	assert.Empty(t, r.Eligible("go"))
}

func TestHealthRestoresOnSustainedSuccess(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Register(models.AgentManifest{Name: "flaky", Capabilities: []string{"go"}}, &fakeHandler{})
	require.NoError(t, err)

	require.NoError(t, r.AssignTask(id, "t1"))
	require.NoError(t, r.ReleaseTask(id, "t1", false, 0))

	a, _ := r.Get(id)
	require.Equal(t, 90, a.Health)

	for i := 0; i < HealthRestoreEvery; i++ {
		require.NoError(t, r.AssignTask(id, "t1"))
		require.NoError(t, r.ReleaseTask(id, "t1", true, 100))
	}

	a, _ = r.Get(id)
	assert.Equal(t, 91, a.Health)
}

func TestUnregisterWithNoTasksShutsDownImmediately(t *testing.T) {
	r := newTestRegistry()
	h := &fakeHandler{}
	id, err := r.Register(models.AgentManifest{Name: "idle"}, h)
	require.NoError(t, err)

	require.NoError(t, r.Unregister(id))
	assert.Equal(t, 1, h.shutdowns)

	a, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusTerminated, a.Status)
}

func TestUnregisterWithPendingTasksDefersShutdown(t *testing.T) {
	r := newTestRegistry()
	h := &fakeHandler{}
	id, err := r.Register(models.AgentManifest{Name: "busy"}, h)
	require.NoError(t, err)
	require.NoError(t, r.AssignTask(id, "t1"))

	require.NoError(t, r.Unregister(id))
	assert.Equal(t, 0, h.shutdowns)

	require.NoError(t, r.ReleaseTask(id, "t1", true, 10))
	assert.Equal(t, 1, h.shutdowns)
}
