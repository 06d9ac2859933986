package terminal

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPlainBackendCapturesOutputAndExit(t *testing.T) {
	b := &plainBackend{log: zerolog.Nop()}

	var mu sync.Mutex
	var lines []string
	exited := make(chan error, 1)

	session, err := b.Spawn(Spec{Shell: "/bin/sh", Args: []string{"-c", "echo hello; echo TASK_COMPLETE: {\"n\":1}"}}, Handlers{
		OnOutput: func(ev OutputEvent) {
			mu.Lock()
			lines = append(lines, string(ev.Data))
			mu.Unlock()
		},
		OnExit: func(err error) { exited <- err },
	})
	require.NoError(t, err)
	require.NotEmpty(t, session.ID())

	select {
	case err := <-exited:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lines)
}

func TestPlainBackendResizeIsNoop(t *testing.T) {
	b := &plainBackend{log: zerolog.Nop()}
	session, err := b.Spawn(Spec{Shell: "/bin/sh", Args: []string{"-c", "sleep 0.2"}}, Handlers{})
	require.NoError(t, err)
	require.NoError(t, session.Resize(80, 24))
	_ = session.Wait()
}

func TestManagerWriteAfterExitFails(t *testing.T) {
	m := &Manager{
		log:      zerolog.Nop(),
		bus:      nil,
		sessions: map[string]*entry{"term-x": {closed: true}},
	}
	err := m.Write("term-x", []byte("data"))
	require.Error(t, err)
}

func TestManagerUnknownTerminalFails(t *testing.T) {
	m := &Manager{log: zerolog.Nop(), sessions: map[string]*entry{}}
	_, err := m.lookup("does-not-exist")
	require.Error(t, err)
}
