// Package terminal implements the Terminal Backend (spec C2, §4.2):
// polymorphic spawn/write/on_output/on_exit/resize/kill over three session
// variants, generalizing the teacher's single direct
// exec.CommandContext(ctx, "opencode", "run", ...) call in worker.go.
package terminal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orchflow/orchflow/internal/eventbus"
	"github.com/orchflow/orchflow/internal/orcherr"
)

// Kind selects which session variant Spawn creates.
type Kind string

const (
	KindPlain Kind = "plain"
	KindPTY   Kind = "pty"
	KindTmux  Kind = "tmux"
)

// Spec describes the command a session runs, mirroring §4.2's
// spawn(shell, cwd, env, cols, rows, use_pty?) signature.
type Spec struct {
	Shell string
	Args  []string
	Cwd   string
	Env   []string
	Cols  int
	Rows  int
}

// OutputEvent is one forwarded chunk of session output, regardless of
// whether the line matched a marker.
type OutputEvent struct {
	TerminalID string
	Data       []byte
	Stderr     bool
}

// CompletionEvent fires once per session, the first time a
// "TASK_COMPLETE: <json>" line appears in the output stream.
type CompletionEvent struct {
	TerminalID string
	Result     json.RawMessage
}

// DiagnosticSeverity classifies a DiagnosticEvent.
type DiagnosticSeverity string

const (
	SeverityInfo  DiagnosticSeverity = "info"
	SeverityError DiagnosticSeverity = "error"
)

// DiagnosticEvent is any output line that isn't the completion marker.
type DiagnosticEvent struct {
	TerminalID string
	Severity   DiagnosticSeverity
	Line       string
}

// Session is a live terminal of any variant. Handlers are registered once at
// Spawn time; Write/Resize/Kill act on the underlying process.
type Session interface {
	ID() string
	Write(data []byte) error
	Resize(cols, rows int) error
	Kill() error
	Wait() error
}

// Handlers are invoked from the session's own reader goroutine(s); callers
// must not block in them for long, matching the teacher's fire-and-forget
// tuiWriter.Write pattern.
type Handlers struct {
	OnOutput     func(OutputEvent)
	OnCompletion func(CompletionEvent)
	OnDiagnostic func(DiagnosticEvent)
	OnExit       func(err error)
}

// Backend spawns sessions of one Kind.
type Backend interface {
	Spawn(spec Spec, h Handlers) (Session, error)
}

// Manager tracks live sessions by terminal_id and enforces exit-once,
// write-after-exit-fails semantics (§4.2: "subsequent writes fail with
// TerminalClosed").
type Manager struct {
	log zerolog.Logger
	bus *eventbus.Bus

	plain Backend
	pty   Backend
	tmux  Backend

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	session Session
	closed  bool
}

// NewManager builds a Manager with all three backends wired.
func NewManager(log zerolog.Logger, bus *eventbus.Bus) *Manager {
	return &Manager{
		log:      log,
		bus:      bus,
		plain:    &plainBackend{log: log},
		pty:      &ptyBackend{log: log},
		tmux:     &tmuxBackend{log: log},
		sessions: make(map[string]*entry),
	}
}

// Spawn creates a new session of kind, returning its terminal id. Caller
// handlers receive parsed completion/diagnostic events in addition to raw
// output; the manager itself only owns exit bookkeeping and the
// worker.stopped bus notification.
func (m *Manager) Spawn(kind Kind, spec Spec, caller Handlers) (string, error) {
	id := uuid.NewString()

	var backend Backend
	switch kind {
	case KindPTY:
		backend = m.pty
	case KindTmux:
		backend = m.tmux
	default:
		backend = m.plain
	}

	reader := newMarkerReader(id)

	h := Handlers{
		OnOutput: func(ev OutputEvent) {
			if caller.OnOutput != nil {
				caller.OnOutput(ev)
			}
			sev := SeverityInfo
			if ev.Stderr {
				sev = SeverityError
			}
			reader.feed(ev.Data, sev, caller.OnCompletion, caller.OnDiagnostic, m.log)
		},
		OnExit: func(err error) {
			m.mu.Lock()
			if e, ok := m.sessions[id]; ok {
				e.closed = true
			}
			m.mu.Unlock()
			if caller.OnExit != nil {
				caller.OnExit(err)
			}
			m.bus.Publish(eventbus.Event{Kind: eventbus.WorkerStopped, Payload: eventbus.WorkerEvent{
				WorkerID: id, Type: "terminal_exit", Timestamp: time.Now(),
			}})
		},
	}

	session, err := backend.Spawn(spec, h)
	if err != nil {
		return "", orcherr.Wrap(orcherr.TransportError, err, "spawn %s terminal", kind)
	}

	m.mu.Lock()
	m.sessions[id] = &entry{session: session}
	m.mu.Unlock()

	return id, nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, "unknown terminal %q", id)
	}
	return e, nil
}

// Write sends data to the session's stdin.
func (m *Manager) Write(id string, data []byte) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e.closed {
		return orcherr.New(orcherr.TransportError, "terminal %q closed", id)
	}
	return e.session.Write(data)
}

// Resize is advisory; backends that can't resize return nil (§4.2).
func (m *Manager) Resize(id string, cols, rows int) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	_ = e.session.Resize(cols, rows)
	return nil
}

// Kill terminates the session.
func (m *Manager) Kill(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.session.Kill()
}
