package terminal

import (
	"bufio"
	"io"
	"os/exec"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// plainBackend runs the command as a regular child process with piped
// stdin/stdout/stderr, the closest variant to the teacher's own
// exec.CommandContext(ctx, "opencode", "run", ...) call.
type plainBackend struct {
	log zerolog.Logger
}

type plainSession struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	waitCh chan error
}

func (b *plainBackend) Spawn(spec Spec, h Handlers) (Session, error) {
	cmd := exec.Command(spec.Shell, spec.Args...)
	cmd.Dir = spec.Cwd
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s := &plainSession{id: id, cmd: cmd, stdin: stdin, waitCh: make(chan error, 1)}

	pump := func(r io.Reader, stderrStream bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if h.OnOutput != nil {
				h.OnOutput(OutputEvent{TerminalID: id, Data: append(scanner.Bytes(), '\n'), Stderr: stderrStream})
			}
		}
	}
	go pump(stdout, false)
	go pump(stderr, true)

	go func() {
		err := cmd.Wait()
		s.waitCh <- err
		if h.OnExit != nil {
			h.OnExit(err)
		}
	}()

	return s, nil
}

func (s *plainSession) ID() string { return s.id }

func (s *plainSession) Write(data []byte) error {
	_, err := s.stdin.Write(data)
	return err
}

// Resize is a no-op: a plain child process has no pty to notify (§4.2).
func (s *plainSession) Resize(cols, rows int) error { return nil }

func (s *plainSession) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

func (s *plainSession) Wait() error { return <-s.waitCh }
