package terminal

import (
	"bufio"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ptyBackend runs the command attached to a pseudo-terminal, for workers
// whose command checks isatty or drives interactive prompts (§4.2).
type ptyBackend struct {
	log zerolog.Logger
}

type ptySession struct {
	id     string
	cmd    *exec.Cmd
	f      *os.File
	waitCh chan error
}

func (b *ptyBackend) Spawn(spec Spec, h Handlers) (Session, error) {
	cmd := exec.Command(spec.Shell, spec.Args...)
	cmd.Dir = spec.Cwd
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	var f *os.File
	var err error
	if spec.Rows > 0 && spec.Cols > 0 {
		f, err = pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(spec.Rows), Cols: uint16(spec.Cols)})
	} else {
		f, err = pty.Start(cmd)
	}
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s := &ptySession{id: id, cmd: cmd, f: f, waitCh: make(chan error, 1)}

	go func() {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if h.OnOutput != nil {
				h.OnOutput(OutputEvent{TerminalID: id, Data: append(scanner.Bytes(), '\n')})
			}
		}
	}()

	go func() {
		err := cmd.Wait()
		f.Close()
		s.waitCh <- err
		if h.OnExit != nil {
			h.OnExit(err)
		}
	}()

	return s, nil
}

func (s *ptySession) ID() string { return s.id }

func (s *ptySession) Write(data []byte) error {
	_, err := s.f.Write(data)
	return err
}

// Resize notifies the pty of a new window size; best-effort per §4.2.
func (s *ptySession) Resize(cols, rows int) error {
	return pty.Setsize(s.f, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (s *ptySession) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

func (s *ptySession) Wait() error { return <-s.waitCh }
