package terminal

import (
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// tmuxBackend runs the command in a detached tmux session dedicated to this
// terminal, polling `capture-pane` for new output instead of reading a pipe
// directly, in the style of the teacher's own exec.CommandContext calls but
// generalized to a named pane per worker (§4.2).
type tmuxBackend struct {
	log zerolog.Logger
}

type tmuxSession struct {
	id         string
	paneName   string
	cancelPoll context.CancelFunc
	waitCh     chan error
}

const tmuxPollInterval = 200 * time.Millisecond

func (b *tmuxBackend) Spawn(spec Spec, h Handlers) (Session, error) {
	id := uuid.NewString()
	paneName := "orchflow-" + id

	args := []string{"new-session", "-d", "-s", paneName}
	if spec.Cwd != "" {
		args = append(args, "-c", spec.Cwd)
	}
	if spec.Cols > 0 && spec.Rows > 0 {
		args = append(args, "-x", strconv.Itoa(spec.Cols), "-y", strconv.Itoa(spec.Rows))
	}
	args = append(args, spec.Shell)
	args = append(args, spec.Args...)

	if err := exec.Command("tmux", args...).Run(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &tmuxSession{id: id, paneName: paneName, cancelPoll: cancel, waitCh: make(chan error, 1)}

	go s.pollLoop(ctx, h)

	return s, nil
}

func (s *tmuxSession) pollLoop(ctx context.Context, h Handlers) {
	ticker := time.NewTicker(tmuxPollInterval)
	defer ticker.Stop()

	var lastLen int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := exec.Command("tmux", "capture-pane", "-t", s.paneName, "-p").Output()
			if err != nil {
				// Session gone: tmux exits non-zero once the pane's command exits
				// and the session isn't configured to linger.
				s.waitCh <- nil
				if h.OnExit != nil {
					h.OnExit(nil)
				}
				return
			}
			if len(out) > lastLen {
				chunk := out[lastLen:]
				lastLen = len(out)
				if h.OnOutput != nil {
					h.OnOutput(OutputEvent{TerminalID: s.id, Data: chunk})
				}
			}
		}
	}
}

func (s *tmuxSession) ID() string { return s.id }

func (s *tmuxSession) Write(data []byte) error {
	return exec.Command("tmux", "send-keys", "-t", s.paneName, "-l", string(data)).Run()
}

// Resize is advisory; tmux panes support it directly, unlike plain processes.
func (s *tmuxSession) Resize(cols, rows int) error {
	return exec.Command("tmux", "resize-window", "-t", s.paneName, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)).Run()
}

func (s *tmuxSession) Kill() error {
	s.cancelPoll()
	return exec.Command("tmux", "kill-session", "-t", s.paneName).Run()
}

func (s *tmuxSession) Wait() error { return <-s.waitCh }
