package terminal

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const completionPrefix = "TASK_COMPLETE: "

// markerReader buffers a session's output by line and classifies each line
// per §4.2/§6.3, generalizing the teacher's tuiWriter.Write which forwarded
// raw bytes with no parsing at all.
type markerReader struct {
	terminalID string

	mu        sync.Mutex
	buf       bytes.Buffer
	completed bool
}

func newMarkerReader(terminalID string) *markerReader {
	return &markerReader{terminalID: terminalID}
}

// feed appends data to the line buffer and dispatches every complete line.
func (r *markerReader) feed(data []byte, sev DiagnosticSeverity, onCompletion func(CompletionEvent), onDiagnostic func(DiagnosticEvent), log zerolog.Logger) {
	r.mu.Lock()
	r.buf.Write(data)
	lines := make([]string, 0, 1)
	for {
		line, err := r.buf.ReadString('\n')
		if err != nil {
			// Incomplete trailing line: put it back for the next feed.
			r.buf.WriteString(line)
			break
		}
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	r.mu.Unlock()

	for _, line := range lines {
		r.dispatch(line, sev, onCompletion, onDiagnostic, log)
	}
}

func (r *markerReader) dispatch(line string, sev DiagnosticSeverity, onCompletion func(CompletionEvent), onDiagnostic func(DiagnosticEvent), log zerolog.Logger) {
	if payload, ok := strings.CutPrefix(line, completionPrefix); ok {
		r.mu.Lock()
		alreadyCompleted := r.completed
		r.completed = true
		r.mu.Unlock()

		if alreadyCompleted {
			log.Warn().Str("terminal_id", r.terminalID).Msg("ignoring duplicate TASK_COMPLETE marker")
			return
		}
		if onCompletion != nil {
			onCompletion(CompletionEvent{TerminalID: r.terminalID, Result: json.RawMessage(payload)})
		}
		return
	}

	severity := sev
	if strings.HasPrefix(line, "ERROR") {
		severity = SeverityError
	}
	if onDiagnostic != nil {
		onDiagnostic(DiagnosticEvent{TerminalID: r.terminalID, Severity: severity, Line: line})
	}
}
