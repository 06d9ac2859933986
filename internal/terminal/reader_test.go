package terminal

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerReaderEmitsCompletion(t *testing.T) {
	r := newMarkerReader("term-1")

	var completions []CompletionEvent
	var diagnostics []DiagnosticEvent

	r.feed([]byte("building...\nTASK_COMPLETE: {\"ok\":true}\n"), SeverityInfo,
		func(c CompletionEvent) { completions = append(completions, c) },
		func(d DiagnosticEvent) { diagnostics = append(diagnostics, d) },
		zerolog.Nop())

	require.Len(t, completions, 1)
	assert.JSONEq(t, `{"ok":true}`, string(completions[0].Result))
	require.Len(t, diagnostics, 1)
	assert.Equal(t, "building...", diagnostics[0].Line)
}

func TestMarkerReaderIgnoresDuplicateCompletion(t *testing.T) {
	r := newMarkerReader("term-1")

	var completions []CompletionEvent
	onCompletion := func(c CompletionEvent) { completions = append(completions, c) }

	r.feed([]byte("TASK_COMPLETE: {\"a\":1}\n"), SeverityInfo, onCompletion, nil, zerolog.Nop())
	r.feed([]byte("TASK_COMPLETE: {\"a\":2}\n"), SeverityInfo, onCompletion, nil, zerolog.Nop())

	require.Len(t, completions, 1)
	assert.JSONEq(t, `{"a":1}`, string(completions[0].Result))
}

func TestMarkerReaderBuffersPartialLines(t *testing.T) {
	r := newMarkerReader("term-1")

	var diagnostics []DiagnosticEvent
	onDiagnostic := func(d DiagnosticEvent) { diagnostics = append(diagnostics, d) }

	r.feed([]byte("partial-li"), SeverityInfo, nil, onDiagnostic, zerolog.Nop())
	assert.Empty(t, diagnostics)

	r.feed([]byte("ne\n"), SeverityInfo, nil, onDiagnostic, zerolog.Nop())
	require.Len(t, diagnostics, 1)
	assert.Equal(t, "partial-line", diagnostics[0].Line)
}

func TestMarkerReaderErrorLineEscalatesSeverity(t *testing.T) {
	r := newMarkerReader("term-1")

	var diagnostics []DiagnosticEvent
	onDiagnostic := func(d DiagnosticEvent) { diagnostics = append(diagnostics, d) }

	r.feed([]byte("ERROR: disk full\n"), SeverityInfo, nil, onDiagnostic, zerolog.Nop())

	require.Len(t, diagnostics, 1)
	assert.Equal(t, SeverityError, diagnostics[0].Severity)
}
