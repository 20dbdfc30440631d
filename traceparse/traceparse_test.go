package traceparse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_AtFunctionForm(t *testing.T) {
	text := "Error: boom\n    at handleRequest (src/api/handler.go:42:7)\n    at node_modules/express/lib/router.js:12"
	frames := Parse(text)
	require.Len(t, frames, 1)
	require.Equal(t, "src/api/handler.go", frames[0].NormalizedPath)
	require.Equal(t, 42, frames[0].Line)
	require.Equal(t, "handleRequest", frames[0].Function)
}

func TestParse_PythonFileLineForm(t *testing.T) {
	text := `  File "/var/task/app/worker.py", line 88, in process_job
  File "/var/task/app/vendor/lib.py", line 5, in helper`
	frames := Parse(text)
	require.GreaterOrEqual(t, len(frames), 1)
	require.Equal(t, "app/worker.py", frames[0].NormalizedPath)
	require.Equal(t, 88, frames[0].Line)
}

func TestParse_DedupesAndCapsAtMaxFrames(t *testing.T) {
	text := ""
	for i := 0; i < 10; i++ {
		text += "at fn (src/a.go:1:1)\n"
	}
	frames := Parse(text)
	require.Len(t, frames, 1)
}

func TestParse_FiltersNoiseFrames(t *testing.T) {
	text := "at fn (node_modules/lib/index.js:5:1)\nat fn (src/main.go:9:2)"
	frames := Parse(text)
	require.Len(t, frames, 1)
	require.Equal(t, "src/main.go", frames[0].NormalizedPath)
}

func TestParse_GenericFallback(t *testing.T) {
	text := "unexpected failure near pkg/handler.go:120"
	frames := Parse(text)
	require.Len(t, frames, 1)
	require.Equal(t, 120, frames[0].Line)
}
