// Package traceparse extracts normalized (path, line) application frames
// out of free-form failure text — log lines, exception messages, comment
// bodies — so the repo resolver has something concrete to verify against a
// source-control host.
package traceparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxFrames bounds how many application frames a single parse returns.
const MaxFrames = 5

// Frame is one normalized stack entry.
type Frame struct {
	RawPath        string
	NormalizedPath string
	Line           int
	Column         int
	Function       string
}

// framePatterns match, in priority order, the stack-line shapes this
// pipeline is expected to see. The generic path:line fallback is tried
// last.
var framePatterns = []*regexp.Regexp{
	// "at functionName (path/to/file.go:42:7)"
	regexp.MustCompile(`at\s+([\w.$<>]+)\s*\(([^():]+):(\d+)(?::(\d+))?\)`),
	// "  File "path/to/file.py", line 42, in functionName"
	regexp.MustCompile(`File\s+"([^"]+)",\s+line\s+(\d+),\s+in\s+([\w.$<>]+)`),
	// generic fallback: "path/to/file.ext:42"
	regexp.MustCompile(`([\w./\-]+\.\w+):(\d+)(?::(\d+))?`),
}

// runtimePrefixes are stripped from the front of a raw path before it is
// treated as application-relative.
var runtimePrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^/home/[^/]+/\.cache/[^/]+/`),
	regexp.MustCompile(`^/tmp/[^/]+/`),
	regexp.MustCompile(`^/var/task/`),
	regexp.MustCompile(`^/build/`),
	regexp.MustCompile(`^/workspace/`),
	regexp.MustCompile(`^[A-Za-z]:\\\\.*?\\\\src\\\\`),
}

// noiseSubstrings mark a frame as non-application code to be filtered out.
var noiseSubstrings = []string{
	"node_modules/",
	"vendor/",
	"site-packages/",
	"/go/pkg/mod/",
	"<anonymous>",
	"runtime/",
	"<frozen ",
}

// Parse extracts up to MaxFrames deduplicated application frames from text.
func Parse(text string) []Frame {
	var frames []Frame
	seen := make(map[string]bool)

	for _, line := range strings.Split(text, "\n") {
		if len(frames) >= MaxFrames {
			break
		}
		frame, ok := parseLine(line)
		if !ok || isNoise(frame.RawPath) {
			continue
		}
		frame.NormalizedPath = normalize(frame.RawPath)
		key := fmt.Sprintf("%s:%d", frame.NormalizedPath, frame.Line)
		if seen[key] {
			continue
		}
		seen[key] = true
		frames = append(frames, frame)
		if len(frames) >= MaxFrames {
			break
		}
	}
	return frames
}

func parseLine(line string) (Frame, bool) {
	if m := framePatterns[0].FindStringSubmatch(line); m != nil {
		lineNo, _ := strconv.Atoi(m[3])
		col, _ := strconv.Atoi(m[4])
		return Frame{RawPath: m[2], Line: lineNo, Column: col, Function: m[1]}, true
	}
	if m := framePatterns[1].FindStringSubmatch(line); m != nil {
		lineNo, _ := strconv.Atoi(m[2])
		return Frame{RawPath: m[1], Line: lineNo, Function: m[3]}, true
	}
	if m := framePatterns[2].FindStringSubmatch(line); m != nil {
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		return Frame{RawPath: m[1], Line: lineNo, Column: col}, true
	}
	return Frame{}, false
}

func isNoise(path string) bool {
	for _, substr := range noiseSubstrings {
		if strings.Contains(path, substr) {
			return true
		}
	}
	return false
}

func normalize(path string) string {
	out := path
	for _, re := range runtimePrefixes {
		out = re.ReplaceAllString(out, "")
	}
	out = strings.ReplaceAll(out, "\\", "/")
	return strings.TrimPrefix(out, "/")
}
