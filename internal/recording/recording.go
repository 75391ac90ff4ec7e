// Package recording deduplicates filtered terminal output per session into
// the (full, delta, raw) tuples that get broadcast to listeners.
package recording

import (
	"strings"

	"github.com/rbarinov/echoshell/internal/filter"
	"github.com/rbarinov/echoshell/internal/screen"
)

const maxLastOutput = 10000

// State holds per-session recording state. It is not concurrency-safe; the
// owning session serializes access the same way it serializes PTY output.
type State struct {
	Emulator    *screen.Emulator
	lastCommand string
	lastOutput  string
	lastDelta   string
}

// NewState returns a fresh recording state with its own screen emulator.
func NewState() *State {
	return &State{Emulator: screen.New()}
}

// SetLastCommand clears prior recording state and stores the trimmed
// command, per spec: a new command submission resets dedup tracking.
func (s *State) SetLastCommand(cmd string) {
	s.lastCommand = strings.TrimSpace(cmd)
	s.lastOutput = ""
	s.lastDelta = ""
}

// Output is the tuple broadcast to listeners when ProcessOutput finds
// something new to report.
type Output struct {
	FullText string
	Delta    string
	Raw      string
}

// ProcessOutput filters rawChunk (falling back to the full rendered screen
// if the chunk alone filters down to nothing), computes the delta against
// the last reported output, and reports whether there is anything new.
func (s *State) ProcessOutput(rawChunk []byte, fullScreen string) (Output, bool) {
	s.Emulator.ProcessOutput(rawChunk)

	chunkFiltered := filter.Filter(string(rawChunk), s.lastCommand).Text()
	result := chunkFiltered
	if strings.TrimSpace(result) == "" {
		result = filter.Filter(fullScreen, s.lastCommand).Text()
	}
	result = strings.TrimSpace(result)
	if result == "" {
		return Output{}, false
	}

	if suppressed(s.lastOutput, result) {
		return Output{}, false
	}

	delta := appendWithSeparator(s.lastOutput, result)
	s.lastDelta = delta
	s.lastOutput = capFront(s.lastOutput+delta, maxLastOutput)

	return Output{
		FullText: s.lastOutput,
		Delta:    delta,
		Raw:      result,
	}, true
}

// suppressed applies the three dedup rules, in order: exact match, the new
// text is a large trailing suffix of the current text, or the new text is
// substantially contained within it.
func suppressed(current, next string) bool {
	if next == current {
		return true
	}
	if current == "" {
		return false
	}
	if strings.HasSuffix(current, next) && ratio(len(next), len(current)) >= 0.90 {
		return true
	}
	if strings.Contains(current, next) && ratio(len(next), len(current)) >= 0.95 {
		return true
	}
	return false
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func appendWithSeparator(current, next string) string {
	if current == "" {
		return next
	}
	trimmed := strings.TrimRight(current, " \t\n")
	if trimmed != "" {
		last := trimmed[len(trimmed)-1]
		if last == '.' || last == '!' || last == '?' {
			return " " + next
		}
	}
	return "\n\n" + next
}

func capFront(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
