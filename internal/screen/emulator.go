// Package screen maintains a pragmatic in-memory terminal grid: enough CSI
// handling to track what a TUI actually painted, without the full fidelity
// of a VT100/VT220 emulator.
package screen

import (
	"bytes"
	"strconv"
	"strings"
)

const maxLines = 1000

// Emulator is a single-writer terminal grid. It is not concurrency-safe;
// callers that share it across goroutines (PTYSession's output pump plus
// any readers) must provide their own locking, mirroring the teacher's
// VTerm wrapper.
type Emulator struct {
	lines []string
	row   int
	col   int

	parsing bool
	escBuf  []byte
}

// New creates an Emulator with a single empty line and the cursor at origin.
func New() *Emulator {
	return &Emulator{lines: []string{""}}
}

// ProcessOutput feeds raw PTY bytes through the emulator. It never fails.
func (e *Emulator) ProcessOutput(data []byte) {
	for i := 0; i < len(data); i++ {
		b := data[i]
		if e.parsing {
			i = e.feedEscape(data, i)
			continue
		}
		switch b {
		case 0x1b: // ESC
			e.parsing = true
			e.escBuf = e.escBuf[:0]
		case '\n':
			e.row++
			e.col = 0
			e.ensureRow(e.row)
		case '\r':
			e.col = 0
		default:
			e.writeRune(b)
		}
	}
	e.trim()
}

// feedEscape continues parsing a CSI sequence starting at data[i] (which is
// the byte immediately after ESC, or a continuation byte). Returns the index
// of the last byte it consumed.
func (e *Emulator) feedEscape(data []byte, i int) int {
	b := data[i]
	e.escBuf = append(e.escBuf, b)

	if len(e.escBuf) == 1 {
		if b != '[' {
			// Not a CSI sequence (OSC, single-char ESC codes, ...); bail
			// out and silently drop it, matching the "all other sequences
			// silently consumed" contract.
			e.parsing = false
		}
		return i
	}

	// Final byte of a CSI sequence is in 0x40-0x7E.
	if b >= 0x40 && b <= 0x7e {
		e.applyCSI(e.escBuf[1 : len(e.escBuf)-1], b)
		e.parsing = false
	}
	return i
}

func (e *Emulator) applyCSI(params []byte, final byte) {
	nums := parseParams(params)
	switch final {
	case 'K': // erase in line
		mode := 0
		if len(nums) > 0 {
			mode = nums[0]
		}
		e.eraseInLine(mode)
	case 'A': // cursor up
		e.row -= orDefault1(nums)
		e.clampRow()
	case 'B': // cursor down
		e.row += orDefault1(nums)
		e.ensureRow(e.row)
	case 'C': // cursor forward
		e.col += orDefault1(nums)
	case 'D': // cursor back
		e.col -= orDefault1(nums)
		if e.col < 0 {
			e.col = 0
		}
	case 'G': // cursor horizontal absolute (1-based)
		col := 1
		if len(nums) > 0 {
			col = nums[0]
		}
		e.col = col - 1
		if e.col < 0 {
			e.col = 0
		}
	case 'H', 'f': // cursor position (1-based row;col)
		row, col := 1, 1
		if len(nums) > 0 {
			row = nums[0]
		}
		if len(nums) > 1 {
			col = nums[1]
		}
		e.row = row - 1
		e.col = col - 1
		if e.row < 0 {
			e.row = 0
		}
		if e.col < 0 {
			e.col = 0
		}
		e.ensureRow(e.row)
	case 'm':
		// SGR graphic rendition: ignored, consumed above.
	default:
		// All other finals silently consumed.
	}
}

func orDefault1(nums []int) int {
	if len(nums) == 0 || nums[0] == 0 {
		return 1
	}
	return nums[0]
}

func parseParams(b []byte) []int {
	if len(b) == 0 {
		return nil
	}
	parts := bytes.Split(b, []byte{';'})
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(string(p))
		if err != nil {
			n = 0
		}
		nums = append(nums, n)
	}
	return nums
}

func (e *Emulator) eraseInLine(mode int) {
	e.ensureRow(e.row)
	line := []rune(e.lines[e.row])
	switch mode {
	case 0: // cursor to end
		if e.col < len(line) {
			line = line[:e.col]
		}
	case 1: // start to cursor
		for i := 0; i < e.col && i < len(line); i++ {
			line[i] = ' '
		}
	case 2: // entire line
		line = nil
	}
	e.lines[e.row] = string(line)
}

func (e *Emulator) writeRune(b byte) {
	e.ensureRow(e.row)
	line := []rune(e.lines[e.row])
	for len(line) <= e.col {
		line = append(line, ' ')
	}
	line[e.col] = rune(b)
	e.lines[e.row] = string(line)
	e.col++
}

func (e *Emulator) ensureRow(row int) {
	for row >= len(e.lines) {
		e.lines = append(e.lines, "")
	}
}

func (e *Emulator) clampRow() {
	if e.row < 0 {
		e.row = 0
	}
}

// trim drops lines past maxLines from the front and clamps the cursor row.
func (e *Emulator) trim() {
	if len(e.lines) <= maxLines {
		return
	}
	drop := len(e.lines) - maxLines
	e.lines = e.lines[drop:]
	e.row -= drop
	e.clampRow()
}

// GetScreenContent returns the screen with trailing blank lines removed.
func (e *Emulator) GetScreenContent() string {
	end := len(e.lines)
	for end > 0 && strings.TrimRight(e.lines[end-1], " \t") == "" {
		end--
	}
	return strings.Join(e.lines[:end], "\n")
}

// CursorPosition returns the zero-based (row, col) of the cursor.
func (e *Emulator) CursorPosition() (row, col int) {
	return e.row, e.col
}
