// Package filter strips terminal chrome (ANSI, box borders, status lines,
// command echoes) from a rendered screen, leaving the text a human would
// actually want read back to them.
package filter

import (
	"regexp"
	"strings"
)

var (
	ansiCSIRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ansiOSCRe = regexp.MustCompile(`\x1b\].*?(\x07|\x1b\\)`)
	dimRe     = regexp.MustCompile(`\x1b\[2m.*?\x1b\[22?m`)

	statusChromeRe = regexp.MustCompile(
		`(?i)(\S+\s*·\s*\d+%|/\s*commands|@\s*files|!\s*shell|review edits|add a follow-up|ctrl\+r|\d+\s*tokens?\b)`,
	)
	progressHexRe = regexp.MustCompile(`[⬡⬢].*(?i:(thinking|working|running|loading|generating))`)

	boxCharsRe    = regexp.MustCompile(`^[\s┌┬┐├┼┤└┴┘│─╭╮╰╯━┃]+$`)
	frameTopRe    = regexp.MustCompile(`^\s*[┌╭].*[┐╮]\s*$`)
	frameBottomRe = regexp.MustCompile(`^\s*[└╰].*[┘╯]\s*$`)
	frameSideRe   = regexp.MustCompile(`^\s*([│┃])(.*)([│┃])\s*$`)
)

// Strip removes ANSI/OSC escapes and dim-intensity segments from s.
func Strip(s string) string {
	s = dimRe.ReplaceAllString(s, "")
	s = ansiOSCRe.ReplaceAllString(s, "")
	s = ansiCSIRe.ReplaceAllString(s, "")
	return s
}

// Result is the output of Filter: the cleaned free-text lines, plus any
// boxed content (code/result blocks) found, which callers should prefer.
type Result struct {
	Lines []string
	Boxes []string
}

// Filter strips a rendered screen down to its meaningful content. lastCommand
// is the most recently submitted command, used to drop trivial echoes.
func Filter(screen, lastCommand string) Result {
	stripped := Strip(screen)
	rawLines := strings.Split(stripped, "\n")

	var kept []string
	var boxLines []string
	inBox := false

	trimmedCommand := strings.TrimSpace(lastCommand)

	for _, line := range rawLines {
		trimmed := strings.TrimRight(line, " \t")

		if frameTopRe.MatchString(trimmed) {
			inBox = true
			continue
		}
		if frameBottomRe.MatchString(trimmed) {
			inBox = false
			continue
		}
		if inBox {
			if m := frameSideRe.FindStringSubmatch(trimmed); m != nil {
				boxLines = append(boxLines, strings.TrimSpace(m[2]))
			}
			continue
		}

		if boxCharsRe.MatchString(trimmed) {
			continue
		}
		if statusChromeRe.MatchString(trimmed) {
			continue
		}
		if progressHexRe.MatchString(trimmed) {
			continue
		}
		if trimmedCommand != "" && strings.TrimSpace(trimmed) == trimmedCommand {
			continue
		}

		kept = append(kept, trimmed)
	}

	return Result{Lines: kept, Boxes: boxLines}
}

// Text joins the filtered free-text lines, preferring boxed content when
// present, matching the "structured extractor" precedence.
func (r Result) Text() string {
	if len(r.Boxes) > 0 {
		return strings.Join(r.Boxes, "\n")
	}
	return strings.Join(r.Lines, "\n")
}
