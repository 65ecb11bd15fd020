package compaction

import (
	"strings"
	"unicode/utf8"
)

// mustRetainPrefix flags summary lines that survive truncation longest:
// open issues and pending steps the summarizer marked explicitly.
const mustRetainPrefix = "!"

// truncateToCap deterministically shrinks text under capBytes. Normal
// lines are dropped oldest-first; must-retain lines are dropped only
// when they alone exceed the cap, also oldest-first. The cap is hard:
// a single oversized line is cut at a rune boundary.
func truncateToCap(text string, capBytes int) string {
	if len(text) <= capBytes {
		return text
	}

	lines := strings.Split(text, "\n")
	keep := make([]bool, len(lines))
	size := len(text)

	// The newest line is never dropped whole; if it alone breaks the
	// cap it is cut at the end instead.
	drop := func(retained bool) {
		for i := 0; i < len(lines)-1 && size > capBytes; i++ {
			if !keep[i] {
				continue
			}
			if isMustRetain(lines[i]) != retained {
				continue
			}
			keep[i] = false
			size -= len(lines[i]) + 1 // line plus its newline
		}
	}

	for i := range keep {
		keep[i] = true
	}
	drop(false)
	drop(true)

	var kept []string
	for i, line := range lines {
		if keep[i] {
			kept = append(kept, line)
		}
	}
	out := strings.Join(kept, "\n")
	if len(out) > capBytes {
		out = cutAtRuneBoundary(out, capBytes)
	}
	return out
}

func isMustRetain(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), mustRetainPrefix)
}

func cutAtRuneBoundary(s string, capBytes int) string {
	if len(s) <= capBytes {
		return s
	}
	cut := s[:capBytes]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
