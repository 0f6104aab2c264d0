// Package chunk splits memory content into bounded, overlapping windows
// along semantic boundaries, preferring paragraph breaks, then sentence
// and clause terminators, then whitespace, before hard-cutting.
package chunk

import (
	"strings"
	"unicode"
)

// Chunk is one physical window of a memory's content.
type Chunk struct {
	Index int
	Text  string
	Start int // rune offset into the original content
	End   int // rune offset, exclusive
}

// Splitter breaks text into chunks of at most TargetSize runes, overlapping
// by Overlap runes, preferring semantic boundaries over hard cuts.
type Splitter struct {
	TargetSize int
	Overlap    int
}

// NewSplitter builds a Splitter with the configured parameters, clamping
// Overlap strictly below TargetSize.
func NewSplitter(targetSize, overlap int) Splitter {
	if targetSize <= 0 {
		targetSize = 500
	}
	if overlap < 0 || overlap >= targetSize {
		overlap = targetSize / 10
	}
	return Splitter{TargetSize: targetSize, Overlap: overlap}
}

// Stream emits chunks in order via emit. It is lazy only in the sense that
// it emits eagerly as boundaries are found; callers needing two passes over
// the result must buffer it themselves (no restart, no rewind).
//
// Contract: every input rune appears in at least one chunk; inputs
// shorter than TargetSize produce exactly one chunk equal to input.
func (s Splitter) Stream(text string, emit func(Chunk) error) error {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return emit(Chunk{Index: 0, Text: "", Start: 0, End: 0})
	}
	if n <= s.TargetSize {
		return emit(Chunk{Index: 0, Text: text, Start: 0, End: n})
	}

	idx := 0
	start := 0
	for start < n {
		end := start + s.TargetSize
		if end >= n {
			end = n
		} else {
			end = s.chooseBoundary(runes, start, end)
		}
		if err := emit(Chunk{Index: idx, Text: string(runes[start:end]), Start: start, End: end}); err != nil {
			return err
		}
		idx++
		if end >= n {
			break
		}
		next := end - s.Overlap
		if next <= start {
			next = end // guarantee forward progress even with pathological overlap
		}
		start = next
	}
	return nil
}

// Split is the eager convenience form of Stream.
func (s Splitter) Split(text string) []Chunk {
	var out []Chunk
	_ = s.Stream(text, func(c Chunk) error {
		out = append(out, c)
		return nil
	})
	return out
}

// chooseBoundary looks backward from the ideal cut point `ideal` (but no
// further back than the chunk midpoint) for the highest-priority boundary:
// paragraph break, sentence terminator, clause terminator, whitespace, and
// finally a hard cut at `ideal` itself.
func (s Splitter) chooseBoundary(runes []rune, start, ideal int) int {
	floor := start + s.TargetSize/2
	if floor < start {
		floor = start
	}

	if at := lastParagraphBreak(runes, floor, ideal); at > 0 {
		return at
	}
	if at := lastSentenceEnd(runes, floor, ideal); at > 0 {
		return at
	}
	if at := lastClauseEnd(runes, floor, ideal); at > 0 {
		return at
	}
	if at := lastWhitespace(runes, floor, ideal); at > 0 {
		return at
	}
	return ideal
}

// lastParagraphBreak returns the offset just after the last "\n\n" whose
// second newline lies in (floor, ideal), or 0 if none.
func lastParagraphBreak(runes []rune, floor, ideal int) int {
	for i := ideal - 1; i > floor; i-- {
		if runes[i] == '\n' && i > 0 && runes[i-1] == '\n' {
			return i + 1
		}
	}
	return 0
}

func lastSentenceEnd(runes []rune, floor, ideal int) int {
	for i := ideal - 1; i > floor; i-- {
		if (runes[i] == '.' || runes[i] == '?' || runes[i] == '!') && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			return i + 1
		}
	}
	return 0
}

func lastClauseEnd(runes []rune, floor, ideal int) int {
	for i := ideal - 1; i > floor; i-- {
		if runes[i] == ';' || runes[i] == ':' || runes[i] == ',' {
			if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				return i + 1
			}
		}
	}
	return 0
}

func lastWhitespace(runes []rune, floor, ideal int) int {
	for i := ideal - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return 0
}

// Reconstruct rebuilds the original content by concatenating each chunk's
// non-overlapping suffix (the part not already covered by the previous
// chunk's End offset).
func Reconstruct(chunks []Chunk) string {
	var b strings.Builder
	prevEnd := 0
	for _, c := range chunks {
		runes := []rune(c.Text)
		skip := prevEnd - c.Start
		if skip < 0 {
			skip = 0
		}
		if skip > len(runes) {
			skip = len(runes)
		}
		b.WriteString(string(runes[skip:]))
		prevEnd = c.End
	}
	return b.String()
}
