package segment

import (
	"strings"
	"unicode/utf8"
)

// Streamer feeds a live token stream through a Segmenter.
//
// A chunk whose terminator run reaches the end of the buffer is held back
// until more text arrives, because the run may still grow ("Hello!" then
// "!!") or its '.' may turn out to be a decimal point ("3." then "14").
// Incomplete UTF-8 sequences at the end of a delta are also held back. The
// sentences produced by any sequence of Push calls followed by Flush equal
// those of segmenting the concatenated text at once.
type Streamer struct {
	seg     *Segmenter
	pending string
	partial string
}

// NewStreamer creates a Streamer using the Segmenter's terminators.
func (s *Segmenter) NewStreamer() *Streamer {
	return &Streamer{seg: s}
}

// NewStreamer creates a Streamer with the default terminators.
func NewStreamer() *Streamer {
	return defaultSegmenter.NewStreamer()
}

// Push appends delta and returns the sentences it resolved.
func (st *Streamer) Push(delta string) []string {
	text := st.partial + delta
	st.partial = ""
	if cut := incompleteSuffix(text); cut > 0 {
		st.partial = text[len(text)-cut:]
		text = text[:len(text)-cut]
	}
	if text == "" {
		return nil
	}

	runes := []rune(st.pending + text)
	spans, rest := st.seg.scan(runes)
	if n := len(spans); n > 0 && rest == len(runes) {
		rest = spans[n-1].start
		spans = spans[:n-1]
	}
	st.pending = string(runes[rest:])
	return st.seg.commit(runes, spans)
}

// Flush resolves everything still buffered, including an unterminated tail,
// and resets the Streamer.
func (st *Streamer) Flush() []string {
	res := st.seg.Segment(st.pending + st.partial)
	st.pending, st.partial = "", ""

	out := res.Sentences
	if tail := strings.TrimSpace(res.Remaining); st.seg.meaningful(tail) {
		out = append(out, tail)
	}
	return out
}

// Pending returns the buffered text that has not been committed.
func (st *Streamer) Pending() string {
	return st.pending + st.partial
}

// Reset drops all buffered text without committing it.
func (st *Streamer) Reset() {
	st.pending, st.partial = "", ""
}

// incompleteSuffix returns the byte length of a truncated UTF-8 sequence at
// the end of s, or 0.
func incompleteSuffix(s string) int {
	for n := 1; n < utf8.UTFMax && n <= len(s); n++ {
		b := s[len(s)-n]
		if b < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(b) {
			if utf8.FullRuneInString(s[len(s)-n:]) {
				return 0
			}
			return n
		}
	}
	return 0
}
