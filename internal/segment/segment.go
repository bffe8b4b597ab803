// Package segment splits streamed model text into sentence-sized chunks for
// speech synthesis.
package segment

import (
	"strings"
	"unicode"
)

// DefaultTerminators close a chunk. They cover Latin and CJK sentence and
// clause punctuation.
var DefaultTerminators = []rune{
	',', '.', ';', '?', '!',
	'、', '，', '。', '？', '！', '；', '：', '…',
}

// Result is the outcome of segmenting a buffer.
type Result struct {
	Sentences []string
	// Remaining is the unterminated tail. It is not trimmed and must be
	// prefixed to the next buffer.
	Remaining string
}

// Segmenter holds a terminator set. It is immutable and safe for concurrent use.
type Segmenter struct {
	terminators map[rune]struct{}
}

var defaultSegmenter = New()

// New creates a Segmenter. With no terminators, DefaultTerminators are used.
func New(terminators ...rune) *Segmenter {
	if len(terminators) == 0 {
		terminators = DefaultTerminators
	}
	set := make(map[rune]struct{}, len(terminators))
	for _, r := range terminators {
		set[r] = struct{}{}
	}
	return &Segmenter{terminators: set}
}

// Segment splits buf with the default terminators.
func Segment(buf string) Result {
	return defaultSegmenter.Segment(buf)
}

// Segment scans buf left to right and returns the committed chunks plus the
// unterminated remainder. A run of terminators closes a single chunk, and a
// '.' between two digits is a decimal point. Chunks are trimmed, and chunks
// with no content besides punctuation are dropped.
func (s *Segmenter) Segment(buf string) Result {
	runes := []rune(buf)
	spans, rest := s.scan(runes)
	return Result{
		Sentences: s.commit(runes, spans),
		Remaining: string(runes[rest:]),
	}
}

// span is a closed chunk as rune offsets [start, end).
type span struct {
	start, end int
}

// scan returns the closed chunks of runes and the offset where the
// unterminated remainder begins.
func (s *Segmenter) scan(runes []rune) ([]span, int) {
	var spans []span
	start := 0
	for i := 0; i < len(runes); {
		if !s.isTerminator(runes[i]) || isDecimalPoint(runes, i) {
			i++
			continue
		}
		j := i + 1
		for j < len(runes) && s.isTerminator(runes[j]) {
			j++
		}
		spans = append(spans, span{start: start, end: j})
		start = j
		i = j
	}
	return spans, start
}

func (s *Segmenter) commit(runes []rune, spans []span) []string {
	var out []string
	for _, sp := range spans {
		chunk := strings.TrimSpace(string(runes[sp.start:sp.end]))
		if s.meaningful(chunk) {
			out = append(out, chunk)
		}
	}
	return out
}

func (s *Segmenter) isTerminator(r rune) bool {
	_, ok := s.terminators[r]
	return ok
}

// meaningful reports whether chunk has anything besides punctuation and space.
func (s *Segmenter) meaningful(chunk string) bool {
	for _, r := range chunk {
		if s.isTerminator(r) || unicode.IsPunct(r) || unicode.IsSpace(r) {
			continue
		}
		return true
	}
	return false
}

func isDecimalPoint(runes []rune, i int) bool {
	return runes[i] == '.' &&
		i > 0 && i+1 < len(runes) &&
		unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1])
}
