package segment

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expected(text string) []string {
	res := Segment(text)
	out := res.Sentences
	if tail := strings.TrimSpace(res.Remaining); defaultSegmenter.meaningful(tail) {
		out = append(out, tail)
	}
	return normalize(out)
}

func stream(pieces []string) []string {
	st := NewStreamer()
	var out []string
	for _, p := range pieces {
		out = append(out, st.Push(p)...)
	}
	out = append(out, st.Flush()...)
	return normalize(out)
}

func TestStreamer_NormalFlow(t *testing.T) {
	st := NewStreamer()
	assert.Empty(t, st.Push("Hello"))
	assert.Empty(t, st.Push(" there."))
	assert.Equal(t, []string{"Hello there."}, st.Flush())
}

func TestStreamer_CommitsOnceRunIsClosed(t *testing.T) {
	st := NewStreamer()
	assert.Empty(t, st.Push("Hello!"))
	assert.Empty(t, st.Push("!!"))
	assert.Equal(t, []string{"Hello!!!"}, st.Push(" World"))
	assert.Equal(t, " World", st.Pending())
	assert.Equal(t, []string{"World"}, st.Flush())
}

func TestStreamer_DecimalAcrossDeltas(t *testing.T) {
	st := NewStreamer()
	assert.Empty(t, st.Push("Pi is 3."))
	assert.Empty(t, st.Push("14 today"))
	assert.Equal(t, []string{"Pi is 3.14 today."}, st.Push(". "))
}

func TestStreamer_SplitMultibyteRune(t *testing.T) {
	text := "你好。世界！"
	b := []byte(text)
	pieces := make([]string, len(b))
	for i := range b {
		pieces[i] = string(b[i : i+1])
	}
	assert.Equal(t, []string{"你好。", "世界！"}, stream(pieces))
}

func TestStreamer_FlushDropsPunctuationTail(t *testing.T) {
	st := NewStreamer()
	assert.Equal(t, []string{"Done."}, st.Push("Done. !"))
	assert.Empty(t, st.Flush())
}

func TestStreamer_Reset(t *testing.T) {
	st := NewStreamer()
	st.Push("partial sentence")
	st.Reset()
	assert.Equal(t, "", st.Pending())
	assert.Empty(t, st.Flush())
}

func TestStreamer_EveryTwoWaySplit(t *testing.T) {
	for _, text := range samples {
		want := expected(text)
		for k := 0; k <= len(text); k++ {
			require.Equal(t, want, stream([]string{text[:k], text[k:]}), "text %q split at byte %d", text, k)
		}
	}
}

func TestStreamer_RandomSplits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, text := range samples {
		want := expected(text)
		for trial := 0; trial < 50; trial++ {
			var pieces []string
			rest := text
			for len(rest) > 0 {
				n := 1 + rng.Intn(6)
				if n > len(rest) {
					n = len(rest)
				}
				pieces = append(pieces, rest[:n])
				rest = rest[n:]
			}
			require.Equal(t, want, stream(pieces), "text %q pieces %q", text, pieces)
		}
	}
}
