package ttshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesize(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tts", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("RIFF....WAVE"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c, err := New(srv.URL+"/", dir, time.Second, nil)
	require.NoError(t, err)

	ref, err := c.Synthesize(context.Background(), "Hello there.")
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", got["text"])
	assert.True(t, strings.HasSuffix(ref, ".wav"), ref)

	data, err := os.ReadFile(filepath.Join(dir, ref))
	require.NoError(t, err)
	assert.Equal(t, "RIFF....WAVE", string(data))
}

func TestSynthesize_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c, err := New(srv.URL, dir, time.Second, nil)
	require.NoError(t, err)

	_, err = c.Synthesize(context.Background(), "Hi.")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "voice not loaded", se.Message)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestSynthesize_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
	}))
	defer srv.Close()

	dir := t.TempDir()
	c, err := New(srv.URL, dir, time.Second, nil)
	require.NoError(t, err)

	_, err = c.Synthesize(context.Background(), "Hi.")
	assert.ErrorIs(t, err, ErrEmptyAudio)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "partial artifact should be removed")
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New("", t.TempDir(), time.Second, nil)
	assert.Error(t, err)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".wav", extension("audio/wav"))
	assert.Equal(t, ".mp3", extension("audio/mpeg; charset=binary"))
	assert.Equal(t, ".bin", extension(""))
	assert.Equal(t, ".bin", extension("application/octet-stream"))
}
