// Package ttshttp synthesizes speech through an HTTP TTS service.
package ttshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEmptyAudio is returned when the service answers without audio.
var ErrEmptyAudio = errors.New("tts service returned no audio")

// StatusError is returned when the service answers with a failure status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tts failed with status %d: %s", e.StatusCode, e.Message)
}

// Client posts {"text": ...} to {baseURL}/api/tts and stores the returned
// audio as a file in dir. The audio reference it hands out is the file name.
type Client struct {
	baseURL    string
	dir        string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a client. timeout bounds one synthesis request.
func New(baseURL, dir string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("tts base url is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		dir:        dir,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Name returns the connector identifier.
func (c *Client) Name() string {
	return "ttshttp"
}

// Dir returns the artifact directory.
func (c *Client) Dir() string {
	return c.dir
}

// Synthesize renders text and returns the artifact file name.
func (c *Client) Synthesize(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("encode tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	name, n, err := WriteArtifact(c.dir, resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		return "", err
	}

	c.logger.Debug("speech synthesized",
		zap.String("artifact", name),
		zap.Int64("bytes", n),
	)
	return name, nil
}

// WriteArtifact stores audio read from r in dir under a fresh name derived
// from contentType. It returns the file name and the number of bytes
// written. Nothing is left behind on error.
func WriteArtifact(dir, contentType string, r io.Reader) (string, int64, error) {
	name := uuid.New().String() + extension(contentType)
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create artifact: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = ErrEmptyAudio
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}
	return name, n, nil
}

func extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/flac":
		return ".flac"
	default:
		return ".bin"
	}
}
