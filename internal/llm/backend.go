package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/fentz26/parley/internal/models"
	"go.uber.org/zap"
)

// DefaultBackendURL is the completion server used when none is configured.
const DefaultBackendURL = "http://127.0.0.1:8000"

// BackendClient speaks the completion server's plain protocol: a JSON
// request posted to /api/completion answered by a text/plain body streamed
// as the model generates.
type BackendClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewBackendClient creates a client for the completion server at baseURL.
func NewBackendClient(baseURL string, logger *zap.Logger) *BackendClient {
	if baseURL == "" {
		baseURL = DefaultBackendURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No client timeout: replies stream for as long as the model talks.
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type backendError struct {
	Error string `json:"error"`
}

// Stream posts req and hands every decoded text increment to fn.
func (c *BackendClient) Stream(ctx context.Context, req Request, fn DeltaFunc) error {
	if req.History == nil {
		req.History = []models.HistoryItem{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/completion", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusErrorFrom(resp)
	}

	// The server reports a missing model reply as a JSON error with status 200.
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "application/json" {
		var be backendError
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONReply+1))
		if err != nil {
			return fmt.Errorf("read completion reply: %w", err)
		}
		if len(data) > maxJSONReply {
			return fmt.Errorf("completion reply exceeds %d bytes", maxJSONReply)
		}
		if err := json.Unmarshal(data, &be); err == nil && be.Error != "" {
			return &StatusError{StatusCode: resp.StatusCode, Message: be.Error}
		}
		if len(data) > 0 {
			return fn(string(data))
		}
		return nil
	}

	return c.readStream(resp.Body, fn)
}

// readStream forwards the body to fn, never splitting a UTF-8 sequence
// across two increments.
func (c *BackendClient) readStream(r io.Reader, fn DeltaFunc) error {
	buf := make([]byte, 4096)
	var carry []byte
	chunks := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completePrefix(data)
			carry = append([]byte(nil), data[cut:]...)
			if cut > 0 {
				chunks++
				if ferr := fn(string(data[:cut])); ferr != nil {
					return ferr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if len(carry) > 0 {
				if ferr := fn(string(carry)); ferr != nil {
					return ferr
				}
			}
			c.logger.Debug("completion stream ended", zap.Int("chunks", chunks))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read completion stream: %w", err)
		}
	}
}

// completePrefix returns the length of data without a trailing truncated
// UTF-8 sequence.
func completePrefix(data []byte) int {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if utf8.FullRune(data[i:]) {
				return len(data)
			}
			return i
		}
	}
	return len(data)
}

// maxJSONReply bounds a completion answered as a single JSON document.
const maxJSONReply = 1 << 20

func statusErrorFrom(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	se := &StatusError{StatusCode: resp.StatusCode}
	var be backendError
	if err := json.Unmarshal(data, &be); err == nil && be.Error != "" {
		se.Message = be.Error
	} else {
		se.Message = strings.TrimSpace(string(data))
	}
	return se
}
