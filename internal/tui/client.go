package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/parley/internal/controlplane"
	"github.com/fentz26/parley/internal/models"
	"github.com/gorilla/websocket"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP and WebSocket calls to the Parley API
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
		dialer: &websocket.Dialer{HandshakeTimeout: DefaultClientTimeout},
	}
}

// InterruptResult is the answer to an interrupt request.
type InterruptResult struct {
	TaskID      string `json:"task_id"`
	Interrupted bool   `json:"interrupted"`
}

// PruneResult is the answer to a prune request.
type PruneResult struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

// CreateTask submits user input as a new task.
func (c *Client) CreateTask(input string) (*models.Task, error) {
	var task models.Task
	if err := c.post("/tasks", map[string]string{"input": input}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Interrupt cancels the current task.
func (c *Client) Interrupt() (*InterruptResult, error) {
	var res InterruptResult
	if err := c.post("/interrupt", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Prune removes finished tasks beyond maxRetain. A negative maxRetain uses
// the daemon's configured limit.
func (c *Client) Prune(maxRetain int) (*PruneResult, error) {
	var body interface{}
	if maxRetain >= 0 {
		body = map[string]int{"max_retain": maxRetain}
	}
	var res PruneResult
	if err := c.post("/tasks/prune", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Prompt sends text to the generation session.
func (c *Client) Prompt(text string) error {
	return c.post("/prompt", map[string]string{"text": text}, nil)
}

func (c *Client) post(path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Stream is an open /ws/pipeline subscription.
type Stream struct {
	conn *websocket.Conn
}

// Stream connects to the pipeline snapshot stream.
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	u, err := url.Parse(c.baseURL + "/ws/pipeline")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect pipeline stream: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks until the daemon pushes the next snapshot.
func (s *Stream) Next() (controlplane.Snapshot, error) {
	var snap controlplane.Snapshot
	err := s.conn.ReadJSON(&snap)
	return snap, err
}

// Close closes the connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}
