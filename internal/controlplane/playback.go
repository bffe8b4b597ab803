package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fentz26/parley/internal/pipeline"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Playback message types.
const (
	MsgPlay             = "play"
	MsgStop             = "stop"
	MsgPlaybackFinished = "playback_finished"
	MsgPlaybackFailed   = "playback_failed"
)

// PlaybackMessage is exchanged with /ws/playback clients. The daemon sends
// play and stop; clients answer with playback_finished or playback_failed.
type PlaybackMessage struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	TaskID string `json:"task_id,omitempty"`
	Index  int    `json:"index"`
	Text   string `json:"text,omitempty"`
	Audio  string `json:"audio,omitempty"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API binds to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type playbackClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *playbackClient) send(msg PlaybackMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

type playRequest struct {
	client *playbackClient
	done   chan error
}

// PlaybackHub is a Player that hands audio to WebSocket clients. The most
// recently connected client plays every unit.
type PlaybackHub struct {
	artifactURL string
	logger      *zap.Logger

	mu      sync.Mutex
	clients []*playbackClient
	pending map[string]*playRequest
	joined  chan struct{}
}

// NewPlaybackHub creates a hub. artifactURL prefixes audio references in
// play requests.
func NewPlaybackHub(artifactURL string, logger *zap.Logger) *PlaybackHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlaybackHub{
		artifactURL: artifactURL,
		logger:      logger,
		pending:     make(map[string]*playRequest),
		joined:      make(chan struct{}),
	}
}

// Name returns the connector identifier.
func (h *PlaybackHub) Name() string {
	return "wsplayback"
}

// Clients returns the number of connected playback clients.
func (h *PlaybackHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Play sends item to a playback client and waits for it to report the end
// of playback. Without a client it waits for one to connect.
func (h *PlaybackHub) Play(ctx context.Context, item pipeline.WorkItem) error {
	client, err := h.waitClient(ctx)
	if err != nil {
		return err
	}

	req := &playRequest{client: client, done: make(chan error, 1)}
	id := uuid.New().String()
	h.mu.Lock()
	h.pending[id] = req
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	msg := PlaybackMessage{
		Type:   MsgPlay,
		ID:     id,
		TaskID: item.TaskID,
		Index:  item.Index,
		Text:   item.Text,
		Audio:  item.Audio,
		URL:    h.artifactURL + item.Audio,
	}
	if err := client.send(msg); err != nil {
		return fmt.Errorf("send play request: %w", err)
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		_ = client.send(PlaybackMessage{Type: MsgStop, ID: id, TaskID: item.TaskID, Index: item.Index})
		return ctx.Err()
	}
}

func (h *PlaybackHub) waitClient(ctx context.Context) (*playbackClient, error) {
	for {
		h.mu.Lock()
		if n := len(h.clients); n > 0 {
			c := h.clients[n-1]
			h.mu.Unlock()
			return c, nil
		}
		joined := h.joined
		h.mu.Unlock()

		select {
		case <-joined:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNoPlayback, ctx.Err())
		}
	}
}

// ServeWS registers a playback client for the life of the connection.
func (h *PlaybackHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("playback upgrade failed", zap.Error(err))
		return
	}
	client := &playbackClient{conn: conn}
	h.add(client)
	defer h.remove(client)
	defer conn.Close()

	h.logger.Info("playback client connected", zap.String("remote", r.RemoteAddr))
	for {
		var msg PlaybackMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				h.logger.Debug("playback client read failed", zap.Error(err))
			}
			return
		}
		h.resolve(msg)
	}
}

func (h *PlaybackHub) resolve(msg PlaybackMessage) {
	h.mu.Lock()
	req := h.pending[msg.ID]
	h.mu.Unlock()
	if req == nil {
		return
	}

	switch msg.Type {
	case MsgPlaybackFinished:
		req.finish(nil)
	case MsgPlaybackFailed:
		req.finish(fmt.Errorf("playback failed: %s", msg.Error))
	}
}

func (r *playRequest) finish(err error) {
	select {
	case r.done <- err:
	default:
	}
}

func (h *PlaybackHub) add(c *playbackClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients = append(h.clients, c)
	close(h.joined)
	h.joined = make(chan struct{})
}

func (h *PlaybackHub) remove(c *playbackClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, other := range h.clients {
		if other == c {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			break
		}
	}
	for _, req := range h.pending {
		if req.client == c {
			req.finish(ErrPlaybackClient)
		}
	}
	h.logger.Info("playback client disconnected", zap.Int("remaining", len(h.clients)))
}
