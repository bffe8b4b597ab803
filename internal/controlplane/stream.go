package controlplane

import (
	"net/http"
	"time"

	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const pingPeriod = 20 * time.Second

// Snapshot is the full pipeline state pushed to /ws/pipeline clients. The
// first snapshot of a connection has no Change.
type Snapshot struct {
	Change  *pipeline.Change `json:"change,omitempty"`
	Tasks   []models.Task    `json:"tasks"`
	Summary pipeline.Summary `json:"summary"`
	Workers WorkerStats      `json:"workers"`
}

func (s *Service) snapshot(c *pipeline.Change) Snapshot {
	tasks := s.coord.Tasks()
	if tasks == nil {
		tasks = []models.Task{}
	}
	return Snapshot{
		Change:  c,
		Tasks:   tasks,
		Summary: s.coord.Summary(),
		Workers: s.Workers(),
	}
}

// handlePipelineWS streams a snapshot on connect and after every change.
func (s *Server) handlePipelineWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("pipeline stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	changes, unsubscribe := s.service.coord.Bus().Subscribe()
	defer unsubscribe()

	// The reader only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	if err := write(s.service.snapshot(nil)); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case c, ok := <-changes:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(writeWait))
				return
			}
			if err := write(s.service.snapshot(&c)); err != nil {
				s.logger.Debug("pipeline stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
