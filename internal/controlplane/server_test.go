package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/parley/internal/adapter"
	"github.com/fentz26/parley/internal/audit"
	"github.com/fentz26/parley/internal/metrics"
	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
	"github.com/fentz26/parley/internal/store"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	server   *Server
	service  *Service
	coord    *pipeline.Coordinator
	store    *store.Store
	playback *PlaybackHub
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tmpDir := t.TempDir()

	st, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	artifacts := filepath.Join(tmpDir, "artifacts")
	if err := os.MkdirAll(artifacts, 0o755); err != nil {
		t.Fatalf("Failed to create artifact dir: %v", err)
	}

	coord := pipeline.New()
	playback := NewPlaybackHub("/artifacts/", nil)
	service := NewService(Deps{
		Coordinator: coord,
		Store:       st,
		Journal:     audit.NewJournal(st, coord, nil),
		Adapter:     adapter.New(coord, 0.3, nil),
		Metrics:     metrics.New(""),
		Playback:    playback,
		ArtifactDir: artifacts,
	})
	t.Cleanup(service.Close)

	return &testEnv{
		server:   NewServer(service, "127.0.0.1:0", nil),
		service:  service,
		coord:    coord,
		store:    st,
		playback: playback,
		dir:      artifacts,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// --- Health ---

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t)

	// Close the store to simulate DB error
	env.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health HealthResponse
	decodeBody(t, w, &health)
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

// --- Tasks ---

func TestCreateAndListTasks(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/tasks", `{"input":"hello"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var created models.Task
	decodeBody(t, w, &created)
	if created.Status != models.TaskStatusCreated || created.Input != "hello" {
		t.Errorf("Unexpected task: %+v", created)
	}

	w = env.do(t, http.MethodGet, "/tasks?status=created", "")
	var tasks []models.Task
	decodeBody(t, w, &tasks)
	if len(tasks) != 1 || tasks[0].ID != created.ID {
		t.Errorf("Expected the created task, got %+v", tasks)
	}

	w = env.do(t, http.MethodGet, "/tasks?status=finished", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown status, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/tasks/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/tasks/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestCreateTask_EmptyInput(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/tasks", `{"input":"  "}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/tasks", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid json, got %d", w.Code)
	}
}

func TestExternalStageWorkerFlow(t *testing.T) {
	env := newTestEnv(t)

	id := env.coord.CreateTaskFromLLM("hi", "One.")
	env.coord.MarkLLMFinished(id)

	w := env.do(t, http.MethodGet, "/work/tts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected TTS work, got %d", w.Code)
	}
	var item pipeline.WorkItem
	decodeBody(t, w, &item)
	if item.TaskID != id || item.Index != 0 || item.Text != "One." {
		t.Errorf("Unexpected work item: %+v", item)
	}

	w = env.do(t, http.MethodPost, "/tasks/"+id+"/audio", `{"index":0,"audio":"one.wav"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.coord.Summary().ByStatus[models.TaskStatusFinished]; got != 1 {
		t.Errorf("Expected task finished after audio, got summary %+v", env.coord.Summary())
	}

	w = env.do(t, http.MethodGet, "/work/audio", "")
	decodeBody(t, w, &item)
	if item.Audio != "one.wav" {
		t.Errorf("Expected audio work for one.wav, got %+v", item)
	}

	w = env.do(t, http.MethodPost, "/tasks/"+id+"/playback", `{"index":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/work/audio", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected no audio work, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/work/llm", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for llm work, got %d", w.Code)
	}
}

func TestUploadAudio(t *testing.T) {
	env := newTestEnv(t)

	id := env.coord.CreateTaskFromLLM("hi", "One.")

	req := httptest.NewRequest(http.MethodPost, "/tasks/"+id+"/audio?index=0", bytes.NewReader([]byte("RIFF-data")))
	req.Header.Set("Content-Type", "audio/wav")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp audioResponse
	decodeBody(t, w, &resp)
	if !strings.HasSuffix(resp.Audio, ".wav") {
		t.Errorf("Expected a .wav artifact, got %q", resp.Audio)
	}

	w = env.do(t, http.MethodGet, "/artifacts/"+resp.Audio, "")
	if w.Code != http.StatusOK || w.Body.String() != "RIFF-data" {
		t.Errorf("Expected artifact to be served, got %d %q", w.Code, w.Body.String())
	}
}

func TestInterruptAndAcknowledge(t *testing.T) {
	env := newTestEnv(t)

	id := env.coord.CreateTaskFromLLM("hi", "One.")

	w := env.do(t, http.MethodGet, "/current", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected a current task, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/interrupt", "")
	var ir interruptResponse
	decodeBody(t, w, &ir)
	if !ir.Interrupted || ir.TaskID != id {
		t.Fatalf("Expected %s interrupted, got %+v", id, ir)
	}

	w = env.do(t, http.MethodGet, "/interruptions/tts", "")
	var ids []string
	decodeBody(t, w, &ids)
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("Expected tts to owe an ack for %s, got %v", id, ids)
	}

	// Audio for a pending task is still accepted.
	w = env.do(t, http.MethodPost, "/tasks/"+id+"/audio", `{"index":0,"audio":"late.wav"}`)
	if w.Code != http.StatusOK {
		t.Errorf("Expected audio accepted while pending, got %d", w.Code)
	}

	for _, stage := range []string{"llm", "tts"} {
		w = env.do(t, http.MethodPost, "/tasks/"+id+"/ack", `{"stage":"`+stage+`"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected ack for %s accepted, got %d: %s", stage, w.Code, w.Body.String())
		}
	}

	task, _ := env.coord.Task(id)
	if task.Status != models.TaskStatusCancelled {
		t.Fatalf("Expected cancelled, got %s", task.Status)
	}

	w = env.do(t, http.MethodPost, "/tasks/"+id+"/ack", `{"stage":"tts"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for ack on cancelled task, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/tasks/"+id+"/ack", `{"stage":"video"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown stage, got %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/current", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected no current task, got %d", w.Code)
	}
}

func TestWaitTask(t *testing.T) {
	env := newTestEnv(t)

	id := env.coord.CreateTaskFromLLM("hi", "One.")

	w := env.do(t, http.MethodGet, "/tasks/"+id+"/wait?timeout=20ms", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected 202 while running, got %d", w.Code)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		env.coord.MarkLLMFinished(id)
		env.coord.AddTTSAudio(id, 0, "one.wav")
	}()

	w = env.do(t, http.MethodGet, "/tasks/"+id+"/wait?timeout=2s", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var task models.Task
	decodeBody(t, w, &task)
	if task.Status != models.TaskStatusFinished {
		t.Errorf("Expected finished, got %s", task.Status)
	}
}

func TestPrune(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		id := env.coord.CreateTaskFromLLM("hi", "One.")
		env.coord.MarkLLMFinished(id)
		env.coord.AddTTSAudio(id, 0, "a.wav")
	}
	env.coord.AddInputTask("waiting")

	w := env.do(t, http.MethodPost, "/tasks/prune", `{"max_retain":1}`)
	var resp pruneResponse
	decodeBody(t, w, &resp)
	if resp.Removed != 2 || resp.Remaining != 2 {
		t.Errorf("Expected 2 removed and 2 remaining, got %+v", resp)
	}
}

// --- Events, generation, memory ---

func TestEvents(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/events", `{"type":"transcription","text":"hello"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if len(env.coord.Tasks()) != 1 {
		t.Errorf("Expected a task from the transcription")
	}

	w = env.do(t, http.MethodPost, "/events", `{"type":"volume"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown event, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/events", `{`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed event, got %d", w.Code)
	}
}

func TestGenerationEndpointsWithoutSession(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/prompt", `{"text":"hi"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for prompt, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPut, "/context", `{"screen":"a"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for context, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/sessions", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for new conversation, got %d", w.Code)
	}
}

func TestMemoryAndJournal(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/memory", `{"speaker":"Sam","content":"Sam likes green tea"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/memory?q=tea", "")
	var items []models.MemoryItem
	decodeBody(t, w, &items)
	if len(items) != 1 || items[0].Speaker != "Sam" {
		t.Errorf("Expected the stored memory, got %+v", items)
	}

	w = env.do(t, http.MethodPost, "/memory", `{"content":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty content, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/journal", "")
	var entries []models.JournalEntry
	decodeBody(t, w, &entries)
	if len(entries) != 1 || entries[0].Action != "memory.add" {
		t.Errorf("Expected a memory.add journal entry, got %+v", entries)
	}
}

func TestSessions(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.store.CreateSession(context.Background(), "Greeting")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	w := env.do(t, http.MethodGet, "/sessions", "")
	var sessions []models.ChatSession
	decodeBody(t, w, &sessions)
	if len(sessions) != 1 || sessions[0].ID != id {
		t.Errorf("Expected the stored session, got %+v", sessions)
	}

	w = env.do(t, http.MethodGet, "/sessions/"+id, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/sessions/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestWorkersAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/workers", "")
	var ws WorkerStats
	decodeBody(t, w, &ws)
	if ws.PlaybackClients != 0 || ws.SessionBusy {
		t.Errorf("Unexpected worker stats: %+v", ws)
	}

	w = env.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "parley_tasks_created_total") {
		t.Errorf("Expected prometheus output, got %d", w.Code)
	}
}

// --- WebSockets ---

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestPipelineStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/pipeline"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snap Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("Read initial snapshot failed: %v", err)
	}
	if snap.Change != nil || len(snap.Tasks) != 0 {
		t.Errorf("Expected empty initial snapshot, got %+v", snap)
	}

	id := env.coord.AddInputTask("hello")

	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("Read change snapshot failed: %v", err)
	}
	if snap.Change == nil || snap.Change.Topic != pipeline.TopicTaskCreated || snap.Change.TaskID != id {
		t.Errorf("Expected task.created for %s, got %+v", id, snap.Change)
	}
	if len(snap.Tasks) != 1 || snap.Summary.Total != 1 {
		t.Errorf("Expected one task in snapshot, got %+v", snap)
	}
}

func TestPlaybackHub(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/playback"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// The client answers every play request.
	go func() {
		for {
			var msg PlaybackMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == MsgPlay {
				conn.WriteJSON(PlaybackMessage{Type: MsgPlaybackFinished, ID: msg.ID})
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = env.playback.Play(ctx, pipeline.WorkItem{TaskID: "t1", Index: 0, Text: "One.", Audio: "one.wav"})
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if env.playback.Clients() != 1 {
		t.Errorf("Expected 1 playback client, got %d", env.playback.Clients())
	}
}

func TestPlaybackHub_NoClient(t *testing.T) {
	hub := NewPlaybackHub("/artifacts/", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := hub.Play(ctx, pipeline.WorkItem{TaskID: "t1", Audio: "one.wav"})
	if err == nil || !strings.Contains(err.Error(), ErrNoPlayback.Error()) {
		t.Errorf("Expected ErrNoPlayback, got %v", err)
	}
}
