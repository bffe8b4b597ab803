package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/parley/internal/models"
	"go.uber.org/zap"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

// waitTimeout bounds /tasks/{id}/wait below the server write timeout.
const waitTimeout = 25 * time.Second

// maxEventBytes caps a posted voice event.
const maxEventBytes = 64 << 10

// Server provides the HTTP API for Parley.
type Server struct {
	service     *Service
	addr        string
	artifactDir string
	server      *http.Server
	logger      *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service:     service,
		addr:        addr,
		artifactDir: service.artifactDir,
		logger:      logger,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Task endpoints
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/prune", s.handlePrune)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/interrupt", s.handleInterrupt)
	mux.HandleFunc("/current", s.handleCurrent)
	mux.HandleFunc("/work/", s.handleWork)
	mux.HandleFunc("/interruptions/", s.handleInterruptions)

	// Generation endpoints
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/context", s.handleContext)
	mux.HandleFunc("/events", s.handleEvents)

	// Memory and session endpoints
	mux.HandleFunc("/memory", s.handleMemory)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/journal", s.handleJournal)

	// Observability
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/workers", s.handleWorkers)
	mux.Handle("/metrics", s.service.metrics.Handler())

	if s.artifactDir != "" {
		mux.Handle("/artifacts/", http.StripPrefix("/artifacts/", http.FileServer(http.Dir(s.artifactDir))))
	}

	// WebSocket endpoints
	mux.HandleFunc("/ws/pipeline", s.handlePipelineWS)
	if s.service.playback != nil {
		mux.HandleFunc("/ws/playback", s.service.playback.ServeWS)
	}

	return s.logRequests(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting Parley daemon", zap.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. It is safe to call before or
// during Start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Task Handlers ---

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createTaskRequest struct {
	Input string `json:"input"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := s.service.CreateTask(req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type pruneRequest struct {
	MaxRetain *int `json:"max_retain"`
}

type pruneResponse struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

// handlePrune handles POST /tasks/prune
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pruneRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	maxRetain := -1
	if req.MaxRetain != nil {
		maxRetain = *req.MaxRetain
	}
	removed := s.service.Prune(maxRetain)
	writeJSON(w, http.StatusOK, pruneResponse{Removed: removed, Remaining: s.service.Summary().Total})
}

// handleTaskByID handles /tasks/{id}/*
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "wait" && r.Method == http.MethodGet:
		s.waitTask(w, r, taskID)
	case action == "audio" && r.Method == http.MethodPost:
		s.addAudio(w, r, taskID)
	case action == "playback" && r.Method == http.MethodPost:
		s.markPlayback(w, r, taskID)
	case action == "ack" && r.Method == http.MethodPost:
		s.ackInterruption(w, r, taskID)
	case action == "journal" && r.Method == http.MethodGet:
		s.taskJournal(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.service.GetTask(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) waitTask(w http.ResponseWriter, r *http.Request, taskID string) {
	timeout := waitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	task, err := s.service.WaitTask(ctx, taskID)
	if errors.Is(err, context.DeadlineExceeded) {
		// Still running: report the current state.
		task, err = s.service.GetTask(taskID)
		if err == nil {
			writeJSON(w, http.StatusAccepted, task)
			return
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type audioRequest struct {
	Index int    `json:"index"`
	Audio string `json:"audio"`
}

type audioResponse struct {
	Audio string `json:"audio"`
}

// addAudio accepts either a JSON reference to an existing artifact or raw
// audio bytes with ?index=N.
func (s *Server) addAudio(w http.ResponseWriter, r *http.Request, taskID string) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "audio/") || strings.HasPrefix(ct, "application/octet-stream") {
		index, ok := queryInt(r, "index", -1)
		if !ok || index < 0 {
			http.Error(w, "index query parameter required", http.StatusBadRequest)
			return
		}
		ref, err := s.service.UploadAudio(taskID, index, ct, r.Body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, audioResponse{Audio: ref})
		return
	}

	var req audioRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.service.AddAudio(taskID, req.Index, req.Audio); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audioResponse{Audio: req.Audio})
}

type playbackRequest struct {
	Index int `json:"index"`
}

func (s *Server) markPlayback(w http.ResponseWriter, r *http.Request, taskID string) {
	var req playbackRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.service.MarkPlayback(taskID, req.Index); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "played"})
}

type ackRequest struct {
	Stage string `json:"stage"`
}

func (s *Server) ackInterruption(w http.ResponseWriter, r *http.Request, taskID string) {
	var req ackRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.service.Acknowledge(taskID, req.Stage); err != nil {
		writeError(w, err)
		return
	}
	task, _ := s.service.GetTask(taskID)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) taskJournal(w http.ResponseWriter, r *http.Request, taskID string) {
	limit, _ := queryInt(r, "limit", 100)
	entries, err := s.service.Journal(taskID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type interruptResponse struct {
	TaskID      string `json:"task_id,omitempty"`
	Interrupted bool   `json:"interrupted"`
}

// handleInterrupt handles POST /interrupt
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := s.service.Interrupt()
	writeJSON(w, http.StatusOK, interruptResponse{TaskID: id, Interrupted: ok})
}

// handleCurrent handles GET /current
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	task, err := s.service.CurrentTask()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleWork handles GET /work/{stage}. No content means no work.
func (s *Server) handleWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	item, ok, err := s.service.NextWork(strings.TrimPrefix(r.URL.Path, "/work/"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleInterruptions handles GET /interruptions/{stage}
func (s *Server) handleInterruptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids, err := s.service.PendingInterruptions(strings.TrimPrefix(r.URL.Path, "/interruptions/"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// --- Generation Handlers ---

type promptRequest struct {
	Text string `json:"text"`
}

// handlePrompt handles POST /prompt
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req promptRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.service.Prompt(req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type contextRequest struct {
	Screen       string  `json:"screen"`
	OCR          string  `json:"ocr"`
	Instructions *string `json:"instructions,omitempty"`
}

// handleContext handles PUT /context
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req contextRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.service.SetContext(req.Screen, req.OCR, req.Instructions); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents handles POST /events with one voice channel event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := s.service.HandleEvent(data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Memory Handlers ---

// handleMemory handles POST /memory and GET /memory
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.addMemory(w, r)
	case http.MethodGet:
		s.queryMemory(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type addMemoryRequest struct {
	SessionID string `json:"session_id"`
	Speaker   string `json:"speaker"`
	Content   string `json:"content"`
	Tags      string `json:"tags"`
}

func (s *Server) addMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := s.service.AddMemory(r.Context(), req.SessionID, req.Speaker, req.Content, req.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) queryMemory(w http.ResponseWriter, r *http.Request) {
	limit, _ := queryInt(r, "limit", 50)
	items, err := s.service.QueryMemory(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.MemoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// --- Session Handlers ---

// handleSessions handles GET /sessions and POST /sessions (new conversation)
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, _ := queryInt(r, "limit", 50)
		sessions, err := s.service.ListSessions(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if sessions == nil {
			sessions = []models.ChatSession{}
		}
		writeJSON(w, http.StatusOK, sessions)
	case http.MethodPost:
		if err := s.service.NewConversation(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "new"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionByID handles GET /sessions/{id} and POST /sessions/{id}/resume
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sess, err := s.service.GetSession(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case action == "resume" && r.Method == http.MethodPost:
		if err := s.service.ResumeSession(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "session_id": id})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleJournal handles GET /journal
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.taskJournal(w, r, r.URL.Query().Get("task_id"))
}

// handleWorkers handles GET /workers
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Workers())
}
