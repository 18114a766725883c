// Command taskserver is the HTTP/SSE collaborator layer from spec §6: it
// projects the engine's programmatic interface onto the HTTP surface, but
// owns no engine semantics itself.
//
// Grounded on the teacher's chimux.RouterService
// (modules/chimux/router.go) for the route-registration shape, adapted
// from the teacher's DI-provided router to a directly constructed
// github.com/go-chi/chi/v5 router since this command has no surrounding
// plugin framework.
package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskengine/taskengine"
	"github.com/taskengine/taskengine/engine"
	"github.com/taskengine/taskengine/eventbus"
	"github.com/taskengine/taskengine/examples/cputask"
	"github.com/taskengine/taskengine/examples/iotask"
	"github.com/taskengine/taskengine/semaphore"
)

// keepaliveInterval is the SSE heartbeat cadence (spec §6).
const keepaliveInterval = 10 * time.Second

// server binds an Engine to the HTTP surface described in spec §6.
type server struct {
	eng    *engine.Engine
	logger taskengine.Logger
}

// newRouter builds the chi router mounted at prefix (commonly /api/tasks).
func newRouter(eng *engine.Engine, logger taskengine.Logger) http.Handler {
	if logger == nil {
		logger = taskengine.NewNoopLogger()
	}
	s := &server{eng: eng, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/queue", s.handleListQueue)
	r.Get("/stats", s.handleStats)
	r.Get("/queue/stream", s.handleQueueStream)
	r.Get("/{task_id}/stream", s.handleTaskStream)
	r.Delete("/{task_id}", s.handleDeleteTask)
	r.Delete("/completed", s.handleDeleteCompleted)
	r.Post("/search", s.handleSearch)
	r.Get("/recurring", s.handleListRecurring)
	r.Patch("/recurring/{id}/enable", s.handleEnableRecurring)
	r.Patch("/recurring/{id}/disable", s.handleDisableRecurring)
	r.Post("/example_cpu_task", s.handleExampleCPUTask)
	r.Post("/example_io_task", s.handleExampleIOTask)

	return r
}

func (s *server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.List())
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Stats())
}

func (s *server) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	sub := s.eng.SubscribeQueue()
	streamSSE(w, r, sub)
}

func (s *server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	sub := s.eng.Subscribe(taskID)
	streamSSE(w, r, sub)
}

func (s *server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := s.eng.Delete(taskID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteCompleted(w http.ResponseWriter, r *http.Request) {
	summary := s.eng.DeleteCompleted()
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted_count": summary.Deleted,
		"failed_count":  summary.Failed,
		"message":       "completed tasks removed",
	})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var criteria map[string]string
	if err := json.NewDecoder(r.Body).Decode(&criteria); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid search body"})
		return
	}
	ids := s.eng.Search(criteria)
	writeJSON(w, http.StatusOK, map[string]any{"task_ids": ids})
}

func (s *server) handleListRecurring(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.ListRecurring())
}

func (s *server) handleEnableRecurring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.eng.EnableRecurring(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDisableRecurring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.eng.DisableRecurring(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleExampleCPUTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		N int `json:"n"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	taskID, err := s.eng.Submit(semaphore.NameMultiple, "", &cputask.Task{N: req.N})
	if err != nil {
		s.logger.Warn("example_cpu_task submit failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *server) handleExampleIOTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Steps    int `json:"steps"`
		StepMS   int `json:"step_ms"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	taskID, err := s.eng.Submit(semaphore.NameMultiple, "", &iotask.Task{
		Steps:    req.Steps,
		StepTime: time.Duration(req.StepMS) * time.Millisecond,
	})
	if err != nil {
		s.logger.Warn("example_io_task submit failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// streamSSE drains sub onto w as `data: <json>\n\n` frames with a
// `: keepalive\n\n` heartbeat every 10s, terminating when sub's channel
// closes (spec §6 SSE framing).
func streamSSE(w http.ResponseWriter, r *http.Request, sub *eventbus.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			sub.Unsubscribe()
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
