// Package api provides the coordinator's HTTP surface: the worker
// protocol endpoints (register/heartbeat/unregister/claim/complete),
// operator endpoints (status/cleanup/health), and SSE event streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fleetctl/fleetctl/internal/fleet"
	"github.com/fleetctl/fleetctl/internal/log"
	"github.com/fleetctl/fleetctl/internal/pubsub"
)

// Handler provides HTTP endpoints for Coordinator operations.
type Handler struct {
	coord *fleet.Coordinator
}

// NewHandler wraps coord with its HTTP surface.
func NewHandler(coord *fleet.Coordinator) *Handler {
	return &Handler{coord: coord}
}

// Routes returns an http.Handler with every route registered,
// matching the teacher's method+path ServeMux pattern style.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /agent/register", h.RegisterAgent)
	mux.HandleFunc("POST /agent/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /agent/unregister", h.UnregisterAgent)

	mux.HandleFunc("POST /task/claim", h.ClaimTask)
	mux.HandleFunc("POST /task/complete", h.CompleteTask)

	mux.HandleFunc("GET /status", h.Status)
	mux.HandleFunc("POST /cleanup", h.Cleanup)
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("GET /events", h.StreamAllEvents)
	mux.HandleFunc("GET /tasks/{id}/events", h.StreamTaskEvents)
	mux.HandleFunc("GET /agent/{id}/notifications/pending", h.DrainPendingNotifications)

	return mux
}

// === Request/Response types ===

// RegisterAgentRequest is the request body for POST /agent/register.
type RegisterAgentRequest struct {
	Role string `json:"role,omitempty"`
}

// RegisterAgentResponse is the response body for POST /agent/register.
type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
}

// AgentIDRequest is the request body shared by heartbeat/unregister.
type AgentIDRequest struct {
	AgentID string `json:"agent_id"`
}

// ClaimTaskRequest is the request body for POST /task/claim.
type ClaimTaskRequest struct {
	AgentID string `json:"agent_id"`
}

// ClaimTaskResponse is the response body for POST /task/claim.
type ClaimTaskResponse struct {
	Task   *fleet.Task `json:"task,omitempty"`
	Role   string      `json:"role,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// CompleteTaskRequest is the request body for POST /task/complete.
type CompleteTaskRequest struct {
	AgentID    string `json:"agent_id"`
	TaskID     string `json:"task_id"`
	Success    bool   `json:"success"`
	PRURL      string `json:"pr_url,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
}

// StatusResponse is the response body for GET /status.
type StatusResponse struct {
	Workers []fleet.Worker `json:"workers"`
	Tasks   []fleet.Task   `json:"tasks"`
	Phases  []fleet.Phase  `json:"phases"`
}

// DrainPendingResponse is the response body for
// GET /agent/{id}/notifications/pending.
type DrainPendingResponse struct {
	Events []fleet.NotificationEvent `json:"events"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// === Handlers ===

// RegisterAgent registers a new worker.
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	worker, err := h.coord.RegisterAgent(r.Context(), req.Role)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, RegisterAgentResponse{AgentID: worker.ID, Role: worker.Role})
}

// Heartbeat records liveness for an agent.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req AgentIDRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.coord.Heartbeat(r.Context(), req.AgentID); err != nil {
		h.writeErrorFor(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnregisterAgent releases an agent's task lock and removes it.
func (h *Handler) UnregisterAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentIDRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.coord.UnregisterAgent(r.Context(), req.AgentID); err != nil {
		h.writeErrorFor(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClaimTask attempts to assign one available task to the requesting agent.
func (h *Handler) ClaimTask(w http.ResponseWriter, r *http.Request) {
	var req ClaimTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.coord.ClaimTask(r.Context(), req.AgentID)
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ClaimTaskResponse{Task: result.Task, Role: result.Role, Reason: result.Reason})
}

// CompleteTask records a worker's claim of success or failure for a task.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	var req CompleteTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.coord.CompleteTask(r.Context(), req.AgentID, req.TaskID, req.Success, req.PRURL, req.BranchName); err != nil {
		h.writeErrorFor(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status returns a full snapshot of workers, tasks, and phases.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.coord.Status(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{Workers: snap.Workers, Tasks: snap.Tasks, Phases: snap.Phases})
}

// Cleanup triggers an on-demand liveness sweep.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Cleanup(r.Context()); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports whether the coordination substrate is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.HealthCheck(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StreamAllEvents streams every fleet occurrence via SSE.
// GET /events
func (h *Handler) StreamAllEvents(w http.ResponseWriter, r *http.Request) {
	events := h.coord.Events.Subscribe(r.Context())
	h.streamEvents(w, r, events, "")
}

// StreamTaskEvents streams occurrences for one task via SSE.
// GET /tasks/{id}/events
func (h *Handler) StreamTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	events := h.coord.Events.Subscribe(r.Context())
	h.streamEvents(w, r, events, taskID)
}

// DrainPendingNotifications returns and clears the notifications queued
// for an agent while it was disconnected from the live event stream.
// GET /agent/{id}/notifications/pending
func (h *Handler) DrainPendingNotifications(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	events, err := h.coord.DrainPending(r.Context(), agentID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DrainPendingResponse{Events: events})
}

// === Helpers ===

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan pubsub.Event[fleet.FleetEvent], filterTaskID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			if filterTaskID != "" && event.Payload.TaskID != filterTaskID {
				continue
			}
			data, err := json.Marshal(event.Payload)
			if err != nil {
				log.ErrorErr(log.CatAPI, "failed to marshal fleet event", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Payload.Kind, data)
			flusher.Flush()
		}
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(dst)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// writeErrorFor maps known sentinel errors to their HTTP status,
// defaulting to 500 for anything else.
func (h *Handler) writeErrorFor(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrTaskNotFound), errors.Is(err, fleet.ErrWorkerNotFound), errors.Is(err, fleet.ErrPhaseNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, fleet.ErrNoActivePhase), errors.Is(err, fleet.ErrNoTaskAvailable), errors.Is(err, fleet.ErrClaimExhausted):
		h.writeJSON(w, http.StatusOK, ClaimTaskResponse{Reason: err.Error()})
	default:
		h.writeError(w, http.StatusInternalServerError, err)
	}
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	addr     string
}

// NewServer binds addr and builds a Server exposing coord over HTTP.
func NewServer(addr string, coord *fleet.Coordinator) (*Server, error) {
	handler := NewHandler(coord)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	return &Server{
		handler:  handler,
		addr:     addr,
		listener: listener,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start blocks serving HTTP until the server is stopped or fails.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "starting coordinator API server", "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "stopping coordinator API server")
	return s.server.Shutdown(ctx)
}
