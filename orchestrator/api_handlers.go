// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/donlasahachat6/mrpromth-sub002/common/usage"
	"github.com/donlasahachat6/mrpromth-sub002/orchestrator/llm"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "1.0.0"

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// Server exposes the workflow engine over HTTP.
type Server struct {
	engine            *WorkflowEngine
	balancer          *llm.LoadBalancer
	usage             usage.Recorder
	auth              *Authenticator
	startLimiter      RateLimiter
	heartbeatInterval time.Duration
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Engine   *WorkflowEngine
	Balancer *llm.LoadBalancer
	Usage    usage.Recorder
	Auth     *Authenticator

	// StartLimiter limits workflow starts per owner. Nil disables limiting.
	StartLimiter RateLimiter

	// HeartbeatInterval of event streams. Defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// NewServer creates a Server. A nil Auth runs in development mode.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		engine:            cfg.Engine,
		balancer:          cfg.Balancer,
		usage:             cfg.Usage,
		auth:              cfg.Auth,
		startLimiter:      cfg.StartLimiter,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
	if s.auth == nil {
		s.auth = NewAuthenticator("")
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = DefaultHeartbeatInterval
	}
	return s
}

// Router returns the HTTP handler with every route and CORS applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Unauthenticated
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/workflows", s.startWorkflowHandler).Methods("POST")
	api.HandleFunc("/workflows", s.listWorkflowsHandler).Methods("GET")
	api.HandleFunc("/workflows/{id}", s.getWorkflowHandler).Methods("GET")
	api.HandleFunc("/workflows/{id}/cancel", s.cancelWorkflowHandler).Methods("POST")
	api.HandleFunc("/workflows/{id}/stream", s.streamHandler).Methods("GET")
	api.HandleFunc("/workflows/{id}/archive", s.archiveWorkflowHandler).Methods("POST")

	api.HandleFunc("/providers/status", s.providerStatusHandler).Methods("GET")
	api.HandleFunc("/usage", s.usageHandler).Methods("GET")

	return c.Handler(r)
}

// StartWorkflowRequest is the body of POST /api/v1/workflows.
type StartWorkflowRequest struct {
	Prompt      string   `json:"prompt"`
	ProjectName string   `json:"project_name,omitempty"`
	Steps       int      `json:"steps,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// StartWorkflowResponse is returned with 202 Accepted.
type StartWorkflowResponse struct {
	WorkflowID string         `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
	Workflow   *WorkflowRun   `json:"workflow"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) startWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerFromContext(r.Context())

	if s.startLimiter != nil {
		if err := s.startLimiter.Allow(r.Context(), ownerID); err != nil {
			var limitErr *RateLimitError
			if errors.As(err, &limitErr) {
				w.Header().Set("Retry-After", "60")
				sendErrorResponse(w, limitErr.Error(), http.StatusTooManyRequests)
				return
			}
			log.Printf("Rate limiter failed for %s: %v", ownerID, err)
		}
	}

	var req StartWorkflowRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	run, err := s.engine.Start(r.Context(), ownerID, req.Prompt, StartOptions{
		Steps:       req.Steps,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		ProjectName: req.ProjectName,
	})
	switch {
	case errors.Is(err, ErrShuttingDown):
		sendErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, ErrEmptyPrompt), errors.Is(err, ErrInvalidOptions):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Printf("Failed to start workflow for %s: %v", ownerID, err)
		sendErrorResponse(w, "Failed to start workflow", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, StartWorkflowResponse{
		WorkflowID: run.ID,
		Status:     run.Status,
		Workflow:   run,
	})
}

func (s *Server) listWorkflowsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerFromContext(r.Context())

	runs, err := s.engine.List(r.Context(), ownerID)
	if err != nil {
		log.Printf("Failed to list workflows for %s: %v", ownerID, err)
		sendErrorResponse(w, "Failed to list workflows", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": runs,
		"count":     len(runs),
	})
}

func (s *Server) getWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := s.ownedRun(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.ownedRun(w, r, id); !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     s.engine.Cancel(r.Context(), id),
		"workflow_id": id,
	})
}

func (s *Server) archiveWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.ownedRun(w, r, id); !ok {
		return
	}

	location, err := s.engine.Archive(r.Context(), id)
	switch {
	case errors.Is(err, ErrArchiveDisabled):
		sendErrorResponse(w, err.Error(), http.StatusNotImplemented)
		return
	case errors.Is(err, ErrNotTerminal):
		sendErrorResponse(w, "Workflow is still running", http.StatusConflict)
		return
	case errors.Is(err, ErrWorkflowNotFound):
		sendErrorResponse(w, "Workflow not found", http.StatusNotFound)
		return
	case err != nil:
		log.Printf("Failed to archive workflow %s: %v", id, err)
		sendErrorResponse(w, "Failed to archive workflow", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"workflow_id": id,
		"location":    location,
	})
}

func (s *Server) providerStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.balancer == nil {
		sendErrorResponse(w, "Load balancer not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.balancer.Stats())
}

func (s *Server) usageHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerFromContext(r.Context())
	if s.usage == nil {
		writeJSON(w, http.StatusOK, &usage.Summary{OwnerID: ownerID, PerPair: []usage.PairSummary{}})
		return
	}

	summary, err := s.usage.Summary(r.Context(), ownerID)
	if err != nil {
		log.Printf("Failed to load usage for %s: %v", ownerID, err)
		sendErrorResponse(w, "Failed to load usage", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var healthy, total int
	if s.balancer != nil {
		stats := s.balancer.Stats()
		healthy, total = stats.Healthy, stats.Total
		if healthy < total {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           status,
		"service":          "mrprompt-orchestrator",
		"version":          ServiceVersion,
		"timestamp":        time.Now().UTC(),
		"healthy_pairs":    healthy,
		"total_pairs":      total,
		"active_workflows": s.engine.ActiveCount(),
	})
}

// ownedRun loads run id and checks it belongs to the caller. Runs of other
// owners are reported as not found.
func (s *Server) ownedRun(w http.ResponseWriter, r *http.Request, id string) (*WorkflowRun, bool) {
	ownerID, _ := OwnerFromContext(r.Context())

	run, err := s.engine.GetStatus(r.Context(), id)
	if errors.Is(err, ErrWorkflowNotFound) || (err == nil && run.OwnerID != ownerID) {
		sendErrorResponse(w, "Workflow not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		log.Printf("Failed to load workflow %s: %v", id, err)
		sendErrorResponse(w, "Failed to load workflow", http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, errorResponse{
		Success: false,
		Error:   message,
	})
}
