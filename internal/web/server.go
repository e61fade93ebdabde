// Package web implements the admin HTTP API: rule CRUD, manual rule
// execution, capability discovery, and a websocket event stream.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/weftd/weft/internal/buildinfo"
	"github.com/weftd/weft/internal/engine"
	"github.com/weftd/weft/internal/plugin"
	"github.com/weftd/weft/internal/rule"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// writeError sends a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logger.Debug("failed to write error response", "error", err)
	}
}

// Server is the admin API server.
type Server struct {
	address  string
	port     int
	rules    *rule.Store
	proc     *engine.Processor
	registry *plugin.Registry
	hub      *Hub
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates the admin server. The hub doubles as the engine
// event sink feeding /ws/events.
func NewServer(address string, port int, rules *rule.Store, proc *engine.Processor, registry *plugin.Registry, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		rules:    rules,
		proc:     proc,
		registry: registry,
		hub:      hub,
		logger:   logger,
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long for the websocket stream
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting admin server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Handler builds the route table. Exposed separately so tests can
// drive it through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/capabilities", s.handleCapabilities)

	mux.HandleFunc("GET /api/rules", s.handleRuleList)
	mux.HandleFunc("POST /api/rules", s.handleRuleCreate)
	mux.HandleFunc("GET /api/rules/{id}", s.handleRuleGet)
	mux.HandleFunc("PUT /api/rules/{id}", s.handleRuleUpdate)
	mux.HandleFunc("DELETE /api/rules/{id}", s.handleRuleDelete)
	mux.HandleFunc("POST /api/rules/{id}/evaluate", s.handleRuleEvaluate)
	mux.HandleFunc("POST /api/rules/{id}/force", s.handleRuleForce)

	mux.HandleFunc("GET /ws/events", s.hub.handleWS)

	return mux
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.Capabilities(), s.logger)
}

// createRuleRequest is the POST /api/rules payload.
type createRuleRequest struct {
	UserID   string          `json:"user_id"`
	Name     string          `json:"name"`
	Active   *bool           `json:"active,omitempty"`
	Trigger  rule.Descriptor `json:"trigger"`
	Reaction rule.Descriptor `json:"reaction"`
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), s.logger)
		return
	}
	if req.UserID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "user_id and name are required", s.logger)
		return
	}
	if req.Trigger.Provider == "" || req.Trigger.Name == "" || req.Reaction.Provider == "" || req.Reaction.Name == "" {
		writeError(w, http.StatusBadRequest, "trigger and reaction need provider and name", s.logger)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	// A rule may reference capabilities that are not registered yet;
	// it stays inert until the provider appears. Flag likely typos.
	if _, ok := s.registry.Condition(plugin.Key{Provider: req.Trigger.Provider, Name: req.Trigger.Name}); !ok {
		s.logger.Warn("rule created with unregistered trigger",
			"trigger", req.Trigger.Provider+"/"+req.Trigger.Name,
		)
	}

	rl := &rule.Rule{
		ID:       rule.NewID(),
		UserID:   req.UserID,
		Name:     req.Name,
		Active:   active,
		Trigger:  req.Trigger,
		Reaction: req.Reaction,
	}
	if err := s.rules.Create(rl); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(rl); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	if rules == nil {
		rules = []*rule.Rule{}
	}
	writeJSON(w, rules, s.logger)
}

func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	rl, err := s.rules.Get(r.PathValue("id"))
	if err != nil {
		s.ruleError(w, err)
		return
	}
	writeJSON(w, rl, s.logger)
}

// updateRuleRequest carries the mutable rule fields. Provider/name
// pairs are fixed at creation; only the label, the active flag, and
// the parameter bags may change.
type updateRuleRequest struct {
	Name           *string         `json:"name,omitempty"`
	Active         *bool           `json:"active,omitempty"`
	TriggerParams  *map[string]any `json:"trigger_params,omitempty"`
	ReactionParams *map[string]any `json:"reaction_params,omitempty"`
}

func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	rl, err := s.rules.Get(r.PathValue("id"))
	if err != nil {
		s.ruleError(w, err)
		return
	}

	var req updateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), s.logger)
		return
	}

	if req.Name != nil {
		rl.Name = *req.Name
	}
	if req.Active != nil {
		rl.Active = *req.Active
	}
	if req.TriggerParams != nil {
		rl.Trigger.Params = *req.TriggerParams
	}
	if req.ReactionParams != nil {
		rl.Reaction.Params = *req.ReactionParams
	}

	if err := s.rules.Update(rl); err != nil {
		s.ruleError(w, err)
		return
	}
	writeJSON(w, rl, s.logger)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Delete(r.PathValue("id")); err != nil {
		s.ruleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleEvaluate(w http.ResponseWriter, r *http.Request) {
	triggered, err := s.proc.EvaluateAndReact(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found", s.logger)
			return
		}
		writeJSON(w, map[string]any{"triggered": triggered, "error": err.Error()}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"triggered": triggered}, s.logger)
}

func (s *Server) handleRuleForce(w http.ResponseWriter, r *http.Request) {
	triggered, err := s.proc.ForceReact(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found", s.logger)
			return
		}
		writeJSON(w, map[string]any{"triggered": triggered, "error": err.Error()}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"triggered": triggered}, s.logger)
}

func (s *Server) ruleError(w http.ResponseWriter, err error) {
	if errors.Is(err, rule.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule not found", s.logger)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
}
