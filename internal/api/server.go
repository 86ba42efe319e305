package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sopline/internal/ingest"
	"github.com/MikeSquared-Agency/sopline/internal/pipeline"
	"github.com/MikeSquared-Agency/sopline/internal/sop"
	"github.com/MikeSquared-Agency/sopline/internal/store"
)

// Pipeline is the set of controller operations the API exposes.
type Pipeline interface {
	Ingest(ctx context.Context, n ingest.Narrative) (*sop.SOP, error)
	Audit(ctx context.Context, sopID uuid.UUID) (*sop.WasteAudit, error)
	Decompose(ctx context.Context, sopID uuid.UUID) (*sop.AgentSpecification, error)
	ComposePrompts(ctx context.Context, agentSpecID uuid.UUID) (*sop.PromptSet, error)
	Run(ctx context.Context, sopID uuid.UUID) (*pipeline.Bundle, error)
	Finalize(ctx context.Context, sopID uuid.UUID) (*sop.SOP, error)
	Reset(ctx context.Context, sopID uuid.UUID, to sop.Status) (*sop.SOP, error)

	GetSOP(ctx context.Context, id uuid.UUID) (*sop.SOP, error)
	GetWasteAudit(ctx context.Context, sopID uuid.UUID) (*sop.WasteAudit, error)
	GetAgentSpec(ctx context.Context, sopID uuid.UUID) (*sop.AgentSpecification, error)
	GetPromptSet(ctx context.Context, agentSpecID uuid.UUID) (*sop.PromptSet, error)
	Bundle(ctx context.Context, sopID uuid.UUID) (*pipeline.Bundle, error)
}

type Server struct {
	router   *chi.Mux
	pipeline Pipeline
	logger   *slog.Logger
	srv      *http.Server
}

func NewServer(port int, apiToken string, p Pipeline, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		pipeline: p,
		logger:   logger,
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))

		r.Post("/sops", s.createSOP)
		r.Route("/sops/{id}", func(r chi.Router) {
			r.Get("/", s.getSOP)
			r.Get("/bundle", s.getBundle)
			r.Post("/audit", s.audit)
			r.Get("/audit", s.getAudit)
			r.Post("/decompose", s.decompose)
			r.Get("/spec", s.getSpec)
			r.Post("/run", s.run)
			r.Post("/finalize", s.finalize)
			r.Post("/reset", s.reset)
		})
		r.Post("/specs/{id}/prompts", s.composePrompts)
		r.Get("/specs/{id}/prompts", s.getPrompts)
	})

	return s
}

func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// BearerAuthMiddleware rejects requests without the configured token. An
// empty token disables authentication.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createSOP(w http.ResponseWriter, r *http.Request) {
	var n ingest.Narrative
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	created, err := s.pipeline.Ingest(r.Context(), n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": created.Status, "sop": created})
}

func (s *Server) getSOP(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	got, err := s.pipeline.GetSOP(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) getBundle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := s.pipeline.Bundle(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.pipeline.Audit(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStage(w, r, id, "waste_audit", a)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.pipeline.GetWasteAudit(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) decompose(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	spec, err := s.pipeline.Decompose(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStage(w, r, id, "agent_specification", spec)
}

func (s *Server) getSpec(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	spec, err := s.pipeline.GetAgentSpec(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) composePrompts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ps, err := s.pipeline.ComposePrompts(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStage(w, r, ps.SOPID, "prompt_set", ps)
}

func (s *Server) getPrompts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ps, err := s.pipeline.GetPromptSet(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := s.pipeline.Run(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	got, err := s.pipeline.Finalize(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": got.Status, "sop": got})
}

type resetRequest struct {
	Status string `json:"status"`
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	got, err := s.pipeline.Reset(r.Context(), id, sop.Status(req.Status))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": got.Status, "sop": got})
}

// writeStage responds with the artifact a stage produced and the SOP status
// after the stage.
func (s *Server) writeStage(w http.ResponseWriter, r *http.Request, sopID uuid.UUID, key string, artifact any) {
	body := map[string]any{key: artifact}
	if got, err := s.pipeline.GetSOP(r.Context(), sopID); err == nil {
		body["status"] = got.Status
	} else {
		s.logger.Warn("failed to read status after stage", "sop_id", sopID, "error", err)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// StatusCode maps the error taxonomy to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sop.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, sop.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, sop.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
