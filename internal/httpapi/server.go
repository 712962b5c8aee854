// Package httpapi exposes the synthesis service over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voiceforge/voiceforge/internal/config"
	"github.com/voiceforge/voiceforge/internal/engine"
	"github.com/voiceforge/voiceforge/internal/observability"
	"github.com/voiceforge/voiceforge/internal/synth"
	"github.com/voiceforge/voiceforge/internal/tasks"
	"github.com/voiceforge/voiceforge/internal/voices"
)

type Server struct {
	cfg      config.Config
	eng      engine.Engine
	voices   *voices.Registry
	tasks    *tasks.Registry
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func New(cfg config.Config, eng engine.Engine, voiceReg *voices.Registry, taskReg *tasks.Registry, metrics *observability.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		eng:     eng,
		voices:  voiceReg,
		tasks:   taskReg,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Progress streams carry no sensitive state; origin checks
				// would only break non-browser pollers.
				return true
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		s.metrics.Handler().ServeHTTP(w, req)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/synthesis/tasks", s.handleSubmitTask)
		r.Get("/synthesis/tasks", s.handleListTasks)
		r.Get("/synthesis/tasks/{id}", s.handleGetTask)
		r.Delete("/synthesis/tasks/{id}", s.handleCancelTask)
		r.Get("/synthesis/tasks/{id}/ws", s.handleTaskEvents)

		r.Post("/voices", s.handleCreateVoice)
		r.Get("/voices", s.handleListVoices)
		r.Get("/voices/stats", s.handleVoiceStats)
		r.Get("/voices/{id}", s.handleGetVoice)
		r.Patch("/voices/{id}", s.handleUpdateVoice)
		r.Delete("/voices/{id}", s.handleDeleteVoice)

		r.Get("/audio/{filename}", s.handleServeAudio)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.eng.Ready() {
		respondError(w, http.StatusServiceUnavailable, "model_not_ready", "model is still loading")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"sample_rate": s.eng.SampleRate(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps the service's sentinel errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, voices.ErrNotFound), errors.Is(err, tasks.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, voices.ErrExists):
		respondError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, voices.ErrInvalid):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, voices.ErrAudio):
		respondError(w, http.StatusUnprocessableEntity, "audio_error", err.Error())
	case errors.Is(err, engine.ErrModelNotReady):
		respondError(w, http.StatusServiceUnavailable, "model_not_ready", err.Error())
	case errors.Is(err, tasks.ErrNotCancelable):
		respondError(w, http.StatusBadRequest, "not_cancelable", err.Error())
	case errors.Is(err, synth.ErrNoAudio), errors.Is(err, synth.ErrSynthesis):
		respondError(w, http.StatusInternalServerError, "synthesis_failed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
