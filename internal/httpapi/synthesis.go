package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/voiceforge/voiceforge/internal/tasks"
	"github.com/voiceforge/voiceforge/internal/voices"
)

type submitResponse struct {
	TaskID        string  `json:"task_id"`
	Status        string  `json:"status"`
	EstimatedTime float64 `json:"estimated_time"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	if len(req.Text) > s.cfg.MaxTextLength {
		respondError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("text exceeds the %d character limit", s.cfg.MaxTextLength))
		return
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "voice_id is required")
		return
	}
	if req.Format != "" && !voices.AudioFormat(req.Format).Valid() {
		respondError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("unknown format %q", req.Format))
		return
	}
	if req.Speed != 0 && (req.Speed < 0.5 || req.Speed > 2.0) {
		respondError(w, http.StatusBadRequest, "invalid_request", "speed must be between 0.5 and 2.0")
		return
	}
	if !s.eng.Ready() {
		respondError(w, http.StatusServiceUnavailable, "model_not_ready", "model is still loading")
		return
	}

	task := s.tasks.Submit(req)
	respondJSON(w, http.StatusAccepted, submitResponse{
		TaskID:        task.ID,
		Status:        string(task.Status),
		EstimatedTime: task.EstimatedTime,
	})
}

type taskView struct {
	TaskID        string        `json:"task_id"`
	Status        string        `json:"status"`
	Progress      float64       `json:"progress"`
	Message       string        `json:"message,omitempty"`
	VoiceID       string        `json:"voice_id"`
	Result        *tasks.Result `json:"result,omitempty"`
	AudioURL      string        `json:"audio_url,omitempty"`
	Error         string        `json:"error,omitempty"`
	EstimatedTime float64       `json:"estimated_time"`
	CreatedAt     string        `json:"created_at"`
	StartedAt     string        `json:"started_at,omitempty"`
	CompletedAt   string        `json:"completed_at,omitempty"`
}

func viewOf(t *tasks.Task) taskView {
	v := taskView{
		TaskID:        t.ID,
		Status:        string(t.Status),
		Progress:      t.Progress,
		Message:       t.Message,
		VoiceID:       t.Request.VoiceID,
		Result:        t.Result,
		Error:         t.Error,
		EstimatedTime: t.EstimatedTime,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
	}
	if t.Result != nil {
		v.AudioURL = "/api/v1/audio/" + t.Result.Filename
	}
	if !t.StartedAt.IsZero() {
		v.StartedAt = t.StartedAt.Format(time.RFC3339)
	}
	if !t.CompletedAt.IsZero() {
		v.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := tasks.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	page := intQuery(r, "page", 1)
	pageSize := intQuery(r, "page_size", 50)

	listed, total := s.tasks.List(status, page, pageSize)
	views := make([]taskView, 0, len(listed))
	for _, t := range listed {
		views = append(views, viewOf(t))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": views,
		"total": total,
		"page":  page,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(task))
}

var audioContentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
}

// handleServeAudio serves generated files by bare filename. Anything that
// could escape the output directory is refused outright.
func (s *Server) handleServeAudio(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	if filename == "" || filename != filepath.Base(filename) || strings.Contains(filename, "..") {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid filename")
		return
	}
	ctype, ok := audioContentTypes[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "unsupported audio extension")
		return
	}

	path := filepath.Join(s.cfg.OutputDir, filename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			respondError(w, http.StatusNotFound, "not_found", "audio file not found")
			return
		}
		s.log.Error("audio file open failed", zap.String("path", path), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "could not read audio file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "could not stat audio file")
		return
	}
	w.Header().Set("Content-Type", ctype)
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
