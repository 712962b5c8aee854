package httpapi

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voiceforge/voiceforge/internal/voices"
)

// voiceView is the wire projection of a record. The conditioning blob never
// leaves the service.
type voiceView struct {
	VoiceID         string  `json:"voice_id"`
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	VoiceType       string  `json:"voice_type"`
	Language        string  `json:"language,omitempty"`
	PromptText      string  `json:"prompt_text,omitempty"`
	AudioFormat     string  `json:"audio_format"`
	FileSizeBytes   int64   `json:"file_size"`
	DurationSeconds float64 `json:"duration"`
	SampleRate      int     `json:"sample_rate"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	IsActive        bool    `json:"is_active"`
}

func voiceViewOf(rec voices.Record) voiceView {
	return voiceView{
		VoiceID:         rec.VoiceID,
		Name:            rec.Name,
		Description:     rec.Description,
		VoiceType:       string(rec.VoiceType),
		Language:        rec.Language,
		PromptText:      rec.PromptText,
		AudioFormat:     string(rec.AudioFormat),
		FileSizeBytes:   rec.FileSizeBytes,
		DurationSeconds: rec.DurationSeconds,
		SampleRate:      rec.SampleRate,
		CreatedAt:       rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       rec.UpdatedAt.Format(time.RFC3339),
		IsActive:        rec.IsActive,
	}
}

// handleCreateVoice accepts a multipart form with the reference clip in the
// "audio" part and the remaining fields as form values.
func (s *Server) handleCreateVoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio file part is required")
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "could not read audio upload")
		return
	}

	format := strings.ToLower(strings.TrimSpace(r.FormValue("audio_format")))
	if format == "" {
		// Fall back to the upload's extension.
		if idx := strings.LastIndex(header.Filename, "."); idx >= 0 {
			format = strings.ToLower(header.Filename[idx+1:])
		}
	}

	spec := voices.CreateSpec{
		VoiceID:     strings.TrimSpace(r.FormValue("voice_id")),
		Name:        strings.TrimSpace(r.FormValue("name")),
		Description: strings.TrimSpace(r.FormValue("description")),
		VoiceType:   voices.VoiceType(strings.TrimSpace(r.FormValue("voice_type"))),
		Language:    strings.TrimSpace(r.FormValue("language")),
		PromptText:  strings.TrimSpace(r.FormValue("prompt_text")),
		AudioFormat: voices.AudioFormat(format),
	}

	rec, err := s.voices.AddVoice(r.Context(), spec, audioData)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, voiceViewOf(rec))
}

func (s *Server) handleGetVoice(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.voices.GetVoice(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "voice not found")
		return
	}
	respondJSON(w, http.StatusOK, voiceViewOf(rec))
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := voices.ListFilter{
		VoiceType: voices.VoiceType(strings.TrimSpace(q.Get("voice_type"))),
		Language:  strings.TrimSpace(q.Get("language")),
		Page:      intQuery(r, "page", 1),
		PageSize:  intQuery(r, "page_size", 50),
	}
	listed, total := s.voices.ListVoices(filter)
	views := make([]voiceView, 0, len(listed))
	for _, rec := range listed {
		views = append(views, voiceViewOf(rec))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"voices": views,
		"total":  total,
		"page":   filter.Page,
	})
}

func (s *Server) handleUpdateVoice(w http.ResponseWriter, r *http.Request) {
	var patch voices.UpdatePatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec, err := s.voices.UpdateVoice(chi.URLParam(r, "id"), patch)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, voiceViewOf(rec))
}

func (s *Server) handleDeleteVoice(w http.ResponseWriter, r *http.Request) {
	existed, err := s.voices.DeleteVoice(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if !existed {
		respondError(w, http.StatusNotFound, "not_found", "voice not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleVoiceStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.voices.Stats()
	s.metrics.SetVoiceCount(stats.TotalVoices)
	respondJSON(w, http.StatusOK, stats)
}
