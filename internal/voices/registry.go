package voices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voiceforge/voiceforge/internal/audio"
	"github.com/voiceforge/voiceforge/internal/engine"
)

// Limits bound the reference clips accepted for cloning.
type Limits struct {
	MinClipSeconds float64
	MaxClipSeconds float64
	MaxUploadBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		MinClipSeconds: 0.5,
		MaxClipSeconds: 30,
		MaxUploadBytes: 50 << 20,
	}
}

// CreateSpec is the caller-supplied part of a new voice.
type CreateSpec struct {
	VoiceID     string
	Name        string
	Description string
	VoiceType   VoiceType
	Language    string
	PromptText  string
	AudioFormat AudioFormat
}

// Resolved is what the synthesis path needs to speak with a voice: either a
// pretrained speaker id or the cached reference clip plus its transcript.
type Resolved struct {
	VoiceID    string
	Pretrained bool
	PromptText string
	RefAudio   []byte
	Record     Record
}

// Registry enforces the domain rules around voices and keeps the engine's
// speaker table consistent with the store.
type Registry struct {
	store     *Store
	eng       engine.Engine
	converter audio.Converter
	voiceDir  string
	limits    Limits
	log       *zap.Logger
}

func NewRegistry(store *Store, eng engine.Engine, converter audio.Converter, voiceDir string, limits Limits, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if limits.MinClipSeconds <= 0 {
		limits.MinClipSeconds = DefaultLimits().MinClipSeconds
	}
	if limits.MaxClipSeconds <= 0 {
		limits.MaxClipSeconds = DefaultLimits().MaxClipSeconds
	}
	if limits.MaxUploadBytes <= 0 {
		limits.MaxUploadBytes = DefaultLimits().MaxUploadBytes
	}
	return &Registry{
		store:     store,
		eng:       eng,
		converter: converter,
		voiceDir:  voiceDir,
		limits:    limits,
		log:       log,
	}
}

// AddVoice validates and persists a new voice: save the reference audio,
// probe it, extract conditioning data for cloneable types, write the record,
// and publish the conditioning blob to the engine's speaker table. Any
// failure after the audio file is written rolls the file back best-effort.
func (r *Registry) AddVoice(ctx context.Context, spec CreateSpec, audioData []byte) (Record, error) {
	if err := r.validateSpec(spec); err != nil {
		return Record{}, err
	}
	if len(audioData) == 0 {
		return Record{}, fmt.Errorf("%w: empty audio upload", ErrAudio)
	}
	if int64(len(audioData)) > r.limits.MaxUploadBytes {
		return Record{}, fmt.Errorf("%w: upload of %d bytes exceeds limit of %d", ErrAudio, len(audioData), r.limits.MaxUploadBytes)
	}
	if r.store.Exists(spec.VoiceID) {
		return Record{}, fmt.Errorf("%w: %q", ErrExists, spec.VoiceID)
	}
	if spec.VoiceType.Cloned() && !r.eng.Ready() {
		return Record{}, engine.ErrModelNotReady
	}

	wavData, err := r.asWAV(ctx, audioData, spec.AudioFormat)
	if err != nil {
		return Record{}, err
	}
	info, err := audio.ProbeWAV(wavData)
	if err != nil {
		return Record{}, fmt.Errorf("%w: invalid or corrupt audio: %v", ErrAudio, err)
	}
	if info.Duration < r.limits.MinClipSeconds {
		return Record{}, fmt.Errorf("%w: clip too short (%.2fs, minimum %.1fs)", ErrAudio, info.Duration, r.limits.MinClipSeconds)
	}
	if info.Duration > r.limits.MaxClipSeconds {
		return Record{}, fmt.Errorf("%w: clip too long (%.2fs, maximum %.0fs)", ErrAudio, info.Duration, r.limits.MaxClipSeconds)
	}

	if err := os.MkdirAll(r.voiceDir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create voice dir: %w", err)
	}
	audioPath := filepath.Join(r.voiceDir, spec.VoiceID+"."+string(spec.AudioFormat))
	if err := os.WriteFile(audioPath, audioData, 0o644); err != nil {
		return Record{}, fmt.Errorf("save voice audio: %w", err)
	}

	var conditioning []byte
	if spec.VoiceType.Cloned() {
		conditioning, err = r.eng.ExtractSpeakerEmbedding(ctx, wavData, spec.PromptText)
		if err != nil {
			r.removeFile(audioPath)
			return Record{}, fmt.Errorf("extract speaker embedding: %w", err)
		}
	}

	now := time.Now().UTC()
	rec := Record{
		VoiceID:         spec.VoiceID,
		Name:            spec.Name,
		Description:     spec.Description,
		VoiceType:       spec.VoiceType,
		Language:        spec.Language,
		PromptText:      spec.PromptText,
		AudioFilePath:   audioPath,
		AudioFormat:     spec.AudioFormat,
		FileSizeBytes:   int64(len(audioData)),
		DurationSeconds: info.Duration,
		SampleRate:      info.SampleRate,
		Conditioning:    conditioning,
		CreatedAt:       now,
		UpdatedAt:       now,
		IsActive:        true,
	}
	if err := r.store.Put(rec); err != nil {
		r.removeFile(audioPath)
		return Record{}, err
	}
	if conditioning != nil {
		r.eng.RegisterSpeaker(spec.VoiceID, conditioning)
	}

	r.log.Info("voice added",
		zap.String("voice_id", spec.VoiceID),
		zap.String("voice_type", string(spec.VoiceType)),
		zap.Float64("duration_s", info.Duration))
	return rec, nil
}

// UpdateVoice changes mutable fields only. Audio and conditioning data are
// untouched.
func (r *Registry) UpdateVoice(voiceID string, patch UpdatePatch) (Record, error) {
	return r.store.Update(voiceID, patch)
}

// DeleteVoice removes the voice from the engine's speaker table first, then
// from the store, then deletes the audio file best-effort. Reports whether a
// record existed.
func (r *Registry) DeleteVoice(voiceID string) (bool, error) {
	if r.eng.HasSpeaker(voiceID) {
		r.eng.UnregisterSpeaker(voiceID)
	}
	rec, existed, err := r.store.Remove(voiceID)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if rec.AudioFilePath != "" {
		r.removeFile(rec.AudioFilePath)
	}
	r.log.Info("voice deleted", zap.String("voice_id", voiceID))
	return true, nil
}

func (r *Registry) GetVoice(voiceID string) (Record, bool) {
	return r.store.Get(voiceID)
}

func (r *Registry) ListVoices(filter ListFilter) ([]Record, int) {
	return r.store.List(filter)
}

func (r *Registry) Stats() Stats {
	return r.store.Stats()
}

// ResolveForSynthesis maps a voice id to something the engine can speak with:
// a built-in speaker id, or the cached reference clip and its transcript.
func (r *Registry) ResolveForSynthesis(ctx context.Context, voiceID string) (Resolved, error) {
	for _, id := range r.eng.PretrainedSpeakers() {
		if id == voiceID {
			return Resolved{VoiceID: voiceID, Pretrained: true}, nil
		}
	}

	rec, ok := r.store.Get(voiceID)
	if !ok {
		return Resolved{}, fmt.Errorf("%w: %q", ErrNotFound, voiceID)
	}
	refAudio, err := os.ReadFile(rec.AudioFilePath)
	if err != nil {
		return Resolved{}, fmt.Errorf("read reference audio for %q: %w", voiceID, err)
	}
	wavData, err := r.asWAV(ctx, refAudio, rec.AudioFormat)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{
		VoiceID:    voiceID,
		PromptText: rec.PromptText,
		RefAudio:   wavData,
		Record:     rec,
	}, nil
}

// LoadCachedVoices republishes stored conditioning blobs into the engine's
// speaker table. Called once at startup after the store loads.
func (r *Registry) LoadCachedVoices() int {
	loaded := 0
	for _, rec := range r.store.All() {
		if !rec.VoiceType.Cloned() || rec.Conditioning == nil {
			continue
		}
		r.eng.RegisterSpeaker(rec.VoiceID, rec.Conditioning)
		loaded++
	}
	if loaded > 0 {
		r.log.Info("cached voices loaded into engine", zap.Int("count", loaded))
	}
	return loaded
}

func (r *Registry) validateSpec(spec CreateSpec) error {
	if !ValidVoiceID(spec.VoiceID) {
		return fmt.Errorf("%w: voice_id must be non-empty alphanumeric/underscore/hyphen", ErrInvalid)
	}
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !spec.VoiceType.Valid() {
		return fmt.Errorf("%w: unknown voice_type %q", ErrInvalid, spec.VoiceType)
	}
	if !spec.AudioFormat.Valid() {
		return fmt.Errorf("%w: unknown audio_format %q", ErrInvalid, spec.AudioFormat)
	}
	if spec.VoiceType.Cloned() && strings.TrimSpace(spec.PromptText) == "" {
		return fmt.Errorf("%w: prompt_text is required for %s voices", ErrInvalid, spec.VoiceType)
	}
	return nil
}

func (r *Registry) asWAV(ctx context.Context, data []byte, format AudioFormat) ([]byte, error) {
	if format == FormatWAV {
		return data, nil
	}
	if r.converter == nil {
		return nil, fmt.Errorf("%w: %s uploads need an audio converter (ffmpeg not configured)", ErrAudio, format)
	}
	out, err := r.converter.Convert(ctx, data, string(format), string(FormatWAV))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAudio, err)
	}
	return out, nil
}

func (r *Registry) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.log.Warn("failed to remove audio file", zap.String("path", path), zap.Error(err))
	}
}
