package voices

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("voice not found")
	ErrExists   = errors.New("voice already exists")
	ErrAudio    = errors.New("audio processing failed")
	ErrInvalid  = errors.New("invalid voice spec")
)

type VoiceType string

const (
	TypePretrained   VoiceType = "pretrained"
	TypeZeroShot     VoiceType = "zero_shot"
	TypeCrossLingual VoiceType = "cross_lingual"
	TypeInstruct     VoiceType = "instruct"
)

func (t VoiceType) Valid() bool {
	switch t {
	case TypePretrained, TypeZeroShot, TypeCrossLingual, TypeInstruct:
		return true
	default:
		return false
	}
}

// Cloned reports whether the type derives from a reference clip and therefore
// needs a transcript and a speaker embedding.
func (t VoiceType) Cloned() bool {
	return t == TypeZeroShot || t == TypeCrossLingual
}

type AudioFormat string

const (
	FormatWAV  AudioFormat = "wav"
	FormatMP3  AudioFormat = "mp3"
	FormatFLAC AudioFormat = "flac"
)

func (f AudioFormat) Valid() bool {
	switch f {
	case FormatWAV, FormatMP3, FormatFLAC:
		return true
	default:
		return false
	}
}

// Record is the durable description of one cached voice. The store owns
// these; the engine's speaker table holds only a derived copy of the
// conditioning blob.
type Record struct {
	VoiceID         string      `json:"voice_id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	VoiceType       VoiceType   `json:"voice_type"`
	Language        string      `json:"language,omitempty"`
	PromptText      string      `json:"prompt_text,omitempty"`
	AudioFilePath   string      `json:"audio_file_path,omitempty"`
	AudioFormat     AudioFormat `json:"audio_format"`
	FileSizeBytes   int64       `json:"file_size,omitempty"`
	DurationSeconds float64     `json:"duration,omitempty"`
	SampleRate      int         `json:"sample_rate,omitempty"`
	Conditioning    []byte      `json:"model_data,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	IsActive        bool        `json:"is_active"`
}

func (r Record) Clone() Record {
	out := r
	if r.Conditioning != nil {
		out.Conditioning = make([]byte, len(r.Conditioning))
		copy(out.Conditioning, r.Conditioning)
	}
	return out
}

// UpdatePatch carries the mutable fields of a record. Identity fields
// (voice_id, voice_type, prompt_text, audio) cannot change after creation.
type UpdatePatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Language    *string `json:"language,omitempty"`
}

type ListFilter struct {
	VoiceType VoiceType
	Language  string
	Page      int
	PageSize  int
}

type Stats struct {
	TotalVoices       int               `json:"total_voices"`
	ByType            map[VoiceType]int `json:"by_type"`
	ByLanguage        map[string]int    `json:"by_language"`
	TotalStorageBytes int64             `json:"total_storage_bytes"`
	AverageDuration   float64           `json:"average_duration,omitempty"`
}

// ValidVoiceID restricts identifiers to alphanumerics, underscore and hyphen.
func ValidVoiceID(id string) bool {
	if id == "" {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
