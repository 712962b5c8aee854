// Package engine defines the contract with the external neural TTS model.
// The model is an opaque collaborator: it extracts speaker conditioning data
// from reference audio and turns text into a stream of PCM chunks. Everything
// above this package treats it as a black box.
package engine

import (
	"context"
	"errors"
)

var ErrModelNotReady = errors.New("model not ready")

// Capabilities reports which inference entry points the loaded model supports.
// Resolved once at load time; callers select an entry point from these rather
// than probing at call time.
type Capabilities struct {
	ZeroShot     bool
	CrossLingual bool
	Instruct     bool
}

// Chunk is one incrementally produced slice of synthesized audio:
// PCM16LE mono at the engine's sample rate.
type Chunk struct {
	PCM []byte
}

// ChunkStream yields synthesized audio chunks in generation order.
// Next returns io.EOF when generation is complete.
type ChunkStream interface {
	Next() (Chunk, error)
	Close() error
}

// Options carries per-call synthesis knobs. Stream only affects how the model
// paces generation internally; output always arrives through the ChunkStream.
type Options struct {
	Speed  float64
	Stream bool
}

// Engine is the inference-side surface the service depends on.
//
// The speaker table (RegisterSpeaker/UnregisterSpeaker) holds a derived,
// non-owning projection of cached voices: voice_id -> opaque conditioning
// blob. The voice store owns the durable copy.
type Engine interface {
	Ready() bool
	SampleRate() int
	Capabilities() Capabilities

	// PretrainedSpeakers lists the model's built-in speaker identifiers.
	PretrainedSpeakers() []string

	RegisterSpeaker(voiceID string, conditioning []byte)
	UnregisterSpeaker(voiceID string)
	HasSpeaker(voiceID string) bool

	// ExtractSpeakerEmbedding computes conditioning data for a reference
	// clip and its transcript. The returned blob is opaque to the caller.
	ExtractSpeakerEmbedding(ctx context.Context, refAudio []byte, promptText string) ([]byte, error)

	// Seed fixes the model's random generator so repeated calls with
	// identical inputs are reproducible.
	Seed(seed int64)

	SpeakPretrained(ctx context.Context, text, speakerID string, opts Options) (ChunkStream, error)
	SpeakZeroShot(ctx context.Context, text, promptText string, refAudio []byte, opts Options) (ChunkStream, error)
	SpeakCrossLingual(ctx context.Context, text string, refAudio []byte, opts Options) (ChunkStream, error)
	SpeakInstruct(ctx context.Context, text, instructText string, refAudio []byte, opts Options) (ChunkStream, error)
}
