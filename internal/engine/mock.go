package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"strings"
	"sync"
)

// MockEngine is an in-process stand-in for the neural model, used in tests
// and as the fallback backend when no model server is configured. Output is
// deterministic: a tone whose frequency derives from the input and the seed.
type MockEngine struct {
	mu       sync.Mutex
	speakers map[string][]byte
	seed     int64

	sampleRate   int
	capabilities Capabilities
	pretrained   []string
	notReady     bool

	// Test hooks.
	SynthesisErr       error
	ExtractErr         error
	ChunkOverride      int
	SynthesisGate      chan struct{}
	LastZeroShotPrompt string
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		speakers:   make(map[string][]byte),
		sampleRate: 22050,
		capabilities: Capabilities{
			ZeroShot:     true,
			CrossLingual: true,
			Instruct:     true,
		},
		pretrained: []string{"narrator", "bright_female", "deep_male"},
	}
}

// SetCapabilities narrows the advertised entry points, for exercising the
// adapter's fallback selection.
func (e *MockEngine) SetCapabilities(c Capabilities) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capabilities = c
}

func (e *MockEngine) SetReady(ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notReady = !ready
}

func (e *MockEngine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.notReady
}

func (e *MockEngine) SampleRate() int { return e.sampleRate }

func (e *MockEngine) Capabilities() Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capabilities
}

func (e *MockEngine) PretrainedSpeakers() []string {
	out := make([]string, len(e.pretrained))
	copy(out, e.pretrained)
	return out
}

func (e *MockEngine) RegisterSpeaker(voiceID string, conditioning []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speakers[voiceID] = conditioning
}

func (e *MockEngine) UnregisterSpeaker(voiceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.speakers, voiceID)
}

func (e *MockEngine) HasSpeaker(voiceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.speakers[voiceID]
	return ok
}

func (e *MockEngine) ExtractSpeakerEmbedding(_ context.Context, refAudio []byte, promptText string) ([]byte, error) {
	if e.ExtractErr != nil {
		return nil, e.ExtractErr
	}
	if !e.Ready() {
		return nil, ErrModelNotReady
	}
	h := fnv.New64a()
	h.Write(refAudio)
	h.Write([]byte(promptText))
	return []byte(fmt.Sprintf("mock-embedding-%016x", h.Sum64())), nil
}

func (e *MockEngine) Seed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seed = seed
}

func (e *MockEngine) SpeakPretrained(ctx context.Context, text, speakerID string, opts Options) (ChunkStream, error) {
	return e.speak(ctx, text, "sft:"+speakerID, opts)
}

func (e *MockEngine) SpeakZeroShot(ctx context.Context, text, promptText string, refAudio []byte, opts Options) (ChunkStream, error) {
	e.mu.Lock()
	e.LastZeroShotPrompt = promptText
	e.mu.Unlock()
	return e.speak(ctx, text, "zs:"+promptText+fmt.Sprint(len(refAudio)), opts)
}

func (e *MockEngine) SpeakCrossLingual(ctx context.Context, text string, refAudio []byte, opts Options) (ChunkStream, error) {
	return e.speak(ctx, text, "cl:"+fmt.Sprint(len(refAudio)), opts)
}

func (e *MockEngine) SpeakInstruct(ctx context.Context, text, instructText string, refAudio []byte, opts Options) (ChunkStream, error) {
	return e.speak(ctx, text, "instr:"+instructText, opts)
}

func (e *MockEngine) speak(_ context.Context, text, variant string, opts Options) (ChunkStream, error) {
	if e.SynthesisErr != nil {
		return nil, e.SynthesisErr
	}
	if !e.Ready() {
		return nil, ErrModelNotReady
	}
	if e.SynthesisGate != nil {
		<-e.SynthesisGate
	}

	e.mu.Lock()
	seed := e.seed
	e.mu.Unlock()

	speed := opts.Speed
	if speed <= 0 {
		speed = 1.0
	}

	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	chunks := words/4 + 1
	if e.ChunkOverride != 0 {
		// Negative means produce nothing at all.
		chunks = e.ChunkOverride
		if chunks < 0 {
			chunks = 0
		}
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	h.Write([]byte(variant))
	fmt.Fprintf(h, "%d", seed)
	freq := 180 + float64(h.Sum64()%260)

	// Each chunk approximates 200ms of speech at the requested speed.
	samplesPerChunk := int(float64(e.sampleRate) * 0.2 / speed)
	return &mockStream{
		remaining:  chunks,
		freq:       freq,
		sampleRate: e.sampleRate,
		samples:    samplesPerChunk,
	}, nil
}

type mockStream struct {
	remaining  int
	produced   int
	freq       float64
	sampleRate int
	samples    int
}

func (s *mockStream) Next() (Chunk, error) {
	if s.remaining <= 0 {
		return Chunk{}, io.EOF
	}
	s.remaining--

	pcm := make([]byte, s.samples*2)
	for i := 0; i < s.samples; i++ {
		n := s.produced*s.samples + i
		v := int16(6000 * math.Sin(2*math.Pi*s.freq*float64(n)/float64(s.sampleRate)))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	s.produced++
	return Chunk{PCM: pcm}, nil
}

func (s *mockStream) Close() error {
	s.remaining = 0
	return nil
}
