package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Model server endpoints.
const (
	pathCapabilities = "/v1/capabilities"
	pathEmbedding    = "/v1/embedding"
	pathSynthesize   = "/v1/synthesize"
	pathSpeakers     = "/v1/speakers/"
)

const remoteLoadTimeout = 30 * time.Second

// RemoteEngine talks to a standalone model server over HTTP. Capabilities and
// the sample rate are fetched once at construction; synthesis responses are
// newline-delimited JSON chunks streamed directly into a ChunkStream.
type RemoteEngine struct {
	baseURL    string
	httpClient *http.Client

	sampleRate   int
	capabilities Capabilities
	pretrained   []string

	mu       sync.Mutex
	speakers map[string][]byte
	seed     int64
	ready    bool
}

type capabilitiesResponse struct {
	SampleRate   int      `json:"sample_rate"`
	ZeroShot     bool     `json:"zero_shot"`
	CrossLingual bool     `json:"cross_lingual"`
	Instruct     bool     `json:"instruct"`
	Speakers     []string `json:"speakers"`
}

type synthesizeRequest struct {
	Mode         string  `json:"mode"`
	Text         string  `json:"text"`
	PromptText   string  `json:"prompt_text,omitempty"`
	InstructText string  `json:"instruct_text,omitempty"`
	SpeakerID    string  `json:"speaker_id,omitempty"`
	AudioBase64  string  `json:"audio_base64,omitempty"`
	Speed        float64 `json:"speed"`
	Stream       bool    `json:"stream"`
	Seed         int64   `json:"seed"`
}

type chunkLine struct {
	PCMBase64 string `json:"pcm_base64"`
	Error     string `json:"error,omitempty"`
}

// NewRemoteEngine connects to the model server and resolves its capability
// set. A server that cannot report capabilities is treated as not loaded.
func NewRemoteEngine(baseURL string) (*RemoteEngine, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid model server url %q", baseURL)
	}
	e := &RemoteEngine{
		baseURL: baseURL,
		// No overall client timeout: synthesis responses stream for the
		// full duration of inference. Individual calls bound themselves
		// through their contexts.
		httpClient: &http.Client{},
		speakers:   make(map[string][]byte),
	}

	ctx, cancel := context.WithTimeout(context.Background(), remoteLoadTimeout)
	defer cancel()
	if err := e.loadCapabilities(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *RemoteEngine) loadCapabilities(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+pathCapabilities, nil)
	if err != nil {
		return err
	}
	res, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model server unreachable: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("model server capabilities: status %d", res.StatusCode)
	}
	var caps capabilitiesResponse
	if err := json.NewDecoder(res.Body).Decode(&caps); err != nil {
		return fmt.Errorf("model server capabilities: %w", err)
	}
	if caps.SampleRate <= 0 {
		return fmt.Errorf("model server reported sample rate %d", caps.SampleRate)
	}

	e.sampleRate = caps.SampleRate
	e.capabilities = Capabilities{
		ZeroShot:     caps.ZeroShot,
		CrossLingual: caps.CrossLingual,
		Instruct:     caps.Instruct,
	}
	e.pretrained = caps.Speakers
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
	return nil
}

func (e *RemoteEngine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *RemoteEngine) SampleRate() int            { return e.sampleRate }
func (e *RemoteEngine) Capabilities() Capabilities { return e.capabilities }

func (e *RemoteEngine) PretrainedSpeakers() []string {
	out := make([]string, len(e.pretrained))
	copy(out, e.pretrained)
	return out
}

func (e *RemoteEngine) RegisterSpeaker(voiceID string, conditioning []byte) {
	e.mu.Lock()
	e.speakers[voiceID] = conditioning
	e.mu.Unlock()

	// Best-effort push to the server's speaker table; the local copy is the
	// source for HasSpeaker so a failed push only costs the server-side cache.
	body, _ := json.Marshal(map[string]string{
		"conditioning_base64": base64.StdEncoding.EncodeToString(conditioning),
	})
	req, err := http.NewRequest(http.MethodPut, e.baseURL+pathSpeakers+url.PathEscape(voiceID), bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if res, err := e.httpClient.Do(req); err == nil {
		res.Body.Close()
	}
}

func (e *RemoteEngine) UnregisterSpeaker(voiceID string) {
	e.mu.Lock()
	delete(e.speakers, voiceID)
	e.mu.Unlock()

	req, err := http.NewRequest(http.MethodDelete, e.baseURL+pathSpeakers+url.PathEscape(voiceID), nil)
	if err != nil {
		return
	}
	if res, err := e.httpClient.Do(req); err == nil {
		res.Body.Close()
	}
}

func (e *RemoteEngine) HasSpeaker(voiceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.speakers[voiceID]
	return ok
}

func (e *RemoteEngine) ExtractSpeakerEmbedding(ctx context.Context, refAudio []byte, promptText string) ([]byte, error) {
	if !e.Ready() {
		return nil, ErrModelNotReady
	}
	body, err := json.Marshal(map[string]string{
		"prompt_text":  promptText,
		"audio_base64": base64.StdEncoding.EncodeToString(refAudio),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+pathEmbedding, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("embedding request: status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	}
	var parsed struct {
		ConditioningBase64 string `json:"conditioning_base64"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding response: %w", err)
	}
	blob, err := base64.StdEncoding.DecodeString(parsed.ConditioningBase64)
	if err != nil {
		return nil, fmt.Errorf("embedding response: %w", err)
	}
	return blob, nil
}

func (e *RemoteEngine) Seed(seed int64) {
	e.mu.Lock()
	e.seed = seed
	e.mu.Unlock()
}

func (e *RemoteEngine) SpeakPretrained(ctx context.Context, text, speakerID string, opts Options) (ChunkStream, error) {
	return e.synthesize(ctx, synthesizeRequest{Mode: "sft", Text: text, SpeakerID: speakerID}, opts)
}

func (e *RemoteEngine) SpeakZeroShot(ctx context.Context, text, promptText string, refAudio []byte, opts Options) (ChunkStream, error) {
	return e.synthesize(ctx, synthesizeRequest{
		Mode:        "zero_shot",
		Text:        text,
		PromptText:  promptText,
		AudioBase64: base64.StdEncoding.EncodeToString(refAudio),
	}, opts)
}

func (e *RemoteEngine) SpeakCrossLingual(ctx context.Context, text string, refAudio []byte, opts Options) (ChunkStream, error) {
	return e.synthesize(ctx, synthesizeRequest{
		Mode:        "cross_lingual",
		Text:        text,
		AudioBase64: base64.StdEncoding.EncodeToString(refAudio),
	}, opts)
}

func (e *RemoteEngine) SpeakInstruct(ctx context.Context, text, instructText string, refAudio []byte, opts Options) (ChunkStream, error) {
	return e.synthesize(ctx, synthesizeRequest{
		Mode:         "instruct",
		Text:         text,
		InstructText: instructText,
		AudioBase64:  base64.StdEncoding.EncodeToString(refAudio),
	}, opts)
}

func (e *RemoteEngine) synthesize(ctx context.Context, sreq synthesizeRequest, opts Options) (ChunkStream, error) {
	if !e.Ready() {
		return nil, ErrModelNotReady
	}
	e.mu.Lock()
	sreq.Seed = e.seed
	e.mu.Unlock()
	sreq.Speed = opts.Speed
	sreq.Stream = opts.Stream

	body, err := json.Marshal(sreq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+pathSynthesize, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	res, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize request: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		res.Body.Close()
		return nil, fmt.Errorf("synthesize request: status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	}
	scanner := bufio.NewScanner(res.Body)
	// A second of 24kHz PCM16 is ~64KB of base64 on one line, so the
	// default scanner token limit is too small for real chunks.
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	return &remoteStream{body: res.Body, scanner: scanner}, nil
}

type remoteStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *remoteStream) Next() (Chunk, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed chunkLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return Chunk{}, fmt.Errorf("malformed chunk: %w", err)
		}
		if parsed.Error != "" {
			return Chunk{}, fmt.Errorf("model error: %s", parsed.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(parsed.PCMBase64)
		if err != nil {
			return Chunk{}, fmt.Errorf("malformed chunk: %w", err)
		}
		return Chunk{PCM: pcm}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, err
	}
	return Chunk{}, io.EOF
}

func (s *remoteStream) Close() error {
	return s.body.Close()
}
