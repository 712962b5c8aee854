// Package synth normalizes the engine's inference entry points into one
// blocking call that produces a single audio file.
package synth

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voiceforge/voiceforge/internal/audio"
	"github.com/voiceforge/voiceforge/internal/engine"
	"github.com/voiceforge/voiceforge/internal/voices"
)

var (
	ErrNoAudio   = errors.New("no audio generated")
	ErrSynthesis = errors.New("synthesis failed")
)

// Mode names the inference call shape. Mode strings also prefix output
// filenames.
type Mode string

const (
	ModePretrained   Mode = "sft"
	ModeZeroShot     Mode = "zero_shot"
	ModeCrossLingual Mode = "cross_lingual"
	ModeInstruct     Mode = "instruct"
)

const (
	// Seeded before every call so identical inputs reproduce identical audio,
	// modulo whatever nondeterminism the model itself retains.
	fixedSeed = 1986

	defaultMaxChunks      = 200
	defaultSecondsPerChar = 0.09
	defaultSafetyFactor   = 3.0
)

// Request is one synthesis invocation. Stream is forwarded to the engine as
// a pacing hint; output always arrives as a complete file.
type Request struct {
	Text         string
	Voice        voices.Resolved
	InstructText string
	Format       voices.AudioFormat
	Speed        float64
	Stream       bool
}

type Result struct {
	Filename         string
	FilePath         string
	SampleRate       int
	DurationSeconds  float64
	SynthesisSeconds float64
	Mode             Mode
}

// Adapter drives the engine to completion for one request, concatenating its
// chunk stream into a buffer and writing the result to the output directory.
type Adapter struct {
	eng       engine.Engine
	converter audio.Converter
	outputDir string

	maxChunks      int
	secondsPerChar float64
	safetyFactor   float64

	log *zap.Logger
}

func NewAdapter(eng engine.Engine, converter audio.Converter, outputDir string, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		eng:            eng,
		converter:      converter,
		outputDir:      outputDir,
		maxChunks:      defaultMaxChunks,
		secondsPerChar: defaultSecondsPerChar,
		safetyFactor:   defaultSafetyFactor,
		log:            log,
	}
}

// SelectMode picks the inference entry point for a request from the engine's
// capability set. Pretrained voices use the direct speaker path; instruct
// text routes to the instruct entry point when supported; otherwise
// cross-lingual is preferred, falling back to zero-shot (possibly with an
// empty prompt) when the model lacks it.
func (a *Adapter) SelectMode(req Request) (Mode, error) {
	if req.Voice.Pretrained {
		return ModePretrained, nil
	}
	caps := a.eng.Capabilities()
	if req.InstructText != "" && caps.Instruct {
		return ModeInstruct, nil
	}
	if caps.CrossLingual {
		return ModeCrossLingual, nil
	}
	if caps.ZeroShot {
		return ModeZeroShot, nil
	}
	return "", fmt.Errorf("%w: model supports no cloning entry point", ErrSynthesis)
}

// Synthesize runs one full inference call and writes the audio file. It
// blocks for the duration of generation; callers run it off the request path.
func (a *Adapter) Synthesize(ctx context.Context, req Request) (Result, error) {
	if !a.eng.Ready() {
		return Result{}, engine.ErrModelNotReady
	}
	mode, err := a.SelectMode(req)
	if err != nil {
		return Result{}, err
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}
	opts := engine.Options{Speed: speed, Stream: req.Stream}

	a.eng.Seed(fixedSeed)
	start := time.Now()

	var stream engine.ChunkStream
	switch mode {
	case ModePretrained:
		stream, err = a.eng.SpeakPretrained(ctx, req.Text, req.Voice.VoiceID, opts)
	case ModeZeroShot:
		// Fallback path: the reference clip alone carries the voice, the
		// prompt transcript is deliberately left empty.
		stream, err = a.eng.SpeakZeroShot(ctx, req.Text, "", req.Voice.RefAudio, opts)
	case ModeCrossLingual:
		stream, err = a.eng.SpeakCrossLingual(ctx, req.Text, req.Voice.RefAudio, opts)
	case ModeInstruct:
		stream, err = a.eng.SpeakInstruct(ctx, req.Text, req.InstructText, req.Voice.RefAudio, opts)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	defer stream.Close()

	sampleRate := a.eng.SampleRate()
	pcm, err := a.drain(stream, req.Text, speed, sampleRate, mode)
	if err != nil {
		return Result{}, err
	}

	filename := fmt.Sprintf("%s_%s.%s", mode, shortSuffix(), req.Format)
	path := filepath.Join(a.outputDir, filename)
	if err := a.writeAudio(ctx, path, pcm, sampleRate, req.Format); err != nil {
		return Result{}, err
	}

	return Result{
		Filename:         filename,
		FilePath:         path,
		SampleRate:       sampleRate,
		DurationSeconds:  float64(len(pcm)/2) / float64(sampleRate),
		SynthesisSeconds: time.Since(start).Seconds(),
		Mode:             mode,
	}, nil
}

// drain consumes the chunk stream to completion, bounded by a hard chunk
// count and a sample budget derived from the expected duration of the text.
// Exceeding a bound keeps the audio produced so far rather than discarding it.
func (a *Adapter) drain(stream engine.ChunkStream, text string, speed float64, sampleRate int, mode Mode) ([]byte, error) {
	maxSamples := int(float64(len(text)) * a.secondsPerChar / speed * a.safetyFactor * float64(sampleRate))
	if maxSamples <= 0 {
		maxSamples = sampleRate * 5
	}

	var buf bytes.Buffer
	chunks := 0
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if buf.Len() == 0 {
				return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
			}
			// Mid-stream failure after usable audio: keep what we have.
			a.log.Warn("chunk stream failed mid-generation, keeping partial audio",
				zap.String("mode", string(mode)), zap.Int("chunks", chunks), zap.Error(err))
			break
		}
		buf.Write(chunk.PCM)
		chunks++
		if chunks >= a.maxChunks || buf.Len()/2 >= maxSamples {
			a.log.Warn("generation bound hit, truncating output",
				zap.String("mode", string(mode)),
				zap.Int("chunks", chunks),
				zap.Int("samples", buf.Len()/2),
				zap.Int("max_samples", maxSamples))
			break
		}
	}
	if buf.Len() == 0 {
		return nil, ErrNoAudio
	}
	return buf.Bytes(), nil
}

func (a *Adapter) writeAudio(ctx context.Context, path string, pcm []byte, sampleRate int, format voices.AudioFormat) error {
	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if format == voices.FormatWAV {
		if err := audio.WriteWAVFile(path, pcm, sampleRate); err != nil {
			return fmt.Errorf("write output audio: %w", err)
		}
		return nil
	}
	if a.converter == nil {
		return fmt.Errorf("%w: output format %s needs an audio converter (ffmpeg not configured)", ErrSynthesis, format)
	}
	wavData, err := audio.EncodeWAV(pcm, sampleRate)
	if err != nil {
		return err
	}
	encoded, err := a.converter.Convert(ctx, wavData, string(voices.FormatWAV), string(format))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("write output audio: %w", err)
	}
	return nil
}

func shortSuffix() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:8]
}
