package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModelServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/capabilities", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"sample_rate":   24000,
			"zero_shot":     true,
			"cross_lingual": true,
			"instruct":      false,
			"speakers":      []string{"announcer"},
		})
	})
	mux.HandleFunc("/v1/embedding", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"conditioning_base64": base64.StdEncoding.EncodeToString([]byte("server-side-embedding")),
		})
	})
	mux.HandleFunc("/v1/synthesize", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req["mode"])

		enc := json.NewEncoder(w)
		for i := 0; i < 3; i++ {
			pcm := make([]byte, 400)
			enc.Encode(map[string]string{
				"pcm_base64": base64.StdEncoding.EncodeToString(pcm),
			})
		}
	})
	mux.HandleFunc("/v1/speakers/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteEngineCapabilities(t *testing.T) {
	srv := newModelServer(t)
	eng, err := NewRemoteEngine(srv.URL)
	require.NoError(t, err)

	assert.True(t, eng.Ready())
	assert.Equal(t, 24000, eng.SampleRate())
	caps := eng.Capabilities()
	assert.True(t, caps.ZeroShot)
	assert.True(t, caps.CrossLingual)
	assert.False(t, caps.Instruct)
	assert.Equal(t, []string{"announcer"}, eng.PretrainedSpeakers())
}

func TestRemoteEngineUnreachable(t *testing.T) {
	_, err := NewRemoteEngine("http://127.0.0.1:1")
	assert.Error(t, err)
}

func TestRemoteEngineSynthesisStream(t *testing.T) {
	srv := newModelServer(t)
	eng, err := NewRemoteEngine(srv.URL)
	require.NoError(t, err)

	stream, err := eng.SpeakZeroShot(context.Background(), "hello", "prompt", []byte("ref"), Options{Speed: 1})
	require.NoError(t, err)
	defer stream.Close()

	total := 0
	chunks := 0
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		total += len(chunk.PCM)
		chunks++
	}
	assert.Equal(t, 3, chunks)
	assert.Equal(t, 1200, total)
}

func TestRemoteEngineSynthesisLargeChunk(t *testing.T) {
	// A second-long chunk of 24kHz PCM16 is well past bufio.Scanner's
	// default token limit once base64-encoded onto a single line.
	const pcmBytes = 72000
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/capabilities", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"sample_rate": 24000,
			"zero_shot":   true,
		})
	})
	mux.HandleFunc("/v1/synthesize", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"pcm_base64": base64.StdEncoding.EncodeToString(make([]byte, pcmBytes)),
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	eng, err := NewRemoteEngine(srv.URL)
	require.NoError(t, err)

	stream, err := eng.SpeakZeroShot(context.Background(), "hello", "prompt", []byte("ref"), Options{Speed: 1})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next()
	require.NoError(t, err)
	assert.Len(t, chunk.PCM, pcmBytes)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestRemoteEngineEmbedding(t *testing.T) {
	srv := newModelServer(t)
	eng, err := NewRemoteEngine(srv.URL)
	require.NoError(t, err)

	emb, err := eng.ExtractSpeakerEmbedding(context.Background(), []byte("clip"), "transcript")
	require.NoError(t, err)
	assert.Equal(t, []byte("server-side-embedding"), emb)
}

func TestRemoteEngineSpeakerTable(t *testing.T) {
	srv := newModelServer(t)
	eng, err := NewRemoteEngine(srv.URL)
	require.NoError(t, err)

	assert.False(t, eng.HasSpeaker("v1"))
	eng.RegisterSpeaker("v1", []byte("cond"))
	assert.True(t, eng.HasSpeaker("v1"))
	eng.UnregisterSpeaker("v1")
	assert.False(t, eng.HasSpeaker("v1"))
}

func TestMockEngineDeterminism(t *testing.T) {
	eng := NewMockEngine()
	eng.Seed(42)

	read := func() []byte {
		stream, err := eng.SpeakCrossLingual(context.Background(), "same text", []byte("same ref"), Options{Speed: 1})
		require.NoError(t, err)
		defer stream.Close()
		var out []byte
		for {
			chunk, err := stream.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			out = append(out, chunk.PCM...)
		}
		return out
	}

	first := read()
	second := read()
	assert.Equal(t, first, second)

	eng.Seed(43)
	third := read()
	assert.NotEqual(t, fmt.Sprintf("%x", first[:64]), fmt.Sprintf("%x", third[:64]))
}
