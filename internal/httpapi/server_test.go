package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceforge/voiceforge/internal/audio"
	"github.com/voiceforge/voiceforge/internal/config"
	"github.com/voiceforge/voiceforge/internal/engine"
	"github.com/voiceforge/voiceforge/internal/synth"
	"github.com/voiceforge/voiceforge/internal/tasks"
	"github.com/voiceforge/voiceforge/internal/voices"
)

type testEnv struct {
	ts  *httptest.Server
	eng *engine.MockEngine
}

func newTestServer(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		MaxTextLength:  2000,
		MaxUploadBytes: 50 << 20,
		OutputDir:      filepath.Join(dir, "outputs"),
	}

	eng := engine.NewMockEngine()
	store := voices.NewStore(filepath.Join(dir, "voices.json"), nil)
	require.NoError(t, store.Load())
	voiceReg := voices.NewRegistry(store, eng, nil, filepath.Join(dir, "voices"), voices.DefaultLimits(), nil)
	adapter := synth.NewAdapter(eng, nil, cfg.OutputDir, nil)
	taskReg := tasks.NewRegistry(voiceReg, adapter, nil)

	srv := New(cfg, eng, voiceReg, taskReg, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return testEnv{ts: ts, eng: eng}
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func uploadVoice(t *testing.T, baseURL, voiceID string, clip []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", voiceID+".wav")
	require.NoError(t, err)
	_, err = part.Write(clip)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("voice_id", voiceID))
	require.NoError(t, mw.WriteField("name", "Test Voice"))
	require.NoError(t, mw.WriteField("voice_type", "zero_shot"))
	require.NoError(t, mw.WriteField("prompt_text", "reference transcript"))
	require.NoError(t, mw.WriteField("language", "en"))
	require.NoError(t, mw.Close())

	res, err := http.Post(baseURL+"/api/v1/voices", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return res
}

func testClip(t *testing.T, seconds float64) []byte {
	t.Helper()
	pcm := make([]byte, int(seconds*22050)*2)
	data, err := audio.EncodeWAV(pcm, 22050)
	require.NoError(t, err)
	return data
}

func pollTask(t *testing.T, baseURL, taskID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := http.Get(baseURL + "/api/v1/synthesis/tasks/" + taskID)
		require.NoError(t, err)
		body := decodeBody(t, res)
		status, _ := body["status"].(string)
		if status == "completed" || status == "failed" {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return nil
}

func TestHealthAndReady(t *testing.T) {
	env := newTestServer(t)

	res, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res, err = http.Get(env.ts.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	env.eng.SetReady(false)
	res, err = http.Get(env.ts.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	res.Body.Close()
}

func TestSubmitPollAndFetchAudio(t *testing.T) {
	env := newTestServer(t)

	res := postJSON(t, env.ts.URL+"/api/v1/synthesis/tasks", map[string]any{
		"text":     "an end to end synthesis run through the full api",
		"voice_id": "narrator",
	})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	body := decodeBody(t, res)
	taskID, _ := body["task_id"].(string)
	require.True(t, strings.HasPrefix(taskID, "task_"))
	assert.Equal(t, "pending", body["status"])
	assert.InDelta(t, 5.0, body["estimated_time"].(float64), 0.001)

	final := pollTask(t, env.ts.URL, taskID)
	require.Equal(t, "completed", final["status"])
	assert.Equal(t, 1.0, final["progress"])
	assert.Equal(t, "synthesis completed", final["message"])
	startedAt, _ := final["started_at"].(string)
	require.NotEmpty(t, startedAt)
	_, err := time.Parse(time.RFC3339, startedAt)
	require.NoError(t, err)
	audioURL, _ := final["audio_url"].(string)
	require.NotEmpty(t, audioURL)

	audioRes, err := http.Get(env.ts.URL + audioURL)
	require.NoError(t, err)
	defer audioRes.Body.Close()
	require.Equal(t, http.StatusOK, audioRes.StatusCode)
	assert.Equal(t, "audio/wav", audioRes.Header.Get("Content-Type"))
	raw, err := io.ReadAll(audioRes.Body)
	require.NoError(t, err)
	info, err := audio.ProbeWAV(raw)
	require.NoError(t, err)
	assert.Greater(t, info.Duration, 0.0)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestServer(t)
	url := env.ts.URL + "/api/v1/synthesis/tasks"

	cases := []map[string]any{
		{"voice_id": "narrator"},
		{"text": "   ", "voice_id": "narrator"},
		{"text": "hello"},
		{"text": strings.Repeat("a", 2001), "voice_id": "narrator"},
		{"text": "hello", "voice_id": "narrator", "format": "ogg"},
		{"text": "hello", "voice_id": "narrator", "speed": 5.0},
		{"text": "hello", "voice_id": "narrator", "speed": 0.1},
	}
	for i, payload := range cases {
		res := postJSON(t, url, payload)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, "case %d", i)
		res.Body.Close()
	}
}

func TestSubmitWhileModelLoading(t *testing.T) {
	env := newTestServer(t)
	env.eng.SetReady(false)

	res := postJSON(t, env.ts.URL+"/api/v1/synthesis/tasks", map[string]any{
		"text":     "hello",
		"voice_id": "narrator",
	})
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	res.Body.Close()
}

func TestUnknownVoiceFailsTask(t *testing.T) {
	env := newTestServer(t)

	res := postJSON(t, env.ts.URL+"/api/v1/synthesis/tasks", map[string]any{
		"text":     "hello",
		"voice_id": "nobody_home",
	})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	body := decodeBody(t, res)

	final := pollTask(t, env.ts.URL, body["task_id"].(string))
	assert.Equal(t, "failed", final["status"])
	assert.Contains(t, final["error"], "not found")
}

func TestGetUnknownTask(t *testing.T) {
	env := newTestServer(t)
	res, err := http.Get(env.ts.URL + "/api/v1/synthesis/tasks/task_000000000000")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestCancelTerminalTaskRefused(t *testing.T) {
	env := newTestServer(t)

	res := postJSON(t, env.ts.URL+"/api/v1/synthesis/tasks", map[string]any{
		"text":     "short job",
		"voice_id": "narrator",
	})
	body := decodeBody(t, res)
	taskID := body["task_id"].(string)
	pollTask(t, env.ts.URL, taskID)

	req, err := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/v1/synthesis/tasks/"+taskID, nil)
	require.NoError(t, err)
	delRes, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, delRes.StatusCode)
	delRes.Body.Close()
}

func TestListTasks(t *testing.T) {
	env := newTestServer(t)

	for i := 0; i < 3; i++ {
		res := postJSON(t, env.ts.URL+"/api/v1/synthesis/tasks", map[string]any{
			"text":     fmt.Sprintf("listable job number %d", i),
			"voice_id": "narrator",
		})
		body := decodeBody(t, res)
		pollTask(t, env.ts.URL, body["task_id"].(string))
	}

	res, err := http.Get(env.ts.URL + "/api/v1/synthesis/tasks?status=completed")
	require.NoError(t, err)
	body := decodeBody(t, res)
	assert.Equal(t, float64(3), body["total"])
	assert.Len(t, body["tasks"], 3)
}

func TestVoiceLifecycleOverHTTP(t *testing.T) {
	env := newTestServer(t)

	res := uploadVoice(t, env.ts.URL, "studio_voice", testClip(t, 3.0))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	created := decodeBody(t, res)
	assert.Equal(t, "studio_voice", created["voice_id"])
	assert.InDelta(t, 3.0, created["duration"].(float64), 0.01)
	// Conditioning data must not leak through the API.
	_, leaked := created["model_data"]
	assert.False(t, leaked)

	// Duplicate id conflicts.
	res = uploadVoice(t, env.ts.URL, "studio_voice", testClip(t, 3.0))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()

	// Synthesize with the cloned voice.
	res = postJSON(t, env.ts.URL+"/api/v1/synthesis/tasks", map[string]any{
		"text":     "cloned voice speaking",
		"voice_id": "studio_voice",
	})
	body := decodeBody(t, res)
	final := pollTask(t, env.ts.URL, body["task_id"].(string))
	assert.Equal(t, "completed", final["status"])

	// Patch.
	patchBody, _ := json.Marshal(map[string]string{"name": "Renamed Voice"})
	req, err := http.NewRequest(http.MethodPatch, env.ts.URL+"/api/v1/voices/studio_voice", bytes.NewReader(patchBody))
	require.NoError(t, err)
	patchRes, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	patched := decodeBody(t, patchRes)
	assert.Equal(t, "Renamed Voice", patched["name"])

	// List and stats.
	res, err = http.Get(env.ts.URL + "/api/v1/voices?voice_type=zero_shot")
	require.NoError(t, err)
	listed := decodeBody(t, res)
	assert.Equal(t, float64(1), listed["total"])

	res, err = http.Get(env.ts.URL + "/api/v1/voices/stats")
	require.NoError(t, err)
	stats := decodeBody(t, res)
	assert.Equal(t, float64(1), stats["total_voices"])

	// Delete, then the voice is gone.
	req, err = http.NewRequest(http.MethodDelete, env.ts.URL+"/api/v1/voices/studio_voice", nil)
	require.NoError(t, err)
	delRes, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, delRes.StatusCode)
	delRes.Body.Close()

	res, err = http.Get(env.ts.URL + "/api/v1/voices/studio_voice")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestVoiceUploadRejectsShortClip(t *testing.T) {
	env := newTestServer(t)
	res := uploadVoice(t, env.ts.URL, "too_short", testClip(t, 0.2))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	body := decodeBody(t, res)
	assert.Contains(t, body["error"], "too short")
}

func TestAudioPathTraversalRejected(t *testing.T) {
	env := newTestServer(t)

	for _, name := range []string{"..%2Fvoices.json", "nested%2Ffile.wav", "output.txt"} {
		res, err := http.Get(env.ts.URL + "/api/v1/audio/" + name)
		require.NoError(t, err)
		assert.NotEqual(t, http.StatusOK, res.StatusCode, "filename %q", name)
		res.Body.Close()
	}

	res, err := http.Get(env.ts.URL + "/api/v1/audio/sft_00000000.wav")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestTaskEventStream(t *testing.T) {
	env := newTestServer(t)
	env.eng.SynthesisGate = make(chan struct{})

	res := postJSON(t, env.ts.URL+"/api/v1/synthesis/tasks", map[string]any{
		"text":     "watch this one over the socket",
		"voice_id": "narrator",
	})
	body := decodeBody(t, res)
	taskID := body["task_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/v1/synthesis/tasks/" + taskID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	close(env.eng.SynthesisGate)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no terminal event before deadline")
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var evt tasks.Event
		require.NoError(t, conn.ReadJSON(&evt))
		assert.Equal(t, taskID, evt.TaskID)
		if evt.Status.Terminal() {
			assert.Equal(t, tasks.StatusCompleted, evt.Status)
			assert.Equal(t, 1.0, evt.Progress)
			return
		}
	}
}

func TestTaskEventStreamAlreadyTerminal(t *testing.T) {
	env := newTestServer(t)

	res := postJSON(t, env.ts.URL+"/api/v1/synthesis/tasks", map[string]any{
		"text":     "finished before anyone watched",
		"voice_id": "narrator",
	})
	body := decodeBody(t, res)
	taskID := body["task_id"].(string)
	pollTask(t, env.ts.URL, taskID)

	// The snapshot is taken after subscribing, so a client connecting
	// late must still see the terminal state immediately.
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/v1/synthesis/tasks/" + taskID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt tasks.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, taskID, evt.TaskID)
	assert.Equal(t, tasks.StatusCompleted, evt.Status)
	assert.Equal(t, 1.0, evt.Progress)

	// The server closes the stream after a terminal snapshot.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.Error(t, conn.ReadJSON(&evt))
}

func TestTaskEventStreamUnknownTask(t *testing.T) {
	env := newTestServer(t)
	res, err := http.Get(env.ts.URL + "/api/v1/synthesis/tasks/task_ffffffffffff/ws")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}
