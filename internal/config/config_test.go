package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, "voiceforge", cfg.MetricsNamespace)
	assert.Equal(t, 2000, cfg.MaxTextLength)
	assert.Equal(t, 0.5, cfg.MinClipSeconds)
	assert.Equal(t, 30.0, cfg.MaxClipSeconds)
	assert.Equal(t, int64(50<<20), cfg.MaxUploadBytes)
	assert.Equal(t, 24*time.Hour, cfg.TaskRetention)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.CallbackTimeout)
	assert.Empty(t, cfg.ModelServerURL)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("MODEL_SERVER_URL", " http://model:8188 ")
	t.Setenv("MAX_TEXT_LENGTH", "500")
	t.Setenv("TASK_RETENTION", "2h")
	t.Setenv("MIN_CLIP_SECONDS", "1.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.BindAddr)
	assert.Equal(t, "http://model:8188", cfg.ModelServerURL)
	assert.Equal(t, 500, cfg.MaxTextLength)
	assert.Equal(t, 2*time.Hour, cfg.TaskRetention)
	assert.Equal(t, 1.5, cfg.MinClipSeconds)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("TASK_RETENTION", "sometimes")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsInvertedClipLimits(t *testing.T) {
	t.Setenv("MIN_CLIP_SECONDS", "40")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveTextLimit(t *testing.T) {
	t.Setenv("MAX_TEXT_LENGTH", "0")
	_, err := Load()
	assert.Error(t, err)
}
