package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/parley/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, 30, cfg.Generation.HistoryWindow)
	assert.Equal(t, 0.3, cfg.Voice.Threshold)
	assert.Equal(t, 20, cfg.Pipeline.MaxRetainFinished)

	stages, err := cfg.Stages()
	require.NoError(t, err)
	assert.Equal(t, models.AllStages, stages)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Listen, cfg.Listen)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen: 127.0.0.1:9999
playback: none
llm:
  provider: ollama
  model: llama3.2
tts:
  timeout: 5s
pipeline:
  max_retain_finished: 3
  stages: [llm, audio]
scheduler:
  poll_interval: 250ms
  tts_workers: 2
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.Equal(t, PlaybackNone, cfg.Playback)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, 5*time.Second, cfg.TTS.Timeout)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetainFinished)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 2, cfg.Scheduler.TTSWorkers)
	// Unset keys keep their defaults.
	assert.Equal(t, 30, cfg.Generation.HistoryWindow)

	stages, err := cfg.Stages()
	require.NoError(t, err)
	assert.Equal(t, []models.Stage{models.StageLLM, models.StageAudio}, stages)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("playback: speakers\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("listen: [\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PARLEY_LISTEN":          "0.0.0.0:1",
		"PARLEY_LLM_PROVIDER":    "openai",
		"OPENAI_API_KEY":         "sk-test",
		"PARLEY_TTS_WORKERS":     "3",
		"PARLEY_VOICE_THRESHOLD": "0.5",
		"PARLEY_STAGES":          "llm, tts",
		"PARLEY_LOG_DEVELOPMENT": "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "0.0.0.0:1", cfg.Listen)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 3, cfg.Scheduler.TTSWorkers)
	assert.Equal(t, 0.5, cfg.Voice.Threshold)
	assert.Equal(t, []string{"llm", "tts"}, cfg.Pipeline.Stages)
	assert.True(t, cfg.Log.Development)

	env["PARLEY_LLM_API_KEY"] = "own-key"
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "own-key", cfg.LLM.APIKey)

	env["PARLEY_TTS_WORKERS"] = "many"
	assert.Error(t, cfg.ApplyEnv(lookup))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PARLEY_LLM_MODEL=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PARLEY_LLM_MODEL") })

	cfg, err := Load("", envFile, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.LLM.Model)
}

func TestValidateStages(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Stages = []string{"llm", "video"}
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.Listen = "127.0.0.1:8123"
	cfg.LLM.APIKey = "secret"
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8123", loaded.Listen)
}
