// Package config loads the Parley daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/parley/internal/llm"
	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/scheduler"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultListen is the control plane address.
const DefaultListen = "127.0.0.1:7477"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PARLEY_"

// Playback modes.
const (
	PlaybackWebSocket = "ws"
	PlaybackExec      = "exec"
	PlaybackNone      = "none"
)

// Config holds the daemon configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	DBPath      string `yaml:"db_path"`
	ArtifactDir string `yaml:"artifact_dir"`
	// Playback selects where synthesized audio goes: "ws" hands it to
	// /ws/playback clients, "exec" runs PlayerCommand, "none" marks it
	// played immediately.
	Playback      string `yaml:"playback"`
	PlayerCommand string `yaml:"player_command"`

	LLM        llm.Config       `yaml:"llm"`
	TTS        TTSConfig        `yaml:"tts"`
	Voice      VoiceConfig      `yaml:"voice"`
	Generation GenerationConfig `yaml:"generation"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Scheduler  scheduler.Config `yaml:"scheduler"`
	Log        LogConfig        `yaml:"log"`
}

// TTSConfig configures the speech synthesis service.
type TTSConfig struct {
	// BaseURL of the TTS service. Empty disables the in-process TTS worker;
	// external workers can still use /work/tts.
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// VoiceConfig configures the voice activity channel.
type VoiceConfig struct {
	// URL of the voice WebSocket. Empty disables the listener; events can
	// still be posted to /events.
	URL       string  `yaml:"url"`
	Threshold float64 `yaml:"threshold"`
}

// GenerationConfig configures the generation session.
type GenerationConfig struct {
	HistoryWindow int    `yaml:"history_window"`
	Instructions  string `yaml:"instructions"`
	MemoryLimit   int    `yaml:"memory_limit"`
	// Autostart starts the session loop with the daemon.
	Autostart bool `yaml:"autostart"`
}

// PipelineConfig configures the task store.
type PipelineConfig struct {
	MaxRetainFinished int           `yaml:"max_retain_finished"`
	PruneInterval     time.Duration `yaml:"prune_interval"`
	// Stages lists the stages that must acknowledge an interruption.
	Stages []string `yaml:"stages"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Dir returns the Parley home directory, ~/.parley.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".parley")
}

// Default returns the default configuration.
func Default() *Config {
	dir := Dir()
	return &Config{
		Listen:        DefaultListen,
		DBPath:        filepath.Join(dir, "parley.db"),
		ArtifactDir:   filepath.Join(dir, "artifacts"),
		Playback:      PlaybackWebSocket,
		PlayerCommand: "ffplay",
		LLM: llm.Config{
			Provider: llm.ProviderBackend,
			BaseURL:  llm.DefaultBackendURL,
		},
		TTS: TTSConfig{
			BaseURL: "http://127.0.0.1:8000",
			Timeout: 60 * time.Second,
		},
		Voice: VoiceConfig{
			Threshold: 0.3,
		},
		Generation: GenerationConfig{
			HistoryWindow: 30,
			MemoryLimit:   5,
			Autostart:     true,
		},
		Pipeline: PipelineConfig{
			MaxRetainFinished: 20,
			PruneInterval:     30 * time.Second,
			Stages:            []string{"llm", "tts", "audio"},
		},
		Scheduler: *scheduler.DefaultConfig(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// Variables from envFiles are loaded first without replacing variables
// already set. A missing config or env file is not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading env file %s: %w", f, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromHome loads ~/.parley/config.yaml with ./.env and ~/.parley/.env.
func LoadFromHome() (*Config, error) {
	dir := Dir()
	return Load(filepath.Join(dir, "config.yaml"), ".env", filepath.Join(dir, ".env"))
}

// Save writes cfg as YAML, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ApplyEnv overlays PARLEY_* variables read through lookup. The API key
// falls back to OPENAI_API_KEY.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	str("DB_PATH", &c.DBPath)
	str("ARTIFACT_DIR", &c.ArtifactDir)
	str("PLAYBACK", &c.Playback)
	str("PLAYER_COMMAND", &c.PlayerCommand)
	str("LLM_PROVIDER", &c.LLM.Provider)
	str("LLM_URL", &c.LLM.BaseURL)
	str("LLM_MODEL", &c.LLM.Model)
	str("TTS_URL", &c.TTS.BaseURL)
	str("VOICE_URL", &c.Voice.URL)
	str("INSTRUCTIONS", &c.Generation.Instructions)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup(EnvPrefix + "LLM_API_KEY"); ok && v != "" {
		c.LLM.APIKey = v
	} else if v, ok := lookup("OPENAI_API_KEY"); ok && v != "" {
		c.LLM.APIKey = v
	}

	if v, ok := lookup(EnvPrefix + "TTS_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sTTS_WORKERS: %w", EnvPrefix, err)
		}
		c.Scheduler.TTSWorkers = n
	}
	if v, ok := lookup(EnvPrefix + "VOICE_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sVOICE_THRESHOLD: %w", EnvPrefix, err)
		}
		c.Voice.Threshold = f
	}
	if v, ok := lookup(EnvPrefix + "STAGES"); ok && v != "" {
		c.Pipeline.Stages = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "LOG_DEVELOPMENT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_DEVELOPMENT: %w", EnvPrefix, err)
		}
		c.Log.Development = b
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Playback {
	case PlaybackWebSocket, PlaybackNone:
	case PlaybackExec:
		if strings.TrimSpace(c.PlayerCommand) == "" {
			return fmt.Errorf("player_command is required for exec playback")
		}
	default:
		return fmt.Errorf("invalid playback %q, must be: ws, exec, or none", c.Playback)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "", llm.ProviderBackend, llm.ProviderOpenAI, llm.ProviderOllama:
	default:
		return fmt.Errorf("invalid llm provider %q, must be: backend, openai, or ollama", c.LLM.Provider)
	}
	if c.Voice.Threshold <= 0 || c.Voice.Threshold > 1 {
		return fmt.Errorf("voice threshold must be in (0, 1]")
	}
	if c.Generation.HistoryWindow < 0 {
		return fmt.Errorf("history_window must not be negative")
	}
	if c.Pipeline.MaxRetainFinished < 0 {
		return fmt.Errorf("max_retain_finished must not be negative")
	}
	if _, err := c.Stages(); err != nil {
		return err
	}
	return c.Scheduler.Validate()
}

// Stages parses Pipeline.Stages.
func (c *Config) Stages() ([]models.Stage, error) {
	stages := make([]models.Stage, 0, len(c.Pipeline.Stages))
	for _, name := range c.Pipeline.Stages {
		st, ok := models.ParseStage(strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("unknown stage %q, must be: llm, tts, or audio", name)
		}
		stages = append(stages, st)
	}
	return stages, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
