// Package scheduler runs the TTS and playback stage workers.
package scheduler

import (
	"fmt"
	"time"
)

// Config defines the stage worker configuration.
type Config struct {
	// PollInterval is how often idle workers look for work without a wake-up.
	PollInterval time.Duration `yaml:"poll_interval"`
	// TTSWorkers is the number of concurrent synthesis jobs. More than one
	// lets later units finish synthesis before earlier ones.
	TTSWorkers int `yaml:"tts_workers"`
	// JobTimeout bounds a single synthesis or playback job. Zero disables it.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns the default stage worker configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 500 * time.Millisecond,
		TTSWorkers:   1,
		JobTimeout:   2 * time.Minute,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.TTSWorkers < 1 {
		return fmt.Errorf("tts_workers must be at least 1")
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("job_timeout must not be negative")
	}
	return nil
}
