// Package llm streams completions from the language model endpoints Parley
// can talk to.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/parley/internal/models"
	"go.uber.org/zap"
)

// Request is one completion request.
type Request struct {
	Text         string               `json:"text"`
	History      []models.HistoryItem `json:"history"`
	SystemPrompt string               `json:"systemPrompt"`
}

// DeltaFunc receives each streamed text increment. Returning an error stops
// the stream and the error is returned from Stream.
type DeltaFunc func(delta string) error

// Completer streams a completion for a request.
type Completer interface {
	Stream(ctx context.Context, req Request, fn DeltaFunc) error
}

// StatusError is returned when the endpoint answers with a failure status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("completion failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("completion failed with status %d: %s", e.StatusCode, e.Message)
}

// ErrUnknownProvider is returned by New for an unsupported provider name.
var ErrUnknownProvider = errors.New("unknown llm provider")

// Provider names accepted by New.
const (
	ProviderBackend = "backend"
	ProviderOpenAI  = "openai"
	ProviderOllama  = "ollama"
)

// Config selects and configures a provider.
type Config struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"-"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// New builds the Completer named by cfg.Provider.
func New(cfg Config, logger *zap.Logger) (Completer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderBackend:
		return NewBackendClient(cfg.BaseURL, logger), nil
	case ProviderOpenAI:
		return NewOpenAIClient(cfg, logger), nil
	case ProviderOllama:
		return NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// chatMessages flattens a request into role/content pairs, system prompt
// first and the new user text last.
func chatMessages(req Request) []models.HistoryItem {
	msgs := make([]models.HistoryItem, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, models.HistoryItem{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, models.HistoryItem{Role: models.RoleUser, Content: req.Text})
	return msgs
}
