package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// DefaultOllamaURL is the local Ollama server address.
const DefaultOllamaURL = "http://127.0.0.1:11434"

// OllamaClient streams chat replies from an Ollama server.
type OllamaClient struct {
	client  *api.Client
	model   string
	options map[string]any
	logger  *zap.Logger
}

// NewOllamaClient creates a client for cfg.BaseURL.
func NewOllamaClient(cfg Config, logger *zap.Logger) (*OllamaClient, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultOllamaURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	options := map[string]any{}
	if cfg.Temperature > 0 {
		options["temperature"] = cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		options["num_predict"] = cfg.MaxTokens
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.2"
	}

	return &OllamaClient{
		client:  api.NewClient(u, &http.Client{}),
		model:   model,
		options: options,
		logger:  logger,
	}, nil
}

// Stream implements Completer.
func (c *OllamaClient) Stream(ctx context.Context, req Request, fn DeltaFunc) error {
	msgs := chatMessages(req)
	messages := make([]api.Message, len(msgs))
	for i, m := range msgs {
		messages[i] = api.Message{Role: string(m.Role), Content: m.Content}
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options:  c.options,
	}

	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Content == "" {
			return nil
		}
		return fn(resp.Message.Content)
	})
	if err == nil {
		return nil
	}

	var se api.StatusError
	if errors.As(err, &se) {
		return &StatusError{StatusCode: se.StatusCode, Message: se.ErrorMessage}
	}
	return fmt.Errorf("ollama chat: %w", err)
}
