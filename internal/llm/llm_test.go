package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fentz26/parley/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, c Completer, req Request) (string, error) {
	t.Helper()
	var b strings.Builder
	err := c.Stream(context.Background(), req, func(delta string) error {
		b.WriteString(delta)
		return nil
	})
	return b.String(), err
}

func TestBackendClient_Streams(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/completion", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/plain")
		flusher := w.(http.Flusher)
		for _, part := range []string{"Hello", " there.", " 你好"} {
			fmt.Fprint(w, part)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewBackendClient(srv.URL, nil)
	text, err := collect(t, c, Request{
		Text:         "hi",
		History:      []models.HistoryItem{{Role: models.RoleUser, Content: "earlier"}},
		SystemPrompt: "be brief",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there. 你好", text)
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, "be brief", got.SystemPrompt)
	assert.Len(t, got.History, 1)
}

func TestBackendClient_SendsEmptyHistoryArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.Equal(t, "[]", string(raw["history"]))
	}))
	defer srv.Close()

	_, err := collect(t, NewBackendClient(srv.URL, nil), Request{Text: "hi"})
	require.NoError(t, err)
}

func TestBackendClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"model offline"}`)
	}))
	defer srv.Close()

	_, err := collect(t, NewBackendClient(srv.URL, nil), Request{Text: "hi"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "model offline", se.Message)
}

func TestBackendClient_JSONErrorWithOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"error":"Failed to get response from LLM"}`)
	}))
	defer srv.Close()

	_, err := collect(t, NewBackendClient(srv.URL, nil), Request{Text: "hi"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Failed to get response from LLM", se.Message)
}

func TestBackendClient_JSONReplyLimits(t *testing.T) {
	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `"%s"`, strings.Repeat("a", maxJSONReply))
	}))
	defer big.Close()

	_, err := collect(t, NewBackendClient(big.URL, nil), Request{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")

	short := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "100")
		fmt.Fprint(w, `{"err`)
	}))
	defer short.Close()

	_, err = collect(t, NewBackendClient(short.URL, nil), Request{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read completion reply")
}

func TestBackendClient_CallbackStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "one two three")
	}))
	defer srv.Close()

	stop := errors.New("stop")
	err := NewBackendClient(srv.URL, nil).Stream(context.Background(), Request{Text: "hi"}, func(string) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
}

func TestCompletePrefix(t *testing.T) {
	data := []byte("ab你")
	assert.Equal(t, len(data), completePrefix(data))
	assert.Equal(t, 2, completePrefix(data[:3]))
	assert.Equal(t, 2, completePrefix(data[:4]))
	assert.Equal(t, 0, completePrefix(nil))
}

func TestOpenAIClient_Streams(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Stream bool `json:"stream"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hello", " there."} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{BaseURL: srv.URL + "/v1", Model: "test-model", APIKey: "k"}, nil)
	text, err := collect(t, c, Request{Text: "hi", SystemPrompt: "sys"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", text)
	assert.Equal(t, "test-model", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
}

func TestOpenAIClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{BaseURL: srv.URL + "/v1", APIKey: "k"}, nil)
	_, err := collect(t, c, Request{Text: "hi"})
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestOllamaClient_Streams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, part := range []string{"Hello", " there."} {
			fmt.Fprintf(w, "{\"model\":\"m\",\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", part)
		}
		fmt.Fprint(w, "{\"model\":\"m\",\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}\n")
	}))
	defer srv.Close()

	c, err := NewOllamaClient(Config{BaseURL: srv.URL, Model: "m"}, nil)
	require.NoError(t, err)
	text, err := collect(t, c, Request{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", text)
}

func TestNew_Providers(t *testing.T) {
	c, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &BackendClient{}, c)

	c, err = New(Config{Provider: "openai"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	c, err = New(Config{Provider: "ollama"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, c)

	_, err = New(Config{Provider: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestChatMessages(t *testing.T) {
	msgs := chatMessages(Request{
		Text:    "now",
		History: []models.HistoryItem{{Role: models.RoleUser, Content: "a"}, {Role: models.RoleAssistant, Content: "b"}},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "now", msgs[2].Content)
}
