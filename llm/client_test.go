package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/dtseval/llm"
	_ "github.com/c360studio/dtseval/llm/providers" // Register providers
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatResponse(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1677652288,
		"model":   "test-model",
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 8,
			"total_tokens":      18,
		},
	}
}

func fastRetry() llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1,
		MaxBackoff:        time.Millisecond,
	}
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])
		assert.Equal(t, 0.0, body["temperature"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse("Hello!"))
	}))
	defer server.Close()

	client, err := llm.NewClient(llm.Endpoint{Provider: "openai", URL: server.URL, Model: "test-model", APIKey: "secret"})
	require.NoError(t, err)

	temp := 0.0
	resp, err := client.Complete(context.Background(), llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)
}

func TestClient_Complete_RetryOnTransientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(chatResponse("third time"))
	}))
	defer server.Close()

	client, err := llm.NewClient(llm.Endpoint{Provider: "ollama", URL: server.URL, Model: "m"},
		llm.WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "third time", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Complete_NoRetryOnFatalError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := llm.NewClient(llm.Endpoint{Provider: "ollama", URL: server.URL, Model: "m"},
		llm.WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Complete_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := llm.NewClient(llm.Endpoint{Provider: "ollama", URL: server.URL, Model: "m"},
		llm.WithRetryConfig(llm.RetryConfig{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffMultiplier: 1}),
		llm.WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClient_Complete_RequiresMessages(t *testing.T) {
	client, err := llm.NewClient(llm.Endpoint{Provider: "ollama", Model: "m"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.Request{})
	assert.Error(t, err)
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := llm.NewClient(llm.Endpoint{Provider: "nope", Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "nope"`)
	assert.Contains(t, err.Error(), "anthropic, ollama, openai")
}

// namedProvider only answers Name.
type namedProvider struct {
	llm.Provider
	name string
}

func (p namedProvider) Name() string { return p.name }

func TestRegisterProvider_Duplicate(t *testing.T) {
	assert.Panics(t, func() { llm.RegisterProvider(namedProvider{name: "ollama"}) })

	p, err := llm.LookupProvider("ollama")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := llm.RetryConfig{BackoffBase: time.Second, BackoffMultiplier: 2, MaxBackoff: 3 * time.Second}

	first := cfg.Backoff(1)
	assert.GreaterOrEqual(t, first, 750*time.Millisecond)
	assert.LessOrEqual(t, first, 1250*time.Millisecond)

	capped := cfg.Backoff(5)
	assert.LessOrEqual(t, capped, 3750*time.Millisecond)
	assert.GreaterOrEqual(t, capped, 2250*time.Millisecond)
}
