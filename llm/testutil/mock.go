// Package testutil provides test utilities for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/dtseval/llm"
)

// MockCompleter is a thread-safe scripted llm.Completer.
//
// Usage:
//
//	mock := &MockCompleter{
//	    Replies: []string{
//	        "### think\n...\n### example\n```js\nrequire(\"pkg\")\n```",
//	    },
//	}
//
// Err takes precedence over Replies. Once Replies is exhausted every call
// returns an empty reply.
type MockCompleter struct {
	mu       sync.Mutex
	Replies  []string
	Err      error
	requests []llm.Request
}

// Complete implements llm.Completer.
func (m *MockCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, llm.Request{
		Messages:    append([]llm.Message(nil), req.Messages...),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})

	if m.Err != nil {
		return nil, m.Err
	}

	index := len(m.requests) - 1
	if index < len(m.Replies) {
		return &llm.Response{Content: m.Replies[index], Model: "test-model"}, nil
	}
	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// CallCount returns the number of times Complete() was called.
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns copies of every received request.
func (m *MockCompleter) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// LastRequest returns the most recent request.
func (m *MockCompleter) LastRequest() (llm.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return llm.Request{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// Reset clears recorded requests.
func (m *MockCompleter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}
