// Package main implements a mock completion server for offline dtseval runs.
// It serves OpenAI-compatible /v1/chat/completions responses from markdown
// fixture files, routing by the "model" field in the request, so example
// generation and package evaluation can run without a real provider.
//
// Usage:
//
//	mock-llm --fixtures /path/to/fixtures --port 11434
//
// and point dtseval at it with llm.provider=ollama, llm.url=http://localhost:11434/v1.
//
// Fixture files are named by model ("mock-generator.md" answers model
// "mock-generator"); the file content is returned verbatim as the assistant
// message, so it must follow the sectioned reply format of the prompts.
//
// Sequential fixtures: numbered files ("mock-generator.1.md",
// "mock-generator.2.md") answer the Nth call to that model. Once they are
// exhausted the base file repeats, or the last numbered file when there is
// no base file. This drives the generate, reject, regenerate loop.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/dtseval/logging"
	"github.com/spf13/cobra"
)

// fixtureExt is the extension of fixture files.
const fixtureExt = ".md"

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// capturedRequest keeps the prompt of one call for inspection through /requests.
type capturedRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per model
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // model → ordered replies
	calls    atomic.Int64
	logger   *slog.Logger

	mu            sync.Mutex
	modelCalls    map[string]int
	modelRequests map[string][]capturedRequest
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:      fixtures,
		logger:        logger,
		modelCalls:    make(map[string]int),
		modelRequests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		port       int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "mock-llm",
		Short:        "Serve canned completions from fixture files",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := logging.NewConsole(os.Stderr, level)

			if fixtureDir == "" {
				fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
			}
			if fixtureDir == "" {
				fixtureDir = "/fixtures"
			}

			fixtures, err := loadFixtures(fixtureDir)
			if err != nil {
				return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
			}
			for model, seq := range fixtures {
				logger.Info("Loaded fixtures", "model", model, "count", len(seq))
			}

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           newServer(fixtures, logger).routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			logger.Info("Mock LLM server listening", "addr", srv.Addr)
			return srv.ListenAndServe()
		},
	}

	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory containing fixture replies (default $MOCK_LLM_FIXTURES)")
	cmd.Flags().IntVar(&port, "port", 11434, "Port to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	logger := s.logger.With("call", callNum, "model", req.Model)

	// Exact model name first, then without the "mock-" prefix
	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[strings.TrimPrefix(req.Model, "mock-")]
	}
	if !ok {
		logger.Warn("No fixture for model")
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	callIndex := s.record(req)
	content := seq[min(callIndex, len(seq)-1)]
	logger.Debug("Serving fixture", "index", callIndex+1, "of", len(seq), "messages", len(req.Messages))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptChars(req) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
		},
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// record counts the call and captures its prompt. It returns the 0-indexed
// call number of the model.
func (s *server) record(req chatRequest) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.modelCalls[req.Model]
	s.modelCalls[req.Model] = index + 1
	s.modelRequests[req.Model] = append(s.modelRequests[req.Model], capturedRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: index + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	return index
}

func promptChars(req chatRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n
}

// handleModels lists the fixture models (Ollama-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	names := make([]string, 0, len(s.fixtures))
	for name := range s.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)

	models := make([]modelEntry, 0, len(names))
	for _, name := range names {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats returns total_calls and calls_by_model.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	callsByModel := make(map[string]int, len(s.modelCalls))
	for model, n := range s.modelCalls {
		callsByModel[model] = n
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": callsByModel,
	})
}

// handleRequests returns captured prompts, optionally filtered by the model
// and call (1-indexed) query parameters.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter, err := strconv.Atoi(r.URL.Query().Get("call"))
	if err != nil {
		callFilter = 0
	}

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.modelRequests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter == 0 || req.CallIndex == callFilter {
				result[model] = append(result[model], req)
			}
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_model": result,
	})
}

// numberedFileRe matches files like "mock-generator.1.md".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.md$`)

// loadFixtures reads the fixture files of dir into model → replies. Numbered
// files come first in numeric order, the base file last.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	base := make(map[string]string)
	numbered := make(map[string]map[int]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fixtureExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return nil, fmt.Errorf("empty fixture %s", name)
		}

		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][index] = string(data)
			continue
		}
		base[strings.TrimSuffix(name, fixtureExt)] = string(data)
	}

	fixtures := make(map[string][]string)
	for model, replies := range numbered {
		indices := make([]int, 0, len(replies))
		for i := range replies {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			fixtures[model] = append(fixtures[model], replies[i])
		}
	}
	for model, reply := range base {
		fixtures[model] = append(fixtures[model], reply)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
