package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/dtseval/llm"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiCompleter talks to Gemini through the official SDK instead of the
// HTTP provider registry.
type GeminiCompleter struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGeminiCompleter creates a completer. An empty apiKey lets the SDK read
// GEMINI_API_KEY / GOOGLE_API_KEY from the environment.
func NewGeminiCompleter(ctx context.Context, model, apiKey string, timeout time.Duration, logger *slog.Logger) (*GeminiCompleter, error) {
	if model == "" {
		return nil, errors.New("model is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if timeout <= 0 {
		timeout = llm.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiCompleter{client: client, model: model, timeout: timeout, logger: logger}, nil
}

// Complete implements llm.Completer.
func (g *GeminiCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("gemini generate content: %w", err))
	}
	if len(resp.Candidates) == 0 {
		return nil, llm.NewFatalError(errors.New("no candidates in gemini response"))
	}

	out := &llm.Response{
		RequestID:    uuid.New().String(),
		Content:      resp.Text(),
		Model:        g.model,
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}

	g.logger.Debug("Gemini call completed", "model", g.model, "total_tokens", out.Usage.TotalTokens)
	return out, nil
}
