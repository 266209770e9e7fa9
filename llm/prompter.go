package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Prompter asks structured questions on top of a Completer.
type Prompter struct {
	completer   Completer
	temperature *float64
	maxTokens   int
	logger      *slog.Logger
	transcript  io.Writer
}

// PrompterOption configures a Prompter.
type PrompterOption func(*Prompter)

// WithTemperature fixes the sampling temperature.
func WithTemperature(t float64) PrompterOption {
	return func(p *Prompter) {
		p.temperature = &t
	}
}

// WithMaxTokens limits reply length.
func WithMaxTokens(n int) PrompterOption {
	return func(p *Prompter) {
		p.maxTokens = n
	}
}

// WithPrompterLogger sets the logger.
func WithPrompterLogger(logger *slog.Logger) PrompterOption {
	return func(p *Prompter) {
		p.logger = logger
	}
}

// NewPrompter creates a prompter.
func NewPrompter(completer Completer, opts ...PrompterOption) *Prompter {
	p := &Prompter{
		completer:  completer,
		logger:     slog.Default(),
		transcript: io.Discard,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithTranscript returns a copy of p that records every exchanged message to w.
func (p *Prompter) WithTranscript(w io.Writer) *Prompter {
	cp := *p
	if w == nil {
		w = io.Discard
	}
	cp.transcript = w
	return &cp
}

// Record writes a message to the transcript without sending anything.
func (p *Prompter) Record(msg Message) {
	fmt.Fprintf(p.transcript, "===== %s =====\n%s\n\n", strings.ToUpper(msg.Role), msg.Content)
}

// Ask appends prompt plus the schema's format instructions as a user message,
// requests a completion and appends the reply. The returned conversation
// contains both new messages whenever the service answered, also when the
// reply fails to parse; the error is then a *ParseError.
func (p *Prompter) Ask(ctx context.Context, conv Conversation, prompt string, schema Schema) (Conversation, Answer, error) {
	if len(schema.Fields) > 0 {
		prompt = strings.TrimRight(prompt, "\n") + "\n\n" + schema.Instructions()
	}
	if conv.Len() == 1 && conv.messages[0].Role == RoleSystem {
		p.Record(conv.messages[0])
	}
	conv = conv.User(prompt)
	p.Record(Message{Role: RoleUser, Content: prompt})

	resp, err := p.completer.Complete(ctx, Request{
		Messages:    conv.Messages(),
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return conv, nil, fmt.Errorf("completion: %w", err)
	}

	p.logger.Debug("LLM replied",
		"request_id", resp.RequestID,
		"model", resp.Model,
		"cached", resp.Cached,
		"messages", conv.Len()+1)

	conv = conv.Assistant(resp.Content)
	p.Record(Message{Role: RoleAssistant, Content: resp.Content})

	answer, err := schema.Parse(resp.Content)
	if err != nil {
		return conv, nil, err
	}
	return conv, answer, nil
}
