package example

import (
	"context"
	"fmt"
	"io"

	"github.com/c360studio/dtseval/llm"
	"github.com/c360studio/dtseval/logging"
	"github.com/c360studio/dtseval/packagedata"
	"github.com/c360studio/dtseval/terminal"
	"github.com/c360studio/dtseval/workspace"
)

// DefaultMaxAttempts bounds the generation loop.
const DefaultMaxAttempts = 3

// conversation seeds a conversation with the task and the package material.
func (a *Acquirer) conversation(task string, info *packagedata.Info) llm.Conversation {
	conv := llm.NewConversation(systemPrompt).User(task)
	for _, msg := range packageMessages(info, a.Options.MaxPromptFileChars, a.Options.MaxTestFiles) {
		conv = conv.User(msg)
	}
	return conv
}

// prompter returns the prompter writing its transcript to logs/<name>.txt.
func (a *Acquirer) prompter(ws *workspace.Workspace, name string, conv llm.Conversation) (*llm.Prompter, io.Closer, error) {
	f, err := logging.OpenFile(ws.Log(name + ".txt"))
	if err != nil {
		return nil, nil, err
	}
	p := a.Prompter.WithTranscript(f)
	for _, msg := range conv.Messages() {
		p.Record(msg)
	}
	return p, f, nil
}

// Generate asks the completion service for an example until one passes
// validation or the attempt budget is spent. Every rejected attempt adds
// exactly one corrective message to the conversation before the next
// proposal. An accepted example is written to examples/generation/0.js.
//
// Running out of attempts is not an error: the result is false.
func (a *Acquirer) Generate(ctx context.Context, ws *workspace.Workspace, info *packagedata.Info) (bool, error) {
	logger := a.step("generation")
	if err := workspace.EnsureDir(ws.Examples(workspace.Generation), true); err != nil {
		return false, err
	}

	conv := a.conversation(generationTask(ws.Package), info)
	p, closer, err := a.prompter(ws, "generation", conv)
	if err != nil {
		return false, err
	}
	defer closer.Close()

	maxAttempts := a.maxAttempts()
	prompt := generationRequest
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		next, answer, err := p.Ask(ctx, conv, prompt, generationSchema)
		conv = next
		if err != nil {
			if !llm.IsParseError(err) {
				return false, err
			}
			logger.Warn("Unreadable proposal", "attempt", attempt, "error", err)
			prompt = formatFeedback(err)
			continue
		}

		verdict, err := a.Validator.Validate(ctx, ws, answer["example"], ws.Package, workspace.Generation)
		if err != nil {
			return false, err
		}
		if verdict.Outcome == Accepted {
			if err := workspace.WriteFile(ws.ExamplePath(workspace.Generation, 0), answer["example"]); err != nil {
				return false, err
			}
			generationAttempts.WithLabelValues("accepted").Observe(float64(attempt))
			logger.Info("Example generated", "attempt", attempt)
			return true, nil
		}

		logger.Info("Proposal rejected", "attempt", attempt, "outcome", verdict.Outcome.String(),
			"exit_code", verdict.ExitCode, "timed_out", verdict.TimedOut)
		prompt = Feedback(ws.Package, verdict, a.Validator.timeout())
	}

	generationAttempts.WithLabelValues("exhausted").Observe(float64(maxAttempts))
	logger.Warn("Generation exhausted", "attempts", maxAttempts)
	return false, nil
}

// Evaluate asks the completion service whether the package is unusable
// from a standalone Node.js script. A positive answer marks the package as
// rejected in data.json and returns terminal.NodeRuntimeUnsupported.
func (a *Acquirer) Evaluate(ctx context.Context, ws *workspace.Workspace, info *packagedata.Info) error {
	logger := a.step("evaluation")

	conv := a.conversation(evaluationTask(ws.Package), info)
	p, closer, err := a.prompter(ws, "evaluation", conv)
	if err != nil {
		return err
	}
	defer closer.Close()

	prompt := evaluationRequest
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts(); attempt++ {
		next, answer, err := p.Ask(ctx, conv, prompt, evaluationSchema)
		conv = next
		if err != nil {
			if !llm.IsParseError(err) {
				return err
			}
			lastErr = err
			prompt = formatFeedback(err)
			continue
		}

		if answer["decision"] == conditionUnsatisfied {
			logger.Info("Package usable with Node.js")
			return nil
		}

		logger.Info("Package rejected by evaluation", "reason", answer["think"])
		if err := packagedata.MarkRejected(ws); err != nil {
			return err
		}
		return terminal.Errorf(terminal.NodeRuntimeUnsupported, "package evaluation: %s", answer["think"])
	}
	return fmt.Errorf("package evaluation: %w", lastErr)
}

func (a *Acquirer) maxAttempts() int {
	if a.Options.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return a.Options.MaxAttempts
}
