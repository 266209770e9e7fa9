// Package example acquires runnable usage examples for a package: it
// extracts them from the readme, generates them with a completion service,
// combines them, and gates every candidate on a literal require() of the
// package and a successful node run in the sandbox.
package example

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/dtseval/llm"
	"github.com/c360studio/dtseval/logging"
	"github.com/c360studio/dtseval/packagedata"
	"github.com/c360studio/dtseval/terminal"
	"github.com/c360studio/dtseval/workspace"
)

// smokeMode files smoke-test candidates apart from real modes.
const smokeMode workspace.Mode = "smoke"

// Options select the acquisition strategies.
type Options struct {
	ExtractFromReadme bool
	GenerateWithLLM   bool
	EvaluatePackage   bool
	Combine           bool
	CombinedOnly      bool

	MaxAttempts        int
	MaxPromptFileChars int
	MaxTestFiles       int
}

// Acquirer runs the example stage of one package.
type Acquirer struct {
	Validator *Validator

	// Prompter drives generation and evaluation. Nil disables both.
	Prompter *llm.Prompter

	Options Options
	Logger  *slog.Logger
}

// Summary reports what the example stage produced.
type Summary struct {
	Extracted int
	Generated bool
	Combined  []workspace.Mode
}

// Acquire runs the smoke test, then generation (preceded by evaluation),
// extraction and combination, each as enabled by the options.
func (a *Acquirer) Acquire(ctx context.Context, ws *workspace.Workspace, info *packagedata.Info) (*Summary, error) {
	if err := a.SmokeTest(ctx, ws); err != nil {
		return nil, err
	}

	summary := &Summary{}
	llmEnabled := a.Prompter != nil

	if a.Options.EvaluatePackage && llmEnabled {
		if err := a.Evaluate(ctx, ws, info); err != nil {
			return nil, err
		}
	}

	if a.Options.GenerateWithLLM {
		if !llmEnabled {
			return nil, fmt.Errorf("generation enabled without a completion service")
		}
		ok, err := a.Generate(ctx, ws, info)
		if err != nil {
			return nil, err
		}
		summary.Generated = ok
	}

	if a.Options.ExtractFromReadme {
		if info.Readme == "" {
			a.logger().Info("No readme available for extraction", "package", ws.Package)
		} else {
			n, err := a.Extract(ctx, ws, info.Readme)
			if err != nil {
				return nil, err
			}
			summary.Extracted = n
		}
	}

	if a.Options.Combine {
		modes, err := a.CombineModes(ctx, ws)
		if err != nil {
			return nil, err
		}
		summary.Combined = modes
	}
	return summary, nil
}

// SmokeTest requires the package in an otherwise empty script. A failing
// run means the package cannot be loaded through CommonJS and is reported
// as terminal.CommonJSUnsupported.
func (a *Acquirer) SmokeTest(ctx context.Context, ws *workspace.Workspace) error {
	text := fmt.Sprintf("const pkg = require(%q);\n", ws.Package)
	verdict, err := a.Validator.Validate(ctx, ws, text, ws.Package, smokeMode)
	if err != nil {
		return err
	}
	if verdict.Outcome != Accepted {
		return terminal.Errorf(terminal.CommonJSUnsupported, "require(%q) failed with exit code %d:\n%s",
			ws.Package, verdict.ExitCode, verdict.Output)
	}
	a.step("smoke").Debug("CommonJS require succeeded")
	return nil
}

func (a *Acquirer) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func (a *Acquirer) step(name string) *slog.Logger {
	return logging.Step(a.logger(), name)
}
