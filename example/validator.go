package example

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/c360studio/dtseval/jsast"
	"github.com/c360studio/dtseval/shell"
	"github.com/c360studio/dtseval/workspace"
)

// DefaultExecutionTimeout bounds one node run of a candidate.
const DefaultExecutionTimeout = 60 * time.Second

// Outcome is the classification of a validated candidate.
type Outcome int

const (
	Accepted Outcome = iota
	ImportMissing
	RuntimeFailure
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case ImportMissing:
		return "import_missing"
	case RuntimeFailure:
		return "runtime_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Verdict is the result of validating one candidate.
type Verdict struct {
	Outcome Outcome

	// Set for RuntimeFailure.
	ExitCode int
	Output   string
	TimedOut bool

	// Candidate is where the candidate text was persisted.
	Candidate string
}

// Validator runs candidates through the import gate and the runtime gate.
type Validator struct {
	Runner  shell.Runner
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewValidator creates a validator with the default execution timeout.
func NewValidator(runner shell.Runner, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{Runner: runner, Timeout: DefaultExecutionTimeout, Logger: logger}
}

// Validate persists text under cache/candidates/<mode>, checks that it
// requires requiredImport literally and, if so, runs it as index.js in a
// fresh copy of the sandbox template.
//
// The returned error is reserved for failures of the validation machinery
// itself; a rejected candidate is reported through the Verdict.
func (v *Validator) Validate(ctx context.Context, ws *workspace.Workspace, text, requiredImport string, mode workspace.Mode) (*Verdict, error) {
	candidate, err := workspace.NextIndexPath(ws.Candidates(mode), ".js")
	if err != nil {
		return nil, err
	}
	if err := workspace.WriteFile(candidate, text); err != nil {
		return nil, fmt.Errorf("persist candidate: %w", err)
	}

	verdict, err := v.validate(ctx, ws, text, requiredImport)
	if err != nil {
		return nil, err
	}
	verdict.Candidate = candidate

	candidatesTotal.WithLabelValues(string(mode), verdict.Outcome.String()).Inc()
	v.Logger.Debug("Candidate validated",
		"package", ws.Package,
		"mode", mode,
		"candidate", ws.Rel(candidate),
		"outcome", verdict.Outcome.String(),
		"exit_code", verdict.ExitCode,
		"timed_out", verdict.TimedOut)
	return verdict, nil
}

func (v *Validator) validate(ctx context.Context, ws *workspace.Workspace, text, requiredImport string) (*Verdict, error) {
	ok, err := jsast.RequiresModule(ctx, []byte(text), requiredImport)
	if err != nil {
		return nil, fmt.Errorf("inspect imports: %w", err)
	}
	if !ok {
		return &Verdict{Outcome: ImportMissing}, nil
	}

	playground := ws.Playground()
	if err := workspace.CopyDir(ws.Template(), playground); err != nil {
		return nil, fmt.Errorf("prepare playground: %w", err)
	}
	if err := workspace.WriteFile(filepath.Join(playground, "index.js"), text); err != nil {
		return nil, err
	}

	res, err := v.Runner.Run(ctx, shell.Command{
		Args:    []string{"node", "index.js"},
		Dir:     playground,
		Timeout: v.timeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("run candidate: %w", err)
	}
	if res.Succeeded() {
		return &Verdict{Outcome: Accepted}, nil
	}
	return &Verdict{
		Outcome:  RuntimeFailure,
		ExitCode: res.ExitCode,
		Output:   res.Output,
		TimedOut: res.TimedOut,
	}, nil
}

func (v *Validator) timeout() time.Duration {
	if v.Timeout <= 0 {
		return DefaultExecutionTimeout
	}
	return v.Timeout
}
