// Package pipeline runs the evaluation of single packages and sweeps over
// the ground-truth corpus.
//
// A package run discovers the package material, builds the sandbox template
// and then runs the enabled stages in order: examples, declarations,
// comparisons. Progress is recorded in the workspace state record so an
// interrupted run resumes at the stage it was in, and a package that reached
// a terminal classification is skipped on later runs.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/c360studio/dtseval/comparison"
	"github.com/c360studio/dtseval/declaration"
	"github.com/c360studio/dtseval/events"
	"github.com/c360studio/dtseval/example"
	"github.com/c360studio/dtseval/logging"
	"github.com/c360studio/dtseval/packagedata"
	"github.com/c360studio/dtseval/terminal"
	"github.com/c360studio/dtseval/workspace"
)

// Log file names below logs/.
const (
	PipelineLog = "pipeline.txt"
	ShellLog    = "shell.txt"
)

// Stages toggles the pipeline stages.
type Stages struct {
	Examples     bool
	Declarations bool
	Comparisons  bool

	// Aggregates merges the comparison records of each package after the
	// comparison stage.
	Aggregates bool
}

// AllStages enables everything.
func AllStages() Stages {
	return Stages{Examples: true, Declarations: true, Comparisons: true, Aggregates: true}
}

// Options control a package run.
type Options struct {
	Stages Stages

	// Reproduce reruns finished packages from their recorded data only.
	Reproduce bool

	// Force reruns the enabled stages of a finished package without
	// resetting its workspace.
	Force bool

	// RemoveCache deletes cache/ after every run, whatever the outcome.
	RemoveCache bool

	LogLevel slog.Level
}

// SinkSetter receives the shell transcript writer of the current package.
type SinkSetter interface {
	SetSink(w io.Writer)
}

// PauseFunc is called after an unclassified failure when interactive
// inspection is enabled. The run continues when it returns.
type PauseFunc func(ctx context.Context, pkg string, err error)

// Pipeline evaluates single packages.
type Pipeline struct {
	OutputDir string

	GroundTruth *packagedata.GroundTruth
	Discovery   *packagedata.Discovery
	Template    *packagedata.TemplateBuilder
	Acquirer    *example.Acquirer
	Synthesizer *declaration.Synthesizer
	Comparator  *comparison.Comparator

	// Shell, when set, gets each package's logs/shell.txt as its sink.
	Shell SinkSetter

	// Publisher receives the outcome of every classified package. Nil
	// publishes nothing.
	Publisher events.Publisher

	// Pause, when set, is called on unclassified failures.
	Pause PauseFunc

	RunID   string
	Options Options
	Logger  *slog.Logger
}

// Result is the outcome of one package run.
type Result struct {
	Package  string
	Terminal terminal.Marker
	Err      error

	// Skipped is set when an earlier run already classified the package.
	Skipped  bool
	Duration time.Duration
}

// stageOrder ranks the stages recorded in the state record.
var stageOrder = map[workspace.Stage]int{
	workspace.StageNotStarted:   0,
	workspace.StageExamples:     1,
	workspace.StageDeclarations: 2,
	workspace.StageComparisons:  3,
	workspace.StageDone:         4,
}

// Run evaluates pkg. Failures of the package itself, including an
// unreadable state record, are classified into the result; the returned
// error reports cancellation or a workspace that cannot be written.
func (p *Pipeline) Run(ctx context.Context, pkg string) (*Result, error) {
	ws := workspace.New(p.OutputDir, pkg)
	base := p.logger().With("package", pkg)

	state, err := ws.LoadState()
	if err != nil {
		if !p.Options.Reproduce && !p.Options.Force {
			return p.unreadableState(ctx, ws, base, err)
		}
		base.Warn("Discarding unreadable state record", "error", err)
		state = &workspace.State{Package: pkg, Stage: workspace.StageNotStarted}
	}
	if state.Finished() && !p.Options.Reproduce && !p.Options.Force {
		base.Debug("Package already classified", "terminal", state.Terminal)
		packagesSkipped.Inc()
		return &Result{Package: pkg, Terminal: state.Terminal, Skipped: true}, nil
	}

	if p.Options.Reproduce {
		if err := ws.Reset(); err != nil {
			return nil, err
		}
		state = &workspace.State{Stage: workspace.StageNotStarted}
	}
	if p.Options.Force {
		state.Stage = workspace.StageNotStarted
		state.Terminal = ""
		state.Message = ""
	}

	logger, closers, err := p.openLogs(ws, base)
	if err != nil {
		return nil, err
	}
	defer func() {
		if p.Shell != nil {
			p.Shell.SetSink(nil)
		}
		if err := closers.Close(); err != nil {
			base.Warn("Failed to close package logs", "error", err)
		}
	}()

	if p.Options.RemoveCache {
		defer func() {
			if err := ws.RemoveCache(); err != nil {
				base.Warn("Failed to remove cache", "error", err)
			}
		}()
	}

	start := time.Now()
	state.RunID = p.RunID
	logger.Info("Evaluating package", "resume_stage", state.Stage)

	runErr := p.runStages(ctx, ws, state, logger)
	if runErr != nil && ctx.Err() != nil {
		logger.Warn("Package run interrupted", "stage", state.Stage)
		if err := ws.SaveState(state); err != nil {
			logger.Warn("Failed to save state", "error", err)
		}
		return nil, ctx.Err()
	}

	result := &Result{Package: pkg, Terminal: terminal.MarkerUsable, Err: runErr, Duration: time.Since(start)}
	state.Message = ""
	if runErr != nil {
		result.Terminal = terminal.MarkerOf(runErr)
		state.Message = runErr.Error()
	} else {
		state.Stage = workspace.StageDone
	}
	state.Terminal = result.Terminal
	if err := ws.SaveState(state); err != nil {
		return nil, err
	}

	p.report(ctx, logger, result)
	return result, nil
}

// unreadableState classifies a package whose state record cannot be read
// as raised_error and replaces the record, so later runs skip it until
// forced.
func (p *Pipeline) unreadableState(ctx context.Context, ws *workspace.Workspace, logger *slog.Logger, loadErr error) (*Result, error) {
	result := &Result{
		Package:  ws.Package,
		Terminal: terminal.MarkerRaisedError,
		Err:      fmt.Errorf("unreadable state record: %w", loadErr),
	}
	state := &workspace.State{
		Package:  ws.Package,
		Stage:    workspace.StageNotStarted,
		Terminal: result.Terminal,
		Message:  result.Err.Error(),
		RunID:    p.RunID,
	}
	if err := ws.SaveState(state); err != nil {
		return nil, err
	}
	p.report(ctx, logger, result)
	return result, nil
}

func (p *Pipeline) report(ctx context.Context, logger *slog.Logger, result *Result) {
	packagesTotal.WithLabelValues(string(result.Terminal)).Inc()
	packageDuration.WithLabelValues(string(result.Terminal)).Observe(result.Duration.Seconds())

	switch kind := terminal.KindOf(result.Err); {
	case result.Err == nil:
		logger.Info("Package usable", "duration", result.Duration)
	case kind == terminal.Unclassified:
		logger.Error("Package run raised an error", "error", result.Err, "duration", result.Duration)
	default:
		logger.Info("Package classified", "terminal", result.Terminal, "kind", kind, "reason", result.Err, "duration", result.Duration)
	}

	if p.Publisher != nil {
		err := p.Publisher.Publish(ctx, events.Outcome{
			RunID:    p.RunID,
			Package:  result.Package,
			Terminal: result.Terminal,
			Message:  errorMessage(result.Err),
			Duration: result.Duration,
			At:       time.Now().UTC(),
		})
		if err != nil {
			logger.Warn("Failed to publish outcome", "error", err)
		}
	}

	if p.Pause != nil && result.Err != nil && terminal.KindOf(result.Err) == terminal.Unclassified {
		p.Pause(ctx, result.Package, result.Err)
	}
}

// runStages converts panics into unclassified errors.
func (p *Pipeline) runStages(ctx context.Context, ws *workspace.Workspace, state *workspace.State, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	info, err := p.setup(ctx, ws, logger)
	if err != nil {
		return err
	}

	stages := []struct {
		stage   workspace.Stage
		enabled bool
		run     func() error
	}{
		{workspace.StageExamples, p.Options.Stages.Examples, func() error { return p.examples(ctx, ws, info, logger) }},
		{workspace.StageDeclarations, p.Options.Stages.Declarations, func() error { return p.declarations(ctx, ws, logger) }},
		{workspace.StageComparisons, p.Options.Stages.Comparisons || p.Options.Stages.Aggregates, func() error { return p.comparisons(ctx, ws, logger) }},
	}

	for _, s := range stages {
		if !s.enabled {
			continue
		}
		if stageOrder[s.stage] < stageOrder[state.Stage] {
			logger.Debug("Stage already completed", "stage", s.stage)
			continue
		}
		state.Stage = s.stage
		if err := ws.SaveState(state); err != nil {
			return err
		}

		started := time.Now()
		err := s.run()
		stageDuration.WithLabelValues(string(s.stage)).Observe(time.Since(started).Seconds())
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) setup(ctx context.Context, ws *workspace.Workspace, logger *slog.Logger) (*packagedata.Info, error) {
	discovery := *p.Discovery
	discovery.Logger = logging.Step(logger, "data")
	info, err := discovery.Discover(ctx, ws)
	if err != nil {
		return nil, err
	}

	builder := *p.Template
	builder.Logger = logging.Step(logger, "template")
	if err := builder.Build(ctx, ws); err != nil {
		return nil, err
	}
	return info, nil
}

func (p *Pipeline) examples(ctx context.Context, ws *workspace.Workspace, info *packagedata.Info, logger *slog.Logger) error {
	acquirer := *p.Acquirer
	acquirer.Logger = logging.Step(logger, "examples")
	if acquirer.Validator != nil {
		validator := *acquirer.Validator
		validator.Logger = acquirer.Logger
		acquirer.Validator = &validator
	}

	summary, err := acquirer.Acquire(ctx, ws, info)
	if err != nil {
		return err
	}
	acquirer.Logger.Info("Examples acquired",
		"extracted", summary.Extracted,
		"generated", summary.Generated,
		"combined", len(summary.Combined))
	return nil
}

func (p *Pipeline) declarations(ctx context.Context, ws *workspace.Workspace, logger *slog.Logger) error {
	synthesizer := *p.Synthesizer
	synthesizer.Logger = logger

	summary, err := synthesizer.Synthesize(ctx, ws)
	if err != nil {
		return err
	}
	logger.Info("Declarations synthesized", "produced", summary.Total())
	return nil
}

func (p *Pipeline) comparisons(ctx context.Context, ws *workspace.Workspace, logger *slog.Logger) error {
	if p.Options.Stages.Comparisons {
		expected := p.GroundTruth.ExpectedPath(ws.Package)
		if !workspace.NonEmptyFile(expected) {
			return terminal.Errorf(terminal.PackageDataMissing, "no reference declaration for %s at %s", ws.Package, expected)
		}

		comparator := *p.Comparator
		comparator.Logger = logger
		if _, err := comparator.Compare(ctx, ws, expected); err != nil {
			return err
		}
	}

	if p.Options.Stages.Aggregates {
		written, err := comparison.WriteAggregates(ws)
		if err != nil {
			return fmt.Errorf("aggregate comparisons: %w", err)
		}
		if len(written) > 0 {
			logging.Step(logger, "comparisons").Info("Comparisons aggregated", "aggregates", written)
		}
	}
	return nil
}

// openLogs tees the package logger into logs/pipeline.txt and points the
// shell transcript at logs/shell.txt.
func (p *Pipeline) openLogs(ws *workspace.Workspace, base *slog.Logger) (*slog.Logger, logging.Closers, error) {
	var closers logging.Closers

	pipelineLog, err := logging.OpenFile(ws.Log(PipelineLog))
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, pipelineLog)

	if p.Shell != nil {
		shellLog, err := logging.OpenFile(ws.Log(ShellLog))
		if err != nil {
			closers.Close()
			return nil, nil, err
		}
		closers = append(closers, shellLog)
		p.Shell.SetSink(shellLog)
	}

	handler := logging.Fanout(base.Handler(), pipelineLog.Handler(p.Options.LogLevel))
	return slog.New(handler), closers, nil
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
