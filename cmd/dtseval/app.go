package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/dtseval/comparison"
	"github.com/c360studio/dtseval/config"
	"github.com/c360studio/dtseval/declaration"
	"github.com/c360studio/dtseval/events"
	"github.com/c360studio/dtseval/example"
	"github.com/c360studio/dtseval/llm"
	"github.com/c360studio/dtseval/llm/providers"
	"github.com/c360studio/dtseval/logging"
	"github.com/c360studio/dtseval/packagedata"
	"github.com/c360studio/dtseval/pipeline"
	"github.com/c360studio/dtseval/shell"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// app wires the configured components of one invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	level  slog.Level
	runID  string

	executor  *shell.Executor
	prompter  *llm.Prompter
	cache     *llm.Cache
	publisher events.Publisher

	metricsServer *http.Server
	metricsAddr   string

	// in and out serve the interactive pause.
	in  io.Reader
	out io.Writer
}

// loadConfig loads the layered configuration, applies the changed flags
// and validates the result.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.NewLoader(nil).Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(cmd, f, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, f *flags, cfg *config.Config) error {
	changed := cmd.Flags().Changed

	if changed("output") {
		output, err := filepath.Abs(f.output)
		if err != nil {
			return fmt.Errorf("resolve output: %w", err)
		}
		cfg.Output = output
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("start") {
		cfg.Sweep.Start = f.start
	}
	if changed("length") {
		cfg.Sweep.Length = f.length
	}
	if changed("seed") {
		cfg.Sweep.Seed = f.seed
	}
	if changed("shuffle") {
		cfg.Sweep.Shuffle = f.shuffle
	}
	if changed("reproduce") {
		cfg.Run.Reproduce = f.reproduce
	}
	if changed("interactive") {
		cfg.Run.Interactive = f.interactive
	}
	if changed("keep-cache") {
		cfg.Run.RemoveCache = !f.keepCache
	}
	if changed("examples") {
		cfg.Stages.Examples = f.examples
	}
	if changed("declarations") {
		cfg.Stages.Declarations = f.declarations
	}
	if changed("comparisons") {
		cfg.Stages.Comparisons = f.comparisons
	}
	if changed("aggregates") {
		cfg.Stages.Aggregates = f.aggregates
	}
	return nil
}

// newApp creates the shared components. Close releases them.
func newApp(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) (_ *app, err error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.NewConsole(os.Stderr, level)
	slog.SetDefault(logger)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		level:     level,
		runID:     uuid.NewString(),
		executor:  shell.NewExecutor(shell.WithLogger(logger)),
		publisher: events.Nop{},
		in:        in,
		out:       out,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.UsesLLM() {
		completer, err := newCompleter(ctx, cfg.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("create completer: %w", err)
		}
		if cfg.LLM.Cache {
			if a.cache, err = llm.OpenCache(cfg.LLM.CacheDir); err != nil {
				return nil, err
			}
			completer = llm.NewCachingCompleter(completer, a.cache, cfg.LLM.Model, logger)
		}
		a.prompter = llm.NewPrompter(completer,
			llm.WithTemperature(cfg.LLM.Temperature),
			llm.WithMaxTokens(cfg.LLM.MaxTokens),
			llm.WithPrompterLogger(logger))
	}

	if cfg.NATS.URL != "" {
		publisher, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		a.publisher = publisher
	}

	if cfg.Metrics.Listen != "" {
		if err := a.serveMetrics(cfg.Metrics.Listen); err != nil {
			return nil, err
		}
	}

	logger.Info("Dtseval ready",
		"version", Version,
		"run_id", a.runID,
		"output", cfg.Output,
		"llm", cfg.UsesLLM())
	return a, nil
}

// newCompleter picks the completion backend for the configured provider.
func newCompleter(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (llm.Completer, error) {
	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	if cfg.Provider == "gemini" {
		completer, err := providers.NewGeminiCompleter(ctx, cfg.Model, apiKey, cfg.Timeout, logger)
		if err != nil {
			return nil, err
		}
		return completer, nil
	}

	client, err := llm.NewClient(llm.Endpoint{
		Provider: cfg.Provider,
		URL:      cfg.URL,
		Model:    cfg.Model,
		APIKey:   apiKey,
	}, llm.WithTimeout(cfg.Timeout), llm.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsAddr = ln.Addr().String()

	go func() {
		if err := a.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", a.metricsAddr)
	return nil
}

// pipeline assembles a package pipeline from the configuration.
func (a *app) pipeline(force bool) *pipeline.Pipeline {
	cfg := a.cfg
	cloner := packagedata.GitCloner{Depth: 1}
	pkgOpts := packagedata.Options{
		InstallTimeout: cfg.Timeouts.Installation,
		CommandTimeout: cfg.Timeouts.Command,
		Reproduce:      cfg.Run.Reproduce,
	}

	validator := example.NewValidator(a.executor, a.logger)
	validator.Timeout = cfg.Timeouts.Execution

	p := &pipeline.Pipeline{
		OutputDir: cfg.Output,
		GroundTruth: &packagedata.GroundTruth{
			Path:   cfg.GroundTruth.Path,
			URL:    cfg.GroundTruth.URL,
			Commit: cfg.GroundTruth.Commit,
			Cloner: cloner,
			Logger: a.logger,
		},
		Discovery: &packagedata.Discovery{Runner: a.executor, Cloner: cloner, Options: pkgOpts},
		Template:  &packagedata.TemplateBuilder{Runner: a.executor, Options: pkgOpts},
		Acquirer: &example.Acquirer{
			Validator: validator,
			Prompter:  a.prompter,
			Options: example.Options{
				ExtractFromReadme:  cfg.Examples.ExtractFromReadme,
				GenerateWithLLM:    cfg.Examples.GenerateWithLLM,
				EvaluatePackage:    cfg.Examples.EvaluatePackage,
				Combine:            cfg.Examples.Combine,
				CombinedOnly:       cfg.Examples.CombinedOnly,
				MaxAttempts:        cfg.Examples.MaxAttempts,
				MaxPromptFileChars: cfg.Examples.MaxPromptFileChars,
				MaxTestFiles:       cfg.Examples.MaxTestFiles,
			},
		},
		Synthesizer: &declaration.Synthesizer{
			Runner: a.executor,
			Tools: declaration.Tools{
				Transpile:            cfg.Tools.Transpile,
				RuntimeInfo:          cfg.Tools.RuntimeInfo,
				DeclarationGenerator: cfg.Tools.DeclarationGenerator,
			},
			Timeout: cfg.Timeouts.Execution,
		},
		Comparator: &comparison.Comparator{
			Runner:    a.executor,
			Command:   cfg.Tools.Comparator,
			ScriptDir: cfg.Tools.ComparatorScripts,
			Timeout:   cfg.Timeouts.Comparison,
		},
		Shell:     a.executor,
		Publisher: a.publisher,
		RunID:     a.runID,
		Options: pipeline.Options{
			Stages: pipeline.Stages{
				Examples:     cfg.Stages.Examples,
				Declarations: cfg.Stages.Declarations,
				Comparisons:  cfg.Stages.Comparisons,
				Aggregates:   cfg.Stages.Aggregates,
			},
			Reproduce:   cfg.Run.Reproduce,
			Force:       force,
			RemoveCache: cfg.Run.RemoveCache,
			LogLevel:    a.level,
		},
		Logger: a.logger,
	}
	if cfg.Run.Interactive {
		p.Pause = pauseOn(a.in, a.out)
	}
	return p
}

// pauseOn blocks an unclassified failure until a line is read from in, so
// the package workspace can be inspected before it is cleaned up.
func pauseOn(in io.Reader, out io.Writer) pipeline.PauseFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, pkg string, err error) {
		fmt.Fprintf(out, "\n%s raised an unclassified error:\n%v\n\nPress Enter to continue...", pkg, err)

		done := make(chan struct{})
		go func() {
			_, _ = reader.ReadString('\n')
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}

// Close releases the shared components.
func (a *app) Close() {
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to stop metrics server", "error", err)
		}
	}
	if err := a.publisher.Close(); err != nil {
		a.logger.Warn("Failed to close publisher", "error", err)
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("Failed to close LLM cache", "error", err)
		}
	}
}

func metricsPath(cfg *config.Config) string {
	return filepath.Join(cfg.Output, pipeline.MetricsDir)
}
