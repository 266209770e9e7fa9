// Package main provides the dtseval binary entry point.
// Dtseval evaluates TypeScript declaration synthesis for npm packages
// against the DefinitelyTyped ground truth.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/dtseval/llm/providers"

	"github.com/c360studio/dtseval/config"
	"github.com/c360studio/dtseval/pipeline"
	"github.com/c360studio/dtseval/terminal"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dtseval"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flags are the command-line overrides shared by all commands. Only flags
// the user changed override the loaded configuration.
type flags struct {
	configPath string
	output     string
	logLevel   string

	start       int
	length      int
	seed        uint64
	shuffle     bool
	reproduce   bool
	interactive bool
	keepCache   bool

	examples     bool
	declarations bool
	comparisons  bool
	aggregates   bool
}

func rootCmd() *cobra.Command {
	return newRootCmd(&flags{})
}

func newRootCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Evaluate declaration synthesis for npm packages",
		Long: `Dtseval evaluates how well TypeScript declarations synthesized from
observed run-time behaviour match the hand-written declarations of the
DefinitelyTyped corpus.

For every package it:
- discovers the repository material and installs the package
- acquires runnable examples from the readme and a completion service
- synthesizes declarations from each example
- compares every declaration against the reference declaration`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVarP(&f.output, "output", "o", "", "Output directory")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVar(&f.reproduce, "reproduce", false, "Rerun packages from their recorded data")
	pf.BoolVar(&f.interactive, "interactive", false, "Pause on unclassified failures")
	pf.BoolVar(&f.keepCache, "keep-cache", false, "Keep each package's cache directory")
	pf.BoolVar(&f.examples, "examples", true, "Run the examples stage")
	pf.BoolVar(&f.declarations, "declarations", true, "Run the declarations stage")
	pf.BoolVar(&f.comparisons, "comparisons", true, "Run the comparisons stage")
	pf.BoolVar(&f.aggregates, "aggregates", true, "Write per-package aggregate comparisons")

	cmd.AddCommand(evaluateCmd(f))
	cmd.AddCommand(packageCmd(f))
	cmd.AddCommand(metricsCmd(f))
	cmd.AddCommand(configCmd(f))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func evaluateCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a window of the ground-truth corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			sweep := &pipeline.Sweep{
				Pipeline: a.pipeline(false),
				Window: pipeline.Window{
					Start:   cfg.Sweep.Start,
					Length:  cfg.Sweep.Length,
					Shuffle: cfg.Sweep.Shuffle,
					Seed:    cfg.Sweep.Seed,
				},
				Logger: a.logger,
			}
			summary, err := sweep.Run(cmd.Context())
			if summary != nil {
				printSweep(cmd, summary)
			}
			return err
		},
	}

	cmd.Flags().IntVar(&f.start, "start", 0, "Index of the first package of the window")
	cmd.Flags().IntVar(&f.length, "length", 0, "Number of packages (0 = all remaining)")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "Shuffle seed")
	cmd.Flags().BoolVar(&f.shuffle, "shuffle", true, "Shuffle the corpus before windowing")
	return cmd
}

func packageCmd(f *flags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "package <name>",
		Short: "Evaluate a single package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			p := a.pipeline(force)
			if p.Options.Stages.Comparisons {
				if err := p.GroundTruth.Ensure(cmd.Context(), p.Options.Reproduce); err != nil {
					return fmt.Errorf("prepare ground truth: %w", err)
				}
			}
			result, err := p.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case result.Skipped:
				fmt.Fprintf(out, "%s: %s (recorded earlier, use --force to rerun)\n", result.Package, result.Terminal)
			case result.Err != nil && terminal.KindOf(result.Err) != terminal.Unclassified:
				fmt.Fprintf(out, "%s: %s (%s)\n", result.Package, result.Terminal, terminal.KindOf(result.Err))
			default:
				fmt.Fprintf(out, "%s: %s in %s\n", result.Package, result.Terminal, result.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Rerun the enabled stages of a classified package")
	return cmd
}

func metricsCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Recompute corpus metrics over every evaluated package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			packages, err := pipeline.EvaluatedPackages(cfg.Output)
			if err != nil {
				return err
			}
			metrics, err := pipeline.WriteMetrics(cfg.Output, packages)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote metrics for %d packages to %s\n", metrics.Absolute.Packages, metricsPath(cfg))
			return nil
		},
	}
}

func configCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the user config file with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.NewLoader(nil).EnsureUserConfig()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func printSweep(cmd *cobra.Command, summary *pipeline.SweepSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Evaluated %d of %d packages (%d recorded earlier)\n", summary.Selected, summary.Total, summary.Skipped)
	for _, marker := range terminal.Markers() {
		if n := summary.Terminal[marker]; n > 0 {
			fmt.Fprintf(out, "  %-28s %d\n", marker, n)
		}
	}
}
