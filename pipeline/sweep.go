package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"

	"github.com/c360studio/dtseval/comparison"
	"github.com/c360studio/dtseval/logging"
	"github.com/c360studio/dtseval/terminal"
	"github.com/c360studio/dtseval/workspace"
)

// MetricsDir is the corpus metrics directory below the output directory.
const MetricsDir = "metrics"

// Window selects the packages of a sweep.
type Window struct {
	// Start is the first index into the filtered, optionally shuffled list.
	Start int
	// Length bounds the number of packages. Zero means all remaining.
	Length int

	Shuffle bool
	Seed    uint64
}

// Select filters unsupported names out of the sorted names, shuffles them
// when requested and applies the window.
func Select(names []string, w Window) []string {
	supported := make([]string, 0, len(names))
	for _, name := range names {
		if workspace.Supported(name) {
			supported = append(supported, name)
		}
	}

	if w.Shuffle {
		rng := rand.New(rand.NewPCG(w.Seed, w.Seed))
		rng.Shuffle(len(supported), func(i, j int) {
			supported[i], supported[j] = supported[j], supported[i]
		})
	}

	start := min(max(w.Start, 0), len(supported))
	end := len(supported)
	if w.Length > 0 {
		end = min(start+w.Length, end)
	}
	return supported[start:end]
}

// SweepSummary counts the outcomes of a sweep.
type SweepSummary struct {
	Selected int
	Total    int
	Skipped  int
	Terminal map[terminal.Marker]int
	Metrics  *comparison.Metrics
}

// Sweep evaluates a window of the ground-truth corpus and writes corpus
// metrics afterwards.
type Sweep struct {
	Pipeline *Pipeline
	Window   Window

	// SkipMetrics leaves the metrics directory untouched.
	SkipMetrics bool

	Logger *slog.Logger
}

// Run ensures the ground truth, selects packages and runs them in order.
// A package failure never stops the sweep; cancellation does.
func (s *Sweep) Run(ctx context.Context) (*SweepSummary, error) {
	logger := s.logger()
	p := s.Pipeline

	if err := p.GroundTruth.Ensure(ctx, p.Options.Reproduce); err != nil {
		return nil, fmt.Errorf("prepare ground truth: %w", err)
	}
	names, err := p.GroundTruth.Packages()
	if err != nil {
		return nil, err
	}

	selected := Select(names, s.Window)
	summary := &SweepSummary{
		Selected: len(selected),
		Total:    len(names),
		Terminal: make(map[terminal.Marker]int),
	}
	logger.Info("Starting sweep",
		"selected", len(selected),
		"corpus", len(names),
		"start", s.Window.Start,
		"shuffle", s.Window.Shuffle,
		"seed", s.Window.Seed)

	for i, pkg := range selected {
		pkgLogger := logging.Step(logger, "sweep").With("index", s.Window.Start+i)
		pkgLogger.Info("Sweep progress", "package", pkg, "progress", fmt.Sprintf("%d/%d", i+1, len(selected)))

		result, err := p.Run(ctx, pkg)
		if err != nil {
			if ctx.Err() != nil {
				return summary, fmt.Errorf("evaluate %s: %w", pkg, err)
			}
			pkgLogger.Error("Package could not be evaluated", "package", pkg, "error", err)
			summary.Terminal[terminal.MarkerRaisedError]++
			continue
		}
		if result.Skipped {
			summary.Skipped++
		}
		summary.Terminal[result.Terminal]++
	}

	if s.SkipMetrics {
		return summary, nil
	}
	metrics, err := WriteMetrics(p.OutputDir, selected)
	if err != nil {
		return summary, err
	}
	summary.Metrics = metrics
	logger.Info("Sweep finished", "terminal", summary.Terminal, "skipped", summary.Skipped)
	return summary, nil
}

// WriteMetrics computes corpus metrics over packages and writes them into
// <outputDir>/metrics.
func WriteMetrics(outputDir string, packages []string) (*comparison.Metrics, error) {
	metrics, err := comparison.ComputeMetrics(outputDir, packages)
	if err != nil {
		return nil, fmt.Errorf("compute metrics: %w", err)
	}
	if err := metrics.WriteMetrics(filepath.Join(outputDir, MetricsDir)); err != nil {
		return nil, fmt.Errorf("write metrics: %w", err)
	}
	return metrics, nil
}

// EvaluatedPackages lists the packages with a workspace below outputDir.
func EvaluatedPackages(outputDir string) ([]string, error) {
	dirs, err := workspace.Children(filepath.Join(outputDir, "packages"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		names = append(names, workspace.Unescape(filepath.Base(dir)))
	}
	return names, nil
}

func (s *Sweep) logger() *slog.Logger {
	if s.Logger == nil {
		return s.Pipeline.logger()
	}
	return s.Logger
}
