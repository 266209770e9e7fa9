// Package declaration turns accepted examples into TypeScript declaration
// files using the runtime-information and declaration-inference tools.
package declaration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/dtseval/jsast"
	"github.com/c360studio/dtseval/logging"
	"github.com/c360studio/dtseval/shell"
	"github.com/c360studio/dtseval/workspace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrScopedPackage is returned for @scope/name packages, which the
// inference tool cannot address.
var ErrScopedPackage = errors.New("declaration inference does not support scoped packages")

// Playground-relative locations of the tool artifacts.
const (
	entryFile      = "index.js"
	runtimeInfoDir = "run-time-information-gathering"
	runtimeInfo    = runtimeInfoDir + "/run_time_info.json"
	inferenceDir   = "ts-declaration-file-generator"
)

// Results recorded per example.
const (
	resultProduced        = "produced"
	resultRewriteFailed   = "rewrite_failed"
	resultTranspileFailed = "transpile_failed"
	resultRuntimeFailed   = "runtime_info_failed"
	resultInferenceFailed = "inference_failed"
)

var declarationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dtseval",
	Name:      "declarations_total",
	Help:      "Declaration synthesis attempts by mode and result",
}, []string{"mode", "result"})

// Tools are the external command prefixes. Arguments are appended:
//
//	Transpile:            <entry>
//	RuntimeInfo:          <entry> <output.json> <seconds>
//	DeclarationGenerator: <output.json> <package> <output dir>
type Tools struct {
	Transpile            []string
	RuntimeInfo          []string
	DeclarationGenerator []string
}

// Synthesizer runs the declaration stage of one package.
type Synthesizer struct {
	Runner  shell.Runner
	Tools   Tools
	Timeout time.Duration
	Logger  *slog.Logger
}

// Summary counts produced declarations per mode.
type Summary struct {
	Produced map[workspace.Mode]int
	Skipped  map[workspace.Mode]int
}

// Total is the number of produced declarations.
func (s *Summary) Total() int {
	n := 0
	for _, v := range s.Produced {
		n += v
	}
	return n
}

// Synthesize produces declarations/<mode>/<index>.d.ts for every example.
// A failing tool skips the example only.
func (s *Synthesizer) Synthesize(ctx context.Context, ws *workspace.Workspace) (*Summary, error) {
	if workspace.Escape(ws.Package) != ws.Package {
		return nil, fmt.Errorf("%s: %w", ws.Package, ErrScopedPackage)
	}
	if len(s.Tools.RuntimeInfo) == 0 || len(s.Tools.DeclarationGenerator) == 0 {
		return nil, errors.New("runtime-information and declaration-generator tools must be configured")
	}

	logger := logging.Step(s.logger(), "declarations")
	summary := &Summary{Produced: map[workspace.Mode]int{}, Skipped: map[workspace.Mode]int{}}

	for _, mode := range workspace.Modes() {
		examples, err := workspace.Children(ws.Examples(mode))
		if err != nil {
			return summary, err
		}
		if err := workspace.EnsureDir(ws.Declarations(mode), true); err != nil {
			return summary, err
		}
		if len(examples) == 0 {
			continue
		}

		for _, example := range examples {
			result, err := s.synthesize(ctx, ws, mode, example)
			if err != nil {
				return summary, err
			}
			declarationsTotal.WithLabelValues(string(mode), result).Inc()
			if result == resultProduced {
				summary.Produced[mode]++
			} else {
				summary.Skipped[mode]++
				logger.Info("Declaration skipped", "mode", mode, "example", ws.Rel(example), "result", result)
			}
		}
		logger.Info("Declarations synthesized", "mode", mode,
			"produced", summary.Produced[mode], "examples", len(examples))
	}
	return summary, nil
}

// synthesize runs the tool chain on one example. Tool failures are reported
// as a result; only infrastructure failures are errors.
func (s *Synthesizer) synthesize(ctx context.Context, ws *workspace.Workspace, mode workspace.Mode, example string) (string, error) {
	playground := ws.Playground()
	if err := workspace.CopyDir(ws.Template(), playground); err != nil {
		return "", fmt.Errorf("prepare playground: %w", err)
	}

	src, err := os.ReadFile(example)
	if err != nil {
		return "", fmt.Errorf("read example: %w", err)
	}
	rewritten, err := jsast.VarizeDeclarations(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return resultRewriteFailed, nil
	}
	entry := filepath.Join(playground, entryFile)
	if err := workspace.WriteFile(entry, string(rewritten)); err != nil {
		return "", err
	}

	if len(s.Tools.Transpile) > 0 {
		ok, err := s.run(ctx, playground, append(clone(s.Tools.Transpile), entryFile))
		if err != nil {
			return "", err
		}
		if !ok {
			return resultTranspileFailed, nil
		}
		transpiled := filepath.Join(ws.Cache(), "transpiled", string(mode), filepath.Base(example))
		if err := workspace.CopyFile(entry, transpiled); err != nil {
			return "", err
		}
	}

	if err := workspace.EnsureDir(filepath.Join(playground, runtimeInfoDir), true); err != nil {
		return "", err
	}
	seconds := strconv.Itoa(int(s.timeout().Seconds()))
	ok, err := s.run(ctx, playground, append(clone(s.Tools.RuntimeInfo), entryFile, runtimeInfo, seconds))
	if err != nil {
		return "", err
	}
	if !ok || !workspace.NonEmptyFile(filepath.Join(playground, filepath.FromSlash(runtimeInfo))) {
		return resultRuntimeFailed, nil
	}

	if err := workspace.EnsureDir(filepath.Join(playground, inferenceDir), true); err != nil {
		return "", err
	}
	ok, err = s.run(ctx, playground, append(clone(s.Tools.DeclarationGenerator), runtimeInfo, ws.Package, inferenceDir))
	if err != nil {
		return "", err
	}
	generated := filepath.Join(playground, inferenceDir, ws.Package, "index.d.ts")
	if !ok || !workspace.NonEmptyFile(generated) {
		return resultInferenceFailed, nil
	}

	declaration, err := os.ReadFile(generated)
	if err != nil {
		return "", fmt.Errorf("read declaration: %w", err)
	}
	text := strings.TrimSpace(string(declaration))
	if text == "" {
		return resultInferenceFailed, nil
	}
	if err := workspace.WriteFile(ws.DeclarationPath(mode, workspace.Stem(example)), text); err != nil {
		return "", err
	}
	return resultProduced, nil
}

// run executes a tool inside the playground and reports whether it
// succeeded. The error is non-nil only when the tool could not be run.
func (s *Synthesizer) run(ctx context.Context, dir string, args []string) (bool, error) {
	res, err := s.Runner.Run(ctx, shell.Command{Args: args, Dir: dir, Timeout: s.timeout()})
	if err != nil {
		return false, err
	}
	return res.Succeeded(), nil
}

func (s *Synthesizer) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 60 * time.Second
	}
	return s.Timeout
}

func (s *Synthesizer) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func clone(args []string) []string {
	return append([]string(nil), args...)
}
