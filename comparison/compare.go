package comparison

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/dtseval/logging"
	"github.com/c360studio/dtseval/shell"
	"github.com/c360studio/dtseval/workspace"
)

// Fixed file names of the comparator sandbox.
const (
	PredictedFile = "predicted.d.ts"
	ExpectedFile  = "expected.d.ts"
	OutputFile    = "comparison.json"
)

// DefaultCommand runs the comparator script shipped in the script directory.
var DefaultCommand = []string{"npx", "tsx", "compare.ts"}

// Comparator runs the structural comparator on each declaration of a
// package.
type Comparator struct {
	Runner shell.Runner

	// Command runs inside the sandbox. Empty uses DefaultCommand.
	Command []string

	// ScriptDir holds the comparator script and its tsconfig.json; its
	// files are copied into every sandbox.
	ScriptDir string

	Timeout time.Duration
	Logger  *slog.Logger
}

// Summary counts produced records per mode.
type Summary struct {
	Produced map[workspace.Mode]int
	Skipped  map[workspace.Mode]int
}

// Compare writes comparisons/<mode>/<index>.json for every declaration,
// comparing it against the reference at expectedPath. A failing comparator
// run skips the declaration.
func (c *Comparator) Compare(ctx context.Context, ws *workspace.Workspace, expectedPath string) (*Summary, error) {
	expected, err := os.ReadFile(expectedPath)
	if err != nil {
		return nil, fmt.Errorf("read reference declaration: %w", err)
	}

	logger := logging.Step(c.logger(), "comparisons")
	summary := &Summary{Produced: map[workspace.Mode]int{}, Skipped: map[workspace.Mode]int{}}

	for _, mode := range workspace.Modes() {
		declarations, err := workspace.Children(ws.Declarations(mode))
		if err != nil {
			return summary, err
		}
		if err := workspace.EnsureDir(ws.Comparisons(mode), true); err != nil {
			return summary, err
		}

		for _, decl := range declarations {
			record, err := c.compare(ctx, ws, decl, expected)
			if err != nil {
				return summary, err
			}
			if record == nil {
				summary.Skipped[mode]++
				logger.Info("Comparison skipped", "mode", mode, "declaration", ws.Rel(decl))
				continue
			}
			if err := workspace.WriteJSON(ws.ComparisonPath(mode, declarationKey(decl)), record); err != nil {
				return summary, err
			}
			summary.Produced[mode]++
			logger.Debug("Declaration compared", "mode", mode, "declaration", ws.Rel(decl),
				"soundness", record.Soundness, "completeness", record.Completeness)
		}
		if len(declarations) > 0 {
			logger.Info("Comparisons finished", "mode", mode, "produced", summary.Produced[mode], "declarations", len(declarations))
		}
	}
	return summary, nil
}

// compare returns nil when the comparator fails or produces no output.
func (c *Comparator) compare(ctx context.Context, ws *workspace.Workspace, decl string, expected []byte) (*Record, error) {
	playground := ws.Playground()
	if err := workspace.CopyDir(ws.Template(), playground); err != nil {
		return nil, fmt.Errorf("prepare playground: %w", err)
	}
	if err := c.stageScripts(playground); err != nil {
		return nil, err
	}

	predicted, err := os.ReadFile(decl)
	if err != nil {
		return nil, fmt.Errorf("read declaration: %w", err)
	}
	files := map[string][]byte{
		PredictedFile: predicted,
		"index.d.ts":  predicted,
		ExpectedFile:  expected,
	}
	for name, content := range files {
		if err := workspace.WriteFile(filepath.Join(playground, name), string(content)); err != nil {
			return nil, err
		}
	}

	res, err := c.Runner.Run(ctx, shell.Command{Args: c.command(), Dir: playground, Timeout: c.timeout()})
	if err != nil {
		return nil, err
	}
	output := filepath.Join(playground, OutputFile)
	if !res.Succeeded() || !workspace.NonEmptyFile(output) {
		return nil, nil
	}

	raw, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("read comparison: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		c.logger().Warn("Unreadable comparator output", "declaration", ws.Rel(decl), "error", err)
		return nil, nil
	}
	if record.PredictedToExpected == nil {
		record.PredictedToExpected = map[string]*string{}
	}
	if record.ExpectedToPredicted == nil {
		record.ExpectedToPredicted = map[string]*string{}
	}
	return &record, nil
}

func (c *Comparator) stageScripts(playground string) error {
	if c.ScriptDir == "" {
		return nil
	}
	scripts, err := workspace.Children(c.ScriptDir)
	if err != nil {
		return err
	}
	for _, script := range scripts {
		info, err := os.Stat(script)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := workspace.CopyFile(script, filepath.Join(playground, filepath.Base(script))); err != nil {
			return fmt.Errorf("stage comparator script: %w", err)
		}
	}
	return nil
}

func (c *Comparator) command() []string {
	if len(c.Command) == 0 {
		return DefaultCommand
	}
	return c.Command
}

func (c *Comparator) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 60 * time.Second
	}
	return c.Timeout
}

func (c *Comparator) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
