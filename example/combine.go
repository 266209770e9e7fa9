package example

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/c360studio/dtseval/workspace"
)

// Combine wraps each file in an immediately invoked function annotated with
// its path relative to root and joins the parts with a blank line. Paths
// are processed in sorted order. The bool is false only for an empty input.
func Combine(root string, paths []string) (string, bool, error) {
	if len(paths) == 0 {
		return "", false, nil
	}
	sorted := slices.Clone(paths)
	slices.Sort(sorted)

	parts := make([]string, 0, len(sorted))
	for _, path := range sorted {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", false, fmt.Errorf("read example: %w", err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		parts = append(parts, fmt.Sprintf("// File: %s\n\n(function() {\n%s\n})();",
			filepath.ToSlash(rel), indent(string(content), "  ")))
	}
	return strings.Join(parts, "\n\n"), true, nil
}

func indent(text, pad string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = pad + line
		}
	}
	return strings.Join(lines, "\n")
}

// combination pairs a combined mode with the modes it draws from.
type combination struct {
	mode    workspace.Mode
	sources []workspace.Mode
}

var combinations = []combination{
	{workspace.CombinedExtraction, []workspace.Mode{workspace.Extraction}},
	{workspace.CombinedGeneration, []workspace.Mode{workspace.Generation}},
	{workspace.CombinedAll, []workspace.Mode{workspace.Extraction, workspace.Generation}},
}

// CombineModes builds and validates the combined example of every combined
// mode whose sources have examples. Accepted ones are written as
// examples/<mode>/0.js. With the combined-only policy the per-example
// directories are removed afterwards. It returns the modes that received a
// combined example.
func (a *Acquirer) CombineModes(ctx context.Context, ws *workspace.Workspace) ([]workspace.Mode, error) {
	logger := a.step("combination")

	var written []workspace.Mode
	for _, c := range combinations {
		if err := workspace.EnsureDir(ws.Examples(c.mode), true); err != nil {
			return written, err
		}

		var paths []string
		for _, src := range c.sources {
			children, err := workspace.Children(ws.Examples(src))
			if err != nil {
				return written, err
			}
			paths = append(paths, children...)
		}

		combined, ok, err := Combine(ws.Root, paths)
		if err != nil {
			return written, err
		}
		if !ok {
			logger.Debug("Nothing to combine", "mode", c.mode)
			continue
		}

		verdict, err := a.Validator.Validate(ctx, ws, combined, ws.Package, c.mode)
		if err != nil {
			return written, err
		}
		if verdict.Outcome != Accepted {
			logger.Info("Combined example rejected", "mode", c.mode, "outcome", verdict.Outcome.String())
			continue
		}
		if err := workspace.WriteFile(ws.ExamplePath(c.mode, 0), combined); err != nil {
			return written, err
		}
		written = append(written, c.mode)
		logger.Info("Combined example accepted", "mode", c.mode, "parts", len(paths))
	}

	if a.Options.CombinedOnly {
		for _, mode := range workspace.BasicModes() {
			if err := os.RemoveAll(ws.Examples(mode)); err != nil {
				return written, fmt.Errorf("remove %s examples: %w", mode, err)
			}
		}
	}
	return written, nil
}
