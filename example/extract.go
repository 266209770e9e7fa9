package example

import (
	"context"
	"regexp"
	"strings"

	"github.com/c360studio/dtseval/workspace"
)

// fencedBlock matches fenced code blocks of any language tag.
var fencedBlock = regexp.MustCompile("(?s)```.*?\n(.*?)```")

// CodeBlocks returns the trimmed bodies of all fenced code blocks in
// document order.
func CodeBlocks(markdown string) []string {
	matches := fencedBlock.FindAllStringSubmatch(markdown, -1)
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, strings.TrimSpace(m[1]))
	}
	return blocks
}

// Extract validates every code block of readme and writes the accepted ones
// to examples/extraction/<n>.js, numbered from 0 in document order. It
// returns the number of accepted blocks.
func (a *Acquirer) Extract(ctx context.Context, ws *workspace.Workspace, readme string) (int, error) {
	logger := a.step("extraction")
	dir := ws.Examples(workspace.Extraction)
	if err := workspace.EnsureDir(dir, true); err != nil {
		return 0, err
	}

	blocks := CodeBlocks(readme)
	logger.Info("Code blocks found", "count", len(blocks))

	accepted := 0
	for i, block := range blocks {
		verdict, err := a.Validator.Validate(ctx, ws, block, ws.Package, workspace.Extraction)
		if err != nil {
			return accepted, err
		}
		if verdict.Outcome != Accepted {
			logger.Debug("Code block rejected", "block", i, "outcome", verdict.Outcome.String())
			continue
		}
		if err := workspace.WriteFile(ws.ExamplePath(workspace.Extraction, accepted), block); err != nil {
			return accepted, err
		}
		accepted++
	}

	logger.Info("Extraction finished", "accepted", accepted, "blocks", len(blocks))
	return accepted, nil
}
