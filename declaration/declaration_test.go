package declaration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/dtseval/shell"
	"github.com/c360studio/dtseval/shell/shelltest"
	"github.com/c360studio/dtseval/workspace"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// toolRunner fakes both tools. Entries containing "NO_INFO" make the
// runtime tool exit 0 without output; "NO_DTS" makes inference fail.
func toolRunner(t *testing.T) *shelltest.Runner {
	runner := &shelltest.Runner{}
	runner.Handle("rti", func(cmd shell.Command) (*shell.Result, error) {
		src, err := os.ReadFile(filepath.Join(cmd.Dir, cmd.Args[1]))
		if err != nil {
			return nil, err
		}
		assert.NotContains(t, string(src), "const ")
		assert.NotContains(t, string(src), "let ")
		if strings.Contains(string(src), "NO_INFO") {
			return &shell.Result{}, nil
		}
		return &shell.Result{}, workspace.WriteFile(filepath.Join(cmd.Dir, cmd.Args[2]), `{"calls": []}`)
	})
	runner.Handle("dtsgen", func(cmd shell.Command) (*shell.Result, error) {
		info, err := os.ReadFile(filepath.Join(cmd.Dir, "run-time-information-gathering", "run_time_info.json"))
		if err != nil {
			return nil, err
		}
		if len(info) == 0 {
			return &shell.Result{ExitCode: 1}, nil
		}
		entry, _ := os.ReadFile(filepath.Join(cmd.Dir, "index.js"))
		if strings.Contains(string(entry), "NO_DTS") {
			return &shell.Result{ExitCode: 2, Output: "inference failed"}, nil
		}
		out := filepath.Join(cmd.Dir, cmd.Args[3], cmd.Args[2], "index.d.ts")
		return &shell.Result{}, workspace.WriteFile(out, "\nexport declare function pad(s: string): string;\n\n")
	})
	return runner
}

func newWorkspace(t *testing.T, pkg string) *workspace.Workspace {
	t.Helper()
	ws := workspace.New(t.TempDir(), pkg)
	require.NoError(t, workspace.WriteFile(filepath.Join(ws.Template(), "package.json"), "{}"))
	return ws
}

func newSynthesizer(runner shell.Runner) *Synthesizer {
	return &Synthesizer{
		Runner: runner,
		Tools: Tools{
			RuntimeInfo:          []string{"rti"},
			DeclarationGenerator: []string{"dtsgen"},
		},
	}
}

func TestSynthesize(t *testing.T) {
	ws := newWorkspace(t, "pad")
	require.NoError(t, workspace.WriteFile(ws.ExamplePath(workspace.Extraction, 0), "const pad = require('pad');\nlet x = pad('a');"))
	require.NoError(t, workspace.WriteFile(ws.ExamplePath(workspace.Extraction, 1), "var pad = require('pad'); // NO_INFO"))
	require.NoError(t, workspace.WriteFile(ws.ExamplePath(workspace.Generation, 0), "var pad = require('pad'); // NO_DTS"))
	require.NoError(t, workspace.WriteFile(ws.ExamplePath(workspace.CombinedAll, 0), "(function() {\n  const p = require('pad');\n})();"))

	before := promtestutil.ToFloat64(declarationsTotal.WithLabelValues("extraction", resultProduced))

	s := newSynthesizer(toolRunner(t))
	summary, err := s.Synthesize(context.Background(), ws)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Produced[workspace.Extraction])
	assert.Equal(t, 1, summary.Skipped[workspace.Extraction])
	assert.Equal(t, 0, summary.Produced[workspace.Generation])
	assert.Equal(t, 1, summary.Produced[workspace.CombinedAll])
	assert.Equal(t, 2, summary.Total())

	content, err := os.ReadFile(ws.DeclarationPath(workspace.Extraction, "0"))
	require.NoError(t, err)
	assert.Equal(t, "export declare function pad(s: string): string;", string(content))
	assert.NoFileExists(t, ws.DeclarationPath(workspace.Extraction, "1"))
	assert.NoFileExists(t, ws.DeclarationPath(workspace.Generation, "0"))

	after := promtestutil.ToFloat64(declarationsTotal.WithLabelValues("extraction", resultProduced))
	assert.Equal(t, before+1, after)
}

func TestSynthesize_ToolArguments(t *testing.T) {
	runner := toolRunner(t)
	ws := newWorkspace(t, "pad")
	require.NoError(t, workspace.WriteFile(ws.ExamplePath(workspace.Extraction, 0), "require('pad');"))

	_, err := newSynthesizer(runner).Synthesize(context.Background(), ws)
	require.NoError(t, err)

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"rti", "index.js", "run-time-information-gathering/run_time_info.json", "60"}, calls[0].Args)
	assert.Equal(t, []string{"dtsgen", "run-time-information-gathering/run_time_info.json", "pad", "ts-declaration-file-generator"}, calls[1].Args)
	assert.Equal(t, ws.Playground(), calls[0].Dir)
}

func TestSynthesize_Transpile(t *testing.T) {
	runner := toolRunner(t)
	runner.Routes = append([]shelltest.Route{{Prefix: "transpile", Handler: shelltest.Exit(1, "SyntaxError")}}, runner.Routes...)
	ws := newWorkspace(t, "pad")
	require.NoError(t, workspace.WriteFile(ws.ExamplePath(workspace.Extraction, 0), "require('pad');"))

	s := newSynthesizer(runner)
	s.Tools.Transpile = []string{"transpile"}
	summary, err := s.Synthesize(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total())
	assert.Equal(t, 1, runner.CallCount())
}

func TestSynthesize_ScopedPackage(t *testing.T) {
	ws := newWorkspace(t, "@babel/core")
	_, err := newSynthesizer(toolRunner(t)).Synthesize(context.Background(), ws)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScopedPackage))
}

func TestSynthesize_RequiresTools(t *testing.T) {
	ws := newWorkspace(t, "pad")
	_, err := (&Synthesizer{Runner: toolRunner(t)}).Synthesize(context.Background(), ws)
	assert.Error(t, err)
}

func TestSynthesize_ClearsStaleDeclarations(t *testing.T) {
	ws := newWorkspace(t, "pad")
	stale := ws.DeclarationPath(workspace.Generation, "7")
	require.NoError(t, workspace.WriteFile(stale, "old"))

	_, err := newSynthesizer(toolRunner(t)).Synthesize(context.Background(), ws)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}
