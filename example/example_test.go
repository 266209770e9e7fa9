package example

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/dtseval/llm"
	"github.com/c360studio/dtseval/llm/testutil"
	"github.com/c360studio/dtseval/packagedata"
	"github.com/c360studio/dtseval/shell"
	"github.com/c360studio/dtseval/shell/shelltest"
	"github.com/c360studio/dtseval/terminal"
	"github.com/c360studio/dtseval/workspace"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nodeRunner fakes node: scripts containing "throw" fail, scripts
// containing "while (true)" time out, everything else succeeds.
func nodeRunner() *shelltest.Runner {
	runner := &shelltest.Runner{}
	runner.Handle("node index.js", func(cmd shell.Command) (*shell.Result, error) {
		src, err := os.ReadFile(filepath.Join(cmd.Dir, "index.js"))
		if err != nil {
			return nil, err
		}
		switch {
		case strings.Contains(string(src), "while (true)"):
			return &shell.Result{ExitCode: shell.TimeoutExitCode, TimedOut: true, Output: "still running"}, nil
		case strings.Contains(string(src), "throw"):
			return &shell.Result{ExitCode: 1, Output: "Error: boom"}, nil
		}
		return &shell.Result{Output: "ok"}, nil
	})
	return runner
}

func newWorkspace(t *testing.T, pkg string) *workspace.Workspace {
	t.Helper()
	ws := workspace.New(t.TempDir(), pkg)
	require.NoError(t, workspace.WriteFile(filepath.Join(ws.Template(), "package.json"), "{}"))
	return ws
}

func newAcquirer(runner shell.Runner, completer llm.Completer, opts Options) *Acquirer {
	a := &Acquirer{Validator: NewValidator(runner, nil), Options: opts}
	if completer != nil {
		a.Prompter = llm.NewPrompter(completer, llm.WithTemperature(0))
	}
	return a
}

func exampleReply(code string) string {
	return "### think\nUse the package.\n\n### example\n```javascript\n" + code + "\n```\n"
}

func decisionReply(decision string) string {
	return "### think\nIt only manipulates the DOM.\n\n### decision\n" + decision + "\n"
}

func TestCodeBlocks(t *testing.T) {
	readme := "# pkg\n\n```js\nconst a = 1;\n```\n\ntext\n\n```\n  b()  \n```\n```bash\nnpm i pkg\n```"
	assert.Equal(t, []string{"const a = 1;", "b()", "npm i pkg"}, CodeBlocks(readme))
	assert.Empty(t, CodeBlocks("no code here"))
}

func TestValidator(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		outcome  Outcome
		timedOut bool
		runs     int
	}{
		{"accepted", `const m = require("left-pad"); m("a", 3);`, Accepted, false, 1},
		{"import missing", `const m = require("right-pad");`, ImportMissing, false, 0},
		{"aliased import", "import m from 'left-pad';", ImportMissing, false, 0},
		{"runtime failure", `require("left-pad"); throw new Error("x");`, RuntimeFailure, false, 1},
		{"timeout", `require("left-pad"); while (true) {}`, RuntimeFailure, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := nodeRunner()
			ws := newWorkspace(t, "left-pad")
			v := NewValidator(runner, nil)

			before := promtestutil.ToFloat64(candidatesTotal.WithLabelValues("extraction", tt.outcome.String()))
			verdict, err := v.Validate(context.Background(), ws, tt.text, "left-pad", workspace.Extraction)
			require.NoError(t, err)

			assert.Equal(t, tt.outcome, verdict.Outcome)
			assert.Equal(t, tt.timedOut, verdict.TimedOut)
			assert.Equal(t, tt.runs, runner.CallCount())
			assert.Equal(t, filepath.Join(ws.Candidates(workspace.Extraction), "0.js"), verdict.Candidate)

			persisted, err := os.ReadFile(verdict.Candidate)
			require.NoError(t, err)
			assert.Equal(t, tt.text, string(persisted))

			after := promtestutil.ToFloat64(candidatesTotal.WithLabelValues("extraction", tt.outcome.String()))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestValidator_CandidatesAccumulate(t *testing.T) {
	ws := newWorkspace(t, "pkg")
	v := NewValidator(nodeRunner(), nil)

	for range 3 {
		_, err := v.Validate(context.Background(), ws, "console.log(1)", "pkg", workspace.Generation)
		require.NoError(t, err)
	}
	children, err := workspace.Children(ws.Candidates(workspace.Generation))
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestValidator_RunsInFreshPlayground(t *testing.T) {
	runner := &shelltest.Runner{}
	runner.Handle("node", func(cmd shell.Command) (*shell.Result, error) {
		assert.NoFileExists(t, filepath.Join(cmd.Dir, "leftover"))
		assert.FileExists(t, filepath.Join(cmd.Dir, "package.json"))
		_ = workspace.WriteFile(filepath.Join(cmd.Dir, "leftover"), "x")
		return &shell.Result{}, nil
	})
	ws := newWorkspace(t, "pkg")
	v := NewValidator(runner, nil)

	for range 2 {
		verdict, err := v.Validate(context.Background(), ws, `require("pkg")`, "pkg", workspace.Extraction)
		require.NoError(t, err)
		assert.Equal(t, Accepted, verdict.Outcome)
	}
	assert.Equal(t, DefaultExecutionTimeout, runner.Calls()[0].Timeout)
}

func TestExtract(t *testing.T) {
	readme := strings.Join([]string{
		"# left-pad",
		"```js\nconst leftPad = require('left-pad');\nleftPad('foo', 5);\n```",
		"```js\nconst other = require('other');\n```",
		"```js\nrequire('left-pad');\nthrow new Error('no');\n```",
		"```js\nconst lp = require(\"left-pad\");\nconsole.log(lp('x', 2));\n```",
	}, "\n\n")
	ws := newWorkspace(t, "left-pad")
	a := newAcquirer(nodeRunner(), nil, Options{})

	n, err := a.Extract(context.Background(), ws, readme)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := os.ReadFile(ws.ExamplePath(workspace.Extraction, 0))
	require.NoError(t, err)
	assert.Equal(t, "const leftPad = require('left-pad');\nleftPad('foo', 5);", string(first))

	second, err := os.ReadFile(ws.ExamplePath(workspace.Extraction, 1))
	require.NoError(t, err)
	assert.Contains(t, string(second), "console.log")

	assert.NoFileExists(t, ws.ExamplePath(workspace.Extraction, 2))
}

func TestGenerate_AcceptsAfterFeedback(t *testing.T) {
	mock := &testutil.MockCompleter{Replies: []string{
		exampleReply(`const x = require("other");`),
		exampleReply(`const pkg = require("pkg");` + "\nthrow new Error('bad');"),
		exampleReply(`const pkg = require("pkg");` + "\npkg();"),
	}}
	ws := newWorkspace(t, "pkg")
	a := newAcquirer(nodeRunner(), mock, Options{})
	info := &packagedata.Info{Package: "pkg", Readme: "# pkg"}

	ok, err := a.Generate(context.Background(), ws, info)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, mock.CallCount())

	requests := mock.Requests()
	assert.Len(t, requests[0].Messages, 4)
	assert.Len(t, requests[1].Messages, 6)
	assert.Len(t, requests[2].Messages, 8)
	assert.Equal(t, requests[0].Messages, requests[1].Messages[:4])

	importFeedback := requests[1].Messages[4]
	assert.Equal(t, llm.RoleUser, importFeedback.Role)
	assert.Contains(t, importFeedback.Content, `require("pkg")`)

	runtimeFeedback := requests[2].Messages[6]
	assert.Contains(t, runtimeFeedback.Content, "exit code 1")
	assert.Contains(t, runtimeFeedback.Content, "Error: boom")

	content, err := os.ReadFile(ws.ExamplePath(workspace.Generation, 0))
	require.NoError(t, err)
	assert.Equal(t, "const pkg = require(\"pkg\");\npkg();", string(content))

	transcript, err := os.ReadFile(ws.Log("generation.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "===== SYSTEM =====")
	assert.Contains(t, string(transcript), "===== ASSISTANT =====")
}

func TestGenerate_RetryBound(t *testing.T) {
	replies := make([]string, 10)
	for i := range replies {
		replies[i] = exampleReply(`require("pkg"); while (true) {}`)
	}
	mock := &testutil.MockCompleter{Replies: replies}
	ws := newWorkspace(t, "pkg")
	a := newAcquirer(nodeRunner(), mock, Options{})

	ok, err := a.Generate(context.Background(), ws, &packagedata.Info{Package: "pkg"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, DefaultMaxAttempts, mock.CallCount())

	last, _ := mock.LastRequest()
	feedback := last.Messages[len(last.Messages)-1].Content
	assert.Contains(t, feedback, "did not finish within 1m0s")

	children, err := workspace.Children(ws.Examples(workspace.Generation))
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestGenerate_ParseFailureCountsAsAttempt(t *testing.T) {
	mock := &testutil.MockCompleter{Replies: []string{
		"I forgot the format",
		exampleReply(`require("pkg");`),
	}}
	ws := newWorkspace(t, "pkg")
	a := newAcquirer(nodeRunner(), mock, Options{MaxAttempts: 2})

	ok, err := a.Generate(context.Background(), ws, &packagedata.Info{Package: "pkg"})
	require.NoError(t, err)
	assert.True(t, ok)

	last, _ := mock.LastRequest()
	assert.Contains(t, last.Messages[len(last.Messages)-1].Content, "could not be read")
}

func TestEvaluate(t *testing.T) {
	t.Run("usable", func(t *testing.T) {
		mock := &testutil.MockCompleter{Replies: []string{decisionReply("unsatisfied")}}
		ws := newWorkspace(t, "pkg")
		a := newAcquirer(nodeRunner(), mock, Options{})

		require.NoError(t, a.Evaluate(context.Background(), ws, &packagedata.Info{Package: "pkg", Manifest: "{}"}))
		assert.FileExists(t, ws.Log("evaluation.txt"))
	})

	t.Run("rejected", func(t *testing.T) {
		mock := &testutil.MockCompleter{Replies: []string{decisionReply("satisfied")}}
		ws := newWorkspace(t, "pkg")
		a := newAcquirer(nodeRunner(), mock, Options{})

		err := a.Evaluate(context.Background(), ws, &packagedata.Info{Package: "pkg"})
		require.Error(t, err)
		assert.Equal(t, terminal.NodeRuntimeUnsupported, terminal.KindOf(err))

		record, err := packagedata.LoadRecord(ws)
		require.NoError(t, err)
		assert.True(t, record.LLMRejected)
	})

	t.Run("never readable", func(t *testing.T) {
		mock := &testutil.MockCompleter{Replies: []string{"?", "?", "?"}}
		ws := newWorkspace(t, "pkg")
		a := newAcquirer(nodeRunner(), mock, Options{})

		err := a.Evaluate(context.Background(), ws, &packagedata.Info{Package: "pkg"})
		require.Error(t, err)
		assert.True(t, llm.IsParseError(err))
		assert.Equal(t, 3, mock.CallCount())
	})
}

func TestCombine(t *testing.T) {
	root := t.TempDir()
	b := filepath.Join(root, "examples", "extraction", "1.js")
	a := filepath.Join(root, "examples", "extraction", "0.js")
	require.NoError(t, workspace.WriteFile(a, "const x = require('pkg');\n\nx();"))
	require.NoError(t, workspace.WriteFile(b, "require('pkg');"))

	combined, ok, err := Combine(root, []string{b, a})
	require.NoError(t, err)
	require.True(t, ok)

	want := "// File: examples/extraction/0.js\n\n(function() {\n  const x = require('pkg');\n\n  x();\n})();" +
		"\n\n" +
		"// File: examples/extraction/1.js\n\n(function() {\n  require('pkg');\n})();"
	assert.Equal(t, want, combined)

	again, _, err := Combine(root, []string{a, b})
	require.NoError(t, err)
	assert.Equal(t, combined, again)

	_, ok, err = Combine(root, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCombineModes(t *testing.T) {
	for _, combinedOnly := range []bool{false, true} {
		ws := newWorkspace(t, "pkg")
		require.NoError(t, workspace.WriteFile(ws.ExamplePath(workspace.Extraction, 0), `require("pkg").a();`))
		require.NoError(t, workspace.WriteFile(ws.ExamplePath(workspace.Extraction, 1), `require("pkg").b();`))
		a := newAcquirer(nodeRunner(), nil, Options{Combine: true, CombinedOnly: combinedOnly})

		modes, err := a.CombineModes(context.Background(), ws)
		require.NoError(t, err)
		assert.Equal(t, []workspace.Mode{workspace.CombinedExtraction, workspace.CombinedAll}, modes)

		extraction, err := os.ReadFile(ws.ExamplePath(workspace.CombinedExtraction, 0))
		require.NoError(t, err)
		all, err := os.ReadFile(ws.ExamplePath(workspace.CombinedAll, 0))
		require.NoError(t, err)
		assert.Equal(t, string(extraction), string(all))
		assert.NoFileExists(t, ws.ExamplePath(workspace.CombinedGeneration, 0))

		if combinedOnly {
			assert.NoDirExists(t, ws.Examples(workspace.Extraction))
		} else {
			assert.DirExists(t, ws.Examples(workspace.Extraction))
		}
	}
}

func TestSmokeTest(t *testing.T) {
	runner := &shelltest.Runner{}
	runner.Handle("node", shelltest.Exit(1, "SyntaxError: Cannot use import statement outside a module"))
	ws := newWorkspace(t, "esm-only")
	a := newAcquirer(runner, nil, Options{})

	err := a.SmokeTest(context.Background(), ws)
	require.Error(t, err)
	assert.Equal(t, terminal.CommonJSUnsupported, terminal.KindOf(err))
	assert.Contains(t, err.Error(), "Cannot use import statement")
}

func TestAcquire_ExtractionOnly(t *testing.T) {
	ws := newWorkspace(t, "pkg")
	a := newAcquirer(nodeRunner(), nil, Options{ExtractFromReadme: true})
	info := &packagedata.Info{Package: "pkg", Readme: "```js\nconst p = require('pkg');\np();\n```"}

	summary, err := a.Acquire(context.Background(), ws, info)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Extracted)
	assert.False(t, summary.Generated)
	assert.FileExists(t, ws.ExamplePath(workspace.Extraction, 0))

	generated, err := workspace.Children(ws.Examples(workspace.Generation))
	require.NoError(t, err)
	assert.Empty(t, generated)
}

func TestAcquire_GenerationNeedsCompleter(t *testing.T) {
	ws := newWorkspace(t, "pkg")
	a := newAcquirer(nodeRunner(), nil, Options{GenerateWithLLM: true})

	_, err := a.Acquire(context.Background(), ws, &packagedata.Info{Package: "pkg"})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab\n... (truncated)", truncate("abcdef", 2))
	assert.Equal(t, "\n... (truncated)", truncate("é", 1))
	assert.Equal(t, "abcdef", truncate("abcdef", 0))
}
