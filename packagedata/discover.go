package packagedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/dtseval/shell"
	"github.com/c360studio/dtseval/terminal"
	"github.com/c360studio/dtseval/workspace"
)

// File names inside the workspace data directory.
const (
	RecordFile   = "data.json"
	ReadmeFile   = "README.md"
	ManifestFile = "package.json"
	MainFile     = "index.js"
	TestsDir     = "tests"
)

// testPatterns are matched relative to the repository root. Results are
// deduplicated by relative path.
var testPatterns = []string{
	"test/**/*.js",
	"tests/**/*.js",
	"__tests__/**/*.js",
	"**/*.test.js",
	"**/*.spec.js",
}

var mainFallbacks = []string{"index.js", "index.json", "index.node"}

// Record is the persisted discovery result, data/data.json.
type Record struct {
	HasRepository  bool `json:"has_repository"`
	HasPackageJSON bool `json:"has_package_json"`
	HasReadme      bool `json:"has_readme"`
	HasMain        bool `json:"has_main"`
	HasTests       bool `json:"has_tests"`
	LLMRejected    bool `json:"llm_rejected"`
}

// TestFile is one discovered test script.
type TestFile struct {
	Path    string
	Content string
}

// Info is the package material the prompts are built from.
type Info struct {
	Package  string
	Readme   string
	Manifest string
	Main     string
	Tests    []TestFile
}

// Empty reports that no material at all was found.
func (i *Info) Empty() bool {
	return i.Readme == "" && i.Manifest == "" && i.Main == "" && len(i.Tests) == 0
}

// Discovery collects package material from a cloned repository.
type Discovery struct {
	Runner  shell.Runner
	Cloner  Cloner
	Logger  *slog.Logger
	Options Options
}

// Discover fetches the repository if needed, extracts readme, manifest,
// main file and tests into the data directory and writes data.json. When
// data.json already exists the material is read back from the data
// directory instead.
//
// A package for which none of the four kinds of material can be found is
// reported as terminal.PackageDataMissing.
func (d *Discovery) Discover(ctx context.Context, ws *workspace.Workspace) (*Info, error) {
	logger := d.logger().With("package", ws.Package)

	if workspace.Exists(filepath.Join(ws.Data(), RecordFile)) {
		info, err := Load(ws)
		if err != nil {
			return nil, err
		}
		if info.Empty() {
			return nil, terminal.Errorf(terminal.PackageDataMissing, "no package data recorded for %s", ws.Package)
		}
		logger.Debug("Package data loaded from workspace")
		return info, nil
	}

	repo := ws.Repository()
	if err := FetchRepository(ctx, d.Runner, d.Cloner, ws.Package, repo, d.Options.commandTimeout()); err != nil {
		return nil, err
	}

	info, record, err := collect(ws, repo)
	if err != nil {
		return nil, err
	}
	if err := workspace.WriteJSON(filepath.Join(ws.Data(), RecordFile), record); err != nil {
		return nil, fmt.Errorf("write package data record: %w", err)
	}

	logger.Info("Package data discovered",
		"readme", record.HasReadme,
		"package_json", record.HasPackageJSON,
		"main", record.HasMain,
		"tests", len(info.Tests))

	if info.Empty() {
		return nil, terminal.Errorf(terminal.PackageDataMissing, "no readme, package.json, main file or tests in repository of %s", ws.Package)
	}
	return info, nil
}

func (d *Discovery) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func collect(ws *workspace.Workspace, repo string) (*Info, *Record, error) {
	info := &Info{Package: ws.Package}
	record := &Record{HasRepository: true}
	data := ws.Data()

	if path, ok := findReadme(repo); ok {
		info.Readme = readText(path)
	}
	info.Manifest = readText(filepath.Join(repo, "package.json"))
	if info.Manifest != "" {
		info.Main = readText(findMain(repo, info.Manifest))
	}

	tests, err := findTests(repo)
	if err != nil {
		return nil, nil, err
	}
	info.Tests = tests

	files := []struct {
		content string
		name    string
		flag    *bool
	}{
		{info.Readme, ReadmeFile, &record.HasReadme},
		{info.Manifest, ManifestFile, &record.HasPackageJSON},
		{info.Main, MainFile, &record.HasMain},
	}
	for _, f := range files {
		if f.content == "" {
			continue
		}
		*f.flag = true
		if err := workspace.WriteFile(filepath.Join(data, f.name), f.content); err != nil {
			return nil, nil, err
		}
	}

	for i, tf := range info.Tests {
		path := filepath.Join(data, TestsDir, strconv.Itoa(i)+".js")
		if err := workspace.WriteFile(path, testHeader(tf.Path)+tf.Content); err != nil {
			return nil, nil, err
		}
	}
	record.HasTests = len(info.Tests) > 0

	return info, record, nil
}

// findReadme returns the first file, in name order, whose name contains
// "readme".
func findReadme(repo string) (string, bool) {
	children, err := workspace.Children(repo)
	if err != nil {
		return "", false
	}
	for _, child := range children {
		if !strings.Contains(strings.ToLower(filepath.Base(child)), "readme") {
			continue
		}
		if info, err := os.Stat(child); err == nil && info.Mode().IsRegular() {
			return child, true
		}
	}
	return "", false
}

// findMain prefers the manifest "main" entry and falls back to index files.
func findMain(repo, manifest string) string {
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal([]byte(manifest), &pkg); err == nil && pkg.Main != "" {
		candidate := filepath.Join(repo, filepath.FromSlash(pkg.Main))
		if readText(candidate) != "" {
			return candidate
		}
	}
	for _, name := range mainFallbacks {
		candidate := filepath.Join(repo, name)
		if readText(candidate) != "" {
			return candidate
		}
	}
	return ""
}

func findTests(repo string) ([]TestFile, error) {
	seen := make(map[string]bool)
	var rels []string
	fsys := os.DirFS(repo)
	for _, pattern := range testPatterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, m := range matches {
			if strings.HasPrefix(m, "node_modules/") || strings.Contains(m, "/node_modules/") {
				continue
			}
			if !seen[m] {
				seen[m] = true
				rels = append(rels, m)
			}
		}
	}
	slices.Sort(rels)

	var tests []TestFile
	for _, rel := range rels {
		content := readText(filepath.Join(repo, filepath.FromSlash(rel)))
		if strings.TrimSpace(content) == "" {
			continue
		}
		tests = append(tests, TestFile{Path: rel, Content: content})
	}
	return tests, nil
}

// Load reads the discovered material back from the data directory.
func Load(ws *workspace.Workspace) (*Info, error) {
	data := ws.Data()
	info := &Info{
		Package:  ws.Package,
		Readme:   readText(filepath.Join(data, ReadmeFile)),
		Manifest: readText(filepath.Join(data, ManifestFile)),
		Main:     readText(filepath.Join(data, MainFile)),
	}

	children, err := workspace.Children(filepath.Join(data, TestsDir))
	if err != nil {
		return nil, err
	}
	slices.SortFunc(children, func(a, b string) int {
		return indexOf(a) - indexOf(b)
	})
	for _, child := range children {
		content := readText(child)
		path, body := splitTestHeader(content)
		info.Tests = append(info.Tests, TestFile{Path: path, Content: body})
	}
	return info, nil
}

// LoadRecord reads data/data.json.
func LoadRecord(ws *workspace.Workspace) (*Record, error) {
	var record Record
	if err := workspace.ReadJSON(filepath.Join(ws.Data(), RecordFile), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// MarkRejected sets llm_rejected in data/data.json.
func MarkRejected(ws *workspace.Workspace) error {
	record, err := LoadRecord(ws)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		record = &Record{}
	}
	record.LLMRejected = true
	return workspace.WriteJSON(filepath.Join(ws.Data(), RecordFile), record)
}

func testHeader(path string) string {
	return "// File: " + path + "\n\n"
}

func splitTestHeader(content string) (string, string) {
	if !strings.HasPrefix(content, "// File: ") {
		return "", content
	}
	header, body, _ := strings.Cut(content, "\n\n")
	return strings.TrimPrefix(header, "// File: "), body
}

func indexOf(path string) int {
	n, err := strconv.Atoi(workspace.Stem(path))
	if err != nil {
		return -1
	}
	return n
}

// readText returns the file content, or "" for missing, unreadable or
// non-UTF-8 files.
func readText(path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil || !utf8.Valid(b) {
		return ""
	}
	return string(b)
}
