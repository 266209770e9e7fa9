// Package workspace owns the on-disk layout of a package evaluation.
//
// Each package gets one directory tree under <output>/packages/<escaped>:
//
//	state.json       pipeline state record
//	data/            discovered metadata, reproduction lockfiles
//	cache/           clone, sandbox template, playground, candidates (disposable)
//	examples/<mode>/<index>.js
//	declarations/<mode>/<index>.d.ts
//	comparisons/<mode>/<index>.json, comparisons/combined_<name>.json
//	logs/            shell transcript, pipeline log, LLM transcripts
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Mode partitions the strategies that produce examples.
type Mode string

const (
	Extraction         Mode = "extraction"
	Generation         Mode = "generation"
	CombinedExtraction Mode = "combined_extraction"
	CombinedGeneration Mode = "combined_generation"
	CombinedAll        Mode = "combined_all"
)

// Modes returns every mode in processing order.
func Modes() []Mode {
	return []Mode{Extraction, Generation, CombinedExtraction, CombinedGeneration, CombinedAll}
}

// BasicModes returns the modes whose examples are produced directly.
func BasicModes() []Mode {
	return []Mode{Extraction, Generation}
}

// Combined reports whether m is a derived combination mode.
func (m Mode) Combined() bool {
	switch m {
	case CombinedExtraction, CombinedGeneration, CombinedAll:
		return true
	}
	return false
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	for _, known := range Modes() {
		if m == known {
			return true
		}
	}
	return false
}

// Workspace addresses the directory tree of one package.
type Workspace struct {
	Package string
	Root    string
}

// New returns the workspace of pkg below outputDir. Nothing is created.
func New(outputDir, pkg string) *Workspace {
	return &Workspace{
		Package: pkg,
		Root:    filepath.Join(outputDir, "packages", Escape(pkg)),
	}
}

func (w *Workspace) Data() string         { return filepath.Join(w.Root, "data") }
func (w *Workspace) Cache() string        { return filepath.Join(w.Root, "cache") }
func (w *Workspace) Logs() string         { return filepath.Join(w.Root, "logs") }
func (w *Workspace) Repository() string   { return filepath.Join(w.Cache(), "repository") }
func (w *Workspace) Template() string     { return filepath.Join(w.Cache(), "template") }
func (w *Workspace) Playground() string   { return filepath.Join(w.Cache(), "playground") }
func (w *Workspace) Reproduction() string { return filepath.Join(w.Data(), "reproduction") }
func (w *Workspace) StatePath() string    { return filepath.Join(w.Root, "state.json") }

// Log returns the path of a named log file.
func (w *Workspace) Log(name string) string { return filepath.Join(w.Logs(), name) }

// Candidates returns the directory that receives every validated candidate.
func (w *Workspace) Candidates(mode Mode) string {
	return filepath.Join(w.Cache(), "candidates", string(mode))
}

func (w *Workspace) Examples(mode Mode) string {
	return filepath.Join(w.Root, "examples", string(mode))
}

func (w *Workspace) Declarations(mode Mode) string {
	return filepath.Join(w.Root, "declarations", string(mode))
}

func (w *Workspace) Comparisons(mode Mode) string {
	return filepath.Join(w.Root, "comparisons", string(mode))
}

// ExamplePath returns examples/<mode>/<index>.js.
func (w *Workspace) ExamplePath(mode Mode, index int) string {
	return filepath.Join(w.Examples(mode), strconv.Itoa(index)+".js")
}

// DeclarationPath returns declarations/<mode>/<key>.d.ts.
func (w *Workspace) DeclarationPath(mode Mode, key string) string {
	return filepath.Join(w.Declarations(mode), key+".d.ts")
}

// ComparisonPath returns comparisons/<mode>/<key>.json.
func (w *Workspace) ComparisonPath(mode Mode, key string) string {
	return filepath.Join(w.Comparisons(mode), key+".json")
}

// AggregatePath returns comparisons/combined_<name>.json.
func (w *Workspace) AggregatePath(name string) string {
	return filepath.Join(w.Root, "comparisons", "combined_"+name+".json")
}

// Rel returns path relative to the workspace root, or path itself when it
// lies elsewhere.
func (w *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(w.Root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// RemoveCache deletes the disposable cache sub-tree.
func (w *Workspace) RemoveCache() error {
	if err := os.RemoveAll(w.Cache()); err != nil {
		return fmt.Errorf("remove cache: %w", err)
	}
	return nil
}

// Reset removes everything but data/ so a reproduction run starts from the
// recorded inputs only.
func (w *Workspace) Reset() error {
	children, err := Children(w.Root)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child == w.Data() {
			continue
		}
		if err := os.RemoveAll(child); err != nil {
			return fmt.Errorf("reset %s: %w", w.Rel(child), err)
		}
	}
	return nil
}
