package comparison

import (
	"fmt"
	"path/filepath"

	"github.com/c360studio/dtseval/terminal"
	"github.com/c360studio/dtseval/workspace"
)

// Corpus metric file names under <output>/metrics.
const (
	AbsoluteMetricsFile = "absolute_metrics.json"
	RelativeMetricsFile = "relative_metrics.json"
	BaselineMetricsFile = "base_line_metrics.json"
)

// unfinishedKey counts packages without a terminal classification.
const unfinishedKey = "unfinished"

// Scores summarizes a record without its symbol maps.
type Scores struct {
	Soundness    float64 `json:"soundness"`
	Completeness float64 `json:"completeness"`
	Equivalence  float64 `json:"equivalence"`
	IsSound      bool    `json:"isSound"`
	IsComplete   bool    `json:"isComplete"`
	IsEquivalent bool    `json:"isEquivalent"`
	Predicted    int     `json:"predicted"`
	Expected     int     `json:"expected"`
}

// ScoresOf summarizes r.
func ScoresOf(r Record) Scores {
	return Scores{
		Soundness:    r.Soundness,
		Completeness: r.Completeness,
		Equivalence:  r.Equivalence,
		IsSound:      r.IsSound,
		IsComplete:   r.IsComplete,
		IsEquivalent: r.IsEquivalent,
		Predicted:    len(r.PredictedToExpected),
		Expected:     len(r.ExpectedToPredicted),
	}
}

// Counts are per-mode artifact counts.
type Counts struct {
	PackagesWithExamples     int `json:"packages_with_examples"`
	Examples                 int `json:"examples"`
	PackagesWithDeclarations int `json:"packages_with_declarations"`
	Declarations             int `json:"declarations"`
	PackagesWithComparisons  int `json:"packages_with_comparisons"`
	Comparisons              int `json:"comparisons"`
}

// ModeAbsolute holds the absolute metrics of one mode.
type ModeAbsolute struct {
	Counts
	Aggregate Scores `json:"aggregate"`
}

// Absolute is absolute_metrics.json.
type Absolute struct {
	Packages int                     `json:"packages"`
	Terminal map[string]int          `json:"terminal"`
	Modes    map[string]ModeAbsolute `json:"modes"`
}

// ModeRelative holds the per-package-normalized metrics of one mode.
type ModeRelative struct {
	PackagesWithExamples     float64 `json:"packages_with_examples"`
	Examples                 float64 `json:"examples"`
	PackagesWithDeclarations float64 `json:"packages_with_declarations"`
	Declarations             float64 `json:"declarations"`
	PackagesWithComparisons  float64 `json:"packages_with_comparisons"`
	Comparisons              float64 `json:"comparisons"`

	MeanSoundness      float64 `json:"mean_soundness"`
	MeanCompleteness   float64 `json:"mean_completeness"`
	MeanEquivalence    float64 `json:"mean_equivalence"`
	FractionSound      float64 `json:"fraction_sound"`
	FractionComplete   float64 `json:"fraction_complete"`
	FractionEquivalent float64 `json:"fraction_equivalent"`
}

// Relative is relative_metrics.json.
type Relative struct {
	Packages int                     `json:"packages"`
	Terminal map[string]float64      `json:"terminal"`
	Modes    map[string]ModeRelative `json:"modes"`
}

// ModeBaseline scores the empty declaration against the same packages.
type ModeBaseline struct {
	Packages         int     `json:"packages"`
	Aggregate        Scores  `json:"aggregate"`
	MeanSoundness    float64 `json:"mean_soundness"`
	MeanCompleteness float64 `json:"mean_completeness"`
	MeanEquivalence  float64 `json:"mean_equivalence"`
}

// Baseline is base_line_metrics.json.
type Baseline struct {
	Modes map[string]ModeBaseline `json:"modes"`
}

// Metrics bundles the three corpus metric files.
type Metrics struct {
	Absolute Absolute
	Relative Relative
	Baseline Baseline
}

// metricModes are the example modes plus the union of the basic modes.
func metricModes() []string {
	names := make([]string, 0, len(workspace.Modes())+1)
	for _, m := range workspace.Modes() {
		names = append(names, string(m))
	}
	return append(names, TotalAggregate)
}

func sourceModes(name string) []workspace.Mode {
	if name == TotalAggregate {
		return workspace.BasicModes()
	}
	return []workspace.Mode{workspace.Mode(name)}
}

// packageMode is what one package contributed to one metric mode.
type packageMode struct {
	examples     int
	declarations int
	comparisons  int
	aggregate    Record
}

// ComputeMetrics reads the workspaces of packages under outputDir.
func ComputeMetrics(outputDir string, packages []string) (*Metrics, error) {
	abs := Absolute{Packages: len(packages), Terminal: map[string]int{}, Modes: map[string]ModeAbsolute{}}
	rel := Relative{Packages: len(packages), Terminal: map[string]float64{}, Modes: map[string]ModeRelative{}}
	base := Baseline{Modes: map[string]ModeBaseline{}}

	perMode := make(map[string][]Sourced)
	baselines := make(map[string][]Sourced)
	for _, name := range metricModes() {
		abs.Modes[name] = ModeAbsolute{}
	}

	for _, pkg := range packages {
		ws := workspace.New(outputDir, pkg)

		state, err := ws.LoadState()
		if err != nil {
			// The pipeline classifies unreadable workspaces as raised errors.
			abs.Terminal[string(terminal.MarkerRaisedError)]++
			continue
		}
		key := unfinishedKey
		if state.Finished() {
			key = string(state.Terminal)
		}
		abs.Terminal[key]++

		for _, name := range metricModes() {
			pm, err := collectMode(ws, sourceModes(name))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", pkg, err)
			}
			m := abs.Modes[name]
			m.Examples += pm.examples
			m.Declarations += pm.declarations
			m.Comparisons += pm.comparisons
			if pm.examples > 0 {
				m.PackagesWithExamples++
			}
			if pm.declarations > 0 {
				m.PackagesWithDeclarations++
			}
			if pm.comparisons > 0 {
				m.PackagesWithComparisons++
				scoped := scopeExpected(pkg, pm.aggregate)
				perMode[name] = append(perMode[name], Sourced{Source: pkg, Record: scoped})
				baselines[name] = append(baselines[name], Sourced{Source: pkg, Record: EmptyBaseline(scoped)})
			}
			abs.Modes[name] = m
		}
	}

	for _, name := range metricModes() {
		m := abs.Modes[name]
		m.Aggregate = ScoresOf(Merge(perMode[name]))
		abs.Modes[name] = m

		rel.Modes[name] = relativeMode(m.Counts, perMode[name], len(packages))

		mean := means(baselines[name])
		base.Modes[name] = ModeBaseline{
			Packages:         len(baselines[name]),
			Aggregate:        ScoresOf(Merge(baselines[name])),
			MeanSoundness:    mean.Soundness,
			MeanCompleteness: mean.Completeness,
			MeanEquivalence:  mean.Equivalence,
		}
	}
	for key, n := range abs.Terminal {
		rel.Terminal[key] = ratio(n, len(packages))
	}

	return &Metrics{Absolute: abs, Relative: rel, Baseline: base}, nil
}

// WriteMetrics writes the three metric files into dir.
func (m *Metrics) WriteMetrics(dir string) error {
	files := []struct {
		name string
		v    any
	}{
		{AbsoluteMetricsFile, m.Absolute},
		{RelativeMetricsFile, m.Relative},
		{BaselineMetricsFile, m.Baseline},
	}
	for _, f := range files {
		if err := workspace.WriteJSON(filepath.Join(dir, f.name), f.v); err != nil {
			return err
		}
	}
	return nil
}

func collectMode(ws *workspace.Workspace, modes []workspace.Mode) (packageMode, error) {
	var pm packageMode
	var records []Sourced
	for _, mode := range modes {
		examples, err := workspace.Children(ws.Examples(mode))
		if err != nil {
			return pm, err
		}
		declarations, err := workspace.Children(ws.Declarations(mode))
		if err != nil {
			return pm, err
		}
		loaded, err := LoadMode(ws, mode)
		if err != nil {
			return pm, err
		}
		pm.examples += len(examples)
		pm.declarations += len(declarations)
		records = append(records, loaded...)
	}
	pm.comparisons = len(records)
	if len(records) > 0 {
		pm.aggregate = Merge(records)
	}
	return pm, nil
}

// scopeExpected keys the expected symbols of r as "<pkg>:<symbol>" so that
// packages exporting the same name stay distinct in a corpus merge. Scores
// are unchanged.
func scopeExpected(pkg string, r Record) Record {
	expected := make(map[string]*string, len(r.ExpectedToPredicted))
	for symbol, match := range r.ExpectedToPredicted {
		expected[qualify(pkg, symbol)] = match
	}
	r.ExpectedToPredicted = expected
	return r
}

// EmptyBaseline is the record an empty declaration would score against the
// same reference: nothing predicted, every expected symbol unmatched.
func EmptyBaseline(r Record) Record {
	expected := make(map[string]*string, len(r.ExpectedToPredicted))
	for symbol := range r.ExpectedToPredicted {
		expected[symbol] = nil
	}
	return NewRecord(nil, expected)
}

type meanScores struct {
	Soundness, Completeness, Equivalence float64
	Sound, Complete, Equivalent          float64
}

func means(records []Sourced) meanScores {
	var m meanScores
	if len(records) == 0 {
		return m
	}
	for _, s := range records {
		m.Soundness += s.Record.Soundness
		m.Completeness += s.Record.Completeness
		m.Equivalence += s.Record.Equivalence
		if s.Record.IsSound {
			m.Sound++
		}
		if s.Record.IsComplete {
			m.Complete++
		}
		if s.Record.IsEquivalent {
			m.Equivalent++
		}
	}
	n := float64(len(records))
	return meanScores{
		Soundness:    m.Soundness / n,
		Completeness: m.Completeness / n,
		Equivalence:  m.Equivalence / n,
		Sound:        m.Sound / n,
		Complete:     m.Complete / n,
		Equivalent:   m.Equivalent / n,
	}
}

func relativeMode(c Counts, records []Sourced, packages int) ModeRelative {
	mean := means(records)
	return ModeRelative{
		PackagesWithExamples:     ratio(c.PackagesWithExamples, packages),
		Examples:                 ratio(c.Examples, packages),
		PackagesWithDeclarations: ratio(c.PackagesWithDeclarations, packages),
		Declarations:             ratio(c.Declarations, packages),
		PackagesWithComparisons:  ratio(c.PackagesWithComparisons, packages),
		Comparisons:              ratio(c.Comparisons, packages),
		MeanSoundness:            mean.Soundness,
		MeanCompleteness:         mean.Completeness,
		MeanEquivalence:          mean.Equivalence,
		FractionSound:            mean.Sound,
		FractionComplete:         mean.Complete,
		FractionEquivalent:       mean.Equivalent,
	}
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
