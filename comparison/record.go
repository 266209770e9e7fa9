// Package comparison scores generated declarations against reference
// declarations and merges the resulting records into aggregates.
package comparison

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/c360studio/dtseval/workspace"
)

// Record is the result of comparing one predicted declaration with the
// expected one. Map values are nil for symbols without a match.
type Record struct {
	Soundness           float64            `json:"soundness"`
	Completeness        float64            `json:"completeness"`
	Equivalence         float64            `json:"equivalence"`
	IsSound             bool               `json:"isSound"`
	IsComplete          bool               `json:"isComplete"`
	IsEquivalent        bool               `json:"isEquivalent"`
	PredictedToExpected map[string]*string `json:"predicted_to_expected_sub"`
	ExpectedToPredicted map[string]*string `json:"expected_to_predicted_sub"`
}

// NewRecord derives the scores from the two match maps. An empty side
// scores 1.
func NewRecord(predictedToExpected, expectedToPredicted map[string]*string) Record {
	if predictedToExpected == nil {
		predictedToExpected = map[string]*string{}
	}
	if expectedToPredicted == nil {
		expectedToPredicted = map[string]*string{}
	}
	soundness := matchedFraction(predictedToExpected)
	completeness := matchedFraction(expectedToPredicted)
	equivalence := soundness * completeness
	return Record{
		Soundness:           soundness,
		Completeness:        completeness,
		Equivalence:         equivalence,
		IsSound:             soundness == 1,
		IsComplete:          completeness == 1,
		IsEquivalent:        equivalence == 1,
		PredictedToExpected: predictedToExpected,
		ExpectedToPredicted: expectedToPredicted,
	}
}

func matchedFraction(m map[string]*string) float64 {
	if len(m) == 0 {
		return 1
	}
	matched := 0
	for _, v := range m {
		if v != nil {
			matched++
		}
	}
	return float64(matched) / float64(len(m))
}

// Sourced is a record labelled with where it came from.
type Sourced struct {
	Source string
	Record Record
}

// Merge combines records into one aggregate of the same shape.
//
// Predicted symbols are re-keyed as "<source>:<symbol>" and keep their
// values. For each expected symbol the first non-nil match in input order
// wins, stored as "<source>:<match>"; a later non-nil match still replaces
// an earlier nil. Merging nothing yields the vacuous record with all scores
// at 1.
func Merge(inputs []Sourced) Record {
	predicted := make(map[string]*string)
	expected := make(map[string]*string)

	for _, in := range inputs {
		for symbol, match := range in.Record.PredictedToExpected {
			predicted[qualify(in.Source, symbol)] = match
		}
		for symbol, match := range in.Record.ExpectedToPredicted {
			current, seen := expected[symbol]
			if seen && (current != nil || match == nil) {
				continue
			}
			if match == nil {
				expected[symbol] = nil
				continue
			}
			qualified := qualify(in.Source, *match)
			expected[symbol] = &qualified
		}
	}
	return NewRecord(predicted, expected)
}

func qualify(source, symbol string) string {
	return source + ":" + symbol
}

// Load reads a record file.
func Load(path string) (Record, error) {
	var r Record
	if err := workspace.ReadJSON(path, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// LoadMode reads every record of mode, sourced as "<mode>/<key>".
func LoadMode(ws *workspace.Workspace, mode workspace.Mode) ([]Sourced, error) {
	paths, err := workspace.Children(ws.Comparisons(mode))
	if err != nil {
		return nil, err
	}
	var out []Sourced
	for _, path := range paths {
		if filepath.Ext(path) != ".json" {
			continue
		}
		r, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("load comparison: %w", err)
		}
		out = append(out, Sourced{Source: string(mode) + "/" + workspace.Stem(path), Record: r})
	}
	return out, nil
}

// declarationKey is the example index of a declaration file name.
func declarationKey(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".d.ts")
}
