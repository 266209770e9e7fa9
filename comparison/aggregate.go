package comparison

import (
	"github.com/c360studio/dtseval/workspace"
)

// TotalAggregate names the aggregate over both basic modes.
const TotalAggregate = "total"

// Aggregate merges the records of modes into one record. The bool is false
// when there are no records.
func Aggregate(ws *workspace.Workspace, modes ...workspace.Mode) (Record, bool, error) {
	var inputs []Sourced
	for _, mode := range modes {
		records, err := LoadMode(ws, mode)
		if err != nil {
			return Record{}, false, err
		}
		inputs = append(inputs, records...)
	}
	if len(inputs) == 0 {
		return Record{}, false, nil
	}
	return Merge(inputs), true, nil
}

// WriteAggregates writes comparisons/combined_<mode>.json for each basic
// mode and comparisons/combined_total.json for their union, each only when
// it has at least one record. It returns the names written.
func WriteAggregates(ws *workspace.Workspace) ([]string, error) {
	type target struct {
		name  string
		modes []workspace.Mode
	}
	targets := []target{
		{string(workspace.Extraction), []workspace.Mode{workspace.Extraction}},
		{string(workspace.Generation), []workspace.Mode{workspace.Generation}},
		{TotalAggregate, workspace.BasicModes()},
	}

	var written []string
	for _, t := range targets {
		record, ok, err := Aggregate(ws, t.modes...)
		if err != nil {
			return written, err
		}
		if !ok {
			continue
		}
		if err := workspace.WriteJSON(ws.AggregatePath(t.name), record); err != nil {
			return written, err
		}
		written = append(written, t.name)
	}
	return written, nil
}
