package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/c360studio/dtseval/terminal"
)

// Stage is the last pipeline stage a package entered.
type Stage string

const (
	StageNotStarted   Stage = "not_started"
	StageExamples     Stage = "examples"
	StageDeclarations Stage = "declarations"
	StageComparisons  Stage = "comparisons"
	StageDone         Stage = "done"
)

// State is the resumability record of one package. A package whose record
// carries a terminal marker is never run again except in reproduction mode.
type State struct {
	Package   string          `json:"package"`
	RunID     string          `json:"run_id,omitempty"`
	Stage     Stage           `json:"stage"`
	Terminal  terminal.Marker `json:"terminal,omitempty"`
	Message   string          `json:"message,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Finished reports whether a terminal marker has been recorded.
func (s *State) Finished() bool {
	return s != nil && s.Terminal != ""
}

// LoadState reads the state record. A missing record yields a fresh
// not-started state.
func (w *Workspace) LoadState() (*State, error) {
	data, err := os.ReadFile(w.StatePath())
	if errors.Is(err, fs.ErrNotExist) {
		return &State{Package: w.Package, Stage: StageNotStarted}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if state.Terminal != "" && !state.Terminal.Valid() {
		return nil, fmt.Errorf("state has unknown terminal marker %q", state.Terminal)
	}
	return &state, nil
}

// SaveState writes the state record atomically.
func (w *Workspace) SaveState(state *State) error {
	state.Package = w.Package
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return writeFileAtomic(w.StatePath(), data)
}
