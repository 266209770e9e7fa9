package packagedata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/c360studio/dtseval/terminal"
	"github.com/c360studio/dtseval/workspace"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// Ground-truth corpus defaults.
const (
	DefaultGroundTruthURL    = "https://github.com/DefinitelyTyped/DefinitelyTyped.git"
	DefaultGroundTruthCommit = "3b48ce35f1236733d9c1940eb95e6647b8a30852"
)

const pinnedRef = "refs/heads/dtseval-pinned"

// GroundTruth is a local checkout of the reference declaration corpus.
type GroundTruth struct {
	Path   string
	URL    string
	Commit string
	Cloner Cloner
	Logger *slog.Logger
}

// Ensure clones the corpus when it is missing. With reproduce set the
// checkout must be at Commit; a shallow checkout elsewhere is moved there,
// and any failure to do so is terminal.ReproductionMismatch.
func (g *GroundTruth) Ensure(ctx context.Context, reproduce bool) error {
	empty, err := workspace.IsEmpty(g.Path)
	if err != nil {
		return err
	}
	if empty {
		url := g.URL
		if url == "" {
			url = DefaultGroundTruthURL
		}
		g.logger().Info("Cloning ground-truth corpus", "url", url, "path", g.Path)
		if err := g.Cloner.Clone(ctx, url, g.Path); err != nil {
			return fmt.Errorf("clone ground truth: %w", err)
		}
	}

	if !reproduce {
		return nil
	}
	return g.pin(ctx)
}

func (g *GroundTruth) pin(ctx context.Context) error {
	commit := g.Commit
	if commit == "" {
		commit = DefaultGroundTruthCommit
	}

	repo, err := git.PlainOpen(g.Path)
	if err != nil {
		return terminal.Wrap(terminal.ReproductionMismatch, fmt.Errorf("open ground truth: %w", err))
	}
	head, err := repo.Head()
	if err != nil {
		return terminal.Wrap(terminal.ReproductionMismatch, fmt.Errorf("resolve ground-truth HEAD: %w", err))
	}
	if head.Hash().String() == commit {
		return nil
	}

	g.logger().Info("Checking out pinned ground-truth commit", "from", head.Hash().String(), "to", commit)

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []gitconfig.RefSpec{gitconfig.RefSpec(commit + ":" + pinnedRef)},
		Depth:    1,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return terminal.Wrap(terminal.ReproductionMismatch, fmt.Errorf("fetch commit %s: %w", commit, err))
	}

	wt, err := repo.Worktree()
	if err != nil {
		return terminal.Wrap(terminal.ReproductionMismatch, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit), Force: true}); err != nil {
		return terminal.Wrap(terminal.ReproductionMismatch, fmt.Errorf("checkout %s: %w", commit, err))
	}
	return nil
}

// Packages lists the escaped names under types/, sorted.
func (g *GroundTruth) Packages() ([]string, error) {
	children, err := workspace.Children(filepath.Join(g.Path, "types"))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, child := range children {
		info, err := os.Stat(child)
		if err != nil || !info.IsDir() {
			continue
		}
		names = append(names, filepath.Base(child))
	}
	return names, nil
}

// ExpectedPath is the reference declaration file of pkg.
func (g *GroundTruth) ExpectedPath(pkg string) string {
	return filepath.Join(g.Path, "types", workspace.Escape(pkg), "index.d.ts")
}

// Expected reads the reference declaration of pkg.
func (g *GroundTruth) Expected(pkg string) (string, error) {
	return workspace.ReadFile(g.ExpectedPath(pkg))
}

func (g *GroundTruth) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}
