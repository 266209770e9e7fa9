// Package packagedata discovers and stages the inputs of a package
// evaluation: the upstream repository, the files the prompts are built from,
// the sandbox template with the package installed, and the ground-truth
// declaration corpus.
package packagedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c360studio/dtseval/shell"
	"github.com/c360studio/dtseval/terminal"
	"github.com/go-git/go-git/v5"
)

const githubHost = "github.com"

// Cloner fetches a shallow copy of a git repository.
type Cloner interface {
	Clone(ctx context.Context, url, dest string) error
}

// GitCloner clones with go-git.
type GitCloner struct {
	// Depth limits history. Zero clones everything.
	Depth int
}

// Clone implements Cloner.
func (g GitCloner) Clone(ctx context.Context, url, dest string) error {
	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:          url,
		Depth:        g.Depth,
		SingleBranch: g.Depth > 0,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	return nil
}

// RepositoryURL asks npm for the package's repository field and normalizes
// it to an https GitHub URL. Anything that is not hosted on GitHub is
// reported as missing package data.
func RepositoryURL(ctx context.Context, runner shell.Runner, pkg string, timeout time.Duration) (string, error) {
	res, err := runner.Run(ctx, shell.Command{
		Args:           []string{"npm", "view", pkg, "repository", "--json"},
		Timeout:        timeout,
		RequireSuccess: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", terminal.Wrap(terminal.PackageDataMissing, fmt.Errorf("npm view %s: %w", pkg, err))
	}

	raw := strings.TrimSpace(res.Output)
	if raw == "" {
		return "", terminal.Errorf(terminal.PackageDataMissing, "npm view %s: no repository field", pkg)
	}

	url, err := repositoryField([]byte(raw))
	if err != nil {
		return "", terminal.Wrap(terminal.PackageDataMissing, fmt.Errorf("npm view %s: %w", pkg, err))
	}

	normalized, ok := normalizeGitHubURL(url)
	if !ok {
		return "", terminal.Errorf(terminal.PackageDataMissing, "repository of %s is not on GitHub: %q", pkg, url)
	}
	return normalized, nil
}

// repositoryField accepts both shapes npm emits: {"type": ..., "url": ...}
// or a bare string.
func repositoryField(raw []byte) (string, error) {
	var field struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &field); err == nil && field.URL != "" {
		return field.URL, nil
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil && plain != "" {
		return plain, nil
	}
	return "", errors.New("repository field is neither an object with url nor a string")
}

// normalizeGitHubURL maps git+https://, git://, ssh and shorthand forms to
// https://github.com/<owner>/<repo>. Fragments, queries and paths below the
// repository are dropped.
func normalizeGitHubURL(url string) (string, bool) {
	_, rest, found := strings.Cut(url, githubHost)
	if !found {
		return "", false
	}
	rest, _, _ = strings.Cut(rest, "#")
	rest, _, _ = strings.Cut(rest, "?")
	rest = strings.TrimPrefix(rest, ":")
	rest = strings.Trim(rest, "/")

	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 {
		return "", false
	}
	owner, repo := parts[0], strings.TrimSuffix(parts[1], ".git")
	if owner == "" || repo == "" {
		return "", false
	}
	return "https://" + githubHost + "/" + owner + "/" + repo, true
}

// FetchRepository resolves and clones the package repository into dest.
// An existing non-empty checkout is reused.
func FetchRepository(ctx context.Context, runner shell.Runner, cloner Cloner, pkg, dest string, timeout time.Duration) error {
	if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return nil
	}

	url, err := RepositoryURL(ctx, runner, pkg, timeout)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear %s: %w", dest, err)
	}
	if err := cloner.Clone(ctx, url, dest); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return terminal.Wrap(terminal.PackageDataMissing, err)
	}

	entries, err := os.ReadDir(dest)
	if err != nil || len(entries) == 0 {
		return terminal.Errorf(terminal.PackageDataMissing, "clone of %s is empty", url)
	}
	return nil
}
