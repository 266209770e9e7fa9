package packagedata

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/dtseval/shell"
	"github.com/c360studio/dtseval/terminal"
	"github.com/c360studio/dtseval/workspace"
)

// Default timeouts for package-level commands.
const (
	DefaultInstallTimeout = 600 * time.Second
	DefaultCommandTimeout = 60 * time.Second
)

// EnvironmentFile records the toolchain versions a template was built with.
const EnvironmentFile = "environment.json"

// sandboxDependencies are installed next to the package so the comparator
// can run inside the same tree.
var sandboxDependencies = []string{"tsx", "typescript", "@types/node"}

var lockfiles = []string{"package.json", "package-lock.json"}

// Options configure package-level commands.
type Options struct {
	InstallTimeout time.Duration
	CommandTimeout time.Duration

	// Reproduce installs from the recorded lockfiles instead of resolving
	// the latest versions.
	Reproduce bool
}

func (o Options) installTimeout() time.Duration {
	if o.InstallTimeout <= 0 {
		return DefaultInstallTimeout
	}
	return o.InstallTimeout
}

func (o Options) commandTimeout() time.Duration {
	if o.CommandTimeout <= 0 {
		return DefaultCommandTimeout
	}
	return o.CommandTimeout
}

// Environment is data/environment.json.
type Environment struct {
	Node string `json:"node"`
	NPM  string `json:"npm"`
}

// TemplateBuilder installs the package into cache/template, the pristine
// sandbox every validation run copies from.
type TemplateBuilder struct {
	Runner  shell.Runner
	Logger  *slog.Logger
	Options Options
}

// Build populates the template directory. A non-empty template is reused.
//
// In normal mode the package is installed with npm install and the
// resulting manifest and lockfile are recorded under data/reproduction. In
// reproduction mode those recorded files are required and installed with
// npm ci. Install failures are terminal.PackageInstallationFailure.
func (b *TemplateBuilder) Build(ctx context.Context, ws *workspace.Workspace) error {
	logger := b.logger().With("package", ws.Package)
	template := ws.Template()

	empty, err := workspace.IsEmpty(template)
	if err != nil {
		return err
	}
	if !empty {
		logger.Debug("Reusing sandbox template")
		return nil
	}

	if err := workspace.EnsureDir(template, true); err != nil {
		return err
	}

	if b.Options.Reproduce {
		err = b.installRecorded(ctx, ws)
	} else {
		err = b.installLatest(ctx, ws)
	}
	if err != nil {
		// A half-built template must not be reused on the next run.
		_ = workspace.EnsureDir(template, true)
		return err
	}

	if err := b.checkEnvironment(ctx, ws); err != nil {
		return err
	}

	logger.Info("Sandbox template built", "reproduce", b.Options.Reproduce)
	return nil
}

func (b *TemplateBuilder) installLatest(ctx context.Context, ws *workspace.Workspace) error {
	args := append([]string{"npm", "install"}, sandboxDependencies...)
	args = append(args, ws.Package)
	if err := b.install(ctx, ws, args); err != nil {
		return err
	}

	for _, name := range lockfiles {
		src := filepath.Join(ws.Template(), name)
		if !workspace.Exists(src) {
			continue
		}
		if err := workspace.CopyFile(src, filepath.Join(ws.Reproduction(), name)); err != nil {
			return fmt.Errorf("record %s: %w", name, err)
		}
	}
	return nil
}

func (b *TemplateBuilder) installRecorded(ctx context.Context, ws *workspace.Workspace) error {
	for _, name := range lockfiles {
		src := filepath.Join(ws.Reproduction(), name)
		if !workspace.Exists(src) {
			return terminal.Errorf(terminal.ReproductionMismatch, "recorded %s missing for %s", name, ws.Package)
		}
		if err := workspace.CopyFile(src, filepath.Join(ws.Template(), name)); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}
	return b.install(ctx, ws, []string{"npm", "ci"})
}

func (b *TemplateBuilder) install(ctx context.Context, ws *workspace.Workspace, args []string) error {
	_, err := b.Runner.Run(ctx, shell.Command{
		Args:           args,
		Dir:            ws.Template(),
		Timeout:        b.Options.installTimeout(),
		RequireSuccess: true,
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	return terminal.Wrap(terminal.PackageInstallationFailure, fmt.Errorf("install %s: %w", ws.Package, err))
}

// checkEnvironment records node and npm versions, or in reproduction mode
// compares them with the recorded ones. A differing toolchain is logged
// rather than treated as fatal since the lockfile pins every package.
func (b *TemplateBuilder) checkEnvironment(ctx context.Context, ws *workspace.Workspace) error {
	current, err := b.environment(ctx)
	if err != nil {
		return err
	}

	path := filepath.Join(ws.Data(), EnvironmentFile)
	if b.Options.Reproduce && workspace.Exists(path) {
		var recorded Environment
		if err := workspace.ReadJSON(path, &recorded); err != nil {
			return err
		}
		if recorded != *current {
			b.logger().Warn("Toolchain differs from recorded environment",
				"package", ws.Package,
				"recorded_node", recorded.Node, "node", current.Node,
				"recorded_npm", recorded.NPM, "npm", current.NPM)
		}
		return nil
	}
	return workspace.WriteJSON(path, current)
}

func (b *TemplateBuilder) environment(ctx context.Context) (*Environment, error) {
	version := func(program string) (string, error) {
		res, err := b.Runner.Run(ctx, shell.Command{
			Args:           []string{program, "--version"},
			Timeout:        b.Options.commandTimeout(),
			RequireSuccess: true,
		})
		if err != nil {
			return "", fmt.Errorf("%s --version: %w", program, err)
		}
		return strings.TrimSpace(res.Output), nil
	}

	node, err := version("node")
	if err != nil {
		return nil, err
	}
	npm, err := version("npm")
	if err != nil {
		return nil, err
	}
	return &Environment{Node: node, NPM: npm}, nil
}

func (b *TemplateBuilder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}
