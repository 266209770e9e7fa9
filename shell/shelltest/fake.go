// Package shelltest provides a scripted shell.Runner for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"github.com/c360studio/dtseval/shell"
)

// Handler produces the result of one command.
type Handler func(cmd shell.Command) (*shell.Result, error)

// Route pairs a command-line prefix with its handler.
type Route struct {
	Prefix  string
	Handler Handler
}

// Runner is a thread-safe fake runner. Commands are matched against Routes
// by prefix of their joined command line, first match wins. Unmatched
// commands succeed with empty output.
type Runner struct {
	mu     sync.Mutex
	Routes []Route
	calls  []shell.Command
}

// Handle registers a handler for commands starting with prefix.
func (r *Runner) Handle(prefix string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Routes = append(r.Routes, Route{Prefix: prefix, Handler: h})
}

// Run implements shell.Runner.
func (r *Runner) Run(ctx context.Context, cmd shell.Command) (*shell.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	routes := append([]Route(nil), r.Routes...)
	r.mu.Unlock()

	line := cmd.String()
	for _, route := range routes {
		if strings.HasPrefix(line, route.Prefix) {
			res, err := route.Handler(cmd)
			if err != nil {
				return res, err
			}
			return res, shell.Check(cmd, res)
		}
	}
	return &shell.Result{}, nil
}

// Calls returns a copy of every command run so far.
func (r *Runner) Calls() []shell.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shell.Command(nil), r.calls...)
}

// CallCount returns how many commands were run.
func (r *Runner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Ok returns a handler that succeeds with output.
func Ok(output string) Handler {
	return func(shell.Command) (*shell.Result, error) {
		return &shell.Result{Output: output}, nil
	}
}

// Exit returns a handler that exits with code and output.
func Exit(code int, output string) Handler {
	return func(shell.Command) (*shell.Result, error) {
		return &shell.Result{Output: output, ExitCode: code}, nil
	}
}

// Timeout returns a handler that reports a timed-out run.
func Timeout(output string) Handler {
	return func(shell.Command) (*shell.Result, error) {
		return &shell.Result{Output: output, ExitCode: shell.TimeoutExitCode, TimedOut: true}, nil
	}
}
