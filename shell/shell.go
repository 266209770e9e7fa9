// Package shell runs external commands with merged, streamed output and
// process-group timeouts.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// TimeoutExitCode is reported for commands killed after their timeout.
const TimeoutExitCode = 124

// DefaultGracePeriod is the wait between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Command describes one process invocation.
type Command struct {
	// Args is the program followed by its arguments.
	Args []string

	// Dir is the working directory. Empty uses the current directory.
	Dir string

	// Env adds variables on top of the inherited environment.
	Env map[string]string

	// Timeout bounds the run. Zero means no bound.
	Timeout time.Duration

	// RequireSuccess turns a non-zero exit or timeout into a *Failure.
	RequireSuccess bool
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Result is the outcome of a finished command.
type Result struct {
	Output   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Succeeded reports a zero exit without timeout.
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Failure is returned for unsuccessful commands run with RequireSuccess.
type Failure struct {
	Command Command
	Result  *Result
}

func (f *Failure) Error() string {
	if f.Result.TimedOut {
		return fmt.Sprintf("command %q timed out after %s", f.Command.String(), f.Command.Timeout)
	}
	return fmt.Sprintf("command %q exited with code %d", f.Command.String(), f.Result.ExitCode)
}

// IsFailure reports whether err is a command failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

// Check applies RequireSuccess to a finished command.
func Check(cmd Command, res *Result) error {
	if cmd.RequireSuccess && !res.Succeeded() {
		return &Failure{Command: cmd, Result: res}
	}
	return nil
}

// Script wraps a shell snippet for execution through sh.
func Script(script string) []string {
	return []string{"sh", "-c", script}
}

// Executor runs commands as child processes.
type Executor struct {
	mu     sync.Mutex
	sink   io.Writer
	logger *slog.Logger
	grace  time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithSink streams command headers and output lines to w.
func WithSink(w io.Writer) Option {
	return func(e *Executor) {
		e.sink = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithGracePeriod sets the wait between terminate and kill.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) {
		e.grace = d
	}
}

// NewExecutor creates an executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		sink:   io.Discard,
		logger: slog.Default(),
		grace:  DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSink replaces the output sink. The pipeline points it at the current
// package's shell transcript.
func (e *Executor) SetSink(w io.Writer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w == nil {
		w = io.Discard
	}
	e.sink = w
}

// Run executes cmd and waits for it. Output of stdout and stderr is merged,
// streamed line by line to the sink and buffered into the result.
func (e *Executor) Run(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.New("empty command")
	}

	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()

	c := exec.Command(cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), envList(cmd.Env)...)
	}
	setupProcessGroup(c)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	c.Stdout = pw
	c.Stderr = pw

	fmt.Fprintf(sink, "$ %s", cmd.String())
	if cmd.Dir != "" {
		fmt.Fprintf(sink, "  (in %s)", cmd.Dir)
	}
	fmt.Fprintln(sink)

	e.logger.Debug("Running command", "command", cmd.String(), "dir", cmd.Dir, "timeout", cmd.Timeout)

	start := time.Now()
	if err := c.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Args[0], err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	var output bytes.Buffer
	var readers errgroup.Group
	readers.Go(func() error {
		defer pr.Close()
		return streamLines(pr, &output, sink)
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	var timeout <-chan time.Time
	if cmd.Timeout > 0 {
		timer := time.NewTimer(cmd.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr, ctxErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timeout:
		timedOut = true
		waitErr = e.stop(c, done)
	case <-ctx.Done():
		ctxErr = ctx.Err()
		waitErr = e.stop(c, done)
	}

	readErr := e.joinReaders(&readers, pr, cmd)

	res := &Result{
		Output:   output.String(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}

	switch {
	case timedOut:
		res.ExitCode = TimeoutExitCode
	case waitErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("wait %s: %w", cmd.Args[0], waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	if timedOut {
		fmt.Fprintf(sink, "[timed out after %s]\n", cmd.Timeout)
	}
	fmt.Fprintf(sink, "[exit %d]\n\n", res.ExitCode)

	e.logger.Debug("Command finished",
		"command", cmd.String(),
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration", res.Duration)

	if ctxErr != nil {
		return res, fmt.Errorf("command %q cancelled: %w", cmd.String(), ctxErr)
	}
	if readErr != nil {
		e.logger.Warn("Reading command output failed", "command", cmd.String(), "error", readErr)
	}

	return res, Check(cmd, res)
}

// stop terminates the process group, escalating to a kill after the grace
// period, and returns the wait error.
func (e *Executor) stop(c *exec.Cmd, done <-chan error) error {
	terminateProcessGroup(c)

	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
		killProcessGroup(c)
		return <-done
	}
}

// joinReaders waits for the output reader. Processes that left the group
// (setsid, detached children) can keep the pipe open after the command is
// gone; after the grace period the read end is closed and the output read so
// far is kept.
func (e *Executor) joinReaders(readers *errgroup.Group, pr *os.File, cmd Command) error {
	joined := make(chan error, 1)
	go func() {
		joined <- readers.Wait()
	}()

	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case err := <-joined:
		return err
	case <-grace.C:
		e.logger.Warn("Command output still open after exit, detaching", "command", cmd.String())
		_ = pr.Close()
		return <-joined
	}
}

// streamLines copies r into buf and sink one line at a time. A closed reader
// ends the stream like EOF.
func streamLines(r io.Reader, buf *bytes.Buffer, sink io.Writer) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			buf.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			_, _ = io.WriteString(sink, line)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
