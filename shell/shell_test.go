//go:build !windows

package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// syncBuffer guards a buffer written by the reader goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_MergesOutput(t *testing.T) {
	sink := &syncBuffer{}
	e := NewExecutor(WithSink(sink))

	res, err := e.Run(context.Background(), Command{
		Args: Script("echo out; echo err 1>&2"),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Contains(t, res.Output, "out\n")
	assert.Contains(t, res.Output, "err\n")

	transcript := sink.String()
	assert.Contains(t, transcript, "$ sh -c echo out; echo err 1>&2")
	assert.Contains(t, transcript, "out\n")
	assert.Contains(t, transcript, "[exit 0]")
}

func TestRun_NonZeroExit(t *testing.T) {
	e := NewExecutor()

	res, err := e.Run(context.Background(), Command{Args: Script("echo failing; exit 3")})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "failing\n", res.Output)
	assert.False(t, res.Succeeded())
}

func TestRun_RequireSuccess(t *testing.T) {
	e := NewExecutor()

	res, err := e.Run(context.Background(), Command{
		Args:           Script("echo broken; exit 2"),
		RequireSuccess: true,
	})
	require.Error(t, err)
	assert.True(t, IsFailure(err))

	var failure *Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 2, failure.Result.ExitCode)
	assert.Equal(t, "broken\n", failure.Result.Output)
	assert.Same(t, res, failure.Result)
}

func TestRun_Timeout(t *testing.T) {
	e := NewExecutor(WithGracePeriod(200 * time.Millisecond))

	start := time.Now()
	res, err := e.Run(context.Background(), Command{
		Args:    Script("echo started; sleep 30"),
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Contains(t, res.Output, "started")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_TimeoutEscalatesToKill(t *testing.T) {
	e := NewExecutor(WithGracePeriod(200 * time.Millisecond))

	res, err := e.Run(context.Background(), Command{
		Args:           Script("trap '' TERM; echo ready; sleep 30"),
		Timeout:        200 * time.Millisecond,
		RequireSuccess: true,
	})
	require.Error(t, err)
	assert.True(t, IsFailure(err))
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
}

func TestRun_BackgroundHolderDoesNotBlock(t *testing.T) {
	e := NewExecutor(WithGracePeriod(200 * time.Millisecond))

	start := time.Now()
	res, err := e.Run(context.Background(), Command{
		Args: Script("sleep 5 & echo done"),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "done")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRun_TimeoutWithDetachedChild(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	e := NewExecutor(WithGracePeriod(200 * time.Millisecond))

	start := time.Now()
	res, err := e.Run(context.Background(), Command{
		Args:    Script("setsid sleep 6 & echo started; sleep 100"),
		Timeout: time.Second,
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Contains(t, res.Output, "started")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRun_ContextCancel(t *testing.T) {
	e := NewExecutor(WithGracePeriod(100 * time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx, Command{Args: Script("sleep 30")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_DirAndEnv(t *testing.T) {
	dir := t.TempDir()
	e := NewExecutor()

	res, err := e.Run(context.Background(), Command{
		Args: Script("pwd; echo $DTSEVAL_TEST"),
		Dir:  dir,
		Env:  map[string]string{"DTSEVAL_TEST": "value"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(res.Output), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], dir) || strings.HasSuffix(dir, lines[0]))
	assert.Equal(t, "value", lines[1])
}

func TestRun_OutputWithoutTrailingNewline(t *testing.T) {
	sink := &syncBuffer{}
	e := NewExecutor(WithSink(sink))

	res, err := e.Run(context.Background(), Command{Args: Script("printf partial")})
	require.NoError(t, err)
	assert.Equal(t, "partial", res.Output)
	assert.Contains(t, sink.String(), "partial\n")
}

func TestRun_EmptyCommand(t *testing.T) {
	_, err := NewExecutor().Run(context.Background(), Command{})
	assert.Error(t, err)
}

func TestRun_MissingProgram(t *testing.T) {
	_, err := NewExecutor().Run(context.Background(), Command{Args: []string{"dtseval-no-such-program"}})
	assert.Error(t, err)
	assert.False(t, IsFailure(err))
}

func TestCheck(t *testing.T) {
	cmd := Command{Args: []string{"node"}, RequireSuccess: true}
	assert.NoError(t, Check(cmd, &Result{}))
	assert.Error(t, Check(cmd, &Result{ExitCode: 1}))
	assert.Error(t, Check(cmd, &Result{ExitCode: TimeoutExitCode, TimedOut: true}))

	cmd.RequireSuccess = false
	assert.NoError(t, Check(cmd, &Result{ExitCode: 1}))
}
