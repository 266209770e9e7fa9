package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFanout(t *testing.T) {
	var info, debug bytes.Buffer
	logger := slog.New(Fanout(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)).With("package", "lodash")

	logger.Debug("detail")
	logger.Info("summary")

	assert.NotContains(t, info.String(), "detail")
	assert.Contains(t, info.String(), "summary")
	assert.Contains(t, info.String(), "package=lodash")
	assert.Contains(t, debug.String(), "detail")
	assert.Contains(t, debug.String(), "summary")
}

func TestStepNests(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	examples := Step(base, "examples").With("mode", "generation")
	Step(examples, "attempt").Info("proposing")

	line := buf.String()
	assert.Contains(t, line, "step=examples/attempt")
	assert.Contains(t, line, "mode=generation")
}

func TestOpenFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pipeline.txt")

	for _, msg := range []string{"first", "second"} {
		f, err := OpenFile(path)
		require.NoError(t, err)
		slog.New(f.Handler(slog.LevelInfo)).Info(msg)
		require.NoError(t, f.Close())
	}

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "msg=first")
	assert.Contains(t, string(content), "msg=second")
}
