package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWorkerWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.WorkerWriters("demo")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)

	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)

	assert.FileExists(t, filepath.Join(dir, "demo.stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "demo.stderr.log"))
}

func TestWorkerWriters_ExplicitPaths(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	ep := filepath.Join(dir, "s.err.log")
	cfg := Config{File: FileConfig{StdoutPath: sp, StderrPath: ep}}
	outW, errW, err := cfg.WorkerWriters("ignored-name")
	require.NoError(t, err)
	_, _ = outW.Write([]byte("x"))
	_, _ = errW.Write([]byte("y"))
	closeIf(outW)
	closeIf(errW)
	assert.FileExists(t, sp)
	assert.FileExists(t, ep)
}

func TestWorkerWriters_Defaults(t *testing.T) {
	cfg := Config{}
	outW, errW, err := cfg.WorkerWriters("n")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)

	cfg = Config{File: FileConfig{StdoutPath: "x", StderrPath: "y"}}
	outW, errW, _ = cfg.WorkerWriters("n")
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	require.True(t, ok1 && ok2, "writers are not lumberjack.Logger")
	for _, l := range []*lj.Logger{ol, el} {
		assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
		assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
		assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
	}
}

func TestWorkerWriters_Overrides(t *testing.T) {
	cfg := Config{File: FileConfig{StdoutPath: "x2", StderrPath: "y2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	outW, errW, _ := cfg.WorkerWriters("n")
	for _, w := range []io.WriteCloser{outW, errW} {
		l := w.(*lj.Logger)
		assert.Equal(t, 1, l.MaxSize)
		assert.Equal(t, 9, l.MaxBackups)
		assert.Equal(t, 11, l.MaxAge)
		assert.True(t, l.Compress)
	}
}

func TestWorkerWriters_RequiresName(t *testing.T) {
	cfg := Config{File: FileConfig{Dir: t.TempDir()}}
	_, _, err := cfg.WorkerWriters("")
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)).With("worker", "b1")
	l.Error("boom")
	out := buf.String()
	assert.Contains(t, out, "\033[31mERROR\033[0m")
	assert.Contains(t, out, "worker=b1")
	assert.NotContains(t, out, "time=")
}

func TestNewSloggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botvisor.log")
	cfg := Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatJSON, Path: path}}
	l := cfg.NewSlogger()
	l.Debug("hidden")
	l.Info("visible", "k", "v")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(data)
	assert.True(t, strings.Contains(s, `"msg":"visible"`))
	assert.False(t, strings.Contains(s, "hidden"))
}
