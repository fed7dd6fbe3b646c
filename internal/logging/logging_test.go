package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, InfoLevel, cfg.Level)
	assert.Equal(t, os.Stderr, cfg.Output)
	assert.False(t, cfg.Pretty)
	assert.Equal(t, time.RFC3339, cfg.TimeFormat)
	assert.False(t, cfg.LogToFile)
	assert.Equal(t, "/tmp", cfg.LogDir)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"DEBUG":     DebugLevel,
		"  debug  ": DebugLevel,
		"info":      InfoLevel,
		"WARNING":   WarnLevel,
		"warn":      WarnLevel,
		"error":     ErrorLevel,
		"FATAL":     FatalLevel,
		"":          InfoLevel,
		"verbose":   InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})

	Debug().Msg("debug message")
	Info().Msg("info message")
	Warn().Msg("warn message")
	Error().Str("sessionID", "s1").Msg("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, `"sessionID":"s1"`)
}

func TestPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, Pretty: true})
	Info().Msg("pretty test")
	assert.Contains(t, buf.String(), "pretty test")
}

func TestSessionLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})
	l := Session("abc")
	l.Info().Msg("tagged")
	assert.Contains(t, buf.String(), `"sessionID":"abc"`)
}

func TestLogToFile(t *testing.T) {
	dir := t.TempDir()
	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: dir})
	defer Close()

	Info().Msg("file log test")

	path := GetLogFilePath()
	require.NotEmpty(t, path)
	assert.True(t, strings.HasPrefix(path, dir))
	name := filepath.Base(path)
	assert.True(t, strings.HasPrefix(name, "codepilot-"), name)
	assert.True(t, strings.HasSuffix(name, ".log"), name)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "file log test")
}

func TestCloseClearsPath(t *testing.T) {
	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: t.TempDir()})
	require.NotEmpty(t, GetLogFilePath())
	Close()
	assert.Empty(t, GetLogFilePath())

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}})
	assert.Empty(t, GetLogFilePath())
}

func TestInitWithNilOutput(t *testing.T) {
	assert.NotPanics(t, func() { Init(Config{Level: InfoLevel}) })
}
