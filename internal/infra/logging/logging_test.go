package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesToStdoutAndFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "volsurface.log")

	logger, err := New(Options{Level: "debug", File: path, Stdout: &buf})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	logger.Component("sink").WithField("code", 2104).Debug("informational feed notice")

	require.Contains(t, buf.String(), "component=sink")
	require.Contains(t, buf.String(), "informational feed notice")

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(contents), "code=2104")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	require.Error(t, err)
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Stdout: &buf})
	require.NoError(t, err)

	logger.Component("sink").Debug("hidden")
	logger.Component("sink").Warn("visible")

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "visible")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Format: "json", Stdout: &buf})
	require.NoError(t, err)

	logger.Component("writer").Info("saved")
	require.Contains(t, buf.String(), `"component":"writer"`)
}
