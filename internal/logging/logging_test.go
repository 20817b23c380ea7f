package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStderr(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := stderr
	stderr = buf
	t.Cleanup(func() {
		stderr = prev
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})
	return buf
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARNING "))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestInitJSON(t *testing.T) {
	buf := captureStderr(t)

	logger, cleanup, err := Init(Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	defer cleanup()

	logger.Debug().Str("lab", "lab1").Msg("hello")

	var event map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))
	assert.Equal(t, "debug", event["level"])
	assert.Equal(t, "lab1", event["lab"])
	assert.Equal(t, "hello", event["message"])
}

func TestInitLevelFilters(t *testing.T) {
	buf := captureStderr(t)

	logger, cleanup, err := Init(Config{Level: "warn", Format: "json"})
	require.NoError(t, err)
	defer cleanup()

	logger.Info().Msg("quiet")
	assert.Empty(t, buf.String())
	logger.Warn().Msg("loud")
	assert.Contains(t, buf.String(), "loud")
}

func TestInitAutoWithoutTerminalIsJSON(t *testing.T) {
	buf := captureStderr(t)

	logger, cleanup, err := Init(Config{Format: "auto"})
	require.NoError(t, err)
	defer cleanup()

	logger.Info().Msg("plain")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
}

func TestInitTeesToFile(t *testing.T) {
	captureStderr(t)
	path := filepath.Join(t.TempDir(), "logs", "labwatch.log")

	logger, cleanup, err := Init(Config{Format: "json", FilePath: path})
	require.NoError(t, err)
	logger.Info().Msg("to file")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
