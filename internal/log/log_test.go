package log_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "backstage/internal/log"
)

func capture(t *testing.T, level appLog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	appLog.SetLevel(level)
	t.Cleanup(func() {
		appLog.SetOutput(os.Stderr)
		appLog.SetLevel(appLog.LevelInfo)
	})
	return &buf
}

func TestInfoWritesKeyValues(t *testing.T) {
	buf := capture(t, appLog.LevelInfo)

	appLog.Info("feed refreshed", "feed", "drums", "events", 3, 42)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "feed refreshed", line["message"])
	assert.Equal(t, "drums", line["feed"])
	assert.EqualValues(t, 3, line["events"])
	assert.Contains(t, line, "time")
}

func TestErrorIncludesErr(t *testing.T) {
	buf := capture(t, appLog.LevelInfo)

	appLog.Error("fetch failed", errors.New("boom"), "id", "vox")

	assert.Contains(t, buf.String(), `"error":"boom"`)
	assert.Contains(t, buf.String(), `"id":"vox"`)
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, appLog.LevelError)

	appLog.Debug("hidden")
	appLog.Info("hidden too")
	assert.Empty(t, buf.String())

	appLog.Error("shown", nil)
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, appLog.LevelDebug, appLog.ParseLevel("debug"))
	assert.Equal(t, appLog.LevelError, appLog.ParseLevel(" ERROR "))
	assert.Equal(t, appLog.LevelInfo, appLog.ParseLevel("info"))
	assert.Equal(t, appLog.LevelInfo, appLog.ParseLevel("verbose"))
}
