package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backstage/internal/model"
)

const feedTemplate = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//backstage//test//EN
BEGIN:VEVENT
UID:away@NAME
DTSTAMP:20250301T000000Z
DTSTART:DATET120000Z
DTEND:DATET130000Z
SUMMARY:Away
END:VEVENT
END:VCALENDAR
`

func TestParseFlags(t *testing.T) {
	f := parseFlags([]string{"-config", "/tmp/x.yaml", "-listen", ":9999", "-once"})
	assert.Equal(t, "/tmp/x.yaml", f.configPath)
	assert.Equal(t, ":9999", f.listen)
	assert.True(t, f.once)
}

func TestRunOncePrintsConsolidatedEvents(t *testing.T) {
	// Keep the event inside the default horizon regardless of when the test runs.
	date := time.Now().UTC().AddDate(0, 0, 2).Format("20060102")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".ics")
		body := strings.NewReplacer("NAME", name, "DATE", date, "\n", "\r\n").Replace(feedTemplate)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `timezone: UTC
cache_dir: ` + filepath.Join(dir, "cache") + `
feeds:
  - url: ` + srv.URL + `/alice.ics
    name: Alice
    source_type: member
  - url: ` + srv.URL + `/bob.ics
    name: Bob
    source_type: member
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	var out bytes.Buffer
	err := run(context.Background(), flagConfig{configPath: cfgPath, once: true}, &out)
	require.NoError(t, err)

	var events []model.CalendarEvent
	require.NoError(t, json.Unmarshal(out.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "2 Members Unavailable/Tentative", events[0].Title)
	assert.Equal(t, "Alice, Bob", events[0].Description)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("refresh: sometimes\n"), 0o600))

	err := run(context.Background(), flagConfig{configPath: cfgPath, once: true}, &bytes.Buffer{})
	assert.Error(t, err)
}
