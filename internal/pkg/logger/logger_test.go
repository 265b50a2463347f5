package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := SetOutput(buf)
	t.Cleanup(func() {
		SetOutput(prev)
		SetLevel(INFO)
		SetRedactPII(true)
	})
	return buf
}

func TestComponentLogger_WritesJSON(t *testing.T) {
	buf := capture(t)

	With("filter").Info("filtered", "batch_id", 7, "email", "john.doe@example.com")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "filter", entry["component"])
	assert.Equal(t, "7", entry["batch_id"])
	assert.Equal(t, "jo***@example.com", entry["email"])
}

func TestLevelFilter(t *testing.T) {
	buf := capture(t)
	SetLevel(WARN)

	Info("dropped")
	Debug("dropped")
	Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], "kept")
}

func TestRedaction_EmbeddedAddress(t *testing.T) {
	buf := capture(t)

	Error("insert failed", "error", "duplicate key for ab@corp.com")
	assert.Contains(t, buf.String(), "***@corp.com")
	assert.NotContains(t, buf.String(), "ab@corp.com")

	buf.Reset()
	SetRedactPII(false)
	Error("insert failed", "error", "duplicate key for ab@corp.com")
	assert.Contains(t, buf.String(), "ab@corp.com")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLevel(" error "))
	assert.Equal(t, INFO, ParseLevel("verbose"))
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("nope"))
}
