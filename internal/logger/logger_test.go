package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)

	l.Info("booking", "reserved")
	l.LogBooking("CONFIRM", "b-1", "payment pi_1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first LogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "INFO", first.Level)
	assert.Equal(t, "BOOKING", first.Category)
	assert.Equal(t, "reserved", first.Message)
	assert.Equal(t, "logger_test.go", first.File)

	var second LogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "[CONFIRM] b-1 - payment pi_1", second.Message)
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSinkFailureFallsBack(t *testing.T) {
	var fallback bytes.Buffer
	l := NewWithWriter(brokenWriter{})
	l.fallback = &fallback

	l.Error("KAFKA", "publish failed")

	out := fallback.String()
	assert.Contains(t, out, "ERROR [KAFKA] publish failed")
	assert.Contains(t, out, "disk full")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	l.minLevel = WARN

	l.Debug("X", "dropped")
	l.Info("X", "dropped")
	l.Warn("X", "kept")

	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "kept")
}

func TestFormatTerminalOutput(t *testing.T) {
	out := formatTerminalOutput(LogEntry{
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC).Format("2006-01-02T15:04:05.000Z"),
		Level:     "ERROR",
		Category:  "PAYMENT",
		Message:   "gateway down",
		File:      "stripe.go",
		Line:      42,
	})

	assert.Contains(t, out, "03:04:05")
	assert.Contains(t, out, "gateway down")
	assert.Contains(t, out, "stripe.go:42")
}
