package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailwatch/internal/model"
)

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "a***e@e*****e.c*m"},
		{"a@b.io", "*@*.io"},
		{"not-an-address", "not-an-address"},
		{"@example.com", "@example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskEmail(tt.in), tt.in)
	}
}

func TestRedactIMAPLineHidesLogin(t *testing.T) {
	got := RedactIMAPLine("T1 LOGIN alice@example.com hunter2\r\n")
	assert.Equal(t, "T1 LOGIN [redacted]", got)
	assert.NotContains(t, got, "hunter2")
}

func TestNewJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(model.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("dropped")
	log.Warn().Str("consumer_id", "c1").Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "warn", entry["level"])
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(model.LogConfig{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestTraceWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewTraceWriter(zerolog.New(&buf).Level(zerolog.DebugLevel))

	_, err := w.Write([]byte("* OK ready\r\nT1 LOGIN bob pw"))
	require.NoError(t, err)
	_, err = w.Write([]byte("\r\n"))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "* OK ready")
	assert.Contains(t, out, "T1 LOGIN [redacted]")
	assert.NotContains(t, out, " pw")
}
