package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	echo_log "github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestSlogLoggerLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level LogLevel
		want  int
	}{
		{LogLevelTrace, 5},
		{LogLevelDebug, 4},
		{LogLevelInfo, 3},
		{LogLevelWarn, 2},
		{LogLevelError, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			t.Parallel()
			buf := &bytes.Buffer{}
			log := NewSlogLogger(buf, tt.level, time.UTC)

			log.Trace("t")
			log.Debug("d")
			log.Info("i")
			log.Warn("w")
			log.Error("e")

			assert.Len(t, decodeLines(t, buf), tt.want)
		})
	}
}

func TestModuleAndFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelDebug, time.UTC).Module("aoa").Module("handshake")

	log.With(String("session_id", "abc")).Info("identity sent",
		Int("index", 3),
		Hex16("product_id", 0x2d05),
		Hex8("endpoint", 0x83),
		Error(errors.New("boom")),
		Duration("delay", time.Millisecond),
		Bool("legacy", false),
	)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	assert.Equal(t, "aoa.handshake", entry["module"])
	assert.Equal(t, "abc", entry["session_id"])
	assert.InDelta(t, 3, entry["index"], 0)
	assert.Equal(t, "0x2d05", entry["product_id"])
	assert.Equal(t, "0x83", entry["endpoint"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "1ms", entry["delay"])
	assert.Equal(t, false, entry["legacy"])
}

func TestWithDoesNotMutateParent(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	parent := NewSlogLogger(buf, LogLevelInfo, time.UTC)
	_ = parent.With(String("child", "yes"))
	parent.Info("parent")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "child")
}

func TestWithContextAddsTraceID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelInfo, time.UTC)
	log.WithContext(WithTraceID(t.Context(), "trace-1")).Info("x")
	log.WithContext(t.Context()).Info("y")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "trace-1", lines[0]["trace_id"])
	assert.NotContains(t, lines[1], "trace_id")
}

func TestTextHandlerFormat(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	h := newTextHandler(buf, traceLevelValue, time.UTC)
	log := &moduleLogger{module: "command", logger: slog.New(h), level: traceLevelValue}

	log.Warn("unrecognized frame", String("frame", "foo bar"), Int("length", 7))

	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "[command] unrecognized frame")
	assert.Contains(t, out, `frame="foo bar"`)
	assert.Contains(t, out, "length=7")
	assert.NotContains(t, out, "module=")
}

func TestCentralLoggerFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "aoa.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"stream": "warn"},
	})
	require.NoError(t, err)

	cl.Module("session").Debug("starting")
	cl.Module("stream").Info("suppressed")
	cl.Module("stream").Warn("dropped packet")
	require.NoError(t, cl.Flush())
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, bytes.NewBuffer(data))
	require.Len(t, lines, 2)
	assert.Equal(t, "session", lines[0]["module"])
	assert.Equal(t, "dropped packet", lines[1]["msg"])
}

func TestCentralLoggerRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus_Mons"})
	require.Error(t, err)

	_, err = NewCentralLogger(nil)
	require.Error(t, err)
}

func TestEchoAdapterRespectsLevel(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	a := NewEchoLoggerAdapter(NewSlogLogger(buf, LogLevelDebug, time.UTC))
	a.Debug("hidden")
	a.SetLevel(echo_log.DEBUG)
	a.Debugf("shown %d", 1)
	a.Errorf("failed %s", "x")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "shown 1", lines[0]["msg"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Panics(t, func() { a.Panic("bad") })
}
