package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		out = append(out, rec)
	}
	return out
}

func TestSlogLogger_LevelFiltering(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelWarn, time.UTC)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown", Int("batch", 2))
	log.Error("also shown", Error(errors.New("boom")))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.InDelta(t, 2, lines[0]["batch"], 0)
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestModuleLogger_NestsModulesAndKeepsFieldsImmutable(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	base := NewSlogLogger(buf, LogLevelDebug, time.UTC).Module("sync")
	parent := base.With(String("domain", "tickets"))
	child := parent.Module("tick").With(Int64("legacy_id", 42))

	parent.Info("parent")
	child.Info("child")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "sync", lines[0]["module"])
	assert.NotContains(t, lines[0], "legacy_id")
	assert.Equal(t, "sync.tick", lines[1]["module"])
	assert.Equal(t, "tickets", lines[1]["domain"])
	assert.InDelta(t, 42, lines[1]["legacy_id"], 0)
}

func TestModuleLogger_TraceIDFromContext(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelInfo, time.UTC)
	ctx := WithTraceID(t.Context(), "run-7")

	log.WithContext(ctx).Info("with trace")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "run-7", lines[0]["trace_id"])
}

func TestCentralLogger_FileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "app.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "debug",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"quiet": "error"},
	})
	require.NoError(t, err)

	cl.Module("migration").Info("written", String("k", "v"))
	cl.Module("quiet").Info("dropped")
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, bytes.NewBuffer(data))
	require.Len(t, lines, 1)
	assert.Equal(t, "migration", lines[0]["module"])
	assert.Equal(t, "v", lines[0]["k"])
}

func TestCentralLogger_InvalidTimezone(t *testing.T) {
	t.Parallel()

	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)
}

func TestRedactSensitiveData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"mysql dsn", "helpdesk:s3cret@tcp(db:3306)/helpdesk", "helpdesk:[REDACTED]@tcp(db:3306)/helpdesk"},
		{"postgres url", "postgres://app:pw123@pg:5432/app", "postgres://app:[REDACTED]@pg:5432/app"},
		{"libpq keywords", "host=pg user=app password=hunter2 dbname=app", "host=pg user=app password=[REDACTED] dbname=app"},
		{"sqlite path", "file:/var/lib/deskbridge/target.db?_busy_timeout=5000", "file:/var/lib/deskbridge/target.db?_busy_timeout=5000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, RedactSensitiveData(tt.input))
		})
	}
}
