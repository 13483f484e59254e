package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    LogLevel
		wantErr bool
	}{
		{name: "error", input: "error", want: LogLevelError},
		{name: "warn", input: "warn", want: LogLevelWarn},
		{name: "info", input: "info", want: LogLevelInfo},
		{name: "debug", input: "debug", want: LogLevelDebug},
		{name: "trace", input: "trace", want: LogLevelTrace},
		{name: "unknown", input: "loud", want: LogLevelError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_WithComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, "", 0, LogLevelInfo)
	logger.With("orchestrator").Info("cycle %d started", 4)
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	entry := map[string]string{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "cycle 4 started", entry["msg"])
	assert.Equal(t, "orchestrator", entry["component"])
}

func TestLogger_SetLevelSharedWithChildren(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, "", 0, LogLevelError)
	child := logger.With("transport")
	child.Info("dropped")
	logger.SetLevel(LogLevelDebug)
	child.Debug("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}
