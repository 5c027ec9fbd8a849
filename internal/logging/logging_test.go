package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{"debug", "debug", logrus.DebugLevel},
		{"upper case", "WARN", logrus.WarnLevel},
		{"invalid falls back to info", "chatty", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := Initialize(tt.level)
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestInitializeStampsServiceFields(t *testing.T) {
	logger := Initialize("info")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	NewServiceLogger(logger, "relay").Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, ServiceName, line["app"])
	assert.Equal(t, "relay", line["service"])
}

func TestSetupFileLogging(t *testing.T) {
	logger := NewTestLogger()

	require.NoError(t, SetupFileLogging(logger, ""))

	logFile := filepath.Join(t.TempDir(), "logs", "receiver.log")
	require.NoError(t, SetupFileLogging(logger, logFile))

	logger.Info("written to file")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNewSessionLogger(t *testing.T) {
	logger := NewTestLogger()
	entry := NewSessionLogger(logger, "tok-1", "brad12")

	assert.Equal(t, "session", entry.Data["component"])
	assert.Equal(t, "tok-1", entry.Data["correlation_token"])
	assert.Equal(t, "brad12", entry.Data["key"])
}
