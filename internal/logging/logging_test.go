package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreDefault(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	prevLevel := globalLogLevelManager.GetLevel()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		globalLogLevelManager.SetLevel(prevLevel)
	})
}

func TestStringToLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"WARNING", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := StringToLevel(tt.in)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelToString(slog.LevelDebug))
	assert.Equal(t, "INFO", LevelToString(slog.LevelInfo))
	assert.Equal(t, "WARN", LevelToString(slog.LevelWarn))
	assert.Equal(t, "ERROR", LevelToString(slog.LevelError))
	assert.Equal(t, "INFO", LevelToString(slog.Level(42)))
}

func TestSanitizeMessage(t *testing.T) {
	assert.Equal(t, "line one line two", sanitizeMessage("line one\nline two"))
	assert.Equal(t, "a  b", sanitizeMessage("a\r\nb"))
	assert.Equal(t, "tab\tkept", sanitizeMessage("tab\tkept"))
	assert.Equal(t, "bell", sanitizeMessage("be\x07ll"))
}

func TestInitializeLoggingJSON(t *testing.T) {
	restoreDefault(t)

	var buf bytes.Buffer
	logger := InitializeLogging("debug", "json", &buf)
	require.NotNil(t, logger)
	assert.Equal(t, slog.LevelDebug, GetLogLevelManager().GetLevel())

	buf.Reset()
	slog.Info("login attempted",
		"username", "test",
		"password", "hunter2",
		"note", "first\r\nMAIL FROM:<evil@example.com>",
		"error", errors.New("bad\nthing"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "login attempted", entry["msg"])
	assert.Equal(t, "test", entry["username"])
	assert.Equal(t, redacted, entry["password"])
	assert.NotContains(t, entry["note"], "\n")
	assert.Equal(t, "bad thing", entry["error"])
}

func TestInitializeLoggingText(t *testing.T) {
	restoreDefault(t)

	var buf bytes.Buffer
	InitializeLogging("warn", "text", &buf)

	slog.Info("hidden")
	slog.Warn("shown", "secret_key", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "secret_key="+redacted)
	assert.NotContains(t, out, "abc")
}

func TestInitializeLoggingInvalidLevel(t *testing.T) {
	restoreDefault(t)

	var buf bytes.Buffer
	InitializeLogging("chatty", "text", &buf)

	assert.Equal(t, slog.LevelInfo, GetLogLevelManager().GetLevel())
	assert.Contains(t, buf.String(), "invalid log level")
	assert.Contains(t, buf.String(), "configured_level=chatty")
}

func TestLevelManagerRuntimeChange(t *testing.T) {
	restoreDefault(t)

	var buf bytes.Buffer
	InitializeLogging("error", "text", &buf)

	slog.Info("before")
	GetLogLevelManager().SetLevel(slog.LevelInfo)
	slog.Info("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
}

func TestComponent(t *testing.T) {
	restoreDefault(t)

	var buf bytes.Buffer
	InitializeLogging("info", "text", &buf)

	Component("delivery").Info("hello")
	assert.Contains(t, buf.String(), "component=delivery")
}

func TestMessageLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "json", slog.LevelDebug))
	ml := NewMessageLogger(logger)

	created := time.Now().Add(-250 * time.Millisecond)

	t.Run("submission", func(t *testing.T) {
		buf.Reset()
		ml.LogSubmission(MessageContext{
			MessageID:     "id-1",
			From:          "a@example.com",
			To:            "b@example.com",
			Subject:       "Test message",
			Size:          120,
			Endpoint:      "localhost:1025",
			Username:      "test",
			AuthMechanism: "PLAIN",
			CreatedAt:     created,
			SubmittedAt:   time.Now(),
		})

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "message_submission", entry["msg"])
		assert.Equal(t, "message-lifecycle", entry["component"])
		assert.Equal(t, "submitted", entry["status"])
		assert.Equal(t, "PLAIN", entry["auth_mechanism"])
		assert.GreaterOrEqual(t, entry["submission_delay_ms"].(float64), float64(250))
	})

	t.Run("rejection with code", func(t *testing.T) {
		buf.Reset()
		ml.LogRejection(MessageContext{
			MessageID: "id-2",
			Endpoint:  "localhost:1025",
			Stage:     "rcpt",
			Code:      550,
			Error:     "mailbox unavailable",
		})

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "ERROR", entry["level"])
		assert.Equal(t, "rcpt", entry["stage"])
		assert.Equal(t, float64(550), entry["smtp_code"])
	})

	t.Run("rejection without code", func(t *testing.T) {
		buf.Reset()
		ml.LogRejection(MessageContext{MessageID: "id-3", Stage: "dial"})
		assert.False(t, strings.Contains(buf.String(), "smtp_code"))
	})

	t.Run("dry run", func(t *testing.T) {
		buf.Reset()
		ml.LogDryRun(MessageContext{MessageID: "id-4", Size: 42})

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "not_sent", entry["status"])
	})
}
