package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer and returns a cleanup
// function that restores the previous writer.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	mu.Unlock()

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugShowsEverything", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.Contains(t, out, "debug message")
		assert.Contains(t, out, "info message")
		assert.Contains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("InfoFiltersDebug", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")

		Debug("debug message")
		Info("info message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.Contains(t, out, "info message")
	})

	t.Run("ErrorShowsOnlyErrors", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("ERROR")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.NotContains(t, out, "info message")
		assert.NotContains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})
}

func TestSetLevel(t *testing.T) {
	t.Run("CaseInsensitive", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("debug")
		Debug("lower case works")
		assert.Contains(t, buf.String(), "lower case works")
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetLevel("LOUD")

		Debug("still filtered")
		Info("still shown")

		out := buf.String()
		assert.NotContains(t, out, "still filtered")
		assert.Contains(t, out, "still shown")
	})
}

func TestMessageFormatting(t *testing.T) {
	t.Run("TimestampAndLevel", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Info("test message")

		out := buf.String()
		assert.Regexp(t, `\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\]`, out)
		assert.Contains(t, out, "[INFO]")
	})

	t.Run("StructuredFields", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Info("file uploaded", "file_id", "f-123", "size", 1024)

		out := buf.String()
		assert.Contains(t, out, "file uploaded")
		assert.Contains(t, out, "file_id=f-123")
		assert.Contains(t, out, "size=1024")
	})
}

func TestJSONFormat(t *testing.T) {
	t.Run("ProducesValidJSON", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetFormat("json")
		defer SetFormat("text")

		Info("test message", "key1", "value1", "key2", 42)

		var entry map[string]any
		err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry)
		require.NoError(t, err)

		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "test message", entry["msg"])
		assert.Equal(t, "value1", entry["key1"])
		assert.Equal(t, float64(42), entry["key2"])
	})

	t.Run("InvalidFormatIgnored", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetFormat("text")
		SetFormat("xml")

		Info("test message")
		assert.Contains(t, buf.String(), "[INFO]")
	})
}

func TestContextLogging(t *testing.T) {
	t.Run("InjectsRequestFields", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetFormat("json")
		defer SetFormat("text")

		lc := &LogContext{
			RequestID: "req-abc",
			UserID:    "u-1",
			SessionID: "s-9",
			FileID:    "f-3",
			ClientIP:  "203.0.113.7",
		}
		ctx := WithContext(context.Background(), lc)

		InfoCtx(ctx, "chunk stored", "chunk", 4)

		var entry map[string]any
		err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry)
		require.NoError(t, err)

		assert.Equal(t, "req-abc", entry[KeyRequestID])
		assert.Equal(t, "u-1", entry[KeyUserID])
		assert.Equal(t, "s-9", entry[KeySessionID])
		assert.Equal(t, "f-3", entry[KeyFileID])
		assert.Equal(t, "203.0.113.7", entry[KeyClientIP])
		assert.Equal(t, float64(4), entry["chunk"])
	})

	t.Run("NilContext", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		require.NotPanics(t, func() {
			InfoCtx(nil, "no context") //nolint:staticcheck
		})
		assert.Contains(t, buf.String(), "no context")
	})

	t.Run("ContextWithoutLogContext", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		require.NotPanics(t, func() {
			InfoCtx(context.Background(), "plain context")
		})
		assert.Contains(t, buf.String(), "plain context")
	})
}

func TestLogContext(t *testing.T) {
	t.Run("NewLogContext", func(t *testing.T) {
		lc := NewLogContext("req-1", "198.51.100.2")
		assert.Equal(t, "req-1", lc.RequestID)
		assert.Equal(t, "198.51.100.2", lc.ClientIP)
		assert.False(t, lc.StartTime.IsZero())
	})

	t.Run("DurationMs", func(t *testing.T) {
		lc := NewLogContext("req-1", "198.51.100.2")
		assert.GreaterOrEqual(t, lc.DurationMs(), 0.0)

		var nilLC *LogContext
		assert.Equal(t, 0.0, nilLC.DurationMs())
	})
}

func TestConcurrentLogging(t *testing.T) {
	t.Run("NoRace", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")

		const numGoroutines = 10
		const logsPerGoroutine = 100

		var wg sync.WaitGroup
		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()
				for j := 0; j < logsPerGoroutine; j++ {
					Info("goroutine log", "id", id, "iteration", j)
				}
			}(i)
		}
		wg.Wait()

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		assert.Equal(t, numGoroutines*logsPerGoroutine, len(lines))
	})

	t.Run("ConcurrentLevelChanges", func(t *testing.T) {
		InitWithWriter(io.Discard, "DEBUG", "text")
		defer func() {
			mu.Lock()
			output = os.Stderr
			mu.Unlock()
			reconfigure()
		}()

		var wg sync.WaitGroup
		wg.Add(10)
		for i := 0; i < 5; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					if j%2 == 0 {
						SetLevel("DEBUG")
					} else {
						SetLevel("ERROR")
					}
				}
			}()
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					Debug("debug", "id", id)
					Error("error", "id", id)
				}
			}(i)
		}

		require.NotPanics(t, func() { wg.Wait() })
	})
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}

func TestInit(t *testing.T) {
	t.Run("InitWithWriter", func(t *testing.T) {
		buf := new(bytes.Buffer)
		InitWithWriter(buf, "DEBUG", "text")

		Debug("writer message")
		assert.Contains(t, buf.String(), "writer message")

		mu.Lock()
		output = os.Stderr
		mu.Unlock()
		reconfigure()
	})

	t.Run("InitWithEmptyConfig", func(t *testing.T) {
		require.NoError(t, Init(Config{}))
	})
}
