package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelInfo, FormatJSON)
	l.SetOutput(&buf)

	l.WithComponent("fetch").WithFields(map[string]interface{}{"user": "alice"}).
		WithError(errors.New("boom")).Warn("fetch failed")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry.Level)
	assert.Equal(t, "fetch failed", entry.Message)
	assert.Equal(t, "fetch", entry.Fields["component"])
	assert.Equal(t, "alice", entry.Fields["user"])
	assert.Equal(t, "boom", entry.Fields["error"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelWarn, FormatText)
	l.SetOutput(&buf)

	child := l.WithField("k", 1)
	child.Info("hidden")
	assert.Empty(t, buf.String())

	l.SetLevel(LevelDebug)
	child.Debug("shown")
	assert.Contains(t, buf.String(), "DEBUG shown k=1")
}

func TestLoggerDerivedDoesNotLeakFields(t *testing.T) {
	l := NewLogger(LevelInfo, FormatJSON)
	_ = l.WithField("a", 1)
	assert.Empty(t, l.fields)
	assert.Same(t, l, l.WithError(nil))
}

func TestLoggerConcurrentWritesAreWholeLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelInfo, FormatText)
	l.SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.WithField("n", n).Info("tick")
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 20)
	for _, line := range lines {
		assert.Contains(t, line, "INFO  tick n=")
	}
}

func TestFatalExits(t *testing.T) {
	var code int
	orig := exit
	exit = func(c int) { code = c }
	defer func() { exit = orig }()

	var buf bytes.Buffer
	l := NewLogger(LevelInfo, FormatJSON)
	l.SetOutput(&buf)
	l.Fatalf("bad %s", "config")

	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "bad config")
}

func TestFromContext(t *testing.T) {
	l := NewLogger(LevelDebug, FormatText)
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParse(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("WARNING"))
	assert.Equal(t, LevelInfo, ParseLogLevel("nonsense"))
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat(""))
}
