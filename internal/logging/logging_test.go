package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileLogger(t *testing.T, cfg Config) (*Logger, string) {
	path := filepath.Join(t.TempDir(), "log.out")
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	cfg.Output = f
	return New(cfg), path
}

func readFile(t *testing.T, path string) string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNewWritesTextByDefault(t *testing.T) {
	cfg := DefaultConfig()
	logger, path := newFileLogger(t, cfg)
	logger.Info("hello world", "key", "value")

	out := readFile(t, path)
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "key=value")
}

func TestNewWritesJSONWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JSON = true
	logger, path := newFileLogger(t, cfg)
	logger.Info("json line")

	out := readFile(t, path)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	assert.Contains(t, out, `"msg":"json line"`)
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "error"
	logger, path := newFileLogger(t, cfg)

	logger.Info("should be filtered")
	logger.Error("should appear")

	out := readFile(t, path)
	assert.NotContains(t, out, "should be filtered")
	assert.Contains(t, out, "should appear")
}

func TestWithComponentTagsRecords(t *testing.T) {
	cfg := DefaultConfig()
	logger, path := newFileLogger(t, cfg)
	scoped := logger.WithComponent("engine")
	scoped.Info("tagged")

	out := readFile(t, path)
	assert.Contains(t, out, "component=engine")
}

func TestErrorKVIncludesErrorField(t *testing.T) {
	cfg := DefaultConfig()
	logger, path := newFileLogger(t, cfg)
	logger.ErrorKV("operation failed", errors.New("boom"), "pid", 42)

	out := readFile(t, path)
	assert.Contains(t, out, "operation failed")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "pid=42")
}

func TestDefaultLoggerIsSettable(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	cfg := DefaultConfig()
	logger, _ := newFileLogger(t, cfg)
	SetDefault(logger)
	assert.Same(t, logger, Default())
}
