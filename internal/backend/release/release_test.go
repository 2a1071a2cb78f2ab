package release

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netguard-dev/netguard/internal/logging"
)

func TestGuardCloseRunsOnce(t *testing.T) {
	calls := 0
	g := NewGuard(func() error {
		calls++
		return nil
	})

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.Equal(t, 1, calls)
}

func TestGuardClosePropagatesError(t *testing.T) {
	want := errors.New("close failed")
	g := NewGuard(func() error { return want })

	assert.Equal(t, want, g.Close())
	// Subsequent calls observe the same result without re-invoking closer.
	assert.Equal(t, want, g.Close())
}

func TestGuardCloseWithNilCloser(t *testing.T) {
	g := NewGuard(nil)
	assert.NoError(t, g.Close())
}

func TestInstallPanicLoggerLogsThenRepanics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.out")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	cfg := logging.DefaultConfig()
	cfg.Output = f
	logger := logging.New(cfg)

	didGuardClose := false
	func() {
		defer func() {
			recover()
		}()
		defer func() { didGuardClose = true }()
		defer InstallPanicLogger(logger)()
		panic("capture loop exploded")
	}()

	assert.True(t, didGuardClose, "defers registered before the panic logger must still run during unwind")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "capture loop exploded")
}
