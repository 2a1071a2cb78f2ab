package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValidOnceInterfaceSet(t *testing.T) {
	c := DefaultConfig()
	c.Interface = "eth0"
	require.NoError(t, c.Validate())

	assert.Equal(t, "intercept", c.Backend)
	assert.Equal(t, "auto", c.CaptureBackend)
	assert.Equal(t, "monitor", c.Mode)
	assert.Equal(t, 500*time.Millisecond, c.ResolverInterval)
}

func TestValidateRequiresInterface(t *testing.T) {
	c := DefaultConfig()
	assert.Error(t, c.Validate())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	c := DefaultConfig()
	c.Interface = "eth0"
	c.Backend = "nonsense"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsUnknownCaptureBackend(t *testing.T) {
	c := DefaultConfig()
	c.Interface = "eth0"
	c.CaptureBackend = "nonsense"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	c := DefaultConfig()
	c.Interface = "eth0"
	c.Mode = "nonsense"
	assert.Error(t, c.Validate())
}

func TestValidateFillsZeroResolverInterval(t *testing.T) {
	c := DefaultConfig()
	c.Interface = "eth0"
	c.ResolverInterval = 0
	require.NoError(t, c.Validate())
	assert.Equal(t, 500*time.Millisecond, c.ResolverInterval)
}

func TestValidateFillsEmptyBackendFields(t *testing.T) {
	c := DefaultConfig()
	c.Interface = "eth0"
	c.Backend = ""
	c.CaptureBackend = ""
	c.Mode = ""
	require.NoError(t, c.Validate())
	assert.Equal(t, "intercept", c.Backend)
	assert.Equal(t, "auto", c.CaptureBackend)
	assert.Equal(t, "monitor", c.Mode)
}
