package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")

	entries := []RuleEntry{
		{ExePath: "/usr/bin/curl", DownloadBPS: 1000, UploadBPS: 2000},
		{ExePath: "/usr/bin/torrent-client", Blocked: true},
	}
	require.NoError(t, Save(path, entries))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [this is not a mapping list"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
