//go:build linux

package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSocketInodeValid(t *testing.T) {
	inode, ok := parseSocketInode("socket:[12345]")
	assert.True(t, ok)
	assert.Equal(t, uint64(12345), inode)
}

func TestParseSocketInodeRejectsNonSocketTargets(t *testing.T) {
	_, ok := parseSocketInode("/dev/null")
	assert.False(t, ok)

	_, ok = parseSocketInode("anon_inode:[eventpoll]")
	assert.False(t, ok)
}

func TestParseSocketInodeRejectsMalformedNumber(t *testing.T) {
	_, ok := parseSocketInode("socket:[abc]")
	assert.False(t, ok)
}

func TestNewProcfsSourceReturnsAWorkingSource(t *testing.T) {
	src, err := NewProcfsSource()
	if err != nil {
		t.Skipf("procfs unavailable in this environment: %v", err)
	}
	_, _, err = src.Scan()
	assert.NoError(t, err)
}
