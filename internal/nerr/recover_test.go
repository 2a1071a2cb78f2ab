package nerr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverCatchesPanicAndReports(t *testing.T) {
	var reported error
	func() {
		defer Recover(func(err error) { reported = err })
		panic("boom")
	}()

	require.Error(t, reported)
	assert.Equal(t, KindCaptureFatal, GetKind(reported))
	assert.Contains(t, reported.Error(), "boom")
}

func TestRecoverWithoutPanicDoesNotReport(t *testing.T) {
	called := false
	func() {
		defer Recover(func(err error) { called = true })
	}()
	assert.False(t, called)
}

func TestRecoverAsSetsNamedReturn(t *testing.T) {
	fn := func() (err error) {
		defer RecoverAs(&err)
		panic("broken")
	}
	err := fn()
	require.Error(t, err)
	assert.Equal(t, KindCaptureFatal, GetKind(err))
}

func TestRecoverAsLeavesNilWithoutPanic(t *testing.T) {
	fn := func() (err error) {
		defer RecoverAs(&err)
		return nil
	}
	assert.NoError(t, fn())
}

func TestWrappedFormatsPrefixAndValue(t *testing.T) {
	err := Wrapped("throttle task panic", "nil pointer")
	assert.Contains(t, err.Error(), "throttle task panic")
	assert.Contains(t, err.Error(), "nil pointer")
}
