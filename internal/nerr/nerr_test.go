package nerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndGetKind(t *testing.T) {
	err := New(KindConfigRejected, "bad value")
	assert.Equal(t, KindConfigRejected, GetKind(err))
	assert.Equal(t, "bad value", err.Error())
}

func TestErrorfFormatsMessage(t *testing.T) {
	err := Errorf(KindFilterInvalid, "unknown protocol %q", "sctp")
	assert.Equal(t, `unknown protocol "sctp"`, err.Error())
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, KindClosed, "msg"))
}

func TestWrapPreservesUnderlyingAndUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, KindSendFailed, "reinject failed")

	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "reinject failed")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindSendFailed, GetKind(err))
}

func TestWrapfFormatsMessage(t *testing.T) {
	cause := errors.New("eof")
	err := Wrapf(cause, KindCaptureTransient, "read %d bytes", 0)
	assert.Contains(t, err.Error(), "read 0 bytes")
}

func TestAttrAttachesAttributes(t *testing.T) {
	err := New(KindLimiterOverflow, "queue full")
	err = Attr(err, "pid", uint32(42))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, uint32(42), e.Attributes["pid"])
}

func TestAttrWrapsPlainErrorAsUnknownKind(t *testing.T) {
	plain := errors.New("plain failure")
	err := Attr(plain, "key", "value")
	assert.Equal(t, KindUnknown, GetKind(err))
}

func TestGetKindOnPlainErrorIsUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, GetKind(errors.New("oops")))
}

func TestKindStringCoversAllKinds(t *testing.T) {
	kinds := []Kind{
		KindUnknown, KindBackendUnavailable, KindPermissionDenied, KindFilterInvalid,
		KindCaptureTransient, KindCaptureFatal, KindSendFailed, KindLimiterOverflow,
		KindConfigRejected, KindResolverStale, KindClosed,
	}
	for _, k := range kinds {
		assert.NotEmpty(t, k.String())
	}
}
