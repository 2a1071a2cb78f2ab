package intercept

import (
	"strings"

	"github.com/netguard-dev/netguard/internal/nerr"
)

func translateReadErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "closed") {
		return nerr.Wrap(err, nerr.KindClosed, "intercept: handle closed")
	}
	return nerr.Wrap(err, nerr.KindCaptureFatal, "intercept: recv failed")
}
