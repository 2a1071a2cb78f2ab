// Package release provides a scoped-resource guard for backend
// handles, grounded on the teacher repo's PacketConn.Close (idempotent
// close via sync.Once, shared across every code path that can end the
// connection's life).
package release

import (
	"runtime/debug"
	"sync"

	"github.com/netguard-dev/netguard/internal/logging"
)

// Guard wraps a closer so Close runs at most once regardless of how
// many code paths (normal shutdown, fault handling, a deferred
// recover) call it.
type Guard struct {
	once   sync.Once
	closer func() error
	err    error
}

// NewGuard wraps closer. closer is invoked at most once, by whichever
// caller reaches Close first; later callers observe the same result.
func NewGuard(closer func() error) *Guard {
	return &Guard{closer: closer}
}

// Close runs the wrapped closer exactly once and returns its result
// to every caller.
func (g *Guard) Close() error {
	g.once.Do(func() {
		if g.closer != nil {
			g.err = g.closer()
		}
	})
	return g.err
}

// InstallPanicLogger returns a deferred function that logs a panic on
// the current goroutine via logger, using runtime/debug.Stack() for
// the trace, and then re-panics so the caller's own defer chain
// (including a Guard.Close installed earlier in the same function)
// still runs during the ensuing unwind.
func InstallPanicLogger(logger *logging.Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("recovered panic, rethrowing after logging", "panic", r, "stack", string(debug.Stack()))
			panic(r)
		}
	}
}
