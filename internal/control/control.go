// Package control implements the external command surface
// (internal/control.Controller): set_mode, set_bandwidth_limit,
// remove_bandwidth_limit, block_process/unblock_process, get_snapshot,
// get_limits, get_blocked, and rules-file startup application. Every
// method is synchronous and idempotent where spec.md requires it.
package control

import (
	"time"

	"github.com/netguard-dev/netguard/internal/accounting"
	"github.com/netguard-dev/netguard/internal/backend"
	"github.com/netguard-dev/netguard/internal/engine"
	"github.com/netguard-dev/netguard/internal/limiter"
	"github.com/netguard-dev/netguard/internal/logging"
	"github.com/netguard-dev/netguard/internal/nerr"
	"github.com/netguard-dev/netguard/internal/resolver"
	"github.com/netguard-dev/netguard/internal/rules"
)

// Controller is the plain Go API the GUI/RPC layer is expected to
// wrap; it never itself speaks a wire protocol, per spec.md §6.
type Controller struct {
	engine   *engine.Engine
	store    *accounting.Store
	limiter  *limiter.Limiter
	resolver *resolver.Resolver
	logger   *logging.Logger
}

// New builds a Controller over an already-running Engine and its
// shared collaborators.
func New(eng *engine.Engine, store *accounting.Store, lim *limiter.Limiter, res *resolver.Resolver, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{engine: eng, store: store, limiter: lim, resolver: res, logger: logger.WithComponent("control")}
}

// SetMode drives the Capture Engine's state machine between Monitor
// and Enforce. Idempotent.
func (c *Controller) SetMode(mode backend.Mode) error {
	return c.engine.SetMode(mode)
}

// SetBandwidthLimit creates or updates pid's buckets. Both fields zero
// is equivalent to RemoveBandwidthLimit, per spec.md. On a
// kernel-pipe backend this delegates straight to set_pipe instead of
// running internal/limiter's token buckets, per spec.md §9's
// two-backend polymorphism design note.
func (c *Controller) SetBandwidthLimit(pid uint32, downloadBPS, uploadBPS uint64) error {
	if pid == resolver.UnknownPID {
		return nerr.New(nerr.KindConfigRejected, "control: pid 0 (unknown) is excluded from rule-based operations")
	}
	if downloadBPS == 0 && uploadBPS == 0 {
		c.RemoveBandwidthLimit(pid)
		return nil
	}
	if c.engine.UsesKernelPipe() {
		return c.engine.SetPipe(pid, downloadBPS, uploadBPS)
	}
	return c.limiter.SetLimit(pid, limiter.BandwidthLimit{DownloadBPS: downloadBPS, UploadBPS: uploadBPS})
}

// RemoveBandwidthLimit clears pid's shaping, whichever mechanism is
// active for the current backend. Idempotent.
func (c *Controller) RemoveBandwidthLimit(pid uint32) {
	if c.engine.UsesKernelPipe() {
		if err := c.engine.ClearPipe(pid); err != nil {
			c.logger.ErrorKV("clear pipe failed", err, "pid", pid)
		}
		return
	}
	c.limiter.RemoveLimit(pid)
	c.engine.RemoveThrottle(pid)
}

// BlockProcess adds pid to the BlockSet. Idempotent. A no-op for pid 0
// (unknown), which is excluded from rule-based operations per spec.md.
func (c *Controller) BlockProcess(pid uint32) { c.limiter.Block(pid) }

// UnblockProcess removes pid from the BlockSet. Idempotent.
func (c *Controller) UnblockProcess(pid uint32) { c.limiter.Unblock(pid) }

// GetSnapshot takes a fresh snapshot of the accounting store at call
// time and returns it by value; it does not return the result of the
// last stats tick. Each call also resets the store's speed baseline,
// so the next stats tick's speeds cover only the time since this call.
func (c *Controller) GetSnapshot() []accounting.TrafficCounters {
	return c.store.Snapshot()
}

// GetLimits returns every pid with an active bandwidth limit.
func (c *Controller) GetLimits() map[uint32]limiter.BandwidthLimit {
	return c.limiter.GetLimits()
}

// GetBlocked returns every pid currently in the BlockSet.
func (c *Controller) GetBlocked() []uint32 {
	return c.limiter.Blocked()
}

// ApplyStartupRules matches entries by exe_path against the
// resolver's current snapshot and installs the corresponding limits
// and blocks against their live pids, per spec.md §6.
func (c *Controller) ApplyStartupRules(entries []rules.RuleEntry) {
	procs := c.resolver.Snapshot()
	for _, rule := range entries {
		for pid, entry := range procs {
			if entry.ExePath != rule.ExePath {
				continue
			}
			if rule.Blocked {
				c.BlockProcess(pid)
			}
			if rule.DownloadBPS > 0 || rule.UploadBPS > 0 {
				if err := c.SetBandwidthLimit(pid, rule.DownloadBPS, rule.UploadBPS); err != nil {
					c.logger.ErrorKV("apply startup rule failed", err, "exe_path", rule.ExePath, "pid", pid)
				}
			}
		}
	}
}

// StatsTick runs fn every second against the accounting store's
// snapshot until stop fires, matching spec.md's external 1s stats
// tick.
func StatsTick(stop <-chan struct{}, store *accounting.Store, fn func([]accounting.TrafficCounters)) {
	ticker := time.NewTicker(accounting.SnapshotInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn(store.Snapshot())
		}
	}
}
