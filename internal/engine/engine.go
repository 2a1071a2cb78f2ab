// Package engine implements the Capture Engine: the coordinating
// pipeline that owns the Platform Backend handle, runs the receive
// loop, classifies packets via the Resolver, updates the Accounting
// Store, and in Enforce mode routes packets through per-(pid,
// direction) throttle queues into the Rate Limiter before
// reinjection. Grounded on the teacher's capture/reinject loop shape
// (rawtcp.RecvHandle.Read + SendHandle.Write) generalized from a
// single TCP stream to an arbitrary multi-process packet plane, and on
// remmody-b4's graceful-shutdown idiom (sync.WaitGroup + bounded
// context timeout) for the drain-on-cancel path.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/netguard-dev/netguard/internal/accounting"
	"github.com/netguard-dev/netguard/internal/backend"
	"github.com/netguard-dev/netguard/internal/backend/release"
	"github.com/netguard-dev/netguard/internal/limiter"
	"github.com/netguard-dev/netguard/internal/logging"
	"github.com/netguard-dev/netguard/internal/nerr"
	"github.com/netguard-dev/netguard/internal/resolver"
)

// State is the Capture Engine's state machine position.
type State int

const (
	StateStopped State = iota
	StateMonitor
	StateEnforce
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateMonitor:
		return "monitor"
	case StateEnforce:
		return "enforce"
	case StateFaulted:
		return "faulted"
	default:
		return "stopped"
	}
}

const (
	throttleQueueCap = 1024
	drainTimeout     = 2 * time.Second
)

// Engine coordinates one Backend with the shared Resolver, Store, and
// Limiter.
type Engine struct {
	be       backend.Backend
	resolver *resolver.Resolver
	store    *accounting.Store
	limiter  *limiter.Limiter
	logger   *logging.Logger

	mu    sync.RWMutex
	state State

	queuesMu sync.Mutex
	queues   map[throttleKey]*throttleQueue

	wg sync.WaitGroup
}

type throttleKey struct {
	pid uint32
	dir backend.Direction
}

type throttleQueue struct {
	ch     chan backend.Packet
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Engine over an already-open backend. mode selects the
// initial state: Monitor or Enforce.
func New(be backend.Backend, res *resolver.Resolver, store *accounting.Store, lim *limiter.Limiter, mode backend.Mode, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	initial := StateMonitor
	if mode == backend.ModeEnforce {
		initial = StateEnforce
	}
	return &Engine{
		be:       be,
		resolver: res,
		store:    store,
		limiter:  lim,
		logger:   logger.WithComponent("engine"),
		state:    initial,
		queues:   make(map[throttleKey]*throttleQueue),
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// SetMode transitions between Monitor and Enforce while running.
// Invalid once the engine has faulted or stopped.
func (e *Engine) SetMode(mode backend.Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateFaulted || e.state == StateStopped {
		return nerr.Errorf(nerr.KindConfigRejected, "engine: cannot change mode from %s", e.state)
	}
	if mode == backend.ModeEnforce {
		e.state = StateEnforce
	} else {
		e.state = StateMonitor
	}
	return nil
}

// Run executes the receive loop until ctx is canceled or the backend
// reports a fatal error. It is meant to be called from its own
// goroutine; Run blocks until shutdown completes.
func (e *Engine) Run(ctx context.Context) {
	guard := release.NewGuard(e.be.Close)
	defer func() {
		defer release.InstallPanicLogger(e.logger)()
		e.drainAndClose(guard)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, err := e.recvOne()
		if err != nil {
			kind := nerr.GetKind(err)
			switch kind {
			case nerr.KindCaptureTransient:
				continue
			case nerr.KindClosed, nerr.KindCaptureFatal:
				e.mu.Lock()
				if e.state != StateStopped {
					e.state = StateStopped
				}
				e.mu.Unlock()
				return
			default:
				e.logger.ErrorKV("recv failed, faulting engine", err)
				e.mu.Lock()
				e.state = StateFaulted
				e.mu.Unlock()
				return
			}
		}

		if e.handlePacketSafe(pkt) {
			return
		}
	}
}

// handlePacketSafe wraps handlePacket with the same fail-open panic
// recovery runThrottleTask uses for its own per-packet work: a panic
// anywhere in attribution, accounting, or enforcement faults the
// engine (StateFaulted, handled by the caller's drain-and-close) and
// is logged structurally, rather than crashing the process the engine
// is running in.
func (e *Engine) handlePacketSafe(pkt backend.Packet) (faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			err := nerr.Wrapped("packet handling panic", r)
			e.logger.ErrorKV("packet handling panicked, faulting engine", err)
			e.mu.Lock()
			e.state = StateFaulted
			e.mu.Unlock()
			faulted = true
		}
	}()
	e.handlePacket(pkt)
	return false
}

// recvOne wraps be.Recv with panic recovery so a single malformed
// packet or driver bug cannot take down the whole process. The panic
// comes back as a KindCaptureFatal error, which Run handles by moving
// to StateStopped and closing the handle (fail-open for the host).
func (e *Engine) recvOne() (pkt backend.Packet, err error) {
	defer nerr.RecoverAs(&err)
	return e.be.Recv()
}

func (e *Engine) handlePacket(pkt backend.Packet) {
	if !pkt.HeaderOK {
		_ = e.be.Send(pkt)
		return
	}

	pid := e.attribute(pkt)
	sent, recv := attributedBytes(pkt)
	name, exe := e.entryFields(pid)
	e.store.Update(pid, name, exe, sent, recv)

	switch e.State() {
	case StateMonitor:
		_ = e.be.Send(pkt)
	case StateEnforce:
		e.enforcePacket(pid, pkt)
	default:
		_ = e.be.Send(pkt)
	}
}

func (e *Engine) attribute(pkt backend.Packet) uint32 {
	key := resolver.FlowKey{
		Protocol:  pkt.Header.Protocol,
		LocalAddr: localAddr(pkt),
		LocalPort: localPort(pkt),
	}
	entry, ok := e.resolver.Lookup(key)
	if !ok {
		return resolver.UnknownPID
	}
	return entry.PID
}

func (e *Engine) entryFields(pid uint32) (name, exe string) {
	if pid == resolver.UnknownPID {
		return "unknown", ""
	}
	if entry, ok := e.resolver.Snapshot()[pid]; ok {
		return entry.Name, entry.ExePath
	}
	return "", ""
}

func localAddr(pkt backend.Packet) string {
	if pkt.Direction == backend.DirectionOutbound {
		return pkt.Header.SrcIP.String()
	}
	return pkt.Header.DstIP.String()
}

func localPort(pkt backend.Packet) uint16 {
	if pkt.Direction == backend.DirectionOutbound {
		return pkt.Header.SrcPort
	}
	return pkt.Header.DstPort
}

// attributedBytes maps a packet's direction onto (sent, recv) deltas
// for the accounting store: outbound traffic is bytes sent by the
// local process, inbound is bytes received. Loopback traffic counts
// as both ends of the same host and is recorded as received, matching
// the teacher's preference to treat loopback as a degenerate inbound
// case rather than invent a third counter.
func attributedBytes(pkt backend.Packet) (sent, recv uint64) {
	switch pkt.Direction {
	case backend.DirectionOutbound:
		return uint64(pkt.Length), 0
	default:
		return 0, uint64(pkt.Length)
	}
}

func (e *Engine) enforcePacket(pid uint32, pkt backend.Packet) {
	if pid == resolver.UnknownPID {
		// Unattributed traffic is never subject to rules, per spec.md.
		_ = e.be.Send(pkt)
		return
	}
	if e.limiter.IsBlocked(pid) {
		// Counters already updated above: blocked-pid traffic records
		// attempted bytes, per spec.md's fixed open-question answer.
		return
	}
	if !e.limiter.HasLimit(pid) {
		_ = e.be.Send(pkt)
		return
	}
	e.enqueue(pid, pkt)
}

func (e *Engine) enqueue(pid uint32, pkt backend.Packet) {
	q := e.queueFor(pid, pkt.Direction)
	select {
	case q.ch <- pkt:
	default:
		// Tail-drop: queue is full, drop the newest packet.
	}
}

func (e *Engine) queueFor(pid uint32, dir backend.Direction) *throttleQueue {
	key := throttleKey{pid: pid, dir: dir}

	e.queuesMu.Lock()
	defer e.queuesMu.Unlock()
	if q, ok := e.queues[key]; ok {
		return q
	}
	q := e.spawnThrottleQueue(key)
	e.queues[key] = q
	return q
}

func (e *Engine) spawnThrottleQueue(key throttleKey) *throttleQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &throttleQueue{
		ch:     make(chan backend.Packet, throttleQueueCap),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.runThrottleTask(ctx, key, q)
	return q
}

// runThrottleTask drains q, computing try_consume's wait before each
// reinjection. A panic inside is caught and logged; the task's queue
// is removed from the engine, so no further packets are routed to it,
// and the pid's limit is cleared — fail-open for that process, per
// spec.md's fault handling.
func (e *Engine) runThrottleTask(ctx context.Context, key throttleKey, q *throttleQueue) {
	defer e.wg.Done()
	defer close(q.done)
	defer func() {
		if r := recover(); r != nil {
			err := nerr.Wrapped("throttle task panic", r)
			e.logger.ErrorKV("throttle task panicked, clearing limit", err, "pid", key.pid, "direction", key.dir)
			e.limiter.RemoveLimit(key.pid)
			e.queuesMu.Lock()
			if e.queues[key] == q {
				delete(e.queues, key)
			}
			e.queuesMu.Unlock()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.drainQueue(key, q)
			return
		case pkt, ok := <-q.ch:
			if !ok {
				return
			}
			e.throttleAndSend(key, pkt)
		}
	}
}

func (e *Engine) throttleAndSend(key throttleKey, pkt backend.Packet) {
	wait, err := e.limiter.TryConsume(key.pid, key.dir, pkt.Length)
	if err != nil {
		return
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	_ = e.be.Send(pkt)
}

// drainQueue sends every already-queued packet without gating, per
// spec.md's drain-on-cancel contract.
func (e *Engine) drainQueue(key throttleKey, q *throttleQueue) {
	for {
		select {
		case pkt, ok := <-q.ch:
			if !ok {
				return
			}
			_ = e.be.Send(pkt)
		default:
			return
		}
	}
}

// UsesKernelPipe reports whether the engine's backend shapes traffic
// via the kernel (set_pipe/clear_pipe) rather than via
// internal/limiter's in-process token buckets. Controller uses this to
// decide how set_bandwidth_limit/remove_bandwidth_limit should be
// realized, per spec.md's two-backend polymorphism design note.
func (e *Engine) UsesKernelPipe() bool {
	shaper, ok := e.be.(backend.PipeBackend)
	return ok && shaper.UsesKernelPipe()
}

// SetPipe delegates directly to the backend's kernel-side shaping.
// Meaningless unless UsesKernelPipe: other backends treat it as a no-op.
func (e *Engine) SetPipe(pid uint32, downBPS, upBPS uint64) error {
	return e.be.SetPipe(pid, downBPS, upBPS)
}

// ClearPipe delegates directly to the backend's kernel-side shaping.
func (e *Engine) ClearPipe(pid uint32) error {
	return e.be.ClearPipe(pid)
}

// RemoveThrottle cancels and removes pid's throttle queues for every
// direction a packet can be queued under (inbound, outbound, loopback),
// draining without gating. Called by remove_bandwidth_limit.
func (e *Engine) RemoveThrottle(pid uint32) {
	e.queuesMu.Lock()
	var toStop []*throttleQueue
	for _, dir := range []backend.Direction{backend.DirectionInbound, backend.DirectionOutbound, backend.DirectionLoopback} {
		key := throttleKey{pid: pid, dir: dir}
		if q, ok := e.queues[key]; ok {
			toStop = append(toStop, q)
			delete(e.queues, key)
		}
	}
	e.queuesMu.Unlock()

	for _, q := range toStop {
		q.cancel()
	}
}

// drainAndClose cancels every throttle task, waits up to drainTimeout
// for them to finish draining, then closes the backend handle via
// guard regardless of whether the drain completed in time — network
// recovery takes priority over completeness, per spec.md.
func (e *Engine) drainAndClose(guard *release.Guard) {
	e.queuesMu.Lock()
	for _, q := range e.queues {
		q.cancel()
	}
	e.queuesMu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(drainTimeout):
		e.logger.Warn("throttle drain exceeded deadline, abandoning queues")
	}

	if err := guard.Close(); err != nil {
		e.logger.ErrorKV("backend close failed", err)
	}
}
