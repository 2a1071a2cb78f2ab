// Package backendtest provides an in-memory fake backend.Backend for
// exercising the Capture Engine, the rate limiter, and the accounting
// store without a real interface. Grounded on the teacher's sibling
// example grimm-is-flywall's MockTrafficStore (predefined fixture
// data fed through the same interface the production type exposes).
package backendtest

import (
	"sync"

	"github.com/netguard-dev/netguard/internal/backend"
	"github.com/netguard-dev/netguard/internal/nerr"
)

// Fake is an in-memory backend.Backend. Queue packets with Enqueue for
// Recv to return them in order; every Send call is recorded onto Sent
// for assertions.
type Fake struct {
	mu     sync.Mutex
	inbox  []backend.Packet
	waitCh chan struct{}

	Sent []backend.Packet

	Pipes   map[uint32]Pipe
	Closed  bool
	RecvErr error // returned once the enqueued packets are drained, if set

	// KernelPipe, when true, makes UsesKernelPipe report this fake as a
	// kernel-shaping backend.Backend, for exercising Controller's
	// set_pipe delegation path.
	KernelPipe bool

	// PanicOnSend, when true, makes Send panic instead of recording the
	// packet, for exercising the engine's per-packet panic recovery.
	PanicOnSend bool
}

// Pipe records the last SetPipe call observed for a pid.
type Pipe struct {
	DownBPS uint64
	UpBPS   uint64
}

// New returns an empty Fake backend.
func New() *Fake {
	return &Fake{
		waitCh: make(chan struct{}, 1),
		Pipes:  make(map[uint32]Pipe),
	}
}

// Enqueue appends pkt to the queue Recv drains from.
func (f *Fake) Enqueue(pkt backend.Packet) {
	f.mu.Lock()
	f.inbox = append(f.inbox, pkt)
	f.mu.Unlock()
	select {
	case f.waitCh <- struct{}{}:
	default:
	}
}

// Recv returns the next enqueued packet, blocking until one is
// available or the fake is closed.
func (f *Fake) Recv() (backend.Packet, error) {
	for {
		f.mu.Lock()
		if f.Closed {
			f.mu.Unlock()
			return backend.Packet{}, nerr.New(nerr.KindClosed, "backendtest: closed")
		}
		if len(f.inbox) > 0 {
			pkt := f.inbox[0]
			f.inbox = f.inbox[1:]
			f.mu.Unlock()
			return pkt, nil
		}
		if f.RecvErr != nil {
			err := f.RecvErr
			f.mu.Unlock()
			return backend.Packet{}, err
		}
		f.mu.Unlock()
		<-f.waitCh
	}
}

// Send records pkt onto Sent.
func (f *Fake) Send(pkt backend.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PanicOnSend {
		panic("backendtest: forced panic on Send")
	}
	if f.Closed {
		return nerr.New(nerr.KindClosed, "backendtest: closed")
	}
	f.Sent = append(f.Sent, pkt)
	return nil
}

// SetPipe records the most recent shaping request for pid.
func (f *Fake) SetPipe(pid uint32, downBPS, upBPS uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pipes[pid] = Pipe{DownBPS: downBPS, UpBPS: upBPS}
	return nil
}

// ClearPipe removes any recorded shaping for pid.
func (f *Fake) ClearPipe(pid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Pipes, pid)
	return nil
}

// UsesKernelPipe reports KernelPipe, satisfying backend.PipeBackend.
func (f *Fake) UsesKernelPipe() bool { return f.KernelPipe }

// Close marks the fake closed and unblocks any pending Recv.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return nil
	}
	f.Closed = true
	select {
	case f.waitCh <- struct{}{}:
	default:
	}
	return nil
}

var (
	_ backend.Backend     = (*Fake)(nil)
	_ backend.PipeBackend = (*Fake)(nil)
)
