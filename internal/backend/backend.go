// Package backend defines the polymorphic Platform Backend capability:
// the minimum surface shared by a user-space intercept driver and a
// kernel-pipe shaping attachment (see intercept and kernelshape).
package backend

import (
	"net"
	"time"
)

// Direction classifies a packet relative to the host.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
	DirectionLoopback
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	case DirectionLoopback:
		return "loopback"
	default:
		return "unknown"
	}
}

// Protocol is the L4 protocol of a captured packet.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
)

func (p Protocol) String() string {
	if p == ProtocolUDP {
		return "udp"
	}
	return "tcp"
}

// Mode selects how the Capture Engine treats packets flowing through
// a Backend.
type Mode int

const (
	// ModeMonitor: packets are copied or passed through untouched.
	ModeMonitor Mode = iota
	// ModeEnforce: limits and blocks are applied.
	ModeEnforce
)

// Addr is an opaque backend-supplied token identifying the kernel
// source/sink a packet must be reinjected to. It must be round-tripped
// unmodified from Recv to Send.
type Addr struct {
	// backend implementations store whatever they need (link-layer
	// address, socket, interface index...) behind this field.
	opaque any
}

// NewAddr wraps an arbitrary backend-private value as an Addr.
func NewAddr(v any) Addr { return Addr{opaque: v} }

// Value returns the backend-private value stored in addr.
func (a Addr) Value() any { return a.opaque }

// Header holds the parsed L3/L4 fields the Capture Engine needs;
// payload bytes beyond the header are not modeled here.
type Header struct {
	Protocol Protocol
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
}

// Packet is a captured L3 frame plus the metadata needed to classify
// it and, if required, to reinject it.
type Packet struct {
	Data      []byte
	Direction Direction
	Addr      Addr
	Length    int
	Header    Header
	// HeaderOK is false when parsing failed (malformed, truncated, or
	// an unsupported protocol); the engine reinjects such packets
	// immediately without accounting.
	HeaderOK  bool
	Timestamp time.Time
}

// Backend is the minimum capability every platform implementation
// exposes: open/recv/send/close for the packet path, and
// set_pipe/clear_pipe for kernel-side shaping (a no-op on backends
// that intercept by design).
type Backend interface {
	// Recv returns the next packet, or a nerr Kind-tagged error:
	// KindCaptureTransient (retry) or KindCaptureFatal/KindClosed
	// (backend gone). May block indefinitely.
	Recv() (Packet, error)
	// Send reinjects a previously received packet, preserving its
	// opaque Addr so the kernel routes it to the same interface and
	// direction it arrived on.
	Send(Packet) error
	// SetPipe configures kernel-side shaping for pid. Meaningful only
	// on kernel-shaping backends; a no-op elsewhere.
	SetPipe(pid uint32, downBPS, upBPS uint64) error
	// ClearPipe removes any shaping previously set for pid.
	ClearPipe(pid uint32) error
	// Close releases the handle. Safe to call more than once.
	Close() error
}

// PipeBackend is implemented by backends whose SetPipe/ClearPipe
// perform real kernel-side shaping rather than being a no-op. The
// Capture Engine uses it to decide whether set_bandwidth_limit should
// delegate to SetPipe instead of the in-process token-bucket limiter,
// per spec.md's two-backend polymorphism design note.
type PipeBackend interface {
	Backend
	UsesKernelPipe() bool
}

// OpenFunc opens a Backend with the given filter expression and mode.
// filter follows the grammar in FilterAll / FilterPort / FilterPorts.
type OpenFunc func(filter string, mode Mode) (Backend, error)
