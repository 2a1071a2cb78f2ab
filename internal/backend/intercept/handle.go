// Package intercept implements the user-space intercept Backend
// variant: every L3 packet for the host is expected to flow through
// this handle, and reinjection is mandatory. It is grounded on the
// teacher repo's rawtcp package (RawHandle / CaptureInfo / Direction),
// generalized from raw-TCP-only capture to the general TCP/UDP
// (protocol, port) filter surface the Backend capability requires.
package intercept

import (
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/netguard-dev/netguard/internal/backend"
)

// CaptureInfo mirrors the teacher's rawtcp.CaptureInfo: metadata about
// a captured packet independent of the underlying handle type.
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
}

// rawHandle abstracts the two concrete capture mechanisms (AF_PACKET
// or libpcap), exactly as the teacher's RawHandle interface abstracts
// pcap vs AF_PACKET for raw TCP capture.
type rawHandle interface {
	ZeroCopyReadPacketData() ([]byte, CaptureInfo, error)
	WritePacketData(data []byte) error
	SetBPFFilter(filter string) error
	Close()
	Stats() (*Stats, error)
}

// Stats mirrors the teacher's CaptureStats.
type Stats struct {
	PacketsReceived  uint64
	PacketsDropped   uint64
	PacketsIfDropped uint64
}

// Handle is the intercept Backend implementation: it owns a rawHandle
// for the configured interface and classifies every packet it reads.
type Handle struct {
	raw     rawHandle
	localIP net.IP

	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	closed bool
}

// Config configures the intercept backend.
type Config struct {
	// Interface is the network interface to intercept on.
	Interface string
	// LocalIP is the host's address used to decide packet direction;
	// if nil, direction is derived from the loopback-ness of the
	// endpoints only.
	LocalIP net.IP
	// Backend selects "auto", "pcap", or "afpacket". Default "auto".
	Backend string
	// SocketBuffer is the capture buffer size in bytes. 0 = backend default.
	SocketBuffer int
}

// Open opens an intercept Backend matching filter. filter must be one
// of the expressions produced by the backend package's FilterAll /
// FilterPort / FilterPorts helpers.
func Open(cfg Config, filter string, mode backend.Mode) (backend.Backend, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("intercept: Interface must be set")
	}
	raw, err := newRawHandle(cfg)
	if err != nil {
		return nil, err
	}

	// Each rawHandle implementation translates filter itself: the pcap
	// handle passes it straight to libpcap (NetGuard's filter grammar
	// is already valid libpcap syntax), the AF_PACKET handle compiles
	// it to classic BPF via compileClassicBPF.
	if err := raw.SetBPFFilter(filter); err != nil {
		raw.Close()
		return nil, fmt.Errorf("intercept: set filter: %w", err)
	}

	h := &Handle{
		raw:     raw,
		localIP: cfg.LocalIP,
		decoded: make([]gopacket.LayerType, 0, 4),
	}
	h.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&h.eth, &h.ip4, &h.ip6, &h.tcp, &h.udp,
	)
	h.parser.IgnoreUnsupported = true
	return h, nil
}

func newRawHandle(cfg Config) (rawHandle, error) {
	b := cfg.Backend
	if b == "" {
		b = "auto"
	}
	switch b {
	case "pcap":
		return newPcapHandle(cfg)
	case "afpacket":
		if runtime.GOOS != "linux" {
			return nil, fmt.Errorf("intercept: afpacket backend is only supported on Linux")
		}
		return newAFPacketHandle(cfg)
	case "auto":
		if runtime.GOOS == "linux" {
			if h, err := newAFPacketHandle(cfg); err == nil {
				return h, nil
			}
		}
		return newPcapHandle(cfg)
	default:
		return nil, fmt.Errorf("intercept: unknown backend %q", b)
	}
}

// Recv implements backend.Backend.
func (h *Handle) Recv() (backend.Packet, error) {
	data, info, err := h.raw.ZeroCopyReadPacketData()
	if err != nil {
		return backend.Packet{}, translateReadErr(err)
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	pkt := backend.Packet{
		Data:      dataCopy,
		Length:    info.Length,
		Timestamp: info.Timestamp,
		Addr:      backend.NewAddr(addrToken{}),
	}

	h.decoded = h.decoded[:0]
	if err := h.parser.DecodeLayers(dataCopy, &h.decoded); err != nil {
		// Truncated or unsupported: caller reinjects immediately, no accounting.
		return pkt, nil
	}

	var proto backend.Protocol
	var srcIP, dstIP net.IP
	var srcPort, dstPort uint16
	sawL4 := false
	for _, t := range h.decoded {
		switch t {
		case layers.LayerTypeIPv4:
			srcIP, dstIP = h.ip4.SrcIP, h.ip4.DstIP
		case layers.LayerTypeIPv6:
			srcIP, dstIP = h.ip6.SrcIP, h.ip6.DstIP
		case layers.LayerTypeTCP:
			proto = backend.ProtocolTCP
			srcPort, dstPort = uint16(h.tcp.SrcPort), uint16(h.tcp.DstPort)
			sawL4 = true
		case layers.LayerTypeUDP:
			proto = backend.ProtocolUDP
			srcPort, dstPort = uint16(h.udp.SrcPort), uint16(h.udp.DstPort)
			sawL4 = true
		}
	}

	if !sawL4 || srcIP == nil || dstIP == nil {
		return pkt, nil
	}

	pkt.HeaderOK = true
	pkt.Header = backend.Header{Protocol: proto, SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort}
	pkt.Direction = classifyDirection(h.localIP, srcIP, dstIP)
	return pkt, nil
}

func classifyDirection(local, src, dst net.IP) backend.Direction {
	if src.IsLoopback() && dst.IsLoopback() {
		return backend.DirectionLoopback
	}
	if local != nil && local.Equal(src) {
		return backend.DirectionOutbound
	}
	if local != nil && local.Equal(dst) {
		return backend.DirectionInbound
	}
	// LocalIP unset or didn't match either side: best-effort default.
	return backend.DirectionInbound
}

// Send implements backend.Backend. The intercept backend's Addr token
// carries no routing information of its own: reinjection writes the
// raw frame back out the same link the handle is bound to, which is
// how the teacher's WritePacketData path works for both AF_PACKET and
// pcap handles.
func (h *Handle) Send(pkt backend.Packet) error {
	if h.closed {
		return fmt.Errorf("intercept: handle closed")
	}
	if err := h.raw.WritePacketData(pkt.Data); err != nil {
		return fmt.Errorf("intercept: send failed: %w", err)
	}
	return nil
}

// SetPipe is a no-op on the intercept backend; rate limiting runs
// entirely in the Capture Engine's throttle queues for this backend.
func (h *Handle) SetPipe(pid uint32, downBPS, upBPS uint64) error { return nil }

// ClearPipe is a no-op on the intercept backend.
func (h *Handle) ClearPipe(pid uint32) error { return nil }

// Close releases the handle, causing the kernel's driver-exit policy
// to reinject any packets it still holds.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.raw.Close()
	return nil
}

// addrToken is the intercept backend's (empty) opaque Addr payload.
type addrToken struct{}
