//go:build !linux || cgo

package intercept

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket/pcap"
)

// pcapHandle wraps a libpcap handle for raw packet capture/injection.
// Grounded on the teacher repo's rawtcp.PcapHandle.
type pcapHandle struct {
	handle *pcap.Handle
	closed atomic.Bool
}

func newPcapHandle(cfg Config) (rawHandle, error) {
	const snapLen = 65535
	const promisc = true
	const timeout = 100 * time.Millisecond

	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("intercept: inactive handle on %s: %w", cfg.Interface, err)
	}
	if err := inactive.SetSnapLen(snapLen); err != nil {
		inactive.CleanUp()
		return nil, fmt.Errorf("intercept: snap length: %w", err)
	}
	if err := inactive.SetPromisc(promisc); err != nil {
		inactive.CleanUp()
		return nil, fmt.Errorf("intercept: promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(timeout); err != nil {
		inactive.CleanUp()
		return nil, fmt.Errorf("intercept: timeout: %w", err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		inactive.CleanUp()
		return nil, fmt.Errorf("intercept: immediate mode: %w", err)
	}
	if cfg.SocketBuffer > 0 {
		if err := inactive.SetBufferSize(cfg.SocketBuffer); err != nil {
			inactive.CleanUp()
			return nil, fmt.Errorf("intercept: buffer size: %w", err)
		}
	}
	handle, err := inactive.Activate()
	if err != nil {
		inactive.CleanUp()
		return nil, fmt.Errorf("intercept: activate pcap handle: %w", err)
	}
	return &pcapHandle{handle: handle}, nil
}

func isPcapTimeout(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Timeout") || strings.Contains(s, "timeout")
}

func (h *pcapHandle) ZeroCopyReadPacketData() ([]byte, CaptureInfo, error) {
	for {
		if h.closed.Load() {
			return nil, CaptureInfo{}, fmt.Errorf("closed")
		}
		data, ci, err := h.handle.ZeroCopyReadPacketData()
		if err != nil {
			if isPcapTimeout(err) {
				continue
			}
			return nil, CaptureInfo{}, err
		}
		return data, CaptureInfo{Timestamp: ci.Timestamp, CaptureLength: ci.CaptureLength, Length: ci.Length}, nil
	}
}

func (h *pcapHandle) WritePacketData(data []byte) error {
	return h.handle.WritePacketData(data)
}

func (h *pcapHandle) SetBPFFilter(filter string) error {
	return h.handle.SetBPFFilter(filter)
}

func (h *pcapHandle) Close() {
	h.closed.Store(true)
	if h.handle != nil {
		h.handle.Close()
	}
}

func (h *pcapHandle) Stats() (*Stats, error) {
	s, err := h.handle.Stats()
	if err != nil {
		return nil, err
	}
	return &Stats{PacketsReceived: uint64(s.PacketsReceived), PacketsDropped: uint64(s.PacketsDropped), PacketsIfDropped: uint64(s.PacketsIfDropped)}, nil
}
