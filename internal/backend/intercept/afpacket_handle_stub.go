//go:build !linux

package intercept

import "fmt"

// AF_PACKET is Linux-only; other platforms fall back to the pcap backend.
func newAFPacketHandle(cfg Config) (rawHandle, error) {
	return nil, fmt.Errorf("intercept: afpacket backend is only supported on Linux")
}
