//go:build linux && !cgo

package intercept

import "fmt"

// libpcap requires CGO; without it, Linux builds must use the afpacket backend.
func newPcapHandle(cfg Config) (rawHandle, error) {
	return nil, fmt.Errorf("intercept: pcap is not available without CGO on Linux; use afpacket backend or set Backend=afpacket")
}
