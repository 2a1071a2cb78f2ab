//go:build !linux

package resolver

// unsupportedSource is the non-Linux fallback: without /proc there is
// no socket-inode table to join against, so every flow resolves to
// the synthetic unknown pid. This is a documented current-platform
// limitation, not a silently approximated resolver.
type unsupportedSource struct{}

// NewProcfsSource returns a Source that reports no processes or
// flows on platforms without /proc.
func NewProcfsSource() (Source, error) {
	return unsupportedSource{}, nil
}

func (unsupportedSource) Scan() (map[FlowKey]uint32, map[uint32]ProcessEntry, error) {
	return map[FlowKey]uint32{}, map[uint32]ProcessEntry{}, nil
}
