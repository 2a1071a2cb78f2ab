//go:build linux

package intercept

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/netguard-dev/netguard/internal/backend"
)

// compileClassicBPF compiles a NetGuard filter expression ("tcp or
// udp", "tcp port 443", "tcp port 1 or udp port 2" ...) into classic
// BPF instructions for SO_ATTACH_FILTER.
//
// Grounded on the teacher repo's rawtcp.compileBPFFilter /
// buildTCP{Dst,Src}PortFilter / buildTCPFilter (IPv4 Ethernet-framed
// classic BPF), generalized in two ways: UDP clauses are supported
// alongside TCP, and multiple clauses are chained with OR semantics —
// a clause that fails to match jumps to the next clause's first
// instruction instead of to a hard reject, and only the last clause's
// failure falls through to reject.
//
// A port clause compares the L4 destination port only; a packet whose
// source port matches and destination port does not is rejected by
// that clause. Only IPv4 Ethernet frames are matched.
func compileClassicBPF(filter string) ([]unix.SockFilter, error) {
	clauses, err := backend.ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	if len(clauses) == 0 {
		return nil, fmt.Errorf("no clauses in filter")
	}

	// Each clause compiles to a fixed-length instruction sequence
	// (length depends only on whether it has a port), so clause start
	// offsets can be computed up front.
	bodies := make([][]bpfInsn, len(clauses))
	for i, c := range clauses {
		bodies[i] = clauseBody(c)
	}

	starts := make([]int, len(clauses))
	offset := 0
	for i, b := range bodies {
		starts[i] = offset
		offset += len(b)
	}
	acceptIdx := offset
	rejectIdx := offset + 1
	total := offset + 2

	program := make([]unix.SockFilter, 0, total)
	for i, b := range bodies {
		nextStart := rejectIdx
		if i+1 < len(starts) {
			nextStart = starts[i+1]
		}
		for _, ins := range b {
			idx := len(program)
			sf := unix.SockFilter{Code: ins.code, K: ins.k}
			switch ins.kind {
			case insnMatch:
				// On match, fall through to the next instruction in
				// this clause; on mismatch, jump to this clause's
				// failure target (the next clause, or reject).
				sf.Jt = 0
				sf.Jf = uint8(relJump(idx, nextStart))
			case insnFinal:
				// Last comparison in the clause: match -> accept, else -> next clause.
				sf.Jt = uint8(relJump(idx, acceptIdx))
				sf.Jf = uint8(relJump(idx, nextStart))
			}
			program = append(program, sf)
		}
	}
	program = append(program, unix.SockFilter{Code: bpfRetK, K: 0xffffffff}) // accept
	program = append(program, unix.SockFilter{Code: bpfRetK, K: 0})          // reject

	return program, nil
}

// relJump converts an absolute target instruction index into a BPF
// jump offset relative to the instruction following index `from`.
func relJump(from, target int) int {
	return target - (from + 1)
}

type insnKind int

const (
	insnLoad insnKind = iota
	insnMatch
	insnFinal
)

type bpfInsn struct {
	code uint16
	k    uint32
	kind insnKind
}

// clauseBody builds the load/compare sequence for one filter clause.
// Every comparison instruction (insnMatch, insnFinal) falls through to
// the next instruction on match; insnFinal additionally knows it is
// the clause's last comparison and should accept on match.
func clauseBody(c backend.Clause) []bpfInsn {
	ipProto := uint32(ipProtoTCP)
	if c.Protocol == backend.ProtocolUDP {
		ipProto = ipProtoUDP
	}

	if c.AnyPort {
		return []bpfInsn{
			{code: bpfLdAbsH, k: ethOffsetType, kind: insnLoad},
			{code: bpfJmpJeqK, k: etherTypeIPv4, kind: insnMatch},
			{code: bpfLdAbsB, k: ethHeaderLen + 9, kind: insnLoad},
			{code: bpfJmpJeqK, k: ipProto, kind: insnFinal},
		}
	}

	return []bpfInsn{
		{code: bpfLdAbsH, k: ethOffsetType, kind: insnLoad},
		{code: bpfJmpJeqK, k: etherTypeIPv4, kind: insnMatch},
		{code: bpfLdAbsB, k: ethHeaderLen + 9, kind: insnLoad},
		{code: bpfJmpJeqK, k: ipProto, kind: insnMatch},
		{code: bpfLdxMsh, k: ethHeaderLen, kind: insnLoad},
		{code: bpfLdIndH, k: ethHeaderLen + 2, kind: insnLoad}, // dst port offset within L4 header
		{code: bpfJmpJeqK, k: uint32(c.Port), kind: insnFinal},
	}
}

// BPF opcodes (classic BPF), as in the teacher repo.
const (
	bpfLdAbsH  = 0x28
	bpfLdAbsB  = 0x30
	bpfLdxMsh  = 0xb1
	bpfLdIndH  = 0x48
	bpfJmpJeqK = 0x15
	bpfRetK    = 0x06
)

const (
	ethOffsetType = 12
	ethHeaderLen  = 14
	etherTypeIPv4 = 0x0800
	ipProtoTCP    = 6
	ipProtoUDP    = 17
)
