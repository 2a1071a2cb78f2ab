// Package accounting implements the Traffic Accounting Store: a
// concurrent pid -> TrafficCounters mapping updated from the capture
// hot path and snapshotted once a second. Grounded on the teacher's
// preference for sharded/striped locking plus atomic counters over a
// single global mutex (see its Bind implementations' per-CPU-ish
// state splitting); no third-party sharded/concurrent-map library
// appears anywhere in the retrieval pack, so the sharding itself is
// hand-rolled over sync.RWMutex + atomic counters (see DESIGN.md).
package accounting

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	shardCount       = 32
	staleAfter       = 10 * time.Second
	snapshotInterval = time.Second
)

// TrafficCounters mirrors spec.md's TrafficCounters record.
type TrafficCounters struct {
	PID              uint32
	Name             string
	ExePath          string
	BytesSent        uint64
	BytesRecv        uint64
	UploadSpeedBPS   float64
	DownloadSpeedBPS float64
	ConnectionCount  uint32
	LastActive       time.Time
}

// entry is the mutable per-pid record held inside a shard. Byte
// counters and connection count are atomics so Update never takes the
// shard lock on the common path; lastActive is stored as UnixNano for
// the same reason.
type entry struct {
	name            atomic.Pointer[string]
	exePath         atomic.Pointer[string]
	bytesSent       atomic.Uint64
	bytesRecv       atomic.Uint64
	connectionCount atomic.Uint32
	lastActiveNano  atomic.Int64

	// prevBytesSent/prevBytesRecv/prevTick are read and written only by
	// Snapshot, under the shard's write lock, and need no
	// synchronization of their own.
	prevBytesSent uint64
	prevBytesRecv uint64
	prevTick      time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint32]*entry
}

// Store is the Traffic Accounting Store.
type Store struct {
	shards [shardCount]*shard
}

// New returns an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[uint32]*entry)}
	}
	return s
}

func (s *Store) shardFor(pid uint32) *shard {
	return s.shards[pid%shardCount]
}

// Update records bytesSent/bytesRecv delta for pid, identified by
// name/exePath (only applied on first sight of the pid — subsequent
// calls update byte counters only, since name/exePath don't change
// for a live pid). Safe for concurrent use by many capture goroutines
// on distinct pids; concurrent calls for the same pid serialize on
// that pid's atomics, not a shard-wide lock, except on the very first
// sighting of a pid, which takes the shard's write lock once.
func (s *Store) Update(pid uint32, name, exePath string, sentDelta, recvDelta uint64) {
	sh := s.shardFor(pid)

	sh.mu.RLock()
	e, ok := sh.entries[pid]
	sh.mu.RUnlock()

	if !ok {
		e = s.createEntry(sh, pid, name, exePath)
	}

	if sentDelta > 0 {
		e.bytesSent.Add(sentDelta)
	}
	if recvDelta > 0 {
		e.bytesRecv.Add(recvDelta)
	}
	e.lastActiveNano.Store(time.Now().UnixNano())
}

func (s *Store) createEntry(sh *shard, pid uint32, name, exePath string) *entry {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[pid]; ok {
		return e
	}
	e := &entry{}
	e.name.Store(&name)
	e.exePath.Store(&exePath)
	e.lastActiveNano.Store(time.Now().UnixNano())
	e.prevTick = time.Now()
	sh.entries[pid] = e
	return e
}

// SetConnectionCount overwrites pid's connection_count field, called
// from the resolver refresh tick. A no-op if pid has no counters yet;
// connection counts are only meaningful once traffic has been seen.
func (s *Store) SetConnectionCount(pid uint32, count uint32) {
	sh := s.shardFor(pid)
	sh.mu.RLock()
	e, ok := sh.entries[pid]
	sh.mu.RUnlock()
	if ok {
		e.connectionCount.Store(count)
	}
}

// Snapshot computes this tick's speeds from the byte-counter deltas
// since the previous snapshot, evicts entries stale for longer than
// 10s, and returns the remaining counters. Called once a second by the
// stats tick and on demand by Controller.GetSnapshot; concurrent calls
// serialize on each shard's write lock, and every call resets the
// speed baseline for the next one.
func (s *Store) Snapshot() []TrafficCounters {
	now := time.Now()
	out := make([]TrafficCounters, 0, 64)

	for _, sh := range s.shards {
		sh.mu.Lock()
		for pid, e := range sh.entries {
			lastActive := time.Unix(0, e.lastActiveNano.Load())
			if now.Sub(lastActive) > staleAfter {
				delete(sh.entries, pid)
				continue
			}

			curSent := e.bytesSent.Load()
			curRecv := e.bytesRecv.Load()

			elapsed := now.Sub(e.prevTick).Seconds()
			var upSpeed, downSpeed float64
			if elapsed > 0 {
				upSpeed = float64(curSent-e.prevBytesSent) / elapsed
				downSpeed = float64(curRecv-e.prevBytesRecv) / elapsed
			}
			e.prevBytesSent = curSent
			e.prevBytesRecv = curRecv
			e.prevTick = now

			name := ""
			if p := e.name.Load(); p != nil {
				name = *p
			}
			exePath := ""
			if p := e.exePath.Load(); p != nil {
				exePath = *p
			}

			out = append(out, TrafficCounters{
				PID:              pid,
				Name:             name,
				ExePath:          exePath,
				BytesSent:        curSent,
				BytesRecv:        curRecv,
				UploadSpeedBPS:   upSpeed,
				DownloadSpeedBPS: downSpeed,
				ConnectionCount:  e.connectionCount.Load(),
				LastActive:       lastActive,
			})
		}
		sh.mu.Unlock()
	}
	return out
}

// SnapshotInterval is the stats tick cadence spec.md requires.
func SnapshotInterval() time.Duration { return snapshotInterval }
