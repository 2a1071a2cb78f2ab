package resolver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netguard-dev/netguard/internal/backend"
)

type fakeSource struct {
	flows map[FlowKey]uint32
	procs map[uint32]ProcessEntry
	err   error
}

func (f *fakeSource) Scan() (map[FlowKey]uint32, map[uint32]ProcessEntry, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.flows, f.procs, nil
}

func TestLookupBeforeRefreshReturnsUnknown(t *testing.T) {
	r := New(&fakeSource{})
	entry, ok := r.Lookup(FlowKey{Protocol: backend.ProtocolTCP, LocalAddr: "10.0.0.1", LocalPort: 80})
	assert.False(t, ok)
	assert.Equal(t, UnknownPID, entry.PID)
}

func TestRefreshPopulatesLookupAndSnapshot(t *testing.T) {
	key := FlowKey{Protocol: backend.ProtocolTCP, LocalAddr: "10.0.0.1", LocalPort: 443}
	src := &fakeSource{
		flows: map[FlowKey]uint32{key: 42},
		procs: map[uint32]ProcessEntry{
			42: {Name: "curl", ExePath: "/usr/bin/curl"},
		},
	}
	r := New(src)
	require.NoError(t, r.Refresh())

	entry, ok := r.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, uint32(42), entry.PID)
	assert.Equal(t, "curl", entry.Name)
	assert.Equal(t, uint32(1), entry.ConnectionCount)

	snap := r.Snapshot()
	require.Contains(t, snap, uint32(42))
	assert.Equal(t, "/usr/bin/curl", snap[42].ExePath)
}

func TestRefreshCountsMultipleConnectionsPerPID(t *testing.T) {
	k1 := FlowKey{Protocol: backend.ProtocolTCP, LocalAddr: "10.0.0.1", LocalPort: 443}
	k2 := FlowKey{Protocol: backend.ProtocolTCP, LocalAddr: "10.0.0.1", LocalPort: 8443}
	src := &fakeSource{
		flows: map[FlowKey]uint32{k1: 7, k2: 7},
		procs: map[uint32]ProcessEntry{7: {Name: "chrome"}},
	}
	r := New(src)
	require.NoError(t, r.Refresh())

	snap := r.Snapshot()
	require.Contains(t, snap, uint32(7))
	assert.Equal(t, uint32(2), snap[7].ConnectionCount)
}

func TestRefreshDropsFlowsForVanishedProcesses(t *testing.T) {
	key := FlowKey{Protocol: backend.ProtocolUDP, LocalAddr: "127.0.0.1", LocalPort: 53}
	src := &fakeSource{
		flows: map[FlowKey]uint32{key: 99},
		procs: map[uint32]ProcessEntry{}, // pid 99 never showed up
	}
	r := New(src)
	require.NoError(t, r.Refresh())

	_, ok := r.Lookup(key)
	assert.False(t, ok)
}

func TestOnRefreshCallbackReceivesConnectionCounts(t *testing.T) {
	k1 := FlowKey{Protocol: backend.ProtocolTCP, LocalAddr: "10.0.0.1", LocalPort: 443}
	k2 := FlowKey{Protocol: backend.ProtocolTCP, LocalAddr: "10.0.0.1", LocalPort: 8443}
	src := &fakeSource{
		flows: map[FlowKey]uint32{k1: 7, k2: 7},
		procs: map[uint32]ProcessEntry{7: {Name: "chrome"}},
	}
	r := New(src)

	var got map[uint32]ProcessEntry
	r.OnRefresh(func(procs map[uint32]ProcessEntry) { got = procs })

	require.NoError(t, r.Refresh())
	require.Contains(t, got, uint32(7))
	assert.Equal(t, uint32(2), got[7].ConnectionCount)
}

func TestRefreshPropagatesSourceError(t *testing.T) {
	r := New(&fakeSource{err: errors.New("scan failed")})
	err := r.Refresh()
	assert.Error(t, err)
}

func TestRunStopsOnStopChannel(t *testing.T) {
	r := New(&fakeSource{})
	stop := make(chan struct{})

	done := make(chan struct{})
	go func() {
		r.Run(stop, 5*time.Millisecond, nil)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after stop channel was closed")
	}
}

func TestRunInvokesOnErrForSourceFailures(t *testing.T) {
	r := New(&fakeSource{err: errors.New("boom")})
	stop := make(chan struct{})

	errCh := make(chan error, 1)
	go r.Run(stop, 5*time.Millisecond, func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("onErr was never called")
	}
	close(stop)
}
