package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netguard-dev/netguard/internal/accounting"
	"github.com/netguard-dev/netguard/internal/backend"
	"github.com/netguard-dev/netguard/internal/backend/backendtest"
	"github.com/netguard-dev/netguard/internal/engine"
	"github.com/netguard-dev/netguard/internal/limiter"
	"github.com/netguard-dev/netguard/internal/resolver"
	"github.com/netguard-dev/netguard/internal/rules"
)

type fakeResolverSource struct {
	flows map[resolver.FlowKey]uint32
	procs map[uint32]resolver.ProcessEntry
}

func (f *fakeResolverSource) Scan() (map[resolver.FlowKey]uint32, map[uint32]resolver.ProcessEntry, error) {
	return f.flows, f.procs, nil
}

func newController(t *testing.T, procs map[uint32]resolver.ProcessEntry) (*Controller, *backendtest.Fake) {
	fb := backendtest.New()
	res := resolver.New(&fakeResolverSource{procs: procs})
	require.NoError(t, res.Refresh())
	store := accounting.New()
	lim := limiter.New()
	eng := engine.New(fb, res, store, lim, backend.ModeMonitor, nil)

	go eng.Run(context.Background())
	t.Cleanup(func() { _ = fb.Close() })

	return New(eng, store, lim, res, nil), fb
}

func newKernelPipeController(t *testing.T) (*Controller, *backendtest.Fake) {
	fb := backendtest.New()
	fb.KernelPipe = true
	res := resolver.New(&fakeResolverSource{})
	require.NoError(t, res.Refresh())
	store := accounting.New()
	lim := limiter.New()
	eng := engine.New(fb, res, store, lim, backend.ModeMonitor, nil)

	go eng.Run(context.Background())
	t.Cleanup(func() { _ = fb.Close() })

	return New(eng, store, lim, res, nil), fb
}

func TestSetBandwidthLimitDelegatesToPipeOnKernelShapingBackend(t *testing.T) {
	c, fb := newKernelPipeController(t)

	require.NoError(t, c.SetBandwidthLimit(7, 1000, 2000))
	assert.Equal(t, backendtest.Pipe{DownBPS: 1000, UpBPS: 2000}, fb.Pipes[7])
	// The in-process limiter must never see a kernel-pipe pid.
	assert.NotContains(t, c.GetLimits(), uint32(7))

	c.RemoveBandwidthLimit(7)
	assert.NotContains(t, fb.Pipes, uint32(7))
}

func TestSetBandwidthLimitAndRemove(t *testing.T) {
	c, _ := newController(t, nil)

	require.NoError(t, c.SetBandwidthLimit(1, 1000, 2000))
	limits := c.GetLimits()
	require.Contains(t, limits, uint32(1))
	assert.Equal(t, uint64(1000), limits[1].DownloadBPS)

	c.RemoveBandwidthLimit(1)
	assert.NotContains(t, c.GetLimits(), uint32(1))
}

func TestSetBandwidthLimitZeroRemoves(t *testing.T) {
	c, _ := newController(t, nil)
	require.NoError(t, c.SetBandwidthLimit(1, 1000, 0))
	require.NoError(t, c.SetBandwidthLimit(1, 0, 0))
	assert.NotContains(t, c.GetLimits(), uint32(1))
}

func TestSetBandwidthLimitRejectsUnknownPID(t *testing.T) {
	c, _ := newController(t, nil)
	err := c.SetBandwidthLimit(resolver.UnknownPID, 1000, 2000)
	assert.Error(t, err)
	assert.NotContains(t, c.GetLimits(), resolver.UnknownPID)
}

func TestBlockProcessIsNoOpForUnknownPID(t *testing.T) {
	c, _ := newController(t, nil)
	c.BlockProcess(resolver.UnknownPID)
	assert.NotContains(t, c.GetBlocked(), resolver.UnknownPID)
}

func TestBlockUnblockProcess(t *testing.T) {
	c, _ := newController(t, nil)
	c.BlockProcess(5)
	assert.Contains(t, c.GetBlocked(), uint32(5))
	c.UnblockProcess(5)
	assert.NotContains(t, c.GetBlocked(), uint32(5))
}

func TestApplyStartupRulesMatchesByExePath(t *testing.T) {
	procs := map[uint32]resolver.ProcessEntry{
		10: {Name: "curl", ExePath: "/usr/bin/curl"},
		11: {Name: "other", ExePath: "/usr/bin/other"},
	}
	c, _ := newController(t, procs)

	c.ApplyStartupRules([]rules.RuleEntry{
		{ExePath: "/usr/bin/curl", DownloadBPS: 5000, Blocked: true},
	})

	assert.Contains(t, c.GetBlocked(), uint32(10))
	assert.NotContains(t, c.GetBlocked(), uint32(11))

	limits := c.GetLimits()
	require.Contains(t, limits, uint32(10))
	assert.Equal(t, uint64(5000), limits[10].DownloadBPS)
	assert.NotContains(t, limits, uint32(11))
}

func TestStatsTickCallsFnOnSchedule(t *testing.T) {
	store := accounting.New()
	store.Update(1, "proc", "/usr/bin/proc", 10, 0)

	stop := make(chan struct{})
	calls := make(chan []accounting.TrafficCounters, 4)

	go StatsTick(stop, store, func(c []accounting.TrafficCounters) {
		select {
		case calls <- c:
		default:
		}
	})

	select {
	case c := <-calls:
		assert.Len(t, c, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("StatsTick never invoked fn")
	}
	close(stop)
}
