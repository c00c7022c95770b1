package dht

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/kadnode/engine"
	"github.com/opd-ai/kadnode/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bootstrapFixture struct {
	b            *Bootstrapper
	dht          *fakeDHT
	fetchers     *fakeFetchers
	bootstrapped atomic.Int32

	mu       sync.Mutex
	reported []error
}

func newBootstrapFixture(t *testing.T, fallback []string) *bootstrapFixture {
	t.Helper()
	f := &bootstrapFixture{
		dht:      newFakeDHT("test", nil),
		fetchers: &fakeFetchers{},
	}
	f.dht.setRunning(true)
	f.b = NewBootstrapper(f.dht, BootstrapperConfig{
		FallbackHosts: fallback,
		NewFetcher:    f.fetchers.factory,
		OnBootstrapped: func() {
			f.bootstrapped.Add(1)
		},
		Reporter: ErrorReporterFunc(func(err error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.reported = append(f.reported, err)
		}),
	})
	return f
}

func (f *bootstrapFixture) reports() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.reported...)
}

// seedHosts fills the host set without triggering pings. The last address
// is the newest.
func (f *bootstrapFixture) seedHosts(addrs ...netip.AddrPort) {
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	for _, a := range addrs {
		f.b.hosts.Add(a)
	}
}

func contactAt(n int, addr netip.AddrPort) *routing.Contact {
	return routing.NewContact(idWithPrefix(0x80, n), addr, time.Now())
}

func TestBootstrapScenarioHostSetTimeoutThenSuccess(t *testing.T) {
	f := newBootstrapFixture(t, nil)
	a, b := addrN(1), addrN(2)
	f.seedHosts(b, a)

	f.b.Bootstrap()
	require.Equal(t, 1, f.dht.pingCount())
	assert.Equal(t, a, f.dht.ping(0).addr, "newest host first")
	assert.Equal(t, 0, f.dht.findCount(), "host set before route table")
	assert.Equal(t, StatePingingFromHostSet, f.b.State())

	f.dht.ping(0).future.Fail(engine.ErrTimeout)
	requireEventually(t, func() bool { return f.dht.pingCount() == 2 }, "pings next host")
	assert.Equal(t, b, f.dht.ping(1).addr)

	contact := contactAt(2, b)
	f.dht.ping(1).future.Complete(engine.PingResult{Contact: contact})
	requireEventually(t, func() bool { return f.dht.bootstrapCount() == 1 }, "bootstraps from responder")
	assert.Equal(t, contact.ID, f.dht.bootstrapCall(0).contact.ID)
	assert.Equal(t, StateBootstrapping, f.b.State())
	assert.False(t, f.b.IsWaitingForNodes())

	f.dht.completeBootstrap(0, engine.BootstrapSucceeded)
	requireEventually(t, func() bool { return f.bootstrapped.Load() == 1 }, "capabilities update")
	assert.Equal(t, StateIdle, f.b.State())
	assert.False(t, f.b.IsWaitingForNodes())
	assert.Never(t, func() bool { return f.bootstrapped.Load() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, 0, f.dht.findCount())
}

func TestBootstrapEmptyHostSetUsesRouteTable(t *testing.T) {
	f := newBootstrapFixture(t, nil)

	f.b.Bootstrap()
	assert.Equal(t, 1, f.dht.findCount())
	assert.Equal(t, 0, f.dht.pingCount())
	assert.Equal(t, StatePingingFromRouteTable, f.b.State())
	assert.True(t, f.b.TriedRouteTable())
	assert.True(t, f.b.IsWaitingForNodes())
}

func TestBootstrapRouteTableTriedOnce(t *testing.T) {
	f := newBootstrapFixture(t, nil)

	f.b.Bootstrap()
	f.b.Bootstrap()
	require.Equal(t, 1, f.dht.findCount(), "a ping is already in flight")

	f.dht.find(0).Fail(engine.ErrNoContacts)
	requireEventually(t, func() bool { return f.fetchers.count() == 1 }, "falls through to the fetcher")
	assert.True(t, f.fetchers.last().IsRunning())

	for i := 0; i < 5; i++ {
		f.b.Bootstrap()
	}
	assert.Equal(t, 1, f.dht.findCount())
	assert.Equal(t, 1, f.fetchers.count(), "fetcher started once")
}

func TestBootstrapHostCandidatePreemptsRouteTablePing(t *testing.T) {
	f := newBootstrapFixture(t, nil)

	f.b.Bootstrap()
	require.Equal(t, 1, f.dht.findCount())
	find := f.dht.find(0)

	f.b.AddBootstrapHost(addrN(7))
	assert.True(t, find.IsCancelled(), "route table ping cancelled, not awaited")
	require.Equal(t, 1, f.dht.pingCount())
	assert.Equal(t, addrN(7), f.dht.ping(0).addr)
	assert.Equal(t, StatePingingFromHostSet, f.b.State())

	// A second candidate waits for the host set ping.
	f.b.AddBootstrapHost(addrN(8))
	assert.Equal(t, 1, f.dht.pingCount())
	assert.Equal(t, []netip.AddrPort{addrN(8)}, f.b.Hosts())
}

func TestBootstrapLateRouteTableCompletionDiscarded(t *testing.T) {
	f := newBootstrapFixture(t, nil)

	f.b.Bootstrap()
	find := f.dht.find(0)
	f.b.AddBootstrapHost(addrN(1))

	// Already cancelled: completing has no effect.
	assert.False(t, find.Complete(engine.PingResult{Contact: contactAt(1, addrN(9))}))
	assert.Never(t, func() bool { return f.dht.bootstrapCount() > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, StatePingingFromHostSet, f.b.State())
}

func TestBootstrapRouteTableFailureTriesFallbackHost(t *testing.T) {
	hosts := make([]string, 16)
	for i := range hosts {
		hosts[i] = addrN(100 + i).String()
	}
	f := newBootstrapFixture(t, hosts)
	local := f.dht.LocalNodeID()

	f.b.Bootstrap()
	f.dht.find(0).Fail(engine.ErrTimeout)

	requireEventually(t, func() bool { return f.dht.pingCount() == 1 }, "pings fallback host")
	want := int((local[0] & 0xF0) >> 4)
	assert.Equal(t, addrN(100+want), f.dht.ping(0).addr)
	assert.Equal(t, StatePingingFromHostSet, f.b.State())
	assert.Equal(t, 0, f.fetchers.count())

	f.dht.ping(0).future.Fail(engine.ErrTimeout)
	requireEventually(t, func() bool { return f.fetchers.count() == 1 }, "fetcher after fallback")
	assert.Equal(t, 1, f.dht.pingCount(), "fallback tried once")
}

func TestSelectFallbackHost(t *testing.T) {
	list := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = addrN(i).String()
		}
		return out
	}

	tests := []struct {
		name  string
		hosts []string
		top   byte
		want  int
	}{
		{"single host", list(1), 0xF0, 0},
		{"sixteen hosts, bucket 0", list(16), 0x00, 0},
		{"sixteen hosts, bucket 15", list(16), 0xF3, 15},
		{"three hosts, bucket 6", list(3), 0x6A, 1},
		{"three hosts, bucket 15", list(3), 0xFF, 2},
		{"thirty two hosts, bucket 5", list(32), 0x50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id routing.KUID
			id[0] = tt.top
			got, ok := selectFallbackHost(tt.hosts, id)
			require.True(t, ok)
			assert.Equal(t, addrN(tt.want), got)

			again, _ := selectFallbackHost(tt.hosts, id)
			assert.Equal(t, got, again, "selection is deterministic")
		})
	}
}

func TestSelectFallbackHostSkipsInvalid(t *testing.T) {
	var id routing.KUID
	id[0] = 0xF0

	_, ok := selectFallbackHost(nil, id)
	assert.False(t, ok)

	_, ok = selectFallbackHost([]string{"not an address", "example.com:6346"}, id)
	assert.False(t, ok)

	got, ok := selectFallbackHost([]string{"bogus", addrN(4).String()}, id)
	require.True(t, ok)
	assert.Equal(t, addrN(4), got)
}

func TestBootstrapFailedResultRetries(t *testing.T) {
	f := newBootstrapFixture(t, nil)
	f.seedHosts(addrN(2), addrN(1))

	f.b.Bootstrap()
	f.dht.ping(0).future.Complete(engine.PingResult{Contact: contactAt(1, addrN(1))})
	requireEventually(t, func() bool { return f.dht.bootstrapCount() == 1 }, "bootstrap started")

	f.dht.completeBootstrap(0, engine.BootstrapFailed)
	requireEventually(t, func() bool { return f.dht.pingCount() == 2 }, "next host pinged")
	assert.Equal(t, addrN(2), f.dht.ping(1).addr)
	assert.True(t, f.b.IsWaitingForNodes())
	assert.Equal(t, int32(0), f.bootstrapped.Load())
}

func TestBootstrapTransientErrorRetries(t *testing.T) {
	f := newBootstrapFixture(t, nil)
	f.seedHosts(addrN(2), addrN(1))

	f.b.Bootstrap()
	f.dht.ping(0).future.Complete(engine.PingResult{Contact: contactAt(1, addrN(1))})
	requireEventually(t, func() bool { return f.dht.bootstrapCount() == 1 }, "bootstrap started")

	f.dht.bootstrapCall(0).future.Fail(fmt.Errorf("find node: %w", engine.ErrTimeout))
	requireEventually(t, func() bool { return f.dht.pingCount() == 2 }, "next host pinged")
	assert.Empty(t, f.reports())
}

func TestBootstrapUnexpectedErrorReportedAndStops(t *testing.T) {
	f := newBootstrapFixture(t, nil)
	f.seedHosts(addrN(2), addrN(1))

	f.b.Bootstrap()
	boom := errors.New("boom")
	f.dht.ping(0).future.Fail(boom)

	requireEventually(t, func() bool { return len(f.reports()) == 1 }, "reported once")
	assert.ErrorIs(t, f.reports()[0], boom)
	assert.Never(t, func() bool { return f.dht.pingCount() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, StateIdle, f.b.State())
	assert.Equal(t, []netip.AddrPort{addrN(2)}, f.b.Hosts(), "host set kept")
}

func TestBootstrapInvalidArgumentNotRetried(t *testing.T) {
	f := newBootstrapFixture(t, nil)
	f.seedHosts(addrN(2), addrN(1))

	f.b.Bootstrap()
	f.dht.ping(0).future.Fail(fmt.Errorf("%w: bad address", engine.ErrInvalidArgument))

	assert.Never(t, func() bool { return f.dht.pingCount() > 1 }, 50*time.Millisecond, tick)
	assert.Empty(t, f.reports())
	assert.Equal(t, 0, f.fetchers.count())
}

func TestBootstrapStopCancelsAndResets(t *testing.T) {
	f := newBootstrapFixture(t, nil)

	f.b.Bootstrap()
	f.dht.find(0).Fail(engine.ErrNoContacts)
	requireEventually(t, func() bool { return f.fetchers.count() == 1 }, "fetcher started")
	fetcher := f.fetchers.last()

	f.b.AddBootstrapHost(addrN(1))
	f.b.AddBootstrapHost(addrN(2))
	ping := f.dht.ping(0).future

	f.b.Stop()
	assert.True(t, ping.IsCancelled())
	assert.False(t, fetcher.IsRunning())
	assert.False(t, f.b.FetcherRunning())
	assert.False(t, f.b.TriedRouteTable())
	assert.Equal(t, StateIdle, f.b.State())
	assert.Equal(t, []netip.AddrPort{addrN(2)}, f.b.Hosts())

	// Stop twice is harmless.
	f.b.Stop()
}

func TestBootstrapStopCancelsBootstrap(t *testing.T) {
	f := newBootstrapFixture(t, nil)
	f.b.AddBootstrapHost(addrN(1))
	f.dht.ping(0).future.Complete(engine.PingResult{Contact: contactAt(1, addrN(1))})
	requireEventually(t, func() bool { return f.dht.bootstrapCount() == 1 }, "bootstrap started")

	f.b.Stop()
	assert.True(t, f.dht.bootstrapCall(0).future.IsCancelled())
	assert.True(t, f.b.IsWaitingForNodes())
	assert.Never(t, func() bool { return f.bootstrapped.Load() > 0 }, 50*time.Millisecond, tick)
}

func TestBootstrapSuccessStopsFetcher(t *testing.T) {
	f := newBootstrapFixture(t, nil)
	f.b.Bootstrap()
	f.dht.find(0).Fail(engine.ErrNoContacts)
	requireEventually(t, func() bool { return f.fetchers.count() == 1 }, "fetcher started")

	// The fetcher feeds a host back.
	f.fetchers.last().sink.AddBootstrapHost(addrN(3))
	require.Equal(t, 1, f.dht.pingCount())
	f.dht.ping(0).future.Complete(engine.PingResult{Contact: contactAt(3, addrN(3))})

	requireEventually(t, func() bool { return f.dht.bootstrapCount() == 1 }, "bootstrap started")
	assert.False(t, f.fetchers.last().IsRunning())
}

func TestAddBootstrapHostIgnoredWhenBootstrappedOrStopped(t *testing.T) {
	f := newBootstrapFixture(t, nil)

	f.dht.setRunning(false)
	f.b.AddBootstrapHost(addrN(1))
	assert.Empty(t, f.b.Hosts())

	f.dht.setRunning(true)
	f.dht.mu.Lock()
	f.dht.bootstrapped = true
	f.dht.mu.Unlock()
	f.b.AddBootstrapHost(addrN(2))
	f.b.Bootstrap()
	assert.Empty(t, f.b.Hosts())
	assert.Equal(t, 0, f.dht.pingCount())
	assert.Equal(t, 0, f.dht.findCount())
	assert.False(t, f.b.IsWaitingForNodes())
}

func TestAddPassiveNodeRequiresRunningFetcher(t *testing.T) {
	f := newBootstrapFixture(t, nil)

	f.b.AddPassiveNode(addrN(1))

	f.b.Bootstrap()
	f.dht.find(0).Fail(engine.ErrNoContacts)
	requireEventually(t, func() bool { return f.fetchers.count() == 1 }, "fetcher started")

	f.b.AddPassiveNode(addrN(2))
	assert.Equal(t, []netip.AddrPort{addrN(2)}, f.fetchers.last().requested())
}

func TestIsWaitingForNodes(t *testing.T) {
	f := newBootstrapFixture(t, nil)
	assert.True(t, f.b.IsWaitingForNodes(), "not bootstrapped, nothing in flight")

	f.b.AddBootstrapHost(addrN(1))
	assert.True(t, f.b.IsWaitingForNodes(), "pinging is still waiting")

	f.dht.ping(0).future.Complete(engine.PingResult{Contact: contactAt(1, addrN(1))})
	requireEventually(t, func() bool { return !f.b.IsWaitingForNodes() }, "bootstrap in flight")

	f.dht.completeBootstrap(0, engine.BootstrapSucceeded)
	requireEventually(t, func() bool { return f.bootstrapped.Load() == 1 }, "bootstrapped")
	assert.False(t, f.b.IsWaitingForNodes())
}

// A route table ping completing while a host set candidate cancels it must
// lead to exactly one follow-up operation.
func TestBootstrapCancelCompletionRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newBootstrapFixture(t, nil)
		f.b.Bootstrap()
		find := f.dht.find(0)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			find.Complete(engine.PingResult{Contact: contactAt(1, addrN(1))})
		}()
		go func() {
			defer wg.Done()
			f.b.AddBootstrapHost(addrN(2))
		}()
		wg.Wait()

		requireEventually(t, func() bool {
			return f.dht.pingCount()+f.dht.bootstrapCount() >= 1
		}, "one operation follows")
		assert.Never(t, func() bool {
			return f.dht.pingCount()+f.dht.bootstrapCount() > 1
		}, 20*time.Millisecond, tick)

		state := f.b.State()
		assert.Contains(t, []BootstrapState{StatePingingFromHostSet, StateBootstrapping}, state)
		f.b.Stop()
	}
}
