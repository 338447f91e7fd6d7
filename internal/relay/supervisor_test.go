package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/tabvolume/internal/bus"
	"github.com/dgnsrekt/tabvolume/internal/sim"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

type denyList map[string]bool

func (d denyList) RelayAllowed(rawURL string) bool { return !d[rawURL] }

func TestSupervisorFollowsTabLifecycle(t *testing.T) {
	hub := bus.NewHub()
	background, err := hub.Open(bus.Background())
	require.NoError(t, err)
	t.Cleanup(background.Close)
	host, err := hub.Open(bus.Host())
	require.NoError(t, err)
	t.Cleanup(host.Close)

	initial := types.Tab{TabID: 1, URL: "https://a.example/", Document: "d1"}
	bus.GetTabs.AddListener(background, func(context.Context, bus.Address, bus.Void) (bus.TabsSnapshot, error) {
		return bus.TabsSnapshot{Tabs: []types.Tab{initial}}, nil
	})
	bus.GetVolume.AddListener(background, func(context.Context, bus.Address, bus.Void) (bus.VolumeResponse, error) {
		return bus.VolumeResponse{Volume: 100}, nil
	})

	browser := sim.NewBrowser()
	sup := NewSupervisor(hub, host, browser, denyList{"https://blocked.example/": true}, time.Hour)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(sup.Stop)

	waitRelay := func(tabID int) *Relay {
		t.Helper()
		var r *Relay
		require.Eventually(t, func() bool {
			var ok bool
			r, ok = sup.Relay(tabID)
			if !ok {
				return false
			}
			_, open := hub.Lookup(bus.TabAddress(tabID))
			return open
		}, time.Second, 5*time.Millisecond)
		return r
	}

	first := waitRelay(1)
	ctx := context.Background()

	// Title change only: the relay survives.
	retitled := initial
	retitled.Title = "new title"
	require.NoError(t, bus.OnTabUpdate.Publish(ctx, background, retitled))
	// Navigation: the relay is rebuilt for the new document.
	navigated := initial
	navigated.URL = "https://a.example/next"
	navigated.Document = "d2"
	require.NoError(t, bus.OnTabUpdate.Publish(ctx, background, navigated))
	require.Eventually(t, func() bool {
		r, ok := sup.Relay(1)
		return ok && r != first
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.OnTabCreate.Publish(ctx, background, types.Tab{TabID: 2, URL: "chrome://settings"}))
	require.NoError(t, bus.OnTabCreate.Publish(ctx, background, types.Tab{TabID: 3, URL: "https://blocked.example/"}))
	require.NoError(t, bus.OnTabDelete.Publish(ctx, background, types.TabRef{TabID: 1}))

	require.Eventually(t, func() bool {
		_, open := hub.Lookup(bus.TabAddress(1))
		return sup.Running() == 0 && !open
	}, time.Second, 5*time.Millisecond)
	for _, id := range []int{2, 3} {
		_, open := hub.Lookup(bus.TabAddress(id))
		assert.False(t, open, "tab %d must not get a relay", id)
	}
}

type supervised struct {
	hub        *bus.Hub
	background *bus.Endpoint
	sup        *Supervisor
}

func startSupervisor(t *testing.T, browser *sim.Browser, tabs ...types.Tab) *supervised {
	t.Helper()
	hub := bus.NewHub()
	background, err := hub.Open(bus.Background())
	require.NoError(t, err)
	t.Cleanup(background.Close)
	host, err := hub.Open(bus.Host())
	require.NoError(t, err)
	t.Cleanup(host.Close)

	bus.GetTabs.AddListener(background, func(context.Context, bus.Address, bus.Void) (bus.TabsSnapshot, error) {
		return bus.TabsSnapshot{Tabs: tabs}, nil
	})
	bus.GetVolume.AddListener(background, func(context.Context, bus.Address, bus.Void) (bus.VolumeResponse, error) {
		return bus.VolumeResponse{Volume: 200}, nil
	})

	sup := NewSupervisor(hub, host, browser, nil, 10*time.Millisecond)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(sup.Stop)
	return &supervised{hub: hub, background: background, sup: sup}
}

func (s *supervised) holding(t *testing.T, tabID int, ids ...string) *Relay {
	t.Helper()
	var r *Relay
	require.Eventually(t, func() bool {
		var ok bool
		r, ok = s.sup.Relay(tabID)
		return ok && assert.ObjectsAreEqual(ids, r.Elements())
	}, time.Second, 5*time.Millisecond)
	return r
}

func TestSameDocumentNavigationKeepsRelay(t *testing.T) {
	browser := sim.NewBrowser()
	browser.SetMediaElements(1, "m1")
	watching := types.Tab{TabID: 1, URL: "https://video.example/watch?v=1", Document: "d1"}
	s := startSupervisor(t, browser, watching)
	first := s.holding(t, 1, "m1")

	next := watching
	next.URL = "https://video.example/watch?v=2"
	require.NoError(t, bus.OnTabUpdate.Publish(context.Background(), s.background, next))

	// Let several scans run against the same document.
	time.Sleep(50 * time.Millisecond)
	r, ok := s.sup.Relay(1)
	require.True(t, ok)
	assert.Same(t, first, r)
	assert.Equal(t, []string{"m1"}, r.Elements())
	assert.Equal(t, map[string]float64{"m1": 4}, r.Gains())

	actx, ok := browser.Page(1)
	require.True(t, ok)
	assert.Len(t, actx.Connected(actx.Destination()), 1)
	assert.Equal(t, 1, actx.BoundElements())
}

func TestReplacedDocumentRestartsRelay(t *testing.T) {
	browser := sim.NewBrowser()
	browser.SetMediaElements(1, "m1")
	watching := types.Tab{TabID: 1, URL: "https://video.example/watch?v=1", Document: "d1"}
	s := startSupervisor(t, browser, watching)
	first := s.holding(t, 1, "m1")
	oldCtx, ok := browser.Page(1)
	require.True(t, ok)

	reloaded := watching
	reloaded.Document = "d2"
	require.NoError(t, bus.OnTabUpdate.Publish(context.Background(), s.background, reloaded))

	require.Eventually(t, func() bool {
		r, ok := s.sup.Relay(1)
		return ok && r != first && assert.ObjectsAreEqual([]string{"m1"}, r.Elements())
	}, time.Second, 5*time.Millisecond)
	newCtx, ok := browser.Page(1)
	require.True(t, ok)
	assert.NotSame(t, oldCtx, newCtx)
	assert.Len(t, newCtx.Connected(newCtx.Destination()), 1)
	assert.Empty(t, oldCtx.Connected(oldCtx.Destination()))
}

func TestUnknownDocumentKeepsRelayAcrossURLChange(t *testing.T) {
	browser := sim.NewBrowser()
	browser.SetMediaElements(1, "m1")
	watching := types.Tab{TabID: 1, URL: "https://video.example/watch?v=1"}
	s := startSupervisor(t, browser, watching)
	first := s.holding(t, 1, "m1")

	next := watching
	next.URL = "https://video.example/watch?v=2"
	require.NoError(t, bus.OnTabUpdate.Publish(context.Background(), s.background, next))
	time.Sleep(30 * time.Millisecond)

	r, ok := s.sup.Relay(1)
	require.True(t, ok)
	assert.Same(t, first, r)
	assert.Equal(t, []string{"m1"}, r.Elements())
}
