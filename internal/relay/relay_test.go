package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dgnsrekt/tabvolume/internal/audio"
	"github.com/dgnsrekt/tabvolume/internal/bus"
	"github.com/dgnsrekt/tabvolume/internal/sim"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

func openPage(t *testing.T, browser *sim.Browser, tabID int) (audio.Page, *audio.MemContext) {
	t.Helper()
	page, err := browser.OpenPage(context.Background(), types.Tab{TabID: tabID, URL: "https://example.com/"})
	require.NoError(t, err)
	actx, ok := browser.Page(tabID)
	require.True(t, ok)
	return page, actx
}

func newTabEndpoint(t *testing.T, hub *bus.Hub, tabID int) *bus.Endpoint {
	t.Helper()
	ep, err := hub.Open(bus.TabAddress(tabID))
	require.NoError(t, err)
	t.Cleanup(ep.Close)
	return ep
}

func TestScanWithNoElementsReleasesEverything(t *testing.T) {
	browser := sim.NewBrowser()
	page, actx := openPage(t, browser, 1)
	r := New(newTabEndpoint(t, bus.NewHub(), 1), page, time.Hour)
	ctx := context.Background()

	browser.SetMediaElements(1, "video-1", "audio-1")
	r.Scan(ctx)
	assert.Equal(t, []string{"audio-1", "video-1"}, r.Elements())
	assert.Len(t, actx.Connected(actx.Destination()), 2)

	browser.SetMediaElements(1)
	r.Scan(ctx)
	assert.Empty(t, r.Elements())
	assert.Empty(t, r.sources)
	assert.Empty(t, actx.Connected(actx.Destination()))
	assert.Equal(t, 2, r.Scans())
}

func TestElementsAreWrappedOnce(t *testing.T) {
	browser := sim.NewBrowser()
	page, actx := openPage(t, browser, 1)
	r := New(newTabEndpoint(t, bus.NewHub(), 1), page, time.Hour)
	ctx := context.Background()

	browser.SetMediaElements(1, "video-1")
	for i := 0; i < 3; i++ {
		r.Scan(ctx)
		require.Equal(t, []string{"video-1"}, r.Elements(), "scan %d", i)
	}
	assert.Equal(t, 1, actx.BoundElements())
	// Old gain stages are disconnected on every rebuild.
	assert.Len(t, actx.Connected(actx.Destination()), 1)
}

func TestRemovedElementIsDropped(t *testing.T) {
	browser := sim.NewBrowser()
	page, _ := openPage(t, browser, 1)
	r := New(newTabEndpoint(t, bus.NewHub(), 1), page, time.Hour)
	ctx := context.Background()

	browser.SetMediaElements(1, "a", "b")
	r.Scan(ctx)
	browser.SetMediaElements(1, "a")
	r.Scan(ctx)

	assert.Equal(t, []string{"a"}, r.Elements())
	_, kept := r.sources["b"]
	assert.False(t, kept)
}

func TestGainCurveIsQuadratic(t *testing.T) {
	browser := sim.NewBrowser()
	page, _ := openPage(t, browser, 1)
	r := New(newTabEndpoint(t, bus.NewHub(), 1), page, time.Hour)
	ctx := context.Background()

	browser.SetMediaElements(1, "a", "b")
	require.NoError(t, r.SetGain(ctx, 150))
	r.Scan(ctx)
	assert.Equal(t, map[string]float64{"a": 2.25, "b": 2.25}, r.Gains())

	require.NoError(t, r.SetGain(ctx, 50))
	assert.Equal(t, map[string]float64{"a": 0.25, "b": 0.25}, r.Gains())

	assert.Error(t, r.SetGain(ctx, -1))
	assert.Equal(t, 50.0, r.Percent())
}

func TestRunFetchesVolumeAndAcceptsPushes(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := bus.NewHub()
	background, err := hub.Open(bus.Background())
	require.NoError(t, err)
	defer background.Close()
	tabEP, err := hub.Open(bus.TabAddress(7))
	require.NoError(t, err)
	defer tabEP.Close()

	asked := make(chan bus.Address, 1)
	bus.GetVolume.AddListener(background, func(_ context.Context, from bus.Address, _ bus.Void) (bus.VolumeResponse, error) {
		asked <- from
		return bus.VolumeResponse{Volume: 200}, nil
	})

	browser := sim.NewBrowser()
	browser.SetMediaElements(7, "video-1")
	page, _ := openPage(t, browser, 7)
	r := New(tabEP, page, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Equal(t, bus.TabAddress(7), <-asked)
	require.Eventually(t, func() bool {
		return r.Gains()["video-1"] == 4.0
	}, time.Second, 5*time.Millisecond)

	_, err = bus.SetGain.SendToTarget(context.Background(), background, 7, bus.GainRequest{Volume: 300})
	require.NoError(t, err)
	assert.Equal(t, 9.0, r.Gains()["video-1"])

	require.Eventually(t, func() bool { return r.Scans() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 9.0, r.Gains()["video-1"], "rebuilds keep the pushed volume")

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, r.Elements())
	assert.False(t, tabEP.Active())
}

func TestRunKeepsDefaultWhenCoordinatorMissing(t *testing.T) {
	hub := bus.NewHub()
	tabEP := newTabEndpoint(t, hub, 3)
	browser := sim.NewBrowser()
	browser.SetMediaElements(3, "a")
	page, _ := openPage(t, browser, 3)
	r := New(tabEP, page, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Scans() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 100.0, r.Percent())
	assert.Equal(t, 1.0, r.Gains()["a"])
	cancel()
	require.NoError(t, <-done)
}
