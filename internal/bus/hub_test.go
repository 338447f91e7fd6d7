package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func openEndpoints(t *testing.T, hub *Hub, addrs ...Address) []*Endpoint {
	t.Helper()
	eps := make([]*Endpoint, 0, len(addrs))
	for _, addr := range addrs {
		ep, err := hub.Open(addr)
		require.NoError(t, err)
		eps = append(eps, ep)
	}
	t.Cleanup(func() {
		for _, ep := range eps {
			ep.Close()
		}
	})
	return eps
}

func TestSendRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub()
	eps := openEndpoints(t, hub, Background(), TabAddress(7))
	background, tab := eps[0], eps[1]

	GetVolume.AddListener(background, func(_ context.Context, from Address, _ Void) (VolumeResponse, error) {
		if !from.IsTab() {
			return VolumeResponse{}, apperr.Errorf(apperr.CodeValidation, "sender is not a tab")
		}
		return VolumeResponse{Volume: float64(from.TabID) * 10}, nil
	})

	resp, err := GetVolume.Send(context.Background(), tab, Void{})
	require.NoError(t, err)
	assert.Equal(t, 70.0, resp.Volume)

	background.Close()
	tab.Close()
}

func TestSendWithoutListenerFailsFast(t *testing.T) {
	hub := NewHub(WithRequestTimeout(time.Minute))
	eps := openEndpoints(t, hub, Background(), Popup())
	background, popup := eps[0], eps[1]

	start := time.Now()
	_, err := GetItemList.Send(context.Background(), popup, Void{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeNoHandler), "err = %v", err)

	// Active endpoint, but not for this type: it declines.
	GetTabs.AddListener(background, func(context.Context, Address, Void) (TabsSnapshot, error) {
		return TabsSnapshot{}, nil
	})
	_, err = GetItemList.Send(context.Background(), popup, Void{})
	assert.True(t, apperr.Is(err, apperr.CodeNoHandler), "err = %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHandlerErrorCrossesContexts(t *testing.T) {
	hub := NewHub()
	eps := openEndpoints(t, hub, Offscreen(), Background())
	offscreen, background := eps[0], eps[1]

	SetCaptureVolume.AddListener(offscreen, func(_ context.Context, _ Address, req VolumeRequest) (Void, error) {
		return Void{}, apperr.New(apperr.CodeNoRouting, "no active routing for tab", errors.New("local detail"))
	})

	_, err := SetCaptureVolume.Send(context.Background(), background, VolumeRequest{TabID: 3, Volume: 150})
	require.Error(t, err)
	var coded *apperr.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, apperr.CodeNoRouting, coded.Code)
	assert.Equal(t, "no active routing for tab", coded.Message)
	assert.Nil(t, coded.Cause, "causes must not cross a context boundary")
}

func TestDeferredListenerDoesNotBlockLoop(t *testing.T) {
	hub := NewHub()
	eps := openEndpoints(t, hub, Background(), Popup())
	background, popup := eps[0], eps[1]

	release := make(chan struct{})
	RequestCapture.AddDeferredListener(background, func(ctx context.Context, _ Address, _ types.TabRef) (Void, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Void{}, nil
	})
	GetVolumeAll.AddListener(background, func(context.Context, Address, Void) (map[int]float64, error) {
		return map[int]float64{4: 150}, nil
	})

	captureDone := make(chan error, 1)
	go func() {
		_, err := RequestCapture.Send(context.Background(), popup, types.TabRef{TabID: 4})
		captureDone <- err
	}()

	// The loop keeps serving while the deferred handler waits.
	volumes, err := GetVolumeAll.Send(context.Background(), popup, Void{})
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{4: 150}, volumes)

	select {
	case err := <-captureDone:
		t.Fatalf("deferred request resolved early: %v", err)
	default:
	}
	close(release)
	require.NoError(t, <-captureDone)
}

func TestRequestTimeout(t *testing.T) {
	hub := NewHub(WithRequestTimeout(50 * time.Millisecond))
	eps := openEndpoints(t, hub, Background(), Popup())
	background, popup := eps[0], eps[1]

	RequestCapture.AddDeferredListener(background, func(ctx context.Context, _ Address, _ types.TabRef) (Void, error) {
		<-ctx.Done()
		return Void{}, ctx.Err()
	})

	_, err := RequestCapture.Send(context.Background(), popup, types.TabRef{TabID: 1})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeTimeout), "err = %v", err)
}

func TestSendToTarget(t *testing.T) {
	hub := NewHub()
	eps := openEndpoints(t, hub, Background(), TabAddress(5))
	background, tab := eps[0], eps[1]

	var got GainRequest
	SetGain.AddListener(tab, func(_ context.Context, from Address, req GainRequest) (Void, error) {
		got = req
		assert.Equal(t, Background(), from)
		return Void{}, nil
	})

	_, err := SetGain.SendToTarget(context.Background(), background, 5, GainRequest{Volume: 250})
	require.NoError(t, err)
	assert.Equal(t, 250.0, got.Volume)

	_, err = SetGain.SendToTarget(context.Background(), background, 6, GainRequest{Volume: 250})
	assert.True(t, apperr.Is(err, apperr.CodeTargetGone), "err = %v", err)
}

func TestBroadcastSkipsTabs(t *testing.T) {
	hub := NewHub()
	eps := openEndpoints(t, hub, Background(), TabAddress(1))
	background, tab := eps[0], eps[1]

	GetTabs.AddListener(tab, func(context.Context, Address, Void) (TabsSnapshot, error) {
		return TabsSnapshot{}, nil
	})

	_, err := GetTabs.Send(context.Background(), background, Void{})
	assert.True(t, apperr.Is(err, apperr.CodeNoHandler), "err = %v", err)
}

func TestPublishPreservesPairOrder(t *testing.T) {
	hub := NewHub()
	eps := openEndpoints(t, hub, Offscreen(), Popup())
	offscreen, popup := eps[0], eps[1]

	const n = 100
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	OnItemUpdate.AddListener(popup, func(_ context.Context, _ Address, item types.Item) (Void, error) {
		mu.Lock()
		seen = append(seen, item.TabID)
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
		return Void{}, nil
	})

	for i := 0; i < n; i++ {
		require.NoError(t, OnItemUpdate.Publish(context.Background(), offscreen, types.Item{TabID: i}))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published items")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range seen {
		require.Equal(t, i, id, "delivery order broken at %d", i)
	}
}

func TestRemoveListenerDeactivatesEndpoint(t *testing.T) {
	hub := NewHub()
	eps := openEndpoints(t, hub, Popup())
	popup := eps[0]

	reg := OnItemDelete.AddListener(popup, func(context.Context, Address, types.TabRef) (Void, error) {
		return Void{}, nil
	})
	assert.True(t, popup.Active())

	// A registration for another type must not remove this one.
	OnItemCreate.RemoveListener(popup, reg)
	assert.True(t, popup.Active())

	OnItemDelete.RemoveListener(popup, reg)
	assert.False(t, popup.Active())
}

func TestOpenRejectsDuplicateAddress(t *testing.T) {
	hub := NewHub()
	openEndpoints(t, hub, Background())
	_, err := hub.Open(Background())
	assert.Error(t, err)
}

func TestClosedEndpointDeclines(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub()
	background, err := hub.Open(Background())
	require.NoError(t, err)
	tab, err := hub.Open(TabAddress(2))
	require.NoError(t, err)

	GetVolume.AddListener(background, func(context.Context, Address, Void) (VolumeResponse, error) {
		return VolumeResponse{Volume: 100}, nil
	})
	background.Close()

	_, err = GetVolume.Send(context.Background(), tab, Void{})
	assert.True(t, apperr.Is(err, apperr.CodeNoHandler), "err = %v", err)
	tab.Close()
}
