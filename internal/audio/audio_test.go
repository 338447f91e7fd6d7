package audio

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGainCurves(t *testing.T) {
	for p := 0.0; p <= MaxPercent; p += 12.5 {
		relay, engine := RelayGain(p), EngineGain(p)
		assert.InDelta(t, math.Pow(p/100, 2), relay, 1e-12, "relay p=%v", p)
		assert.InDelta(t, p/100, engine, 1e-12, "engine p=%v", p)
		if p != 0 && p != 100 {
			assert.NotEqual(t, relay, engine, "curves must differ at p=%v", p)
		}
	}
	assert.Equal(t, 1.0, RelayGain(100))
	assert.Equal(t, 9.0, RelayGain(300))
	assert.Equal(t, 3.0, EngineGain(300))
	assert.Equal(t, 300.0, EnginePercent(EngineGain(300)))
}

func TestValidPercent(t *testing.T) {
	assert.True(t, ValidPercent(0))
	assert.True(t, ValidPercent(600))
	assert.False(t, ValidPercent(-1))
	assert.False(t, ValidPercent(math.NaN()))
	assert.False(t, ValidPercent(math.Inf(1)))
}

func TestMemContextWrapsElementOnce(t *testing.T) {
	ctx := context.Background()
	c := NewMemContext()

	src, err := c.CreateMediaElementSource(ctx, "video-1")
	require.NoError(t, err)
	require.NotNil(t, src)

	_, err = c.CreateMediaElementSource(ctx, "video-1")
	assert.ErrorIs(t, err, ErrAlreadyBound)

	c.Forget("video-1")
	_, err = c.CreateMediaElementSource(ctx, "video-1")
	assert.NoError(t, err)
}

func TestMemContextElementPresence(t *testing.T) {
	c := NewMemContext()
	c.Elements = func() map[string]bool { return map[string]bool{"a": true} }

	_, err := c.CreateMediaElementSource(context.Background(), "b")
	assert.ErrorIs(t, err, ErrElementGone)
}

func TestMemGraphConnections(t *testing.T) {
	ctx := context.Background()
	c := NewMemContext()
	stream := NewMemStream("s1", NewMemTrack("audio"), NewMemTrack("video"))

	src, err := c.CreateMediaStreamSource(ctx, stream)
	require.NoError(t, err)
	gain, err := c.CreateGain(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, src.Connect(ctx, gain))
	require.NoError(t, gain.Connect(ctx, c.Destination()))
	assert.Len(t, c.Connected(c.Destination()), 1)

	require.NoError(t, gain.SetGain(ctx, 2.5))
	assert.Equal(t, 2.5, gain.Gain())

	require.NoError(t, gain.Disconnect(ctx))
	assert.Empty(t, c.Connected(c.Destination()))
}

func TestStreamTrackHelpers(t *testing.T) {
	audioTrack, videoTrack := NewMemTrack("audio"), NewMemTrack("video")
	stream := NewMemStream("s1", audioTrack, videoTrack)

	DropVideo(stream)
	assert.True(t, videoTrack.Stopped())
	assert.Empty(t, stream.VideoTracks())
	assert.True(t, stream.Live())

	StopTracks(stream)
	assert.True(t, audioTrack.Stopped())
	assert.False(t, stream.Live())

	StopTracks(nil)
}

func TestClosedContextNodesAreGone(t *testing.T) {
	ctx := context.Background()
	c := NewMemContext()
	gain, err := c.CreateGain(ctx, 1)
	require.NoError(t, err)

	c.Close()
	assert.ErrorIs(t, gain.SetGain(ctx, 2), ErrNodeGone)
	assert.Equal(t, 1.0, gain.Gain())
}
