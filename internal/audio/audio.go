// Package audio models the slice of a Web Audio graph the engine and relay
// need: sources bound to media, gain stages and a destination.
package audio

import (
	"context"
	"errors"
	"math"
)

// MaxPercent is the upper bound exposed to the control surface (6x).
const MaxPercent = 600.0

var (
	// ErrAlreadyBound is returned when a media element has already been
	// wrapped by a source node of the same audio context.
	ErrAlreadyBound = errors.New("audio: media element already bound to a source node")
	// ErrElementGone is returned when an element left the document between
	// scan and wrap.
	ErrElementGone = errors.New("audio: media element no longer in document")
	// ErrNodeGone is returned when a node belongs to a context that no
	// longer exists, as after the page's document was replaced.
	ErrNodeGone = errors.New("audio: node no longer exists")
)

// RelayGain maps a requested percentage to the relay's perceptual
// multiplier: 100% is unity and the curve is quadratic.
func RelayGain(percent float64) float64 {
	r := percent / 100
	return r * r
}

// EngineGain maps a requested percentage to the engine's linear multiplier.
func EngineGain(percent float64) float64 {
	return percent / 100
}

// EnginePercent inverts EngineGain.
func EnginePercent(gain float64) float64 {
	return gain * 100
}

// ValidPercent reports whether percent is a usable gain request.
func ValidPercent(percent float64) bool {
	return percent >= 0 && !math.IsNaN(percent) && !math.IsInf(percent, 0)
}

// Node is a vertex in an audio graph.
type Node interface {
	Connect(ctx context.Context, dst Node) error
	Disconnect(ctx context.Context) error
}

// GainNode scales its input by a linear multiplier.
type GainNode interface {
	Node
	SetGain(ctx context.Context, value float64) error
	Gain() float64
}

// Track is one media track of a captured stream.
type Track interface {
	Kind() string
	Stop()
}

// Stream is a captured tab stream.
type Stream interface {
	ID() string
	AudioTracks() []Track
	VideoTracks() []Track
	RemoveTrack(Track)
}

// Context builds graphs. Each media element may be wrapped only once per
// context for its whole life.
type Context interface {
	CreateMediaStreamSource(ctx context.Context, stream Stream) (Node, error)
	CreateMediaElementSource(ctx context.Context, elementID string) (Node, error)
	CreateGain(ctx context.Context, initial float64) (GainNode, error)
	Destination() Node
}

// MediaDevices opens tab capture streams from permission tokens.
type MediaDevices interface {
	GetTabStream(ctx context.Context, streamID string) (Stream, error)
}

// StopTracks stops every audio track of s.
func StopTracks(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.AudioTracks() {
		t.Stop()
	}
}

// DropVideo stops and removes the video tracks of s.
func DropVideo(s Stream) {
	for _, t := range s.VideoTracks() {
		t.Stop()
		s.RemoveTrack(t)
	}
}

// Document lists the media elements currently attached to a page.
type Document interface {
	MediaElements(ctx context.Context) ([]string, error)
}

// Page is a tab document together with the audio context its scripts run
// in. Loading a new document replaces both.
type Page struct {
	Audio    Context
	Document Document
	Close    func() error
}
