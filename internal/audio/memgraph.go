package audio

import (
	"context"
	"fmt"
	"sync"
)

// MemContext is an in-memory Context. It records the graph so tests and
// scenario runs can inspect what a real Web Audio context would hold.
type MemContext struct {
	mu     sync.Mutex
	seq    int
	closed bool
	bound  map[string]bool
	dest  *MemNode
	nodes map[string]*MemNode

	// Elements, when set, limits CreateMediaElementSource to ids it
	// reports as present.
	Elements func() map[string]bool
}

// NewMemContext returns an empty in-memory audio context.
func NewMemContext() *MemContext {
	c := &MemContext{
		bound: make(map[string]bool),
		nodes: make(map[string]*MemNode),
	}
	c.dest = &MemNode{owner: c, id: "destination", kind: "destination"}
	return c
}

// MemNode is a node of a MemContext.
type MemNode struct {
	owner *MemContext
	id    string
	kind  string
	ref   string // element id or stream id

	mu     sync.Mutex
	gain   float64
	output *MemNode
}

func (c *MemContext) newNode(kind, ref string) *MemNode {
	c.seq++
	n := &MemNode{owner: c, id: fmt.Sprintf("%s-%d", kind, c.seq), kind: kind, ref: ref, gain: 1}
	c.nodes[n.id] = n
	return n
}

func (c *MemContext) CreateMediaStreamSource(_ context.Context, stream Stream) (Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newNode("stream", stream.ID()), nil
}

func (c *MemContext) CreateMediaElementSource(_ context.Context, elementID string) (Node, error) {
	if c.Elements != nil && !c.Elements()[elementID] {
		return nil, ErrElementGone
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound[elementID] {
		return nil, ErrAlreadyBound
	}
	c.bound[elementID] = true
	return c.newNode("element", elementID), nil
}

func (c *MemContext) CreateGain(_ context.Context, initial float64) (GainNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.newNode("gain", "")
	n.gain = initial
	return n, nil
}

func (c *MemContext) Destination() Node { return c.dest }

// Connected returns the ids of nodes whose output currently reaches dst
// directly.
func (c *MemContext) Connected(dst Node) []string {
	target, ok := dst.(*MemNode)
	if !ok {
		return nil
	}
	c.mu.Lock()
	nodes := make([]*MemNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.Unlock()

	var ids []string
	for _, n := range nodes {
		n.mu.Lock()
		if n.output == target {
			ids = append(ids, n.id)
		}
		n.mu.Unlock()
	}
	return ids
}

// BoundElements returns how many media elements have been wrapped.
func (c *MemContext) BoundElements() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bound)
}

// Forget releases an element's binding, as happens when the element is
// garbage collected after leaving the document.
func (c *MemContext) Forget(elementID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bound, elementID)
}

func (n *MemNode) Connect(_ context.Context, dst Node) error {
	target, ok := dst.(*MemNode)
	if !ok || target.owner != n.owner {
		return fmt.Errorf("audio: cannot connect %s across contexts", n.id)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.output = target
	return nil
}

func (n *MemNode) Disconnect(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.output = nil
	return nil
}

// Close discards the context. Nodes created from it report ErrNodeGone
// from then on.
func (c *MemContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *MemContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (n *MemNode) SetGain(_ context.Context, value float64) error {
	if n.owner.isClosed() {
		return ErrNodeGone
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gain = value
	return nil
}

func (n *MemNode) Gain() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gain
}

// ID returns the node id.
func (n *MemNode) ID() string { return n.id }

// Ref returns the element or stream the node is bound to.
func (n *MemNode) Ref() string { return n.ref }

// Output returns the node this one feeds, or nil.
func (n *MemNode) Output() *MemNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.output
}

// MemTrack is an in-memory media track.
type MemTrack struct {
	kind    string
	mu      sync.Mutex
	stopped bool
}

// NewMemTrack returns a live track of the given kind ("audio" or "video").
func NewMemTrack(kind string) *MemTrack { return &MemTrack{kind: kind} }

func (t *MemTrack) Kind() string { return t.kind }

func (t *MemTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Stopped reports whether Stop was called.
func (t *MemTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// MemStream is an in-memory capture stream.
type MemStream struct {
	id     string
	mu     sync.Mutex
	tracks []Track
}

// NewMemStream returns a stream with the given tracks.
func NewMemStream(id string, tracks ...Track) *MemStream {
	return &MemStream{id: id, tracks: tracks}
}

func (s *MemStream) ID() string { return s.id }

func (s *MemStream) AudioTracks() []Track { return s.byKind("audio") }

func (s *MemStream) VideoTracks() []Track { return s.byKind("video") }

func (s *MemStream) byKind(kind string) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *MemStream) RemoveTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.tracks {
		if cur == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Live reports whether any audio track is still running.
func (s *MemStream) Live() bool {
	for _, t := range s.AudioTracks() {
		if mt, ok := t.(*MemTrack); ok && !mt.Stopped() {
			return true
		}
	}
	return false
}
