package cdpcontrol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/audio"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

// Reserved node ids understood by the page registry.
const (
	nodeMaster      = "master"
	nodeDestination = "destination"
)

var errNotBound = errors.New("cdpcontrol: capture gain is not bound to a page")

// pageRuntime evaluates registry calls in one tab's current document.
type pageRuntime struct {
	client *Client
	tabID  int
}

func (p *pageRuntime) call(ctx context.Context, out any, method string, args ...any) error {
	return p.client.evalOnTab(ctx, p.tabID, registryCall(method, args...), out)
}

// nodeID resolves dst to a registry id in this page.
func (p *pageRuntime) nodeID(ctx context.Context, dst audio.Node) (string, error) {
	switch d := dst.(type) {
	case *remoteNode:
		if d.page.tabID != p.tabID {
			return "", fmt.Errorf("cdpcontrol: cannot connect tab %d to tab %d", p.tabID, d.page.tabID)
		}
		return d.id, nil
	case *captureGain:
		return d.bind(ctx, p)
	case captureDestination:
		return nodeDestination, nil
	}
	return "", fmt.Errorf("cdpcontrol: foreign audio node %T", dst)
}

// remoteNode proxies a node held by a page registry. Gain is cached on the
// Go side after each successful write.
type remoteNode struct {
	page *pageRuntime
	id   string

	mu   sync.Mutex
	gain float64
}

func (n *remoteNode) Connect(ctx context.Context, dst audio.Node) error {
	to, err := n.page.nodeID(ctx, dst)
	if err != nil {
		return err
	}
	return n.page.call(ctx, nil, "connect", n.id, to)
}

func (n *remoteNode) Disconnect(ctx context.Context) error {
	return n.page.call(ctx, nil, "disconnect", n.id)
}

func (n *remoteNode) SetGain(ctx context.Context, value float64) error {
	if err := n.page.call(ctx, nil, "setGain", n.id, value); err != nil {
		return err
	}
	n.mu.Lock()
	n.gain = value
	n.mu.Unlock()
	return nil
}

func (n *remoteNode) Gain() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gain
}

// pageContext is a tab document's audio context as the relay sees it. Its
// destination is the page master bus.
type pageContext struct {
	page   *pageRuntime
	master *remoteNode
}

func newPageContext(p *pageRuntime) *pageContext {
	return &pageContext{page: p, master: &remoteNode{page: p, id: nodeMaster, gain: 1}}
}

func (c *pageContext) CreateMediaStreamSource(context.Context, audio.Stream) (audio.Node, error) {
	return nil, fmt.Errorf("cdpcontrol: stream sources are not available in tab pages")
}

func (c *pageContext) CreateMediaElementSource(ctx context.Context, elementID string) (audio.Node, error) {
	var id string
	if err := c.page.call(ctx, &id, "elementSource", elementID); err != nil {
		return nil, err
	}
	return &remoteNode{page: c.page, id: id, gain: 1}, nil
}

func (c *pageContext) CreateGain(ctx context.Context, initial float64) (audio.GainNode, error) {
	var id string
	if err := c.page.call(ctx, &id, "gain", initial); err != nil {
		return nil, err
	}
	return &remoteNode{page: c.page, id: id, gain: initial}, nil
}

func (c *pageContext) Destination() audio.Node { return c.master }

// pageDocument tags and lists the video and audio elements of a tab.
type pageDocument struct {
	page *pageRuntime
}

func (d pageDocument) MediaElements(ctx context.Context) ([]string, error) {
	var ids []string
	if err := d.page.call(ctx, &ids, "scan"); err != nil {
		return nil, err
	}
	return ids, nil
}

// OpenPage binds a relay to the tab's current document.
func (c *Client) OpenPage(ctx context.Context, tab types.Tab) (audio.Page, error) {
	if _, ok := c.ids.target(tab.TabID); !ok {
		return audio.Page{}, apperr.Errorf(apperr.CodeTabNotFound, "tab %d not found", tab.TabID)
	}
	p := &pageRuntime{client: c, tabID: tab.TabID}
	var status pageStatus
	if err := p.call(ctx, &status, "status"); err != nil {
		return audio.Page{}, fmt.Errorf("install page registry: %w", err)
	}
	slog.Debug("cdpcontrol page opened", "tab_id", tab.TabID, "url", tab.URL)
	return audio.Page{Audio: newPageContext(p), Document: pageDocument{page: p}}, nil
}

// CaptureContext is the engine's audio context. A capture source is a tab's
// master bus; the boost gain is created inside that tab once the source is
// connected to it, and reaches the speakers directly.
type CaptureContext struct {
	offscreen *OffscreenHost
}

// NewCaptureContext returns a capture context that mirrors its routes to
// the offscreen engine page when one is running.
func NewCaptureContext(offscreen *OffscreenHost) *CaptureContext {
	return &CaptureContext{offscreen: offscreen}
}

func (c *CaptureContext) CreateMediaStreamSource(ctx context.Context, stream audio.Stream) (audio.Node, error) {
	ts, ok := stream.(*tabStream)
	if !ok {
		return nil, fmt.Errorf("cdpcontrol: stream %q was not issued by this browser", stream.ID())
	}
	var id string
	if err := ts.page.call(ctx, &id, "captureMaster"); err != nil {
		return nil, err
	}
	return &remoteNode{page: ts.page, id: id, gain: 1}, nil
}

func (c *CaptureContext) CreateMediaElementSource(context.Context, string) (audio.Node, error) {
	return nil, fmt.Errorf("cdpcontrol: element sources are not available to the engine")
}

func (c *CaptureContext) CreateGain(_ context.Context, initial float64) (audio.GainNode, error) {
	return &captureGain{value: initial, offscreen: c.offscreen}, nil
}

func (c *CaptureContext) Destination() audio.Node { return captureDestination{} }

type captureDestination struct{}

func (captureDestination) Connect(context.Context, audio.Node) error {
	return fmt.Errorf("cdpcontrol: destination has no output")
}

func (captureDestination) Disconnect(context.Context) error { return nil }

// captureGain is a gain stage that materialises in whichever tab first
// connects into it.
type captureGain struct {
	offscreen *OffscreenHost

	mu    sync.Mutex
	value float64
	node  *remoteNode
}

func (g *captureGain) bind(ctx context.Context, p *pageRuntime) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		if g.node.page.tabID != p.tabID {
			return "", fmt.Errorf("cdpcontrol: gain bound to tab %d, not %d", g.node.page.tabID, p.tabID)
		}
		return g.node.id, nil
	}
	var id string
	if err := p.call(ctx, &id, "gain", g.value); err != nil {
		return "", err
	}
	g.node = &remoteNode{page: p, id: id, gain: g.value}
	g.offscreen.note(ctx, p.tabID, audio.EnginePercent(g.value))
	return id, nil
}

func (g *captureGain) bound() *remoteNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.node
}

func (g *captureGain) Connect(ctx context.Context, dst audio.Node) error {
	n := g.bound()
	if n == nil {
		return errNotBound
	}
	return n.Connect(ctx, dst)
}

func (g *captureGain) Disconnect(ctx context.Context) error {
	n := g.bound()
	if n == nil {
		return nil
	}
	g.offscreen.drop(ctx, n.page.tabID)
	return n.Disconnect(ctx)
}

func (g *captureGain) SetGain(ctx context.Context, value float64) error {
	g.mu.Lock()
	n := g.node
	if n == nil {
		g.value = value
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	if err := n.SetGain(ctx, value); err != nil {
		return err
	}
	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
	g.offscreen.note(ctx, n.page.tabID, audio.EnginePercent(value))
	return nil
}

func (g *captureGain) Gain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}
