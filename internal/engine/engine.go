// Package engine owns the capture-based audio graph of every tab whose
// volume has been boosted. It runs on the offscreen bus endpoint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/audio"
	"github.com/dgnsrekt/tabvolume/internal/bus"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

type routing struct {
	stream audio.Stream
	source audio.Node
	gain   audio.GainNode
}

type state struct {
	tab     types.Tab
	active  bool
	routing *routing
}

// Engine holds per-tab routing state. At most one routing exists per tab
// and it is only created through StartCapture.
type Engine struct {
	ep      *bus.Endpoint
	ctx     audio.Context
	devices audio.MediaDevices

	// mu guards states and serialises item event publication so consumers
	// observe snapshots in mutation order.
	mu     sync.Mutex
	states map[int]*state

	captures singleflight.Group
	regs     []bus.Registration
}

// New creates an engine bound to the offscreen endpoint.
func New(ep *bus.Endpoint, actx audio.Context, devices audio.MediaDevices) *Engine {
	return &Engine{
		ep:      ep,
		ctx:     actx,
		devices: devices,
		states:  make(map[int]*state),
	}
}

// Start registers the engine's message handlers and merges the
// coordinator's current tab snapshot.
func (e *Engine) Start(ctx context.Context) error {
	e.regs = append(e.regs,
		bus.StartCapture.AddDeferredListener(e.ep, func(ctx context.Context, _ bus.Address, req bus.StartCaptureRequest) (bus.Void, error) {
			return bus.Void{}, e.StartCapture(ctx, req.TabID, req.StreamID)
		}),
		bus.SetCaptureVolume.AddListener(e.ep, func(_ context.Context, _ bus.Address, req bus.VolumeRequest) (bus.Void, error) {
			return bus.Void{}, e.SetVolume(req.TabID, req.Volume)
		}),
		bus.GetItemList.AddListener(e.ep, func(context.Context, bus.Address, bus.Void) ([]types.Item, error) {
			return e.ListItems(), nil
		}),
		bus.OnTabCreate.AddListener(e.ep, func(_ context.Context, _ bus.Address, tab types.Tab) (bus.Void, error) {
			e.upsert(tab)
			return bus.Void{}, nil
		}),
		bus.OnTabUpdate.AddListener(e.ep, func(_ context.Context, _ bus.Address, tab types.Tab) (bus.Void, error) {
			e.upsert(tab)
			return bus.Void{}, nil
		}),
		bus.OnTabActivate.AddListener(e.ep, func(_ context.Context, _ bus.Address, ref types.TabRef) (bus.Void, error) {
			e.activate(ref.TabID)
			return bus.Void{}, nil
		}),
		bus.OnTabDelete.AddListener(e.ep, func(_ context.Context, _ bus.Address, ref types.TabRef) (bus.Void, error) {
			e.RemoveTab(ref.TabID)
			return bus.Void{}, nil
		}),
	)

	snap, err := bus.GetTabs.Send(ctx, e.ep, bus.Void{})
	if err != nil {
		return fmt.Errorf("engine: initial tab snapshot: %w", err)
	}
	e.merge(snap)
	slog.Info("capture engine started", "tabs", len(snap.Tabs))
	return nil
}

// Stop unregisters handlers and releases every capture.
func (e *Engine) Stop() {
	for _, reg := range e.regs {
		e.ep.Router().Remove(reg)
	}
	e.regs = nil

	e.mu.Lock()
	ids := make([]int, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.RemoveTab(id)
	}
}

// SetVolume applies percent as a linear gain to the tab's capture graph.
// A tracked tab without routing fails with NO_ROUTING; an untracked tab is
// a stale reference and is ignored.
func (e *Engine) SetVolume(tabID int, percent float64) error {
	if !audio.ValidPercent(percent) {
		return apperr.Errorf(apperr.CodeValidation, "volume must be a finite non-negative percentage, got %v", percent)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[tabID]
	if !ok {
		slog.Debug("setVolume for untracked tab ignored", "tab_id", tabID)
		return nil
	}
	if st.routing == nil {
		return apperr.Errorf(apperr.CodeNoRouting, "no active routing for tab %d", tabID)
	}
	if err := st.routing.gain.SetGain(e.ep.Context(), audio.EngineGain(percent)); err != nil {
		if errors.Is(err, audio.ErrNodeGone) {
			e.dropRoutingLocked(st, "capture graph gone")
			return apperr.New(apperr.CodeNoRouting, fmt.Sprintf("capture graph for tab %d is gone", tabID), err)
		}
		return apperr.New(apperr.CodeInternal, fmt.Sprintf("set gain for tab %d", tabID), err)
	}
	e.publishLocked(bus.OnItemUpdate, st)
	return nil
}

// GetVolume returns the tab's effective volume, or types.VolumeUnset when
// it has no capture graph.
func (e *Engine) GetVolume(tabID int) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[tabID]
	if !ok {
		return 0, apperr.Errorf(apperr.CodeTabNotFound, "tab %d is not tracked", tabID)
	}
	return st.item().Volume, nil
}

// ListItems returns every tracked tab as an item, ordered by tab id.
func (e *Engine) ListItems() []types.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := make([]types.Item, 0, len(e.states))
	for _, st := range e.states {
		items = append(items, st.item())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TabID < items[j].TabID })
	return items
}

// StartCapture establishes routing for tabID from a permission token.
// Concurrent calls for one tab share a single attempt, and a tab that
// already has routing is left untouched, so at most one stream is opened.
func (e *Engine) StartCapture(ctx context.Context, tabID int, streamID string) error {
	if streamID == "" {
		return apperr.Errorf(apperr.CodeValidation, "streamId is required")
	}
	_, err, shared := e.captures.Do(strconv.Itoa(tabID), func() (any, error) {
		return nil, e.capture(ctx, tabID, streamID)
	})
	if shared {
		slog.Debug("capture request coalesced", "tab_id", tabID)
	}
	return err
}

func (e *Engine) capture(ctx context.Context, tabID int, streamID string) error {
	e.mu.Lock()
	st, ok := e.states[tabID]
	if ok && st.routing != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	if !ok {
		slog.Debug("startCapture for untracked tab ignored", "tab_id", tabID)
		return nil
	}

	stream, err := e.devices.GetTabStream(ctx, streamID)
	if err != nil {
		return apperr.New(apperr.CodeCaptureFailed, fmt.Sprintf("open capture stream for tab %d", tabID), err)
	}
	audio.DropVideo(stream)

	r, err := e.buildGraph(ctx, stream)
	if err != nil {
		audio.StopTracks(stream)
		return apperr.New(apperr.CodeCaptureFailed, fmt.Sprintf("build capture graph for tab %d", tabID), err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok = e.states[tabID]
	if !ok || st.routing != nil {
		// The tab closed (or gained routing) while the stream was opening.
		r.release(ctx)
		slog.Info("late capture released", "tab_id", tabID)
		return nil
	}
	st.routing = r
	slog.Info("capture established", "tab_id", tabID, "stream", stream.ID())
	e.publishLocked(bus.OnItemUpdate, st)
	return nil
}

func (e *Engine) buildGraph(ctx context.Context, stream audio.Stream) (*routing, error) {
	source, err := e.ctx.CreateMediaStreamSource(ctx, stream)
	if err != nil {
		return nil, err
	}
	gain, err := e.ctx.CreateGain(ctx, 1)
	if err != nil {
		return nil, err
	}
	if err := source.Connect(ctx, gain); err != nil {
		return nil, err
	}
	if err := gain.Connect(ctx, e.ctx.Destination()); err != nil {
		return nil, err
	}
	return &routing{stream: stream, source: source, gain: gain}, nil
}

func (r *routing) release(ctx context.Context) {
	audio.StopTracks(r.stream)
	if err := r.source.Disconnect(ctx); err != nil {
		slog.Debug("disconnect capture source", "error", err)
	}
	if err := r.gain.Disconnect(ctx); err != nil {
		slog.Debug("disconnect capture gain", "error", err)
	}
}

// RemoveTab stops the tab's capture, evicts its state and reports whether
// anything was removed. Repeated calls are no-ops.
func (e *Engine) RemoveTab(tabID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[tabID]
	if !ok {
		return false
	}
	if st.routing != nil {
		st.routing.release(e.ep.Context())
		slog.Info("capture released", "tab_id", tabID)
	}
	delete(e.states, tabID)
	if err := bus.OnItemDelete.Publish(e.ep.Context(), e.ep, types.TabRef{TabID: tabID}); err != nil {
		slog.Warn("publish item delete failed", "tab_id", tabID, "error", err)
	}
	return true
}

func (e *Engine) upsert(tab types.Tab) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[tab.TabID]; ok {
		replaced := types.DocumentReplaced(st.tab, tab)
		st.tab = tab
		if replaced && st.routing != nil {
			e.dropRoutingLocked(st, "document replaced")
			return
		}
		e.publishLocked(bus.OnItemUpdate, st)
		return
	}
	st := &state{tab: tab}
	e.states[tab.TabID] = st
	e.publishLocked(bus.OnItemCreate, st)
}

// dropRoutingLocked releases a capture graph that no longer carries the
// tab's audio and publishes the item without a volume.
func (e *Engine) dropRoutingLocked(st *state, reason string) {
	st.routing.release(e.ep.Context())
	st.routing = nil
	slog.Info("capture dropped", "tab_id", st.tab.TabID, "reason", reason)
	e.publishLocked(bus.OnItemUpdate, st)
}

func (e *Engine) activate(tabID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, ok := e.states[tabID]
	if !ok {
		return
	}
	for _, st := range e.states {
		if st.active && st != next {
			st.active = false
			e.publishLocked(bus.OnItemUpdate, st)
		}
	}
	if !next.active {
		next.active = true
		e.publishLocked(bus.OnItemUpdate, next)
	}
}

// merge folds a coordinator snapshot into the engine without dropping
// existing routing.
func (e *Engine) merge(snap bus.TabsSnapshot) {
	for _, tab := range snap.Tabs {
		e.upsert(tab)
	}
	for _, id := range snap.ActiveTabIDs {
		e.activate(id)
	}
}

func (e *Engine) publishLocked(msg bus.Message[types.Item, bus.Void], st *state) {
	if err := msg.Publish(e.ep.Context(), e.ep, st.item()); err != nil {
		slog.Warn("publish item event failed", "type", msg.Type(), "tab_id", st.tab.TabID, "error", err)
	}
}

func (s *state) item() types.Item {
	volume := types.VolumeUnset
	if s.routing != nil {
		volume = audio.EnginePercent(s.routing.gain.Gain())
	}
	return types.NewItem(s.tab, s.active, volume)
}
