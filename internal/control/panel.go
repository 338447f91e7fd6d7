// Package control is the control surface's context: it mirrors the
// engine's items and turns user actions into coordinator requests.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/audio"
	"github.com/dgnsrekt/tabvolume/internal/bus"
	"github.com/dgnsrekt/tabvolume/internal/feed"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

// NativeCeilingPercent is the loudest a tab plays without a capture graph.
const NativeCeilingPercent = 100.0

// ItemFilter hides items by URL.
type ItemFilter interface {
	Hidden(rawURL string) bool
}

// Panel mirrors items on the popup endpoint.
type Panel struct {
	ep        *bus.Endpoint
	filter    ItemFilter
	broker    *feed.Broker
	maxVolume float64

	mu      sync.RWMutex
	items   map[int]types.Item
	syncing bool
	touched map[int]bool
	regs    []bus.Registration
}

// NewPanel creates a panel. filter and broker may be nil.
func NewPanel(ep *bus.Endpoint, filter ItemFilter, broker *feed.Broker, maxVolume float64) *Panel {
	if maxVolume <= 0 {
		maxVolume = audio.MaxPercent
	}
	return &Panel{
		ep:        ep,
		filter:    filter,
		broker:    broker,
		maxVolume: maxVolume,
		items:     make(map[int]types.Item),
	}
}

// Start subscribes to item events and loads the engine's item list. Events
// that arrive while the list is in flight win over the list.
func (p *Panel) Start(ctx context.Context) error {
	p.mu.Lock()
	p.syncing = true
	p.touched = make(map[int]bool)
	p.mu.Unlock()

	p.regs = append(p.regs,
		bus.OnItemCreate.AddListener(p.ep, func(_ context.Context, _ bus.Address, item types.Item) (bus.Void, error) {
			p.put(item, feed.KindItemCreate)
			return bus.Void{}, nil
		}),
		bus.OnItemUpdate.AddListener(p.ep, func(_ context.Context, _ bus.Address, item types.Item) (bus.Void, error) {
			p.put(item, feed.KindItemUpdate)
			return bus.Void{}, nil
		}),
		bus.OnItemDelete.AddListener(p.ep, func(_ context.Context, _ bus.Address, ref types.TabRef) (bus.Void, error) {
			p.remove(ref.TabID)
			return bus.Void{}, nil
		}),
	)

	items, err := bus.GetItemList.Send(ctx, p.ep, bus.Void{})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncing = false
	touched := p.touched
	p.touched = nil
	if err != nil {
		return fmt.Errorf("control: load item list: %w", err)
	}
	for _, item := range items {
		if touched[item.TabID] {
			continue
		}
		p.items[item.TabID] = item
	}
	slog.Info("control panel synced", "items", len(items))
	return nil
}

// Stop unregisters the panel's listeners.
func (p *Panel) Stop() {
	for _, reg := range p.regs {
		p.ep.Router().Remove(reg)
	}
	p.regs = nil
}

func (p *Panel) put(item types.Item, kind string) {
	p.mu.Lock()
	p.items[item.TabID] = item
	if p.syncing {
		p.touched[item.TabID] = true
	}
	p.mu.Unlock()
	p.emit(kind, item)
}

func (p *Panel) remove(tabID int) {
	p.mu.Lock()
	delete(p.items, tabID)
	if p.syncing {
		p.touched[tabID] = true
	}
	p.mu.Unlock()
	p.emit(feed.KindItemDelete, types.TabRef{TabID: tabID})
}

func (p *Panel) emit(kind string, v any) {
	if p.broker == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Warn("encode item event", "kind", kind, "error", err)
		return
	}
	p.broker.Publish(feed.Event{Kind: kind, Payload: string(raw)})
}

// Items returns every mirrored item ordered by tab id.
func (p *Panel) Items() []types.Item {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Item, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Item returns one mirrored item.
func (p *Panel) Item(tabID int) (types.Item, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[tabID]
	return item, ok
}

// Visible returns the items worth showing: web pages that are audible,
// adjusted or focused, minus excluded URLs.
func (p *Panel) Visible() []types.Item {
	all := p.Items()
	out := all[:0]
	for _, item := range all {
		if p.visible(item) {
			out = append(out, item)
		}
	}
	return out
}

func (p *Panel) visible(item types.Item) bool {
	u, err := url.Parse(item.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if p.filter != nil && p.filter.Hidden(item.URL) {
		return false
	}
	return item.Audible || item.Captured() || item.Active
}

// Adjustable reports whether the volume control of item can be used
// without first focusing the tab.
func Adjustable(item types.Item) bool {
	return item.Active || item.Captured()
}

// SetVolume changes a tab's volume. Boosting an uncaptured tab beyond its
// native ceiling first asks the coordinator to establish capture.
func (p *Panel) SetVolume(ctx context.Context, tabID int, volume float64) error {
	if !audio.ValidPercent(volume) || volume > p.maxVolume {
		return apperr.Errorf(apperr.CodeValidation, "volume must be within [0, %v], got %v", p.maxVolume, volume)
	}
	item, ok := p.Item(tabID)
	if !ok {
		return apperr.Errorf(apperr.CodeTabNotFound, "tab %d is not listed", tabID)
	}

	captured := item.Captured()
	if !captured && volume > NativeCeilingPercent {
		if _, err := bus.RequestCapture.Send(ctx, p.ep, types.TabRef{TabID: tabID}); err != nil {
			return err
		}
		captured = true
	}
	if _, err := bus.SetVolume.Send(ctx, p.ep, bus.VolumeRequest{TabID: tabID, Volume: volume}); err != nil {
		return err
	}

	if !captured {
		return nil
	}
	p.mu.Lock()
	cur, ok := p.items[tabID]
	if ok {
		cur.Volume = volume
		p.items[tabID] = cur
	}
	p.mu.Unlock()
	if ok {
		p.emit(feed.KindItemUpdate, cur)
	}
	return nil
}

// ActivateTab focuses a tab so its volume can be adjusted.
func (p *Panel) ActivateTab(ctx context.Context, tabID int) error {
	if _, ok := p.Item(tabID); !ok {
		return apperr.Errorf(apperr.CodeTabNotFound, "tab %d is not listed", tabID)
	}
	_, err := bus.ActivateTab.Send(ctx, p.ep, types.TabRef{TabID: tabID})
	return err
}

// Volumes returns the coordinator's recorded volumes.
func (p *Panel) Volumes(ctx context.Context) (map[int]float64, error) {
	return bus.GetVolumeAll.Send(ctx, p.ep, bus.Void{})
}
