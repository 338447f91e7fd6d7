// Package coordinator is the background context: it owns the tab registry
// and the volume registry, answers queries from the other contexts and
// mediates capture permission.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/audio"
	"github.com/dgnsrekt/tabvolume/internal/bus"
	"github.com/dgnsrekt/tabvolume/internal/tabs"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

// Coordinator runs on the background endpoint.
type Coordinator struct {
	ep        *bus.Endpoint
	host      Host
	maxVolume float64

	tabs    *tabs.Registry
	volumes *VolumeRegistry

	mu       sync.Mutex
	captured map[int]bool

	captures singleflight.Group
	regs     []bus.Registration
}

// New creates a coordinator. maxVolume bounds setVolume requests.
func New(ep *bus.Endpoint, host Host, maxVolume float64) *Coordinator {
	if maxVolume <= 0 {
		maxVolume = audio.MaxPercent
	}
	return &Coordinator{
		ep:        ep,
		host:      host,
		maxVolume: maxVolume,
		tabs:      tabs.NewRegistry(),
		volumes:   NewVolumeRegistry(),
		captured:  make(map[int]bool),
	}
}

// Tabs exposes the tab registry.
func (c *Coordinator) Tabs() *tabs.Registry { return c.tabs }

// Volumes exposes the volume registry.
func (c *Coordinator) Volumes() *VolumeRegistry { return c.volumes }

// Start registers the coordinator's handlers. Handlers that wait on the
// host or another context are deferred so the loop keeps serving.
func (c *Coordinator) Start() {
	c.regs = append(c.regs,
		bus.GetTabs.AddDeferredListener(c.ep, func(ctx context.Context, _ bus.Address, _ bus.Void) (bus.TabsSnapshot, error) {
			return c.GetTabs(ctx)
		}),
		bus.SetVolume.AddDeferredListener(c.ep, func(ctx context.Context, _ bus.Address, req bus.VolumeRequest) (bus.Void, error) {
			return bus.Void{}, c.SetVolume(ctx, req.TabID, req.Volume)
		}),
		bus.GetVolume.AddListener(c.ep, func(_ context.Context, from bus.Address, _ bus.Void) (bus.VolumeResponse, error) {
			if !from.IsTab() {
				return bus.VolumeResponse{}, apperr.Errorf(apperr.CodeValidation, "getVolume must come from a tab, got %s", from)
			}
			return bus.VolumeResponse{Volume: c.volumes.Get(from.TabID)}, nil
		}),
		bus.GetVolumeAll.AddListener(c.ep, func(context.Context, bus.Address, bus.Void) (map[int]float64, error) {
			return c.volumes.All(), nil
		}),
		bus.RequestCapture.AddDeferredListener(c.ep, func(ctx context.Context, _ bus.Address, ref types.TabRef) (bus.Void, error) {
			return bus.Void{}, c.RequestCapture(ctx, ref.TabID)
		}),
		bus.ActivateTab.AddDeferredListener(c.ep, func(ctx context.Context, _ bus.Address, ref types.TabRef) (bus.Void, error) {
			return bus.Void{}, c.ActivateTab(ctx, ref.TabID)
		}),
	)
}

// Stop unregisters the coordinator's handlers.
func (c *Coordinator) Stop() {
	for _, reg := range c.regs {
		c.ep.Router().Remove(reg)
	}
	c.regs = nil
}

// Run pumps host lifecycle events into the registry until ctx is done or
// the inventory closes its event stream.
func (c *Coordinator) Run(ctx context.Context) error {
	events := c.host.Inventory.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("coordinator: inventory event stream closed")
			}
			c.Apply(ctx, ev)
		}
	}
}

// Apply folds one host lifecycle event into the registry and republishes it.
func (c *Coordinator) Apply(ctx context.Context, ev types.TabEvent) {
	var err error
	switch ev.Kind {
	case types.TabCreated, types.TabUpdated:
		prev, known := c.tabs.Put(ev.Tab)
		if !known {
			err = bus.OnTabCreate.Publish(ctx, c.ep, ev.Tab)
			break
		}
		if types.DocumentReplaced(prev, ev.Tab) {
			c.uncapture(ev.Tab.TabID)
		}
		err = bus.OnTabUpdate.Publish(ctx, c.ep, ev.Tab)
	case types.TabActivated:
		if _, _, ok := c.tabs.Activate(ev.TabID); ok {
			err = bus.OnTabActivate.Publish(ctx, c.ep, types.TabRef{TabID: ev.TabID})
		}
	case types.TabRemoved:
		if c.tabs.Remove(ev.TabID) {
			c.forget(ev.TabID)
			err = bus.OnTabDelete.Publish(ctx, c.ep, types.TabRef{TabID: ev.TabID})
		}
	default:
		slog.Warn("unknown tab event", "kind", string(ev.Kind), "tab_id", ev.TabID)
	}
	if err != nil {
		slog.Warn("publish tab event failed", "kind", string(ev.Kind), "tab_id", ev.TabID, "error", err)
	}
}

func (c *Coordinator) forget(tabID int) {
	c.volumes.Evict(tabID)
	c.uncapture(tabID)
}

// uncapture marks tabID as needing a fresh capture. The recorded volume is
// kept so a new relay picks it up.
func (c *Coordinator) uncapture(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.captured[tabID] {
		delete(c.captured, tabID)
		slog.Info("capture invalidated", "tab_id", tabID)
	}
}

// GetTabs performs a full inventory scan, reconciles the registry with it
// and returns the resulting snapshot. Differences are republished so other
// consumers converge as well.
func (c *Coordinator) GetTabs(ctx context.Context) (bus.TabsSnapshot, error) {
	scan, active, err := c.host.Inventory.Scan(ctx)
	if err != nil {
		return bus.TabsSnapshot{}, apperr.New(apperr.CodeHostUnavailable, "scan tab inventory", err)
	}
	for _, ch := range c.tabs.Resync(scan, active) {
		var perr error
		switch ch.Kind {
		case tabs.Created:
			perr = bus.OnTabCreate.Publish(ctx, c.ep, ch.Tab)
		case tabs.Updated:
			if ch.Replaced {
				c.uncapture(ch.TabID)
			}
			perr = bus.OnTabUpdate.Publish(ctx, c.ep, ch.Tab)
		case tabs.Activated:
			perr = bus.OnTabActivate.Publish(ctx, c.ep, types.TabRef{TabID: ch.TabID})
		case tabs.Removed:
			c.forget(ch.TabID)
			perr = bus.OnTabDelete.Publish(ctx, c.ep, types.TabRef{TabID: ch.TabID})
		}
		if perr != nil {
			slog.Warn("publish resync change failed", "kind", string(ch.Kind), "tab_id", ch.TabID, "error", perr)
		}
	}
	tabsNow, activeNow := c.tabs.Snapshot()
	return bus.TabsSnapshot{Tabs: tabsNow, ActiveTabIDs: activeNow}, nil
}

// SetVolume records volume, pushes it to the tab's relay and, when the tab
// has a capture graph, to the engine. A tab that is no longer tracked is a
// stale reference and is ignored.
func (c *Coordinator) SetVolume(ctx context.Context, tabID int, volume float64) error {
	if !audio.ValidPercent(volume) || volume > c.maxVolume {
		return apperr.Errorf(apperr.CodeValidation, "volume must be within [0, %v], got %v", c.maxVolume, volume)
	}
	if _, ok := c.tabs.Get(tabID); !ok {
		slog.Debug("setVolume for untracked tab ignored", "tab_id", tabID)
		return nil
	}
	c.volumes.Set(tabID, volume)

	if _, err := bus.SetGain.SendToTarget(ctx, c.ep, tabID, bus.GainRequest{Volume: volume}); err != nil {
		switch apperr.CodeOf(err) {
		case apperr.CodeTargetGone, apperr.CodeNoHandler:
			slog.Debug("no relay for tab", "tab_id", tabID)
		default:
			slog.Warn("relay gain push failed", "tab_id", tabID, "code", apperr.CodeOf(err), "error", err)
		}
	}

	if !c.isCaptured(tabID) {
		return nil
	}
	if _, err := bus.SetCaptureVolume.Send(ctx, c.ep, bus.VolumeRequest{TabID: tabID, Volume: volume}); err != nil {
		if apperr.CodeOf(err) == apperr.CodeNoRouting {
			c.uncapture(tabID)
		}
		return err
	}
	return nil
}

// RequestCapture acquires a capture token for tabID and has the engine
// open the stream. Concurrent requests for one tab share one attempt.
func (c *Coordinator) RequestCapture(ctx context.Context, tabID int) error {
	if _, ok := c.tabs.Get(tabID); !ok {
		return apperr.Errorf(apperr.CodeTabNotFound, "tab %d is not tracked", tabID)
	}
	_, err, _ := c.captures.Do(strconv.Itoa(tabID), func() (any, error) {
		if c.isCaptured(tabID) {
			return nil, nil
		}
		if err := c.host.Engine.EnsureEngine(ctx); err != nil {
			return nil, apperr.New(apperr.CodeHostUnavailable, "ensure offscreen audio context", err)
		}
		streamID, err := c.host.Permissions.IssueStreamID(ctx, tabID)
		if err != nil {
			return nil, apperr.New(apperr.CodeCaptureFailed, fmt.Sprintf("capture permission for tab %d", tabID), err)
		}
		if _, err := bus.StartCapture.Send(ctx, c.ep, bus.StartCaptureRequest{TabID: tabID, StreamID: streamID}); err != nil {
			return nil, err
		}
		if _, ok := c.tabs.Get(tabID); !ok {
			// Closed while capturing; the engine has already released it.
			return nil, nil
		}
		c.mu.Lock()
		c.captured[tabID] = true
		c.mu.Unlock()
		slog.Info("capture granted", "tab_id", tabID)
		return nil, nil
	})
	return err
}

// ActivateTab asks the host to focus tabID.
func (c *Coordinator) ActivateTab(ctx context.Context, tabID int) error {
	if _, ok := c.tabs.Get(tabID); !ok {
		return apperr.Errorf(apperr.CodeTabNotFound, "tab %d is not tracked", tabID)
	}
	if err := c.host.Activator.ActivateTab(ctx, tabID); err != nil {
		if apperr.CodeOf(err) != apperr.CodeInternal {
			return err
		}
		return apperr.New(apperr.CodeHostUnavailable, fmt.Sprintf("activate tab %d", tabID), err)
	}
	return nil
}

// Captured reports whether tabID has a capture graph in the engine.
func (c *Coordinator) Captured(tabID int) bool { return c.isCaptured(tabID) }

func (c *Coordinator) isCaptured(tabID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured[tabID]
}
