package cdpcontrol

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

const eventBufSize = 256

type pageStatus struct {
	Visible  bool   `json:"visible"`
	Focused  bool   `json:"focused"`
	Audible  bool   `json:"audible"`
	Document string `json:"doc,omitempty"`
}

// rank orders candidates for the active tab: a focused visible page beats
// a merely visible one.
func (p pageStatus) rank() int {
	switch {
	case p.Visible && p.Focused:
		return 2
	case p.Visible:
		return 1
	}
	return 0
}

// Events streams tab lifecycle notifications produced by Run.
func (c *Client) Events() <-chan types.TabEvent { return c.events }

// Scan lists the open tabs ordered by id together with the active tab. Each
// page reports playing media, focus and its document id; a page that
// cannot answer is reported silent and inactive with no document.
func (c *Client) Scan(ctx context.Context) ([]types.Tab, []int, error) {
	if err := c.refreshTabs(ctx); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	infos := make([]target.Info, 0, len(c.tabs))
	for _, session := range c.tabs {
		if session != nil && session.info != nil {
			infos = append(infos, *session.info)
		}
	}
	c.mu.Unlock()

	tabs := make([]types.Tab, 0, len(infos))
	activeID, best := 0, 0
	for _, info := range infos {
		id, ok := c.ids.id(info.TargetID)
		if !ok {
			continue
		}
		var status pageStatus
		if err := c.evalOnTarget(ctx, info.TargetID, registryCall("status"), &status); err != nil {
			slog.Debug("cdpcontrol page status failed", "tab_id", id, "error", err)
		}
		tabs = append(tabs, types.Tab{TabID: id, Title: info.Title, URL: info.URL, Audible: status.Audible, Document: status.Document})
		if r := status.rank(); r > best || (r == best && r > 0 && id < activeID) {
			best, activeID = r, id
		}
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].TabID < tabs[j].TabID })

	var active []int
	if best > 0 {
		active = []int{activeID}
	}
	return tabs, active, nil
}

// Run polls the browser every poll interval and emits the differences as
// lifecycle events until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	w := newTabWatcher()
	for {
		tabs, active, err := c.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("cdpcontrol poll failed", "error", err)
		} else {
			for _, ev := range w.diff(tabs, active) {
				select {
				case c.events <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ActivateTab brings the tab to the foreground.
func (c *Client) ActivateTab(ctx context.Context, tabID int) error {
	targetID, ok := c.ids.target(tabID)
	if !ok {
		return apperr.Errorf(apperr.CodeTabNotFound, "tab %d not found", tabID)
	}
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return apperr.New(apperr.CodeCDPUnavailable, "CDP client not connected", nil)
	}
	if err := cdp.activateTarget(ctx, string(targetID)); err != nil {
		return apperr.New(apperr.CodeCDPUnavailable, "activate target failed", err)
	}
	slog.Debug("cdpcontrol tab activated", "tab_id", tabID, "target_id", targetID)
	return nil
}

// tabWatcher turns successive scans into lifecycle events.
type tabWatcher struct {
	known     map[int]types.Tab
	active    int
	hasActive bool
}

func newTabWatcher() *tabWatcher {
	return &tabWatcher{known: make(map[int]types.Tab)}
}

// diff returns creations and updates in scan order, then removals by id,
// then an activation when the active tab changed.
func (w *tabWatcher) diff(tabs []types.Tab, active []int) []types.TabEvent {
	var events []types.TabEvent
	seen := make(map[int]bool, len(tabs))
	for _, tab := range tabs {
		seen[tab.TabID] = true
		prev, ok := w.known[tab.TabID]
		tab = types.CarryDocument(prev, tab)
		switch {
		case !ok:
			events = append(events, types.TabEvent{Kind: types.TabCreated, TabID: tab.TabID, Tab: tab})
		case prev != tab:
			events = append(events, types.TabEvent{Kind: types.TabUpdated, TabID: tab.TabID, Tab: tab})
		}
		w.known[tab.TabID] = tab
	}

	var gone []int
	for id := range w.known {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	sort.Ints(gone)
	for _, id := range gone {
		delete(w.known, id)
		events = append(events, types.TabEvent{Kind: types.TabRemoved, TabID: id})
	}

	if len(active) == 0 {
		w.hasActive = false
		return events
	}
	next := active[0]
	if !w.hasActive || next != w.active {
		events = append(events, types.TabEvent{Kind: types.TabActivated, TabID: next})
	}
	w.active, w.hasActive = next, true
	return events
}
