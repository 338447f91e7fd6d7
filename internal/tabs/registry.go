// Package tabs tracks the open browser tabs and which one is active.
package tabs

import (
	"sort"
	"sync"

	"github.com/dgnsrekt/tabvolume/internal/types"
)

// ChangeKind describes one registry transition.
type ChangeKind string

const (
	Created   ChangeKind = "created"
	Updated   ChangeKind = "updated"
	Activated ChangeKind = "activated"
	Removed   ChangeKind = "removed"
)

// Change is emitted by Resync for every difference between the registry and
// a fresh inventory scan. Tab is zero for Activated and Removed. Replaced
// marks an update whose document was swapped for a new one.
type Change struct {
	Kind     ChangeKind
	TabID    int
	Tab      types.Tab
	Replaced bool
}

// Registry is the set of tracked tabs. At most one tab is active.
type Registry struct {
	mu     sync.RWMutex
	tabs   map[int]types.Tab
	active int
	hasAct bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tabs: make(map[int]types.Tab)}
}

// Upsert tracks tab or replaces its metadata. It reports whether the tab
// was new.
func (r *Registry) Upsert(tab types.Tab) (created bool) {
	_, known := r.Put(tab)
	return !known
}

// Put tracks tab and returns the metadata it replaced.
func (r *Registry) Put(tab types.Tab) (prev types.Tab, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, known = r.tabs[tab.TabID]
	r.tabs[tab.TabID] = types.CarryDocument(prev, tab)
	return prev, known
}

// Activate moves the active flag to tabID. It returns the previously active
// tab, if any. Activating an unknown tab is a no-op and reports ok=false.
func (r *Registry) Activate(tabID int) (previous int, hadPrevious bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.tabs[tabID]; !known {
		return 0, false, false
	}
	previous, hadPrevious = r.active, r.hasAct
	r.active, r.hasAct = tabID, true
	return previous, hadPrevious, true
}

// Remove evicts tabID. Repeated removal is a no-op and reports false.
func (r *Registry) Remove(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.tabs[tabID]; !known {
		return false
	}
	delete(r.tabs, tabID)
	if r.hasAct && r.active == tabID {
		r.active, r.hasAct = 0, false
	}
	return true
}

// Get returns the tracked tab.
func (r *Registry) Get(tabID int) (types.Tab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[tabID]
	return tab, ok
}

// Active returns the active tab id.
func (r *Registry) Active() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.hasAct
}

// IsActive reports whether tabID holds the active flag.
func (r *Registry) IsActive(tabID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasAct && r.active == tabID
}

// Len returns the number of tracked tabs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

// Snapshot returns the tracked tabs ordered by id and the active ids.
func (r *Registry) Snapshot() ([]types.Tab, []int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tabs := make([]types.Tab, 0, len(r.tabs))
	for _, tab := range r.tabs {
		tabs = append(tabs, tab)
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].TabID < tabs[j].TabID })
	active := []int{}
	if r.hasAct {
		active = append(active, r.active)
	}
	return tabs, active
}

// Resync replaces the registry contents with a full inventory scan and
// returns the changes needed to bring a consumer from the old state to the
// new one. Only the first of activeIDs is honoured.
func (r *Registry) Resync(scan []types.Tab, activeIDs []int) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int]bool, len(scan))
	var changes []Change
	for _, tab := range scan {
		seen[tab.TabID] = true
		old, known := r.tabs[tab.TabID]
		tab = types.CarryDocument(old, tab)
		r.tabs[tab.TabID] = tab
		switch {
		case !known:
			changes = append(changes, Change{Kind: Created, TabID: tab.TabID, Tab: tab})
		case old != tab:
			changes = append(changes, Change{Kind: Updated, TabID: tab.TabID, Tab: tab, Replaced: types.DocumentReplaced(old, tab)})
		}
	}

	var gone []int
	for id := range r.tabs {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	sort.Ints(gone)
	for _, id := range gone {
		delete(r.tabs, id)
		changes = append(changes, Change{Kind: Removed, TabID: id})
	}
	if r.hasAct && !seen[r.active] {
		r.active, r.hasAct = 0, false
	}

	for _, id := range activeIDs {
		if !seen[id] {
			continue
		}
		if !r.hasAct || r.active != id {
			r.active, r.hasAct = id, true
			changes = append(changes, Change{Kind: Activated, TabID: id})
		}
		break
	}
	return changes
}
