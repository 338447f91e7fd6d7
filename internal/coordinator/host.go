package coordinator

import (
	"context"

	"github.com/dgnsrekt/tabvolume/internal/types"
)

// Inventory is the host's tab list and lifecycle notification source.
type Inventory interface {
	Scan(ctx context.Context) (tabs []types.Tab, activeTabIDs []int, err error)
	Events() <-chan types.TabEvent
}

// CapturePermissions issues capture tokens scoped to one tab.
type CapturePermissions interface {
	IssueStreamID(ctx context.Context, tabID int) (string, error)
}

// EngineHost (re)creates the offscreen audio context when it is absent.
type EngineHost interface {
	EnsureEngine(ctx context.Context) error
}

// TabActivator brings a tab to the foreground.
type TabActivator interface {
	ActivateTab(ctx context.Context, tabID int) error
}

// Host bundles the collaborators the coordinator needs.
type Host struct {
	Inventory   Inventory
	Permissions CapturePermissions
	Engine      EngineHost
	Activator   TabActivator
}
