package bus

import "github.com/dgnsrekt/tabvolume/internal/types"

// StartCaptureRequest asks the engine to open a capture for a tab using a
// permission token the coordinator acquired.
type StartCaptureRequest struct {
	TabID    int    `json:"tabId"`
	StreamID string `json:"streamId"`
}

// VolumeRequest sets a tab's volume percentage.
type VolumeRequest struct {
	TabID  int     `json:"tabId"`
	Volume float64 `json:"volume"`
}

// GainRequest pushes a volume percentage to a tab's relay.
type GainRequest struct {
	Volume float64 `json:"volume"`
}

// VolumeResponse answers getVolume.
type VolumeResponse struct {
	Volume float64 `json:"volume"`
}

// TabsSnapshot answers getTabs with a full inventory scan.
type TabsSnapshot struct {
	Tabs         []types.Tab `json:"tabs"`
	ActiveTabIDs []int       `json:"activeTabIds"`
}

// Coordinator (background) contracts.
var (
	SetVolume      = Define[VolumeRequest, Void]("setVolume")
	GetVolume      = Define[Void, VolumeResponse]("getVolume")
	GetVolumeAll   = Define[Void, map[int]float64]("getVolumeAll")
	GetTabs        = Define[Void, TabsSnapshot]("getTabs")
	RequestCapture = Define[types.TabRef, Void]("requestCapture")
	ActivateTab    = Define[types.TabRef, Void]("activateTab")
)

// Tab registry change events.
var (
	OnTabCreate   = Define[types.Tab, Void]("onTabCreate")
	OnTabUpdate   = Define[types.Tab, Void]("onTabUpdate")
	OnTabActivate = Define[types.TabRef, Void]("onTabActivate")
	OnTabDelete   = Define[types.TabRef, Void]("onTabDelete")
)

// Capture & gain engine (offscreen) contracts.
var (
	StartCapture     = Define[StartCaptureRequest, Void]("startCapture")
	SetCaptureVolume = Define[VolumeRequest, Void]("setCaptureVolume")
	GetItemList      = Define[Void, []types.Item]("getItemList")
)

// Item events for the control surface.
var (
	OnItemCreate = Define[types.Item, Void]("onItemCreate")
	OnItemUpdate = Define[types.Item, Void]("onItemUpdate")
	OnItemDelete = Define[types.TabRef, Void]("onItemDelete")
)

// SetGain is directed at a single tab's relay.
var SetGain = Define[GainRequest, Void]("setGain")
