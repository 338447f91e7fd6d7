package bus

import (
	"strconv"
)

// Kind names an isolated execution context.
type Kind string

const (
	KindBackground Kind = "background"
	KindOffscreen  Kind = "offscreen"
	KindPopup      Kind = "popup"
	KindHost       Kind = "host"
	KindTab        Kind = "tab"
)

// Address identifies one endpoint on the hub. TabID is only meaningful for
// KindTab.
type Address struct {
	Kind  Kind
	TabID int
}

func Background() Address { return Address{Kind: KindBackground} }
func Offscreen() Address  { return Address{Kind: KindOffscreen} }
func Popup() Address      { return Address{Kind: KindPopup} }
func Host() Address       { return Address{Kind: KindHost} }

// TabAddress returns the address of a tab's content context.
func TabAddress(tabID int) Address {
	return Address{Kind: KindTab, TabID: tabID}
}

// IsTab reports whether the address is a tab content context.
func (a Address) IsTab() bool { return a.Kind == KindTab }

func (a Address) String() string {
	if a.IsTab() {
		return "tab:" + strconv.Itoa(a.TabID)
	}
	return string(a.Kind)
}
