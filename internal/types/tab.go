package types

// VolumeUnset is the item volume reported for a tab whose audio has not
// been captured yet; such a tab plays at its native volume.
const VolumeUnset = -1.0

// DefaultVolume is the percentage assumed for tabs nobody has adjusted.
const DefaultVolume = 100.0

// Tab is the host's view of a browser tab. Document identifies the page
// currently loaded: it changes when the document is replaced and survives
// history navigations within one document. It is empty when the host
// cannot tell.
type Tab struct {
	TabID    int    `json:"tabId"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Audible  bool   `json:"audible"`
	Document string `json:"document,omitempty"`
}

// CarryDocument returns next, keeping prev's document when next does not
// know its own.
func CarryDocument(prev, next Tab) Tab {
	if next.Document == "" {
		next.Document = prev.Document
	}
	return next
}

// DocumentReplaced reports whether next carries a different, known
// document than prev.
func DocumentReplaced(prev, next Tab) bool {
	return prev.Document != "" && next.Document != "" && prev.Document != next.Document
}

// Item is a Tab enriched with activity and the engine's effective volume.
// It is what the control surface renders.
type Item struct {
	TabID   int     `json:"tabId"`
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Audible bool    `json:"audible"`
	Active  bool    `json:"active"`
	Volume  float64 `json:"volume"`
}

// NewItem merges tab metadata with activity and volume.
func NewItem(tab Tab, active bool, volume float64) Item {
	return Item{
		TabID:   tab.TabID,
		Title:   tab.Title,
		URL:     tab.URL,
		Audible: tab.Audible,
		Active:  active,
		Volume:  volume,
	}
}

// Captured reports whether the item has an established capture graph.
func (i Item) Captured() bool {
	return i.Volume != VolumeUnset
}

// TabRef identifies a tab in lifecycle and deletion messages.
type TabRef struct {
	TabID int `json:"tabId"`
}

// TabEventKind enumerates host tab lifecycle notifications.
type TabEventKind string

const (
	TabCreated   TabEventKind = "created"
	TabUpdated   TabEventKind = "updated"
	TabActivated TabEventKind = "activated"
	TabRemoved   TabEventKind = "removed"
)

// TabEvent is a lifecycle notification from the host tab inventory.
// Tab is populated for created and updated events only.
type TabEvent struct {
	Kind  TabEventKind
	TabID int
	Tab   Tab
}
