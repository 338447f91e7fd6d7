// Package sim is an in-memory browser: tab inventory, capture permissions,
// media streams, offscreen lifecycle and page documents. It backs tests and
// local scenario runs without a Chromium instance.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/audio"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

const eventBufSize = 1024

// Browser is a fake browser. The zero value is not usable; call NewBrowser.
type Browser struct {
	mu        sync.Mutex
	tabs      map[int]types.Tab
	active    int
	hasActive bool
	events    chan types.TabEvent

	tokens   map[string]int
	streams  map[int][]*audio.MemStream
	gate     chan struct{}
	waiting  int
	elements map[int][]string
	pages    map[int]*page

	engineStarts int

	// EnsureErr and CaptureErr, when set, make the matching host call fail.
	EnsureErr  error
	CaptureErr error
}

// NewBrowser returns a browser with no tabs.
func NewBrowser() *Browser {
	return &Browser{
		tabs:     make(map[int]types.Tab),
		events:   make(chan types.TabEvent, eventBufSize),
		tokens:   make(map[string]int),
		streams:  make(map[int][]*audio.MemStream),
		elements: make(map[int][]string),
		pages:    make(map[int]*page),
	}
}

// Events streams tab lifecycle notifications.
func (b *Browser) Events() <-chan types.TabEvent { return b.events }

// Scan returns every open tab ordered by id plus the active tab ids.
func (b *Browser) Scan(context.Context) ([]types.Tab, []int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tabs := make([]types.Tab, 0, len(b.tabs))
	for _, tab := range b.tabs {
		tabs = append(tabs, tab)
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].TabID < tabs[j].TabID })
	active := []int{}
	if b.hasActive {
		active = append(active, b.active)
	}
	return tabs, active, nil
}

// OpenTab adds a tab and emits a created event.
func (b *Browser) OpenTab(tab types.Tab) {
	b.mu.Lock()
	b.tabs[tab.TabID] = tab
	b.mu.Unlock()
	b.events <- types.TabEvent{Kind: types.TabCreated, TabID: tab.TabID, Tab: tab}
}

// UpdateTab replaces a tab's metadata and emits an updated event.
func (b *Browser) UpdateTab(tab types.Tab) {
	b.mu.Lock()
	b.tabs[tab.TabID] = tab
	b.mu.Unlock()
	b.events <- types.TabEvent{Kind: types.TabUpdated, TabID: tab.TabID, Tab: tab}
}

// ActivateTab focuses a tab and emits an activated event.
func (b *Browser) ActivateTab(_ context.Context, tabID int) error {
	b.mu.Lock()
	if _, ok := b.tabs[tabID]; !ok {
		b.mu.Unlock()
		return apperr.Errorf(apperr.CodeTabNotFound, "tab %d is not open", tabID)
	}
	b.active, b.hasActive = tabID, true
	b.mu.Unlock()
	b.events <- types.TabEvent{Kind: types.TabActivated, TabID: tabID}
	return nil
}

// CloseTab removes a tab and emits a removed event.
func (b *Browser) CloseTab(tabID int) {
	b.mu.Lock()
	delete(b.tabs, tabID)
	delete(b.elements, tabID)
	if b.hasActive && b.active == tabID {
		b.hasActive = false
	}
	b.mu.Unlock()
	b.events <- types.TabEvent{Kind: types.TabRemoved, TabID: tabID}
}

// IssueStreamID grants a single-use capture token for tabID.
func (b *Browser) IssueStreamID(_ context.Context, tabID int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tabs[tabID]; !ok {
		return "", apperr.Errorf(apperr.CodeTabNotFound, "tab %d is not open", tabID)
	}
	token := uuid.NewString()
	b.tokens[token] = tabID
	return token, nil
}

// HoldCaptures blocks GetTabStream until the returned release func is
// called.
func (b *Browser) HoldCaptures() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// GetTabStream redeems a capture token for a stream with one audio and one
// video track.
func (b *Browser) GetTabStream(ctx context.Context, streamID string) (audio.Stream, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		b.mu.Lock()
		b.waiting++
		b.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
		}
		b.mu.Lock()
		b.waiting--
		b.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CaptureErr != nil {
		return nil, b.CaptureErr
	}
	tabID, ok := b.tokens[streamID]
	if !ok {
		return nil, fmt.Errorf("sim: unknown or used stream id %q", streamID)
	}
	delete(b.tokens, streamID)
	stream := audio.NewMemStream(streamID, audio.NewMemTrack("audio"), audio.NewMemTrack("video"))
	b.streams[tabID] = append(b.streams[tabID], stream)
	return stream, nil
}

// WaitingCaptures returns how many GetTabStream calls are held.
func (b *Browser) WaitingCaptures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting
}

// Streams returns every stream opened for tabID.
func (b *Browser) Streams(tabID int) []*audio.MemStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*audio.MemStream(nil), b.streams[tabID]...)
}

// EnsureEngine records that the offscreen context was requested.
func (b *Browser) EnsureEngine(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.EnsureErr != nil {
		return b.EnsureErr
	}
	b.engineStarts++
	return nil
}

// EngineEnsured returns how many times EnsureEngine succeeded.
func (b *Browser) EngineEnsured() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engineStarts
}

// SetMediaElements replaces the media elements present in a tab's
// document.
func (b *Browser) SetMediaElements(tabID int, ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.elements[tabID] = append([]string(nil), ids...)
}

type page struct {
	document string
	audio    *audio.MemContext
}

// OpenPage gives a tab a document view and the audio context of its
// document. A tab still showing the document of its previous page keeps
// that page's context; any other document gets a fresh one and the old
// context is closed.
func (b *Browser) OpenPage(_ context.Context, tab types.Tab) (audio.Page, error) {
	tabID := tab.TabID
	b.mu.Lock()
	prev, ok := b.pages[tabID]
	b.mu.Unlock()

	var actx *audio.MemContext
	if ok && tab.Document != "" && prev.document == tab.Document {
		actx = prev.audio
	} else {
		if ok {
			prev.audio.Close()
		}
		actx = audio.NewMemContext()
		actx.Elements = func() map[string]bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			present := make(map[string]bool, len(b.elements[tabID]))
			for _, id := range b.elements[tabID] {
				present[id] = true
			}
			return present
		}
		b.mu.Lock()
		b.pages[tabID] = &page{document: tab.Document, audio: actx}
		b.mu.Unlock()
	}
	return audio.Page{
		Audio:    actx,
		Document: document{b: b, tabID: tabID},
		Close:    func() error { return nil },
	}, nil
}

// Page returns the audio context of a tab's latest page.
func (b *Browser) Page(tabID int) (*audio.MemContext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pages[tabID]
	if !ok {
		return nil, false
	}
	return p.audio, true
}

type document struct {
	b     *Browser
	tabID int
}

func (d document) MediaElements(context.Context) ([]string, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	return append([]string(nil), d.b.elements[d.tabID]...), nil
}
