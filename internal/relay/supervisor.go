package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/dgnsrekt/tabvolume/internal/audio"
	"github.com/dgnsrekt/tabvolume/internal/bus"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

// PageHost opens the document and audio context of a tab.
type PageHost interface {
	OpenPage(ctx context.Context, tab types.Tab) (audio.Page, error)
}

// URLFilter decides which pages get a relay.
type URLFilter interface {
	RelayAllowed(rawURL string) bool
}

type handle struct {
	tab    types.Tab // guarded by Supervisor.mu
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	relay *Relay
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Supervisor injects a relay into every tab: it starts one when a tab is
// created, restarts it when the tab loads a new document and stops it when
// the tab closes. A URL change within one document keeps the relay, since
// its media elements stay bound to the page's audio context. It listens on
// the host endpoint.
type Supervisor struct {
	hub      *bus.Hub
	ep       *bus.Endpoint
	pages    PageHost
	filter   URLFilter
	interval time.Duration

	mu     sync.Mutex
	relays map[int]*handle
	regs   []bus.Registration
}

// NewSupervisor creates a supervisor. filter may be nil.
func NewSupervisor(hub *bus.Hub, ep *bus.Endpoint, pages PageHost, filter URLFilter, interval time.Duration) *Supervisor {
	return &Supervisor{
		hub:      hub,
		ep:       ep,
		pages:    pages,
		filter:   filter,
		interval: interval,
		relays:   make(map[int]*handle),
	}
}

// Start registers for tab lifecycle events and starts relays for the
// coordinator's current tabs.
func (s *Supervisor) Start(ctx context.Context) error {
	s.regs = append(s.regs,
		bus.OnTabCreate.AddListener(s.ep, func(_ context.Context, _ bus.Address, tab types.Tab) (bus.Void, error) {
			s.ensure(tab)
			return bus.Void{}, nil
		}),
		bus.OnTabUpdate.AddListener(s.ep, func(_ context.Context, _ bus.Address, tab types.Tab) (bus.Void, error) {
			s.ensure(tab)
			return bus.Void{}, nil
		}),
		bus.OnTabDelete.AddListener(s.ep, func(_ context.Context, _ bus.Address, ref types.TabRef) (bus.Void, error) {
			s.stop(ref.TabID)
			return bus.Void{}, nil
		}),
	)

	snap, err := bus.GetTabs.Send(ctx, s.ep, bus.Void{})
	if err != nil {
		return fmt.Errorf("relay supervisor: initial tab snapshot: %w", err)
	}
	for _, tab := range snap.Tabs {
		s.ensure(tab)
	}
	return nil
}

// Stop unregisters handlers and stops every relay.
func (s *Supervisor) Stop() {
	for _, reg := range s.regs {
		s.ep.Router().Remove(reg)
	}
	s.regs = nil

	s.mu.Lock()
	ids := make([]int, 0, len(s.relays))
	for id := range s.relays {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.stop(id)
	}
}

// Relay returns the running relay of a tab, if its page has been opened.
func (s *Supervisor) Relay(tabID int) (*Relay, bool) {
	s.mu.Lock()
	h, ok := s.relays[tabID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.relay, h.relay != nil
}

// Running returns how many relays are alive.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relays)
}

func (s *Supervisor) ensure(tab types.Tab) {
	if !s.eligible(tab.URL) {
		s.stop(tab.TabID)
		return
	}
	s.mu.Lock()
	h, ok := s.relays[tab.TabID]
	var replaced bool
	if ok {
		replaced = types.DocumentReplaced(h.tab, tab)
		if !replaced {
			if tab.Document == "" {
				tab.Document = h.tab.Document
			}
			h.tab = tab
		}
	}
	s.mu.Unlock()
	if ok && !replaced && !h.finished() {
		return
	}
	if ok {
		slog.Debug("restarting relay", "tab_id", tab.TabID, "url", tab.URL, "document_replaced", replaced)
		s.stop(tab.TabID)
	}
	s.spawn(tab)
}

func (s *Supervisor) eligible(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return s.filter == nil || s.filter.RelayAllowed(rawURL)
}

func (s *Supervisor) spawn(tab types.Tab) {
	ctx, cancel := context.WithCancel(s.ep.Context())
	h := &handle{tab: tab, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.relays[tab.TabID] = h
	s.mu.Unlock()

	go func() {
		defer close(h.done)
		if err := s.run(ctx, h, tab); err != nil {
			slog.Warn("relay stopped", "tab_id", tab.TabID, "error", err)
		}
	}()
}

func (s *Supervisor) run(ctx context.Context, h *handle, tab types.Tab) error {
	page, err := s.pages.OpenPage(ctx, tab)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if page.Close != nil {
			if err := page.Close(); err != nil {
				slog.Debug("close relay page", "tab_id", tab.TabID, "error", err)
			}
		}
	}()

	ep, err := s.hub.Open(bus.TabAddress(tab.TabID))
	if err != nil {
		return err
	}
	defer ep.Close()

	r := New(ep, page, s.interval)
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
	slog.Info("relay started", "tab_id", tab.TabID)
	return r.Run(ctx)
}

func (s *Supervisor) stop(tabID int) {
	s.mu.Lock()
	h, ok := s.relays[tabID]
	delete(s.relays, tabID)
	s.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	slog.Info("relay stopped", "tab_id", tabID)
}
