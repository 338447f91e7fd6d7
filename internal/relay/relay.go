// Package relay applies a perceptual gain to the media elements of one tab,
// independently of the capture engine.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/audio"
	"github.com/dgnsrekt/tabvolume/internal/bus"
)

// ScanInterval is how often the relay tears down and rebuilds its local
// graph. New media elements are picked up at most one interval late.
const ScanInterval = 5000 * time.Millisecond

type entry struct {
	source audio.Node
	gain   audio.GainNode
}

// Relay owns the local gain state of one tab: one entry per media element.
type Relay struct {
	ep       *bus.Endpoint
	page     audio.Page
	interval time.Duration

	mu      sync.Mutex
	percent float64
	pushed  bool
	// sources holds every element ever wrapped that is still in the
	// document. An element can be wrapped only once per audio context.
	sources map[string]audio.Node
	entries map[string]*entry
	scans   int
}

// New creates a relay for the tab behind ep.
func New(ep *bus.Endpoint, page audio.Page, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = ScanInterval
	}
	return &Relay{
		ep:       ep,
		page:     page,
		interval: interval,
		percent:  100,
		sources:  make(map[string]audio.Node),
		entries:  make(map[string]*entry),
	}
}

// Run fetches the tab's volume, then scans every interval until ctx is
// done. All local graph entries are released on return.
func (r *Relay) Run(ctx context.Context) error {
	reg := bus.SetGain.AddListener(r.ep, func(ctx context.Context, _ bus.Address, req bus.GainRequest) (bus.Void, error) {
		return bus.Void{}, r.SetGain(ctx, req.Volume)
	})
	defer bus.SetGain.RemoveListener(r.ep, reg)
	defer r.releaseAll(context.Background())

	if resp, err := bus.GetVolume.Send(ctx, r.ep, bus.Void{}); err != nil {
		slog.Warn("relay volume fetch failed", "endpoint", r.ep.Address().String(), "error", err)
	} else {
		r.mu.Lock()
		if !r.pushed {
			r.percent = resp.Volume
		}
		r.mu.Unlock()
	}

	r.Scan(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}

// SetGain records percent and re-applies the curve to every held entry.
func (r *Relay) SetGain(ctx context.Context, percent float64) error {
	if !audio.ValidPercent(percent) {
		return apperr.Errorf(apperr.CodeValidation, "volume must be a finite non-negative percentage, got %v", percent)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percent = percent
	r.pushed = true
	value := audio.RelayGain(percent)
	for id, e := range r.entries {
		if err := e.gain.SetGain(ctx, value); err != nil {
			slog.Warn("relay set gain failed", "element", id, "error", err)
		}
	}
	return nil
}

// Scan releases every held entry and rebuilds one per media element found
// in the document. When the document cannot be read the current entries
// are kept.
func (r *Relay) Scan(ctx context.Context) {
	elements, err := r.page.Document.MediaElements(ctx)
	if err != nil {
		slog.Warn("relay document scan failed", "endpoint", r.ep.Address().String(), "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans++
	r.releaseLocked(ctx)

	present := make(map[string]bool, len(elements))
	for _, id := range elements {
		present[id] = true
	}
	for id, src := range r.sources {
		if !present[id] {
			_ = src.Disconnect(ctx)
			delete(r.sources, id)
		}
	}

	value := audio.RelayGain(r.percent)
	for _, id := range elements {
		if _, held := r.entries[id]; held {
			continue
		}
		e, err := r.acquire(ctx, id, value)
		if err != nil {
			slog.Debug("relay skipped element", "element", id, "error", err)
			continue
		}
		r.entries[id] = e
	}
}

func (r *Relay) acquire(ctx context.Context, id string, value float64) (*entry, error) {
	src, ok := r.sources[id]
	if !ok {
		var err error
		src, err = r.page.Audio.CreateMediaElementSource(ctx, id)
		if err != nil {
			if errors.Is(err, audio.ErrAlreadyBound) {
				slog.Warn("relay element bound elsewhere", "element", id)
			}
			return nil, err
		}
		r.sources[id] = src
	}
	gain, err := r.page.Audio.CreateGain(ctx, value)
	if err != nil {
		return nil, err
	}
	if err := gain.Connect(ctx, r.page.Audio.Destination()); err != nil {
		return nil, err
	}
	if err := src.Connect(ctx, gain); err != nil {
		_ = gain.Disconnect(ctx)
		return nil, err
	}
	return &entry{source: src, gain: gain}, nil
}

func (r *Relay) releaseAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(ctx)
}

func (r *Relay) releaseLocked(ctx context.Context) {
	for id, e := range r.entries {
		_ = e.gain.Disconnect(ctx)
		_ = e.source.Disconnect(ctx)
		delete(r.entries, id)
	}
}

// Percent returns the volume the relay currently applies.
func (r *Relay) Percent() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.percent
}

// Elements returns the ids of the elements with a held entry.
func (r *Relay) Elements() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Gains returns the multiplier applied to each held element.
func (r *Relay) Gains() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.gain.Gain()
	}
	return out
}

// Scans returns the number of completed scans.
func (r *Relay) Scans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scans
}
