package cdpcontrol

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
)

// OffscreenURL is where the engine page lives. The inventory never reports
// it as a tab.
const OffscreenURL = "about:blank#tabvolume-engine"

// engineRoute is one routed tab as the engine page records it.
type engineRoute struct {
	TabID   int     `json:"tabId"`
	Percent float64 `json:"percent"`
}

// enginePage is the document the offscreen host evaluates against.
type enginePage interface {
	eval(ctx context.Context, js string, out any) error
	close()
}

// OffscreenHost owns the engine page: a background target created through
// chromedp that holds the table of routed tabs. The host keeps its own copy
// of the table and writes it back whenever the page comes up without it.
type OffscreenHost struct {
	cdpURL      string
	evalTimeout time.Duration
	open        func(ctx context.Context) (enginePage, error)

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	page        enginePage
	routes      map[int]float64
}

func NewOffscreenHost(cdpURL string, evalTimeout time.Duration) *OffscreenHost {
	o := &OffscreenHost{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		routes:      make(map[int]float64),
	}
	o.open = o.openChromedp
	return o
}

// EnsureEngine reads the route table back from the engine page. A page
// that answers with a different table gets the host's table replayed; a
// page that does not answer is recreated and then replayed.
func (o *OffscreenHost) EnsureEngine(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.page != nil {
		var live []engineRoute
		err := o.page.eval(ctx, engineCall("routes"), &live)
		if err == nil {
			if o.matchesLocked(live) {
				return nil
			}
			slog.Warn("offscreen engine page out of date, replaying routes", "have", len(live), "want", len(o.routes))
			if err = o.replayLocked(ctx); err == nil {
				return nil
			}
		}
		slog.Warn("offscreen engine page lost, recreating", "error", err)
		o.closePageLocked()
	}

	page, err := o.open(ctx)
	if err != nil {
		return err
	}
	o.page = page
	if err := o.replayLocked(ctx); err != nil {
		o.closePageLocked()
		return apperr.New(apperr.CodeHostUnavailable, "install offscreen engine registry", err)
	}
	slog.Info("offscreen engine page ready", "routes", len(o.routes))
	return nil
}

// Routes returns the host's table of routed tabs.
func (o *OffscreenHost) Routes() map[int]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[int]float64, len(o.routes))
	for id, p := range o.routes {
		out[id] = p
	}
	return out
}

// Close closes the engine page and releases the allocator.
func (o *OffscreenHost) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closePageLocked()
	if o.allocCancel != nil {
		o.allocCancel()
		o.allocCtx, o.allocCancel = nil, nil
	}
	return nil
}

func (o *OffscreenHost) closePageLocked() {
	if o.page != nil {
		o.page.close()
	}
	o.page = nil
}

func (o *OffscreenHost) sortedLocked() []engineRoute {
	list := make([]engineRoute, 0, len(o.routes))
	for id, p := range o.routes {
		list = append(list, engineRoute{TabID: id, Percent: p})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TabID < list[j].TabID })
	return list
}

func (o *OffscreenHost) matchesLocked(live []engineRoute) bool {
	if len(live) != len(o.routes) {
		return false
	}
	for _, r := range live {
		if p, ok := o.routes[r.TabID]; !ok || p != r.Percent {
			return false
		}
	}
	return true
}

func (o *OffscreenHost) replayLocked(ctx context.Context) error {
	return o.page.eval(ctx, engineCall("replace", o.sortedLocked()), nil)
}

// note records a routed tab and mirrors it to the engine page. Mirror
// failures are logged; the next EnsureEngine repairs the page.
func (o *OffscreenHost) note(ctx context.Context, tabID int, percent float64) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[tabID] = percent
	o.mirrorLocked(ctx, engineCall("note", tabID, percent))
}

func (o *OffscreenHost) drop(ctx context.Context, tabID int) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.routes, tabID)
	o.mirrorLocked(ctx, engineCall("drop", tabID))
}

func (o *OffscreenHost) mirrorLocked(ctx context.Context, js string) {
	if o.page == nil {
		return
	}
	if err := o.page.eval(ctx, js, nil); err != nil {
		slog.Debug("offscreen route mirror failed", "error", err)
	}
}

// openChromedp creates the engine page as a new target of the browser
// behind cdpURL.
func (o *OffscreenHost) openChromedp(ctx context.Context) (enginePage, error) {
	if o.allocCtx == nil {
		o.allocCtx, o.allocCancel = chromedp.NewRemoteAllocator(context.Background(), o.cdpURL)
	}
	tabCtx, tabCancel := chromedp.NewContext(o.allocCtx)

	// The first Run creates the target; a timeout on its context would close
	// the page once the deadline passed, so the wait happens here instead.
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(tabCtx, chromedp.Navigate(OffscreenURL)) }()
	select {
	case err := <-errc:
		if err != nil {
			tabCancel()
			return nil, apperr.New(apperr.CodeHostUnavailable, "create offscreen engine page", err)
		}
	case <-time.After(o.evalTimeout):
		tabCancel()
		return nil, apperr.Errorf(apperr.CodeHostUnavailable, "offscreen engine page did not load within %s", o.evalTimeout)
	case <-ctx.Done():
		tabCancel()
		return nil, apperr.New(apperr.CodeHostUnavailable, "create offscreen engine page", ctx.Err())
	}
	slog.Info("offscreen engine page created", "target_id", chromedp.FromContext(tabCtx).Target.TargetID)
	return &chromedpPage{ctx: tabCtx, cancel: tabCancel, timeout: o.evalTimeout}, nil
}

type chromedpPage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

func (p *chromedpPage) eval(ctx context.Context, js string, out any) error {
	evalCtx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var raw string
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(js, &raw)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.New(apperr.CodeEvalTimeout, "offscreen evaluation timed out", err)
		}
		return apperr.New(apperr.CodeEvalFailure, "offscreen evaluation failed", err)
	}
	return decodeEnvelope(raw, out)
}

func (p *chromedpPage) close() { p.cancel() }
