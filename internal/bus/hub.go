package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/tidwall/gjson"
)

const (
	// DefaultRequestTimeout bounds a request whose caller context has no
	// deadline of its own.
	DefaultRequestTimeout = 5 * time.Second

	defaultInboxSize = 256
)

type outcomeKind int

const (
	outcomeDeclined outcomeKind = iota
	outcomeDeferred
	outcomeAnswered
)

type outcome struct {
	kind outcomeKind
	data json.RawMessage
	err  error
}

type delivery struct {
	from    Address
	payload json.RawMessage
	results chan<- outcome // nil for fire-and-forget
}

func (d delivery) reply(o outcome) {
	if d.results == nil {
		return
	}
	d.results <- o
}

// Option configures a Hub.
type Option func(*Hub)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.requestTimeout = d
		}
	}
}

// WithInboxSize sets the per-endpoint inbox capacity.
func WithInboxSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.inboxSize = n
		}
	}
}

// Hub is the transport connecting isolated endpoints. Broadcasts reach
// every active non-tab endpoint except the sender; tab endpoints are only
// reachable by directed delivery.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[Address]*Endpoint

	requestTimeout time.Duration
	inboxSize      int
}

// NewHub creates an empty transport.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		endpoints:      make(map[Address]*Endpoint),
		requestTimeout: DefaultRequestTimeout,
		inboxSize:      defaultInboxSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open creates the endpoint for addr and starts its event loop.
func (h *Hub) Open(addr Address) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.endpoints[addr]; exists {
		return nil, fmt.Errorf("bus: endpoint %s already open", addr)
	}
	ep := newEndpoint(h, addr)
	h.endpoints[addr] = ep
	go ep.run()
	slog.Debug("bus endpoint opened", "endpoint", addr.String())
	return ep, nil
}

// Lookup returns the open endpoint for addr.
func (h *Hub) Lookup(addr Address) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.endpoints[addr]
	return ep, ok
}

func (h *Hub) detach(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[ep.addr] == ep {
		delete(h.endpoints, ep.addr)
	}
}

func (h *Hub) broadcastTargets(from Address) []*Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for addr, ep := range h.endpoints {
		if addr == from || addr.IsTab() || !ep.Active() {
			continue
		}
		targets = append(targets, ep)
	}
	return targets
}

func (h *Hub) directTarget(typ string, addr Address) (*Endpoint, error) {
	ep, ok := h.Lookup(addr)
	if !ok {
		return nil, apperr.Errorf(apperr.CodeTargetGone, "%s is not open (type %q)", addr, typ)
	}
	return ep, nil
}

func (h *Hub) publish(ctx context.Context, from Address, targets []*Endpoint, payload json.RawMessage) error {
	for _, ep := range targets {
		if err := ep.enqueue(ctx, delivery{from: from, payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

// request delivers payload to targets and waits for the first answer. A
// request every target declines fails with NO_HANDLER instead of hanging.
func (h *Hub) request(ctx context.Context, from Address, targets []*Endpoint, typ string, payload json.RawMessage) (json.RawMessage, error) {
	active := targets[:0:0]
	for _, ep := range targets {
		if ep.Active() {
			active = append(active, ep)
		}
	}
	if len(active) == 0 {
		return nil, apperr.Errorf(apperr.CodeNoHandler, "no listener for %q", typ)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	results := make(chan outcome, 2*len(active))
	for _, ep := range active {
		if err := ep.enqueue(ctx, delivery{from: from, payload: payload, results: results}); err != nil {
			return nil, waitError(typ, err)
		}
	}

	declined := 0
	for {
		select {
		case o := <-results:
			switch o.kind {
			case outcomeDeclined:
				declined++
				if declined == len(active) {
					return nil, apperr.Errorf(apperr.CodeNoHandler, "no listener for %q", typ)
				}
			case outcomeAnswered:
				return o.data, o.err
			}
		case <-ctx.Done():
			return nil, waitError(typ, ctx.Err())
		}
	}
}

func waitError(typ string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.CodeTimeout, fmt.Sprintf("no response to %q", typ), err)
	}
	return err
}

// Endpoint is one isolated context: a dispatch table plus a serial event
// loop. Synchronous handlers run on the loop in arrival order.
type Endpoint struct {
	hub    *Hub
	addr   Address
	router *Router
	active atomic.Bool

	inbox  chan delivery
	ctx    context.Context
	cancel context.CancelFunc

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup
}

func newEndpoint(h *Hub, addr Address) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		hub:    h,
		addr:   addr,
		inbox:  make(chan delivery, h.inboxSize),
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	ep.router = NewRouter(ep.setActive)
	return ep
}

func (e *Endpoint) setActive(active bool) {
	e.active.Store(active)
	slog.Debug("bus root listener", "endpoint", e.addr.String(), "active", active)
}

// Address returns the endpoint's address.
func (e *Endpoint) Address() Address { return e.addr }

// Router exposes the endpoint's dispatch table.
func (e *Endpoint) Router() *Router { return e.router }

// Active reports whether the root listener is installed, i.e. at least one
// handler is registered.
func (e *Endpoint) Active() bool { return e.active.Load() }

// Context is cancelled when the endpoint closes.
func (e *Endpoint) Context() context.Context { return e.ctx }

// Done is closed once Close has been called.
func (e *Endpoint) Done() <-chan struct{} { return e.quit }

// Close detaches the endpoint, declines queued deliveries and waits for
// running deferred handlers.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.hub.detach(e)
		e.cancel()
		close(e.quit)
		<-e.done
		e.inflight.Wait()
		slog.Debug("bus endpoint closed", "endpoint", e.addr.String())
	})
}

func (e *Endpoint) enqueue(ctx context.Context, d delivery) error {
	select {
	case <-e.quit:
		d.reply(outcome{kind: outcomeDeclined})
		return nil
	default:
	}
	select {
	case e.inbox <- d:
		return nil
	case <-e.quit:
		d.reply(outcome{kind: outcomeDeclined})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			e.drain()
			return
		case d := <-e.inbox:
			e.dispatch(d)
		}
	}
}

func (e *Endpoint) drain() {
	for {
		select {
		case d := <-e.inbox:
			d.reply(outcome{kind: outcomeDeclined})
		default:
			return
		}
	}
}

// dispatch is the root listener: it peeks the message type, looks up the
// handler and tells the transport whether an answer is forthcoming.
func (e *Endpoint) dispatch(d delivery) {
	typ := gjson.GetBytes(d.payload, "type")
	if typ.Type != gjson.String {
		d.reply(outcome{kind: outcomeDeclined})
		return
	}
	rt, ok := e.router.lookup(typ.Str)
	if !ok {
		d.reply(outcome{kind: outcomeDeclined})
		return
	}

	in := Inbound{Type: typ.Str, From: d.from, Payload: d.payload}
	if !rt.deferred {
		data, err := e.invoke(rt.handler, in)
		d.reply(outcome{kind: outcomeAnswered, data: data, err: err})
		return
	}

	d.reply(outcome{kind: outcomeDeferred})
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		data, err := e.invoke(rt.handler, in)
		d.reply(outcome{kind: outcomeAnswered, data: data, err: err})
	}()
}

func (e *Endpoint) invoke(h Handler, in Inbound) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus handler panicked", "endpoint", e.addr.String(), "type", in.Type, "panic", r)
			data, err = nil, apperr.Errorf(apperr.CodeInternal, "handler for %q panicked: %v", in.Type, r)
		}
	}()
	data, err = h(e.ctx, in)
	if err != nil {
		return nil, isolate(err)
	}
	return data, nil
}

// isolate strips an error down to what can cross a context boundary.
func isolate(err error) error {
	var coded *apperr.CodedError
	if errors.As(err, &coded) {
		return &apperr.CodedError{Code: coded.Code, Message: coded.Message}
	}
	return &apperr.CodedError{Code: apperr.CodeInternal, Message: err.Error()}
}
