package bus

import (
	"context"
	"encoding/json"
	"sync"
)

// Inbound is a message as seen by a handler. Payload still carries the
// "type" field alongside the request fields.
type Inbound struct {
	Type    string
	From    Address
	Payload json.RawMessage
}

// Handler answers one message type on an endpoint.
type Handler func(ctx context.Context, in Inbound) (json.RawMessage, error)

// Registration is the token returned when a handler is inserted. Removing a
// registration that has since been replaced is a no-op.
type Registration struct {
	Type string
	id   int64
}

type route struct {
	id       int64
	handler  Handler
	deferred bool
}

// Router is the per-endpoint dispatch table: one handler per message type,
// last writer wins. onActive fires when the table goes from empty to
// non-empty (true) and back (false).
type Router struct {
	mu       sync.RWMutex
	routes   map[string]route
	seq      int64
	onActive func(active bool)
}

// NewRouter creates an empty dispatch table.
func NewRouter(onActive func(active bool)) *Router {
	return &Router{
		routes:   make(map[string]route),
		onActive: onActive,
	}
}

// Insert registers h for typ, replacing any existing handler for that type.
func (r *Router) Insert(typ string, h Handler, deferred bool) Registration {
	r.mu.Lock()
	r.seq++
	id := r.seq
	wasEmpty := len(r.routes) == 0
	r.routes[typ] = route{id: id, handler: h, deferred: deferred}
	r.mu.Unlock()

	if wasEmpty && r.onActive != nil {
		r.onActive(true)
	}
	return Registration{Type: typ, id: id}
}

// Remove drops the handler behind reg if it is still the current one.
func (r *Router) Remove(reg Registration) bool {
	r.mu.Lock()
	current, ok := r.routes[reg.Type]
	if !ok || current.id != reg.id {
		r.mu.Unlock()
		return false
	}
	delete(r.routes, reg.Type)
	nowEmpty := len(r.routes) == 0
	r.mu.Unlock()

	if nowEmpty && r.onActive != nil {
		r.onActive(false)
	}
	return true
}

func (r *Router) lookup(typ string) (route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[typ]
	return rt, ok
}

// Has reports whether a handler is registered for typ.
func (r *Router) Has(typ string) bool {
	_, ok := r.lookup(typ)
	return ok
}

// Len returns the number of registered message types.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
