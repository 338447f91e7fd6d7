package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/tidwall/sjson"
)

// Void is the request or response type of messages that carry nothing.
type Void = struct{}

// HandlerFunc is a typed message handler. from identifies the sending
// context, which is how sender-scoped requests learn their tab.
type HandlerFunc[Req, Resp any] func(ctx context.Context, from Address, req Req) (Resp, error)

// Message is a typed request/response contract for one message type.
type Message[Req, Resp any] struct {
	typ string
}

// Define declares a message type.
func Define[Req, Resp any](typ string) Message[Req, Resp] {
	return Message[Req, Resp]{typ: typ}
}

// Type returns the wire type name.
func (m Message[Req, Resp]) Type() string { return m.typ }

func (m Message[Req, Resp]) encode(req Req) (json.RawMessage, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bus: encode %q: %w", m.typ, err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("bus: encode %q: payload must be a JSON object", m.typ)
	}
	raw, err = sjson.SetBytes(raw, "type", m.typ)
	if err != nil {
		return nil, fmt.Errorf("bus: encode %q: %w", m.typ, err)
	}
	return raw, nil
}

func (m Message[Req, Resp]) decode(raw json.RawMessage) (Resp, error) {
	var resp Resp
	if len(raw) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("bus: decode %q response: %w", m.typ, err)
	}
	return resp, nil
}

// Send broadcasts req and waits for the first context that answers.
func (m Message[Req, Resp]) Send(ctx context.Context, ep *Endpoint, req Req) (Resp, error) {
	var zero Resp
	payload, err := m.encode(req)
	if err != nil {
		return zero, err
	}
	raw, err := ep.hub.request(ctx, ep.addr, ep.hub.broadcastTargets(ep.addr), m.typ, payload)
	if err != nil {
		return zero, err
	}
	return m.decode(raw)
}

// SendToTarget delivers req to one tab's content context and waits for its
// handler's answer.
func (m Message[Req, Resp]) SendToTarget(ctx context.Context, ep *Endpoint, tabID int, req Req) (Resp, error) {
	var zero Resp
	payload, err := m.encode(req)
	if err != nil {
		return zero, err
	}
	target, err := ep.hub.directTarget(m.typ, TabAddress(tabID))
	if err != nil {
		return zero, err
	}
	raw, err := ep.hub.request(ctx, ep.addr, []*Endpoint{target}, m.typ, payload)
	if err != nil {
		return zero, err
	}
	return m.decode(raw)
}

// Publish broadcasts req without waiting for, or requiring, any listener.
func (m Message[Req, Resp]) Publish(ctx context.Context, ep *Endpoint, req Req) error {
	payload, err := m.encode(req)
	if err != nil {
		return err
	}
	return ep.hub.publish(ctx, ep.addr, ep.hub.broadcastTargets(ep.addr), payload)
}

// AddListener registers h on ep. It runs on the endpoint loop and answers
// synchronously.
func (m Message[Req, Resp]) AddListener(ep *Endpoint, h HandlerFunc[Req, Resp]) Registration {
	return ep.router.Insert(m.typ, m.wrap(h), false)
}

// AddDeferredListener registers h on ep. It runs off the endpoint loop;
// the caller is told an answer is forthcoming and receives it when h
// returns. Use it for handlers that wait on other contexts or the host.
func (m Message[Req, Resp]) AddDeferredListener(ep *Endpoint, h HandlerFunc[Req, Resp]) Registration {
	return ep.router.Insert(m.typ, m.wrap(h), true)
}

// RemoveListener unregisters reg if it is still the handler for this type.
func (m Message[Req, Resp]) RemoveListener(ep *Endpoint, reg Registration) {
	if reg.Type != m.typ {
		return
	}
	ep.router.Remove(reg)
}

func (m Message[Req, Resp]) wrap(h HandlerFunc[Req, Resp]) Handler {
	return func(ctx context.Context, in Inbound) (json.RawMessage, error) {
		var req Req
		if err := json.Unmarshal(in.Payload, &req); err != nil {
			return nil, apperr.New(apperr.CodeValidation, fmt.Sprintf("malformed %q payload", m.typ), err)
		}
		resp, err := h(ctx, in.From, req)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("bus: encode %q response: %w", m.typ, err)
		}
		return raw, nil
	}
}
