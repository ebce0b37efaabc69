package events

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Connection-level events. The session dispatches them through the same
// registry as server pushes so protocol components react in one place.
const (
	Connect      = "connect"
	Disconnect   = "disconnect"
	ConnectError = "connect_error"
	Error        = "error"
)

// Server pushes.
const (
	NewOrder             = "new-order"
	OrderStatusUpdated   = "order-status-updated"
	DriverAssigned       = "driver-assigned"
	OrderCancelled       = "order-cancelled"
	JoinedOrderRoom      = "joined-order-room"
	DriverLocationUpdate = "driver-location-update"
	OrderRequest         = "order-request"
)

// Client emits.
const (
	JoinOrderRoom      = "join-order-room"
	DriverAcceptOrder  = "driver-accept-order"
	DriverDeclineOrder = "driver-decline-order"
	UpdateLocation     = "update-location"
)

// Envelope is one frame on the real-time channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Handler func(data json.RawMessage)

// Registry maps event names to handlers. There is at most one handler per
// event: registering again replaces the previous one, so a component that is
// built twice against the same session never double-delivers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) On(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, event)
		return
	}
	r.handlers[event] = h
}

func (r *Registry) Off(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, event)
}

func (r *Registry) Has(event string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[event]
	return ok
}

// Dispatch runs the handler for event, reporting whether one was registered.
// Unknown events are not an error; the server adds events over time.
func (r *Registry) Dispatch(event string, data json.RawMessage) bool {
	r.mu.RLock()
	h, ok := r.handlers[event]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	h(data)
	return true
}

// Typed wraps fn so the payload is decoded into T before it runs.
// Decode failures go to onErr (when set) and fn is skipped.
func Typed[T any](fn func(T), onErr func(error)) Handler {
	return func(data json.RawMessage) {
		v, err := Decode[T](data)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(v)
	}
}

func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// Encode builds an envelope for an outbound event.
func Encode(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("encode %s: %w", event, err)
	}
	env.Data = b
	return env, nil
}
