package realtime

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/example/order-tracking/internal/events"
	"github.com/example/order-tracking/internal/observability"
)

// Rooms tracks the order rooms joined on the current connection. Joins are
// optimistic: the server's joined-order-room reply is informational.
type Rooms struct {
	mu        sync.Mutex
	joined    map[int64]struct{}
	emit      func(event string, payload any) error
	connected func() bool
	logger    *slog.Logger
	role      string
}

func newRooms(emit func(string, any) error, connected func() bool, logger *slog.Logger, role string) *Rooms {
	return &Rooms{joined: make(map[int64]struct{}), emit: emit, connected: connected, logger: logger, role: role}
}

// Join requests membership once per connection. A join while disconnected
// is refused with ErrNotConnected and no frame is sent.
func (r *Rooms) Join(orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.joined[orderID]; ok {
		return nil
	}
	if !r.connected() {
		r.logger.Warn("join order room skipped", "order_id", orderID, "error", ErrNotConnected)
		return ErrNotConnected
	}
	if err := r.emit(events.JoinOrderRoom, map[string]int64{"orderId": orderID}); err != nil {
		r.logger.Warn("join order room failed", "order_id", orderID, "error", err)
		return err
	}
	r.joined[orderID] = struct{}{}
	observability.RoomsJoined.WithLabelValues(r.role).Set(float64(len(r.joined)))
	r.logger.Debug("join order room requested", "order_id", orderID)
	return nil
}

func (r *Rooms) IsJoined(orderID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[orderID]
	return ok
}

// Joined lists joined order ids in ascending order.
func (r *Rooms) Joined() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.joined))
	for id := range r.joined {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Forget drops local membership for one order; nothing is sent.
func (r *Rooms) Forget(orderID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.joined, orderID)
	observability.RoomsJoined.WithLabelValues(r.role).Set(float64(len(r.joined)))
}

// Clear runs on every disconnect; the next connection starts with no rooms.
func (r *Rooms) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = make(map[int64]struct{})
	observability.RoomsJoined.WithLabelValues(r.role).Set(0)
}
