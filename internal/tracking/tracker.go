// Package tracking keeps the customer's live view of one order in step with
// server pushes.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/order-tracking/internal/events"
	"github.com/example/order-tracking/internal/geo"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/observability"
	"github.com/example/order-tracking/internal/storage"
	"github.com/example/order-tracking/internal/wire"
)

var ErrNoStore = errors.New("no snapshot store configured")

// Session is the channel the tracker listens on. Handlers registered with On
// and functions passed to Serial never run concurrently.
type Session interface {
	On(event string, h events.Handler)
	JoinOrderRoom(orderID int64) error
	ForgetOrderRoom(orderID int64)
	IsConnected() bool
	Serial(fn func())
}

type OrderCreator interface {
	CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error)
}

type Option func(*Tracker)

// WithLocationFilter controls whether driver-location-update events that
// name another order are dropped. On by default.
func WithLocationFilter(on bool) Option { return func(t *Tracker) { t.filterLocation = on } }

// WithTerminalGrace clears a delivered or cancelled order after d.
func WithTerminalGrace(d time.Duration) Option { return func(t *Tracker) { t.grace = d } }

func WithStore(s storage.SnapshotStore) Option { return func(t *Tracker) { t.store = s } }

func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

type persistOp struct {
	snap    models.OrderSnapshot
	orderID int64
	delete  bool
}

// Tracker owns the snapshot of the order being tracked. All mutation happens
// on the session loop; mu only guards reads from other goroutines.
type Tracker struct {
	session        Session
	api            OrderCreator
	store          storage.SnapshotStore
	logger         *slog.Logger
	filterLocation bool
	grace          time.Duration
	now            func() time.Time

	mu   sync.RWMutex
	snap *models.OrderSnapshot

	feed       events.Feed[models.OrderSnapshot]
	graceTimer *time.Timer

	ops         chan persistOp
	persistDone chan struct{}
	closeOnce   sync.Once
}

func New(session Session, api OrderCreator, opts ...Option) *Tracker {
	t := &Tracker{
		session:        session,
		api:            api,
		logger:         slog.Default(),
		filterLocation: true,
		now:            time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With("component", "tracking")
	if t.store != nil {
		t.ops = make(chan persistOp, 32)
		t.persistDone = make(chan struct{})
		go t.runPersist(t.ops)
	}
	t.register()
	return t
}

func (t *Tracker) register() {
	onErr := func(event string) func(error) {
		return func(err error) { t.discard(event, "malformed", "error", err) }
	}
	t.session.On(events.NewOrder, t.onNewOrder)
	t.session.On(events.OrderStatusUpdated, events.Typed(t.onStatusUpdated, onErr(events.OrderStatusUpdated)))
	t.session.On(events.DriverAssigned, events.Typed(t.onDriverAssigned, onErr(events.DriverAssigned)))
	t.session.On(events.DriverLocationUpdate, events.Typed(t.onLocation, onErr(events.DriverLocationUpdate)))
	t.session.On(events.OrderCancelled, events.Typed(t.onCancelled, onErr(events.OrderCancelled)))
	t.session.On(events.JoinedOrderRoom, events.Typed(func(j wire.JoinedRoom) {
		t.logger.Debug("joined order room", "order_id", int64(j.OrderID))
	}, nil))
	t.session.On(events.Connect, func(json.RawMessage) { t.onConnect() })
	t.session.On(events.Disconnect, func(json.RawMessage) { t.markStale() })
	t.session.On(events.ConnectError, func(json.RawMessage) { t.markStale() })
}

// Snapshot returns a copy of the tracked order, if any.
func (t *Tracker) Snapshot() (models.OrderSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.snap == nil {
		return models.OrderSnapshot{}, false
	}
	return t.snap.Clone(), true
}

// Subscribe delivers every applied change. A cleared tracker publishes a
// zero snapshot. fn runs on the session loop.
func (t *Tracker) Subscribe(fn func(models.OrderSnapshot)) (unsubscribe func()) {
	return t.feed.Subscribe(fn)
}

// CreateOrder places the order over REST, starts tracking it and, when the
// channel is up, joins its room before returning.
func (t *Tracker) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error) {
	o, err := t.api.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	t.session.Serial(func() { t.adopt(*o, nil) })
	t.logger.Info("order created", "order_id", o.ID, "status", string(o.Status))
	return o, nil
}

// Track starts observing an order that already exists.
func (t *Tracker) Track(o models.Order) {
	t.session.Serial(func() { t.adopt(o, nil) })
}

// Resume restores a persisted snapshot and rejoins its room.
func (t *Tracker) Resume(ctx context.Context, orderID int64) (models.OrderSnapshot, error) {
	if t.store == nil {
		return models.OrderSnapshot{}, ErrNoStore
	}
	snap, err := t.store.Load(ctx, orderID)
	if err != nil {
		return models.OrderSnapshot{}, fmt.Errorf("resume order %d: %w", orderID, err)
	}
	var out models.OrderSnapshot
	t.session.Serial(func() {
		cur := t.current()
		if cur != nil && cur.OrderID == orderID {
			out = t.resumeLive(cur, snap)
			return
		}
		if cur != nil {
			t.replace(cur.OrderID)
		}
		t.stopGrace()
		snap.Stale = !t.session.IsConnected()
		t.commit(&snap)
		t.join()
		out = snap.Clone()
	})
	return out, nil
}

// resumeLive folds a stored snapshot into the live one for the same order.
// The live snapshot wins: stored fields only fill gaps, the stored status
// applies only as a legal forward move, and a terminal order is left alone.
func (t *Tracker) resumeLive(cur *models.OrderSnapshot, stored models.OrderSnapshot) models.OrderSnapshot {
	if cur.Status.Terminal() {
		return cur.Clone()
	}
	if models.CanTransition(cur.Status, stored.Status) {
		cur.Status = stored.Status
	}
	if cur.Order == nil && stored.Order != nil {
		o := *stored.Order
		cur.Order = &o
	}
	if cur.Order != nil {
		cur.Order.Status = cur.Status
	}
	if cur.Driver == nil {
		cur.Driver = stored.Driver
	}
	if cur.DriverLocation == nil {
		cur.DriverLocation = stored.DriverLocation
	}
	cur.Stale = !t.session.IsConnected()
	t.commit(cur)
	t.join()
	return cur.Clone()
}

// Clear stops tracking. Nothing is sent to the server.
func (t *Tracker) Clear() {
	t.session.Serial(t.clear)
}

// Close flushes pending snapshot writes.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		t.session.Serial(func() {
			t.stopGrace()
			if t.ops != nil {
				close(t.ops)
				t.ops = nil
			}
		})
		if t.persistDone != nil {
			<-t.persistDone
		}
	})
}

// current returns a mutable copy of the snapshot, or nil.
func (t *Tracker) current() *models.OrderSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.snap == nil {
		return nil
	}
	c := t.snap.Clone()
	return &c
}

// adopt handles an order the local user chose to track. A different order
// replaces the current one; the same order merges.
func (t *Tracker) adopt(o models.Order, drv *models.Driver) {
	cur := t.current()
	if cur != nil && cur.OrderID == o.ID {
		if !cur.Status.Terminal() {
			merge(cur, o, drv)
			t.commit(cur)
		}
		t.join()
		return
	}
	t.begin(o, drv)
}

func (t *Tracker) begin(o models.Order, drv *models.Driver) {
	if cur := t.current(); cur != nil {
		t.replace(cur.OrderID)
	}
	if o.Status == "" {
		o.Status = models.StatusPending
	}
	oc := o
	s := &models.OrderSnapshot{OrderID: o.ID, Status: o.Status, Order: &oc, Driver: drv}
	s.Stale = !t.session.IsConnected()
	t.commit(s)
	t.join()
}

// replace drops local state for the previous order before another is tracked.
func (t *Tracker) replace(prev int64) {
	t.stopGrace()
	t.session.ForgetOrderRoom(prev)
}

func (t *Tracker) join() {
	s := t.current()
	if s == nil || s.Status.Terminal() || !t.session.IsConnected() {
		return
	}
	if err := t.session.JoinOrderRoom(s.OrderID); err != nil {
		t.logger.Warn("rejoin failed", "order_id", s.OrderID, "error", err)
	}
}

func merge(s *models.OrderSnapshot, o models.Order, drv *models.Driver) {
	if s.Order == nil {
		s.Order = &models.Order{ID: s.OrderID}
	}
	mergeOrder(s.Order, o)
	if models.CanTransition(s.Status, o.Status) {
		s.Status = o.Status
	}
	s.Order.Status = s.Status
	if drv != nil {
		s.Driver = drv
	}
}

// mergeOrder copies the reported fields of src onto dst. Status is left to
// the transition rules.
func mergeOrder(dst *models.Order, src models.Order) {
	if src.UserID != 0 {
		dst.UserID = src.UserID
	}
	if src.RestaurantID != 0 {
		dst.RestaurantID = src.RestaurantID
	}
	if src.RestaurantName != "" {
		dst.RestaurantName = src.RestaurantName
	}
	if src.AddressID != 0 {
		dst.AddressID = src.AddressID
	}
	if src.Subtotal != 0 {
		dst.Subtotal = src.Subtotal
	}
	if src.DeliveryFee != 0 {
		dst.DeliveryFee = src.DeliveryFee
	}
	if src.Discount != 0 {
		dst.Discount = src.Discount
	}
	if src.Total != 0 {
		dst.Total = src.Total
	}
	if src.PaymentMethod != "" {
		dst.PaymentMethod = src.PaymentMethod
	}
	if src.Notes != "" {
		dst.Notes = src.Notes
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
}

func (t *Tracker) commit(s *models.OrderSnapshot) {
	s.Derive()
	s.UpdatedAt = t.now()
	t.mu.Lock()
	t.snap = s
	t.mu.Unlock()

	observability.SnapshotUpdates.Inc()
	out := s.Clone()
	t.feed.Publish(out)
	t.enqueue(persistOp{snap: out, orderID: s.OrderID})
	if s.Status.Terminal() {
		t.scheduleGrace(s.OrderID)
	}
}

func (t *Tracker) clear() {
	t.stopGrace()
	t.mu.Lock()
	prev := t.snap
	t.snap = nil
	t.mu.Unlock()
	if prev == nil {
		return
	}
	t.session.ForgetOrderRoom(prev.OrderID)
	t.feed.Publish(models.OrderSnapshot{})
	t.enqueue(persistOp{orderID: prev.OrderID, delete: true})
	t.logger.Info("tracking cleared", "order_id", prev.OrderID, "status", string(prev.Status))
}

func (t *Tracker) scheduleGrace(orderID int64) {
	if t.grace <= 0 || t.graceTimer != nil {
		return
	}
	t.graceTimer = time.AfterFunc(t.grace, func() {
		t.session.Serial(func() {
			s := t.current()
			if s == nil || s.OrderID != orderID || !s.Status.Terminal() {
				return
			}
			t.graceTimer = nil
			t.clear()
		})
	})
}

func (t *Tracker) stopGrace() {
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
}

func (t *Tracker) discard(event, reason string, args ...any) {
	observability.EventsDiscarded.WithLabelValues(event, reason).Inc()
	t.logger.Debug("event discarded", append([]any{"event", event, "reason", reason}, args...)...)
}

func (t *Tracker) onNewOrder(data json.RawMessage) {
	p, err := wire.DecodeOrder(data)
	if err != nil {
		t.discard(events.NewOrder, "malformed", "error", err)
		return
	}
	o := p.Order()
	if o.ID == 0 {
		t.discard(events.NewOrder, "missing_order_id")
		return
	}
	cur := t.current()
	switch {
	case cur == nil, cur.OrderID != o.ID && cur.Status.Terminal():
		t.begin(o, p.AssignedDriver())
	case cur.OrderID != o.ID:
		t.discard(events.NewOrder, "other_order", "order_id", o.ID)
	case cur.Status.Terminal():
		t.discard(events.NewOrder, "terminal", "order_id", o.ID)
	default:
		merge(cur, o, p.AssignedDriver())
		t.commit(cur)
	}
}

func (t *Tracker) onStatusUpdated(u wire.StatusUpdate) {
	cur := t.current()
	if cur == nil || u.Key() != cur.OrderID {
		t.discard(events.OrderStatusUpdated, "other_order", "order_id", u.Key())
		return
	}
	st, ok := models.ParseStatus(u.Status)
	if !ok {
		t.discard(events.OrderStatusUpdated, "unknown_status", "status", u.Status)
		return
	}
	if !models.CanTransition(cur.Status, st) {
		t.discard(events.OrderStatusUpdated, "not_monotonic", "from", string(cur.Status), "to", string(st))
		return
	}
	cur.Status = st
	if cur.Order != nil {
		cur.Order.Status = st
	}
	if loc := u.Location.LocationPtr(); loc != nil && geo.Valid(*loc) {
		cur.DriverLocation = loc
	}
	t.commit(cur)
	t.logger.Info("order status changed", "order_id", cur.OrderID, "status", string(st))
}

func (t *Tracker) onDriverAssigned(a wire.DriverAssigned) {
	cur := t.current()
	if cur == nil || cur.Status.Terminal() {
		t.discard(events.DriverAssigned, "no_active_order")
		return
	}
	if key := a.Key(); key != 0 && key != cur.OrderID {
		t.discard(events.DriverAssigned, "other_order", "order_id", key)
		return
	}
	if d := a.AssignedDriver(); d != nil {
		cur.Driver = d
	}
	if a.Order != nil {
		if cur.Order == nil {
			cur.Order = &models.Order{ID: cur.OrderID, Status: cur.Status}
		}
		mergeOrder(cur.Order, a.Order.Order())
	}
	if loc := a.Location.LocationPtr(); loc != nil && geo.Valid(*loc) {
		cur.DriverLocation = loc
	}
	t.commit(cur)
	if cur.Driver != nil {
		t.logger.Info("driver assigned", "order_id", cur.OrderID, "driver_id", cur.Driver.ID)
	}
}

func (t *Tracker) onLocation(l wire.LocationUpdate) {
	cur := t.current()
	if cur == nil || cur.Status.Terminal() {
		t.discard(events.DriverLocationUpdate, "no_active_order")
		return
	}
	if t.filterLocation && l.OrderID != 0 && int64(l.OrderID) != cur.OrderID {
		t.discard(events.DriverLocationUpdate, "other_order", "order_id", int64(l.OrderID))
		return
	}
	loc := l.Point()
	if loc == nil || !geo.Valid(*loc) {
		t.discard(events.DriverLocationUpdate, "missing_location")
		return
	}
	cur.DriverLocation = loc
	t.commit(cur)
}

func (t *Tracker) onCancelled(c wire.OrderCancelled) {
	cur := t.current()
	if cur == nil || c.Key() != cur.OrderID {
		t.discard(events.OrderCancelled, "other_order", "order_id", c.Key())
		return
	}
	if !models.CanTransition(cur.Status, models.StatusCancelled) {
		t.discard(events.OrderCancelled, "terminal", "order_id", c.Key())
		return
	}
	cur.Status = models.StatusCancelled
	if cur.Order != nil {
		cur.Order.Status = models.StatusCancelled
	}
	t.commit(cur)
	t.logger.Info("order cancelled", "order_id", cur.OrderID, "reason", c.Reason)
}

func (t *Tracker) onConnect() {
	cur := t.current()
	if cur == nil {
		return
	}
	if cur.Stale {
		cur.Stale = false
		t.commit(cur)
	}
	t.join()
}

func (t *Tracker) markStale() {
	cur := t.current()
	if cur == nil || cur.Stale {
		return
	}
	cur.Stale = true
	t.commit(cur)
}

func (t *Tracker) enqueue(op persistOp) {
	if t.ops == nil {
		return
	}
	select {
	case t.ops <- op:
	default:
		t.logger.Warn("snapshot persist queue full", "order_id", op.orderID)
	}
}

func (t *Tracker) runPersist(ops <-chan persistOp) {
	defer close(t.persistDone)
	for op := range ops {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		var err error
		if op.delete {
			err = t.store.Delete(ctx, op.orderID)
		} else {
			err = t.store.Save(ctx, op.snap)
		}
		cancel()
		if err != nil {
			t.logger.Warn("snapshot persist failed", "order_id", op.orderID, "error", err)
		}
	}
}
