// Package dispatch implements the driver side of order dispatch: receiving
// delivery offers and answering them.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/order-tracking/internal/events"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/observability"
	"github.com/example/order-tracking/internal/wire"
)

var (
	ErrNoOffer    = errors.New("no active offer")
	ErrStaleOffer = errors.New("offer is not the current one")
)

const (
	DefaultOfferTimeout = 2 * time.Minute
	maxActioned         = 128
)

type State string

const (
	StateNone       State = "none"
	StateOffered    State = "offered"
	StateAccepted   State = "accepted"
	StateDeclined   State = "declined"
	StateTimedOut   State = "timed_out"
	StateSuperseded State = "superseded"
	StateAssigned   State = "assigned"
	StateCancelled  State = "cancelled"
)

// OfferEvent reports one transition of the offer named in Offer. Err is set
// when the automatic decline of a timed out offer could not be sent.
type OfferEvent struct {
	State State
	Offer models.DeliveryOffer
	Err   error
}

type Session interface {
	On(event string, h events.Handler)
	Emit(event string, payload any) error
	Serial(fn func())
	UserID() int64
}

// LocationSource supplies the position attached to an accept.
type LocationSource interface {
	LastSample() (models.Sample, bool)
}

type Option func(*Offers)

func WithTimeout(d time.Duration) Option { return func(o *Offers) { o.timeout = d } }

func WithLocationSource(l LocationSource) Option { return func(o *Offers) { o.loc = l } }

func WithDefaults(d wire.OfferDefaults) Option { return func(o *Offers) { o.defaults = d } }

func WithLogger(l *slog.Logger) Option { return func(o *Offers) { o.logger = l } }

// Offers holds at most one pending delivery offer. Handlers and public calls
// run on the session loop; mu guards reads from other goroutines.
type Offers struct {
	session  Session
	loc      LocationSource
	timeout  time.Duration
	defaults wire.OfferDefaults
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	current *models.DeliveryOffer

	timer         *time.Timer
	actioned      map[int64]State
	actionedOrder []int64
	feed          events.Feed[OfferEvent]
}

func New(session Session, opts ...Option) *Offers {
	o := &Offers{
		session:  session,
		timeout:  DefaultOfferTimeout,
		defaults: wire.OfferDefaults{Currency: "VND"},
		logger:   slog.Default(),
		now:      time.Now,
		actioned: make(map[int64]State),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "dispatch")
	onErr := func(event string) func(error) {
		return func(err error) { o.discard(event, "malformed", "error", err) }
	}
	session.On(events.OrderRequest, events.Typed(o.onRequest, onErr(events.OrderRequest)))
	session.On(events.DriverAssigned, events.Typed(o.onAssigned, onErr(events.DriverAssigned)))
	session.On(events.OrderCancelled, events.Typed(o.onCancelled, onErr(events.OrderCancelled)))
	return o
}

// Current returns the pending offer, if any.
func (o *Offers) Current() (models.DeliveryOffer, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return models.DeliveryOffer{}, false
	}
	return *o.current, true
}

func (o *Offers) State() State {
	if _, ok := o.Current(); ok {
		return StateOffered
	}
	return StateNone
}

// Subscribe delivers offer transitions on the session loop.
func (o *Offers) Subscribe(fn func(OfferEvent)) (unsubscribe func()) {
	return o.feed.Subscribe(fn)
}

type acceptPayload struct {
	OrderID  int64            `json:"orderId"`
	Location *models.Location `json:"location,omitempty"`
}

type declinePayload struct {
	OrderID int64 `json:"orderId"`
}

// AcceptOrder answers the pending offer for orderID. Any other order id is
// refused with ErrStaleOffer and nothing is sent. When the emit fails the
// offer stays pending.
func (o *Offers) AcceptOrder(orderID int64) error {
	var err error
	o.session.Serial(func() { err = o.respond(orderID, true) })
	return err
}

// DeclineOrder is AcceptOrder's counterpart.
func (o *Offers) DeclineOrder(orderID int64) error {
	var err error
	o.session.Serial(func() { err = o.respond(orderID, false) })
	return err
}

// ClearOrderRequest drops the pending offer without answering it.
func (o *Offers) ClearOrderRequest() {
	o.session.Serial(func() {
		if cur := o.pending(); cur != nil {
			o.finish(StateNone, *cur, nil)
		}
	})
}

// MarkSeen clears the freshness flag once the driver has seen the offer.
func (o *Offers) MarkSeen(orderID int64) bool {
	var ok bool
	o.session.Serial(func() {
		cur := o.pending()
		if cur == nil || cur.OrderID != orderID || !cur.Fresh {
			return
		}
		o.mu.Lock()
		o.current.Fresh = false
		seen := *o.current
		o.mu.Unlock()
		o.feed.Publish(OfferEvent{State: StateOffered, Offer: seen})
		ok = true
	})
	return ok
}

func (o *Offers) pending() *models.DeliveryOffer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return nil
	}
	c := *o.current
	return &c
}

func (o *Offers) respond(orderID int64, accept bool) error {
	cur := o.pending()
	if cur == nil {
		return ErrNoOffer
	}
	if cur.OrderID != orderID {
		return fmt.Errorf("%w: order %d, offered %d", ErrStaleOffer, orderID, cur.OrderID)
	}
	event, state := events.DriverDeclineOrder, StateDeclined
	var payload any = declinePayload{OrderID: orderID}
	if accept {
		event, state = events.DriverAcceptOrder, StateAccepted
		p := acceptPayload{OrderID: orderID}
		if o.loc != nil {
			if s, ok := o.loc.LastSample(); ok {
				l := s.Location
				p.Location = &l
			}
		}
		payload = p
	}
	if err := o.session.Emit(event, payload); err != nil {
		o.logger.Warn("offer response not sent", "order_id", orderID, "event", event, "error", err)
		return fmt.Errorf("%s order %d: %w", state, orderID, err)
	}
	o.finish(state, *cur, nil)
	return nil
}

func (o *Offers) finish(state State, offer models.DeliveryOffer, err error) {
	o.stopTimer()
	o.mu.Lock()
	if o.current != nil && o.current.ID == offer.ID {
		o.current = nil
	}
	o.mu.Unlock()
	switch state {
	case StateAccepted, StateDeclined, StateTimedOut, StateAssigned, StateCancelled:
		o.remember(offer.OrderID, state)
	}
	observability.OfferOutcomes.WithLabelValues(string(state)).Inc()
	o.logger.Info("offer closed", "order_id", offer.OrderID, "offer_id", offer.ID, "state", string(state))
	o.feed.Publish(OfferEvent{State: state, Offer: offer, Err: err})
}

// remember keeps a bounded record of orders answered here so a re-pushed
// request for them is not shown again.
func (o *Offers) remember(orderID int64, state State) {
	if _, ok := o.actioned[orderID]; !ok {
		o.actionedOrder = append(o.actionedOrder, orderID)
	}
	o.actioned[orderID] = state
	for len(o.actionedOrder) > maxActioned {
		delete(o.actioned, o.actionedOrder[0])
		o.actionedOrder = o.actionedOrder[1:]
	}
}

func (o *Offers) startTimer(offer models.DeliveryOffer) {
	o.stopTimer()
	if o.timeout <= 0 {
		return
	}
	o.timer = time.AfterFunc(o.timeout, func() {
		o.session.Serial(func() { o.expire(offer.ID) })
	})
}

func (o *Offers) stopTimer() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// expire auto-declines the offer if it is still the pending one.
func (o *Offers) expire(offerID string) {
	cur := o.pending()
	if cur == nil || cur.ID != offerID {
		return
	}
	o.timer = nil
	err := o.session.Emit(events.DriverDeclineOrder, declinePayload{OrderID: cur.OrderID})
	if err != nil {
		o.logger.Warn("timeout decline not sent", "order_id", cur.OrderID, "error", err)
	}
	o.finish(StateTimedOut, *cur, err)
}

func (o *Offers) discard(event, reason string, args ...any) {
	observability.EventsDiscarded.WithLabelValues(event, reason).Inc()
	o.logger.Debug("event discarded", append([]any{"event", event, "reason", reason}, args...)...)
}

func (o *Offers) onRequest(r wire.OrderRequest) {
	offer, err := wire.NormalizeOffer(r, o.now(), o.defaults)
	if err != nil {
		o.discard(events.OrderRequest, "malformed", "error", err)
		return
	}
	if st, ok := o.actioned[offer.OrderID]; ok {
		o.discard(events.OrderRequest, "already_"+string(st), "order_id", offer.OrderID)
		return
	}
	if cur := o.pending(); cur != nil {
		if cur.OrderID == offer.OrderID {
			o.discard(events.OrderRequest, "duplicate", "order_id", offer.OrderID)
			return
		}
		o.finish(StateSuperseded, *cur, nil)
	}
	o.mu.Lock()
	o.current = &offer
	o.mu.Unlock()
	o.startTimer(offer)
	observability.OfferOutcomes.WithLabelValues(string(StateOffered)).Inc()
	o.logger.Info("offer received", "order_id", offer.OrderID, "offer_id", offer.ID, "amount", offer.Amount, "currency", offer.Currency)
	o.feed.Publish(OfferEvent{State: StateOffered, Offer: offer})
}

// onAssigned closes the offer once the server has picked a driver, whatever
// was answered locally. The order is remembered either way so a late request
// for it is discarded.
func (o *Offers) onAssigned(a wire.DriverAssigned) {
	if a.Key() == 0 {
		return
	}
	state := StateSuperseded
	if d := a.AssignedDriver(); d != nil && d.ID != 0 && d.ID == o.session.UserID() {
		state = StateAssigned
	}
	if cur := o.pending(); cur != nil && cur.OrderID == a.Key() {
		o.finish(state, *cur, nil)
	}
	o.remember(a.Key(), state)
}

func (o *Offers) onCancelled(c wire.OrderCancelled) {
	cur := o.pending()
	if cur == nil || cur.OrderID != c.Key() {
		if c.Key() != 0 {
			o.remember(c.Key(), StateCancelled)
		}
		return
	}
	o.finish(StateCancelled, *cur, nil)
}
