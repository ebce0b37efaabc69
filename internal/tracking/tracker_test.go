package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/order-tracking/internal/events"
	"github.com/example/order-tracking/internal/logging"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/storage"
)

type fakeSession struct {
	mu        sync.Mutex
	reg       *events.Registry
	connected bool
	joins     []int64
	forgotten []int64
}

func newFakeSession(connected bool) *fakeSession {
	return &fakeSession{reg: events.NewRegistry(), connected: connected}
}

func (f *fakeSession) On(event string, h events.Handler) { f.reg.On(event, h) }

func (f *fakeSession) JoinOrderRoom(id int64) error {
	f.joins = append(f.joins, id)
	return nil
}

func (f *fakeSession) ForgetOrderRoom(id int64) { f.forgotten = append(f.forgotten, id) }

func (f *fakeSession) IsConnected() bool { return f.connected }

func (f *fakeSession) Serial(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeSession) push(event, body string) {
	f.Serial(func() { f.reg.Dispatch(event, json.RawMessage(body)) })
}

type fakeAPI struct {
	order *models.Order
	err   error
	got   models.CreateOrderRequest
}

func (a *fakeAPI) CreateOrder(_ context.Context, req models.CreateOrderRequest) (*models.Order, error) {
	a.got = req
	if a.err != nil {
		return nil, a.err
	}
	o := *a.order
	return &o, nil
}

func newTracker(s *fakeSession, opts ...Option) *Tracker {
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(s, &fakeAPI{}, opts...)
}

func mustSnapshot(t *testing.T, tr *Tracker) models.OrderSnapshot {
	t.Helper()
	s, ok := tr.Snapshot()
	if !ok {
		t.Fatalf("expected a tracked order")
	}
	return s
}

func TestCreateOrderJoinsRoomAndFollowsStatus(t *testing.T) {
	s := newFakeSession(true)
	api := &fakeAPI{order: &models.Order{ID: 501, Status: models.StatusPending, Total: 42.50, PaymentMethod: "cash"}}
	tr := New(s, api, WithLogger(logging.Discard()))

	o, err := tr.CreateOrder(context.Background(), models.CreateOrderRequest{Total: 42.50, PaymentMethod: "cash"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.ID != 501 {
		t.Fatalf("order id = %d", o.ID)
	}
	if len(s.joins) != 1 || s.joins[0] != 501 {
		t.Fatalf("expected join of 501, got %v", s.joins)
	}

	s.push(events.OrderStatusUpdated, `{"orderId":501,"status":"confirmed"}`)
	snap := mustSnapshot(t, tr)
	if snap.Status != models.StatusConfirmed || snap.Step != 1 || snap.Label == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Order == nil || snap.Order.Total != 42.50 {
		t.Fatalf("order details lost: %+v", snap.Order)
	}
}

func TestCreateOrderFailure(t *testing.T) {
	s := newFakeSession(true)
	tr := New(s, &fakeAPI{err: errors.New("restaurant closed")}, WithLogger(logging.Discard()))
	if _, err := tr.CreateOrder(context.Background(), models.CreateOrderRequest{}); err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := tr.Snapshot(); ok || len(s.joins) != 0 {
		t.Fatalf("failed create must not track or join")
	}
}

func TestOfflineTrackRejoinsOnConnect(t *testing.T) {
	s := newFakeSession(false)
	tr := newTracker(s)
	tr.Track(models.Order{ID: 501, Status: models.StatusPending})
	if len(s.joins) != 0 {
		t.Fatalf("joined while offline")
	}
	if !mustSnapshot(t, tr).Stale {
		t.Fatalf("expected stale snapshot while offline")
	}

	s.connected = true
	s.push(events.Connect, "")
	if len(s.joins) != 1 || s.joins[0] != 501 {
		t.Fatalf("expected rejoin of 501, got %v", s.joins)
	}
	if mustSnapshot(t, tr).Stale {
		t.Fatalf("stale flag not cleared on connect")
	}
}

func TestOtherOrderStatusIgnored(t *testing.T) {
	s := newFakeSession(true)
	tr := newTracker(s)
	tr.Track(models.Order{ID: 7, Status: models.StatusConfirmed})

	s.push(events.OrderStatusUpdated, `{"orderId":8,"status":"preparing"}`)
	if got := mustSnapshot(t, tr).Status; got != models.StatusConfirmed {
		t.Fatalf("order 7 changed by order 8's event: %s", got)
	}
}

func TestCancellationIsTerminal(t *testing.T) {
	s := newFakeSession(true)
	tr := newTracker(s)
	tr.Track(models.Order{ID: 7, Status: models.StatusPreparing})

	s.push(events.OrderCancelled, `{"orderId":7,"reason":"restaurant closed"}`)
	s.push(events.OrderStatusUpdated, `{"orderId":7,"status":"preparing"}`)
	s.push(events.DriverAssigned, `{"orderId":7,"driver":{"id":3,"name":"Minh"}}`)

	snap := mustSnapshot(t, tr)
	if snap.Status != models.StatusCancelled || snap.Driver != nil {
		t.Fatalf("cancelled order reopened: %+v", snap)
	}

	// a terminal order is not rejoined
	s.push(events.Connect, "")
	if len(s.joins) != 1 {
		t.Fatalf("terminal order rejoined: %v", s.joins)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		name  string
		from  models.OrderStatus
		event string
		want  models.OrderStatus
	}{
		{"forward", models.StatusConfirmed, "preparing", models.StatusPreparing},
		{"skip ahead", models.StatusConfirmed, "out_for_delivery", models.StatusOutForDelivery},
		{"backward dropped", models.StatusPreparing, "confirmed", models.StatusPreparing},
		{"unknown dropped", models.StatusPreparing, "teleported", models.StatusPreparing},
		{"hyphenated alias", models.StatusPreparing, "ready-for-pickup", models.StatusReadyForPickup},
		{"delivered final", models.StatusDelivered, "cancelled", models.StatusDelivered},
		{"cancel any time", models.StatusPending, "cancelled", models.StatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newFakeSession(true)
			tr := newTracker(s)
			tr.Track(models.Order{ID: 1, Status: tc.from})
			s.push(events.OrderStatusUpdated, `{"orderId":1,"status":"`+tc.event+`"}`)
			if got := mustSnapshot(t, tr).Status; got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestDriverAssigned(t *testing.T) {
	s := newFakeSession(true)
	tr := newTracker(s)
	tr.Track(models.Order{ID: 7, Status: models.StatusPreparing})
	if !mustSnapshot(t, tr).Searching {
		t.Fatalf("expected searching before assignment")
	}

	s.push(events.DriverAssigned, `{"order":{"id":8},"driver":{"id":4}}`)
	if mustSnapshot(t, tr).Driver != nil {
		t.Fatalf("assignment for order 8 applied to 7")
	}

	s.push(events.DriverAssigned, `{"order":{"id":7,"status":"delivered"},"driver":{"id":3,"fullName":"Minh","licensePlate":"59A-123"},"location":{"lat":10.77,"lng":106.70}}`)
	snap := mustSnapshot(t, tr)
	if snap.Driver == nil || snap.Driver.ID != 3 || snap.Driver.Name != "Minh" || snap.Driver.Vehicle.Plate != "59A-123" {
		t.Fatalf("unexpected driver %+v", snap.Driver)
	}
	if snap.Status != models.StatusPreparing {
		t.Fatalf("assignment changed status to %s", snap.Status)
	}
	if snap.DriverLocation == nil || snap.DriverLocation.Latitude != 10.77 {
		t.Fatalf("initial location not set: %+v", snap.DriverLocation)
	}
	if snap.Searching {
		t.Fatalf("still searching after assignment")
	}
}

func TestLocationFilter(t *testing.T) {
	cases := []struct {
		name    string
		filter  bool
		body    string
		applied bool
	}{
		{"same order", true, `{"orderId":7,"location":{"latitude":10.8,"longitude":106.6}}`, true},
		{"no order id", true, `{"latitude":10.8,"longitude":106.6}`, true},
		{"other order filtered", true, `{"orderId":8,"location":{"latitude":10.8,"longitude":106.6}}`, false},
		{"other order unfiltered", false, `{"orderId":8,"location":{"latitude":10.8,"longitude":106.6}}`, true},
		{"zero point", true, `{"orderId":7,"location":{"latitude":0,"longitude":0}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newFakeSession(true)
			tr := newTracker(s, WithLocationFilter(tc.filter))
			tr.Track(models.Order{ID: 7, Status: models.StatusOutForDelivery})
			s.push(events.DriverLocationUpdate, tc.body)
			got := mustSnapshot(t, tr).DriverLocation != nil
			if got != tc.applied {
				t.Fatalf("applied = %v, want %v", got, tc.applied)
			}
		})
	}
}

func TestNewOrderBaselineAndMerge(t *testing.T) {
	s := newFakeSession(true)
	tr := newTracker(s)

	s.push(events.NewOrder, `{"order":{"id":12,"status":"confirmed","total":"99.5"}}`)
	snap := mustSnapshot(t, tr)
	if snap.OrderID != 12 || snap.Status != models.StatusConfirmed || snap.Order.Total != 99.5 {
		t.Fatalf("unexpected baseline %+v", snap)
	}
	if len(s.joins) != 1 || s.joins[0] != 12 {
		t.Fatalf("expected join of 12, got %v", s.joins)
	}

	s.push(events.NewOrder, `{"id":12,"status":"pending","restaurant":{"id":3,"name":"Pho 24"}}`)
	snap = mustSnapshot(t, tr)
	if snap.Status != models.StatusConfirmed {
		t.Fatalf("merge regressed status to %s", snap.Status)
	}
	if snap.Order.RestaurantName != "Pho 24" || snap.Order.Total != 99.5 {
		t.Fatalf("merge lost fields: %+v", snap.Order)
	}

	s.push(events.NewOrder, `{"id":13,"status":"pending"}`)
	if mustSnapshot(t, tr).OrderID != 12 {
		t.Fatalf("active order replaced by a push for another order")
	}
}

func TestDisconnectMarksStale(t *testing.T) {
	s := newFakeSession(true)
	tr := newTracker(s)
	tr.Track(models.Order{ID: 7, Status: models.StatusPreparing})

	s.connected = false
	s.push(events.Disconnect, "")
	snap := mustSnapshot(t, tr)
	if !snap.Stale || snap.Status != models.StatusPreparing {
		t.Fatalf("expected stale snapshot with data kept, got %+v", snap)
	}
}

func TestTerminalGraceClears(t *testing.T) {
	s := newFakeSession(true)
	tr := newTracker(s, WithTerminalGrace(10*time.Millisecond))
	tr.Track(models.Order{ID: 7, Status: models.StatusOutForDelivery})
	s.push(events.OrderStatusUpdated, `{"orderId":7,"status":"delivered"}`)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tr.Snapshot(); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("delivered order not cleared after grace")
}

func TestSubscribe(t *testing.T) {
	s := newFakeSession(true)
	tr := newTracker(s)
	var got []models.OrderStatus
	unsub := tr.Subscribe(func(snap models.OrderSnapshot) { got = append(got, snap.Status) })

	tr.Track(models.Order{ID: 7, Status: models.StatusPending})
	s.push(events.OrderStatusUpdated, `{"orderId":7,"status":"confirmed"}`)
	unsub()
	s.push(events.OrderStatusUpdated, `{"orderId":7,"status":"preparing"}`)

	if len(got) != 2 || got[1] != models.StatusConfirmed {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestClearForgetsRoom(t *testing.T) {
	s := newFakeSession(true)
	tr := newTracker(s)
	tr.Track(models.Order{ID: 7, Status: models.StatusPending})
	tr.Clear()
	if _, ok := tr.Snapshot(); ok {
		t.Fatalf("snapshot survived clear")
	}
	if len(s.forgotten) != 1 || s.forgotten[0] != 7 {
		t.Fatalf("room not forgotten: %v", s.forgotten)
	}
	// events after clear are cross-talk
	s.push(events.OrderStatusUpdated, `{"orderId":7,"status":"confirmed"}`)
	if _, ok := tr.Snapshot(); ok {
		t.Fatalf("event re-created a cleared snapshot")
	}
}

func TestPersistAndResume(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	s := newFakeSession(true)
	tr := newTracker(s, WithStore(store))
	tr.Track(models.Order{ID: 33, Status: models.StatusPending})
	s.push(events.OrderStatusUpdated, `{"orderId":33,"status":"preparing"}`)
	tr.Close()

	saved, err := store.Load(ctx, 33)
	if err != nil || saved.Status != models.StatusPreparing {
		t.Fatalf("unexpected persisted snapshot %+v %v", saved, err)
	}

	s2 := newFakeSession(true)
	tr2 := newTracker(s2, WithStore(store))
	defer tr2.Close()
	snap, err := tr2.Resume(ctx, 33)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.Status != models.StatusPreparing || len(s2.joins) != 1 || s2.joins[0] != 33 {
		t.Fatalf("unexpected resume %+v joins %v", snap, s2.joins)
	}
	if _, err := tr2.Resume(ctx, 404); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResumeWithoutStore(t *testing.T) {
	tr := newTracker(newFakeSession(true))
	if _, err := tr.Resume(context.Background(), 1); !errors.Is(err, ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

// laggingStore always returns the snapshot it was seeded with.
type laggingStore struct{ snap models.OrderSnapshot }

func (l laggingStore) Save(context.Context, models.OrderSnapshot) error { return errors.New("write failed") }

func (l laggingStore) Load(context.Context, int64) (models.OrderSnapshot, error) { return l.snap, nil }

func (l laggingStore) Delete(context.Context, int64) error { return nil }

func TestResumeKeepsCancelledOrderTerminal(t *testing.T) {
	s := newFakeSession(true)
	tr := newTracker(s, WithStore(laggingStore{models.OrderSnapshot{OrderID: 9, Status: models.StatusPending}}))
	defer tr.Close()
	tr.Track(models.Order{ID: 9, Status: models.StatusOutForDelivery})
	s.push(events.OrderCancelled, `{"orderId":9}`)

	snap, err := tr.Resume(context.Background(), 9)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.Status != models.StatusCancelled || len(s.joins) != 1 {
		t.Fatalf("resume reopened the order: %+v joins %v", snap, s.joins)
	}
	s.push(events.OrderStatusUpdated, `{"orderId":9,"status":"preparing"}`)
	if got := mustSnapshot(t, tr); got.Status != models.StatusCancelled {
		t.Fatalf("status after push = %s", got.Status)
	}
}

func TestResumeLiveOrderNeverMovesBackward(t *testing.T) {
	s := newFakeSession(true)
	drv := &models.Driver{ID: 4, Name: "Lan"}
	tr := newTracker(s, WithStore(laggingStore{models.OrderSnapshot{OrderID: 9, Status: models.StatusConfirmed, Driver: drv}}))
	defer tr.Close()
	tr.Track(models.Order{ID: 9, Status: models.StatusPreparing})

	snap, err := tr.Resume(context.Background(), 9)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.Status != models.StatusPreparing {
		t.Fatalf("status moved backward to %s", snap.Status)
	}
	if snap.Driver == nil || snap.Driver.ID != 4 {
		t.Fatalf("stored driver not filled in: %+v", snap.Driver)
	}
}
