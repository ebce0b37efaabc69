package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/order-tracking/internal/backend"
	"github.com/example/order-tracking/internal/dispatch"
	"github.com/example/order-tracking/internal/events"
	"github.com/example/order-tracking/internal/location"
	"github.com/example/order-tracking/internal/logging"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/realtime"
	"github.com/example/order-tracking/internal/storage"
)

type fakeConn struct {
	state       models.ConnState
	connectErr  error
	role        models.Role
	disconnects int
}

func (f *fakeConn) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = models.StateConnected
	return nil
}

func (f *fakeConn) Disconnect()             { f.disconnects++; f.state = models.StateDisconnected }
func (f *fakeConn) State() models.ConnState { return f.state }
func (f *fakeConn) LastError() error        { return f.connectErr }
func (f *fakeConn) UserID() int64           { return 7 }
func (f *fakeConn) Role() models.Role       { return f.role }

type fakeTracker struct {
	snap      *models.OrderSnapshot
	createErr error
	resumeErr error
	feed      events.Feed[models.OrderSnapshot]
}

func (f *fakeTracker) CreateOrder(_ context.Context, req models.CreateOrderRequest) (*models.Order, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	o := &models.Order{ID: 501, Status: models.StatusPending}
	f.Track(*o)
	return o, nil
}

func (f *fakeTracker) Track(o models.Order) {
	f.snap = &models.OrderSnapshot{OrderID: o.ID, Status: models.StatusPending}
	f.feed.Publish(*f.snap)
}

func (f *fakeTracker) Resume(_ context.Context, id int64) (models.OrderSnapshot, error) {
	if f.resumeErr != nil {
		return models.OrderSnapshot{}, f.resumeErr
	}
	f.snap = &models.OrderSnapshot{OrderID: id, Status: models.StatusOutForDelivery}
	return *f.snap, nil
}

func (f *fakeTracker) Snapshot() (models.OrderSnapshot, bool) {
	if f.snap == nil {
		return models.OrderSnapshot{}, false
	}
	return *f.snap, true
}

func (f *fakeTracker) Clear() { f.snap = nil }

func (f *fakeTracker) Subscribe(fn func(models.OrderSnapshot)) func() { return f.feed.Subscribe(fn) }

type fakeOffers struct {
	current *models.DeliveryOffer
	answers []string
	feed    events.Feed[dispatch.OfferEvent]
}

func (f *fakeOffers) Current() (models.DeliveryOffer, bool) {
	if f.current == nil {
		return models.DeliveryOffer{}, false
	}
	return *f.current, true
}

func (f *fakeOffers) answer(kind string, id int64) error {
	if f.current == nil {
		return dispatch.ErrNoOffer
	}
	if f.current.OrderID != id {
		return dispatch.ErrStaleOffer
	}
	f.answers = append(f.answers, kind)
	f.current = nil
	return nil
}

func (f *fakeOffers) AcceptOrder(id int64) error  { return f.answer("accept", id) }
func (f *fakeOffers) DeclineOrder(id int64) error { return f.answer("decline", id) }

func (f *fakeOffers) MarkSeen(id int64) bool {
	return f.current != nil && f.current.OrderID == id && f.current.Fresh
}

func (f *fakeOffers) Subscribe(fn func(dispatch.OfferEvent)) func() { return f.feed.Subscribe(fn) }

type fakeAvailability struct {
	online bool
	denied bool
	sample *models.Sample
}

func (f *fakeAvailability) SetOnline(_ context.Context, on bool) error {
	if on && f.denied {
		return location.ErrPermissionDenied
	}
	f.online = on
	return nil
}

func (f *fakeAvailability) Online() bool { return f.online }

func (f *fakeAvailability) LastSample() (models.Sample, bool) {
	if f.sample == nil {
		return models.Sample{}, false
	}
	return *f.sample, true
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessionEndpoints(t *testing.T) {
	conn := &fakeConn{state: models.StateDisconnected, role: models.RoleCustomer}
	s := NewServer(Deps{Conn: conn, Logger: logging.Discard()})
	defer s.Close()

	rec := do(t, s, "POST", "/api/v1/session/connect", "")
	if rec.Code != 200 {
		t.Fatalf("connect status %d", rec.Code)
	}
	var body sessionResponse
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body.State != models.StateConnected || body.UserID != 7 || body.Role != models.RoleCustomer {
		t.Fatalf("unexpected body %+v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}

	if rec := do(t, s, "POST", "/api/v1/session/disconnect", ""); rec.Code != 204 || conn.disconnects != 1 {
		t.Fatalf("disconnect status %d, calls %d", rec.Code, conn.disconnects)
	}
}

func TestConnectErrorsMapped(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{realtime.ErrNotAuthenticated, 401},
		{realtime.ErrConnectTimeout, 504},
		{errors.New("dial: refused"), 502},
	}
	for _, tc := range cases {
		s := NewServer(Deps{Conn: &fakeConn{connectErr: tc.err}, Logger: logging.Discard()})
		if rec := do(t, s, "POST", "/api/v1/session/connect", ""); rec.Code != tc.want {
			t.Fatalf("%v: status %d, want %d", tc.err, rec.Code, tc.want)
		}
		s.Close()
	}
}

func TestOrderEndpoints(t *testing.T) {
	tr := &fakeTracker{}
	s := NewServer(Deps{Conn: &fakeConn{}, Tracker: tr, Logger: logging.Discard()})
	defer s.Close()

	if rec := do(t, s, "GET", "/api/v1/orders/current", ""); rec.Code != 404 {
		t.Fatalf("expected 404 without an order, got %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/v1/orders", "{bad"); rec.Code != 400 {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
	rec := do(t, s, "POST", "/api/v1/orders", `{"restaurantId":3}`)
	if rec.Code != 201 {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, "GET", "/api/v1/orders/current", "")
	var snap models.OrderSnapshot
	_ = json.NewDecoder(rec.Body).Decode(&snap)
	if rec.Code != 200 || snap.OrderID != 501 {
		t.Fatalf("current order %d %+v", rec.Code, snap)
	}
	if rec := do(t, s, "DELETE", "/api/v1/orders/current", ""); rec.Code != 204 || tr.snap != nil {
		t.Fatalf("clear status %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/v1/orders/88/track", ""); rec.Code != 202 || tr.snap.OrderID != 88 {
		t.Fatalf("track status %d", rec.Code)
	}
}

func TestCreateOrderPassesClientErrors(t *testing.T) {
	tr := &fakeTracker{createErr: &backend.APIError{Status: 422, Message: "restaurant closed"}}
	s := NewServer(Deps{Conn: &fakeConn{}, Tracker: tr, Logger: logging.Discard()})
	defer s.Close()
	if rec := do(t, s, "POST", "/api/v1/orders", `{}`); rec.Code != 422 {
		t.Fatalf("status %d", rec.Code)
	}
	tr.createErr = &backend.APIError{Status: 503}
	if rec := do(t, s, "POST", "/api/v1/orders", `{}`); rec.Code != 502 {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestResumeErrorsMapped(t *testing.T) {
	tr := &fakeTracker{}
	s := NewServer(Deps{Conn: &fakeConn{}, Tracker: tr, Logger: logging.Discard()})
	defer s.Close()
	if rec := do(t, s, "POST", "/api/v1/orders/9/resume", ""); rec.Code != 200 {
		t.Fatalf("resume status %d", rec.Code)
	}
	tr.resumeErr = storage.ErrNotFound
	if rec := do(t, s, "POST", "/api/v1/orders/9/resume", ""); rec.Code != 404 {
		t.Fatalf("missing snapshot status %d", rec.Code)
	}
}

func TestOfferEndpoints(t *testing.T) {
	offers := &fakeOffers{current: &models.DeliveryOffer{ID: "x", OrderID: 11, Fresh: true}}
	s := NewServer(Deps{Conn: &fakeConn{role: models.RoleDriver}, Offers: offers, Logger: logging.Discard()})
	defer s.Close()

	if rec := do(t, s, "GET", "/api/v1/offers/current", ""); rec.Code != 200 {
		t.Fatalf("current offer status %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/v1/offers/11/seen", ""); rec.Code != 204 {
		t.Fatalf("seen status %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/v1/offers/10/accept", ""); rec.Code != 409 {
		t.Fatalf("stale accept status %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/v1/offers/11/decline", ""); rec.Code != 204 {
		t.Fatalf("decline status %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/v1/offers/11/accept", ""); rec.Code != 404 {
		t.Fatalf("accept after decline status %d", rec.Code)
	}
	if len(offers.answers) != 1 || offers.answers[0] != "decline" {
		t.Fatalf("answers %v", offers.answers)
	}
	if rec := do(t, s, "GET", "/api/v1/orders/current", ""); rec.Code != 404 && rec.Code != 405 {
		t.Fatalf("customer routes mounted for a driver: %d", rec.Code)
	}
}

func TestDriverOnline(t *testing.T) {
	avail := &fakeAvailability{denied: true}
	s := NewServer(Deps{Conn: &fakeConn{}, Location: avail, Logger: logging.Discard()})
	defer s.Close()

	if rec := do(t, s, "POST", "/api/v1/driver/online", `{"online":true}`); rec.Code != 403 {
		t.Fatalf("denied status %d", rec.Code)
	}
	avail.denied = false
	rec := do(t, s, "POST", "/api/v1/driver/online", `{"online":true}`)
	if rec.Code != 200 || !avail.online {
		t.Fatalf("online status %d", rec.Code)
	}
	if rec := do(t, s, "GET", "/api/v1/driver/location", ""); rec.Code != 404 {
		t.Fatalf("location without sample status %d", rec.Code)
	}
	avail.sample = &models.Sample{Location: models.Location{Latitude: 10, Longitude: 106}}
	if rec := do(t, s, "GET", "/api/v1/driver/location", ""); rec.Code != 200 {
		t.Fatalf("location status %d", rec.Code)
	}
}

func TestUpdatesStream(t *testing.T) {
	tr := &fakeTracker{}
	s := NewServer(Deps{Conn: &fakeConn{}, Tracker: tr, Logger: logging.Discard()})
	defer s.Close()
	srv := httptest.NewServer(s)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/updates", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Update
	if err := ws.ReadJSON(&first); err != nil || first.Event != "connection" {
		t.Fatalf("first frame %+v, %v", first, err)
	}
	tr.Track(models.Order{ID: 42})

	var next struct {
		Event string               `json:"event"`
		Data  models.OrderSnapshot `json:"data"`
	}
	if err := ws.ReadJSON(&next); err != nil {
		t.Fatalf("read: %v", err)
	}
	if next.Event != "order" || next.Data.OrderID != 42 {
		t.Fatalf("unexpected frame %+v", next)
	}
}

func TestOrderIDValidated(t *testing.T) {
	tr := &fakeTracker{}
	offers := &fakeOffers{current: &models.DeliveryOffer{ID: "x", OrderID: 11, Fresh: true}}
	s := NewServer(Deps{Conn: &fakeConn{}, Tracker: tr, Offers: offers, Logger: logging.Discard()})
	defer s.Close()

	for _, path := range []string{
		"/api/v1/orders/99999999999999999999/track",
		"/api/v1/orders/0/track",
		"/api/v1/orders/0/resume",
		"/api/v1/offers/0/accept",
		"/api/v1/offers/00/decline",
		"/api/v1/offers/0/seen",
	} {
		if rec := do(t, s, "POST", path, ""); rec.Code != 400 {
			t.Fatalf("%s: status %d, want 400", path, rec.Code)
		}
	}
	if tr.snap != nil {
		t.Fatalf("invalid id reached the tracker: %+v", tr.snap)
	}
	if len(offers.answers) != 0 || offers.current == nil {
		t.Fatalf("invalid id answered the offer: %v", offers.answers)
	}
}

func TestRequestLogCarriesSession(t *testing.T) {
	var buf bytes.Buffer
	conn := &fakeConn{state: models.StateConnected, role: models.RoleDriver}
	offers := &fakeOffers{current: &models.DeliveryOffer{ID: "x", OrderID: 11, Fresh: true}}
	s := NewServer(Deps{Conn: conn, Offers: offers, Logger: logging.NewLoggerTo(&buf, "info")})
	defer s.Close()

	if rec := do(t, s, "POST", "/api/v1/offers/11/seen", ""); rec.Code != 204 {
		t.Fatalf("seen status %d", rec.Code)
	}
	line := buf.String()
	for _, want := range []string{`"role":"driver"`, `"session_state":"connected"`, `"order_id":"11"`, `"route":"/api/v1/offers/{order_id:[0-9]+}/seen"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line missing %s: %s", want, line)
		}
	}

	buf.Reset()
	do(t, s, "GET", "/healthz", "")
	if buf.Len() != 0 {
		t.Fatalf("health check logged at info: %s", buf.String())
	}
}
