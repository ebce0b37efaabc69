// Package httpapi is the local status API a UI process uses to drive and
// observe the tracking session.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/order-tracking/internal/backend"
	"github.com/example/order-tracking/internal/dispatch"
	"github.com/example/order-tracking/internal/location"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/realtime"
	"github.com/example/order-tracking/internal/storage"
	"github.com/example/order-tracking/internal/tracking"
)

type Connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() models.ConnState
	LastError() error
	UserID() int64
	Role() models.Role
}

type OrderTracker interface {
	CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error)
	Track(o models.Order)
	Resume(ctx context.Context, orderID int64) (models.OrderSnapshot, error)
	Snapshot() (models.OrderSnapshot, bool)
	Clear()
	Subscribe(fn func(models.OrderSnapshot)) func()
}

type OfferDesk interface {
	Current() (models.DeliveryOffer, bool)
	AcceptOrder(orderID int64) error
	DeclineOrder(orderID int64) error
	MarkSeen(orderID int64) bool
	Subscribe(fn func(dispatch.OfferEvent)) func()
}

type Availability interface {
	SetOnline(ctx context.Context, online bool) error
	Online() bool
	LastSample() (models.Sample, bool)
}

// Deps wires the server. Tracker is set for the customer role, Offers and
// Location for the driver role.
type Deps struct {
	Conn     Connection
	Events   *realtime.Session
	Tracker  OrderTracker
	Offers   OfferDesk
	Location Availability
	Logger   *slog.Logger
}

type Server struct {
	Deps
	Hub    *Hub
	logger *slog.Logger
	mux    *mux.Router
	unsubs []func()
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "httpapi")
	s := &Server{Deps: d, Hub: NewHub(logger), logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	s.subscribe()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/updates", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/session", s.handleSession).Methods("GET")
	api.HandleFunc("/session/connect", s.handleConnect).Methods("POST")
	api.HandleFunc("/session/disconnect", s.handleDisconnect).Methods("POST")

	if s.Tracker != nil {
		api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
		api.HandleFunc("/orders/current", s.handleCurrentOrder).Methods("GET")
		api.HandleFunc("/orders/current", s.handleClearOrder).Methods("DELETE")
		api.HandleFunc("/orders/{order_id:[0-9]+}/track", s.handleTrack).Methods("POST")
		api.HandleFunc("/orders/{order_id:[0-9]+}/resume", s.handleResume).Methods("POST")
	}
	if s.Offers != nil {
		api.HandleFunc("/offers/current", s.handleCurrentOffer).Methods("GET")
		api.HandleFunc("/offers/{order_id:[0-9]+}/accept", s.handleAnswer(true)).Methods("POST")
		api.HandleFunc("/offers/{order_id:[0-9]+}/decline", s.handleAnswer(false)).Methods("POST")
		api.HandleFunc("/offers/{order_id:[0-9]+}/seen", s.handleSeen).Methods("POST")
	}
	if s.Location != nil {
		api.HandleFunc("/driver/online", s.handleOnline).Methods("POST")
		api.HandleFunc("/driver/location", s.handleLocation).Methods("GET")
	}
}

// subscribe forwards domain updates to UI listeners.
func (s *Server) subscribe() {
	if s.Events != nil {
		s.unsubs = append(s.unsubs, s.Events.ConnectionEvents().Subscribe(func(e realtime.ConnectionEvent) {
			s.Hub.Broadcast("connection", sessionView(e.State, e.Err, 0, ""))
		}))
	}
	if s.Tracker != nil {
		s.unsubs = append(s.unsubs, s.Tracker.Subscribe(func(snap models.OrderSnapshot) {
			s.Hub.Broadcast("order", snap)
		}))
	}
	if s.Offers != nil {
		s.unsubs = append(s.unsubs, s.Offers.Subscribe(func(e dispatch.OfferEvent) {
			s.Hub.Broadcast("offer", map[string]any{"state": e.State, "offer": e.Offer})
		}))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close detaches from the session and drops UI listeners.
func (s *Server) Close() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	s.Hub.Close()
}

type sessionResponse struct {
	State     models.ConnState `json:"state"`
	Role      models.Role      `json:"role,omitempty"`
	UserID    int64            `json:"userId,omitempty"`
	LastError string           `json:"lastError,omitempty"`
}

func sessionView(state models.ConnState, err error, userID int64, role models.Role) sessionResponse {
	out := sessionResponse{State: state, UserID: userID, Role: role}
	if err != nil {
		out.LastError = err.Error()
	}
	return out
}

func (s *Server) currentSession() sessionResponse {
	return sessionView(s.Conn.State(), s.Conn.LastError(), s.Conn.UserID(), s.Conn.Role())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSession())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.Conn.Connect(r.Context()); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, realtime.ErrNotAuthenticated):
			status = http.StatusUnauthorized
		case errors.Is(err, realtime.ErrConnectTimeout):
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, s.currentSession())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.Conn.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	o, err := s.Tracker.CreateOrder(r.Context(), req)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			writeError(w, apiErr.Status, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleCurrentOrder(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.Tracker.Snapshot()
	if !ok {
		http.Error(w, "no tracked order", 404)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleClearOrder(w http.ResponseWriter, r *http.Request) {
	s.Tracker.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	s.Tracker.Track(models.Order{ID: id})
	snap, _ := s.Tracker.Snapshot()
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	snap, err := s.Tracker.Resume(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, tracking.ErrNoStore):
		writeError(w, http.StatusNotImplemented, err)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func (s *Server) handleCurrentOffer(w http.ResponseWriter, r *http.Request) {
	offer, ok := s.Offers.Current()
	if !ok {
		http.Error(w, "no active offer", 404)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleAnswer(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := orderID(w, r)
		if !ok {
			return
		}
		var err error
		if accept {
			err = s.Offers.AcceptOrder(id)
		} else {
			err = s.Offers.DeclineOrder(id)
		}
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, dispatch.ErrNoOffer):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, dispatch.ErrStaleOffer):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, realtime.ErrNotConnected):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusBadGateway, err)
		}
	}
}

func (s *Server) handleSeen(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if !s.Offers.MarkSeen(id) {
		http.Error(w, "no fresh offer for order", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.Location.SetOnline(r.Context(), body.Online); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, location.ErrPermissionDenied) {
			status = http.StatusForbidden
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.Location.Online()})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	sample, ok := s.Location.LastSample()
	if !ok {
		http.Error(w, "no position yet", 404)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// The status API binds to loopback; any local origin may listen.
var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "error", err)
		return
	}
	id := newID()
	s.Hub.Add(id, conn)
	s.Hub.Broadcast("connection", s.currentSession())
}

var errInvalidOrderID = errors.New("order id must be a positive integer")

// orderID reads the route's order id and answers 400 when it is not usable.
func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["order_id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errInvalidOrderID)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
