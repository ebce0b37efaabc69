// Package realtime owns the authenticated socket: connecting, reconnect
// bookkeeping, inbound dispatch and order room membership.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/order-tracking/internal/credentials"
	"github.com/example/order-tracking/internal/events"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/observability"
	"github.com/example/order-tracking/internal/wire"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotConnected     = errors.New("not connected")
	ErrConnectTimeout   = errors.New("connect timed out")
	ErrConnectAborted   = errors.New("connect aborted")
)

const defaultConnectTimeout = 10 * time.Second

type Options struct {
	URL            string
	Role           models.Role
	ConnectTimeout time.Duration
}

// ConnectionEvent is published on every connection state change. Err is set
// for failed attempts, unexpected drops and server error frames.
type ConnectionEvent struct {
	State models.ConnState
	Err   error
}

// Session is one role's real-time channel. Inbound events, connection
// pseudo-events and Serial callers all run one at a time; components that
// register handlers may rely on that and skip their own locking.
type Session struct {
	opts   Options
	creds  credentials.Store
	dialer Dialer
	logger *slog.Logger

	registry *events.Registry
	conns    events.Feed[ConnectionEvent]
	rooms    *Rooms
	flight   singleflight.Group

	serial sync.Mutex

	mu            sync.RWMutex
	state         models.ConnState
	conn          Conn
	gen           uint64
	lastErr       error
	userID        int64
	abort         context.CancelFunc
	autoAttempted bool
}

func NewSession(opts Options, creds credentials.Store, dialer Dialer, logger *slog.Logger) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		opts:     opts,
		creds:    creds,
		dialer:   dialer,
		logger:   logger.With("role", string(opts.Role)),
		registry: events.NewRegistry(),
	}
	s.rooms = newRooms(s.Emit, s.IsConnected, s.logger, string(opts.Role))
	return s
}

func (s *Session) Role() models.Role { return s.opts.Role }

func (s *Session) State() models.ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsConnected() bool { return s.State() == models.StateConnected }

// LastError is the most recent connection failure, cleared on connect.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// UserID is the identity the current or last connection authenticated as.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) Rooms() *Rooms { return s.rooms }

func (s *Session) JoinOrderRoom(orderID int64) error { return s.rooms.Join(orderID) }

func (s *Session) ForgetOrderRoom(orderID int64) { s.rooms.Forget(orderID) }

// On registers the single handler for event, replacing any previous one.
func (s *Session) On(event string, h events.Handler) { s.registry.On(event, h) }

// ConnectionEvents is the multi-subscriber feed of state changes.
// Subscribers run on the session loop and must not block on session calls.
func (s *Session) ConnectionEvents() *events.Feed[ConnectionEvent] { return &s.conns }

// Serial runs fn on the session loop, after any in-progress event handler.
func (s *Session) Serial(fn func()) {
	s.serial.Lock()
	defer s.serial.Unlock()
	fn()
}

// Connect opens the channel. It is a no-op when connected, and concurrent
// callers share one in-flight attempt. ctx bounds how long this caller waits;
// the attempt itself is bounded by the connect timeout.
func (s *Session) Connect(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}
	ch := s.flight.DoChan("connect", func() (interface{}, error) {
		return nil, s.connect()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connect() error {
	if s.IsConnected() {
		return nil
	}
	role := string(s.opts.Role)
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	defer cancel()

	// The attempt is abortable from here on, including the credential read.
	s.serial.Lock()
	s.mu.Lock()
	s.state = models.StateConnecting
	s.abort = cancel
	gen := s.gen
	s.mu.Unlock()
	s.serial.Unlock()

	creds, err := s.creds.Load(attemptCtx)
	if !s.current(gen) {
		observability.ConnectAttempts.WithLabelValues(role, "aborted").Inc()
		return ErrConnectAborted
	}
	if err != nil || creds.UserID == 0 {
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
		} else {
			err = ErrNotAuthenticated
		}
		observability.ConnectAttempts.WithLabelValues(role, "unauthenticated").Inc()
		s.fail(err)
		return err
	}
	endpoint, err := s.endpoint(creds.UserID)
	if err != nil {
		observability.ConnectAttempts.WithLabelValues(role, "error").Inc()
		s.fail(err)
		return err
	}

	s.serial.Lock()
	if !s.current(gen) {
		s.serial.Unlock()
		observability.ConnectAttempts.WithLabelValues(role, "aborted").Inc()
		return ErrConnectAborted
	}
	s.conns.Publish(ConnectionEvent{State: models.StateConnecting})
	s.serial.Unlock()

	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}
	s.logger.Info("connecting", "user_id", creds.UserID)
	conn, err := s.dialer.Dial(attemptCtx, endpoint, header)
	observability.ConnectLatency.WithLabelValues(role).Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			err = ErrConnectTimeout
			observability.ConnectAttempts.WithLabelValues(role, "timeout").Inc()
		case errors.Is(attemptCtx.Err(), context.Canceled):
			observability.ConnectAttempts.WithLabelValues(role, "aborted").Inc()
			return ErrConnectAborted
		default:
			err = fmt.Errorf("dial: %w", err)
			observability.ConnectAttempts.WithLabelValues(role, "error").Inc()
		}
		s.logger.Warn("connect failed", "error", err)
		s.fail(err)
		return err
	}

	s.serial.Lock()
	defer s.serial.Unlock()
	s.mu.Lock()
	if s.gen != gen {
		// Disconnect ran while dialing.
		s.mu.Unlock()
		go conn.Close()
		observability.ConnectAttempts.WithLabelValues(role, "aborted").Inc()
		return ErrConnectAborted
	}
	s.gen++
	gen = s.gen
	s.conn = conn
	s.state = models.StateConnected
	s.lastErr = nil
	s.userID = creds.UserID
	s.abort = nil
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	observability.ConnectAttempts.WithLabelValues(role, "ok").Inc()
	observability.Connected.WithLabelValues(role).Set(1)
	s.logger.Info("connected", "user_id", creds.UserID, "duration_ms", time.Since(start).Milliseconds())
	s.registry.Dispatch(events.Connect, nil)
	s.conns.Publish(ConnectionEvent{State: models.StateConnected})
	return nil
}

func (s *Session) endpoint(userID int64) (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", fmt.Errorf("socket url: %w", err)
	}
	q := u.Query()
	q.Set("role", s.opts.Role.WireRole())
	q.Set("userId", strconv.FormatInt(userID, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// fail records a failed attempt and reports it as connect_error.
func (s *Session) fail(err error) {
	s.serial.Lock()
	defer s.serial.Unlock()
	s.mu.Lock()
	s.state = models.StateDisconnected
	s.lastErr = err
	s.abort = nil
	s.mu.Unlock()
	data, _ := json.Marshal(wire.ServerError{Message: err.Error()})
	s.registry.Dispatch(events.ConnectError, data)
	s.conns.Publish(ConnectionEvent{State: models.StateDisconnected, Err: err})
}

// Disconnect closes the channel and cancels a pending attempt. Calling it
// while already disconnected does nothing.
func (s *Session) Disconnect() {
	s.serial.Lock()
	defer s.serial.Unlock()
	s.mu.Lock()
	abort := s.abort
	conn := s.conn
	active := s.state != models.StateDisconnected
	s.abort = nil
	s.conn = nil
	s.state = models.StateDisconnected
	s.gen++
	s.mu.Unlock()

	if abort != nil {
		abort()
	}
	if conn != nil {
		go conn.Close()
	}
	s.rooms.Clear()
	if !active {
		return
	}
	observability.Connected.WithLabelValues(string(s.opts.Role)).Set(0)
	s.logger.Info("disconnected")
	s.registry.Dispatch(events.Disconnect, nil)
	s.conns.Publish(ConnectionEvent{State: models.StateDisconnected})
}

// AutoConnect connects once per authentication. Later calls are no-ops
// until Logout; a call without credentials does not use up the attempt.
func (s *Session) AutoConnect(ctx context.Context) error {
	s.mu.Lock()
	if s.autoAttempted {
		s.mu.Unlock()
		return nil
	}
	s.autoAttempted = true
	s.mu.Unlock()

	err := s.Connect(ctx)
	if errors.Is(err, ErrNotAuthenticated) {
		s.mu.Lock()
		s.autoAttempted = false
		s.mu.Unlock()
	}
	return err
}

func (s *Session) Logout() {
	s.Disconnect()
	s.mu.Lock()
	s.autoAttempted = false
	s.userID = 0
	s.mu.Unlock()
}

// Emit sends one event. It fails with ErrNotConnected rather than queueing.
func (s *Session) Emit(event string, payload any) error {
	env, err := events.Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.RLock()
	conn := s.conn
	connected := s.state == models.StateConnected
	s.mu.RUnlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	observability.EventsSent.WithLabelValues(string(s.opts.Role), event).Inc()
	return nil
}

func (s *Session) readLoop(conn Conn, gen uint64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.handleDrop(gen, err)
			return
		}
		if !s.current(gen) {
			return
		}
		s.HandleMessage(msg)
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen == gen
}

// handleDrop reports a transport loss. Drops of a connection that was
// already replaced or closed locally are ignored.
func (s *Session) handleDrop(gen uint64, cause error) {
	s.serial.Lock()
	defer s.serial.Unlock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.conn = nil
	s.state = models.StateDisconnected
	err := fmt.Errorf("connection lost: %w", cause)
	s.lastErr = err
	s.mu.Unlock()

	s.rooms.Clear()
	observability.Connected.WithLabelValues(string(s.opts.Role)).Set(0)
	s.logger.Warn("connection lost", "error", cause)
	s.registry.Dispatch(events.Disconnect, nil)
	s.conns.Publish(ConnectionEvent{State: models.StateDisconnected, Err: err})
}

// HandleMessage decodes one inbound frame and runs its handler on the
// session loop. Frames claiming a connection pseudo-event are dropped.
func (s *Session) HandleMessage(raw []byte) {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		observability.EventsDiscarded.WithLabelValues("unknown", "malformed").Inc()
		s.logger.Debug("malformed frame dropped", "error", err)
		return
	}
	switch env.Event {
	case events.Connect, events.Disconnect, events.ConnectError:
		observability.EventsDiscarded.WithLabelValues(env.Event, "reserved").Inc()
		return
	}
	observability.EventsReceived.WithLabelValues(string(s.opts.Role), env.Event).Inc()

	s.serial.Lock()
	defer s.serial.Unlock()
	if env.Event == events.Error {
		msg, _ := events.Decode[wire.ServerError](env.Data)
		err := fmt.Errorf("server error: %s", msg.Message)
		s.mu.Lock()
		s.lastErr = err
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("server error", "message", msg.Message)
		s.conns.Publish(ConnectionEvent{State: state, Err: err})
	}
	if !s.registry.Dispatch(env.Event, env.Data) {
		s.logger.Debug("unhandled event", "event", env.Event)
	}
}
