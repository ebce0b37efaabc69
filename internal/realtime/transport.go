package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is the part of a websocket connection the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WSDialer opens gorilla websocket connections with a client-side keepalive.
type WSDialer struct {
	Dialer       *websocket.Dialer
	PingInterval time.Duration
}

func NewWSDialer(pingInterval time.Duration) *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		PingInterval: pingInterval,
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, resp, err := d.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (handshake status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	wc := &wsConn{conn: c, done: make(chan struct{})}
	if d.PingInterval > 0 {
		wc.keepalive(d.PingInterval)
	}
	return wc, nil
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

func (c *wsConn) ReadMessage() (int, []byte, error) { return c.conn.ReadMessage() }

func (c *wsConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// keepalive pings every interval; a peer silent for two intervals is dead
// and the pending read fails, which the session reports as a drop.
func (c *wsConn) keepalive(interval time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * interval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * interval))
	})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-c.done:
				return
			}
		}
	}()
}
