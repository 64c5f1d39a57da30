package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arloliu/go-devctl/internal/pool"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // instrument networks are trusted; no origin policy
	},
}

// wsConn adapts a WebSocket connection to the Conn interface. WebSocket
// frames already carry whole messages, so no extra framing is applied; a
// receive goroutine feeds ReadMessage because gorilla/websocket treats any
// read deadline expiry as fatal for the connection.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	recvChan chan []byte
	readErr  error

	done      chan struct{}
	closeOnce sync.Once
}

// NewWSConn wraps an upgraded WebSocket connection and starts its receive
// goroutine.
func NewWSConn(conn *websocket.Conn) Conn {
	conn.SetReadLimit(MaxMessageSize)

	c := &wsConn{
		conn:     conn,
		recvChan: make(chan []byte, 16),
		done:     make(chan struct{}),
	}

	go c.receiveLoop()

	return c
}

func (c *wsConn) receiveLoop() {
	for {
		_, body, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = fmt.Errorf("read message: %w", err)
			close(c.recvChan)
			return
		}

		select {
		case c.recvChan <- body:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) ReadMessage(timeout time.Duration) ([]byte, error) {
	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case body, ok := <-c.recvChan:
		if !ok {
			if c.readErr != nil {
				return nil, c.readErr
			}
			return nil, ErrClosed
		}
		return body, nil

	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (c *wsConn) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})

	return err
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// WSListener accepts WebSocket message connections. Upgraded connections are
// handed from the HTTP handler to Accept over a channel.
type WSListener struct {
	listener net.Listener
	server   *http.Server

	acceptChan chan Conn
	done       chan struct{}
	closeOnce  sync.Once
}

// ListenWS binds an HTTP listener on the given address and upgrades every
// request on path "/" to a WebSocket message connection.
func ListenWS(addr string) (*WSListener, error) {
	netListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	l := &WSListener{
		listener:   netListener,
		acceptChan: make(chan Conn, 4),
		done:       make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.server = &http.Server{Handler: mux}

	go func() {
		// ErrServerClosed is the normal shutdown path
		_ = l.server.Serve(netListener)
	}()

	return l, nil
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := NewWSConn(wsc)

	select {
	case l.acceptChan <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *WSListener) Accept(timeout time.Duration) (Conn, error) {
	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case conn := <-l.acceptChan:
		return conn, nil
	case <-l.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (l *WSListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.server.Close()
	})

	return err
}

func (l *WSListener) Addr() net.Addr {
	return l.listener.Addr()
}

// WSDialer opens WebSocket message connections to a remote server.
type WSDialer struct {
	// URL is the WebSocket endpoint, e.g. "ws://10.0.0.5:5556/".
	URL string
}

func (d *WSDialer) Dial(ctx context.Context, timeout time.Duration) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, d.URL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	return NewWSConn(conn), nil
}
