package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arloliu/go-devctl/internal/pool"
)

// tcpConn frames messages over a TCP stream with a 4-byte big-endian length
// prefix. A dedicated receive goroutine performs the blocking reads so that
// ReadMessage can offer bounded waits without breaking frame alignment.
type tcpConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	recvChan chan []byte
	readErr  error // set by the receive goroutine before closing recvChan

	done      chan struct{}
	closeOnce sync.Once
}

// NewTCPConn wraps an established TCP connection in the framed message
// protocol and starts its receive goroutine.
func NewTCPConn(conn net.Conn) Conn {
	c := &tcpConn{
		conn:     conn,
		recvChan: make(chan []byte, 16),
		done:     make(chan struct{}),
	}

	go c.receiveLoop()

	return c
}

// receiveLoop reads framed messages until the connection fails or closes.
func (c *tcpConn) receiveLoop() {
	reader := bufio.NewReader(c.conn)
	lenBuf := make([]byte, 4)

	for {
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			c.failRead(fmt.Errorf("read message length: %w", err))
			return
		}

		msgLen := binary.BigEndian.Uint32(lenBuf)
		if msgLen == 0 || msgLen > MaxMessageSize {
			c.failRead(fmt.Errorf("invalid message length %d", msgLen))
			return
		}

		body := make([]byte, msgLen)
		if _, err := io.ReadFull(reader, body); err != nil {
			c.failRead(fmt.Errorf("read message body: %w", err))
			return
		}

		select {
		case c.recvChan <- body:
		case <-c.done:
			return
		}
	}
}

func (c *tcpConn) failRead(err error) {
	c.readErr = err
	close(c.recvChan)
}

func (c *tcpConn) ReadMessage(timeout time.Duration) ([]byte, error) {
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

func (c *tcpConn) WriteMessage(data []byte, timeout time.Duration) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message length %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if tcpConn, ok := c.conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0)
		}
		err = c.conn.Close()
	})

	return err
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// TCPListener accepts framed TCP message connections.
type TCPListener struct {
	listener *net.TCPListener
}

// ListenTCP binds a TCP listener on the given address ("host:port").
func ListenTCP(addr string) (*TCPListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	tcpListener, ok := l.(*net.TCPListener)
	if !ok {
		_ = l.Close()
		return nil, fmt.Errorf("listener on %s is not TCP", addr)
	}

	return &TCPListener{listener: tcpListener}, nil
}

func (l *TCPListener) Accept(timeout time.Duration) (Conn, error) {
	if err := l.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set accept deadline: %w", err)
	}

	conn, err := l.listener.Accept()
	if err != nil {
		if IsTimeout(err) {
			return nil, ErrTimeout
		}

		return nil, ErrClosed
	}

	return NewTCPConn(conn), nil
}

func (l *TCPListener) Close() error {
	return l.listener.Close()
}

func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// TCPDialer opens framed TCP message connections to a remote server.
type TCPDialer struct {
	Host string
	Port int
}

func (d *TCPDialer) Dial(ctx context.Context, timeout time.Duration) (Conn, error) {
	address := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	return NewTCPConn(conn), nil
}
