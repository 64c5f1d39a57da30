package transport

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connPair binds a listener, dials it, and returns both ends.
func connPair(t *testing.T, listen func() (Listener, Dialer)) (server Conn, client Conn) {
	t.Helper()

	l, d := listen()
	t.Cleanup(func() { _ = l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	dialed := make(chan Conn, 1)
	go func() {
		c, err := d.Dial(ctx, time.Second)
		if err == nil {
			dialed <- c
		}
	}()

	accepted, err := l.Accept(2 * time.Second)
	require.NoError(t, err)

	select {
	case client = <-dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("dial did not complete")
	}

	t.Cleanup(func() {
		_ = accepted.Close()
		_ = client.Close()
	})

	return accepted, client
}

func tcpPair(t *testing.T) (Conn, Conn) {
	return connPair(t, func() (Listener, Dialer) {
		l, err := ListenTCP("127.0.0.1:0")
		require.NoError(t, err)

		port := l.Addr().(*net.TCPAddr).Port
		return l, &TCPDialer{Host: "127.0.0.1", Port: port}
	})
}

func wsPair(t *testing.T) (Conn, Conn) {
	return connPair(t, func() (Listener, Dialer) {
		l, err := ListenWS("127.0.0.1:0")
		require.NoError(t, err)

		port := l.Addr().(*net.TCPAddr).Port
		return l, &WSDialer{URL: fmt.Sprintf("ws://127.0.0.1:%d/", port)}
	})
}

func testRoundTrip(t *testing.T, server, client Conn) {
	t.Helper()

	require.NoError(t, client.WriteMessage([]byte(`{"n":1}`), time.Second))
	require.NoError(t, client.WriteMessage([]byte(`{"n":2}`), time.Second))

	msg, err := server.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(msg))

	msg, err = server.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(msg))

	require.NoError(t, server.WriteMessage([]byte(`["status",["x","op",1]]`), time.Second))
	msg, err = client.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, `["status",["x","op",1]]`, string(msg))
}

func TestTCP_RoundTrip(t *testing.T) {
	server, client := tcpPair(t)
	testRoundTrip(t, server, client)
}

func TestWS_RoundTrip(t *testing.T) {
	server, client := wsPair(t)
	testRoundTrip(t, server, client)
}

func TestTCP_ReadTimeout(t *testing.T) {
	server, _ := tcpPair(t)

	start := time.Now()
	_, err := server.ReadMessage(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTCP_ReadAfterPeerClose(t *testing.T) {
	server, client := tcpPair(t)

	require.NoError(t, client.Close())

	_, err := server.ReadMessage(time.Second)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
}

func TestWS_ReadAfterPeerClose(t *testing.T) {
	server, client := wsPair(t)

	require.NoError(t, client.Close())

	_, err := server.ReadMessage(time.Second)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
}

func TestListener_AcceptTimeout(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Accept(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestListener_AcceptAfterClose(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrClosed)
}

func TestConn_CloseIdempotent(t *testing.T) {
	server, client := tcpPair(t)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	_ = server
}
