package server

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-devctl/control"
	"github.com/arloliu/go-devctl/dispatch"
	"github.com/arloliu/go-devctl/logger"
	"github.com/arloliu/go-devctl/transport"
)

func TestMain(m *testing.M) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "error"
	}

	var level logger.Level
	switch logLevel {
	case "debug":
		level = logger.DebugLevel
	case "info":
		level = logger.InfoLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	}

	logger.SetLevel(level)
	os.Exit(m.Run())
}

func echoHandlers() dispatch.HandlerTable {
	return dispatch.HandlerTable{
		"echo": func(target string, args []any, kwargs map[string]any) (any, error) {
			return args[0], nil
		},
	}
}

// newTestServer starts a server over loopback TCP and returns it together
// with a framed connection dialed into it.
func newTestServer(t *testing.T, dispatchers []*dispatch.Dispatcher, opts ...Option) (*Server, transport.Conn) {
	t.Helper()

	listener, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	srv, err := New(context.Background(), listener, dispatchers, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	<-srv.Ready()

	return srv, dialServer(t, srv)
}

func dialServer(t *testing.T, srv *Server) transport.Conn {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", srv.Addr())
	require.NoError(t, err)

	dialer := &transport.TCPDialer{Host: "127.0.0.1", Port: addr.Port}
	conn, err := dialer.Dial(context.Background(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func sendCommand(t *testing.T, conn transport.Conn, cmd control.Command) {
	t.Helper()

	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(data, time.Second))
}

func readEnvelope(t *testing.T, conn transport.Conn, timeout time.Duration) control.Envelope {
	t.Helper()

	data, err := conn.ReadMessage(timeout)
	require.NoError(t, err)

	var env control.Envelope
	require.NoError(t, json.Unmarshal(data, &env))

	return env
}

func newDispatcher(t *testing.T, domain string, handlers dispatch.HandlerTable) *dispatch.Dispatcher {
	t.Helper()

	d, err := dispatch.New(context.Background(), domain, handlers)
	require.NoError(t, err)

	return d
}

func TestServer_Ping(t *testing.T) {
	d := newDispatcher(t, "pump", echoHandlers())
	_, conn := newTestServer(t, []*dispatch.Dispatcher{d})

	sendCommand(t, conn, control.NewCommand("server", "ping", true))

	env := readEnvelope(t, conn, time.Second)
	assert.Equal(t, control.KindResponse, env.Kind)
	assert.Equal(t, "server", env.Target)
	assert.Equal(t, "ping", env.Operation)
	assert.Equal(t, "ping received", env.Value)
}

func TestServer_EchoRoundTrip(t *testing.T) {
	d := newDispatcher(t, "pump", echoHandlers())
	_, conn := newTestServer(t, []*dispatch.Dispatcher{d})

	// single dispatcher, so any target routes to it
	sendCommand(t, conn, control.NewCommand("x", "echo", true, "hello"))

	env := readEnvelope(t, conn, time.Second)
	assert.Equal(t, control.KindResponse, env.Kind)
	assert.Equal(t, "x", env.Target)
	assert.Equal(t, "echo", env.Operation)
	assert.Equal(t, "hello", env.Value)
}

func TestServer_UnsolicitedCommandHasNoReply(t *testing.T) {
	seen := make(chan string, 1)
	handlers := dispatch.HandlerTable{
		"set_flow": func(target string, args []any, kwargs map[string]any) (any, error) {
			seen <- target
			return nil, nil
		},
	}
	d := newDispatcher(t, "pump", handlers)
	_, conn := newTestServer(t, []*dispatch.Dispatcher{d})

	sendCommand(t, conn, control.NewCommand("pump2", "set_flow", false, 1.5))

	select {
	case target := <-seen:
		assert.Equal(t, "pump2", target)
	case <-time.After(time.Second):
		t.Fatal("command not executed")
	}

	// the next reply on the wire is the pong, not an envelope for set_flow
	sendCommand(t, conn, control.NewCommand("server", "ping", true))
	env := readEnvelope(t, conn, time.Second)
	assert.Equal(t, "ping", env.Operation)
}

func TestServer_ResponseTimeoutSynthesizesNull(t *testing.T) {
	handlers := dispatch.HandlerTable{
		"stall": func(target string, args []any, kwargs map[string]any) (any, error) {
			time.Sleep(500 * time.Millisecond)
			return "late", nil
		},
	}
	d := newDispatcher(t, "pump", handlers)
	_, conn := newTestServer(t, []*dispatch.Dispatcher{d},
		WithResponseTimeout(100*time.Millisecond),
	)

	sendCommand(t, conn, control.NewCommand("pump2", "stall", true))

	env := readEnvelope(t, conn, time.Second)
	assert.Equal(t, control.KindResponse, env.Kind)
	assert.Equal(t, "stall", env.Operation)
	assert.Nil(t, env.Value)
}

func TestServer_UnknownTarget(t *testing.T) {
	pump := newDispatcher(t, "pump", echoHandlers())
	valve := newDispatcher(t, "valve", echoHandlers())
	_, conn := newTestServer(t, []*dispatch.Dispatcher{pump, valve})

	// no exact domain, no table entry, more than one dispatcher
	sendCommand(t, conn, control.NewCommand("mystery", "echo", true, "x"))

	env := readEnvelope(t, conn, time.Second)
	assert.Equal(t, "mystery", env.Target)
	assert.Nil(t, env.Value)
}

func TestServer_TargetDomainTable(t *testing.T) {
	pumpSeen := make(chan struct{}, 1)
	pump := newDispatcher(t, "pump", dispatch.HandlerTable{
		"echo": func(target string, args []any, kwargs map[string]any) (any, error) {
			pumpSeen <- struct{}{}
			return args[0], nil
		},
	})
	valve := newDispatcher(t, "valve", echoHandlers())

	_, conn := newTestServer(t, []*dispatch.Dispatcher{pump, valve},
		WithTargetDomain("sheath_pump", "pump"),
	)

	sendCommand(t, conn, control.NewCommand("sheath_pump", "echo", true, "routed"))

	env := readEnvelope(t, conn, time.Second)
	assert.Equal(t, "routed", env.Value)

	select {
	case <-pumpSeen:
	default:
		t.Fatal("command did not reach the pump dispatcher")
	}
}

func TestServer_StatusControl(t *testing.T) {
	var n int
	handlers := dispatch.HandlerTable{
		"get_flow_rate": func(target string, args []any, kwargs map[string]any) (any, error) {
			n++
			return n, nil
		},
	}
	d := newDispatcher(t, "fm", handlers)
	_, conn := newTestServer(t, []*dispatch.Dispatcher{d})

	add := control.NewCommand("fm_status", "get_flow_rate", true, "fm1")
	add.Kwargs = map[string]any{"period": 0.01}
	sendCommand(t, conn, add)

	ack := readEnvelope(t, conn, time.Second)
	assert.Equal(t, control.KindResponse, ack.Kind)
	assert.Equal(t, true, ack.Value)

	// probes stream as status envelopes keyed by the probed device
	var got []control.Envelope
	for len(got) < 3 {
		env := readEnvelope(t, conn, time.Second)
		require.Equal(t, control.KindStatus, env.Kind)
		assert.Equal(t, "fm1", env.Target)
		assert.Equal(t, "get_flow_rate", env.Operation)
		got = append(got, env)
	}

	remove := control.NewCommand("fm_status", "get_flow_rate", true, "fm1")
	remove.Kwargs = map[string]any{"add": false}
	sendCommand(t, conn, remove)

	// drain until the ack, then the stream must go quiet
	for {
		env := readEnvelope(t, conn, time.Second)
		if env.Kind == control.KindResponse {
			assert.Equal(t, true, env.Value)
			break
		}
	}

	// probe results already queued when the probe was removed may trail the
	// ack; once those drain the stream stays quiet
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := conn.ReadMessage(20 * time.Millisecond); err != nil {
			break
		}
	}

	_, err := conn.ReadMessage(100 * time.Millisecond)
	assert.True(t, transport.IsTimeout(err))
}

func TestServer_StatusControlRejectsBadPeriod(t *testing.T) {
	d := newDispatcher(t, "fm", echoHandlers())
	_, conn := newTestServer(t, []*dispatch.Dispatcher{d})

	bad := control.NewCommand("fm_status", "echo", true, "fm1")
	sendCommand(t, conn, bad) // no period kwarg

	env := readEnvelope(t, conn, time.Second)
	assert.Equal(t, false, env.Value)
}

func TestServer_StatusBackpressureKeepsLatest(t *testing.T) {
	var n int
	block := make(chan struct{})
	fm := newDispatcher(t, "fm", dispatch.HandlerTable{
		"sample": func(target string, args []any, kwargs map[string]any) (any, error) {
			n++
			return n, nil
		},
	})
	pump := newDispatcher(t, "pump", dispatch.HandlerTable{
		"stall": func(target string, args []any, kwargs map[string]any) (any, error) {
			<-block
			return true, nil
		},
	})
	_, conn := newTestServer(t, []*dispatch.Dispatcher{fm, pump})

	add := control.NewCommand("fm_status", "sample", false, "fm1")
	add.Kwargs = map[string]any{"period": 0.002}
	sendCommand(t, conn, add)

	// the routing loop is busy waiting on this command while samples pile up
	sendCommand(t, conn, control.NewCommand("pump", "stall", true))
	time.Sleep(300 * time.Millisecond)
	close(block)

	var resp control.Envelope
	var after []int
	for {
		env := readEnvelope(t, conn, time.Second)
		if env.Kind == control.KindResponse && env.Operation == "stall" {
			resp = env
			continue
		}

		if resp.Operation == "stall" && env.Kind == control.KindStatus {
			after = append(after, int(env.Value.(float64)))
			if len(after) == 5 {
				break
			}
		}
	}

	assert.Equal(t, true, resp.Value)

	// samples produced while the loop was blocked were dropped down to the
	// newest few, so the first forwarded sample is well past the start
	assert.Greater(t, after[0], 5)
	for i := 1; i < len(after); i++ {
		assert.Greater(t, after[i], after[i-1])
	}
}

func TestServer_NewConnectionReplacesOld(t *testing.T) {
	d := newDispatcher(t, "pump", echoHandlers())
	srv, first := newTestServer(t, []*dispatch.Dispatcher{d})

	sendCommand(t, first, control.NewCommand("server", "ping", true))
	readEnvelope(t, first, time.Second)

	second := dialServer(t, srv)
	ping, err := json.Marshal(control.NewCommand("server", "ping", true))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		if err := second.WriteMessage(ping, time.Second); err != nil {
			return false
		}
		data, err := second.ReadMessage(200 * time.Millisecond)
		return err == nil && len(data) > 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	listener, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	_, err = New(context.Background(), nil, nil)
	require.Error(t, err)

	_, err = New(context.Background(), listener, nil)
	require.Error(t, err)

	d1 := newDispatcher(t, "pump", echoHandlers())
	d2 := newDispatcher(t, "pump", echoHandlers())
	_, err = New(context.Background(), listener, []*dispatch.Dispatcher{d1, d2})
	require.Error(t, err)

	d3 := newDispatcher(t, "pump3", echoHandlers())
	_, err = New(context.Background(), listener, []*dispatch.Dispatcher{d3},
		WithResponseTimeout(time.Hour))
	require.Error(t, err)

	_, err = New(context.Background(), listener, []*dispatch.Dispatcher{d3},
		WithStatusDrainLimit(0))
	require.Error(t, err)

	_, err = New(context.Background(), listener, []*dispatch.Dispatcher{d3},
		WithTargetDomain("", "pump"))
	require.Error(t, err)
}
