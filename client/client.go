// Package client implements the operator-facing side of the control plane.
//
// A Client dials a server, submits commands without blocking the caller, and
// keeps the link alive with heartbeat pings. Send and ping failures are
// counted; at the failure threshold the socket is torn down, submissions
// accumulate in a replay queue, and the client probes with a faster heartbeat
// until the server answers again, at which point the missed commands are
// replayed in order.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-devctl/control"
	"github.com/arloliu/go-devctl/internal/pool"
	"github.com/arloliu/go-devctl/internal/queue"
	"github.com/arloliu/go-devctl/logger"
	"github.com/arloliu/go-devctl/transport"
)

const pingReply = "ping received"

// Client is the remote submission endpoint for one server.
type Client struct {
	cfg      *Config
	logger   logger.Logger
	dialer   transport.Dialer
	taskMgr  *control.TaskManager
	stateMgr *connStateMgr

	commands  *queue.Queue[control.Command]
	replay    *queue.Queue[control.Command]
	responses *queue.Queue[control.Envelope]
	statuses  *queue.Queue[control.Envelope]

	// loop-owned; connMu only guards the handoff with Stop
	connMu sync.Mutex
	conn   transport.Conn

	// loop-owned liveness accounting
	failures int
	lastBeat time.Time

	timedOutMu     sync.Mutex
	timedOutCh     chan struct{}
	timedOutClosed bool

	started  atomic.Bool
	stopping atomic.Bool
}

// New creates a Client that will dial the server through dialer.
func New(ctx context.Context, dialer transport.Dialer, opts ...Option) (*Client, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is nil")
	}

	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		logger:     cfg.logger,
		dialer:     dialer,
		taskMgr:    control.NewTaskManager(ctx, cfg.logger),
		stateMgr:   newConnStateMgr(cfg.stateHandlers...),
		commands:   queue.New[control.Command](16),
		replay:     queue.New[control.Command](16),
		responses:  queue.New[control.Envelope](16),
		statuses:   queue.New[control.Envelope](16),
		timedOutCh: make(chan struct{}),
	}

	return c, nil
}

// State returns the current connection state.
func (c *Client) State() ConnState { return c.stateMgr.State() }

// WaitState blocks until the connection reaches state or ctx is done.
func (c *Client) WaitState(ctx context.Context, state ConnState) error {
	return c.stateMgr.WaitState(ctx, state)
}

// TimedOut returns a channel that is closed while the connection is in the
// timed-out condition. After recovery a fresh channel is returned.
func (c *Client) TimedOut() <-chan struct{} {
	c.timedOutMu.Lock()
	defer c.timedOutMu.Unlock()

	return c.timedOutCh
}

// Submit queues a command for delivery. It never blocks on the network;
// while the connection is down the command accumulates for replay. Submit
// fails only after Stop.
func (c *Client) Submit(cmd control.Command) error {
	if c.stateMgr.State() == StoppedState || c.stopping.Load() {
		return control.ErrStopped
	}

	c.commands.Push(cmd)

	return nil
}

// NextResponse pops the oldest received response envelope, if any.
func (c *Client) NextResponse() (control.Envelope, bool) { return c.responses.Pop() }

// NextStatus pops the oldest received status envelope, if any.
func (c *Client) NextStatus() (control.Envelope, bool) { return c.statuses.Pop() }

// Start launches the client loop. The first connection attempt happens on
// the loop, so Start returns before the server is reachable; use WaitState to
// block for ConnectedState.
func (c *Client) Start() error {
	if c.stateMgr.State() == StoppedState {
		return control.ErrStopped
	}

	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("client already started")
	}

	c.stopping.Store(false)
	c.stateMgr.toState(ConnectingState)

	if err := c.taskMgr.Start("clientLoop", c.runOnce, c.onLoopExit); err != nil {
		c.started.Store(false)
		return err
	}

	return nil
}

// Stop terminates the loop, closes the socket and leaves the client in
// StoppedState. Pending queues are preserved for inspection.
func (c *Client) Stop() {
	if !c.started.CompareAndSwap(true, false) {
		return
	}

	c.stopping.Store(true)
	c.taskMgr.Stop()
	c.taskMgr.Wait()
}

// runOnce is one iteration of the client loop: heartbeat if due, deliver at
// most one queued command, then drain inbound envelopes.
func (c *Client) runOnce() bool {
	state := c.stateMgr.State()
	live := state == ConnectedState || state == DegradedState

	if time.Since(c.lastBeat) >= c.cfg.scaledHeartbeat(!live) {
		c.lastBeat = time.Now()

		if !live || c.getConn() == nil {
			c.reconnect()
		} else if err := c.ping(c.cfg.pingTimeout); err != nil {
			c.noteFailure("heartbeat", err)
		} else {
			c.noteSuccess()
		}
	}

	if cmd, ok := c.commands.Pop(); ok {
		if conn := c.getConn(); conn != nil {
			c.deliver(conn, cmd)
		} else {
			c.replay.Push(cmd)
		}
	}

	if conn := c.getConn(); conn != nil {
		c.drainInbound(conn)
	} else {
		c.idle()
	}

	return true
}

// onLoopExit runs when the loop terminates. A stop leaves the queues intact;
// any other exit clears them, matching the dispatcher abort semantics.
func (c *Client) onLoopExit() {
	c.closeConn()

	if c.stopping.Load() {
		c.stateMgr.toState(StoppedState)
		c.logger.Info("client stopped")

		return
	}

	c.commands.Clear()
	c.replay.Clear()
	c.responses.Clear()
	c.statuses.Clear()
	c.stateMgr.toState(DisconnectedState)
	c.logger.Warn("client loop exited abnormally, queues cleared")
}

// reconnect dials a fresh socket and probes it with a burst of short pings.
// The first pong restores the connection and replays missed commands in
// submission order.
func (c *Client) reconnect() {
	c.stateMgr.toState(ConnectingState)
	c.closeConn()

	ctx := c.taskMgr.Context()

	conn, err := c.dialer.Dial(ctx, c.cfg.pingTimeout)
	if err != nil {
		c.logger.Warn("dial failed", "error", err)
		c.enterTimedOut()

		return
	}

	c.setConn(conn)

	for attempt := 1; attempt <= c.cfg.reconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		if err := c.ping(c.cfg.reconnectTimeout); err == nil {
			c.logger.Info("connection established", "attempts", attempt)
			c.stateMgr.toState(ConnectedState)
			c.failures = 0
			c.clearTimedOut()
			c.replayMissed()

			return
		}
	}

	c.logger.Warn("peer not answering pings", "attempts", c.cfg.reconnectAttempts)
	c.enterTimedOut()
}

// replayMissed resends the replay queue in order. A command that fails again
// goes back to the end of the queue via the usual failure accounting.
func (c *Client) replayMissed() {
	n := c.replay.Len()
	if n == 0 {
		return
	}

	c.logger.Info("replaying missed commands", "count", n)

	for i := 0; i < n; i++ {
		cmd, ok := c.replay.Pop()
		if !ok {
			return
		}

		conn := c.getConn()
		if conn == nil {
			c.replay.Push(cmd)
			return
		}

		c.deliver(conn, cmd)
	}
}

// deliver writes one command and, when a response is wanted, waits in-line
// for the matching response, routing interleaved envelopes to their queues.
// A send failure or response timeout counts against the connection and
// queues the command for replay.
func (c *Client) deliver(conn transport.Conn, cmd control.Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		c.logger.Error("encode command failed", "target", cmd.Target, "operation", cmd.Operation, "error", err)
		return
	}

	if err := conn.WriteMessage(data, c.cfg.pingTimeout); err != nil {
		c.replay.Push(cmd)
		c.noteFailure("send", err)

		return
	}

	if !cmd.WantsResponse {
		c.noteSuccess()
		return
	}

	env, ok := c.awaitResponse(conn, cmd.Key(), c.cfg.commandTimeout)
	if !ok {
		c.responses.Push(control.NewResponse(cmd.Key(), nil))
		c.replay.Push(cmd)
		c.noteFailure("response timeout", control.ErrResponseTimeout)

		return
	}

	c.responses.Push(env)
	c.noteSuccess()
}

// ping sends the built-in liveness command and waits up to timeout for the
// pong. Envelopes received while waiting are routed normally.
func (c *Client) ping(timeout time.Duration) error {
	conn := c.getConn()
	if conn == nil {
		return transport.ErrClosed
	}

	cmd := control.NewCommand("server", "ping", true)

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	if err := conn.WriteMessage(data, timeout); err != nil {
		return err
	}

	env, ok := c.awaitResponse(conn, cmd.Key(), timeout)
	if !ok {
		return control.ErrResponseTimeout
	}

	if env.Value != pingReply {
		return fmt.Errorf("unexpected ping reply %v", env.Value)
	}

	return nil
}

// awaitResponse reads envelopes until one matches key or the timeout
// elapses. Status envelopes and responses under other keys are queued for
// their consumers.
func (c *Client) awaitResponse(conn transport.Conn, key control.Key, timeout time.Duration) (control.Envelope, bool) {
	deadline := time.Now().Add(timeout)

	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return control.Envelope{}, false
		}

		if remain > c.cfg.pollInterval {
			remain = c.cfg.pollInterval
		}

		data, err := conn.ReadMessage(remain)
		if err != nil {
			if transport.IsTimeout(err) {
				if c.taskMgr.Context().Err() != nil {
					return control.Envelope{}, false
				}
				continue
			}

			return control.Envelope{}, false
		}

		env, ok := c.decode(data)
		if !ok {
			continue
		}

		if env.Kind == control.KindResponse && env.Matches(key) {
			return env, true
		}

		c.route(env)
	}
}

// drainInbound consumes whatever the server pushed since the last iteration,
// bounded by one poll interval of quiet.
func (c *Client) drainInbound(conn transport.Conn) {
	for {
		data, err := conn.ReadMessage(c.cfg.pollInterval)
		if err != nil {
			if !transport.IsTimeout(err) && c.taskMgr.Context().Err() == nil {
				c.noteFailure("read", err)
			}

			return
		}

		if env, ok := c.decode(data); ok {
			c.route(env)
		}
	}
}

func (c *Client) decode(data []byte) (control.Envelope, bool) {
	var env control.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Error("discard undecodable envelope", "error", err)
		return control.Envelope{}, false
	}

	return env, true
}

func (c *Client) route(env control.Envelope) {
	if env.Kind == control.KindStatus {
		c.statuses.Push(env)
	} else {
		c.responses.Push(env)
	}
}

// noteFailure counts one consecutive communication failure and escalates to
// the timed-out condition at the threshold.
func (c *Client) noteFailure(reason string, err error) {
	c.failures++
	c.logger.Warn("communication failure", "reason", reason, "error", err, "consecutive", c.failures)

	if c.failures >= c.cfg.failureThreshold {
		c.enterTimedOut()
		return
	}

	c.stateMgr.toState(DegradedState)
}

func (c *Client) noteSuccess() {
	c.failures = 0
	c.stateMgr.toState(ConnectedState)
}

// enterTimedOut tears the socket down and signals the timed-out condition.
// The heartbeat keeps running at the scaled interval and drives reconnects.
func (c *Client) enterTimedOut() {
	c.closeConn()

	if _, changed := c.stateMgr.toState(TimedOutState); changed {
		c.logger.Error("connection timed out", "failures", c.failures)
	}

	c.timedOutMu.Lock()
	if !c.timedOutClosed {
		close(c.timedOutCh)
		c.timedOutClosed = true
	}
	c.timedOutMu.Unlock()
}

func (c *Client) clearTimedOut() {
	c.timedOutMu.Lock()
	if c.timedOutClosed {
		c.timedOutCh = make(chan struct{})
		c.timedOutClosed = false
	}
	c.timedOutMu.Unlock()
}

func (c *Client) getConn() transport.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	return c.conn
}

func (c *Client) setConn(conn transport.Conn) {
	c.connMu.Lock()
	old := c.conn
	c.conn = conn
	c.connMu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

func (c *Client) closeConn() { c.setConn(nil) }

// idle sleeps one poll interval while no socket exists, keeping the loop
// responsive to Stop.
func (c *Client) idle() {
	timer := pool.GetTimer(c.cfg.pollInterval)
	defer pool.PutTimer(timer)

	select {
	case <-c.taskMgr.Context().Done():
	case <-timer.C:
	}
}
