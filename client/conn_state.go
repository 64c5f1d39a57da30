package client

import (
	"context"
	"sync"
	"sync/atomic"
)

// ConnState represents the liveness stage of the client connection.
type ConnState uint32

const (
	// DisconnectedState indicates no socket exists yet.
	DisconnectedState ConnState = iota
	// ConnectingState indicates a dial or reconnect attempt is in progress.
	ConnectingState
	// ConnectedState indicates the peer answered the last heartbeat.
	ConnectedState
	// DegradedState indicates recent heartbeats or sends failed but the
	// failure threshold has not been reached.
	DegradedState
	// TimedOutState indicates consecutive failures reached the threshold and
	// the socket was torn down; commands accumulate for replay.
	TimedOutState
	// StoppedState indicates the client was stopped. Terminal.
	StoppedState
)

// String returns string representation of the current state.
func (cs ConnState) String() string {
	switch cs {
	case DisconnectedState:
		return "disconnected"
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	case DegradedState:
		return "degraded"
	case TimedOutState:
		return "timed-out"
	case StoppedState:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsConnected returns if the peer is currently considered live.
func (cs ConnState) IsConnected() bool { return cs == ConnectedState }

// IsTimedOut returns if the connection is in the timed-out condition.
func (cs ConnState) IsTimedOut() bool { return cs == TimedOutState }

// validTransitions lists the states each state may be entered from.
// StoppedState is reachable from anywhere and terminal.
var validTransitions = map[ConnState][]ConnState{
	ConnectingState:   {DisconnectedState, TimedOutState, ConnectingState},
	ConnectedState:    {ConnectingState, DegradedState},
	DegradedState:     {ConnectedState, DegradedState},
	TimedOutState:     {DegradedState, ConnectedState, ConnectingState},
	DisconnectedState: {ConnectingState, ConnectedState, DegradedState, TimedOutState},
}

// ConnStateChangeHandler is invoked on every state change, in blocking mode
// from the client loop. Take care with long-running implementations.
type ConnStateChangeHandler func(prevState ConnState, newState ConnState)

// connStateMgr tracks the connection state, notifies registered handlers and
// lets callers block until a desired state is reached.
type connStateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	handlers []ConnStateChangeHandler
}

func newConnStateMgr(handlers ...ConnStateChangeHandler) *connStateMgr {
	cs := &connStateMgr{handlers: handlers}
	cs.state.Store(uint32(DisconnectedState))
	cs.cond = sync.NewCond(&cs.mu)

	return cs
}

// State returns the current connection state.
func (cs *connStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler registers additional state change handlers.
func (cs *connStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState blocks until the connection reaches state or ctx is done.
func (cs *connStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.cond.Broadcast()
	})
	defer stopFunc()

	for cs.State() != state {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			cs.cond.Wait()
		}
	}

	return nil
}

// toState transitions to newState if the transition is allowed, returning the
// previous state and whether the transition happened. Handlers run under the
// lock, before waiters are released.
func (cs *connStateMgr) toState(newState ConnState) (ConnState, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState == newState {
		return curState, false
	}

	if curState == StoppedState {
		return curState, false
	}

	if newState != StoppedState && !allowedFrom(curState, newState) {
		return curState, false
	}

	for _, handler := range cs.handlers {
		if handler != nil {
			handler(curState, newState)
		}
	}

	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()

	return curState, true
}

func allowedFrom(cur ConnState, next ConnState) bool {
	for _, from := range validTransitions[next] {
		if from == cur {
			return true
		}
	}

	return false
}
