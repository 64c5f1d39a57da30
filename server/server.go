// Package server implements the instrument-facing side of the control plane.
//
// A Server owns one duplex listener and one or more dispatchers. It accepts a
// single live connection at a time, decodes commands from it, routes them to
// the owning dispatcher, forwards responses and scheduled status reports back,
// and answers liveness pings itself.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/go-devctl/control"
	"github.com/arloliu/go-devctl/dispatch"
	"github.com/arloliu/go-devctl/internal/pool"
	"github.com/arloliu/go-devctl/logger"
	"github.com/arloliu/go-devctl/transport"
)

// pingReply is the fixed payload of the built-in liveness response.
const pingReply = "ping received"

// statusSuffix marks a command target as a status-control meta-command for
// the dispatcher domain named by the prefix.
const statusSuffix = "_status"

// Server routes commands from a single remote peer to its dispatchers.
type Server struct {
	cfg         *Config
	logger      logger.Logger
	listener    transport.Listener
	dispatchers map[string]*dispatch.Dispatcher
	channels    map[string]*dispatch.Channel
	channelName string
	taskMgr     *control.TaskManager

	connMu sync.Mutex
	conn   transport.Conn

	ready   chan struct{}
	started atomic.Bool
}

// New creates a Server serving the given dispatchers over the listener. The
// dispatchers must have distinct domains and must not be started; the server
// starts and stops them with its own lifecycle.
func New(ctx context.Context, listener transport.Listener, dispatchers []*dispatch.Dispatcher, opts ...Option) (*Server, error) {
	if listener == nil {
		return nil, fmt.Errorf("listener is nil")
	}

	if len(dispatchers) == 0 {
		return nil, fmt.Errorf("at least one dispatcher is required")
	}

	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	byDomain := make(map[string]*dispatch.Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		if _, dup := byDomain[d.Domain()]; dup {
			return nil, fmt.Errorf("duplicate dispatcher domain %q", d.Domain())
		}
		byDomain[d.Domain()] = d
	}

	s := &Server{
		cfg:         cfg,
		logger:      cfg.logger,
		listener:    listener,
		dispatchers: byDomain,
		channels:    make(map[string]*dispatch.Channel, len(byDomain)),
		channelName: "server-" + uuid.NewString()[:8],
		taskMgr:     control.NewTaskManager(ctx, cfg.logger),
		ready:       make(chan struct{}),
	}

	return s, nil
}

// Ready returns a channel that is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listener address, useful when listening on port 0.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Start registers the server channel on every dispatcher, starts the
// dispatchers and launches the accept and routing loops.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("server already started")
	}

	for domain, d := range s.dispatchers {
		s.channels[domain] = d.RegisterChannel(s.channelName)
		if err := d.Start(); err != nil {
			s.started.Store(false)
			return fmt.Errorf("start dispatcher %q: %w", domain, err)
		}
	}

	if err := s.taskMgr.Start("acceptLoop", s.acceptOnce, nil); err != nil {
		s.started.Store(false)
		return err
	}

	if err := s.taskMgr.Start("routeLoop", s.routeOnce, s.dropConn); err != nil {
		s.started.Store(false)
		s.taskMgr.Stop()
		return err
	}

	s.logger.Info("server started", "addr", s.Addr(), "channel", s.channelName)
	close(s.ready)

	return nil
}

// Stop closes the listener and the live connection, joins the loops and stops
// every owned dispatcher.
func (s *Server) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}

	s.taskMgr.Stop()
	_ = s.listener.Close()
	s.dropConn()
	s.taskMgr.Wait()

	for _, d := range s.dispatchers {
		d.RemoveChannel(s.channelName)
		d.Stop()
	}

	s.logger.Info("server stopped")
}

// acceptOnce waits for a peer. A newly accepted connection replaces the
// previous one, which lets a timed-out client reconnect to the same server.
func (s *Server) acceptOnce() bool {
	conn, err := s.listener.Accept(s.cfg.acceptTimeout)
	if err != nil {
		if transport.IsTimeout(err) {
			return true
		}

		return false
	}

	s.logger.Info("peer connected", "remote", conn.RemoteAddr().String())
	s.setConn(conn)

	return true
}

func (s *Server) setConn(conn transport.Conn) {
	s.connMu.Lock()
	old := s.conn
	s.conn = conn
	s.connMu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

func (s *Server) getConn() transport.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	return s.conn
}

func (s *Server) dropConn() {
	s.connMu.Lock()
	old := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// routeOnce runs one iteration of the routing loop: read at most one command
// from the live connection, then forward pending status reports.
func (s *Server) routeOnce() bool {
	conn := s.getConn()
	if conn == nil {
		s.idle()
		return true
	}

	data, err := conn.ReadMessage(s.cfg.pollInterval)
	switch {
	case err == nil:
		s.handleMessage(conn, data)
	case transport.IsTimeout(err):
		// no inbound command this iteration
	default:
		s.logger.Info("peer connection lost", "error", err)
		s.dropConn()

		return true
	}

	s.drainStatus(conn)

	return true
}

func (s *Server) idle() {
	timer := pool.GetTimer(s.cfg.pollInterval)
	defer pool.PutTimer(timer)

	select {
	case <-s.taskMgr.Context().Done():
	case <-timer.C:
	}
}

// handleMessage decodes and routes one inbound command.
func (s *Server) handleMessage(conn transport.Conn, data []byte) {
	var cmd control.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Error("discard undecodable command", "error", err)
		return
	}

	s.logger.Debug("command received", "target", cmd.Target, "operation", cmd.Operation)

	switch {
	case cmd.Target == "server" && cmd.Operation == "ping":
		s.send(conn, control.NewResponse(cmd.Key(), pingReply))
	case strings.HasSuffix(cmd.Target, statusSuffix):
		s.handleStatusControl(conn, cmd)
	default:
		s.routeCommand(conn, cmd)
	}
}

// handleStatusControl adds or removes a scheduled status probe on the
// dispatcher named by the target prefix. Kwargs carry the probe settings:
// "period" (seconds) and "add" (defaults to true).
func (s *Server) handleStatusControl(conn transport.Conn, cmd control.Command) {
	domain := strings.TrimSuffix(cmd.Target, statusSuffix)

	d, ok := s.dispatchers[domain]
	if !ok {
		s.logger.Error("status control for unknown domain", "target", cmd.Target)
		s.ack(conn, cmd, false)

		return
	}

	add := true
	if v, ok := cmd.Kwargs["add"].(bool); ok {
		add = v
	}

	probe := statusProbe(domain, cmd)

	if !add {
		d.UnscheduleStatus(probe)
		s.logger.Info("status probe removed", "domain", domain, "operation", probe.Operation, "target", probe.Target)
		s.ack(conn, cmd, true)

		return
	}

	period, err := periodFromKwargs(cmd.Kwargs)
	if err != nil {
		s.logger.Error("status control rejected", "target", cmd.Target, "error", err)
		s.ack(conn, cmd, false)

		return
	}

	if err := d.ScheduleStatus(probe, period); err != nil {
		s.logger.Error("status control rejected", "target", cmd.Target, "error", err)
		s.ack(conn, cmd, false)

		return
	}

	s.logger.Info("status probe scheduled",
		"domain", domain,
		"operation", probe.Operation,
		"target", probe.Target,
		"period", period,
	)
	s.ack(conn, cmd, true)
}

// statusProbe builds the recurring probe command from a status-control
// meta-command. The probed device is the first positional argument when one
// is given, otherwise the dispatcher domain itself.
func statusProbe(domain string, cmd control.Command) control.Command {
	target := domain
	if len(cmd.Args) > 0 {
		if name, ok := cmd.Args[0].(string); ok {
			target = name
		}
	}

	var kwargs map[string]any
	for k, v := range cmd.Kwargs {
		if k == "period" || k == "add" {
			continue
		}
		if kwargs == nil {
			kwargs = make(map[string]any)
		}
		kwargs[k] = v
	}

	return control.Command{
		Target:    target,
		Operation: cmd.Operation,
		Args:      cmd.Args,
		Kwargs:    kwargs,
	}
}

func periodFromKwargs(kwargs map[string]any) (time.Duration, error) {
	raw, ok := kwargs["period"]
	if !ok {
		return 0, fmt.Errorf("missing period")
	}

	seconds, ok := raw.(float64)
	if !ok || seconds <= 0 {
		return 0, fmt.Errorf("invalid period %v", raw)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// ack reports the outcome of a meta-command when a response was requested.
func (s *Server) ack(conn transport.Conn, cmd control.Command, ok bool) {
	if !cmd.WantsResponse {
		return
	}

	s.send(conn, control.NewResponse(cmd.Key(), ok))
}

// routeCommand hands a command to the owning dispatcher and, for solicited
// commands, relays the matching response within the response timeout.
func (s *Server) routeCommand(conn transport.Conn, cmd control.Command) {
	domain, d, err := s.resolve(cmd.Target)
	if err != nil {
		s.logger.Error("unroutable command", "target", cmd.Target, "operation", cmd.Operation, "error", err)
		if cmd.WantsResponse {
			s.send(conn, control.NewResponse(cmd.Key(), nil))
		}

		return
	}

	ch := s.channels[domain]

	if !cmd.WantsResponse {
		if err := d.Enqueue(s.channelName, cmd); err != nil {
			s.logger.Error("enqueue failed", "domain", domain, "error", err)
		}

		return
	}

	// old responses under the same key must not satisfy this command
	if n := ch.DiscardResponses(cmd.Key()); n > 0 {
		s.logger.Debug("discarded stale responses", "key", cmd.Key(), "count", n)
	}

	if err := d.Enqueue(s.channelName, cmd); err != nil {
		s.logger.Error("enqueue failed", "domain", domain, "error", err)
		s.send(conn, control.NewResponse(cmd.Key(), nil))

		return
	}

	s.send(conn, s.awaitResponse(ch, cmd.Key()))
}

// resolve maps a command target to the owning dispatcher: exact domain match,
// then the configured target table, then the sole dispatcher when only one is
// owned.
func (s *Server) resolve(target string) (string, *dispatch.Dispatcher, error) {
	if d, ok := s.dispatchers[target]; ok {
		return target, d, nil
	}

	if domain, ok := s.cfg.targetDomains[target]; ok {
		if d, ok := s.dispatchers[domain]; ok {
			return domain, d, nil
		}

		return "", nil, fmt.Errorf("target %q maps to unknown domain %q: %w", target, domain, control.ErrUnknownTarget)
	}

	if len(s.dispatchers) == 1 {
		for domain, d := range s.dispatchers {
			return domain, d, nil
		}
	}

	return "", nil, control.ErrUnknownTarget
}

// awaitResponse polls the server channel until a response matching key
// arrives or the response timeout elapses. Stale responses under other keys
// are discarded. On timeout a null-valued response is synthesized so the peer
// never blocks on a lost reply.
func (s *Server) awaitResponse(ch *dispatch.Channel, key control.Key) control.Envelope {
	deadline := time.Now().Add(s.cfg.responseTimeout)
	done := s.taskMgr.Context().Done()

	for {
		for {
			env, ok := ch.NextResponse()
			if !ok {
				break
			}

			if env.Matches(key) {
				return env
			}

			s.logger.Debug("discarded stale response", "target", env.Target, "operation", env.Operation)
		}

		if time.Now().After(deadline) {
			s.logger.Error("response timeout", "target", key.Target, "operation", key.Operation)
			return control.NewResponse(key, nil)
		}

		timer := pool.GetTimer(s.cfg.pollInterval)
		select {
		case <-done:
			pool.PutTimer(timer)
			return control.NewResponse(key, nil)
		case <-timer.C:
			pool.PutTimer(timer)
		}
	}
}

// drainStatus forwards pending status envelopes from every dispatcher,
// keeping only the newest statusDrainLimit entries per dispatcher.
func (s *Server) drainStatus(conn transport.Conn) {
	for domain, ch := range s.channels {
		envs, dropped := ch.TakeLatestStatus(s.cfg.statusDrainLimit)
		if dropped > 0 {
			s.logger.Debug("dropped stale status", "domain", domain, "count", dropped)
		}

		for _, env := range envs {
			s.send(conn, env)
		}
	}
}

// send encodes and writes one envelope; a write failure drops the connection
// and leaves reconnection to the peer.
func (s *Server) send(conn transport.Conn, env control.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("encode envelope failed", "error", err)
		return
	}

	if err := conn.WriteMessage(data, s.cfg.pollInterval*10); err != nil {
		s.logger.Error("write failed, dropping connection", "error", err)
		s.dropConn()
	}
}
