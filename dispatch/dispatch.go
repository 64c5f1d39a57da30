// Package dispatch implements the per-device-domain command dispatcher.
//
// A Dispatcher owns the device instances of one domain (e.g. "pump",
// "valve"), executes named operations against them through a handler table
// supplied at construction, and can run a subset of operations on a period to
// produce unsolicited status samples. Consumers attach through named
// channels; commands arriving on a channel are executed one per loop
// iteration, responses return on the same channel, and status samples are
// broadcast to every channel.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-devctl/control"
	"github.com/arloliu/go-devctl/logger"
)

// Handler executes one operation against a device instance. target is the
// device instance name from the command; args and kwargs are its arguments.
// A returned error (or a panic) is converted into a failure response and
// never terminates the dispatcher loop.
type Handler func(target string, args []any, kwargs map[string]any) (any, error)

// HandlerTable maps operation names to their handlers. It is supplied once at
// construction; device domains are expected to enumerate their operations up
// front.
type HandlerTable map[string]Handler

// Dispatcher runs the command loop for one device domain.
type Dispatcher struct {
	domain   string
	handlers HandlerTable
	cfg      *Config
	logger   logger.Logger

	channels  *xsync.MapOf[string, *Channel]
	scheduler *statusScheduler

	taskMgr   *control.TaskManager
	started   atomic.Bool
	abortFlag atomic.Bool
}

// New creates a Dispatcher for the given device domain with the given
// handler table.
func New(ctx context.Context, domain string, handlers HandlerTable, opts ...Option) (*Dispatcher, error) {
	if domain == "" {
		return nil, fmt.Errorf("dispatcher domain is empty")
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("dispatcher %s: handler table is empty", domain)
	}

	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		domain:    domain,
		handlers:  handlers,
		cfg:       cfg,
		logger:    cfg.logger.With("domain", domain),
		channels:  xsync.NewMapOf[string, *Channel](),
		scheduler: newStatusScheduler(),
	}
	d.taskMgr = control.NewTaskManager(ctx, d.logger)

	return d, nil
}

// Domain returns the device domain this dispatcher serves.
func (d *Dispatcher) Domain() string { return d.domain }

// RegisterChannel creates the queue triple for a new consumer and returns
// it. Registering an existing name is a no-op that returns the existing
// channel.
func (d *Dispatcher) RegisterChannel(name string) *Channel {
	ch, loaded := d.channels.LoadOrStore(name, newChannel(name))
	if loaded {
		d.logger.Debug("channel already registered", "channel", name)
	} else {
		d.logger.Info("channel registered", "channel", name)
	}

	return ch
}

// RemoveChannel discards a consumer's queue triple. Commands already popped
// from it still complete; their responses are dropped.
func (d *Dispatcher) RemoveChannel(name string) {
	if _, ok := d.channels.LoadAndDelete(name); ok {
		d.logger.Info("channel removed", "channel", name)
	}
}

// Channel returns the named channel if it is registered.
func (d *Dispatcher) Channel(name string) (*Channel, bool) {
	return d.channels.Load(name)
}

// Enqueue appends a command to the named channel's inbound queue. It never
// blocks the caller.
func (d *Dispatcher) Enqueue(channel string, cmd control.Command) error {
	ch, ok := d.channels.Load(channel)
	if !ok {
		return fmt.Errorf("dispatcher %s: channel %q not registered", d.domain, channel)
	}

	ch.Enqueue(cmd)

	return nil
}

// ScheduleStatus adds (or replaces) a recurring status probe. The probe is
// keyed by (operation, target), so re-adding the same probe updates its
// period instead of duplicating it.
func (d *Dispatcher) ScheduleStatus(cmd control.Command, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("dispatcher %s: status period must be positive", d.domain)
	}

	d.scheduler.add(cmd, period)
	d.logger.Info("status probe scheduled",
		"operation", cmd.Operation, "target", cmd.Target, "period", period)

	return nil
}

// UnscheduleStatus removes the recurring status probe keyed by the command's
// (operation, target).
func (d *Dispatcher) UnscheduleStatus(cmd control.Command) {
	if d.scheduler.remove(cmd) {
		d.logger.Info("status probe unscheduled", "operation", cmd.Operation, "target", cmd.Target)
	}
}

// Abort requests that all queued work be discarded. On the next loop
// iteration every channel's queues are cleared and the flag is reset. It does
// not interrupt an already-executing handler; stopping the device itself is
// the domain's responsibility.
func (d *Dispatcher) Abort() {
	d.abortFlag.Store(true)
	d.logger.Info("abort requested")
}

// Start launches the dispatcher run loop.
func (d *Dispatcher) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher %s already started", d.domain)
	}

	d.logger.Info("dispatcher starting")

	return d.taskMgr.Start("dispatchLoop", d.runOnce, d.onLoopExit)
}

// Stop requests graceful shutdown and waits for the run loop to exit. The
// current iteration completes, the cleanup hook runs, and queued work is left
// in place.
func (d *Dispatcher) Stop() {
	d.logger.Info("dispatcher stopping")
	d.taskMgr.Stop()
	d.taskMgr.Wait()
	d.started.Store(false)
}

// onLoopExit runs the device-specific cleanup hook when the loop terminates.
func (d *Dispatcher) onLoopExit() {
	if d.cfg.cleanup != nil {
		d.cfg.cleanup()
	}
	d.logger.Info("dispatcher stopped")
}

// runOnce is one iteration of the dispatcher loop: service the abort flag,
// pop at most one command per channel, run due status probes, and idle
// briefly if nothing happened.
func (d *Dispatcher) runOnce() bool {
	if d.abortFlag.CompareAndSwap(true, false) {
		d.clearAllChannels()
	}

	worked := false

	d.channels.Range(func(_ string, ch *Channel) bool {
		cmd, ok := ch.commands.Pop()
		if !ok {
			return true
		}

		worked = true
		d.execute(ch, cmd)

		return true
	})

	if d.runDueProbes() {
		worked = true
	}

	if !worked {
		time.Sleep(d.cfg.idleInterval)
	}

	return true
}

func (d *Dispatcher) clearAllChannels() {
	d.channels.Range(func(_ string, ch *Channel) bool {
		ch.clear()
		return true
	})
	d.logger.Info("all channel queues cleared")
}

// execute runs one command and routes its result back to the originating
// channel. Handler failures become false-valued responses; a response is
// produced for successes only when the command asks for one.
func (d *Dispatcher) execute(ch *Channel, cmd control.Command) {
	value, err := d.invoke(cmd)
	if err != nil {
		d.logger.Error("command failed",
			"channel", ch.Name(), "operation", cmd.Operation, "target", cmd.Target, "error", err)
		ch.responses.Push(control.NewResponse(cmd.Key(), false))

		return
	}

	if d.logger.Level() == logger.DebugLevel {
		d.logger.Debug("command executed", "channel", ch.Name(), "command", cmd.String())
	}

	if cmd.WantsResponse {
		ch.responses.Push(control.NewResponse(cmd.Key(), value))
	}
}

// runDueProbes executes every scheduled status probe whose period has
// elapsed and broadcasts each result to all channels. It returns true if any
// probe ran.
func (d *Dispatcher) runDueProbes() bool {
	due := d.scheduler.takeDue(time.Now())
	if len(due) == 0 {
		return false
	}

	for _, cmd := range due {
		value, err := d.invoke(cmd)
		if err != nil {
			d.logger.Error("status probe failed",
				"operation", cmd.Operation, "target", cmd.Target, "error", err)
			continue
		}

		env := control.NewStatus(cmd.Key(), value)
		d.channels.Range(func(_ string, ch *Channel) bool {
			ch.statuses.Push(env)
			return true
		})
	}

	return true
}

// invoke looks up and calls the handler for a command, converting panics to
// errors.
func (d *Dispatcher) invoke(cmd control.Command) (value any, err error) {
	handler, ok := d.handlers[cmd.Operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", control.ErrUnknownOperation, d.domain, cmd.Operation)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(cmd.Target, cmd.Args, cmd.Kwargs)
}
