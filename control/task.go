package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-devctl/logger"
)

// TaskFunc is the body of a managed loop. It is invoked repeatedly and
// should return true to continue running, or false to stop the goroutine.
type TaskFunc func() bool

// TaskManager manages the lifecycle of the cooperatively scheduled loops in
// go-devctl: dispatcher run loops, the server routing loop and the client
// loop all run under one.
//
// It uses a context.Context to signal cancellation and a sync.WaitGroup to
// join the goroutines. Stop signals every loop; Wait blocks until they have
// terminated and then re-creates the context so the manager can be reused
// for a reopen.
type TaskManager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protects ctx and cancel
}

// NewTaskManager creates a new TaskManager with the given parent context and logger.
func NewTaskManager(ctx context.Context, l logger.Logger) *TaskManager {
	mgr := &TaskManager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// getContext safely returns the current context.
func (mgr *TaskManager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Context returns the manager's cancellation context. Loops performing their
// own bounded waits should select on its Done channel.
func (mgr *TaskManager) Context() context.Context {
	return mgr.getContext()
}

// Start starts a new goroutine that invokes taskFunc repeatedly until it
// returns false or the manager is stopped. cleanupFunc, if non-nil, runs when
// the goroutine exits.
func (mgr *TaskManager) Start(name string, taskFunc TaskFunc, cleanupFunc func()) error {
	ctx := mgr.getContext()
	select {
	case <-ctx.Done():
		return fmt.Errorf("start %s: task manager already stopped", name)
	default:
	}

	mgr.logger.Debug("start task", "name", name)

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				mgr.logger.Error("panic in task", "name", name, "panic", r)
			}

			if cleanupFunc != nil {
				cleanupFunc()
			}

			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
			mgr.wg.Done()
		}()

		for {
			select {
			case <-mgr.getContext().Done():
				return
			default:
				if !mgr.callWithRecover(name, taskFunc) {
					return
				}
			}
		}
	}()

	return nil
}

// StartInterval starts a new goroutine that invokes taskFunc at the given
// interval until it returns false or the manager is stopped. If runNow is
// true the first invocation happens immediately.
//
// The returned ticker may be used to reset or stop the interval.
func (mgr *TaskManager) StartInterval(name string, taskFunc TaskFunc, interval time.Duration, runNow bool) (*time.Ticker, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("start %s: invalid interval %v", name, interval)
	}

	ctx := mgr.getContext()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("start %s: task manager already stopped", name)
	default:
	}

	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	ticker := time.NewTicker(interval)

	if runNow && !mgr.callWithRecover(name, taskFunc) {
		ticker.Stop()
		return ticker, nil
	}

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			ticker.Stop()
			mgr.count.Add(-1)
			mgr.logger.Debug("interval task terminated", "name", name, "task_count", mgr.TaskCount())
			mgr.wg.Done()
		}()

		for {
			select {
			case <-mgr.getContext().Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, taskFunc) {
					return
				}
			}
		}
	}()

	return ticker, nil
}

// callWithRecover invokes a task function with panic protection. A panicking
// task logs the panic and keeps its loop running.
func (mgr *TaskManager) callWithRecover(name string, fn TaskFunc) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			cont = true
		}
	}()

	return fn()
}

// Stop signals every managed goroutine to terminate.
func (mgr *TaskManager) Stop() {
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until every managed goroutine has terminated, then re-creates
// the manager context so it can be reused.
func (mgr *TaskManager) Wait() {
	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *TaskManager) TaskCount() int {
	return int(mgr.count.Load())
}
