// Package task runs the engine's long-lived goroutines.
//
// The traffic controller owns exactly two loops, the receive loop blocked on the
// port and the process loop that sends commands and resolves conversations.
// Manager starts them under a shared context, recovers panics so a bad reply
// never takes the process down silently, and lets Close wait for both to exit.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-xnet/logger"
)

// ErrStopped is returned when a task is started on a stopped Manager.
var ErrStopped = errors.New("task: manager stopped")

// startTimeout bounds how long Start waits for the goroutine to come up.
const startTimeout = 5 * time.Second

// LoopFunc is one iteration of a loop task. The task keeps running while it
// returns true and exits when it returns false or the context is cancelled.
type LoopFunc func(ctx context.Context) bool

// ExitFunc runs once when a loop task exits, for whatever reason.
type ExitFunc func()

// Manager manages the lifecycle of loop goroutines.
//
// Example:
//
//	mgr := task.NewManager(ctx, l)
//	_ = mgr.Start("receiveLoop", func(ctx context.Context) bool {
//	    return receiveOne(ctx)
//	}, nil)
//	...
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx   context.Context
	logger logger.Logger

	mu     sync.RWMutex // protects ctx and cancel
	ctx    context.Context
	cancel context.CancelFunc

	wg    sync.WaitGroup
	count atomic.Int32
}

// NewManager creates a Manager whose tasks are cancelled when ctx is done.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the running tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start launches a named loop task and waits until its goroutine is running.
//
// onExit, when not nil, is called after the loop returns.
func (mgr *Manager) Start(name string, fn LoopFunc, onExit ExitFunc) error {
	ctx := mgr.Context()
	if ctx.Err() != nil {
		return fmt.Errorf("%w: cannot start %s", ErrStopped, name)
	}

	mgr.logger.Debug("task: start", "name", name)

	started := make(chan struct{})
	mgr.wg.Add(1)

	go func() {
		defer mgr.wg.Done()

		mgr.count.Add(1)
		close(started)

		defer func() {
			mgr.count.Add(-1)
			if onExit != nil {
				mgr.callWithRecover(name, onExit)
			}
			mgr.logger.Debug("task: terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		mgr.runLoop(ctx, name, fn)
	}()

	select {
	case <-started:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("task: timeout waiting for %s to start", name)
	}
}

// Stop cancels the context of every running task.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cancel != nil {
		mgr.cancel()
	}
}

// Wait blocks until all tasks have exited, then re-arms the manager so it
// can be started again.
func (mgr *Manager) Wait() {
	mgr.wg.Wait()

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.ctx.Err() != nil {
		mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	}
}

// TaskCount returns the number of running tasks.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) runLoop(ctx context.Context, name string, fn LoopFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cont := true
		func() {
			defer func() {
				if r := recover(); r != nil {
					mgr.logger.Error("task: panic in loop", "name", name, "panic", r)
				}
			}()
			cont = fn(ctx)
		}()

		if !cont {
			return
		}
	}
}

func (mgr *Manager) callWithRecover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("task: panic in exit func", "name", name, "panic", r)
		}
	}()

	fn()
}
