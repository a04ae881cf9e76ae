// Package lifecycle controls orderly shutdown: stop starting new work, drain
// in-flight work for a bounded time, then cancel whatever is left.
package lifecycle

import (
	"context"
	"sync"
	"time"
)

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
	StopOnce       StopReason = "once"
)

// Controller owns two contexts. The run context gates starting new work
// (poll cycles); the work context is handed to in-flight work (dispatch) and
// outlives the run context by at most the drain grace period.
type Controller struct {
	runCtx     context.Context
	runCancel  context.CancelFunc
	workCtx    context.Context
	workCancel context.CancelFunc

	mu       sync.Mutex
	stopping bool
	reason   StopReason
	inflight sync.WaitGroup
}

func New(parent context.Context) *Controller {
	c := &Controller{reason: StopUnknown}
	c.runCtx, c.runCancel = context.WithCancel(parent)
	// Work must survive parent cancellation (e.g. SIGTERM) until drained.
	c.workCtx, c.workCancel = context.WithCancel(context.WithoutCancel(parent))
	return c
}

// RunContext is canceled as soon as Stop begins.
func (c *Controller) RunContext() context.Context { return c.runCtx }

// WorkContext is canceled when Stop gives up draining.
func (c *Controller) WorkContext() context.Context { return c.workCtx }

// Track registers one unit of in-flight work. It fails once Stop has begun.
func (c *Controller) Track() (ctx context.Context, done func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return nil, func() {}, false
	}
	c.inflight.Add(1)
	var once sync.Once
	return c.workCtx, func() { once.Do(c.inflight.Done) }, true
}

// Stopping reports whether Stop has been called.
func (c *Controller) Stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Controller) Reason() StopReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Stop cancels the run context and waits up to grace for tracked work.
// Remaining work is then canceled through the work context. It reports
// whether all work drained in time. Calling Stop again is a no-op returning true.
func (c *Controller) Stop(grace time.Duration, reason StopReason) bool {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return true
	}
	c.stopping = true
	c.reason = reason
	c.mu.Unlock()

	c.runCancel()

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()

	ok := true
	if grace > 0 {
		t := time.NewTimer(grace)
		select {
		case <-drained:
		case <-t.C:
			ok = false
		}
		t.Stop()
	} else {
		select {
		case <-drained:
		default:
			ok = false
		}
	}
	c.workCancel()
	if !ok {
		// Work observes cancellation and returns promptly.
		<-drained
	}
	return ok
}
