package wayfinder

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// requestTracker counts in-flight requests and coordinates graceful drain.
// Once draining begins new requests are refused and Drain blocks until the
// in-flight set empties or the deadline passes.
type requestTracker struct {
	mu       sync.Mutex
	inFlight int
	draining bool
	idle     chan struct{}
}

func newRequestTracker() *requestTracker {
	return &requestTracker{idle: make(chan struct{})}
}

// Begin registers a request; false means the tracker is draining and the
// request must be refused.
func (t *requestTracker) Begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.inFlight++
	return true
}

// End unregisters a request, signalling drain completion on the last one
func (t *requestTracker) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight--
	if t.inFlight <= 0 && t.draining {
		select {
		case <-t.idle:
		default:
			close(t.idle)
		}
	}
}

// InFlight returns the current request count
func (t *requestTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// Draining reports whether new requests are being refused
func (t *requestTracker) Draining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

// Drain stops admission and waits for in-flight requests up to timeout.
// Returns false when the deadline passed with requests still running.
func (t *requestTracker) Drain(timeout time.Duration) bool {
	t.mu.Lock()
	t.draining = true
	if t.inFlight <= 0 {
		select {
		case <-t.idle:
		default:
			close(t.idle)
		}
	}
	t.mu.Unlock()

	select {
	case <-t.idle:
		return true
	case <-time.After(timeout):
		return false
	}
}

// taskGroup runs the module's periodic background tasks on one shared
// lifecycle, halted before the handler exits.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

func newTaskGroup(logger *zap.Logger) *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{ctx: ctx, cancel: cancel, logger: logger}
}

// Every schedules fn on a ticker until the group stops
func (g *taskGroup) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(g.ctx)
			case <-g.ctx.Done():
				g.logger.Debug("stopping periodic task", zap.String("task", name))
				return
			}
		}
	}()
}

// Go runs fn once in the group's lifecycle
func (g *taskGroup) Go(fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
}

// Stop cancels every task and waits for them to return, bounded by timeout
func (g *taskGroup) Stop(timeout time.Duration) bool {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
