package tokenprovider

import (
	"sync"
	"time"
)

// StatusEvent describes a lifecycle transition or a surfaced failure.
type StatusEvent struct {
	Status TokenStatus
	Type   AuthStrategy
	// Err is set for failures and clock warnings.
	Err error
	// Terminal is set once retries are exhausted or the failure cannot be retried.
	Terminal bool
	Time     time.Time
}

// StatusNotifier receives status events. It is called synchronously from the
// goroutine driving the manager and must not block.
type StatusNotifier interface {
	NotifyStatus(StatusEvent)
}

// StatusFunc adapts a function to StatusNotifier.
type StatusFunc func(StatusEvent)

// NotifyStatus implements StatusNotifier.
func (f StatusFunc) NotifyStatus(e StatusEvent) { f(e) }

// errorGate suppresses duplicate error callbacks within a window.
type errorGate struct {
	window time.Duration

	mu     sync.Mutex
	key    string
	lastAt time.Time
}

// allow reports whether an error event with key may be delivered at now.
func (g *errorGate) allow(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if key == g.key && !g.lastAt.IsZero() && now.Sub(g.lastAt) < g.window {
		return false
	}
	g.key = key
	g.lastAt = now
	return true
}

func (g *errorGate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.key = ""
	g.lastAt = time.Time{}
}
