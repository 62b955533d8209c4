package capture

import (
	"sync"
	"time"
)

// DefaultDebounce is the quiet window applied to capture drops.
// Scanner tooling writes session files in several chunks; processing
// starts once a file has stopped changing for this long.
const DefaultDebounce = 500 * time.Millisecond

// Debouncer coalesces bursts of events per path, firing once a path
// has stayed quiet for the window. Fire runs on a timer goroutine.
type Debouncer struct {
	window time.Duration
	fire   func(path string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewDebouncer creates a debouncer. A non-positive window falls back
// to DefaultDebounce.
func NewDebouncer(window time.Duration, fire func(path string)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{
		window: window,
		fire:   fire,
		timers: make(map[string]*time.Timer),
	}
}

// Hit records activity on a path, restarting its quiet window.
func (d *Debouncer) Hit(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[path]; ok {
		// The timer may already be firing; expire rechecks the map
		// under the lock so the reset stays safe either way.
		t.Stop()
		t.Reset(d.window)
		return
	}
	d.timers[path] = time.AfterFunc(d.window, func() { d.expire(path) })
}

func (d *Debouncer) expire(path string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if _, ok := d.timers[path]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.timers, path)
	d.mu.Unlock()

	d.fire(path)
}

// Close stops all pending timers. Paths still waiting never fire.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for path, t := range d.timers {
		t.Stop()
		delete(d.timers, path)
	}
}
