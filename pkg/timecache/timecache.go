// Package timecache provides a cache for the system clock, to avoid calls to
// time.Now() on the announce path.
//
// The time is stored as one int64 which holds the number of nanoseconds since
// the Unix Epoch. The value is accessed using atomic primitives, without
// locking. The package runs a global singleton TimeCache that is updated every
// second.
package timecache

import (
	"sync"
	"sync/atomic"
	"time"
)

// A Clock reports the current time. Components that need the time accept a
// Clock so tests can substitute a Manual one.
type Clock interface {
	Now() time.Time
}

// t is the global TimeCache.
var t = New()

func init() {
	go t.Run(1 * time.Second)
}

// A TimeCache is a cache for the current system time.
// The cached time has nanosecond precision.
type TimeCache struct {
	// clock saves the current time's nanoseconds since the Epoch.
	clock atomic.Int64

	closed  chan struct{}
	running chan struct{}
	m       sync.Mutex
}

// New returns a new TimeCache instance.
// The TimeCache must be started to update the time.
func New() *TimeCache {
	tc := &TimeCache{
		closed:  make(chan struct{}),
		running: make(chan struct{}),
	}
	tc.clock.Store(time.Now().UnixNano())
	return tc
}

// Run runs the TimeCache, updating the cached clock value once every interval
// and blocks until Stop is called.
func (t *TimeCache) Run(interval time.Duration) {
	t.m.Lock()
	select {
	case <-t.running:
		panic("Run called multiple times")
	default:
	}
	close(t.running)
	t.m.Unlock()

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-t.closed:
			return
		case now := <-tick.C:
			t.clock.Store(now.UnixNano())
		}
	}
}

// Stop stops the TimeCache.
// The cached time remains valid but will not be updated anymore.
// Calling Stop again is a no-op.
func (t *TimeCache) Stop() {
	t.m.Lock()
	defer t.m.Unlock()

	select {
	case <-t.closed:
		return
	default:
	}
	close(t.closed)
}

// Now returns the cached time as a time.Time value.
func (t *TimeCache) Now() time.Time {
	return time.Unix(0, t.clock.Load())
}

// Now calls Now on the global TimeCache instance.
func Now() time.Time {
	return t.Now()
}

// Global returns the process-wide TimeCache as a Clock.
func Global() Clock {
	return t
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	nsec atomic.Int64
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	m := &Manual{}
	m.nsec.Store(start.UnixNano())
	return m
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	return time.Unix(0, m.nsec.Load())
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.nsec.Add(int64(d))
}
