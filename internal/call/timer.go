package call

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// stopper is a resource released when an attempt reaches a terminal state.
// Stop must be idempotent.
type stopper interface {
	Stop()
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

// repeater runs fn on the loop every period until stopped. Stop runs on
// the loop, so no tick observed after Stop reaches fn.
type repeater struct {
	ticker  *clock.Ticker
	quit    chan struct{}
	once    sync.Once
	stopped bool // loop-owned
}

func startRepeater(clk clock.Clock, period time.Duration, l loop, fn func()) *repeater {
	r := &repeater{
		ticker: clk.Ticker(period),
		quit:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-r.ticker.C:
				l.post(func() {
					if !r.stopped {
						fn()
					}
				})
			case <-r.quit:
				return
			}
		}
	}()
	return r
}

func (r *repeater) Stop() {
	r.stopped = true
	r.once.Do(func() {
		r.ticker.Stop()
		close(r.quit)
	})
}

// deadline runs fn on the loop once d elapses without a Reset. All methods
// run on the loop.
type deadline struct {
	clk clock.Clock
	d   time.Duration
	l   loop
	fn  func()

	timer   *clock.Timer
	gen     uint64
	stopped bool
}

func startDeadline(clk clock.Clock, d time.Duration, l loop, fn func()) *deadline {
	dl := &deadline{clk: clk, d: d, l: l, fn: fn}
	dl.arm()
	return dl
}

func (dl *deadline) arm() {
	dl.gen++
	gen := dl.gen
	dl.timer = dl.clk.AfterFunc(dl.d, func() {
		dl.l.post(func() {
			// A timer that fired while being reset carries a stale generation.
			if !dl.stopped && dl.gen == gen {
				dl.stopped = true
				dl.fn()
			}
		})
	})
}

// Reset restarts the window. It is a no-op once stopped or fired.
func (dl *deadline) Reset() {
	if dl.stopped {
		return
	}
	dl.timer.Stop()
	dl.arm()
}

func (dl *deadline) Stop() {
	if dl.stopped {
		return
	}
	dl.stopped = true
	dl.timer.Stop()
}
