package call

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// fifo runs queued funcs one at a time, in order, on its own goroutine.
// push never blocks. After close the queued funcs still run, then the
// goroutine exits.
type fifo struct {
	log zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newFIFO(log zerolog.Logger) *fifo {
	f := &fifo{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go f.run()
	return f
}

// push queues fn. It reports false if the fifo is closed.
func (f *fifo) push(fn func()) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.queue = append(f.queue, fn)
	f.mu.Unlock()
	f.signal()
	return true
}

func (f *fifo) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fifo) run() {
	defer close(f.done)
	for {
		f.mu.Lock()
		for len(f.queue) == 0 {
			if f.closed {
				f.mu.Unlock()
				return
			}
			f.mu.Unlock()
			<-f.wake
			f.mu.Lock()
		}
		fn := f.queue[0]
		f.queue[0] = nil
		f.queue = f.queue[1:]
		f.mu.Unlock()

		f.invoke(fn)
	}
}

func (f *fifo) invoke(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			f.log.Error().Interface("panic", rec).Msg("queued func panicked")
		}
	}()
	fn()
}

// Stop closes the fifo; pending funcs still run.
func (f *fifo) Stop() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.signal()
}

func (f *fifo) wait() { <-f.done }

// loop is the phone's event loop. Every state transition runs on it.
type loop struct {
	*fifo
}

func newLoop(log zerolog.Logger) loop {
	return loop{fifo: newFIFO(log)}
}

// post schedules fn on the loop without waiting.
func (l loop) post(fn func()) bool { return l.push(fn) }

// call runs fn on the loop and waits for its result. If ctx ends before fn
// starts, fn is skipped. call must not be used from the loop itself.
func (l loop) call(ctx context.Context, fn func() error) error {
	const (
		pending int32 = iota
		running
		abandoned
	)
	var state atomic.Int32
	errc := make(chan error, 1)
	ok := l.push(func() {
		if !state.CompareAndSwap(pending, running) {
			return
		}
		errc <- fn()
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(pending, abandoned) {
			return ctx.Err()
		}
		return <-errc
	}
}
