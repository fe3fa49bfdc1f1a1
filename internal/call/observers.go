package call

import "sync"

// observers is an ordered list of callbacks. Registration returns a remove
// func so independent consumers never overwrite each other.
type observers[T any] struct {
	mu   sync.Mutex
	next uint64
	list []observer[T]
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

func (o *observers[T]) add(fn func(T)) (remove func()) {
	o.mu.Lock()
	o.next++
	id := o.next
	o.list = append(o.list, observer[T]{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, cur := range o.list {
			if cur.id == id {
				o.list = append(o.list[:i:i], o.list[i+1:]...)
				return
			}
		}
	}
}

func (o *observers[T]) snapshot() []func(T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fns := make([]func(T), len(o.list))
	for i, cur := range o.list {
		fns[i] = cur.fn
	}
	return fns
}
