package signaling

import (
	"sync"

	"github.com/rs/zerolog"
)

// Listener receives every inbound signaling message.
type Listener func(Inbound)

type subscription struct {
	fn     Listener
	active bool
}

// Router fans inbound messages out to all subscribed listeners in arrival
// order. Listeners may subscribe or unsubscribe (themselves or others) from
// inside a dispatch: a removed listener is never invoked again, a listener
// added during a dispatch first sees the next message.
type Router struct {
	mu   sync.Mutex
	subs []*subscription
	log  zerolog.Logger
}

// NewRouter creates an empty Router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{log: logger.With().Str("component", "router").Logger()}
}

// Subscribe registers l and returns an idempotent unsubscribe func.
func (r *Router) Subscribe(l Listener) (unsubscribe func()) {
	s := &subscription{fn: l, active: true}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(s) })
	}
}

func (r *Router) remove(s *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.active = false
	for i, cur := range r.subs {
		if cur == s {
			// Copy so that snapshots held by in-flight dispatches stay intact.
			next := make([]*subscription, 0, len(r.subs)-1)
			next = append(next, r.subs[:i]...)
			r.subs = append(next, r.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of active listeners.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Dispatch delivers in to every listener subscribed at the time of the call.
func (r *Router) Dispatch(in Inbound) {
	r.mu.Lock()
	snapshot := r.subs
	r.mu.Unlock()

	for _, s := range snapshot {
		r.mu.Lock()
		active := s.active
		r.mu.Unlock()
		if !active {
			continue
		}
		r.invoke(s.fn, in)
	}
}

func (r *Router) invoke(fn Listener, in Inbound) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("type", string(in.Type)).Msg("listener panicked")
		}
	}()
	fn(in)
}
