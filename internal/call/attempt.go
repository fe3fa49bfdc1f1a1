package call

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/junsooki/dialtone/internal/signaling"
)

// attempt is the state shared by every call variant.
type attempt struct {
	p       *Phone
	id      string
	kind    Kind
	remote  string
	machine *fsm.FSM
	log     zerolog.Logger

	// loop-owned
	closers     []stopper
	unsubscribe func()
	release     func(Result)

	done chan struct{}

	mu       sync.Mutex
	result   Result
	finished bool
	ends     observers[Result]
}

func (a *attempt) init(p *Phone, kind Kind, remote string, machine *fsm.FSM) {
	a.p = p
	a.id = uuid.NewString()
	a.kind = kind
	a.remote = remote
	a.machine = machine
	a.log = p.log.With().
		Str("call_id", a.id).
		Str("kind", kind.String()).
		Str("peer", remote).
		Logger()
	a.done = make(chan struct{})
}

func (a *attempt) ID() string            { return a.id }
func (a *attempt) Kind() Kind            { return a.kind }
func (a *attempt) Peer() string          { return a.remote }
func (a *attempt) State() State          { return State(a.machine.Current()) }
func (a *attempt) Done() <-chan struct{} { return a.done }

func (a *attempt) Result() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.finished
}

func (a *attempt) OnEnd(fn func(Result)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		res := a.result
		a.p.notify(func() { fn(res) })
		return func() {}
	}
	return a.ends.add(fn)
}

func (a *attempt) isEnded() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// listen subscribes l to the phone's router until the attempt ends.
func (a *attempt) listen(l signaling.Listener) {
	a.unsubscribe = a.p.router.Subscribe(l)
}

// own ties s to the attempt's lifetime.
func (a *attempt) own(s stopper) {
	a.closers = append(a.closers, s)
}

// finish performs the single terminal transition of the attempt. It reports
// false, and changes nothing, if the attempt already ended. Runs on the loop.
func (a *attempt) finish(res Result) bool {
	if err := a.machine.Event(context.Background(), string(res.Outcome)); err != nil {
		a.log.Debug().Err(err).Str("outcome", string(res.Outcome)).Msg("transition refused")
		return false
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Stop()
	}
	a.closers = nil
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.release != nil {
		a.release(res)
	}
	a.p.metrics.ended(a.kind, res.Outcome)

	a.mu.Lock()
	a.result = res
	a.finished = true
	fns := a.ends.snapshot()
	a.mu.Unlock()
	close(a.done)

	ev := a.log.Info()
	if res.Err != nil {
		ev = a.log.Warn().Err(res.Err)
	}
	ev.Str("outcome", string(res.Outcome)).Bool("remote", res.Remote).Msg("call ended")

	a.p.notify(func() {
		for _, fn := range fns {
			fn(res)
		}
	})
	return true
}

// exec runs fn on the phone loop for a user-facing operation.
func (a *attempt) exec(ctx context.Context, fn func() error) error {
	err := a.p.loop.call(ctx, fn)
	if errors.Is(err, ErrClosed) {
		return ErrCallEnded
	}
	return err
}
