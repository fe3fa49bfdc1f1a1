package call

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/junsooki/dialtone/internal/media"
	"github.com/junsooki/dialtone/internal/peer"
	"github.com/junsooki/dialtone/internal/signaling"
)

// Default timing.
const (
	DefaultDialRetryPeriod = time.Second
	DefaultIncomingTimeout = 2 * time.Second
)

// Channel is the signaling transport used by a Phone.
// *signaling.Client implements it.
type Channel interface {
	Available() bool
	LocalID() (string, bool)
	SendSignaling(to string, t signaling.Type, content any) error
}

// Options configure a Phone. Zero values select defaults.
type Options struct {
	// DialRetryPeriod is the interval between Dialing announcements.
	DialRetryPeriod time.Duration
	// IncomingTimeout is the liveness window of an Incoming.
	IncomingTimeout time.Duration
	// DialTimeout ends an unanswered Dialing with OutcomeTimedOut.
	// Zero keeps dialing until Cancel.
	DialTimeout time.Duration

	// Negotiator runs offer/answer for each call. Nil runs signaling only.
	Negotiator peer.Negotiator
	// Media lists the local tracks attached to every negotiated call.
	Media []media.Purpose

	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *Metrics
}

// Greeting reports a Hi or Hello from a remote endpoint.
type Greeting struct {
	From string
	// Reply is set for a Hello answering our Hi.
	Reply bool
}

// Stats is a point-in-time view of the phone's attempts.
type Stats struct {
	Dialing   int
	Incoming  []string
	Dialogs   int
	Listeners int
}

// Phone owns the call attempts of one endpoint. All state transitions run
// on a single event loop; observers are notified, in order, on a separate
// goroutine and may call back into the Phone.
type Phone struct {
	ch      Channel
	opts    Options
	clk     clock.Clock
	log     zerolog.Logger
	metrics *Metrics

	router   *signaling.Router
	loop     loop
	notifier *fifo

	incomingObs observers[*Incoming]
	greetingObs observers[Greeting]

	// loop-owned
	dialings map[string]*Dialing
	pending  *registry
	dialogs  map[string]*Dialog
	closed   bool
}

// NewPhone creates a Phone sending through ch. Inbound messages are fed with
// Deliver.
func NewPhone(ch Channel, opts Options) *Phone {
	if opts.DialRetryPeriod <= 0 {
		opts.DialRetryPeriod = DefaultDialRetryPeriod
	}
	if opts.IncomingTimeout <= 0 {
		opts.IncomingTimeout = DefaultIncomingTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	log := opts.Logger.With().Str("component", "phone").Logger()
	return &Phone{
		ch:       ch,
		opts:     opts,
		clk:      opts.Clock,
		log:      log,
		metrics:  opts.Metrics,
		router:   signaling.NewRouter(log),
		loop:     newLoop(log),
		notifier: newFIFO(log.With().Str("queue", "notify").Logger()),
		dialings: make(map[string]*Dialing),
		pending:  newRegistry(),
		dialogs:  make(map[string]*Dialog),
	}
}

// Deliver hands an inbound message to the phone.
func (p *Phone) Deliver(in signaling.Inbound) {
	p.loop.post(func() { p.handle(in) })
}

// Disconnected reports loss of the channel. Dialing attempts fail at once;
// incoming invitations lapse through their liveness window.
func (p *Phone) Disconnected(cause error) {
	p.loop.post(func() {
		err := signaling.ErrChannelUnavailable
		if cause != nil {
			err = fmt.Errorf("%w: %v", signaling.ErrChannelUnavailable, cause)
		}
		for _, d := range p.dialingList() {
			d.finish(Result{Outcome: OutcomeFailed, Err: err})
		}
	})
}

// OnIncoming registers fn for new incoming invitations.
func (p *Phone) OnIncoming(fn func(*Incoming)) (remove func()) {
	return p.incomingObs.add(fn)
}

// OnGreeting registers fn for Hi and Hello messages.
func (p *Phone) OnGreeting(fn func(Greeting)) (remove func()) {
	return p.greetingObs.add(fn)
}

// Greet sends Hi to remoteID, which answers with Hello.
func (p *Phone) Greet(remoteID string) error {
	if remoteID == "" {
		return ErrInvalidPeer
	}
	myID, err := p.localID()
	if err != nil {
		return err
	}
	return p.send(remoteID, signaling.TypeHi, myID)
}

// Stats returns counts of live attempts and router listeners.
func (p *Phone) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := p.loop.call(ctx, func() error {
		s = Stats{
			Dialing:   len(p.dialings),
			Incoming:  p.pending.peers(),
			Dialogs:   len(p.dialogs),
			Listeners: p.router.Len(),
		}
		return nil
	})
	return s, err
}

// Close cancels dialings, rejects incomings and hangs up dialogs, then
// stops the loop. Pending notifications are still delivered.
func (p *Phone) Close() error {
	err := p.loop.call(context.Background(), func() error {
		if p.closed {
			return ErrClosed
		}
		p.closed = true
		for _, d := range p.dialingList() {
			d.cancel()
		}
		for _, in := range p.pending.all() {
			in.reject()
		}
		for _, d := range p.dialogList() {
			d.hangup()
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.loop.Stop()
	p.loop.wait()
	p.notifier.Stop()
	return nil
}

func (p *Phone) handle(in signaling.Inbound) {
	if err := validate(in.Message); err != nil {
		p.log.Warn().Err(err).Str("from", in.From).Uint64("seq", in.Seq).Msg("dropping message")
		p.metrics.drop(in.Type)
		return
	}

	p.router.Dispatch(in)

	switch in.Type {
	case signaling.TypeHi, signaling.TypeHello:
		p.greeted(in)
	case signaling.TypeDialing:
		p.invited(in)
	}
}

func (p *Phone) greeted(in signaling.Inbound) {
	from, _ := in.LocalID()
	if in.Type == signaling.TypeHi {
		if myID, err := p.localID(); err == nil {
			if err := p.send(from, signaling.TypeHello, myID); err != nil {
				p.log.Debug().Err(err).Str("peer", from).Msg("hello not sent")
			}
		}
	}
	g := Greeting{From: from, Reply: in.Type == signaling.TypeHello}
	fns := p.greetingObs.snapshot()
	p.notify(func() {
		for _, fn := range fns {
			fn(g)
		}
	})
}

// invited handles a Dialing announcement: a new Incoming for an unseen
// peer, a liveness refresh for a pending one.
func (p *Phone) invited(in signaling.Inbound) {
	info, _ := in.PeerInfo()
	if existing := p.pending.get(info.ID); existing != nil {
		existing.refresh()
		return
	}
	if _, ok := p.dialogs[info.ID]; ok {
		// Late retries from a peer we already talk to.
		return
	}
	if p.closed {
		return
	}
	if myID, ok := p.ch.LocalID(); ok && myID == info.ID {
		return
	}

	inc := newIncoming(p, info)
	fns := p.incomingObs.snapshot()
	p.notify(func() {
		for _, fn := range fns {
			fn(inc)
		}
	})
}

func (p *Phone) notify(fn func()) {
	if !p.notifier.push(fn) {
		p.log.Debug().Msg("notification after close dropped")
	}
}

func (p *Phone) localID() (string, error) {
	if !p.ch.Available() {
		return "", signaling.ErrChannelUnavailable
	}
	id, ok := p.ch.LocalID()
	if !ok {
		return "", signaling.ErrChannelUnavailable
	}
	return id, nil
}

func (p *Phone) send(to string, t signaling.Type, content any) error {
	if !p.ch.Available() {
		return signaling.ErrChannelUnavailable
	}
	return p.ch.SendSignaling(to, t, content)
}

// sendPeer sends a PeerInfo message carrying our id, best effort.
func (p *Phone) sendPeer(to string, t signaling.Type, desc *signaling.SessionDescription) error {
	myID, err := p.localID()
	if err != nil {
		return err
	}
	return p.send(to, t, signaling.PeerInfo{ID: myID, Description: desc})
}

func (p *Phone) dialingList() []*Dialing {
	out := make([]*Dialing, 0, len(p.dialings))
	for _, d := range p.dialings {
		out = append(out, d)
	}
	return out
}

func (p *Phone) dialogList() []*Dialog {
	out := make([]*Dialog, 0, len(p.dialogs))
	for _, d := range p.dialogs {
		out = append(out, d)
	}
	return out
}

// prepare creates a negotiation session with local media attached.
func (p *Phone) prepare(remoteID string) (peer.Session, []*media.Handle, error) {
	if p.opts.Negotiator == nil {
		return nil, nil, nil
	}
	sess, err := p.opts.Negotiator.NewSession(remoteID)
	if err != nil {
		return nil, nil, err
	}
	handles := make([]*media.Handle, 0, len(p.opts.Media))
	for _, purpose := range p.opts.Media {
		h, err := sess.AttachLocalMedia(purpose)
		if err != nil {
			_ = sess.Close()
			return nil, nil, err
		}
		handles = append(handles, h)
	}
	return sess, handles, nil
}

// validate checks that the content of m matches the schema of its type.
func validate(m signaling.Message) error {
	var err error
	switch m.Type {
	case signaling.TypeHi, signaling.TypeHello:
		_, err = m.LocalID()
	case signaling.TypeDialing, signaling.TypeAccept, signaling.TypeReject, signaling.TypeCancel, signaling.TypeHangup:
		_, err = m.PeerInfo()
	case signaling.TypeOffer, signaling.TypeAnswer:
		_, err = m.Description()
	case signaling.TypeCandidate:
		_, err = m.Candidate()
	default:
		err = fmt.Errorf("%w: unknown type %q", signaling.ErrProtocolMismatch, m.Type)
	}
	return err
}
