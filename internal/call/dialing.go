package call

import (
	"context"
	"errors"

	"github.com/junsooki/dialtone/internal/media"
	"github.com/junsooki/dialtone/internal/peer"
	"github.com/junsooki/dialtone/internal/signaling"
)

var errMissingAnswer = errors.New("accept carries no answer")

// Dialing is an outgoing invitation. It announces itself every
// DialRetryPeriod until the peer accepts or rejects, Cancel is called, the
// channel is lost or the optional DialTimeout elapses.
type Dialing struct {
	attempt

	offer   *signaling.SessionDescription
	session peer.Session
	handles []*media.Handle
}

// Dial starts calling remoteID. With a Negotiator configured, the offer is
// created before the first announcement and travels in every Dialing
// message.
func (p *Phone) Dial(ctx context.Context, remoteID string) (*Dialing, error) {
	if remoteID == "" {
		return nil, ErrInvalidPeer
	}
	myID, err := p.localID()
	if err != nil {
		return nil, err
	}
	if myID == remoteID {
		return nil, ErrInvalidPeer
	}

	sess, handles, err := p.prepare(remoteID)
	if err != nil {
		return nil, err
	}
	var offer *signaling.SessionDescription
	if sess != nil {
		desc, err := sess.CreateOffer(ctx)
		if err != nil {
			_ = sess.Close()
			return nil, err
		}
		offer = &desc
	}

	var d *Dialing
	err = p.loop.call(ctx, func() error {
		switch {
		case p.closed:
			return ErrClosed
		case p.dialings[remoteID] != nil:
			return ErrAlreadyDialing
		case p.dialogs[remoteID] != nil:
			return ErrBusy
		}
		d = newDialing(p, remoteID, offer, sess, handles)
		return nil
	})
	if err != nil {
		if sess != nil {
			_ = sess.Close()
		}
		return nil, err
	}
	return d, nil
}

func newDialing(p *Phone, remoteID string, offer *signaling.SessionDescription, sess peer.Session, handles []*media.Handle) *Dialing {
	d := &Dialing{offer: offer, session: sess, handles: handles}
	d.init(p, KindDialing, remoteID, newDialingMachine())
	_ = d.machine.Event(context.Background(), eventDial)

	d.listen(d.onMessage)
	d.own(startRepeater(p.clk, p.opts.DialRetryPeriod, p.loop, d.tick))
	if p.opts.DialTimeout > 0 {
		d.own(startDeadline(p.clk, p.opts.DialTimeout, p.loop, d.timeout))
	}
	d.release = func(res Result) {
		if p.dialings[remoteID] == d {
			delete(p.dialings, remoteID)
		}
		if res.Outcome != OutcomeAccepted && d.session != nil {
			_ = d.session.Close()
		}
	}

	p.dialings[remoteID] = d
	p.metrics.started(KindDialing)
	d.log.Info().Bool("offer", offer != nil).Msg("dialing")
	return d
}

// Cancel stops dialing and tells the peer. Returns ErrCallEnded if the
// attempt already ended.
func (d *Dialing) Cancel() error {
	return d.exec(context.Background(), func() error {
		if !d.cancel() {
			return ErrCallEnded
		}
		return nil
	})
}

// Handles returns the local media attached to the offer.
func (d *Dialing) Handles() []*media.Handle { return d.handles }

func (d *Dialing) cancel() bool {
	if !d.finish(Result{Outcome: OutcomeCancelled}) {
		return false
	}
	d.bye(signaling.TypeCancel)
	return true
}

func (d *Dialing) tick() {
	if !d.p.ch.Available() {
		d.finish(Result{Outcome: OutcomeFailed, Err: signaling.ErrChannelUnavailable})
		return
	}
	if err := d.p.sendPeer(d.remote, signaling.TypeDialing, d.offer); err != nil {
		d.finish(Result{Outcome: OutcomeFailed, Err: err})
		return
	}
	d.p.metrics.dialSent()
}

func (d *Dialing) timeout() {
	if d.finish(Result{Outcome: OutcomeTimedOut}) {
		d.bye(signaling.TypeCancel)
	}
}

// bye sends a best-effort terminal message to the peer.
func (d *Dialing) bye(t signaling.Type) {
	if err := d.p.sendPeer(d.remote, t, nil); err != nil {
		d.log.Debug().Err(err).Str("type", string(t)).Msg("not sent")
	}
}

func (d *Dialing) onMessage(in signaling.Inbound) {
	switch in.Type {
	case signaling.TypeReject:
		if _, ok := matchPeer(in, d.remote); ok {
			d.finish(Result{Outcome: OutcomeRejected, Remote: true})
		}
	case signaling.TypeAccept:
		if info, ok := matchPeer(in, d.remote); ok {
			d.accepted(info)
		}
	}
}

func (d *Dialing) accepted(info signaling.PeerInfo) {
	if d.isEnded() {
		return
	}
	if d.session != nil && info.Description == nil {
		err := &peer.NegotiationError{Op: "accept", Err: errMissingAnswer}
		if d.finish(Result{Outcome: OutcomeFailed, Remote: true, Err: err}) {
			d.bye(signaling.TypeHangup)
		}
		return
	}

	if d.p.dialogs[d.remote] != nil {
		if d.finish(Result{Outcome: OutcomeFailed, Remote: true, Err: ErrBusy}) {
			d.bye(signaling.TypeCancel)
		}
		return
	}

	dlg := newDialog(d.p, d.remote, d.session, d.handles)
	if !d.finish(Result{Outcome: OutcomeAccepted, Remote: true, Dialog: dlg}) {
		return
	}
	// The peer dialed us too and accepted first; its Cancel for that
	// invitation is still on the way.
	if in := d.p.pending.get(d.remote); in != nil {
		in.log.Info().Msg("peer accepted our dial, dropping its invitation")
		in.finish(Result{Outcome: OutcomeCancelled})
	}
	if d.session != nil {
		answer := *info.Description
		dlg.negotiate(func(ctx context.Context) error {
			return d.session.ApplyRemoteAnswer(ctx, answer)
		})
	}
}
