package call

import (
	"context"
	"errors"

	"github.com/junsooki/dialtone/internal/media"
	"github.com/junsooki/dialtone/internal/peer"
	"github.com/junsooki/dialtone/internal/signaling"
)

var errMissingOffer = errors.New("invitation carries no offer")

// Incoming is an invitation received from a peer. It stays pending while
// the peer keeps announcing itself, at most IncomingTimeout between
// announcements.
type Incoming struct {
	attempt

	offer    *signaling.SessionDescription
	liveness *deadline
}

func newIncoming(p *Phone, info signaling.PeerInfo) *Incoming {
	in := &Incoming{offer: info.Description}
	in.init(p, KindIncoming, info.ID, newIncomingMachine())
	in.listen(in.onMessage)
	in.liveness = startDeadline(p.clk, p.opts.IncomingTimeout, p.loop, func() {
		in.finish(Result{Outcome: OutcomeTimedOut})
	})
	in.own(in.liveness)
	in.release = func(Result) { p.pending.remove(in) }

	p.pending.add(in)
	p.metrics.started(KindIncoming)
	in.log.Info().Bool("offer", in.offer != nil).Msg("incoming call")
	return in
}

// Offer returns the session description carried by the invitation, if any.
func (in *Incoming) Offer() *signaling.SessionDescription { return in.offer }

// Accept answers the invitation and returns the established Dialog. With a
// Negotiator configured, the answer to the carried offer is sent along.
// Accept fails with ErrCallEnded if the peer cancelled first.
func (in *Incoming) Accept(ctx context.Context) (*Dialog, error) {
	if in.isEnded() {
		return nil, ErrCallEnded
	}
	if _, err := in.p.localID(); err != nil {
		return nil, err
	}

	sess, handles, err := in.p.prepare(in.remote)
	if err != nil {
		return nil, err
	}
	var answer *signaling.SessionDescription
	if sess != nil {
		if in.offer == nil {
			_ = sess.Close()
			return nil, &peer.NegotiationError{Op: "accept", Err: errMissingOffer}
		}
		desc, err := sess.CreateAnswer(ctx, *in.offer)
		if err != nil {
			_ = sess.Close()
			return nil, err
		}
		answer = &desc
	}

	var dlg *Dialog
	err = in.exec(ctx, func() error {
		var err error
		dlg, err = in.accept(answer, sess, handles)
		return err
	})
	if err != nil {
		if sess != nil {
			_ = sess.Close()
		}
		return nil, err
	}
	return dlg, nil
}

func (in *Incoming) accept(answer *signaling.SessionDescription, sess peer.Session, handles []*media.Handle) (*Dialog, error) {
	if in.isEnded() {
		return nil, ErrCallEnded
	}
	if in.p.dialogs[in.remote] != nil {
		in.finish(Result{Outcome: OutcomeFailed, Err: ErrBusy})
		return nil, ErrBusy
	}
	if err := in.p.sendPeer(in.remote, signaling.TypeAccept, answer); err != nil {
		return nil, err
	}

	dlg := newDialog(in.p, in.remote, sess, handles)
	in.finish(Result{Outcome: OutcomeAccepted, Dialog: dlg})

	// Both sides dialed each other; this dialog wins.
	if d := in.p.dialings[in.remote]; d != nil {
		d.log.Info().Msg("peer is calling us too, dropping our dial")
		d.cancel()
	}
	return dlg, nil
}

// Reject declines the invitation. The peer is told best effort.
func (in *Incoming) Reject() error {
	return in.exec(context.Background(), func() error {
		if !in.reject() {
			return ErrCallEnded
		}
		return nil
	})
}

func (in *Incoming) reject() bool {
	if !in.finish(Result{Outcome: OutcomeRejected}) {
		return false
	}
	if err := in.p.sendPeer(in.remote, signaling.TypeReject, nil); err != nil {
		in.log.Debug().Err(err).Msg("reject not sent")
	}
	return true
}

func (in *Incoming) refresh() {
	in.liveness.Reset()
	in.p.metrics.refreshed()
}

func (in *Incoming) onMessage(msg signaling.Inbound) {
	if msg.Type != signaling.TypeCancel {
		return
	}
	if _, ok := matchPeer(msg, in.remote); ok {
		in.finish(Result{Outcome: OutcomeCancelled, Remote: true})
	}
}
