package call

import (
	"context"
	"time"

	"github.com/junsooki/dialtone/internal/media"
	"github.com/junsooki/dialtone/internal/peer"
	"github.com/junsooki/dialtone/internal/signaling"
)

// Dialog is an established call. Offer, answer and candidate messages from
// the peer are applied to the session one at a time, in arrival order.
type Dialog struct {
	attempt

	session peer.Session
	handles []*media.Handle
	tracks  observers[*media.RemoteTrack]

	ctx     context.Context
	cancel  context.CancelFunc
	queue   *fifo
	started time.Time
}

func newDialog(p *Phone, remoteID string, sess peer.Session, handles []*media.Handle) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dialog{session: sess, handles: handles, ctx: ctx, cancel: cancel}
	d.init(p, KindDialog, remoteID, newDialogMachine())
	d.queue = newFIFO(d.log.With().Str("queue", "negotiation").Logger())
	d.started = p.clk.Now()

	d.listen(d.onMessage)
	d.own(stopFunc(cancel))
	d.own(d.queue)
	d.release = func(Result) {
		if p.dialogs[remoteID] == d {
			delete(p.dialogs, remoteID)
		}
		p.metrics.dialogEnded(p.clk.Since(d.started))
		if d.session != nil {
			_ = d.session.Close()
		}
	}

	if sess != nil {
		sess.OnLocalCandidate(func(c signaling.Candidate) {
			p.loop.post(func() { d.sendCandidate(c) })
		})
		sess.OnRemoteTrack(func(t *media.RemoteTrack) {
			fns := d.tracks.snapshot()
			p.notify(func() {
				for _, fn := range fns {
					fn(t)
				}
			})
		})
		sess.OnDisconnect(func(err error) {
			p.loop.post(func() { d.fail(err) })
		})
	}

	p.dialogs[remoteID] = d
	p.metrics.started(KindDialog)
	d.log.Info().Bool("media", sess != nil).Msg("dialog established")
	return d
}

// Handles returns the local media attached to the session.
func (d *Dialog) Handles() []*media.Handle { return d.handles }

// OnRemoteTrack registers fn for media tracks received from the peer.
func (d *Dialog) OnRemoteTrack(fn func(*media.RemoteTrack)) (remove func()) {
	return d.tracks.add(fn)
}

// Hangup ends the dialog and tells the peer, best effort.
func (d *Dialog) Hangup() error {
	return d.exec(context.Background(), func() error {
		if !d.hangup() {
			return ErrCallEnded
		}
		return nil
	})
}

// Renegotiate sends a fresh offer to the peer; the answer is applied when
// it arrives.
func (d *Dialog) Renegotiate(ctx context.Context) error {
	if d.session == nil {
		return nil
	}
	if d.isEnded() {
		return ErrCallEnded
	}
	errc := make(chan error, 1)
	ok := d.queue.push(func() {
		offer, err := d.session.CreateOffer(ctx)
		if err != nil {
			errc <- err
			return
		}
		errc <- d.exec(ctx, func() error {
			if d.isEnded() {
				return ErrCallEnded
			}
			return d.sendDescription(signaling.TypeOffer, offer)
		})
	})
	if !ok {
		return ErrCallEnded
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dialog) hangup() bool {
	if !d.finish(Result{Outcome: OutcomeHungUp}) {
		return false
	}
	d.bye()
	return true
}

// fail ends the dialog after a media or negotiation failure. Runs on the loop.
func (d *Dialog) fail(err error) {
	if d.finish(Result{Outcome: OutcomeFailed, Err: err}) {
		d.bye()
	}
}

func (d *Dialog) bye() {
	if err := d.p.sendPeer(d.remote, signaling.TypeHangup, nil); err != nil {
		d.log.Debug().Err(err).Msg("hangup not sent")
	}
}

// negotiate queues a session step. A failing step fails the dialog.
func (d *Dialog) negotiate(step func(ctx context.Context) error) {
	d.queue.push(func() {
		if d.ctx.Err() != nil {
			return
		}
		if err := step(d.ctx); err != nil {
			d.p.loop.post(func() { d.fail(err) })
		}
	})
}

func (d *Dialog) sendDescription(t signaling.Type, desc signaling.SessionDescription) error {
	myID, err := d.p.localID()
	if err != nil {
		return err
	}
	return d.p.send(d.remote, t, signaling.DescriptionMessage{RemoteID: myID, Description: desc})
}

func (d *Dialog) sendCandidate(c signaling.Candidate) {
	if d.isEnded() {
		return
	}
	myID, err := d.p.localID()
	if err == nil {
		err = d.p.send(d.remote, signaling.TypeCandidate, signaling.CandidateMessage{RemoteID: myID, Candidate: c})
	}
	if err != nil {
		d.log.Debug().Err(err).Msg("candidate not sent")
	}
}

func (d *Dialog) onMessage(in signaling.Inbound) {
	switch in.Type {
	case signaling.TypeHangup:
		if _, ok := matchPeer(in, d.remote); ok {
			d.finish(Result{Outcome: OutcomeHungUp, Remote: true})
		}
	case signaling.TypeOffer:
		msg, err := in.Description()
		if err != nil || msg.RemoteID != d.remote || d.session == nil {
			return
		}
		d.negotiate(func(ctx context.Context) error {
			answer, err := d.session.CreateAnswer(ctx, msg.Description)
			if err != nil {
				return err
			}
			d.p.loop.post(func() {
				if d.isEnded() {
					return
				}
				if err := d.sendDescription(signaling.TypeAnswer, answer); err != nil {
					d.log.Warn().Err(err).Msg("answer not sent")
				}
			})
			return nil
		})
	case signaling.TypeAnswer:
		msg, err := in.Description()
		if err != nil || msg.RemoteID != d.remote || d.session == nil {
			return
		}
		d.negotiate(func(ctx context.Context) error {
			return d.session.ApplyRemoteAnswer(ctx, msg.Description)
		})
	case signaling.TypeCandidate:
		msg, err := in.Candidate()
		if err != nil || msg.RemoteID != d.remote || d.session == nil {
			return
		}
		d.queue.push(func() {
			if d.ctx.Err() != nil {
				return
			}
			if err := d.session.AddRemoteCandidate(msg.Candidate); err != nil {
				d.log.Warn().Err(err).Msg("remote candidate rejected")
			}
		})
	}
}
