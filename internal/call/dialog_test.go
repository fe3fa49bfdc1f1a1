package call

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junsooki/dialtone/internal/media"
	"github.com/junsooki/dialtone/internal/peer"
	"github.com/junsooki/dialtone/internal/signaling"
)

// connect dials from a to b and accepts on b.
func connect(t *testing.T, clk *clock.Mock, a, b testPhone) (*Dialing, *Dialog, *Dialog) {
	t.Helper()
	incoming := incomingCh(b.Phone)

	d, err := a.Dial(context.Background(), b.ch.id)
	require.NoError(t, err)
	tickUntil(t, clk, a.ch, time.Second, 1)

	in := receive(t, incoming)
	assert.Equal(t, a.ch.id, in.Peer())
	callee, err := in.Accept(context.Background())
	require.NoError(t, err)

	res := waitDone(t, d)
	require.Equal(t, OutcomeAccepted, res.Outcome)
	assert.True(t, res.Remote)
	require.NotNil(t, res.Dialog)

	inRes := waitDone(t, in)
	assert.Equal(t, OutcomeAccepted, inRes.Outcome)
	assert.Same(t, callee, inRes.Dialog)
	return d, res.Dialog, callee
}

func assertIdle(t *testing.T, p *Phone) {
	t.Helper()
	s := stats(t, p)
	assert.Zero(t, s.Dialing)
	assert.Empty(t, s.Incoming)
	assert.Zero(t, s.Dialogs)
	assert.Zero(t, s.Listeners)
}

func TestRoundTripLeavesNoReferences(t *testing.T) {
	clk := clock.NewMock()
	a, b := pair(t, clk, Options{}, Options{})

	_, caller, callee := connect(t, clk, a, b)
	assert.Equal(t, StateActive, caller.State())
	assert.Equal(t, StateActive, callee.State())
	calleeEnds := track(callee)

	// Late announcements do not ring again.
	b.Deliver(dialingFrom(t, "alice"))
	flush(t, b.Phone)
	assert.Empty(t, stats(t, b.Phone).Incoming)

	require.NoError(t, caller.Hangup())
	assert.ErrorIs(t, caller.Hangup(), ErrCallEnded)

	res := waitDone(t, callee)
	assert.Equal(t, OutcomeHungUp, res.Outcome)
	assert.True(t, res.Remote)
	require.Eventually(t, func() bool { return calleeEnds.count() == 1 }, waitFor, pollEvery)

	assertIdle(t, a.Phone)
	assertIdle(t, b.Phone)
}

func TestRejectReachesDialer(t *testing.T) {
	clk := clock.NewMock()
	a, b := pair(t, clk, Options{}, Options{})
	incoming := incomingCh(b.Phone)

	d, err := a.Dial(context.Background(), "bob")
	require.NoError(t, err)
	tickUntil(t, clk, a.ch, time.Second, 1)

	require.NoError(t, receive(t, incoming).Reject())
	res := waitDone(t, d)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.True(t, res.Remote)
	assertIdle(t, a.Phone)
	assertIdle(t, b.Phone)
}

func TestCancelReachesCallee(t *testing.T) {
	clk := clock.NewMock()
	a, b := pair(t, clk, Options{}, Options{})
	incoming := incomingCh(b.Phone)

	d, err := a.Dial(context.Background(), "bob")
	require.NoError(t, err)
	tickUntil(t, clk, a.ch, time.Second, 1)
	in := receive(t, incoming)

	require.NoError(t, d.Cancel())
	res := waitDone(t, in)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.True(t, res.Remote)
	assertIdle(t, b.Phone)
}

func TestNegotiatedCall(t *testing.T) {
	clk := clock.NewMock()
	negA, negB := &fakeNegotiator{}, &fakeNegotiator{}
	voice := []media.Purpose{media.PurposeVoice}
	a, b := pair(t, clk,
		Options{Negotiator: negA, Media: voice},
		Options{Negotiator: negB, Media: voice})

	_, caller, callee := connect(t, clk, a, b)
	require.Len(t, caller.Handles(), 1)
	require.Len(t, callee.Handles(), 1)

	sessA, sessB := negA.session(0), negB.session(0)
	require.NotNil(t, sessA)
	require.NotNil(t, sessB)

	// The callee answered the offer carried by the invitation and the
	// caller applied that answer.
	require.Eventually(t, func() bool { return len(sessA.appliedAnswers()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, "answer", sessA.appliedAnswers()[0].Type)
	assert.Equal(t, "v=0 answer for alice", sessA.appliedAnswers()[0].SDP)

	// Trickled candidates reach the other session.
	sessB.emitCandidate(signaling.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host"})
	require.Eventually(t, func() bool { return len(sessA.remoteCandidates()) == 1 }, waitFor, pollEvery)
	sessA.emitCandidate(signaling.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"})
	require.Eventually(t, func() bool { return len(sessB.remoteCandidates()) == 1 }, waitFor, pollEvery)

	// Renegotiation from the callee is answered by the caller.
	require.NoError(t, callee.Renegotiate(context.Background()))
	require.Eventually(t, func() bool { return len(sessB.appliedAnswers()) == 1 }, waitFor, pollEvery)

	// Losing media fails the dialog and hangs up the peer.
	sessA.disconnect(errMediaLost)
	res := waitDone(t, caller)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, errMediaLost)
	assert.True(t, sessA.isClosed())

	res = waitDone(t, callee)
	assert.Equal(t, OutcomeHungUp, res.Outcome)
	assert.True(t, sessB.isClosed())
	assertIdle(t, a.Phone)
	assertIdle(t, b.Phone)
}

// assertNegotiationFailed checks that failed ended with a negotiation
// error after telling hungUp, and that both sessions were released.
func assertNegotiationFailed(t *testing.T, failed, hungUp *Dialog, failedCh *fakeChannel, failedSess, hungUpSess *fakeSession) {
	t.Helper()
	res := waitDone(t, failed)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, peer.ErrNegotiation)
	assert.False(t, res.Remote)
	assert.True(t, failedSess.isClosed())
	// The Hangup follows the terminal transition on the loop.
	require.Eventually(t, func() bool { return failedCh.countOf(signaling.TypeHangup) == 1 }, waitFor, pollEvery)

	res = waitDone(t, hungUp)
	assert.Equal(t, OutcomeHungUp, res.Outcome)
	assert.True(t, res.Remote)
	assert.True(t, hungUpSess.isClosed())
}

func TestBadAnswerOnAcceptFailsDialog(t *testing.T) {
	clk := clock.NewMock()
	negA := &fakeNegotiator{applyErr: assert.AnError}
	negB := &fakeNegotiator{}
	a, b := pair(t, clk, Options{Negotiator: negA}, Options{Negotiator: negB})

	_, caller, callee := connect(t, clk, a, b)
	assertNegotiationFailed(t, caller, callee, a.ch, negA.session(0), negB.session(0))
	assertIdle(t, a.Phone)
	assertIdle(t, b.Phone)
}

func TestFailedRenegotiationOfferFailsDialog(t *testing.T) {
	clk := clock.NewMock()
	// The caller only offers during setup, so its answer step is first
	// exercised by the renegotiation.
	negA := &fakeNegotiator{answerErr: assert.AnError}
	negB := &fakeNegotiator{}
	a, b := pair(t, clk, Options{Negotiator: negA}, Options{Negotiator: negB})

	_, caller, callee := connect(t, clk, a, b)
	sessA := negA.session(0)
	require.Eventually(t, func() bool { return len(sessA.appliedAnswers()) == 1 }, waitFor, pollEvery)

	require.NoError(t, callee.Renegotiate(context.Background()))
	assertNegotiationFailed(t, caller, callee, a.ch, sessA, negB.session(0))
}

func TestFailedRenegotiationAnswerFailsDialog(t *testing.T) {
	clk := clock.NewMock()
	negA, negB := &fakeNegotiator{}, &fakeNegotiator{}
	a, b := pair(t, clk, Options{Negotiator: negA}, Options{Negotiator: negB})

	_, caller, callee := connect(t, clk, a, b)
	sessA, sessB := negA.session(0), negB.session(0)
	require.Eventually(t, func() bool { return len(sessA.appliedAnswers()) == 1 }, waitFor, pollEvery)

	sessB.setApplyErr(assert.AnError)
	require.NoError(t, callee.Renegotiate(context.Background()))
	assertNegotiationFailed(t, callee, caller, b.ch, sessB, sessA)
}

func TestAcceptFailsOnBadOffer(t *testing.T) {
	clk := clock.NewMock()
	negA := &fakeNegotiator{}
	negB := &fakeNegotiator{answerErr: assert.AnError}
	a, b := pair(t, clk, Options{Negotiator: negA}, Options{Negotiator: negB})
	incoming := incomingCh(b.Phone)

	_, err := a.Dial(context.Background(), "bob")
	require.NoError(t, err)
	tickUntil(t, clk, a.ch, time.Second, 1)
	in := receive(t, incoming)

	_, err = in.Accept(context.Background())
	assert.ErrorIs(t, err, peer.ErrNegotiation)
	assert.Equal(t, StateRinging, in.State())
	assert.True(t, negB.session(0).isClosed())
	require.NoError(t, in.Reject())
}

func TestAcceptWithoutOfferFailsNegotiation(t *testing.T) {
	clk := clock.NewMock()
	a, b := pair(t, clk, Options{}, Options{Negotiator: &fakeNegotiator{}})
	incoming := incomingCh(b.Phone)

	_, err := a.Dial(context.Background(), "bob")
	require.NoError(t, err)
	tickUntil(t, clk, a.ch, time.Second, 1)

	_, err = receive(t, incoming).Accept(context.Background())
	assert.ErrorIs(t, err, peer.ErrNegotiation)
}

func TestGlareKeepsOneDialog(t *testing.T) {
	clk := clock.NewMock()
	a, b := pair(t, clk, Options{}, Options{})
	inA, inB := incomingCh(a.Phone), incomingCh(b.Phone)

	da, err := a.Dial(context.Background(), "bob")
	require.NoError(t, err)
	db, err := b.Dial(context.Background(), "alice")
	require.NoError(t, err)

	clk.Add(time.Second)
	fromBob := receive(t, inA)
	fromAlice := receive(t, inB)

	_, err = fromAlice.Accept(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, waitDone(t, da).Outcome)
	assert.Equal(t, OutcomeCancelled, waitDone(t, db).Outcome)
	assert.Equal(t, OutcomeCancelled, waitDone(t, fromBob).Outcome)

	for _, p := range []*Phone{a.Phone, b.Phone} {
		s := stats(t, p)
		assert.Equal(t, 1, s.Dialogs)
		assert.Zero(t, s.Dialing)
		assert.Empty(t, s.Incoming)
	}
}

func TestGlarePeerAcceptsFirstKeepsOneDialog(t *testing.T) {
	clk := clock.NewMock()
	a := newTestPhone(t, "alice", clk, Options{})
	incoming := incomingCh(a.Phone)

	d, err := a.Dial(context.Background(), "bob")
	require.NoError(t, err)
	tickUntil(t, clk, a.ch, time.Second, 1)

	// Bob dials us as well, then accepts our call. His Cancel for his own
	// invitation has not arrived yet.
	a.Deliver(dialingFrom(t, "bob"))
	in := receive(t, incoming)
	a.Deliver(inbound(t, signaling.TypeAccept, signaling.PeerInfo{ID: "bob"}))

	res := waitDone(t, d)
	require.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, OutcomeCancelled, waitDone(t, in).Outcome)

	_, err = in.Accept(context.Background())
	assert.ErrorIs(t, err, ErrCallEnded)
	assert.Zero(t, a.ch.countOf(signaling.TypeAccept))

	s := stats(t, a.Phone)
	assert.Equal(t, 1, s.Dialogs)
	assert.Equal(t, 1, s.Listeners)
	assert.Empty(t, s.Incoming)

	require.NoError(t, a.Close())
	assert.Equal(t, OutcomeHungUp, waitDone(t, res.Dialog).Outcome)
}

// establish creates a dialog with remoteID directly on the loop.
func establish(t *testing.T, p *Phone, remoteID string) *Dialog {
	t.Helper()
	var dlg *Dialog
	require.NoError(t, p.loop.call(context.Background(), func() error {
		dlg = newDialog(p, remoteID, nil, nil)
		return nil
	}))
	return dlg
}

func TestAcceptWhileInDialogIsBusy(t *testing.T) {
	clk := clock.NewMock()
	a := newTestPhone(t, "alice", clk, Options{})
	incoming := incomingCh(a.Phone)

	a.Deliver(dialingFrom(t, "bob"))
	in := receive(t, incoming)
	existing := establish(t, a.Phone, "bob")

	_, err := in.Accept(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	res := waitDone(t, in)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrBusy)
	assert.Zero(t, a.ch.countOf(signaling.TypeAccept))

	s := stats(t, a.Phone)
	assert.Equal(t, 1, s.Dialogs)
	assert.Equal(t, 1, s.Listeners)
	assert.Equal(t, StateActive, existing.State())
}

func TestAcceptedDialWhileInDialogIsBusy(t *testing.T) {
	clk := clock.NewMock()
	a := newTestPhone(t, "alice", clk, Options{})

	d, err := a.Dial(context.Background(), "bob")
	require.NoError(t, err)
	existing := establish(t, a.Phone, "bob")

	a.Deliver(inbound(t, signaling.TypeAccept, signaling.PeerInfo{ID: "bob"}))
	res := waitDone(t, d)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrBusy)
	assert.Nil(t, res.Dialog)
	require.Eventually(t, func() bool { return a.ch.countOf(signaling.TypeCancel) == 1 }, waitFor, pollEvery)

	s := stats(t, a.Phone)
	assert.Equal(t, 1, s.Dialogs)
	assert.Equal(t, 1, s.Listeners)
	assert.Equal(t, StateActive, existing.State())
}

func TestGreeting(t *testing.T) {
	clk := clock.NewMock()
	a, b := pair(t, clk, Options{}, Options{})
	greetA, greetB := make(chan Greeting, 1), make(chan Greeting, 1)
	a.OnGreeting(func(g Greeting) { greetA <- g })
	b.OnGreeting(func(g Greeting) { greetB <- g })

	require.NoError(t, a.Greet("bob"))
	assert.Equal(t, Greeting{From: "alice"}, receive(t, greetB))
	assert.Equal(t, Greeting{From: "bob", Reply: true}, receive(t, greetA))

	assert.ErrorIs(t, a.Greet(""), ErrInvalidPeer)
	a.ch.setAvailable(false)
	assert.ErrorIs(t, a.Greet("bob"), signaling.ErrChannelUnavailable)
}

func TestObserversDoNotClobberEachOther(t *testing.T) {
	clk := clock.NewMock()
	b := newTestPhone(t, "bob", clk, Options{})
	first, second := incomingCh(b.Phone), make(chan *Incoming, 1)
	remove := b.OnIncoming(func(in *Incoming) { second <- in })

	b.Deliver(dialingFrom(t, "alice"))
	in := receive(t, first)
	assert.Same(t, in, receive(t, second))

	remove()
	b.Deliver(dialingFrom(t, "carol"))
	assert.Equal(t, "carol", receive(t, first).Peer())
	select {
	case <-second:
		t.Fatal("removed observer was called")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestOnEndAfterEndReportsStoredResult(t *testing.T) {
	clk := clock.NewMock()
	a := newTestPhone(t, "alice", clk, Options{})
	d, err := a.Dial(context.Background(), "bob")
	require.NoError(t, err)
	require.NoError(t, d.Cancel())

	got := make(chan Result, 2)
	d.OnEnd(func(r Result) { got <- r })
	assert.Equal(t, OutcomeCancelled, receive(t, got).Outcome)
	select {
	case <-got:
		t.Fatal("late observer called twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCallbacksMayCallBackIntoPhone(t *testing.T) {
	clk := clock.NewMock()
	a, b := pair(t, clk, Options{}, Options{})
	accepted := make(chan *Dialog, 1)
	b.OnIncoming(func(in *Incoming) {
		dlg, err := in.Accept(context.Background())
		if err == nil {
			accepted <- dlg
		}
	})

	d, err := a.Dial(context.Background(), "bob")
	require.NoError(t, err)
	d.OnEnd(func(r Result) {
		if r.Dialog != nil {
			_ = r.Dialog.Hangup()
		}
	})
	tickUntil(t, clk, a.ch, time.Second, 1)

	callee := receive(t, accepted)
	assert.Equal(t, OutcomeHungUp, waitDone(t, callee).Outcome)
}

func TestCloseEndsEverything(t *testing.T) {
	clk := clock.NewMock()
	a, b := pair(t, clk, Options{}, Options{})
	incoming := incomingCh(a.Phone)

	_, _, callee := connect(t, clk, a, b)
	d, err := a.Dial(context.Background(), "carol")
	require.NoError(t, err)
	a.Deliver(dialingFrom(t, "dave"))
	in := receive(t, incoming)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Close(), ErrClosed)

	assert.Equal(t, OutcomeCancelled, waitDone(t, d).Outcome)
	assert.Equal(t, OutcomeRejected, waitDone(t, in).Outcome)
	assert.Equal(t, OutcomeHungUp, waitDone(t, callee).Outcome)

	_, err = a.Dial(context.Background(), "erin")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.Cancel(), ErrCallEnded)
}

func TestMetricsFollowLifecycle(t *testing.T) {
	clk := clock.NewMock()
	m := NewMetrics(prometheus.NewRegistry())
	a, b := pair(t, clk, Options{Metrics: m}, Options{})

	_, caller, _ := connect(t, clk, a, b)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("dialing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("dialing", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active.WithLabelValues("dialog")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.active.WithLabelValues("dialing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dialRetries))

	require.NoError(t, caller.Hangup())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("dialog", "hung_up")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.active.WithLabelValues("dialog")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.dialogDuration))
}
