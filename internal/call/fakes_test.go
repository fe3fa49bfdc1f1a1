package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/junsooki/dialtone/internal/media"
	"github.com/junsooki/dialtone/internal/peer"
	"github.com/junsooki/dialtone/internal/signaling"
)

const waitFor = 2 * time.Second
const pollEvery = 5 * time.Millisecond

type sentMessage struct {
	To      string
	Message signaling.Message
}

// network connects fake channels by id.
type network struct {
	mu     sync.Mutex
	phones map[string]*Phone
}

func newNetwork() *network { return &network{phones: make(map[string]*Phone)} }

func (n *network) attach(id string, p *Phone) {
	n.mu.Lock()
	n.phones[id] = p
	n.mu.Unlock()
}

func (n *network) deliver(from, to string, m signaling.Message) {
	n.mu.Lock()
	p := n.phones[to]
	n.mu.Unlock()
	if p != nil {
		p.Deliver(signaling.Inbound{Message: m, From: from})
	}
}

type fakeChannel struct {
	id  string
	net *network

	mu        sync.Mutex
	available bool
	sendErr   error
	sent      []sentMessage
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, available: true}
}

func (c *fakeChannel) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

func (c *fakeChannel) LocalID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, c.available
}

func (c *fakeChannel) SendSignaling(to string, t signaling.Type, content any) error {
	m, err := signaling.NewMessage(t, content)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if !c.available {
		c.mu.Unlock()
		return signaling.ErrChannelUnavailable
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, sentMessage{To: to, Message: m})
	c.mu.Unlock()

	if c.net != nil {
		c.net.deliver(c.id, to, m)
	}
	return nil
}

func (c *fakeChannel) setAvailable(v bool) {
	c.mu.Lock()
	c.available = v
	c.mu.Unlock()
}

func (c *fakeChannel) sentOf(t signaling.Type) []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMessage
	for _, s := range c.sent {
		if s.Message.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func (c *fakeChannel) countOf(t signaling.Type) int { return len(c.sentOf(t)) }

// fakeNegotiator hands out scripted sessions.
type fakeNegotiator struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	answerErr error
	applyErr  error
}

func (n *fakeNegotiator) NewSession(remoteID string) (peer.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &fakeSession{remote: remoteID, answerErr: n.answerErr, applyErr: n.applyErr}
	n.sessions = append(n.sessions, s)
	return s, nil
}

func (n *fakeNegotiator) session(i int) *fakeSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i >= len(n.sessions) {
		return nil
	}
	return n.sessions[i]
}

func (n *fakeNegotiator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

type fakeSession struct {
	remote    string
	answerErr error

	mu           sync.Mutex
	applyErr     error
	attached     []media.Purpose
	answered     []signaling.SessionDescription
	applied      []signaling.SessionDescription
	candidates   []signaling.Candidate
	candidateFns []func(signaling.Candidate)
	disconnectFn func(error)
	closed       bool
}

func (s *fakeSession) AttachLocalMedia(p media.Purpose) (*media.Handle, error) {
	s.mu.Lock()
	s.attached = append(s.attached, p)
	s.mu.Unlock()
	return media.NewHandle(p, "test")
}

func (s *fakeSession) CreateOffer(context.Context) (signaling.SessionDescription, error) {
	return signaling.SessionDescription{Type: "offer", SDP: "v=0 offer for " + s.remote}, nil
}

func (s *fakeSession) CreateAnswer(_ context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if s.answerErr != nil {
		return signaling.SessionDescription{}, &peer.NegotiationError{Op: "create answer", Err: s.answerErr}
	}
	s.mu.Lock()
	s.answered = append(s.answered, offer)
	s.mu.Unlock()
	return signaling.SessionDescription{Type: "answer", SDP: "v=0 answer for " + s.remote}, nil
}

func (s *fakeSession) ApplyRemoteAnswer(_ context.Context, answer signaling.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return &peer.NegotiationError{Op: "set remote answer", Err: s.applyErr}
	}
	s.applied = append(s.applied, answer)
	return nil
}

func (s *fakeSession) setApplyErr(err error) {
	s.mu.Lock()
	s.applyErr = err
	s.mu.Unlock()
}

func (s *fakeSession) AddRemoteCandidate(c signaling.Candidate) error {
	s.mu.Lock()
	s.candidates = append(s.candidates, c)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) OnLocalCandidate(fn func(signaling.Candidate)) {
	s.mu.Lock()
	s.candidateFns = append(s.candidateFns, fn)
	s.mu.Unlock()
}

func (s *fakeSession) OnRemoteTrack(func(*media.RemoteTrack)) {}

func (s *fakeSession) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	s.disconnectFn = fn
	s.mu.Unlock()
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) emitCandidate(c signaling.Candidate) {
	s.mu.Lock()
	fns := append([]func(signaling.Candidate){}, s.candidateFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (s *fakeSession) disconnect(err error) {
	s.mu.Lock()
	fn := s.disconnectFn
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) appliedAnswers() []signaling.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.SessionDescription{}, s.applied...)
}

func (s *fakeSession) remoteCandidates() []signaling.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Candidate{}, s.candidates...)
}

var errMediaLost = errors.New("media lost")

type testPhone struct {
	*Phone
	ch *fakeChannel
}

func newTestPhone(t *testing.T, id string, clk clock.Clock, opts Options) testPhone {
	t.Helper()
	ch := newFakeChannel(id)
	opts.Clock = clk
	opts.Logger = zerolog.New(zerolog.NewTestWriter(t)).With().Str("phone", id).Logger()
	p := NewPhone(ch, opts)
	t.Cleanup(func() { _ = p.Close() })
	return testPhone{Phone: p, ch: ch}
}

// pair builds two phones connected through an in-memory network.
func pair(t *testing.T, clk clock.Clock, optsA, optsB Options) (testPhone, testPhone) {
	t.Helper()
	net := newNetwork()
	a := newTestPhone(t, "alice", clk, optsA)
	b := newTestPhone(t, "bob", clk, optsB)
	a.ch.net, b.ch.net = net, net
	net.attach("alice", a.Phone)
	net.attach("bob", b.Phone)
	return a, b
}

// flush waits until everything queued on the loop so far has run.
func flush(t *testing.T, p *Phone) {
	t.Helper()
	require.NoError(t, p.loop.call(context.Background(), func() error { return nil }))
}

func stats(t *testing.T, p *Phone) Stats {
	t.Helper()
	s, err := p.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func inbound(t *testing.T, typ signaling.Type, content any) signaling.Inbound {
	t.Helper()
	m, err := signaling.NewMessage(typ, content)
	require.NoError(t, err)
	return signaling.Inbound{Message: m}
}

func rawInbound(typ signaling.Type, raw string) signaling.Inbound {
	return signaling.Inbound{Message: signaling.Message{Type: typ, Content: json.RawMessage(raw)}}
}

// incomingCh collects incoming invitations.
func incomingCh(p *Phone) <-chan *Incoming {
	c := make(chan *Incoming, 16)
	p.OnIncoming(func(in *Incoming) { c <- in })
	return c
}

func receive[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

// endings records every terminal result of a call.
type endings struct {
	mu      sync.Mutex
	results []Result
}

func track(c Call) *endings {
	e := &endings{}
	c.OnEnd(func(r Result) {
		e.mu.Lock()
		e.results = append(e.results, r)
		e.mu.Unlock()
	})
	return e
}

func (e *endings) all() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result{}, e.results...)
}

func (e *endings) count() int { return len(e.all()) }

func waitDone(t *testing.T, c Call) Result {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatalf("%s call with %s did not end, state %s", c.Kind(), c.Peer(), c.State())
	}
	res, ok := c.Result()
	require.True(t, ok)
	return res
}
