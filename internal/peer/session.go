package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/junsooki/dialtone/internal/media"
	"github.com/junsooki/dialtone/internal/signaling"
)

// pionSession drives one PeerConnection.
type pionSession struct {
	remoteID string
	pc       *webrtc.PeerConnection
	log      zerolog.Logger

	mu            sync.Mutex
	pending       []signaling.Candidate
	candidateFns  []func(signaling.Candidate)
	trackFns      []func(*media.RemoteTrack)
	disconnectFns []func(error)
	closed        bool
}

func newPionSession(remoteID string, pc *webrtc.PeerConnection, logger zerolog.Logger) *pionSession {
	s := &pionSession{
		remoteID: remoteID,
		pc:       pc,
		log:      logger.With().Str("peer", remoteID).Logger(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.localCandidate(candidateFromPion(c.ToJSON()))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.log.Info().Str("kind", track.Kind().String()).Str("track", track.ID()).Msg("remote track")
		rt := media.NewRemoteTrack(track)
		s.mu.Lock()
		fns := append([]func(*media.RemoteTrack){}, s.trackFns...)
		s.mu.Unlock()
		for _, fn := range fns {
			fn(rt)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed:
			s.disconnected(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			s.disconnected(errors.New("peer connection closed"))
		}
	})

	return s
}

func (s *pionSession) localCandidate(c signaling.Candidate) {
	s.mu.Lock()
	if len(s.candidateFns) == 0 {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	fns := append([]func(signaling.Candidate){}, s.candidateFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (s *pionSession) disconnected(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fns := append([]func(error){}, s.disconnectFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (s *pionSession) AttachLocalMedia(purpose media.Purpose) (*media.Handle, error) {
	h, err := media.NewHandle(purpose, "dialtone")
	if err != nil {
		return nil, err
	}
	if _, err := s.pc.AddTrack(h.Track()); err != nil {
		return nil, fmt.Errorf("add %s track: %w", purpose, err)
	}
	return h, nil
}

func (s *pionSession) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, negotiationErr("create offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, negotiationErr("set local offer", err)
	}
	return descriptionFromPion(offer), nil
}

func (s *pionSession) CreateAnswer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	remote, err := descriptionToPion(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return signaling.SessionDescription{}, negotiationErr("remote offer", err)
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return signaling.SessionDescription{}, negotiationErr("set remote offer", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, negotiationErr("create answer", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, negotiationErr("set local answer", err)
	}
	return descriptionFromPion(answer), nil
}

func (s *pionSession) ApplyRemoteAnswer(ctx context.Context, answer signaling.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remote, err := descriptionToPion(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return negotiationErr("remote answer", err)
	}
	return negotiationErr("set remote answer", s.pc.SetRemoteDescription(remote))
}

func (s *pionSession) AddRemoteCandidate(c signaling.Candidate) error {
	return negotiationErr("add candidate", s.pc.AddICECandidate(candidateToPion(c)))
}

func (s *pionSession) OnLocalCandidate(fn func(signaling.Candidate)) {
	s.mu.Lock()
	s.candidateFns = append(s.candidateFns, fn)
	buffered := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range buffered {
		fn(c)
	}
}

func (s *pionSession) OnRemoteTrack(fn func(*media.RemoteTrack)) {
	s.mu.Lock()
	s.trackFns = append(s.trackFns, fn)
	s.mu.Unlock()
}

func (s *pionSession) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	s.disconnectFns = append(s.disconnectFns, fn)
	s.mu.Unlock()
}

// Close releases the PeerConnection. It is safe to call more than once.
func (s *pionSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.pc.Close()
}
