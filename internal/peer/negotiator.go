package peer

import (
	"context"
	"errors"

	"github.com/junsooki/dialtone/internal/media"
	"github.com/junsooki/dialtone/internal/signaling"
)

// ErrNegotiation matches every *NegotiationError.
var ErrNegotiation = errors.New("negotiation failed")

// NegotiationError reports a rejected offer/answer step.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string { return "negotiation: " + e.Op + ": " + e.Err.Error() }

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiation }

func negotiationErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &NegotiationError{Op: op, Err: err}
}

// Negotiator creates one negotiation session per call.
type Negotiator interface {
	NewSession(remoteID string) (Session, error)
}

// Session is the offer/answer engine for a single call. Its internals
// (ICE, DTLS, media transport) are opaque to the signaling layer.
type Session interface {
	AttachLocalMedia(purpose media.Purpose) (*media.Handle, error)
	CreateOffer(ctx context.Context) (signaling.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error)
	ApplyRemoteAnswer(ctx context.Context, answer signaling.SessionDescription) error
	AddRemoteCandidate(c signaling.Candidate) error

	// OnLocalCandidate registers fn for locally gathered candidates.
	// Candidates gathered before the first registration are buffered and
	// handed to it.
	OnLocalCandidate(fn func(signaling.Candidate))
	OnRemoteTrack(fn func(*media.RemoteTrack))
	// OnDisconnect registers fn for a media path that failed or closed
	// without Close being called.
	OnDisconnect(fn func(error))

	Close() error
}
