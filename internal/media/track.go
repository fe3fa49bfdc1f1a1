package media

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Purpose names what a local track is used for.
type Purpose string

const (
	PurposeVoice Purpose = "voice"
	PurposeVideo Purpose = "video"
)

// ParsePurpose validates a purpose name.
func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(s)
	if _, err := p.codec(); err != nil {
		return "", err
	}
	return p, nil
}

func (p Purpose) codec() (webrtc.RTPCodecCapability, error) {
	switch p {
	case PurposeVoice:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	case PurposeVideo:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	}
	return webrtc.RTPCodecCapability{}, fmt.Errorf("unknown media purpose %q", string(p))
}

// Handle is a local track attached to a negotiation session.
type Handle struct {
	purpose Purpose
	track   *webrtc.TrackLocalStaticSample
}

// NewHandle creates an unbound local track for p within stream streamID.
func NewHandle(p Purpose, streamID string) (*Handle, error) {
	capability, err := p.codec()
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(capability, string(p), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", p, err)
	}
	return &Handle{purpose: p, track: track}, nil
}

func (h *Handle) Purpose() Purpose { return h.purpose }

// Track returns the pion track for adding to a peer connection.
func (h *Handle) Track() webrtc.TrackLocal { return h.track }

// WriteSample sends one encoded sample to every bound connection.
func (h *Handle) WriteSample(data []byte, duration time.Duration) error {
	return h.track.WriteSample(pionmedia.Sample{Data: data, Duration: duration})
}

// RemoteTrack is a media track received from the peer.
type RemoteTrack struct {
	track *webrtc.TrackRemote
}

// NewRemoteTrack wraps a pion remote track.
func NewRemoteTrack(t *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{track: t}
}

func (r *RemoteTrack) ID() string       { return r.track.ID() }
func (r *RemoteTrack) StreamID() string { return r.track.StreamID() }
func (r *RemoteTrack) Kind() string     { return r.track.Kind().String() }

// Drain reads packets until the track ends, handing each to fn.
// It returns nil when the track ends normally.
func (r *RemoteTrack) Drain(fn func(pkt *rtp.Packet)) error {
	for {
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fn(pkt)
	}
}

var (
	_ SampleWriter   = (*Handle)(nil)
	_ PacketReceiver = (*RemoteTrack)(nil)
)
