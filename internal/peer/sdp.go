package peer

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/junsooki/dialtone/internal/signaling"
)

func descriptionFromPion(desc webrtc.SessionDescription) signaling.SessionDescription {
	return signaling.SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

// descriptionToPion checks the declared type and that the body parses as SDP
// before handing it to the engine.
func descriptionToPion(d signaling.SessionDescription, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	if d.Type != want.String() {
		return webrtc.SessionDescription{}, fmt.Errorf("expected sdp type %q, got %q", want.String(), d.Type)
	}
	if _, err := MediaKinds(d.SDP); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: want, SDP: d.SDP}, nil
}

// MediaKinds parses raw SDP and returns the media type of each m= section.
func MediaKinds(raw string) ([]string, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	kinds := make([]string, 0, len(sd.MediaDescriptions))
	for _, m := range sd.MediaDescriptions {
		kinds = append(kinds, m.MediaName.Media)
	}
	return kinds, nil
}

func candidateFromPion(init webrtc.ICECandidateInit) signaling.Candidate {
	return signaling.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func candidateToPion(c signaling.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
