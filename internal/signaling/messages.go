package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope actions.
const (
	ActionMessage   = "message"
	ActionHeartbeat = "heartbeat"
	ActionIdentity  = "identity"
)

// Type is the logical type of a signaling message.
type Type string

// Signaling message types.
const (
	TypeHi        Type = "hi"
	TypeHello     Type = "hello"
	TypeDialing   Type = "dialing"
	TypeAccept    Type = "accept"
	TypeReject    Type = "reject"
	TypeCancel    Type = "cancel"
	TypeHangup    Type = "hangup"
	TypeOffer     Type = "webrtc_offer"
	TypeAnswer    Type = "webrtc_answer"
	TypeCandidate Type = "webrtc_candidate"
)

var (
	// ErrChannelUnavailable is returned when the relay connection is not open
	// or the local identity is not yet known.
	ErrChannelUnavailable = errors.New("signaling: channel unavailable")

	// ErrProtocolMismatch marks inbound data that does not match the schema.
	ErrProtocolMismatch = errors.New("signaling: protocol mismatch")
)

// Envelope is the wire unit exchanged with the relay.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
	Seq    uint64          `json:"seq"`
	From   string          `json:"from,omitempty"`
	To     string          `json:"to,omitempty"`
}

// Message is the payload of an envelope with action "message".
type Message struct {
	Type    Type            `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Inbound is a message as delivered to router listeners.
type Inbound struct {
	Message
	From string
	Seq  uint64
}

// IdentityInfo is the payload of an identity envelope.
type IdentityInfo struct {
	ServerVersion     string `json:"server_version,omitempty"`
	TempID            string `json:"temp_id"`
	HeartbeatInterval int    `json:"heartbeat_interval,omitempty"` // seconds
}

// SessionDescription is an opaque negotiation payload (offer or answer).
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// PeerInfo identifies an endpoint and optionally carries a session description.
type PeerInfo struct {
	ID          string              `json:"id"`
	Description *SessionDescription `json:"sdp,omitempty"`
}

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// DescriptionMessage is the content of Offer and Answer messages.
type DescriptionMessage struct {
	RemoteID    string             `json:"remoteId"`
	Description SessionDescription `json:"sdp"`
}

// CandidateMessage is the content of Candidate messages.
type CandidateMessage struct {
	RemoteID  string    `json:"remoteId"`
	Candidate Candidate `json:"candidate"`
}

// NewMessage encodes content into a Message of type t.
func NewMessage(t Type, content any) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s content: %w", t, err)
	}
	return Message{Type: t, Content: raw}, nil
}

// Known reports whether t is one of the signaling message types.
func (t Type) Known() bool {
	switch t {
	case TypeHi, TypeHello, TypeDialing, TypeAccept, TypeReject, TypeCancel, TypeHangup,
		TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}

// CarriesPeer reports whether messages of type t carry a PeerInfo.
func (t Type) CarriesPeer() bool {
	switch t {
	case TypeDialing, TypeAccept, TypeReject, TypeCancel, TypeHangup:
		return true
	}
	return false
}

// PeerInfo decodes the content of a Dialing, Accept, Reject, Cancel or Hangup message.
func (m Message) PeerInfo() (PeerInfo, error) {
	if !m.Type.CarriesPeer() {
		return PeerInfo{}, fmt.Errorf("%w: %s does not carry peer info", ErrProtocolMismatch, m.Type)
	}
	var p PeerInfo
	if err := decodeContent(m.Content, &p); err != nil {
		return PeerInfo{}, fmt.Errorf("%w: %s: %v", ErrProtocolMismatch, m.Type, err)
	}
	if p.ID == "" {
		return PeerInfo{}, fmt.Errorf("%w: %s: missing peer id", ErrProtocolMismatch, m.Type)
	}
	if d := p.Description; d != nil && (d.Type == "" || d.SDP == "") {
		return PeerInfo{}, fmt.Errorf("%w: %s: incomplete session description", ErrProtocolMismatch, m.Type)
	}
	return p, nil
}

// Description decodes the content of an Offer or Answer message.
func (m Message) Description() (DescriptionMessage, error) {
	if m.Type != TypeOffer && m.Type != TypeAnswer {
		return DescriptionMessage{}, fmt.Errorf("%w: %s does not carry a description", ErrProtocolMismatch, m.Type)
	}
	var d DescriptionMessage
	if err := decodeContent(m.Content, &d); err != nil {
		return DescriptionMessage{}, fmt.Errorf("%w: %s: %v", ErrProtocolMismatch, m.Type, err)
	}
	if d.RemoteID == "" || d.Description.SDP == "" {
		return DescriptionMessage{}, fmt.Errorf("%w: %s: missing remoteId/sdp", ErrProtocolMismatch, m.Type)
	}
	return d, nil
}

// Candidate decodes the content of a Candidate message.
func (m Message) Candidate() (CandidateMessage, error) {
	if m.Type != TypeCandidate {
		return CandidateMessage{}, fmt.Errorf("%w: %s does not carry a candidate", ErrProtocolMismatch, m.Type)
	}
	var c CandidateMessage
	if err := decodeContent(m.Content, &c); err != nil {
		return CandidateMessage{}, fmt.Errorf("%w: %s: %v", ErrProtocolMismatch, m.Type, err)
	}
	if c.RemoteID == "" || c.Candidate.Candidate == "" {
		return CandidateMessage{}, fmt.Errorf("%w: %s: missing remoteId/candidate", ErrProtocolMismatch, m.Type)
	}
	return c, nil
}

// LocalID decodes the sender id carried by Hi and Hello messages.
func (m Message) LocalID() (string, error) {
	if m.Type != TypeHi && m.Type != TypeHello {
		return "", fmt.Errorf("%w: %s does not carry a local id", ErrProtocolMismatch, m.Type)
	}
	var id string
	if err := json.Unmarshal(m.Content, &id); err != nil || id == "" {
		return "", fmt.Errorf("%w: %s: expected non-empty string id", ErrProtocolMismatch, m.Type)
	}
	return id, nil
}

// decodeContent accepts either a JSON object or a JSON string holding an
// encoded object, which older clients send.
func decodeContent(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errors.New("empty content")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		raw = json.RawMessage(inner)
	}
	return json.Unmarshal(raw, v)
}
