package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrMalformedMessage is returned when a signaling payload does not have one of
// the two accepted shapes.
var ErrMalformedMessage = errors.New("malformed signaling message")

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Kind tells which of the two message shapes a Message carries.
type Kind string

const (
	KindDescription Kind = "sdp"
	KindCandidate   Kind = "ice"
)

// Message is a signaling payload relayed between the two participants of a
// session. Exactly one of SDP or ICE is set. The values are kept as raw JSON
// so the relay hands back exactly what the sender published.
type Message struct {
	SDP json.RawMessage `json:"sdp,omitempty"`
	ICE json.RawMessage `json:"ice,omitempty"`
}

// sessionDescription is the wire form of RTCSessionDescriptionInit.
type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ParseMessage decodes and structurally checks a publish body.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if dec.More() {
		return Message{}, fmt.Errorf("%w: trailing data after object", ErrMalformedMessage)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks that exactly one shape is present and that it decodes into
// the matching WebRTC type.
func (m Message) Validate() error {
	hasSDP := present(m.SDP)
	hasICE := present(m.ICE)
	switch {
	case hasSDP && hasICE:
		return fmt.Errorf("%w: both sdp and ice set", ErrMalformedMessage)
	case hasSDP:
		_, err := m.Description()
		return err
	case hasICE:
		_, err := m.Candidate()
		return err
	default:
		return fmt.Errorf("%w: expected sdp or ice", ErrMalformedMessage)
	}
}

// Kind reports the message shape, or "" for an empty message.
func (m Message) Kind() Kind {
	switch {
	case present(m.SDP):
		return KindDescription
	case present(m.ICE):
		return KindCandidate
	}
	return ""
}

// Description decodes the session description. Only offers and answers are
// accepted.
func (m Message) Description() (webrtc.SessionDescription, error) {
	if !isObject(m.SDP) {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp must be an object", ErrMalformedMessage)
	}
	var wire sessionDescription
	if err := json.Unmarshal(m.SDP, &wire); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp: %v", ErrMalformedMessage, err)
	}
	t := webrtc.NewSDPType(wire.Type)
	if t != webrtc.SDPTypeOffer && t != webrtc.SDPTypeAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unsupported sdp type %q", ErrMalformedMessage, wire.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: wire.SDP}, nil
}

// Candidate decodes the ICE candidate.
func (m Message) Candidate() (webrtc.ICECandidateInit, error) {
	if !isObject(m.ICE) {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: ice must be an object", ErrMalformedMessage)
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(m.ICE, &init); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: ice: %v", ErrMalformedMessage, err)
	}
	return init, nil
}

// NewDescriptionMessage wraps a local description for publishing.
func NewDescriptionMessage(desc webrtc.SessionDescription) (Message, error) {
	raw, err := json.Marshal(sessionDescription{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return Message{}, err
	}
	return Message{SDP: raw}, nil
}

// NewCandidateMessage wraps a gathered candidate for publishing.
func NewCandidateMessage(init webrtc.ICECandidateInit) (Message, error) {
	raw, err := json.Marshal(init)
	if err != nil {
		return Message{}, err
	}
	return Message{ICE: raw}, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
