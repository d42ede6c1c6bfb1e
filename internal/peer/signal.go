package peer

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
)

// Signal is one negotiation payload relayed through the rendezvous server.
// It is either a session description or a single ICE candidate.
type Signal struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func (s Signal) IsCandidate() bool { return s.Candidate != nil }

func (s Signal) description() webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if s.Type == TypeAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}
}

// ParseSignal decodes a relayed payload
func ParseSignal(raw json.RawMessage) (Signal, error) {
	var s Signal
	err := json.Unmarshal(raw, &s)
	return s, err
}
