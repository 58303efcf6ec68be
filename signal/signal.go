// Package signal declares the peer negotiation payloads the session
// layer exchanges through the pairing socket. The socket itself never
// looks inside them.
package signal

import "github.com/pion/webrtc/v3"

type SDP = webrtc.SessionDescription

// Message kinds.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Message is one negotiation step between two paired peers.
type Message struct {
	Type      string                   `json:"type"`
	From      string                   `json:"from,omitempty"`
	To        string                   `json:"to,omitempty"`
	SDP       *SDP                     `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}
