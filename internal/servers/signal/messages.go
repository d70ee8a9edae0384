package signal

import (
	"github.com/pion/webrtc/v4"
)

// clientMessage is the envelope of every browser-originated frame.
// Fields are populated depending on the id.
type clientMessage struct {
	ID        string                   `json:"id"`
	Room      string                   `json:"room,omitempty"`
	Name      string                   `json:"name,omitempty"`
	Sender    string                   `json:"sender,omitempty"`
	SdpOffer  string                   `json:"sdpOffer,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

type errorMessage struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type startResponseMessage struct {
	ID        string `json:"id"`
	SdpAnswer string `json:"sdpAnswer"`
}

type candidateMessage struct {
	ID        string                  `json:"id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}
