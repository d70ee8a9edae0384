package room

import (
	"github.com/pion/webrtc/v4"
)

// server-originated frames of the browser signaling protocol.

type existingParticipantsMessage struct {
	ID   string   `json:"id"`
	Data []string `json:"data"`
}

type newParticipantArrivedMessage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type participantLeftMessage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type receiveVideoAnswerMessage struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SdpAnswer string `json:"sdpAnswer"`
}

type iceCandidateMessage struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}
