// Package room contains the room, participant and registry layers of
// the gateway.
package room

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kurogw/kurogw/internal/kurento"
	"github.com/kurogw/kurogw/internal/logger"
)

// ClientConn is the write side of a browser signaling connection.
type ClientConn interface {
	WriteJSON(in interface{}) error
}

// UserSession is the presence of one browser inside a room. It owns
// one outgoing WebRTC endpoint and one incoming endpoint per remote
// sender.
type UserSession struct {
	name     string
	roomName string
	conn     ClientConn
	pipeline *kurento.Pipeline
	parent   logger.Writer

	mutex    sync.Mutex
	outgoing *kurento.WebRtcEndpoint
	incoming map[string]*kurento.WebRtcEndpoint
	closed   bool
}

// creates the outgoing endpoint on the shared pipeline and subscribes
// to its locally gathered ICE candidates, tagged with the
// participant's own name.
func (u *UserSession) initialize() error {
	u.incoming = make(map[string]*kurento.WebRtcEndpoint)

	outgoing, err := u.pipeline.NewWebRtcEndpoint()
	if err != nil {
		return err
	}

	_, err = outgoing.OnICECandidateFound(u.candidateHandler(u.name))
	if err != nil {
		outgoing.Release() //nolint:errcheck
		return err
	}

	u.outgoing = outgoing
	return nil
}

// Log implements logger.Writer.
func (u *UserSession) Log(level logger.Level, format string, args ...interface{}) {
	u.parent.Log(level, "[participant "+u.name+"] "+format, args...)
}

// Name returns the display name of the participant.
func (u *UserSession) Name() string {
	return u.name
}

// RoomName returns the name of the room the participant is in.
func (u *UserSession) RoomName() string {
	return u.roomName
}

// Conn returns the signaling connection of the participant.
func (u *UserSession) Conn() ClientConn {
	return u.conn
}

// Equal reports whether two participants are the same: same name in
// the same room.
func (u *UserSession) Equal(other *UserSession) bool {
	if other == nil {
		return false
	}
	return u.name == other.name && u.roomName == other.roomName
}

// candidateHandler returns an event handler that forwards ICE
// candidates found by the media server to the participant's browser,
// tagged with the media direction label the browser used.
func (u *UserSession) candidateHandler(tag string) kurento.EventHandler {
	conn := u.conn
	return func(ev kurento.EventValue) {
		if ev.Data.Candidate == nil {
			return
		}

		err := conn.WriteJSON(&iceCandidateMessage{
			ID:        "iceCandidate",
			Name:      tag,
			Candidate: *ev.Data.Candidate,
		})
		if err != nil {
			u.Log(logger.Debug, "unable to send candidate for '%s': %s", tag, err.Error())
		}
	}
}

// ReceiveVideoFrom answers the SDP offer the participant issued in
// order to receive the video of sender, and starts ICE gathering on
// the corresponding incoming endpoint.
func (u *UserSession) ReceiveVideoFrom(sender *UserSession, sdpOffer string) error {
	u.Log(logger.Info, "connecting with '%s' in room '%s'", sender.Name(), u.roomName)

	ep, err := u.endpointFor(sender)
	if err != nil {
		return err
	}

	sdpAnswer, err := ep.ProcessOffer(sdpOffer)
	if err != nil {
		return err
	}

	err = u.conn.WriteJSON(&receiveVideoAnswerMessage{
		ID:        "receiveVideoAnswer",
		Name:      sender.Name(),
		SdpAnswer: sdpAnswer,
	})
	if err != nil {
		return err
	}

	return ep.GatherCandidates()
}

// endpointFor returns the endpoint that receives the video of sender,
// provisioning it on first use. When sender is the participant itself,
// the outgoing endpoint is returned (loopback).
func (u *UserSession) endpointFor(sender *UserSession) (*kurento.WebRtcEndpoint, error) {
	if u.Equal(sender) {
		u.Log(logger.Debug, "configuring loopback")
		return u.outgoing, nil
	}

	u.mutex.Lock()
	defer u.mutex.Unlock()

	if incoming, ok := u.incoming[sender.Name()]; ok {
		return incoming, nil
	}

	u.Log(logger.Debug, "creating incoming endpoint for '%s'", sender.Name())

	incoming, err := u.pipeline.NewWebRtcEndpoint()
	if err != nil {
		return nil, err
	}

	// candidates gathered by the incoming endpoint are tagged with
	// the name of the sender they belong to.
	_, err = incoming.OnICECandidateFound(u.candidateHandler(sender.Name()))
	if err != nil {
		incoming.Release() //nolint:errcheck
		return nil, err
	}

	err = sender.outgoing.Connect(incoming)
	if err != nil {
		incoming.Release() //nolint:errcheck
		return nil, err
	}

	u.incoming[sender.Name()] = incoming
	return incoming, nil
}

// AddCandidate feeds an ICE candidate from the browser into the
// endpoint labeled with name. Candidates that arrive before the
// corresponding endpoint is provisioned are dropped.
func (u *UserSession) AddCandidate(candidate webrtc.ICECandidateInit, name string) error {
	if name == u.name {
		return u.outgoing.AddICECandidate(candidate)
	}

	u.mutex.Lock()
	incoming, ok := u.incoming[name]
	u.mutex.Unlock()

	if !ok {
		u.Log(logger.Debug, "dropping candidate for unknown endpoint '%s'", name)
		return nil
	}

	return incoming.AddICECandidate(candidate)
}

// CancelVideoFrom releases the incoming endpoint for the given sender,
// if any.
func (u *UserSession) CancelVideoFrom(senderName string) error {
	u.mutex.Lock()
	incoming, ok := u.incoming[senderName]
	delete(u.incoming, senderName)
	u.mutex.Unlock()

	if !ok {
		return nil
	}

	u.Log(logger.Debug, "removing endpoint for '%s'", senderName)
	return incoming.Release()
}

// Close releases every incoming endpoint, then the outgoing endpoint.
// It can be called more than once.
func (u *UserSession) Close() {
	u.mutex.Lock()
	if u.closed {
		u.mutex.Unlock()
		return
	}
	u.closed = true

	incoming := u.incoming
	u.incoming = make(map[string]*kurento.WebRtcEndpoint)
	u.mutex.Unlock()

	u.Log(logger.Debug, "releasing resources")

	for senderName, ep := range incoming {
		err := ep.Release()
		if err != nil {
			u.Log(logger.Warn, "unable to release incoming endpoint for '%s': %s", senderName, err.Error())
		}
	}

	err := u.outgoing.Release()
	if err != nil {
		u.Log(logger.Warn, "unable to release outgoing endpoint: %s", err.Error())
	}
}
