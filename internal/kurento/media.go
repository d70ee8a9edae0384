package kurento

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Handle is a reference to an object allocated on the media server.
type Handle interface {
	ID() string
}

// MediaObject is a handle to an object allocated on the media server.
// It is valid between the create acknowledgment and the release
// acknowledgment.
type MediaObject struct {
	t          *Transport
	id         string
	pipelineID string
}

// ID returns the remote object id assigned by the media server.
func (o *MediaObject) ID() string {
	return o.id
}

// Invoke calls an operation on the object.
func (o *MediaObject) Invoke(operation string, params map[string]interface{}) (json.RawMessage, error) {
	return o.t.Invoke(o.id, operation, params)
}

// Subscribe registers a handler for events of the given type.
func (o *MediaObject) Subscribe(eventType string, handler EventHandler) (string, error) {
	return o.t.Subscribe(o.id, eventType, handler)
}

// Unsubscribe removes a subscription.
func (o *MediaObject) Unsubscribe(subscriptionID string) error {
	return o.t.Unsubscribe(o.id, subscriptionID)
}

// Release destroys the object on the media server. The handle must not
// be used afterwards.
func (o *MediaObject) Release() error {
	return o.t.Release(o.id)
}

// Pipeline is a media pipeline, the root of a media object graph.
type Pipeline struct {
	MediaObject
}

// NewPipeline allocates a Pipeline on the media server.
func NewPipeline(t *Transport) (*Pipeline, error) {
	id, err := t.Create("MediaPipeline", nil)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{}
	p.t = t
	p.id = id
	p.pipelineID = id
	return p, nil
}

// Element is a media element attached to a pipeline.
type Element struct {
	MediaObject
}

func (p *Pipeline) createElement(objType string, params map[string]interface{}) (Element, error) {
	if params == nil {
		params = make(map[string]interface{})
	}
	params["mediaPipeline"] = p.id

	id, err := p.t.Create(objType, params)
	if err != nil {
		return Element{}, err
	}

	return Element{MediaObject{
		t:          p.t,
		id:         id,
		pipelineID: p.id,
	}}, nil
}

// Connect connects the media output of the element to the input of
// sink.
func (e *Element) Connect(sink Handle) error {
	_, err := e.Invoke("connect", map[string]interface{}{
		"sink": sink.ID(),
	})
	return err
}

// Disconnect disconnects the element from sink.
func (e *Element) Disconnect(sink Handle) error {
	_, err := e.Invoke("disconnect", map[string]interface{}{
		"sink": sink.ID(),
	})
	return err
}

// SdpEndpoint is an endpoint that negotiates a session through
// SDP offer / answer.
type SdpEndpoint struct {
	Element
}

// GenerateOffer generates a SDP offer.
func (e *SdpEndpoint) GenerateOffer() (string, error) {
	return e.invokeString("generateOffer", nil)
}

// ProcessOffer processes a remote SDP offer and returns the local
// answer.
func (e *SdpEndpoint) ProcessOffer(offer string) (string, error) {
	return e.invokeString("processOffer", map[string]interface{}{
		"offer": offer,
	})
}

// ProcessAnswer processes a remote SDP answer.
func (e *SdpEndpoint) ProcessAnswer(answer string) error {
	_, err := e.Invoke("processAnswer", map[string]interface{}{
		"answer": answer,
	})
	return err
}

// AddICECandidate feeds a remote ICE candidate into the endpoint.
func (e *SdpEndpoint) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	_, err := e.Invoke("addIceCandidate", map[string]interface{}{
		"candidate": candidate,
	})
	return err
}

// GatherCandidates starts local ICE candidate gathering.
func (e *SdpEndpoint) GatherCandidates() error {
	_, err := e.Invoke("gatherCandidates", nil)
	return err
}

// OnICECandidateFound subscribes to IceCandidateFound events.
func (e *SdpEndpoint) OnICECandidateFound(handler EventHandler) (string, error) {
	return e.Subscribe("IceCandidateFound", handler)
}

// OnICEComponentStateChange subscribes to IceComponentStateChange events.
func (e *SdpEndpoint) OnICEComponentStateChange(handler EventHandler) (string, error) {
	return e.Subscribe("IceComponentStateChange", handler)
}

// OnICEGatheringDone subscribes to IceGatheringDone events.
func (e *SdpEndpoint) OnICEGatheringDone(handler EventHandler) (string, error) {
	return e.Subscribe("IceGatheringDone", handler)
}

// OnNewCandidatePairSelected subscribes to NewCandidatePairSelected events.
func (e *SdpEndpoint) OnNewCandidatePairSelected(handler EventHandler) (string, error) {
	return e.Subscribe("NewCandidatePairSelected", handler)
}

// OnDataChannelOpen subscribes to DataChannelOpen events.
func (e *SdpEndpoint) OnDataChannelOpen(handler EventHandler) (string, error) {
	return e.Subscribe("DataChannelOpen", handler)
}

// OnDataChannelClose subscribes to DataChannelClose events.
func (e *SdpEndpoint) OnDataChannelClose(handler EventHandler) (string, error) {
	return e.Subscribe("DataChannelClose", handler)
}

func (e *SdpEndpoint) invokeString(operation string, params map[string]interface{}) (string, error) {
	value, err := e.Invoke(operation, params)
	if err != nil {
		return "", err
	}

	var ret string
	err = json.Unmarshal(value, &ret)
	if err != nil {
		return "", err
	}
	return ret, nil
}

// BaseRtpEndpoint is an endpoint that exchanges media through RTP.
type BaseRtpEndpoint struct {
	SdpEndpoint
}

// OnConnectionStateChanged subscribes to ConnectionStateChanged events.
func (e *BaseRtpEndpoint) OnConnectionStateChanged(handler EventHandler) (string, error) {
	return e.Subscribe("ConnectionStateChanged", handler)
}

// OnMediaStateChanged subscribes to MediaStateChanged events.
func (e *BaseRtpEndpoint) OnMediaStateChanged(handler EventHandler) (string, error) {
	return e.Subscribe("MediaStateChanged", handler)
}

// WebRtcEndpoint negotiates and terminates one WebRTC peer connection.
type WebRtcEndpoint struct {
	BaseRtpEndpoint
}

// NewWebRtcEndpoint allocates a WebRtcEndpoint on the pipeline.
func (p *Pipeline) NewWebRtcEndpoint() (*WebRtcEndpoint, error) {
	el, err := p.createElement("WebRtcEndpoint", nil)
	if err != nil {
		return nil, err
	}
	return &WebRtcEndpoint{BaseRtpEndpoint{SdpEndpoint{el}}}, nil
}

// RtpEndpoint exchanges media through plain RTP.
type RtpEndpoint struct {
	BaseRtpEndpoint
}

// NewRtpEndpoint allocates a RtpEndpoint on the pipeline.
func (p *Pipeline) NewRtpEndpoint() (*RtpEndpoint, error) {
	el, err := p.createElement("RtpEndpoint", nil)
	if err != nil {
		return nil, err
	}
	return &RtpEndpoint{BaseRtpEndpoint{SdpEndpoint{el}}}, nil
}
