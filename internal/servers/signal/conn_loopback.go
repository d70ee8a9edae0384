package signal

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/kurogw/kurogw/internal/kurento"
	"github.com/kurogw/kurogw/internal/logger"
	"github.com/kurogw/kurogw/internal/websocket"
)

// loopbackConn is a browser connection on the /loopback endpoint: the
// browser's own video is sent back to it through a private pipeline.
type loopbackConn struct {
	server *Server
	conn   *websocket.ServerConn

	uuid     uuid.UUID
	pipeline *kurento.Pipeline
	endpoint *kurento.WebRtcEndpoint
}

func (c *loopbackConn) initialize() {
	c.uuid = uuid.New()
	c.Log(logger.Info, "opened (%s)", c.conn.RemoteAddr())
}

// Log implements logger.Writer.
func (c *loopbackConn) Log(level logger.Level, format string, args ...interface{}) {
	c.server.Log(level, "[loopback %v] "+format, append([]interface{}{c.uuid}, args...)...)
}

func (c *loopbackConn) run() {
	for {
		byts, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleMessage(byts)
	}

	c.Log(logger.Info, "closed")
	c.release()
}

func (c *loopbackConn) handleMessage(byts []byte) {
	var msg clientMessage
	err := json.Unmarshal(byts, &msg)
	if err != nil {
		c.Log(logger.Warn, "malformed message: %s", err.Error())
		c.writeInvalidMessage()
		return
	}

	switch msg.ID {
	case "start":
		c.handleStart(&msg)

	case "onIceCandidate":
		c.handleOnIceCandidate(&msg)

	case "stop":
		c.release()

	default:
		c.Log(logger.Warn, "unknown message id '%s'", msg.ID)
		c.writeInvalidMessage()
	}
}

func (c *loopbackConn) writeInvalidMessage() {
	err := c.conn.WriteJSON(&errorMessage{
		ID:      "error",
		Message: "Invalid message",
	})
	if err != nil {
		c.Log(logger.Debug, "unable to send error: %s", err.Error())
	}
}

func (c *loopbackConn) handleStart(msg *clientMessage) {
	var desc sdp.SessionDescription
	err := desc.Unmarshal([]byte(msg.SdpOffer))
	if err != nil {
		c.Log(logger.Warn, "invalid SDP offer: %s", err.Error())
		c.writeInvalidMessage()
		return
	}

	if c.pipeline != nil {
		c.Log(logger.Warn, "already started")
		c.writeInvalidMessage()
		return
	}

	err = c.start(msg.SdpOffer)
	if err != nil {
		c.Log(logger.Error, "unable to start: %s", err.Error())
		c.release()
		c.writeInvalidMessage()
	}
}

func (c *loopbackConn) start(sdpOffer string) error {
	pipeline, err := kurento.NewPipeline(c.server.KMS)
	if err != nil {
		return err
	}
	c.pipeline = pipeline

	endpoint, err := pipeline.NewWebRtcEndpoint()
	if err != nil {
		return err
	}
	c.endpoint = endpoint

	conn := c.conn
	_, err = endpoint.OnICECandidateFound(func(ev kurento.EventValue) {
		if ev.Data.Candidate == nil {
			return
		}
		err2 := conn.WriteJSON(&candidateMessage{
			ID:        "iceCandidate",
			Candidate: *ev.Data.Candidate,
		})
		if err2 != nil {
			c.Log(logger.Debug, "unable to send candidate: %s", err2.Error())
		}
	})
	if err != nil {
		return err
	}

	// media is sent back to its source
	err = endpoint.Connect(endpoint)
	if err != nil {
		return err
	}

	sdpAnswer, err := endpoint.ProcessOffer(sdpOffer)
	if err != nil {
		return err
	}

	err = c.conn.WriteJSON(&startResponseMessage{
		ID:        "startResponse",
		SdpAnswer: sdpAnswer,
	})
	if err != nil {
		return err
	}

	return endpoint.GatherCandidates()
}

func (c *loopbackConn) handleOnIceCandidate(msg *clientMessage) {
	if c.endpoint == nil {
		c.Log(logger.Debug, "candidate before start, dropping")
		return
	}

	if msg.Candidate == nil || msg.Candidate.Candidate == "" {
		return
	}

	err := c.endpoint.AddICECandidate(*msg.Candidate)
	if err != nil {
		c.Log(logger.Warn, "unable to add candidate: %s", err.Error())
	}
}

func (c *loopbackConn) release() {
	if c.endpoint != nil {
		err := c.endpoint.Release()
		if err != nil {
			c.Log(logger.Warn, "unable to release endpoint: %s", err.Error())
		}
		c.endpoint = nil
	}

	if c.pipeline != nil {
		err := c.pipeline.Release()
		if err != nil {
			c.Log(logger.Warn, "unable to release pipeline: %s", err.Error())
		}
		c.pipeline = nil
	}
}
