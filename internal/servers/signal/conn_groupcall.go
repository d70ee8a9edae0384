package signal

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/kurogw/kurogw/internal/logger"
	"github.com/kurogw/kurogw/internal/room"
	"github.com/kurogw/kurogw/internal/websocket"
)

// groupCallConn is a browser connection on the /groupcall endpoint.
// Messages of a connection are processed sequentially.
type groupCallConn struct {
	server *Server
	conn   *websocket.ServerConn

	uuid uuid.UUID
}

func (c *groupCallConn) initialize() {
	c.uuid = uuid.New()
	c.Log(logger.Info, "opened (%s)", c.conn.RemoteAddr())
}

// Log implements logger.Writer.
func (c *groupCallConn) Log(level logger.Level, format string, args ...interface{}) {
	c.server.Log(level, "[conn %v] "+format, append([]interface{}{c.uuid}, args...)...)
}

func (c *groupCallConn) run() {
	for {
		byts, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleMessage(byts)
	}

	c.Log(logger.Info, "closed")

	// a participant whose socket dies leaves its room
	if user, ok := c.server.Registry.RemoveBySession(c.conn); ok {
		c.server.leave(user)
	}
}

func (c *groupCallConn) handleMessage(byts []byte) {
	var msg clientMessage
	err := json.Unmarshal(byts, &msg)
	if err != nil {
		c.Log(logger.Warn, "malformed message: %s", err.Error())
		c.writeInvalidMessage()
		return
	}

	switch msg.ID {
	case "joinRoom":
		c.handleJoinRoom(&msg)

	case "receiveVideoFrom":
		c.handleReceiveVideoFrom(&msg)

	case "onIceCandidate":
		c.handleOnIceCandidate(&msg)

	case "leaveRoom":
		c.handleLeaveRoom()

	default:
		c.Log(logger.Warn, "unknown message id '%s'", msg.ID)
		c.writeInvalidMessage()
	}
}

func (c *groupCallConn) writeInvalidMessage() {
	err := c.conn.WriteJSON(&errorMessage{
		ID:      "error",
		Message: "Invalid message",
	})
	if err != nil {
		c.Log(logger.Debug, "unable to send error: %s", err.Error())
	}
}

func (c *groupCallConn) handleJoinRoom(msg *clientMessage) {
	if msg.Name == "" || msg.Room == "" {
		c.Log(logger.Warn, "joinRoom without name or room")
		c.writeInvalidMessage()
		return
	}

	if c.server.Registry.Exists(msg.Name) {
		c.Log(logger.Warn, "name '%s' is already taken", msg.Name)
		c.writeInvalidMessage()
		return
	}

	c.Log(logger.Info, "'%s' is joining room '%s'", msg.Name, msg.Room)

	r, err := c.server.Rooms.GetRoom(msg.Room)
	if err != nil {
		c.Log(logger.Error, "unable to get room '%s': %s", msg.Room, err.Error())
		c.writeInvalidMessage()
		return
	}

	user, err := r.Join(msg.Name, c.conn)
	if err != nil {
		c.Log(logger.Error, "unable to join room '%s': %s", msg.Room, err.Error())
		if r.Empty() {
			c.server.Rooms.RemoveRoom(r)
		}
		c.writeInvalidMessage()
		return
	}

	c.server.Registry.Register(user)
}

func (c *groupCallConn) handleReceiveVideoFrom(msg *clientMessage) {
	user, ok := c.server.Registry.GetBySession(c.conn)
	if !ok {
		c.Log(logger.Warn, "receiveVideoFrom before joinRoom")
		c.writeInvalidMessage()
		return
	}

	var desc sdp.SessionDescription
	err := desc.Unmarshal([]byte(msg.SdpOffer))
	if err != nil {
		c.Log(logger.Warn, "invalid SDP offer from '%s': %s", user.Name(), err.Error())
		c.writeInvalidMessage()
		return
	}

	var sender *room.UserSession
	if msg.Sender == user.Name() {
		sender = user
	} else {
		sender, ok = c.server.Registry.GetByName(msg.Sender)
		if !ok {
			c.Log(logger.Warn, "receiveVideoFrom '%s': %s", msg.Sender, room.ErrUserNotFound)
			return
		}
	}

	err = user.ReceiveVideoFrom(sender, msg.SdpOffer)
	if err != nil {
		c.Log(logger.Error, "unable to connect '%s' with '%s': %s",
			user.Name(), sender.Name(), err.Error())
	}
}

func (c *groupCallConn) handleOnIceCandidate(msg *clientMessage) {
	user, ok := c.server.Registry.GetBySession(c.conn)
	if !ok {
		c.Log(logger.Debug, "candidate before joinRoom, dropping")
		return
	}

	// end-of-candidates markers carry an empty candidate string
	if msg.Candidate == nil || msg.Candidate.Candidate == "" {
		return
	}

	err := user.AddCandidate(*msg.Candidate, msg.Name)
	if err != nil {
		c.Log(logger.Warn, "unable to add candidate for '%s': %s", msg.Name, err.Error())
	}
}

func (c *groupCallConn) handleLeaveRoom() {
	user, ok := c.server.Registry.RemoveBySession(c.conn)
	if !ok {
		c.Log(logger.Debug, "leaveRoom before joinRoom")
		return
	}

	c.server.leave(user)
}

// leave removes a participant from its room, and the room itself once
// its last participant is gone.
func (s *Server) leave(user *room.UserSession) {
	r, ok := s.Rooms.Room(user.RoomName())
	if !ok {
		s.Log(logger.Warn, "room '%s' not found while removing '%s'", user.RoomName(), user.Name())
		user.Close()
		return
	}

	r.Leave(user)

	if r.Empty() {
		s.Rooms.RemoveRoom(r)
	}
}
