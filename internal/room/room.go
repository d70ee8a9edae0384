package room

import (
	"fmt"
	"sync"

	"github.com/kurogw/kurogw/internal/kurento"
	"github.com/kurogw/kurogw/internal/logger"
)

// Room is a named group of participants sharing one media pipeline.
type Room struct {
	name     string
	pipeline *kurento.Pipeline
	parent   logger.Writer

	mutex        sync.Mutex
	participants map[string]*UserSession
	joining      map[string]struct{}
}

func newRoom(name string, pipeline *kurento.Pipeline, parent logger.Writer) *Room {
	return &Room{
		name:         name,
		pipeline:     pipeline,
		parent:       parent,
		participants: make(map[string]*UserSession),
		joining:      make(map[string]struct{}),
	}
}

// Log implements logger.Writer.
func (r *Room) Log(level logger.Level, format string, args ...interface{}) {
	r.parent.Log(level, "[room "+r.name+"] "+format, args...)
}

// Name returns the name of the room.
func (r *Room) Name() string {
	return r.name
}

// Join adds a participant to the room: it provisions the media
// resources, announces the newcomer to everyone already present, and
// sends the newcomer the list of existing participants.
func (r *Room) Join(userName string, conn ClientConn) (*UserSession, error) {
	// the name is reserved before any RPC is issued, so that two
	// concurrent joins with the same name cannot both be admitted.
	r.mutex.Lock()
	_, present := r.participants[userName]
	_, pending := r.joining[userName]
	if present || pending {
		r.mutex.Unlock()
		return nil, fmt.Errorf("participant '%s' is already in room '%s'", userName, r.name)
	}
	r.joining[userName] = struct{}{}
	r.mutex.Unlock()

	r.Log(logger.Info, "adding participant '%s'", userName)

	user := &UserSession{
		name:     userName,
		roomName: r.name,
		conn:     conn,
		pipeline: r.pipeline,
		parent:   r,
	}
	err := user.initialize()
	if err != nil {
		r.mutex.Lock()
		delete(r.joining, userName)
		r.mutex.Unlock()
		return nil, err
	}

	// announce before the newcomer becomes visible, so that it never
	// receives its own arrival.
	r.notifyArrival(user)

	r.mutex.Lock()
	delete(r.joining, userName)
	r.participants[userName] = user
	r.mutex.Unlock()

	err = r.sendExistingParticipants(user)
	if err != nil {
		r.Leave(user)
		return nil, err
	}

	return user, nil
}

func (r *Room) notifyArrival(user *UserSession) {
	msg := &newParticipantArrivedMessage{
		ID:   "newParticipantArrived",
		Name: user.Name(),
	}

	for _, p := range r.Participants() {
		err := p.Conn().WriteJSON(msg)
		if err != nil {
			r.Log(logger.Warn, "unable to notify '%s' of the arrival of '%s': %s",
				p.Name(), user.Name(), err.Error())
		}
	}
}

func (r *Room) sendExistingParticipants(user *UserSession) error {
	names := []string{}
	for _, p := range r.Participants() {
		if !p.Equal(user) {
			names = append(names, p.Name())
		}
	}

	r.Log(logger.Debug, "sending %d existing participants to '%s'", len(names), user.Name())

	return user.Conn().WriteJSON(&existingParticipantsMessage{
		ID:   "existingParticipants",
		Data: names,
	})
}

// Leave removes a participant from the room: the others are notified,
// their endpoints towards the leaver are released, and the leaver's
// media resources are torn down. A single failing participant does not
// stop the teardown.
func (r *Room) Leave(user *UserSession) {
	r.Log(logger.Info, "removing participant '%s'", user.Name())

	r.mutex.Lock()
	delete(r.participants, user.Name())
	others := make([]*UserSession, 0, len(r.participants))
	for _, p := range r.participants {
		others = append(others, p)
	}
	r.mutex.Unlock()

	msg := &participantLeftMessage{
		ID:   "participantLeft",
		Name: user.Name(),
	}

	for _, p := range others {
		err := p.Conn().WriteJSON(msg)
		if err != nil {
			r.Log(logger.Warn, "unable to notify '%s' of the departure of '%s': %s",
				p.Name(), user.Name(), err.Error())
		}

		err = p.CancelVideoFrom(user.Name())
		if err != nil {
			r.Log(logger.Warn, "unable to release endpoint of '%s' towards '%s': %s",
				p.Name(), user.Name(), err.Error())
		}
	}

	user.Close()
}

// Participant returns the participant with the given name, if present.
func (r *Room) Participant(name string) (*UserSession, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	p, ok := r.participants[name]
	return p, ok
}

// Participants returns a snapshot of the current participants.
func (r *Room) Participants() []*UserSession {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	ret := make([]*UserSession, 0, len(r.participants))
	for _, p := range r.participants {
		ret = append(ret, p)
	}
	return ret
}

// Empty reports whether the room has no participants.
func (r *Room) Empty() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.participants) == 0
}

// Close tears down every participant and releases the pipeline.
func (r *Room) Close() {
	r.mutex.Lock()
	participants := make([]*UserSession, 0, len(r.participants))
	for _, p := range r.participants {
		participants = append(participants, p)
	}
	r.participants = make(map[string]*UserSession)
	r.mutex.Unlock()

	for _, p := range participants {
		p.Close()
	}

	err := r.pipeline.Release()
	if err != nil {
		r.Log(logger.Warn, "unable to release pipeline: %s", err.Error())
	}

	r.Log(logger.Info, "closed")
}
