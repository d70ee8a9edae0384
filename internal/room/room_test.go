package room

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/kurogw/kurogw/internal/kurento"
	"github.com/kurogw/kurogw/internal/logger"
	"github.com/kurogw/kurogw/internal/test"
)

type nilLoggerWriter struct{}

func (nilLoggerWriter) Log(_ logger.Level, _ string, _ ...interface{}) {}

// fakeConn records the frames written to a browser connection.
type fakeConn struct {
	mutex  sync.Mutex
	frames []map[string]interface{}
}

func (c *fakeConn) WriteJSON(in interface{}) error {
	byts, err := json.Marshal(in)
	if err != nil {
		return err
	}

	var m map[string]interface{}
	err = json.Unmarshal(byts, &m)
	if err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.frames = append(c.frames, m)
	return nil
}

func (c *fakeConn) framesByID(id string) []map[string]interface{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var ret []map[string]interface{}
	for _, f := range c.frames {
		if f["id"] == id {
			ret = append(ret, f)
		}
	}
	return ret
}

func setupManager(t *testing.T) (*test.FakeKMS, *kurento.Transport, *Manager) {
	kms := test.NewFakeKMS()

	tr := &kurento.Transport{
		URL:        kms.URL(),
		RPCTimeout: 5 * time.Second,
		Parent:     nilLoggerWriter{},
	}
	err := tr.Initialize()
	require.NoError(t, err)

	m := &Manager{
		KMS:    tr,
		Parent: nilLoggerWriter{},
	}
	m.Initialize()

	return kms, tr, m
}

func TestRoomJoin(t *testing.T) {
	kms, tr, m := setupManager(t)
	defer kms.Close()
	defer tr.Close()
	defer m.Close()

	r, err := m.GetRoom("demo")
	require.NoError(t, err)
	require.Equal(t, 1, len(kms.CreatedOfType("MediaPipeline")))

	connA := &fakeConn{}
	userA, err := r.Join("alice", connA)
	require.NoError(t, err)

	// the first participant receives an empty list, never null
	frames := connA.framesByID("existingParticipants")
	require.Equal(t, 1, len(frames))
	require.Equal(t, []interface{}{}, frames[0]["data"])

	// the outgoing endpoint is attached to the room pipeline and its
	// candidates are subscribed to
	created := kms.CreatedOfType("WebRtcEndpoint")
	require.Equal(t, 1, len(created))
	require.Equal(t, kms.Creates[0].ID, created[0].Params["mediaPipeline"])
	require.Equal(t, created[0].ID, kms.SubscriptionSource("IceCandidateFound", 0))

	connB := &fakeConn{}
	userB, err := r.Join("bob", connB)
	require.NoError(t, err)

	// alice is told about bob, and never about herself
	arrivals := connA.framesByID("newParticipantArrived")
	require.Equal(t, 1, len(arrivals))
	require.Equal(t, "bob", arrivals[0]["name"])
	require.Empty(t, connB.framesByID("newParticipantArrived"))

	// bob's snapshot contains alice only
	frames = connB.framesByID("existingParticipants")
	require.Equal(t, 1, len(frames))
	require.Equal(t, []interface{}{"alice"}, frames[0]["data"])

	require.False(t, r.Empty())
	require.True(t, userA.Equal(userA))
	require.False(t, userA.Equal(userB))
}

func TestRoomJoinDuplicateName(t *testing.T) {
	kms, tr, m := setupManager(t)
	defer kms.Close()
	defer tr.Close()
	defer m.Close()

	r, err := m.GetRoom("demo")
	require.NoError(t, err)

	_, err = r.Join("alice", &fakeConn{})
	require.NoError(t, err)

	_, err = r.Join("alice", &fakeConn{})
	require.Error(t, err)
}

func TestRoomJoinConcurrentSameName(t *testing.T) {
	kms, tr, m := setupManager(t)
	defer kms.Close()
	defer tr.Close()
	defer m.Close()

	r, err := m.GetRoom("demo")
	require.NoError(t, err)

	// the name must be granted to exactly one of two concurrent joins
	var succeeded atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)

	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err2 := r.Join("alice", &fakeConn{})
			if err2 == nil {
				succeeded.Add(1)
			}
		}()
	}

	wg.Wait()

	require.Equal(t, int32(1), succeeded.Load())
	require.Equal(t, 1, len(r.Participants()))

	// the loser never allocated media resources
	require.Equal(t, 1, len(kms.CreatedOfType("WebRtcEndpoint")))
}

func TestReceiveVideoFrom(t *testing.T) {
	kms, tr, m := setupManager(t)
	defer kms.Close()
	defer tr.Close()
	defer m.Close()

	r, err := m.GetRoom("demo")
	require.NoError(t, err)

	userA, err := r.Join("alice", &fakeConn{})
	require.NoError(t, err)

	connB := &fakeConn{}
	userB, err := r.Join("bob", connB)
	require.NoError(t, err)

	err = userB.ReceiveVideoFrom(userA, "v=0 offer1")
	require.NoError(t, err)

	// one incoming endpoint besides the two outgoing ones, connected
	// from alice's outgoing endpoint
	created := kms.CreatedOfType("WebRtcEndpoint")
	require.Equal(t, 3, len(created))
	outgoingA := created[0].ID
	incoming := created[2].ID

	invokes := kms.InvokesOn(outgoingA)
	require.Equal(t, 1, len(invokes))
	require.Equal(t, "connect", invokes[0].Operation)
	require.Equal(t, incoming, invokes[0].Params["sink"])

	answers := connB.framesByID("receiveVideoAnswer")
	require.Equal(t, 1, len(answers))
	require.Equal(t, "alice", answers[0]["name"])
	require.Equal(t, "answer-to-v=0 offer1", answers[0]["sdpAnswer"])

	invokes = kms.InvokesOn(incoming)
	require.Equal(t, 2, len(invokes))
	require.Equal(t, "processOffer", invokes[0].Operation)
	require.Equal(t, "gatherCandidates", invokes[1].Operation)

	// renegotiation reuses the endpoint
	err = userB.ReceiveVideoFrom(userA, "v=0 offer2")
	require.NoError(t, err)
	require.Equal(t, 3, len(kms.CreatedOfType("WebRtcEndpoint")))
	require.Equal(t, 1, len(kms.InvokesOn(outgoingA)))
}

func TestReceiveVideoLoopback(t *testing.T) {
	kms, tr, m := setupManager(t)
	defer kms.Close()
	defer tr.Close()
	defer m.Close()

	r, err := m.GetRoom("demo")
	require.NoError(t, err)

	connA := &fakeConn{}
	userA, err := r.Join("alice", connA)
	require.NoError(t, err)

	err = userA.ReceiveVideoFrom(userA, "v=0 offer")
	require.NoError(t, err)

	// the offer is answered by the outgoing endpoint itself
	created := kms.CreatedOfType("WebRtcEndpoint")
	require.Equal(t, 1, len(created))

	invokes := kms.InvokesOn(created[0].ID)
	require.Equal(t, 2, len(invokes))
	require.Equal(t, "processOffer", invokes[0].Operation)
	require.Equal(t, "gatherCandidates", invokes[1].Operation)
}

func TestRoomLeave(t *testing.T) {
	kms, tr, m := setupManager(t)
	defer kms.Close()
	defer tr.Close()
	defer m.Close()

	r, err := m.GetRoom("demo")
	require.NoError(t, err)

	connA := &fakeConn{}
	userA, err := r.Join("alice", connA)
	require.NoError(t, err)

	userB, err := r.Join("bob", &fakeConn{})
	require.NoError(t, err)

	err = userA.ReceiveVideoFrom(userB, "v=0 offer")
	require.NoError(t, err)

	created := kms.CreatedOfType("WebRtcEndpoint")
	require.Equal(t, 3, len(created))
	outgoingB := created[1].ID
	incomingAfromB := created[2].ID

	r.Leave(userB)

	left := connA.framesByID("participantLeft")
	require.Equal(t, 1, len(left))
	require.Equal(t, "bob", left[0]["name"])

	// alice's endpoint towards bob and bob's outgoing endpoint are
	// both released
	require.Equal(t, 1, kms.ReleasedCount(incomingAfromB))
	require.Equal(t, 1, kms.ReleasedCount(outgoingB))

	require.False(t, r.Empty())
	r.Leave(userA)
	require.True(t, r.Empty())
}

// hookConn calls a callback after every written frame.
type hookConn struct {
	fakeConn
	onFrame func(id string)
}

func (c *hookConn) WriteJSON(in interface{}) error {
	err := c.fakeConn.WriteJSON(in)
	if err != nil {
		return err
	}

	if c.onFrame != nil {
		c.mutex.Lock()
		id, _ := c.frames[len(c.frames)-1]["id"].(string)
		c.mutex.Unlock()
		c.onFrame(id)
	}
	return nil
}

func TestRoomLeaveNotifiesBeforeTeardown(t *testing.T) {
	kms, tr, m := setupManager(t)
	defer kms.Close()
	defer tr.Close()
	defer m.Close()

	r, err := m.GetRoom("demo")
	require.NoError(t, err)

	connA := &hookConn{}
	userA, err := r.Join("alice", connA)
	require.NoError(t, err)

	userB, err := r.Join("bob", &fakeConn{})
	require.NoError(t, err)

	err = userA.ReceiveVideoFrom(userB, "v=0 offer")
	require.NoError(t, err)

	incomingAfromB := kms.CreatedOfType("WebRtcEndpoint")[2].ID

	// the departure is announced before the endpoint towards the
	// leaver is released
	releasedAtNotify := -1
	connA.onFrame = func(id string) {
		if id == "participantLeft" {
			releasedAtNotify = kms.ReleasedCount(incomingAfromB)
		}
	}

	r.Leave(userB)

	require.Equal(t, 0, releasedAtNotify)
	require.Equal(t, 1, kms.ReleasedCount(incomingAfromB))
}

func TestUserSessionCloseIdempotent(t *testing.T) {
	kms, tr, m := setupManager(t)
	defer kms.Close()
	defer tr.Close()
	defer m.Close()

	r, err := m.GetRoom("demo")
	require.NoError(t, err)

	userA, err := r.Join("alice", &fakeConn{})
	require.NoError(t, err)

	userB, err := r.Join("bob", &fakeConn{})
	require.NoError(t, err)

	err = userA.ReceiveVideoFrom(userB, "v=0 offer")
	require.NoError(t, err)

	userA.Close()
	userA.Close()

	created := kms.CreatedOfType("WebRtcEndpoint")
	outgoingA := created[0].ID
	incomingAfromB := created[2].ID
	require.Equal(t, 1, kms.ReleasedCount(outgoingA))
	require.Equal(t, 1, kms.ReleasedCount(incomingAfromB))
}

func TestAddCandidate(t *testing.T) {
	kms, tr, m := setupManager(t)
	defer kms.Close()
	defer tr.Close()
	defer m.Close()

	r, err := m.GetRoom("demo")
	require.NoError(t, err)

	userA, err := r.Join("alice", &fakeConn{})
	require.NoError(t, err)

	cand := webrtc.ICECandidateInit{
		Candidate: "candidate:0 1 UDP 100 10.0.0.1 4000 typ host",
	}

	// own name feeds the outgoing endpoint
	err = userA.AddCandidate(cand, "alice")
	require.NoError(t, err)

	outgoingA := kms.CreatedOfType("WebRtcEndpoint")[0].ID
	invokes := kms.InvokesOn(outgoingA)
	require.Equal(t, 1, len(invokes))
	require.Equal(t, "addIceCandidate", invokes[0].Operation)

	// candidates for endpoints not provisioned yet are dropped
	before := len(kms.Invokes)
	err = userA.AddCandidate(cand, "bob")
	require.NoError(t, err)
	require.Equal(t, before, len(kms.Invokes))
}

func TestManagerRooms(t *testing.T) {
	kms, tr, m := setupManager(t)
	defer kms.Close()
	defer tr.Close()
	defer m.Close()

	r1, err := m.GetRoom("demo")
	require.NoError(t, err)

	r2, err := m.GetRoom("demo")
	require.NoError(t, err)
	require.Same(t, r1, r2)
	require.Equal(t, 1, len(kms.CreatedOfType("MediaPipeline")))

	m.RemoveRoom(r1)
	require.Equal(t, 1, kms.ReleasedCount(kms.Creates[0].ID))

	r3, err := m.GetRoom("demo")
	require.NoError(t, err)
	require.NotSame(t, r1, r3)
	require.Equal(t, 2, len(kms.CreatedOfType("MediaPipeline")))
}
