package kurento

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kurogw/kurogw/internal/logger"
	"github.com/kurogw/kurogw/internal/test"
)

type nilLoggerWriter struct{}

func (nilLoggerWriter) Log(_ logger.Level, _ string, _ ...interface{}) {}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type frame struct {
	ID     uint64                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

func writeResult(t *testing.T, conn *websocket.Conn, id uint64, sessionID string, value interface{}) {
	result := map[string]interface{}{}
	if sessionID != "" {
		result["sessionId"] = sessionID
	}
	if value != nil {
		result["value"] = value
	}
	err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
	require.NoError(t, err)
}

func newTestTransport(t *testing.T, url string) *Transport {
	tr := &Transport{
		URL:        url,
		RPCTimeout: 5 * time.Second,
		Parent:     nilLoggerWriter{},
	}
	err := tr.Initialize()
	require.NoError(t, err)
	return tr
}

func TestTransportOutOfOrderResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var reqs []frame
		for len(reqs) < 2 {
			var req frame
			err2 := conn.ReadJSON(&req)
			require.NoError(t, err2)
			reqs = append(reqs, req)
		}

		// answer in reverse order of arrival
		for i := len(reqs) - 1; i >= 0; i-- {
			objType := reqs[i].Params["type"].(string)
			writeResult(t, conn, reqs[i].ID, "sess", "obj-"+objType)
		}

		// keep the connection open until the client is done
		conn.ReadMessage() //nolint:errcheck
	}))
	defer srv.Close()

	tr := newTestTransport(t, wsURL(srv))
	defer tr.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	for _, objType := range []string{"TypeA", "TypeB"} {
		go func(objType string) {
			defer wg.Done()
			id, err := tr.Create(objType, nil)
			require.NoError(t, err)
			require.Equal(t, "obj-"+objType, id)
		}(objType)
	}

	wg.Wait()
}

func TestTransportSessionToken(t *testing.T) {
	sessionOfSecond := make(chan interface{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req frame
		err = conn.ReadJSON(&req)
		require.NoError(t, err)
		writeResult(t, conn, req.ID, "s1", "obj1")

		err = conn.ReadJSON(&req)
		require.NoError(t, err)
		sessionOfSecond <- req.Params["sessionId"]
		writeResult(t, conn, req.ID, "s2", "obj2")

		conn.ReadMessage() //nolint:errcheck
	}))
	defer srv.Close()

	tr := newTestTransport(t, wsURL(srv))
	defer tr.Close()

	_, err := tr.Create("MediaPipeline", nil)
	require.NoError(t, err)
	require.Equal(t, "s1", tr.SessionID())

	_, err = tr.Create("MediaPipeline", nil)
	require.NoError(t, err)
	require.Equal(t, "s1", <-sessionOfSecond)
	require.Equal(t, "s2", tr.SessionID())
}

func TestTransportRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req frame
		err = conn.ReadJSON(&req)
		require.NoError(t, err)

		err = conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error": map[string]interface{}{
				"code":    40101,
				"message": "object not found",
			},
		})
		require.NoError(t, err)

		conn.ReadMessage() //nolint:errcheck
	}))
	defer srv.Close()

	tr := newTestTransport(t, wsURL(srv))
	defer tr.Close()

	_, err := tr.Invoke("missing", "connect", nil)
	var rpcErr RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, "object not found", rpcErr.Message)
	require.Equal(t, 40101, rpcErr.Code)
	require.NotEmpty(t, rpcErr.Envelope)
}

func TestTransportMissingSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req frame
		err = conn.ReadJSON(&req)
		require.NoError(t, err)
		writeResult(t, conn, req.ID, "", "obj1")

		conn.ReadMessage() //nolint:errcheck
	}))
	defer srv.Close()

	tr := newTestTransport(t, wsURL(srv))
	defer tr.Close()

	_, err := tr.Create("MediaPipeline", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "session ID")
}

func TestTransportEventDispatch(t *testing.T) {
	eventSent := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req frame
		err = conn.ReadJSON(&req)
		require.NoError(t, err)
		require.Equal(t, "subscribe", req.Method)
		require.Equal(t, "ep1", req.Params["object"])
		require.Equal(t, "IceCandidateFound", req.Params["type"])
		writeResult(t, conn, req.ID, "sess", "sub1")

		err = conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "onEvent",
			"params": map[string]interface{}{
				"sessionId": "sess",
				"value": map[string]interface{}{
					"data": map[string]interface{}{
						"source": "ep1",
						"type":   "IceCandidateFound",
						"candidate": map[string]interface{}{
							"candidate":     "candidate:1 1 UDP 100 10.0.0.1 4000 typ host",
							"sdpMid":        "0",
							"sdpMLineIndex": 0,
						},
					},
				},
			},
		})
		require.NoError(t, err)
		close(eventSent)

		conn.ReadMessage() //nolint:errcheck
	}))
	defer srv.Close()

	tr := newTestTransport(t, wsURL(srv))
	defer tr.Close()

	received := make(chan EventValue, 1)
	subID, err := tr.Subscribe("ep1", "IceCandidateFound", func(ev EventValue) {
		received <- ev
	})
	require.NoError(t, err)
	require.Equal(t, "sub1", subID)

	<-eventSent

	select {
	case ev := <-received:
		require.Equal(t, "IceCandidateFound", ev.Data.Type)
		require.Equal(t, "ep1", ev.Data.Source)
		require.NotNil(t, ev.Data.Candidate)
		require.Equal(t, "candidate:1 1 UDP 100 10.0.0.1 4000 typ host", ev.Data.Candidate.Candidate)

	case <-time.After(2 * time.Second):
		t.Errorf("timed out")
	}

	// the handler must not fire twice for a single event
	select {
	case <-received:
		t.Errorf("event dispatched twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportEventSourceFiltering(t *testing.T) {
	kms := test.NewFakeKMS()
	defer kms.Close()

	tr := newTestTransport(t, kms.URL())
	defer tr.Close()

	recv1 := make(chan EventValue, 1)
	_, err := tr.Subscribe("ep1", "IceCandidateFound", func(ev EventValue) {
		recv1 <- ev
	})
	require.NoError(t, err)

	recv2 := make(chan EventValue, 1)
	_, err = tr.Subscribe("ep2", "IceCandidateFound", func(ev EventValue) {
		recv2 <- ev
	})
	require.NoError(t, err)

	kms.SendEvent("ep2", "IceCandidateFound", map[string]interface{}{
		"candidate": map[string]interface{}{
			"candidate":     "candidate:1 1 UDP 100 10.0.0.1 4000 typ host",
			"sdpMid":        "0",
			"sdpMLineIndex": 0,
		},
	})

	select {
	case ev := <-recv2:
		require.Equal(t, "ep2", ev.Data.Source)
	case <-time.After(2 * time.Second):
		t.Errorf("timed out")
	}

	// the handler attached to the other endpoint must not fire
	select {
	case <-recv1:
		t.Errorf("event delivered to wrong subscription")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportEventBackpressure(t *testing.T) {
	kms := test.NewFakeKMS()
	defer kms.Close()

	tr := &Transport{
		URL:        kms.URL(),
		RPCTimeout: 5 * time.Second,
		QueueSize:  1,
		Parent:     nilLoggerWriter{},
	}
	err := tr.Initialize()
	require.NoError(t, err)
	defer tr.Close()

	const eventCount = 8

	received := make(chan string, eventCount)
	release := make(chan struct{})

	_, err = tr.Subscribe("ep1", "IceComponentStateChange", func(ev EventValue) {
		received <- ev.Data.State
		<-release
	})
	require.NoError(t, err)

	// a burst larger than the queue; a full queue must stall the
	// reader, not discard events
	for i := 0; i < eventCount; i++ {
		kms.SendEvent("ep1", "IceComponentStateChange", map[string]interface{}{
			"state": fmt.Sprintf("state%d", i),
		})
	}

	for i := 0; i < eventCount; i++ {
		select {
		case state := <-received:
			require.Equal(t, fmt.Sprintf("state%d", i), state)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d was never delivered", i)
		}
		release <- struct{}{}
	}
}

func TestTransportClosePending(t *testing.T) {
	requestReceived := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req frame
		err = conn.ReadJSON(&req)
		require.NoError(t, err)
		close(requestReceived)

		// never answer
		conn.ReadMessage() //nolint:errcheck
	}))
	defer srv.Close()

	tr := newTestTransport(t, wsURL(srv))

	done := make(chan error)
	go func() {
		_, err := tr.Invoke("obj", "connect", nil)
		done <- err
	}()

	<-requestReceived
	tr.Close()

	require.ErrorIs(t, <-done, ErrTransportClosed)
}

func TestTransportConnectTimeout(t *testing.T) {
	// a listener that never completes the WebSocket handshake
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err2 := ln.Accept()
			if err2 != nil {
				return
			}
			defer conn.Close()
		}
	}()

	tr := &Transport{
		URL:            "ws://" + ln.Addr().String(),
		ConnectTimeout: 100 * time.Millisecond,
		Parent:         nilLoggerWriter{},
	}
	err = tr.Initialize()
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Create("MediaPipeline", nil)
	require.ErrorIs(t, err, ErrConnectTimeout)
}

func TestTransportUnsubscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var req frame
			err = conn.ReadJSON(&req)
			if err != nil {
				return
			}

			switch req.Method {
			case "subscribe":
				writeResult(t, conn, req.ID, "sess", "sub1")

			case "unsubscribe":
				require.Equal(t, "ep1", req.Params["object"])
				require.Equal(t, "sub1", req.Params["subscription"])
				writeResult(t, conn, req.ID, "sess", nil)
			}
		}
	}))
	defer srv.Close()

	tr := newTestTransport(t, wsURL(srv))
	defer tr.Close()

	subID, err := tr.Subscribe("ep1", "IceCandidateFound", func(_ EventValue) {})
	require.NoError(t, err)

	err = tr.Unsubscribe("ep1", subID)
	require.NoError(t, err)

	tr.mutex.Lock()
	require.Empty(t, tr.subs)
	require.Empty(t, tr.subsByType)
	tr.mutex.Unlock()
}

func TestTransportRequestEnvelope(t *testing.T) {
	var raw json.RawMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, byts, err := conn.ReadMessage()
		require.NoError(t, err)
		raw = append([]byte(nil), byts...)

		var req frame
		require.NoError(t, json.Unmarshal(byts, &req))
		writeResult(t, conn, req.ID, "sess", "pipe1")

		conn.ReadMessage() //nolint:errcheck
	}))
	defer srv.Close()

	tr := newTestTransport(t, wsURL(srv))
	defer tr.Close()

	_, err := tr.Create("MediaPipeline", nil)
	require.NoError(t, err)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, "2.0", env["jsonrpc"])
	require.Equal(t, "create", env["method"])
	params := env["params"].(map[string]interface{})
	require.Equal(t, "MediaPipeline", params["type"])
	require.NotNil(t, params["constructorParams"])
}
