// Package kurento implements a client for the Kurento Media Server
// JSON-RPC API.
package kurento

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/kurogw/kurogw/internal/logger"
)

// EventValue is the payload carried by an onEvent notification.
type EventValue struct {
	Data EventData `json:"data"`
}

// EventData describes a single media server event.
type EventData struct {
	Source    string                   `json:"source"`
	Type      string                   `json:"type"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	State     string                   `json:"state,omitempty"`
}

// EventHandler is called by the transport for every event of a
// subscribed type. Handlers run on the event dispatcher routine and
// must not issue RPCs through the same transport synchronously with
// long blocking work.
type EventHandler func(ev EventValue)

type rpcRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      uint64                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
	Method string          `json:"method"`
}

type rpcResult struct {
	SessionID string          `json:"sessionId"`
	Value     json.RawMessage `json:"value"`
}

type rpcResponse struct {
	result rpcResult
	err    error
}

type eventNotification struct {
	Method string `json:"method"`
	Params struct {
		SessionID string     `json:"sessionId"`
		Value     EventValue `json:"value"`
	} `json:"params"`
}

type subscription struct {
	object    string
	eventType string
	handler   EventHandler
}

// Transport is a JSON-RPC 2.0 client over a single multiplexed
// WebSocket connection to a Kurento Media Server.
type Transport struct {
	URL            string
	ConnectTimeout time.Duration
	RPCTimeout     time.Duration
	QueueSize      int
	Parent         logger.Writer

	mutex        sync.Mutex
	conn         *websocket.Conn
	currentID    uint64
	sessionID    string
	pending      map[uint64]chan rpcResponse
	subs         map[string]*subscription
	subsByType   map[string][]string
	pendingSubID uint64
	closed       bool

	// in
	chEvent   chan []byte
	terminate chan struct{}

	// out
	dispatcherDone chan struct{}
}

// Initialize initializes a Transport. The connection to the media
// server is established lazily, on the first RPC.
func (t *Transport) Initialize() error {
	if t.URL == "" {
		return fmt.Errorf("media server URL is missing")
	}
	if t.ConnectTimeout == 0 {
		t.ConnectTimeout = 5 * time.Second
	}
	if t.QueueSize == 0 {
		t.QueueSize = 64
	}

	t.pending = make(map[uint64]chan rpcResponse)
	t.subs = make(map[string]*subscription)
	t.subsByType = make(map[string][]string)
	t.chEvent = make(chan []byte, t.QueueSize)
	t.terminate = make(chan struct{})
	t.dispatcherDone = make(chan struct{})

	go t.runDispatcher()

	return nil
}

// Close closes the Transport. In-flight RPCs fail with
// ErrTransportClosed.
func (t *Transport) Close() {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return
	}
	t.closed = true

	if t.conn != nil {
		t.conn.Close() //nolint:errcheck
		t.conn = nil
	}

	t.failPendingLocked()
	t.mutex.Unlock()

	close(t.terminate)
	<-t.dispatcherDone
}

// Log implements logger.Writer.
func (t *Transport) Log(level logger.Level, format string, args ...interface{}) {
	t.Parent.Log(level, "[KMS] "+format, args...)
}

// SessionID returns the session token established by the media server,
// or an empty string if no RPC has succeeded yet.
func (t *Transport) SessionID() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.sessionID
}

// must be called with the mutex held.
func (t *Transport) failPendingLocked() {
	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- rpcResponse{err: ErrTransportClosed}
	}
}

// must be called with the mutex held.
func (t *Transport) checkConnectionLocked() error {
	if t.conn != nil {
		return nil
	}

	t.Log(logger.Info, "connecting to %s", t.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: t.ConnectTimeout,
	}
	conn, res, err := dialer.Dial(t.URL, nil) //nolint:bodyclose
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("%w: %s", ErrConnectTimeout, err.Error())
		}
		return err
	}
	if res != nil && res.Body != nil {
		res.Body.Close() //nolint:errcheck
	}

	t.conn = conn
	t.Log(logger.Info, "connected to %s", t.URL)

	go t.runReader(conn)

	return nil
}

func (t *Transport) runReader(conn *websocket.Conn) {
	for {
		_, byts, err := conn.ReadMessage()
		if err != nil {
			t.mutex.Lock()
			if t.conn == conn {
				t.conn = nil
				if !t.closed {
					t.Log(logger.Warn, "connection lost: %s", err.Error())
				}
				t.failPendingLocked()
			}
			t.mutex.Unlock()
			return
		}

		t.handleFrame(byts)
	}
}

func (t *Transport) handleFrame(byts []byte) {
	var env rpcEnvelope
	err := json.Unmarshal(byts, &env)
	if err != nil {
		t.Log(logger.Warn, "discarding invalid frame: %s", err.Error())
		return
	}

	// a frame with an id and either a result or an error is a
	// response to a pending request; everything else is a
	// server-originated notification.
	if env.ID != nil && (env.Result != nil || env.Error != nil) {
		t.handleResponse(byts, &env)
		return
	}

	// a full queue blocks the reader, exerting backpressure on the
	// media server; events are never dropped.
	select {
	case t.chEvent <- byts:
	case <-t.terminate:
	}
}

func (t *Transport) handleResponse(byts []byte, env *rpcEnvelope) {
	res := rpcResponse{}

	switch {
	case env.Error != nil:
		res.err = RPCError{
			Code:     env.Error.Code,
			Message:  env.Error.Message,
			Envelope: append([]byte(nil), byts...),
		}

	default:
		err := json.Unmarshal(env.Result, &res.result)
		if err != nil {
			res.err = fmt.Errorf("invalid result payload: %w", err)
		} else if res.result.SessionID == "" {
			res.err = fmt.Errorf("response is missing the session ID")
		}
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if res.err == nil {
		t.sessionID = res.result.SessionID
	}

	ch, ok := t.pending[*env.ID]
	if !ok {
		t.Log(logger.Warn, "discarding response with unknown id %d", *env.ID)
		return
	}
	delete(t.pending, *env.ID)
	ch <- res
}

func (t *Transport) runDispatcher() {
	defer close(t.dispatcherDone)

	for {
		var byts []byte
		select {
		case byts = <-t.chEvent:
		case <-t.terminate:
			return
		}

		var ev eventNotification
		err := json.Unmarshal(byts, &ev)
		if err != nil {
			t.Log(logger.Warn, "discarding invalid notification: %s", err.Error())
			continue
		}

		if ev.Method != "onEvent" {
			t.Log(logger.Debug, "discarding notification with method '%s'", ev.Method)
			continue
		}

		t.mutex.Lock()
		if ev.Params.SessionID != "" {
			t.sessionID = ev.Params.SessionID
		}
		// events are delivered per subscription: only handlers attached
		// to the emitting object are called.
		var handlers []EventHandler
		for _, subID := range t.subsByType[ev.Params.Value.Data.Type] {
			if sub, ok := t.subs[subID]; ok &&
				(sub.object == ev.Params.Value.Data.Source || ev.Params.Value.Data.Source == "") {
				handlers = append(handlers, sub.handler)
			}
		}
		t.mutex.Unlock()

		for _, h := range handlers {
			h(ev.Params.Value)
		}
	}
}

func (t *Transport) do(method string, params map[string]interface{}) (rpcResult, error) {
	t.mutex.Lock()

	if t.closed {
		t.mutex.Unlock()
		return rpcResult{}, ErrTransportClosed
	}

	err := t.checkConnectionLocked()
	if err != nil {
		t.mutex.Unlock()
		return rpcResult{}, err
	}

	if t.sessionID != "" {
		params["sessionId"] = t.sessionID
	}

	t.currentID++
	id := t.currentID

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	ch := make(chan rpcResponse, 1)
	t.pending[id] = ch

	err = t.conn.WriteJSON(req)
	if err != nil {
		delete(t.pending, id)
		t.mutex.Unlock()
		return rpcResult{}, err
	}

	t.mutex.Unlock()

	var timeout <-chan time.Time
	if t.RPCTimeout > 0 {
		tm := time.NewTimer(t.RPCTimeout)
		defer tm.Stop()
		timeout = tm.C
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return rpcResult{}, res.err
		}
		return res.result, nil

	case <-timeout:
		t.mutex.Lock()
		delete(t.pending, id)
		t.mutex.Unlock()
		return rpcResult{}, ErrRPCTimeout
	}
}

// Create allocates an object on the media server and returns its id.
func (t *Transport) Create(objType string, constructorParams map[string]interface{}) (string, error) {
	if constructorParams == nil {
		constructorParams = make(map[string]interface{})
	}

	res, err := t.do("create", map[string]interface{}{
		"type":              objType,
		"constructorParams": constructorParams,
	})
	if err != nil {
		return "", err
	}

	var objectID string
	err = json.Unmarshal(res.Value, &objectID)
	if err != nil {
		return "", fmt.Errorf("invalid object id: %w", err)
	}

	return objectID, nil
}

// Invoke calls an operation on an object of the media server.
func (t *Transport) Invoke(objectID string, operation string,
	operationParams map[string]interface{},
) (json.RawMessage, error) {
	if operationParams == nil {
		operationParams = make(map[string]interface{})
	}

	res, err := t.do("invoke", map[string]interface{}{
		"object":          objectID,
		"operation":       operation,
		"operationParams": operationParams,
	})
	if err != nil {
		return nil, err
	}

	return res.Value, nil
}

// must be called with the mutex held.
func (t *Transport) deleteSubscriptionLocked(subscriptionID string) {
	sub, ok := t.subs[subscriptionID]
	if !ok {
		return
	}

	delete(t.subs, subscriptionID)
	ids := t.subsByType[sub.eventType]
	for i, id := range ids {
		if id == subscriptionID {
			t.subsByType[sub.eventType] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.subsByType[sub.eventType]) == 0 {
		delete(t.subsByType, sub.eventType)
	}
}

// Subscribe registers a handler for events of the given type emitted
// by the given object, and returns the subscription id assigned by the
// media server. The handler is registered before the RPC is issued, so
// events the media server emits right after acknowledging the
// subscription are never lost; it may be invoked any time after
// Subscribe returns.
func (t *Transport) Subscribe(objectID string, eventType string, handler EventHandler) (string, error) {
	// the dispatcher matches subscriptions by object and event type,
	// so a provisional local id is enough until the media server
	// assigns the real one.
	t.mutex.Lock()
	t.pendingSubID++
	localID := fmt.Sprintf("local%d", t.pendingSubID)
	t.subs[localID] = &subscription{
		object:    objectID,
		eventType: eventType,
		handler:   handler,
	}
	t.subsByType[eventType] = append(t.subsByType[eventType], localID)
	t.mutex.Unlock()

	res, err := t.do("subscribe", map[string]interface{}{
		"object": objectID,
		"type":   eventType,
	})
	if err != nil {
		t.mutex.Lock()
		t.deleteSubscriptionLocked(localID)
		t.mutex.Unlock()
		return "", err
	}

	var subscriptionID string
	err = json.Unmarshal(res.Value, &subscriptionID)
	if err != nil {
		t.mutex.Lock()
		t.deleteSubscriptionLocked(localID)
		t.mutex.Unlock()
		return "", fmt.Errorf("invalid subscription id: %w", err)
	}

	t.mutex.Lock()
	if sub, ok := t.subs[localID]; ok {
		delete(t.subs, localID)
		t.subs[subscriptionID] = sub
		ids := t.subsByType[eventType]
		for i, id := range ids {
			if id == localID {
				ids[i] = subscriptionID
				break
			}
		}
	}
	t.mutex.Unlock()

	return subscriptionID, nil
}

// Unsubscribe removes a subscription. The handler is unregistered
// before the RPC is issued.
func (t *Transport) Unsubscribe(objectID string, subscriptionID string) error {
	t.mutex.Lock()
	t.deleteSubscriptionLocked(subscriptionID)
	t.mutex.Unlock()

	_, err := t.do("unsubscribe", map[string]interface{}{
		"object":       objectID,
		"subscription": subscriptionID,
	})
	return err
}

// Release destroys an object on the media server.
func (t *Transport) Release(objectID string) error {
	_, err := t.do("release", map[string]interface{}{
		"object": objectID,
	})
	return err
}
