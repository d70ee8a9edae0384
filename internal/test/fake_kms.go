// Package test contains test utilities.
package test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// CreateRecord is a recorded create RPC.
type CreateRecord struct {
	ID     string
	Type   string
	Params map[string]interface{}
}

// InvokeRecord is a recorded invoke RPC.
type InvokeRecord struct {
	Object    string
	Operation string
	Params    map[string]interface{}
}

// SubscribeRecord is a recorded subscribe RPC.
type SubscribeRecord struct {
	ID     string
	Object string
	Type   string
}

// FakeKMS is an in-process WebSocket server that speaks the
// Kurento JSON-RPC protocol, for use in tests.
type FakeKMS struct {
	SessionID string

	srv *httptest.Server

	mutex      sync.Mutex
	conns      []*websocket.Conn
	writeMutex sync.Mutex
	counter    int

	Creates    []CreateRecord
	Invokes    []InvokeRecord
	Subscribes []SubscribeRecord
	Releases   []string
}

// NewFakeKMS allocates a FakeKMS.
func NewFakeKMS() *FakeKMS {
	k := &FakeKMS{
		SessionID: "fake-session",
	}
	k.srv = httptest.NewServer(http.HandlerFunc(k.handle))
	return k
}

// Close closes the server.
func (k *FakeKMS) Close() {
	k.mutex.Lock()
	for _, c := range k.conns {
		c.Close() //nolint:errcheck
	}
	k.mutex.Unlock()
	k.srv.Close()
}

// URL returns the WebSocket URL of the server.
func (k *FakeKMS) URL() string {
	return "ws" + strings.TrimPrefix(k.srv.URL, "http") + "/kurento"
}

func (k *FakeKMS) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	k.mutex.Lock()
	k.conns = append(k.conns, conn)
	k.mutex.Unlock()

	for {
		_, byts, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			ID     uint64                 `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		if json.Unmarshal(byts, &req) != nil {
			continue
		}

		k.writeResponse(conn, req.ID, k.process(req.Method, req.Params))
	}
}

func (k *FakeKMS) process(method string, params map[string]interface{}) interface{} {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	switch method {
	case "create":
		k.counter++
		objType, _ := params["type"].(string)
		ctorParams, _ := params["constructorParams"].(map[string]interface{})
		id := fmt.Sprintf("obj%d/%s", k.counter, objType)
		k.Creates = append(k.Creates, CreateRecord{ID: id, Type: objType, Params: ctorParams})
		return id

	case "invoke":
		object, _ := params["object"].(string)
		operation, _ := params["operation"].(string)
		opParams, _ := params["operationParams"].(map[string]interface{})
		k.Invokes = append(k.Invokes, InvokeRecord{Object: object, Operation: operation, Params: opParams})
		if operation == "processOffer" {
			offer, _ := opParams["offer"].(string)
			return "answer-to-" + offer
		}
		return nil

	case "subscribe":
		k.counter++
		object, _ := params["object"].(string)
		evType, _ := params["type"].(string)
		id := fmt.Sprintf("sub%d", k.counter)
		k.Subscribes = append(k.Subscribes, SubscribeRecord{ID: id, Object: object, Type: evType})
		return id

	case "release":
		object, _ := params["object"].(string)
		k.Releases = append(k.Releases, object)
		return nil
	}

	return nil
}

func (k *FakeKMS) writeResponse(conn *websocket.Conn, id uint64, value interface{}) {
	result := map[string]interface{}{
		"sessionId": k.SessionID,
	}
	if value != nil {
		result["value"] = value
	}

	k.writeMutex.Lock()
	defer k.writeMutex.Unlock()
	conn.WriteJSON(map[string]interface{}{ //nolint:errcheck
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

// SendEvent emits an onEvent notification on every open connection.
func (k *FakeKMS) SendEvent(source string, evType string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["source"] = source
	data["type"] = evType

	frame := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "onEvent",
		"params": map[string]interface{}{
			"sessionId": k.SessionID,
			"value": map[string]interface{}{
				"data": data,
			},
		},
	}

	k.mutex.Lock()
	conns := append([]*websocket.Conn(nil), k.conns...)
	k.mutex.Unlock()

	k.writeMutex.Lock()
	defer k.writeMutex.Unlock()
	for _, c := range conns {
		c.WriteJSON(frame) //nolint:errcheck
	}
}

// CreatedOfType returns the recorded create RPCs of the given type.
func (k *FakeKMS) CreatedOfType(objType string) []CreateRecord {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	var ret []CreateRecord
	for _, c := range k.Creates {
		if c.Type == objType {
			ret = append(ret, c)
		}
	}
	return ret
}

// InvokesOn returns the recorded invoke RPCs on the given object.
func (k *FakeKMS) InvokesOn(object string) []InvokeRecord {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	var ret []InvokeRecord
	for _, in := range k.Invokes {
		if in.Object == object {
			ret = append(ret, in)
		}
	}
	return ret
}

// SubscriptionSource returns the object a subscription was created on.
func (k *FakeKMS) SubscriptionSource(evType string, n int) string {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	i := 0
	for _, s := range k.Subscribes {
		if s.Type == evType {
			if i == n {
				return s.Object
			}
			i++
		}
	}
	return ""
}

// ReleasedCount returns the number of release RPCs recorded for the
// given object.
func (k *FakeKMS) ReleasedCount(object string) int {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	n := 0
	for _, r := range k.Releases {
		if r == object {
			n++
		}
	}
	return n
}
