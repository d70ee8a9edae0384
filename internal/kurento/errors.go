package kurento

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTransportClosed is returned by RPCs that were in flight
// when the connection to the media server ended.
var ErrTransportClosed = errors.New("connection to the media server is closed")

// ErrConnectTimeout is returned when connecting to the media server
// takes longer than the configured timeout.
var ErrConnectTimeout = errors.New("connection to the media server timed out")

// ErrRPCTimeout is returned when the media server does not answer a
// request within the configured timeout.
var ErrRPCTimeout = errors.New("request to the media server timed out")

// RPCError is an error returned by the media server.
type RPCError struct {
	Code     int
	Message  string
	Envelope json.RawMessage
}

// Error implements the error interface.
func (e RPCError) Error() string {
	return fmt.Sprintf("media server error: %s", e.Message)
}
