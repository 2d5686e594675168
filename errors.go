package mtproto

import (
	"fmt"

	"github.com/ansel1/merry/v2"
)

// ErrNoSessionData is returned by a SessionStore.Load that found nothing to load.
var ErrNoSessionData = merry.New("no session data")

// ErrNotConnected is returned by Send when the sender has no live connection.
var ErrNotConnected = merry.New("not connected")

// ErrDisconnected is the rejection reason used for requests still in the
// send queue when the user calls Disconnect. Requests already sent and
// awaiting a reply are not rejected by Disconnect.
var ErrDisconnected = merry.New("disconnected")

// TypeNotFoundError means decryptMessageData ran into a constructor id it
// does not know how to parse. The remaining bytes of the frame are skippable
// and the message is dropped, not the whole connection.
type TypeNotFoundError struct {
	ConstructorID uint32
}

func (e *TypeNotFoundError) Error() string {
	return fmt.Sprintf("type not found: constructor 0x%08x", e.ConstructorID)
}

// SecurityError flags a frame that failed an authentication check (no auth
// key installed, auth-key-id mismatch, msg-key mismatch, session-id
// mismatch). The salt and the msg-id time window are not checked.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return "security check failed: " + e.Reason
}

// InvalidBufferError mirrors the transport-level error codes a server can
// answer an encrypted request with out-of-band (e.g. 404 "auth key not
// found on server").
type InvalidBufferError struct {
	Code int
}

func (e *InvalidBufferError) Error() string {
	return fmt.Sprintf("invalid buffer: code %d", e.Code)
}

// BadMessageError is the per-request rejection for bad_msg_notification
// codes that are not self-healing (anything other than 16, 17, 32, 33).
type BadMessageError struct {
	Request Request
	Code    int32
}

func (e *BadMessageError) Error() string {
	return fmt.Sprintf("bad msg notification: code %d for %T", e.Code, e.Request)
}

// RPCError is the typed form of a server-returned rpc_error, produced by
// RPCMessageToError.
type RPCError struct {
	Code    int32
	Message string
	Request Request
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCMessageToError converts a decoded RpcError into a typed RPCError
// carrying the request it is a response to, so callers can branch on
// e.Code/e.Message without re-parsing the MTProto error string convention
// (e.g. "FLOOD_WAIT_%d", "PHONE_MIGRATE_%d").
func RPCMessageToError(e *RpcError, req Request) error {
	return &RPCError{Code: e.ErrorCode, Message: e.ErrorMessage, Request: req}
}

// WrongRespError is raised by callers that expected a specific response
// constructor and got something else entirely (not an rpc_error).
func WrongRespError(got TL) error {
	return merry.Errorf("unexpected response: %#v", got)
}

// IsClosedConnErr reports whether err is the "use of closed network
// connection" error net returns after Close. The send loop uses it to skip
// logging such a send failure (the loop still exits), and
// TCPConnection.Disconnect to ignore it; the recv loop does not consult it.
func IsClosedConnErr(err error) bool {
	if err == nil {
		return false
	}
	return merry.Is(err, errClosedSentinel) || containsClosedConn(err.Error())
}

var errClosedSentinel = merry.New("use of closed network connection")

func containsClosedConn(msg string) bool {
	const needle = "use of closed network connection"
	if len(msg) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
