package stompy

import (
	"github.com/pkg/errors"
)

// Each error kind is its own string type so callers can switch on the kind
// with errors.As and on the exact condition with errors.Is.
type ConnectionError string
type ServerError string
type BadFrameError string
type InvalidHeaderError string
type StateError string
type SubscriptionError string
type TransactionError string
type HeartbeatError string
type ClientError string
type VersionError string

func (ce ConnectionError) Error() string {
	return "unexpected connection error : " + string(ce)
}

func (se ServerError) Error() string {
	return "error returned from the server : " + string(se)
}

func (be BadFrameError) Error() string {
	return "bad frame : " + string(be)
}

func (ie InvalidHeaderError) Error() string {
	return "invalid header value : " + string(ie)
}

func (se StateError) Error() string {
	return "invalid connection state : " + string(se)
}

func (se SubscriptionError) Error() string {
	return "subscription error : " + string(se)
}

func (te TransactionError) Error() string {
	return "transaction error : " + string(te)
}

func (he HeartbeatError) Error() string {
	return "heartbeat error : " + string(he)
}

func (ce ClientError) Error() string {
	return "error occurred using the client : " + string(ce)
}

func (ve VersionError) Error() string {
	return "version error : " + string(ve)
}

const (
	ErrInvalidFirstLine      BadFrameError = "missing command line"
	ErrInvalidCommand        BadFrameError = "invalid command"
	ErrMissingSeparator      BadFrameError = "missing blank line after headers"
	ErrInvalidFrame          BadFrameError = "header line without a colon"
	ErrMissingRequiredHeader BadFrameError = "missing required header"

	ErrInvalidHeartBeat  InvalidHeaderError = "heart-beat must be two comma separated integers"
	ErrInvalidACK        InvalidHeaderError = "unknown ack mode"
	ErrConflictingHeader InvalidHeaderError = "custom header conflicts with a frame header"

	ErrNotConnected      StateError = "not connected"
	ErrAlreadyConnecting StateError = "already connecting"
	ErrAlreadyConnected  StateError = "already connected"
	ErrCannotReconnect   StateError = "reconnect requires an errored or disconnected connection"

	ErrSubscriptionExists   SubscriptionError = "subscription already exists with that id"
	ErrSubscriptionNotFound SubscriptionError = "subscription not found"

	ErrTransactionInactive TransactionError = "transaction is not active"

	ErrTransportUnavailable ConnectionError = "transport unavailable"
	ErrConnectTimeout       ConnectionError = "timed out waiting for CONNECTED"
	ErrReceiptTimeout       ConnectionError = "receipt not received before timeout"
	ErrReceiptCancelled     ConnectionError = "connection lost while awaiting receipt"

	ErrHeartbeatTimeout HeartbeatError = "no heartbeat received within timeout"

	ErrReconnectExhausted ClientError = "reconnect attempts exhausted"
	ErrMessageTooLarge    ClientError = "message body exceeds max message size"
	ErrDuplicateReceipt   ClientError = "already a receipt with that id"

	ErrUnsupportedVersion VersionError = "server version is not supported by this client"
)

// TransportError wraps an I/O failure reported by the Transport.
type TransportError struct {
	Op  string
	Err error
}

func (te *TransportError) Error() string {
	return "transport failure during " + te.Op + " : " + te.Err.Error()
}

func (te *TransportError) Unwrap() error {
	return te.Err
}

func transportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// IsTransportFailure reports whether err came from the transport, either as
// an I/O failure or because no transport is attached.
func IsTransportFailure(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ce ConnectionError
	return errors.As(err, &ce)
}
