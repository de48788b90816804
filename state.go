package stompy

import (
	"time"

	"github.com/pkg/errors"
)

// StateKind enumerates the connection lifecycle.
type StateKind int

const (
	Disconnected StateKind = iota
	Connecting
	Connected
	Reconnecting
	Disconnecting
	Errored
)

var stateNames = map[StateKind]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Reconnecting:  "reconnecting",
	Disconnecting: "disconnecting",
	Errored:       "error",
}

func (k StateKind) String() string {
	if n, ok := stateNames[k]; ok {
		return n
	}
	return "unknown"
}

// ConnectionState is the current lifecycle position. Err is set only when
// Kind is Errored.
type ConnectionState struct {
	Kind StateKind
	Err  error
}

func (s ConnectionState) IsConnected() bool {
	return s.Kind == Connected
}

func (s ConnectionState) IsConnecting() bool {
	return s.Kind == Connecting || s.Kind == Reconnecting
}

func (s ConnectionState) IsDisconnected() bool {
	return s.Kind == Disconnected
}

func (s ConnectionState) String() string {
	if s.Kind == Errored && s.Err != nil {
		return "error(" + s.Err.Error() + ")"
	}
	return s.Kind.String()
}

// ConnectionInfo describes an established session. It is replaced on every
// CONNECTED and cleared on disconnect.
type ConnectionInfo struct {
	SessionID     string
	ServerVersion string
	ServerName    string
	// HeartBeat is the server's advertised heart-beat header, if any.
	HeartBeat *HeartBeat
	// Negotiated is what the client actually runs with.
	Negotiated  HeartBeat
	ConnectedAt time.Time
}

type stateEvent int

const (
	evConnect stateEvent = iota
	evReconnect
	evConnected
	evFailed
	evDisconnect
	evDisconnected
)

var eventNames = map[stateEvent]string{
	evConnect:      "connect",
	evReconnect:    "reconnect",
	evConnected:    "connected",
	evFailed:       "failure",
	evDisconnect:   "disconnect",
	evDisconnected: "disconnected",
}

// transition is the only place the lifecycle moves. It returns the next
// state or a StateError when event is not allowed from s.
func transition(s ConnectionState, ev stateEvent, cause error) (ConnectionState, error) {
	switch ev {
	case evConnect:
		switch s.Kind {
		case Disconnected, Errored:
			return ConnectionState{Kind: Connecting}, nil
		case Connecting, Reconnecting:
			return s, ErrAlreadyConnecting
		case Connected:
			return s, ErrAlreadyConnected
		}
	case evReconnect:
		switch s.Kind {
		case Disconnected, Errored:
			return ConnectionState{Kind: Reconnecting}, nil
		case Connecting, Reconnecting:
			return s, ErrAlreadyConnecting
		}
		return s, ErrCannotReconnect
	case evConnected:
		if s.IsConnecting() {
			return ConnectionState{Kind: Connected}, nil
		}
	case evFailed:
		if s.Kind != Disconnected {
			return ConnectionState{Kind: Errored, Err: cause}, nil
		}
	case evDisconnect:
		if s.Kind == Connected {
			return ConnectionState{Kind: Disconnecting}, nil
		}
		return s, ErrNotConnected
	case evDisconnected:
		return ConnectionState{Kind: Disconnected}, nil
	}
	return s, errors.Wrapf(ErrNotConnected, "%s while %s", eventNames[ev], s)
}
