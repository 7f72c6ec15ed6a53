// Package transport owns the physical connection to the relay: the duplex
// stream, the connection state machine, reconnect and backoff policy,
// keep-alive pings, and AEAD framing of all post-handshake traffic.
package transport

import (
	"fmt"
	"time"
)

// ConnectionState is the session's position in the connection lifecycle.
// Exactly one state exists per Session and transitions are serialized.
type ConnectionState uint8

const (
	// StateClosed means no connection exists and none is being attempted.
	StateClosed ConnectionState = iota
	// StateConnecting means the duplex stream is being opened.
	StateConnecting
	// StateConnected means the stream is open but not yet authenticated.
	StateConnected
	// StateAuthenticating means the handshake engine is running.
	StateAuthenticating
	// StateAuthenticated means session keys are established.
	StateAuthenticated
	// StateReady means post-auth traffic has settled; the session is usable.
	StateReady
	// StateReconnecting means the connection dropped and the backoff policy
	// is scheduling a retry.
	StateReconnecting
	// StateDisconnecting means an explicit disconnect is in progress.
	StateDisconnecting
)

// String returns the state's protocol name.
func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReady:
		return "READY"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// StateChange is the observable event emitted on every connection-state
// transition, for logging, UIs, and reconnect-aware callers.
type StateChange struct {
	State  ConnectionState
	Time   time.Time
	Err    error
	Reason string
}
