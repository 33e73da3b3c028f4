package server

import (
	"strings"

	"github.com/gorilla/websocket"
)

// State is the lifecycle stage of a socket connection.
type State int32

// Connection states. StateRejected is reachable only from StateConnecting.
const (
	StateConnecting State = iota
	StateActive
	StateDisconnecting
	StateRemoved
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateRemoved:
		return "removed"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// Close frames sent when a handshake is rejected.
const (
	ReasonAuthRequired        = "authentication required"
	ReasonInvalidCredential   = "invalid credential"
	ReasonNotMember           = "not a member of this project"
	ReasonRegistryUnavailable = "registry unavailable"

	closeTryAgainLater = websocket.CloseTryAgainLater
	closePolicy        = websocket.ClosePolicyViolation
)

// Error reply codes sent to clients in error envelopes.
const (
	ErrCodeMalformed      = "malformed_envelope"
	ErrCodeDeliveryFailed = "delivery_failed"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
