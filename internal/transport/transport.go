// Package transport provides the uniform send surface over the two
// concrete chat channels: the direct peer data channel and the relayed
// path through the signaling service.
package transport

import "errors"

var ErrNotOpen = errors.New("transport not open")

type State int32

const (
	StateNew State = iota
	StateNegotiating
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Path identifies which channel carried a payload.
type Path string

const (
	PathDirect  Path = "direct"
	PathRelayed Path = "relayed"
)

// Transport is the minimal surface the delivery layer sees: ready or
// not, and send or fail. Senders never block waiting for readiness.
type Transport interface {
	State() State
	Send(data []byte) error
}
