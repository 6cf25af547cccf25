package protocol

import (
	"encoding/json"
	"fmt"
)

// Signal is the closed set of events the signaling session delivers to
// the negotiation machinery. The marker method keeps the set sealed so
// consumers can switch exhaustively instead of carrying an unknown-type
// branch.
type Signal interface {
	isSignal()
}

// Offer carries a local session description from the initiating side.
type Offer struct {
	SDP string `json:"sdp"`
}

// Answer carries the responding session description.
type Answer struct {
	SDP string `json:"sdp"`
}

// IceCandidate carries one connectivity candidate. Candidates may arrive
// before the remote description has been applied; the receiver buffers
// them rather than rejecting them.
type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// PeerJoined reports the second member entering the room.
type PeerJoined struct {
	PeerID string
}

// PeerLeft reports the other member leaving or dropping its connection.
type PeerLeft struct {
	PeerID string
}

// PeerReconnected reports the other member rebuilding its negotiation
// machinery. WasInitiator tells the receiver which fixed role restarted,
// so only the Initiator side ever issues a fresh offer.
type PeerReconnected struct {
	PeerID       string
	WasInitiator bool
}

// SignalError reports a room-scoped failure from the relay.
type SignalError struct {
	Reason string
}

func (Offer) isSignal()           {}
func (Answer) isSignal()          {}
func (IceCandidate) isSignal()    {}
func (PeerJoined) isSignal()      {}
func (PeerLeft) isSignal()        {}
func (PeerReconnected) isSignal() {}
func (SignalError) isSignal()     {}

// envelopeKind tags the JSON form of the negotiation signals that travel
// inside a signal frame's data field. Presence events never cross the
// wire in this form; the relay synthesizes them as dedicated frames.
type envelopeKind string

const (
	envOffer     envelopeKind = "offer"
	envAnswer    envelopeKind = "answer"
	envCandidate envelopeKind = "candidate"
)

type envelope struct {
	Kind      envelopeKind  `json:"kind"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *IceCandidate `json:"candidate,omitempty"`
}

// EncodeSignal serializes an Offer, Answer or IceCandidate for a signal
// frame. Other variants are relay-synthesized and have no wire form.
func EncodeSignal(sig Signal) ([]byte, error) {
	switch s := sig.(type) {
	case Offer:
		return json.Marshal(envelope{Kind: envOffer, SDP: s.SDP})
	case Answer:
		return json.Marshal(envelope{Kind: envAnswer, SDP: s.SDP})
	case IceCandidate:
		return json.Marshal(envelope{Kind: envCandidate, Candidate: &s})
	default:
		return nil, fmt.Errorf("%w: signal %T is not wire-encodable", ErrMalformedFrame, sig)
	}
}

// DecodeSignal parses the data field of an inbound signal frame.
func DecodeSignal(data []byte) (Signal, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch env.Kind {
	case envOffer:
		return Offer{SDP: env.SDP}, nil
	case envAnswer:
		return Answer{SDP: env.SDP}, nil
	case envCandidate:
		if env.Candidate == nil {
			return nil, fmt.Errorf("%w: candidate signal without candidate", ErrMalformedFrame)
		}
		return *env.Candidate, nil
	default:
		return nil, fmt.Errorf("%w: unknown signal kind %q", ErrMalformedFrame, env.Kind)
	}
}
