package protocol

import (
	"encoding/json"
	"fmt"
)

type PayloadKind string

const (
	KindMessage     PayloadKind = "message"
	KindTyping      PayloadKind = "typing"
	KindAck         PayloadKind = "ack"
	KindReadReceipt PayloadKind = "read-receipt"
)

// ChatPayload travels over either the direct data channel or the relayed
// path. ID is assigned once at send time and stays stable across retries
// and transport switches; it is the deduplication key for the session.
type ChatPayload struct {
	Kind      PayloadKind `json:"type"`
	ID        string      `json:"id,omitempty"`
	Text      string      `json:"text,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"` // epoch millis
	IsTyping  bool        `json:"isTyping,omitempty"`
}

func (p ChatPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

func DecodePayload(data []byte) (ChatPayload, error) {
	var p ChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ChatPayload{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch p.Kind {
	case KindMessage, KindAck, KindReadReceipt:
		if p.ID == "" {
			return ChatPayload{}, fmt.Errorf("%w: %s payload without id", ErrMalformedFrame, p.Kind)
		}
	case KindTyping:
	default:
		return ChatPayload{}, fmt.Errorf("%w: unknown payload kind %q", ErrMalformedFrame, p.Kind)
	}
	return p, nil
}
