package domain

// Origin marks which side authored a message record.
type Origin string

const (
	OriginSelf Origin = "self"
	OriginPeer Origin = "peer"
)

// MessageRecord is the stored form of a chat message. It is created once
// per payload id (first send or first receipt) and mutated in place by
// later acks and read receipts; a repeated id never creates a second
// record.
type MessageRecord struct {
	ID          string `json:"id"`
	RoomID      RoomID `json:"roomId"`
	Text        string `json:"text"`
	CreatedAt   int64  `json:"createdAt"` // epoch millis
	From        Origin `json:"from"`
	DeliveredAt *int64 `json:"deliveredAt,omitempty"`
	ReadAt      *int64 `json:"readAt,omitempty"`
}
