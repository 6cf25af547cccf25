package domain

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const RoomIDLength = 6

// roomIDChars is the alphabet for generated room codes.
const roomIDChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var ErrInvalidRoomID = errors.New("invalid room id")

type RoomID string

// Role is fixed at room creation/join and never changes for the lifetime
// of the room. Only which side currently re-offers after a reconnection
// depends on runtime events, never the role itself.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// Room is the local view of a two-party session.
type Room struct {
	ID   RoomID
	Role Role
}

// NewRoomID generates a shareable 6-character room code.
func NewRoomID() RoomID {
	code := make([]byte, RoomIDLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(roomIDChars))))
		code[i] = roomIDChars[n.Int64()]
	}
	return RoomID(code)
}

// ValidateRoomID checks the 6-uppercase-alphanumeric shape of a room code.
func ValidateRoomID(id RoomID) error {
	if len(id) != RoomIDLength {
		return ErrInvalidRoomID
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return ErrInvalidRoomID
		}
	}
	return nil
}
