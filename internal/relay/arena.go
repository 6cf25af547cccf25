// Package relay implements the room-registry/signaling service: a room
// arena capped at two members, websocket member sessions, and frame
// routing between the two sides of a room.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room full")
	ErrMemberGone   = errors.New("member not connected")
)

// Sender is the transport slice the arena needs to reach a member.
type Sender interface {
	TrySend(data []byte) error
}

// Member is one occupied slot of a room. A slot survives its connection:
// when the socket drops the slot stays reserved for the same client id,
// which is what lets the arena tell a rejoin apart from a fresh join.
type Member struct {
	ClientID  string
	PeerID    string
	Initiator bool
	conn      Sender // nil while departed
}

type roomEntry struct {
	id         domain.RoomID
	members    []*Member
	emptySince time.Time // zero while any member is connected
}

func (r *roomEntry) connectedCount() int {
	n := 0
	for _, m := range r.members {
		if m.conn != nil {
			n++
		}
	}
	return n
}

// JoinKind distinguishes a fresh second member from a returning one.
type JoinKind int

const (
	JoinedNew JoinKind = iota
	Rejoined
)

// Arena owns every live room, keyed by room id. No ambient shared state:
// create, look up, and reclaim all go through here.
type Arena struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry
}

func NewArena() *Arena {
	return &Arena{rooms: make(map[domain.RoomID]*roomEntry)}
}

// Create registers a new room with the caller as Initiator. An empty id
// asks the arena to generate an unused code.
func (a *Arena) Create(id domain.RoomID, clientID, peerID string, conn Sender) (domain.RoomID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == "" {
		for {
			id = domain.NewRoomID()
			if _, taken := a.rooms[id]; !taken {
				break
			}
		}
	} else if _, taken := a.rooms[id]; taken {
		return "", ErrRoomExists
	}
	a.rooms[id] = &roomEntry{
		id: id,
		members: []*Member{
			{ClientID: clientID, PeerID: peerID, Initiator: true, conn: conn},
		},
	}
	log.Info().Str("module", "relay.arena").Str("room", string(id)).Msg("room created")
	return id, nil
}

// Join admits a client into a room. A client id already holding a slot
// reoccupies it (a rejoin); otherwise the client takes the second slot.
// A third distinct client is rejected without touching the existing
// members.
func (a *Arena) Join(id domain.RoomID, clientID, peerID string, conn Sender) (JoinKind, *Member, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	room, ok := a.rooms[id]
	if !ok {
		return 0, nil, ErrRoomNotFound
	}
	for _, m := range room.members {
		if m.ClientID == clientID {
			m.conn = conn
			m.PeerID = peerID
			room.emptySince = time.Time{}
			log.Info().Str("module", "relay.arena").Str("room", string(id)).Bool("was_initiator", m.Initiator).Msg("member rejoined")
			return Rejoined, m, nil
		}
	}
	if len(room.members) >= 2 {
		return 0, nil, ErrRoomFull
	}
	room.members = append(room.members, &Member{ClientID: clientID, PeerID: peerID, conn: conn})
	room.emptySince = time.Time{}
	log.Info().Str("module", "relay.arena").Str("room", string(id)).Msg("member joined")
	return JoinedNew, room.members[len(room.members)-1], nil
}

// Leave marks the client's slot departed, but only while conn still
// owns it: a disconnect observed after the client already rejoined on a
// fresh socket must not wipe the new connection. Reports whether the
// slot was cleared. The slot itself stays reserved so the client can
// rejoin; a fully departed room is reclaimed by the sweeper.
func (a *Arena) Leave(id domain.RoomID, clientID string, conn Sender) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	room, ok := a.rooms[id]
	if !ok {
		return false
	}
	for _, m := range room.members {
		if m.ClientID != clientID {
			continue
		}
		if m.conn != conn {
			log.Info().Str("module", "relay.arena").Str("room", string(id)).Msg("stale disconnect ignored")
			return false
		}
		m.conn = nil
		if room.connectedCount() == 0 {
			room.emptySince = time.Now()
			log.Info().Str("module", "relay.arena").Str("room", string(id)).Msg("room empty")
		}
		return true
	}
	return false
}

// Member returns the slot held by clientID.
func (a *Arena) Member(id domain.RoomID, clientID string) (*Member, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	room, ok := a.rooms[id]
	if !ok {
		return nil, false
	}
	for _, m := range room.members {
		if m.ClientID == clientID {
			return m, true
		}
	}
	return nil, false
}

// Other returns the connected counterpart of clientID in the room.
func (a *Arena) Other(id domain.RoomID, clientID string) (*Member, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	room, ok := a.rooms[id]
	if !ok {
		return nil, false
	}
	for _, m := range room.members {
		if m.ClientID != clientID && m.conn != nil {
			return m, true
		}
	}
	return nil, false
}

// Send delivers data to a member if it is currently connected.
func (a *Arena) Send(m *Member, data []byte) error {
	a.mu.RLock()
	conn := m.conn
	a.mu.RUnlock()
	if conn == nil {
		return ErrMemberGone
	}
	return conn.TrySend(data)
}

// Counts reports active rooms and connected members for introspection.
func (a *Arena) Counts() (rooms, members int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, room := range a.rooms {
		rooms++
		members += room.connectedCount()
	}
	return rooms, members
}

// Sweep reclaims rooms that have had no connected member for at least
// idle. Returns how many rooms were removed.
func (a *Arena) Sweep(idle time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	cutoff := time.Now().Add(-idle)
	for id, room := range a.rooms {
		if !room.emptySince.IsZero() && room.emptySince.Before(cutoff) {
			delete(a.rooms, id)
			removed++
			log.Info().Str("module", "relay.arena").Str("room", string(id)).Msg("room reclaimed")
		}
	}
	return removed
}
