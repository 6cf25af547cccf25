package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullSender struct{ data [][]byte }

func (n *nullSender) TrySend(data []byte) error {
	n.data = append(n.data, data)
	return nil
}

func TestCreateGeneratesValidCode(t *testing.T) {
	a := NewArena()
	id, err := a.Create("", "c1", "p1", &nullSender{})
	require.NoError(t, err)
	assert.Len(t, string(id), 6)

	m, ok := a.Member(id, "c1")
	require.True(t, ok)
	assert.True(t, m.Initiator)
}

func TestCreateRejectsTakenCode(t *testing.T) {
	a := NewArena()
	_, err := a.Create("ABC123", "c1", "p1", &nullSender{})
	require.NoError(t, err)

	_, err = a.Create("ABC123", "c2", "p2", &nullSender{})
	assert.ErrorIs(t, err, ErrRoomExists)
}

func TestJoinCapacityTwo(t *testing.T) {
	a := NewArena()
	_, err := a.Create("ABC123", "c1", "p1", &nullSender{})
	require.NoError(t, err)

	kind, m, err := a.Join("ABC123", "c2", "p2", &nullSender{})
	require.NoError(t, err)
	assert.Equal(t, JoinedNew, kind)
	assert.False(t, m.Initiator)

	_, _, err = a.Join("ABC123", "c3", "p3", &nullSender{})
	assert.ErrorIs(t, err, ErrRoomFull)

	_, _, err = a.Join("NOPE00", "c3", "p3", &nullSender{})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRejoinReclaimsOwnSlot(t *testing.T) {
	a := NewArena()
	_, err := a.Create("ABC123", "c1", "p1", &nullSender{})
	require.NoError(t, err)
	c2conn := &nullSender{}
	_, _, err = a.Join("ABC123", "c2", "p2", c2conn)
	require.NoError(t, err)

	assert.True(t, a.Leave("ABC123", "c2", c2conn))
	_, ok := a.Other("ABC123", "c1")
	assert.False(t, ok, "departed member is unreachable")

	// Same client, new connection and peer id: a rejoin, not a third join.
	kind, m, err := a.Join("ABC123", "c2", "p2-new", &nullSender{})
	require.NoError(t, err)
	assert.Equal(t, Rejoined, kind)
	assert.Equal(t, "p2-new", m.PeerID)
	assert.False(t, m.Initiator, "role survives the reconnect")
}

func TestInitiatorRejoinKeepsRole(t *testing.T) {
	a := NewArena()
	c1conn := &nullSender{}
	_, err := a.Create("ABC123", "c1", "p1", c1conn)
	require.NoError(t, err)
	a.Leave("ABC123", "c1", c1conn)

	kind, m, err := a.Join("ABC123", "c1", "p1-new", &nullSender{})
	require.NoError(t, err)
	assert.Equal(t, Rejoined, kind)
	assert.True(t, m.Initiator)
}

func TestSendToDepartedMember(t *testing.T) {
	a := NewArena()
	c1conn := &nullSender{}
	_, err := a.Create("ABC123", "c1", "p1", c1conn)
	require.NoError(t, err)
	m, _ := a.Member("ABC123", "c1")

	require.NoError(t, a.Send(m, []byte("x")))

	a.Leave("ABC123", "c1", c1conn)
	assert.ErrorIs(t, a.Send(m, []byte("x")), ErrMemberGone)
}

func TestStaleDisconnectKeepsRejoinedMember(t *testing.T) {
	a := NewArena()
	_, err := a.Create("ABC123", "c1", "p1", &nullSender{})
	require.NoError(t, err)
	oldConn := &nullSender{}
	_, _, err = a.Join("ABC123", "c2", "p2", oldConn)
	require.NoError(t, err)

	// The client rejoins on a fresh socket before the old socket's
	// close is observed.
	newConn := &nullSender{}
	kind, _, err := a.Join("ABC123", "c2", "p2-new", newConn)
	require.NoError(t, err)
	require.Equal(t, Rejoined, kind)

	assert.False(t, a.Leave("ABC123", "c2", oldConn), "old socket no longer owns the slot")

	other, ok := a.Other("ABC123", "c1")
	require.True(t, ok, "rejoined member stays reachable")
	assert.Equal(t, "p2-new", other.PeerID)

	assert.True(t, a.Leave("ABC123", "c2", newConn))
}

func TestSweepReclaimsOnlyIdleEmptyRooms(t *testing.T) {
	a := NewArena()
	c1conn := &nullSender{}
	_, err := a.Create("ABC123", "c1", "p1", c1conn)
	require.NoError(t, err)
	_, err = a.Create("XYZ789", "c2", "p2", &nullSender{})
	require.NoError(t, err)

	a.Leave("ABC123", "c1", c1conn)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 0, a.Sweep(time.Hour), "not idle long enough")
	assert.Equal(t, 1, a.Sweep(time.Millisecond))

	rooms, members := a.Counts()
	assert.Equal(t, 1, rooms, "occupied room survives")
	assert.Equal(t, 1, members)

	_, _, err = a.Join("ABC123", "c1", "p1", &nullSender{})
	assert.ErrorIs(t, err, ErrRoomNotFound, "reclaimed room is gone for good")
}

func TestRejoinCancelsReclaim(t *testing.T) {
	a := NewArena()
	c1conn := &nullSender{}
	_, err := a.Create("ABC123", "c1", "p1", c1conn)
	require.NoError(t, err)
	a.Leave("ABC123", "c1", c1conn)

	_, _, err = a.Join("ABC123", "c1", "p1", &nullSender{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0, a.Sweep(time.Nanosecond))
}
