package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

func newRelayServer(t *testing.T) (*httptest.Server, *TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	arena := NewArena()
	handler := NewHandler(arena, NewCreateRateLimiter(100, time.Minute))
	issuer := NewTokenIssuer("test-secret")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := SetupRouter(ctx, &config.Relay{Mode: "release", Secret: "test-secret"}, handler, issuer)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, issuer
}

type wsPeer struct {
	t      *testing.T
	conn   *websocket.Conn
	peerID string
}

func dialPeer(t *testing.T, srv *httptest.Server, issuer *TokenIssuer, clientID string) *wsPeer {
	t.Helper()
	token, err := issuer.Issue(clientID)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &wsPeer{t: t, conn: conn}
	hello := p.read()
	require.Equal(t, protocol.FrameConnected, hello.Type)
	require.NotEmpty(t, hello.PeerID)
	p.peerID = hello.PeerID
	return p
}

func (p *wsPeer) send(f protocol.Frame) {
	p.t.Helper()
	data, err := f.Encode()
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func (p *wsPeer) read() protocol.Frame {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	f, err := protocol.DecodeFrame(data)
	require.NoError(p.t, err)
	return f
}

func TestRoomLifecycleOverWebsocket(t *testing.T) {
	srv, issuer := newRelayServer(t)

	alice := dialPeer(t, srv, issuer, "client-a")
	alice.send(protocol.Frame{Type: protocol.FrameCreateRoom})
	created := alice.read()
	require.Equal(t, protocol.FrameRoomCreated, created.Type)
	require.NoError(t, domain.ValidateRoomID(created.RoomID))
	roomID := created.RoomID

	bob := dialPeer(t, srv, issuer, "client-b")
	bob.send(protocol.Frame{Type: protocol.FrameJoinRoom, RoomID: roomID})
	joined := bob.read()
	require.Equal(t, protocol.FrameRoomJoined, joined.Type)
	assert.Equal(t, roomID, joined.RoomID)

	arrival := alice.read()
	require.Equal(t, protocol.FramePeerJoined, arrival.Type)
	assert.Equal(t, bob.peerID, arrival.PeerID)

	// Negotiation signal forwarded verbatim with the sender stamped.
	offer, err := protocol.EncodeSignal(protocol.Offer{SDP: "v=0 test"})
	require.NoError(t, err)
	alice.send(protocol.Frame{Type: protocol.FrameSignal, RoomID: roomID, Data: offer})
	fwd := bob.read()
	require.Equal(t, protocol.FrameSignal, fwd.Type)
	assert.Equal(t, alice.peerID, fwd.PeerID)
	sig, err := protocol.DecodeSignal(fwd.Data)
	require.NoError(t, err)
	assert.Equal(t, protocol.Offer{SDP: "v=0 test"}, sig)

	// Relayed chat follows the same route.
	payload, err := protocol.ChatPayload{Kind: protocol.KindMessage, ID: "m1", Text: "hi"}.Encode()
	require.NoError(t, err)
	bob.send(protocol.Frame{Type: protocol.FrameRelayMessage, RoomID: roomID, Data: payload})
	msg := alice.read()
	require.Equal(t, protocol.FrameRelayMessage, msg.Type)
	got, err := protocol.DecodePayload(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Text)
}

func TestPeerLeftAndReconnected(t *testing.T) {
	srv, issuer := newRelayServer(t)

	alice := dialPeer(t, srv, issuer, "client-a")
	alice.send(protocol.Frame{Type: protocol.FrameCreateRoom})
	roomID := alice.read().RoomID

	bob := dialPeer(t, srv, issuer, "client-b")
	bob.send(protocol.Frame{Type: protocol.FrameJoinRoom, RoomID: roomID})
	require.Equal(t, protocol.FrameRoomJoined, bob.read().Type)
	require.Equal(t, protocol.FramePeerJoined, alice.read().Type)

	bob.conn.Close()
	gone := alice.read()
	require.Equal(t, protocol.FramePeerLeft, gone.Type)
	assert.Equal(t, bob.peerID, gone.PeerID)

	// Same client id on a fresh socket is a rejoin, and the counterpart
	// learns which fixed role came back.
	bob2 := dialPeer(t, srv, issuer, "client-b")
	bob2.send(protocol.Frame{Type: protocol.FrameJoinRoom, RoomID: roomID})
	require.Equal(t, protocol.FrameRoomJoined, bob2.read().Type)

	back := alice.read()
	require.Equal(t, protocol.FramePeerReconnected, back.Type)
	assert.Equal(t, bob2.peerID, back.PeerID)
	assert.False(t, back.IsInitiator)
}

func TestRejoinBeforeOldSocketCloses(t *testing.T) {
	srv, issuer := newRelayServer(t)

	alice := dialPeer(t, srv, issuer, "client-a")
	alice.send(protocol.Frame{Type: protocol.FrameCreateRoom})
	roomID := alice.read().RoomID

	bob := dialPeer(t, srv, issuer, "client-b")
	bob.send(protocol.Frame{Type: protocol.FrameJoinRoom, RoomID: roomID})
	require.Equal(t, protocol.FrameRoomJoined, bob.read().Type)
	require.Equal(t, protocol.FramePeerJoined, alice.read().Type)

	// The client comes back on a fresh socket while the old one is
	// still open (suspend/partition restart).
	bob2 := dialPeer(t, srv, issuer, "client-b")
	bob2.send(protocol.Frame{Type: protocol.FrameJoinRoom, RoomID: roomID})
	require.Equal(t, protocol.FrameRoomJoined, bob2.read().Type)
	require.Equal(t, protocol.FramePeerReconnected, alice.read().Type)

	// The old socket's close must neither unseat the rejoined member
	// nor announce a departure.
	bob.conn.Close()
	time.Sleep(100 * time.Millisecond)

	alice.send(protocol.Frame{Type: protocol.FramePing})
	assert.Equal(t, protocol.FramePong, alice.read().Type, "no spurious peer-left")

	offer, err := protocol.EncodeSignal(protocol.Offer{SDP: "v=0 retry"})
	require.NoError(t, err)
	alice.send(protocol.Frame{Type: protocol.FrameSignal, RoomID: roomID, Data: offer})
	fwd := bob2.read()
	require.Equal(t, protocol.FrameSignal, fwd.Type, "rejoined member still reachable")
}

func TestRelayErrorResponses(t *testing.T) {
	srv, issuer := newRelayServer(t)

	alice := dialPeer(t, srv, issuer, "client-a")
	alice.send(protocol.Frame{Type: protocol.FrameJoinRoom, RoomID: "ZZZZZ9"})
	errFrame := alice.read()
	require.Equal(t, protocol.FrameError, errFrame.Type)
	assert.Equal(t, protocol.ReasonRoomNotFound, errFrame.ErrorMessage())

	alice.send(protocol.Frame{Type: protocol.FrameCreateRoom, RoomID: "ABC123"})
	require.Equal(t, protocol.FrameRoomCreated, alice.read().Type)

	eve := dialPeer(t, srv, issuer, "client-e")
	eve.send(protocol.Frame{Type: protocol.FrameCreateRoom, RoomID: "ABC123"})
	dup := eve.read()
	require.Equal(t, protocol.FrameError, dup.Type)
	assert.Equal(t, protocol.ReasonRoomExists, dup.ErrorMessage())

	bob := dialPeer(t, srv, issuer, "client-b")
	bob.send(protocol.Frame{Type: protocol.FrameJoinRoom, RoomID: "ABC123"})
	require.Equal(t, protocol.FrameRoomJoined, bob.read().Type)
	require.Equal(t, protocol.FramePeerJoined, alice.read().Type)

	eve.send(protocol.Frame{Type: protocol.FrameJoinRoom, RoomID: "ABC123"})
	full := eve.read()
	require.Equal(t, protocol.FrameError, full.Type)
	assert.Equal(t, protocol.ReasonRoomFull, full.ErrorMessage())

	require.NoError(t, eve.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	bad := eve.read()
	require.Equal(t, protocol.FrameError, bad.Type)
	assert.Equal(t, protocol.ReasonBadFrame, bad.ErrorMessage())
}

func TestPingPong(t *testing.T) {
	srv, issuer := newRelayServer(t)
	alice := dialPeer(t, srv, issuer, "client-a")

	alice.send(protocol.Frame{Type: protocol.FramePing})
	assert.Equal(t, protocol.FramePong, alice.read().Type)
}

func TestCreateRateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	arena := NewArena()
	handler := NewHandler(arena, NewCreateRateLimiter(1, time.Minute))
	issuer := NewTokenIssuer("test-secret")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(SetupRouter(ctx, &config.Relay{Mode: "release", Secret: "test-secret"}, handler, issuer))
	t.Cleanup(srv.Close)

	alice := dialPeer(t, srv, issuer, "client-a")
	alice.send(protocol.Frame{Type: protocol.FrameCreateRoom})
	require.Equal(t, protocol.FrameRoomCreated, alice.read().Type)

	// Same client on a second connection is still over its budget.
	again := dialPeer(t, srv, issuer, "client-a")
	again.send(protocol.Frame{Type: protocol.FrameCreateRoom})
	limited := again.read()
	require.Equal(t, protocol.FrameError, limited.Type)
	assert.Equal(t, protocol.ReasonRateLimited, limited.ErrorMessage())
}
