package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/dkeye/Duet/internal/relay"
)

type clientEvents struct {
	signals  chan protocol.Signal
	payloads chan protocol.ChatPayload
}

func startRelay(t *testing.T) (string, *relay.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler := relay.NewHandler(relay.NewArena(), relay.NewCreateRateLimiter(100, time.Minute))
	issuer := relay.NewTokenIssuer("test-secret")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(relay.SetupRouter(ctx, &config.Relay{Mode: "release", Secret: "test-secret"}, handler, issuer))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws", issuer
}

func startClient(t *testing.T, url string, issuer *relay.TokenIssuer, clientID string) (*Client, *clientEvents) {
	t.Helper()
	token, err := issuer.Issue(clientID)
	require.NoError(t, err)

	ev := &clientEvents{
		signals:  make(chan protocol.Signal, 16),
		payloads: make(chan protocol.ChatPayload, 16),
	}
	c := New([]string{url}, token, Handlers{
		OnSignal: func(roomID domain.RoomID, sig protocol.Signal) {
			ev.signals <- sig
		},
		OnRelayedPayload: func(roomID domain.RoomID, p protocol.ChatPayload) {
			ev.payloads <- p
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)
	return c, ev
}

func waitSignal(t *testing.T, ev *clientEvents) protocol.Signal {
	t.Helper()
	select {
	case sig := <-ev.signals:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("no signal arrived")
		return nil
	}
}

func TestClientRoomOperations(t *testing.T) {
	url, issuer := startRelay(t)
	alice, aliceEv := startClient(t, url, issuer, "client-a")
	ctx := context.Background()

	roomID, err := alice.CreateRoom(ctx, "")
	require.NoError(t, err)
	require.NoError(t, domain.ValidateRoomID(roomID))

	bob, bobEv := startClient(t, url, issuer, "client-b")
	require.NoError(t, bob.JoinRoom(ctx, roomID))

	joined, ok := waitSignal(t, aliceEv).(protocol.PeerJoined)
	require.True(t, ok)
	assert.NotEmpty(t, joined.PeerID)

	require.NoError(t, alice.SendEnvelope(roomID, protocol.Offer{SDP: "v=0 offer"}))
	offer, ok := waitSignal(t, bobEv).(protocol.Offer)
	require.True(t, ok)
	assert.Equal(t, "v=0 offer", offer.SDP)

	require.NoError(t, bob.SendEnvelope(roomID, protocol.Answer{SDP: "v=0 answer"}))
	answer, ok := waitSignal(t, aliceEv).(protocol.Answer)
	require.True(t, ok)
	assert.Equal(t, "v=0 answer", answer.SDP)

	require.NoError(t, bob.SendRelayedPayload(roomID, protocol.ChatPayload{Kind: protocol.KindMessage, ID: "m1", Text: "hi"}))
	select {
	case p := <-aliceEv.payloads:
		assert.Equal(t, "hi", p.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed payload never arrived")
	}
}

func TestClientTypedRoomErrors(t *testing.T) {
	url, issuer := startRelay(t)
	alice, _ := startClient(t, url, issuer, "client-a")
	ctx := context.Background()

	assert.ErrorIs(t, alice.JoinRoom(ctx, "ZZZZZ9"), ErrRoomNotFound)

	_, err := alice.CreateRoom(ctx, "ABC123")
	require.NoError(t, err)

	eve, _ := startClient(t, url, issuer, "client-e")
	_, err = eve.CreateRoom(ctx, "ABC123")
	assert.ErrorIs(t, err, ErrRoomExists)

	bob, _ := startClient(t, url, issuer, "client-b")
	require.NoError(t, bob.JoinRoom(ctx, "ABC123"))
	assert.ErrorIs(t, eve.JoinRoom(ctx, "ABC123"), ErrRoomFull)
}

func TestClientRequiresConnection(t *testing.T) {
	c := New([]string{"ws://127.0.0.1:1/api/ws"}, "", Handlers{})
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAllCandidatesFailed)

	_, err := c.CreateRoom(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.SendEnvelope("ABC123", protocol.Offer{SDP: "x"}), ErrNotConnected)
}
