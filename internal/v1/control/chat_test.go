package control

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapora-lan/sapora/internal/v1/bus"
	"github.com/sapora-lan/sapora/internal/v1/registry"
	"github.com/sapora-lan/sapora/internal/v1/types"
	"github.com/sapora-lan/sapora/internal/v1/wire"
)

func TestHandleChat_DeliveryConfirmSummarizesSentAndFailed(t *testing.T) {
	h := newHarness(t)

	alice := dial(t, h.addr)
	defer alice.Close()
	bob := dial(t, h.addr)
	defer bob.Close()
	carol := dial(t, h.addr)
	defer carol.Close()

	register(t, alice, "alice", "team")
	register(t, bob, "bob", "team")
	register(t, carol, "carol", "team")
	time.Sleep(50 * time.Millisecond)

	chat, err := json.Marshal(types.ChatPayload{Target: "all", Text: "hi team"})
	require.NoError(t, err)
	sendFrame(t, alice, wire.Chat, chat)

	_ = readChat(t, bob)
	_ = readChat(t, carol)
	confirm := readChat(t, alice)

	assert.Equal(t, types.ChatDeliveryConfirm, confirm.Type)
	assert.Equal(t, 2, confirm.Sent)
	assert.Equal(t, 0, confirm.Failed)
}

// pipeMember registers a pipe-backed client with the registry at a
// fabricated remote address, so tests can exercise IP-correlated routing
// with distinct IPs, which real loopback connections can't provide.
func pipeMember(t *testing.T, srv *Server, remoteAddr, username, room string) net.Conn {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	c := newClient(serverSide, "")
	c.id = srv.reg.Add(c, remoteAddr)
	go c.writePump()
	t.Cleanup(c.Close)

	ip, _, err := net.SplitHostPort(remoteAddr)
	require.NoError(t, err)
	u := types.UsernameType(username)
	r := types.RoomIDType(room)
	srv.reg.TouchByIP(ip, &u, &r)

	return clientSide
}

func TestHandleRemoteEvent_ChatRelayedToLocalRoomMembers(t *testing.T) {
	srv := NewServer(nil, 200*time.Millisecond)
	srv.Attach(registry.New(time.Hour, time.Hour, srv.Broadcast))

	bob := pipeMember(t, srv, "10.9.9.3:5000", "bob", "team")
	carol := pipeMember(t, srv, "10.9.9.4:5000", "carol", "other")

	remote, err := json.Marshal(types.ChatPayload{
		Sender:    "alice",
		Target:    "all",
		Text:      "hello from the other relay",
		MeetingID: "team",
		Type:      types.ChatBroadcast,
	})
	require.NoError(t, err)

	srv.handleRemoteEvent(bus.PubSubPayload{
		RoomID:     "team",
		Event:      "chat",
		Payload:    remote,
		InstanceID: "peer-instance",
	})

	got := readChat(t, bob)
	assert.Equal(t, "hello from the other relay", got.Text)
	assert.Equal(t, "alice", got.Sender)

	// carol is in a different room and must receive nothing but the
	// user-list frames her own registration triggered.
	_ = carol.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	for {
		hdr, _, err := wire.ReadFrame(carol, wire.MaxControlPayload)
		if err != nil {
			break
		}
		require.NotEqual(t, wire.Chat, hdr.Type, "a chat for another room must not be relayed")
	}
}

func TestAnnounceFile_BroadcastReachesRoomExcludingUploader(t *testing.T) {
	srv := NewServer(nil, 200*time.Millisecond)
	srv.Attach(registry.New(time.Hour, time.Hour, srv.Broadcast))

	_ = pipeMember(t, srv, "10.9.9.1:5000", "alice", "team")
	bob := pipeMember(t, srv, "10.9.9.2:5000", "bob", "team")

	// The uploader is identified by the source IP of its file-transfer
	// connection, which matches alice's control-socket IP.
	srv.AnnounceFile(context.Background(), "10.9.9.1", types.ChatPayload{
		Target:   "all",
		Filename: "report.pdf",
		Size:     1024,
	})

	got := readChat(t, bob)
	assert.Equal(t, types.ChatFileAnnounce, got.Type)
	assert.Equal(t, "report.pdf", got.Filename)
	assert.Equal(t, "alice", got.Sender)
}
