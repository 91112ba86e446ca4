package registry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sapora-lan/sapora/internal/v1/types"
)

type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	failNext bool
	hbCount  int
}

func (f *fakeConn) SendHeartbeat() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hbCount++
	if f.failNext {
		return assert.AnError
	}
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestAddAndRemove(t *testing.T) {
	reg := New(3*time.Second, 15*time.Second, nil)

	id := reg.Add(&fakeConn{}, "10.0.0.1:5000")
	members := reg.AllMembers()
	require.Len(t, members, 1)
	assert.Equal(t, types.UsernameUnknown, members[0].Username)
	assert.Equal(t, types.RoomDefault, members[0].Room)

	username, ip, ok := reg.Remove(id)
	assert.True(t, ok)
	assert.Equal(t, types.UsernameUnknown, username)
	assert.Equal(t, "10.0.0.1", ip)
	assert.Empty(t, reg.AllMembers())
}

func TestRemove_DropsStreamsForIP(t *testing.T) {
	reg := New(3*time.Second, 15*time.Second, nil)
	id := reg.Add(&fakeConn{}, "10.0.0.2:5000")

	videoAddr := udpAddr(t, "10.0.0.2:6000")
	reg.RegisterStream(types.StreamVideo, videoAddr)
	require.Len(t, reg.Listeners(types.StreamVideo, ""), 1)

	reg.Remove(id)
	assert.Empty(t, reg.Listeners(types.StreamVideo, ""))
}

func TestTouch_PromotesUnknownAndSetsRoom(t *testing.T) {
	reg := New(3*time.Second, 15*time.Second, nil)
	id := reg.Add(&fakeConn{}, "10.0.0.3:5000")

	username := types.UsernameType("Alice")
	room := types.RoomIDType("team")
	reg.Touch(id, &username, &room)

	members := reg.AllMembers()
	require.Len(t, members, 1)
	assert.Equal(t, username, members[0].Username)
	assert.Equal(t, room, members[0].Room)
}

func TestTouch_IgnoresDowngradeToDefault(t *testing.T) {
	reg := New(3*time.Second, 15*time.Second, nil)
	id := reg.Add(&fakeConn{}, "10.0.0.4:5000")

	room := types.RoomIDType("team")
	reg.Touch(id, nil, &room)

	defaultRoom := types.RoomDefault
	reg.Touch(id, nil, &defaultRoom)

	members := reg.AllMembers()
	require.Len(t, members, 1)
	assert.Equal(t, room, members[0].Room, "downgrade to default must be ignored once a real room is set")
}

func TestTouch_DuplicateUsernameInRoomNotPromoted(t *testing.T) {
	reg := New(3*time.Second, 15*time.Second, nil)
	idA := reg.Add(&fakeConn{}, "10.0.0.20:5000")
	idB := reg.Add(&fakeConn{}, "10.0.0.21:5000")

	room := types.RoomIDType("team")
	alice := types.UsernameType("Alice")
	reg.Touch(idA, &alice, &room)

	imposter := types.UsernameType("ALICE")
	reg.Touch(idB, &imposter, &room)

	b, ok := reg.MemberByID(idB)
	require.True(t, ok)
	assert.Equal(t, types.UsernameUnknown, b.Username, "a case-folded duplicate must not displace the existing name")

	m, ok := reg.FindByUsernameCI(room, "alice")
	require.True(t, ok)
	assert.Equal(t, idA, m.ID)
}

func TestTouchByIP(t *testing.T) {
	reg := New(3*time.Second, 15*time.Second, nil)
	reg.Add(&fakeConn{}, "10.0.0.5:5000")

	username := types.UsernameType("Bob")
	reg.TouchByIP("10.0.0.5", &username, nil)

	members := reg.AllMembers()
	require.Len(t, members, 1)
	assert.Equal(t, username, members[0].Username)
}

func TestListeners_FilteredByRoom(t *testing.T) {
	reg := New(3*time.Second, 15*time.Second, nil)
	idA := reg.Add(&fakeConn{}, "10.0.0.6:5000")
	idB := reg.Add(&fakeConn{}, "10.0.0.7:5000")

	roomTeam := types.RoomIDType("team")
	roomOther := types.RoomIDType("other")
	reg.Touch(idA, nil, &roomTeam)
	reg.Touch(idB, nil, &roomOther)

	reg.RegisterStream(types.StreamAudio, udpAddr(t, "10.0.0.6:7000"))
	reg.RegisterStream(types.StreamAudio, udpAddr(t, "10.0.0.7:7001"))

	teamListeners := reg.Listeners(types.StreamAudio, roomTeam)
	require.Len(t, teamListeners, 1)
	assert.Equal(t, "10.0.0.6", teamListeners[0].IP.String())
}

func TestFindByUsernameCI(t *testing.T) {
	reg := New(3*time.Second, 15*time.Second, nil)
	id := reg.Add(&fakeConn{}, "10.0.0.8:5000")

	username := types.UsernameType("Carol")
	room := types.RoomIDType("team")
	reg.Touch(id, &username, &room)

	m, ok := reg.FindByUsernameCI(room, "CAROL")
	require.True(t, ok)
	assert.Equal(t, id, m.ID)

	_, ok = reg.FindByUsernameCI(room, "dave")
	assert.False(t, ok)
}

func TestMemberByIP(t *testing.T) {
	reg := New(3*time.Second, 15*time.Second, nil)
	id := reg.Add(&fakeConn{}, "10.0.0.10:5000")

	m, ok := reg.MemberByIP("10.0.0.10")
	require.True(t, ok)
	assert.Equal(t, id, m.ID)

	_, ok = reg.MemberByIP("10.0.0.99")
	assert.False(t, ok)
}

func TestHeartbeat_RemovesMemberOnSendFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := New(20*time.Millisecond, 15*time.Second, nil)
	conn := &fakeConn{failNext: true}
	reg.Add(conn, "10.0.0.9:5000")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(reg.AllMembers()) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestStop_JoinsWithinBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := New(5*time.Millisecond, 15*time.Second, nil)
	go reg.Run(context.Background())

	time.Sleep(20 * time.Millisecond)
	reg.Stop(2 * time.Second)
}

func TestPing_SucceedsWhenUnlocked(t *testing.T) {
	reg := New(3*time.Second, 15*time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, reg.Ping(ctx))
}
