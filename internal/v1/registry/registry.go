// Package registry is the single source of truth for connected members,
// their TCP sockets, their UDP return addresses, room membership, and
// liveness. It is the only component transitively shared across the TCP
// control server and the UDP video/audio routers.
package registry

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sapora-lan/sapora/internal/v1/logging"
	"github.com/sapora-lan/sapora/internal/v1/metrics"
	"github.com/sapora-lan/sapora/internal/v1/types"
)

// Sender is the minimal behavior the registry needs from a TCP control
// connection to deliver a HEARTBEAT or have it removed on failure. The
// control package's client type satisfies this without the registry
// importing it back.
type Sender interface {
	SendHeartbeat() error
	Close()
}

// Member is a connected participant. It is created Unknown on TCP accept
// and finalized (username, room) on registration.
type Member struct {
	ID       types.MemberIDType
	Conn     Sender
	RemoteIP string
	Username types.UsernameType
	Room     types.RoomIDType
	LastSeen time.Time

	VideoAddr *net.UDPAddr
	AudioAddr *net.UDPAddr
}

type streamReg struct {
	addr     *net.UDPAddr
	memberIP string
	lastSeen time.Time
}

// BroadcastFunc is invoked after a membership change, outside the registry
// lock, so the caller (the control package) can fan out USER_LIST updates
// without the registry depending on the wire format.
type BroadcastFunc func(ctx context.Context, global bool, room types.RoomIDType)

// Registry guards members, room membership, and UDP stream registrations
// behind a single mutex. Reads that produce snapshots copy the underlying
// collections; no caller holds the lock across an I/O call.
type Registry struct {
	mu sync.Mutex

	members map[types.MemberIDType]*Member
	byIP    map[string]types.MemberIDType // remote IP -> member ID, for UDP correlation
	rooms   map[types.RoomIDType]map[types.MemberIDType]struct{}

	videoStreams map[string]*streamReg // key: "ip:port"
	audioStreams map[string]*streamReg

	onBroadcast BroadcastFunc

	heartbeatInterval time.Duration
	idleTimeout       time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an empty Registry. Call Run to start its heartbeat loop.
func New(heartbeatInterval, idleTimeout time.Duration, onBroadcast BroadcastFunc) *Registry {
	return &Registry{
		members:           make(map[types.MemberIDType]*Member),
		byIP:              make(map[string]types.MemberIDType),
		rooms:             make(map[types.RoomIDType]map[types.MemberIDType]struct{}),
		videoStreams:      make(map[string]*streamReg),
		audioStreams:      make(map[string]*streamReg),
		onBroadcast:       onBroadcast,
		heartbeatInterval: heartbeatInterval,
		idleTimeout:       idleTimeout,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// Add inserts an Unknown-username member in the default room and triggers a
// global user-list broadcast (Unknown members themselves are excluded from
// the payload, but other members' views are unaffected so no broadcast is
// strictly required here; it is still emitted for symmetry with remove).
func (r *Registry) Add(conn Sender, remoteAddr string) types.MemberIDType {
	ip, _, _ := net.SplitHostPort(remoteAddr)
	id := types.MemberIDType(uuid.New().String())

	r.mu.Lock()
	m := &Member{
		ID:       id,
		Conn:     conn,
		RemoteIP: ip,
		Username: types.UsernameUnknown,
		Room:     types.RoomDefault,
		LastSeen: time.Now(),
	}
	r.members[id] = m
	r.byIP[ip] = id
	r.addToRoomLocked(types.RoomDefault, id)
	r.mu.Unlock()

	metrics.IncMember()
	r.dispatchBroadcast(true, types.RoomDefault)
	return id
}

// Remove deletes the member, closes its socket, drops any UDP stream
// registrations whose source IP matches, and triggers a global user-list
// broadcast plus, when the member was in a non-default room, a room one.
func (r *Registry) Remove(id types.MemberIDType) (types.UsernameType, string, bool) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return "", "", false
	}

	delete(r.members, id)
	if r.byIP[m.RemoteIP] == id {
		delete(r.byIP, m.RemoteIP)
	}
	r.removeFromRoomLocked(m.Room, id)
	r.dropStreamsForIPLocked(m.RemoteIP)
	room := m.Room
	r.mu.Unlock()

	m.Conn.Close()
	metrics.DecMember()
	r.dispatchBroadcast(true, room)
	if room != types.RoomDefault {
		r.dispatchBroadcast(false, room)
	}
	return m.Username, m.RemoteIP, true
}

// Touch refreshes last-seen. If the stored username is still Unknown and
// one is supplied, it is promoted and a broadcast is scheduled; a name
// already held by another member of the target room under case-insensitive
// comparison is not promoted, keeping room usernames unique. If a room is
// supplied, it is updated; a downgrade to RoomDefault is ignored once a
// non-default room has been set.
func (r *Registry) Touch(id types.MemberIDType, username *types.UsernameType, room *types.RoomIDType) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	m.LastSeen = time.Now()

	promoted := false
	roomChanged := false
	oldRoom := m.Room

	if room != nil && *room != "" {
		if *room != types.RoomDefault || m.Room == types.RoomDefault {
			if *room != m.Room {
				r.removeFromRoomLocked(m.Room, id)
				m.Room = *room
				r.addToRoomLocked(*room, id)
				roomChanged = true
			}
		}
	}
	if username != nil && *username != "" && m.Username == types.UsernameUnknown {
		if !r.usernameTakenLocked(m.Room, id, *username) {
			m.Username = *username
			promoted = true
		}
	}
	newRoom := m.Room
	r.mu.Unlock()

	if promoted || roomChanged {
		r.dispatchBroadcast(true, newRoom)
	}
	if roomChanged {
		r.dispatchBroadcast(false, newRoom)
		if oldRoom != newRoom {
			r.dispatchBroadcast(false, oldRoom)
		}
	} else if promoted {
		r.dispatchBroadcast(false, newRoom)
	}
}

// TouchByIP is Touch but the member is located by its TCP remote IP; used
// by the UDP video/audio servers to learn a member's identity from their
// REGISTER datagrams.
func (r *Registry) TouchByIP(ip string, username *types.UsernameType, room *types.RoomIDType) {
	r.mu.Lock()
	id, ok := r.byIP[ip]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.Touch(id, username, room)
}

// RegisterStream records addr as the return address for kind for the
// member whose TCP remote IP matches addr's IP.
func (r *Registry) RegisterStream(kind types.StreamKind, addr *net.UDPAddr) {
	key := addr.String()
	ipStr := addr.IP.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &streamReg{addr: addr, memberIP: ipStr, lastSeen: time.Now()}
	switch kind {
	case types.StreamVideo:
		r.videoStreams[key] = reg
	case types.StreamAudio:
		r.audioStreams[key] = reg
	}

	if id, ok := r.byIP[ipStr]; ok {
		if m := r.members[id]; m != nil {
			switch kind {
			case types.StreamVideo:
				m.VideoAddr = addr
			case types.StreamAudio:
				m.AudioAddr = addr
			}
		}
	}
}

// UnregisterStream drops addr's return-address registration for kind, used
// on a UDP send failure or when the idle timeout fires.
func (r *Registry) UnregisterStream(kind types.StreamKind, addr *net.UDPAddr) {
	key := addr.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case types.StreamVideo:
		delete(r.videoStreams, key)
	case types.StreamAudio:
		delete(r.audioStreams, key)
	}
}

// TouchStream refreshes the liveness timestamp for an existing stream
// registration; called on every STREAM_VIDEO/STREAM_AUDIO datagram.
func (r *Registry) TouchStream(kind types.StreamKind, addr *net.UDPAddr) {
	key := addr.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	var m map[string]*streamReg
	switch kind {
	case types.StreamVideo:
		m = r.videoStreams
	case types.StreamAudio:
		m = r.audioStreams
	}
	if reg, ok := m[key]; ok {
		reg.lastSeen = time.Now()
	}
}

// Listeners returns a snapshot of current return addresses for kind. If
// room is non-empty, only addresses whose IP belongs to a member of that
// room are included.
func (r *Registry) Listeners(kind types.StreamKind, room types.RoomIDType) []*net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()

	var src map[string]*streamReg
	switch kind {
	case types.StreamVideo:
		src = r.videoStreams
	case types.StreamAudio:
		src = r.audioStreams
	}

	out := make([]*net.UDPAddr, 0, len(src))
	for _, reg := range src {
		if room != "" && !r.ipInRoomLocked(reg.memberIP, room) {
			continue
		}
		out = append(out, reg.addr)
	}
	return out
}

// MemberByIP returns the member whose TCP control connection originated
// from ip, if any. Used to correlate a file-transfer connection (which is
// its own short-lived TCP socket, separate from the uploader's control
// connection) with the uploader's identity, the same IP-correlation
// approach the UDP routers use for video and audio.
func (r *Registry) MemberByIP(ip string) (*Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byIP[ip]
	if !ok {
		return nil, false
	}
	m, ok := r.members[id]
	return m, ok
}

// RoomOf returns the room-id for the member at ip, or RoomDefault if there
// is no such member.
func (r *Registry) RoomOf(ip string) types.RoomIDType {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byIP[ip]; ok {
		if m, ok := r.members[id]; ok {
			return m.Room
		}
	}
	return types.RoomDefault
}

// RoomMembers returns a snapshot of sockets currently in room.
func (r *Registry) RoomMembers(room types.RoomIDType) []*Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.rooms[room]
	out := make([]*Member, 0, len(ids))
	for id := range ids {
		if m, ok := r.members[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// MemberByID returns the member for id, if connected.
func (r *Registry) MemberByID(id types.MemberIDType) (*Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	return m, ok
}

// AllMembers returns a snapshot of every member.
func (r *Registry) AllMembers() []*Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// FindByUsernameCI looks up username in room under case-insensitive
// comparison, returning the first match.
func (r *Registry) FindByUsernameCI(room types.RoomIDType, username string) (*Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fold := strings.ToLower(username)
	for id := range r.rooms[room] {
		m, ok := r.members[id]
		if ok && strings.ToLower(string(m.Username)) == fold {
			return m, true
		}
	}
	return nil, false
}

// Ping reports whether the registry's lock is currently acquirable,
// satisfying internal/v1/health.RegistryPinger.
func (r *Registry) Ping(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.mu.Lock()
		r.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry lock not acquired before context deadline: %w", ctx.Err())
	}
}

func (r *Registry) addToRoomLocked(room types.RoomIDType, id types.MemberIDType) {
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[types.MemberIDType]struct{})
		r.rooms[room] = set
	}
	set[id] = struct{}{}
	metrics.RoomsActive.Set(float64(len(r.rooms)))
	metrics.RoomParticipants.WithLabelValues(string(room)).Set(float64(len(set)))
}

func (r *Registry) removeFromRoomLocked(room types.RoomIDType, id types.MemberIDType) {
	set, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.rooms, room)
		metrics.RoomParticipants.DeleteLabelValues(string(room))
	} else {
		metrics.RoomParticipants.WithLabelValues(string(room)).Set(float64(len(set)))
	}
	metrics.RoomsActive.Set(float64(len(r.rooms)))
}

func (r *Registry) usernameTakenLocked(room types.RoomIDType, self types.MemberIDType, username types.UsernameType) bool {
	fold := strings.ToLower(string(username))
	for id := range r.rooms[room] {
		if id == self {
			continue
		}
		if m, ok := r.members[id]; ok && strings.ToLower(string(m.Username)) == fold {
			return true
		}
	}
	return false
}

func (r *Registry) ipInRoomLocked(ip string, room types.RoomIDType) bool {
	id, ok := r.byIP[ip]
	if !ok {
		return false
	}
	_, inRoom := r.rooms[room][id]
	return inRoom
}

func (r *Registry) dropStreamsForIPLocked(ip string) {
	for k, reg := range r.videoStreams {
		if reg.memberIP == ip {
			delete(r.videoStreams, k)
		}
	}
	for k, reg := range r.audioStreams {
		if reg.memberIP == ip {
			delete(r.audioStreams, k)
		}
	}
}

func (r *Registry) dispatchBroadcast(global bool, room types.RoomIDType) {
	if r.onBroadcast == nil {
		return
	}
	go r.onBroadcast(context.Background(), global, room)
}

// Run starts the heartbeat loop: a 3 s (by default) ticker that sends a
// zero-payload HEARTBEAT to every member, removes any member a send fails
// for, and prunes UDP stream registrations idle past idleTimeout. Removal
// runs outside the registry lock to avoid re-entrancy.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	defer close(r.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.heartbeatTick(ctx)
			r.pruneIdleStreams()
		}
	}
}

// Stop signals Run to exit and blocks up to budget for it to join.
func (r *Registry) Stop(budget time.Duration) {
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(budget):
		logging.Warn(context.Background(), "registry heartbeat loop did not join within budget")
	}
}

func (r *Registry) heartbeatTick(ctx context.Context) {
	members := r.AllMembers()
	var failed []types.MemberIDType
	for _, m := range members {
		if err := m.Conn.SendHeartbeat(); err != nil {
			failed = append(failed, m.ID)
		}
	}
	for _, id := range failed {
		logging.Warn(ctx, "heartbeat send failed, removing member", zap.String("memberId", string(id)))
		r.Remove(id)
	}
}

func (r *Registry) pruneIdleStreams() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, reg := range r.videoStreams {
		if reg.lastSeen.Before(cutoff) {
			delete(r.videoStreams, k)
		}
	}
	for k, reg := range r.audioStreams {
		if reg.lastSeen.Before(cutoff) {
			delete(r.audioStreams, k)
		}
	}
}
