// Package control implements the TCP control server: accept, register,
// route chat, heartbeat, and disconnect, as described for the connection
// registry and chat router.
package control

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sapora-lan/sapora/internal/v1/bus"
	"github.com/sapora-lan/sapora/internal/v1/logging"
	"github.com/sapora-lan/sapora/internal/v1/metrics"
	"github.com/sapora-lan/sapora/internal/v1/ratelimit"
	"github.com/sapora-lan/sapora/internal/v1/registry"
	"github.com/sapora-lan/sapora/internal/v1/room"
	"github.com/sapora-lan/sapora/internal/v1/types"
	"github.com/sapora-lan/sapora/internal/v1/wire"
)

// Server accepts TCP control connections and routes REGISTER, HEARTBEAT,
// CHAT, and DISCONNECT messages through the shared registry.
type Server struct {
	reg           *registry.Registry
	limiter       *ratelimit.RateLimiter
	events        *bus.Service
	socketTimeout time.Duration

	listener net.Listener
}

// NewServer constructs a control server. Attach must be called with the
// registry it should route through before ListenAndServe is started; the
// two-step construction exists because the registry's broadcast callback
// is this server's Broadcast method.
func NewServer(limiter *ratelimit.RateLimiter, socketTimeout time.Duration) *Server {
	return &Server{
		limiter:       limiter,
		socketTimeout: socketTimeout,
	}
}

// Attach binds the registry this server routes through.
func (s *Server) Attach(reg *registry.Registry) {
	s.reg = reg
}

// WithEvents attaches the optional cross-instance bus. User-list snapshots
// and room chat broadcasts are mirrored onto it so a peer relay instance
// can track this one's room state; a nil service publishes nothing. Call
// RunRelay to also consume peer events.
func (s *Server) WithEvents(events *bus.Service) {
	s.events = events
}

// RunRelay subscribes to peer-instance events on the bus and mirrors them
// locally: a chat broadcast published by a peer is delivered to this
// instance's members of the same room, so participants split across two
// relay instances on the same LAN still share one conversation. The
// subscription spans all rooms (the room set is dynamic) and skips events
// this instance published itself. No-op without an attached bus.
func (s *Server) RunRelay(ctx context.Context) {
	if s.events == nil {
		return
	}
	s.events.Subscribe(ctx, "*", nil, s.handleRemoteEvent)
}

func (s *Server) handleRemoteEvent(ev bus.PubSubPayload) {
	ctx := context.Background()
	switch ev.Event {
	case "chat":
		var chat types.ChatPayload
		if err := json.Unmarshal(ev.Payload, &chat); err != nil {
			logging.Warn(ctx, "malformed remote chat event", zap.String("room", ev.RoomID), zap.Error(err))
			return
		}
		s.relayRemoteChat(ctx, types.RoomIDType(ev.RoomID), chat)
	case "user_list":
		// Peer snapshots describe the peer's own members; local user
		// lists are rebuilt from the local registry, so these are only
		// observed, not forwarded.
		logging.Debug(ctx, "peer user-list event", zap.String("room", ev.RoomID))
	}
}

// relayRemoteChat delivers a peer instance's room broadcast to every local
// member of that room. The original sender has no socket here, so nobody
// is excluded, and the frame is not re-published to the bus.
func (s *Server) relayRemoteChat(ctx context.Context, roomID types.RoomIDType, chat types.ChatPayload) {
	frame, err := json.Marshal(chat)
	if err != nil {
		logging.Error(ctx, "failed to marshal relayed chat", zap.Error(err))
		return
	}
	for _, m := range s.reg.RoomMembers(roomID) {
		s.deliver(ctx, m, frame, false)
	}
}

// Broadcast satisfies registry.BroadcastFunc: it is invoked by the registry
// after a membership change, outside the registry lock.
func (s *Server) Broadcast(ctx context.Context, global bool, r types.RoomIDType) {
	var members []*registry.Member
	if global {
		members = s.reg.AllMembers()
	} else {
		members = s.reg.RoomMembers(r)
	}

	entries := room.BuildUserList(members)
	payload, err := json.Marshal(entries)
	if err != nil {
		logging.Error(ctx, "failed to marshal user list", zap.Error(err))
		return
	}

	if s.events != nil {
		scope := string(r)
		if global {
			scope = "*"
		}
		if err := s.events.Publish(ctx, scope, "user_list", entries, ""); err != nil {
			logging.Warn(ctx, "failed to publish user list to bus", zap.Error(err))
		}
	}

	for _, m := range members {
		if c, ok := m.Conn.(*client); ok {
			if err := c.enqueue(wire.UserList, payload, false); err != nil {
				logging.Warn(ctx, "failed to enqueue user list", zap.String("memberId", string(m.ID)), zap.Error(err))
			}
		}
	}
}

// ListenAndServe binds addr and accepts connections until ctx is
// cancelled or the listener is closed.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	logging.Info(ctx, "control server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logging.Error(ctx, "control accept failed", zap.Error(err))
				continue
			}
		}

		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if s.limiter != nil && !s.limiter.AllowConnection(ctx, ip) {
			_ = conn.Close()
			continue
		}

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	c := newClient(conn, "")
	id := s.reg.Add(c, conn.RemoteAddr().String())
	c.id = id
	go c.writePump()

	defer func() {
		username, ip, _ := s.reg.Remove(id)
		logging.Info(ctx, "member disconnected", zap.String("memberId", string(id)), zap.String("username", string(username)), zap.String("ip", ip))
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.socketTimeout))
		hdr, payload, err := wire.ReadFrame(conn, wire.MaxControlPayload)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Malformed frame or connection closed: either way the
			// per-connection loop ends without touching shared state.
			return
		}

		s.handleMessage(ctx, id, hdr.Type, payload)
		if hdr.Type == wire.Disconnect {
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, id types.MemberIDType, msgType uint8, payload []byte) {
	switch msgType {
	case wire.Register:
		s.handleRegister(ctx, id, payload)
		metrics.ControlEvents.WithLabelValues("register", "ok").Inc()
	case wire.Heartbeat:
		s.reg.Touch(id, nil, nil)
		metrics.ControlEvents.WithLabelValues("heartbeat", "ok").Inc()
	case wire.Chat:
		s.handleChat(ctx, id, payload)
	case wire.Disconnect:
		metrics.ControlEvents.WithLabelValues("disconnect", "ok").Inc()
	default:
		metrics.ControlEvents.WithLabelValues("unknown", "dropped").Inc()
	}
}

func (s *Server) handleRegister(ctx context.Context, id types.MemberIDType, payload []byte) {
	var reg types.RegisterPayload
	if err := json.Unmarshal(payload, &reg); err != nil {
		logging.Warn(ctx, "malformed register payload", zap.Error(err))
		metrics.ControlEvents.WithLabelValues("register", "malformed").Inc()
		return
	}

	username := types.UsernameType(reg.Username)
	roomID := types.RoomIDType(reg.MeetingID)
	if roomID == "" {
		roomID = types.RoomDefault
	}
	s.reg.Touch(id, &username, &roomID)
}

func fold(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func isBroadcastTarget(target string) bool {
	t := fold(target)
	return t == "" || t == "all" || t == "everyone"
}
