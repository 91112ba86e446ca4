package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sapora-lan/sapora/internal/v1/logging"
	"github.com/sapora-lan/sapora/internal/v1/metrics"
	"github.com/sapora-lan/sapora/internal/v1/registry"
	"github.com/sapora-lan/sapora/internal/v1/types"
	"github.com/sapora-lan/sapora/internal/v1/wire"
)

// handleChat routes a CHAT frame from id. JSON payloads are routed by their
// target field; anything that fails to parse as the expected shape is
// treated as legacy plain text and relayed to everyone in the sender's
// room, matching clients old enough to predate the structured payload.
func (s *Server) handleChat(ctx context.Context, id types.MemberIDType, payload []byte) {
	sender, ok := s.reg.MemberByID(id)
	if !ok {
		return
	}

	if s.limiter != nil && !s.limiter.AllowChat(ctx, string(id)) {
		metrics.ControlEvents.WithLabelValues("chat", "rate_limited").Inc()
		return
	}

	chat, ok := decodeChat(payload)
	if !ok {
		chat = types.ChatPayload{
			Sender:    string(sender.Username),
			Target:    "all",
			Text:      string(payload),
			MeetingID: string(sender.Room),
			Timestamp: time.Now().Unix(),
			Type:      types.ChatBroadcast,
		}
	}
	chat.Sender = string(sender.Username)
	if chat.MeetingID == "" {
		chat.MeetingID = string(sender.Room)
	}
	if chat.Timestamp == 0 {
		chat.Timestamp = time.Now().Unix()
	}

	var sent, failed int
	if isBroadcastTarget(chat.Target) {
		sent, failed = s.broadcastChat(ctx, sender, chat, types.ChatBroadcast)
	} else {
		sent, failed = s.unicastChat(ctx, sender, chat, types.ChatUnicast)
	}

	s.confirmDelivery(ctx, sender, chat, sent, failed)
	metrics.ControlEvents.WithLabelValues("chat", "ok").Inc()
}

// AnnounceFile routes a file_announce chat payload produced by the
// file-transfer server after a successful upload, using the same
// broadcast/unicast routing rules as an ordinary chat message. The
// uploader is looked up by source IP: a file transfer runs on its own
// short-lived TCP connection, separate from the uploader's long-lived
// control socket, so it has no member-id of its own to route as.
func (s *Server) AnnounceFile(ctx context.Context, uploaderIP string, chat types.ChatPayload) {
	sender, ok := s.reg.MemberByIP(uploaderIP)
	if !ok {
		logging.Warn(ctx, "file announce dropped: uploader has no control connection", zap.String("ip", uploaderIP))
		return
	}

	chat.Sender = string(sender.Username)
	if chat.MeetingID == "" {
		chat.MeetingID = string(sender.Room)
	}
	if chat.Timestamp == 0 {
		chat.Timestamp = time.Now().Unix()
	}
	chat.Type = types.ChatFileAnnounce

	if isBroadcastTarget(chat.Target) {
		s.broadcastChat(ctx, sender, chat, types.ChatFileAnnounce)
	} else {
		s.unicastChat(ctx, sender, chat, types.ChatFileAnnounce)
	}
}

func decodeChat(payload []byte) (types.ChatPayload, bool) {
	var chat types.ChatPayload
	if err := json.Unmarshal(payload, &chat); err != nil {
		return types.ChatPayload{}, false
	}
	if chat.Text == "" && chat.Filename == "" {
		return types.ChatPayload{}, false
	}
	return chat, true
}

// broadcastChat fans chat out to every other member of sender's room and
// returns how many deliveries succeeded versus failed.
func (s *Server) broadcastChat(ctx context.Context, sender *registry.Member, chat types.ChatPayload, typ types.ChatType) (sent, failed int) {
	chat.Type = typ
	frame, err := json.Marshal(chat)
	if err != nil {
		logging.Error(ctx, "failed to marshal chat broadcast", zap.Error(err))
		return 0, 0
	}

	if s.events != nil {
		if err := s.events.Publish(ctx, string(sender.Room), "chat", chat, string(sender.ID)); err != nil {
			logging.Warn(ctx, "failed to publish chat to bus", zap.Error(err))
		}
	}

	for _, m := range s.reg.RoomMembers(sender.Room) {
		if m.ID == sender.ID {
			continue
		}
		if s.deliver(ctx, m, frame, false) {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

// unicastChat delivers chat to the single case-insensitive username match
// in sender's room, replying with an error chat to sender on a miss. It
// returns (1, 0) on a successful delivery, (0, 1) on a delivery failure,
// and (0, 0) when the target wasn't found at all (the error reply is not
// itself counted as a delivery).
func (s *Server) unicastChat(ctx context.Context, sender *registry.Member, chat types.ChatPayload, typ types.ChatType) (sent, failed int) {
	target, ok := s.reg.FindByUsernameCI(sender.Room, chat.Target)
	if !ok {
		s.sendError(ctx, sender, fmt.Sprintf("user %q not found. Available: %s", chat.Target, availableUsernames(s.reg.RoomMembers(sender.Room))))
		return 0, 0
	}

	chat.Type = typ
	frame, err := json.Marshal(chat)
	if err != nil {
		logging.Error(ctx, "failed to marshal chat unicast", zap.Error(err))
		return 0, 1
	}
	if s.deliver(ctx, target, frame, false) {
		return 1, 0
	}
	return 0, 1
}

func (s *Server) confirmDelivery(ctx context.Context, sender *registry.Member, chat types.ChatPayload, sent, failed int) {
	confirm := chat
	confirm.Type = types.ChatDeliveryConfirm
	confirm.Sent = sent
	confirm.Failed = failed
	frame, err := json.Marshal(confirm)
	if err != nil {
		logging.Error(ctx, "failed to marshal delivery confirmation", zap.Error(err))
		return
	}
	s.deliver(ctx, sender, frame, true)
}

func (s *Server) sendError(ctx context.Context, to *registry.Member, text string) {
	errChat := types.ChatPayload{
		Sender:    "system",
		Target:    string(to.Username),
		Text:      text,
		MeetingID: string(to.Room),
		Timestamp: time.Now().Unix(),
		Type:      types.ChatError,
	}
	frame, err := json.Marshal(errChat)
	if err != nil {
		logging.Error(ctx, "failed to marshal chat error", zap.Error(err))
		return
	}
	s.deliver(ctx, to, frame, false)
}

// deliver frames payload as a CHAT message and enqueues it on the
// recipient's ordinary channel, or the priority channel for delivery
// confirmations. A recipient whose connection has already gone away is
// removed rather than left to linger until the next heartbeat failure. It
// reports whether the enqueue succeeded.
func (s *Server) deliver(ctx context.Context, to *registry.Member, payload []byte, priority bool) bool {
	c, ok := to.Conn.(*client)
	if !ok {
		return false
	}
	if err := c.enqueue(wire.Chat, payload, priority); err != nil {
		logging.Warn(ctx, "chat delivery failed, removing member", zap.String("memberId", string(to.ID)), zap.Error(err))
		s.reg.Remove(to.ID)
		metrics.ChatDeliveries.WithLabelValues("failed").Inc()
		return false
	}
	metrics.ChatDeliveries.WithLabelValues("ok").Inc()
	return true
}

func availableUsernames(members []*registry.Member) string {
	names := make([]string, 0, len(members))
	for _, m := range members {
		if m.Username == types.UsernameUnknown {
			continue
		}
		names = append(names, string(m.Username))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
