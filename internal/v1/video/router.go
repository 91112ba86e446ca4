// Package video implements the UDP video fan-out router: a pass-through
// relay that re-emits each STREAM_VIDEO datagram to every other listener
// in the sender's room, byte-for-byte, with no re-encoding or reordering.
package video

import (
	"context"
	"encoding/json"
	"net"

	"go.uber.org/zap"

	"github.com/sapora-lan/sapora/internal/v1/logging"
	"github.com/sapora-lan/sapora/internal/v1/metrics"
	"github.com/sapora-lan/sapora/internal/v1/registry"
	"github.com/sapora-lan/sapora/internal/v1/types"
	"github.com/sapora-lan/sapora/internal/v1/wire"
)

// Router owns the video UDP socket and fans datagrams out through the
// shared registry's stream-listener bookkeeping.
type Router struct {
	reg        *registry.Registry
	maxPayload int
}

// NewRouter constructs a video router bound to reg.
func NewRouter(reg *registry.Registry, maxPayload int) *Router {
	return &Router{reg: reg, maxPayload: maxPayload}
}

// ListenAndServe binds addr and processes datagrams until ctx is cancelled.
func (router *Router) ListenAndServe(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	logging.Info(ctx, "video router listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, wire.HeaderLen+router.maxPayload)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		router.handleDatagram(ctx, conn, src, append([]byte(nil), buf[:n]...))
	}
}

func (router *Router) handleDatagram(ctx context.Context, conn *net.UDPConn, src *net.UDPAddr, datagram []byte) {
	hdr, payload, err := wire.UnpackDatagram(datagram, router.maxPayload)
	if err != nil {
		logging.Debug(ctx, "dropping malformed video datagram", zap.String("src", src.String()), zap.Error(err))
		metrics.VideoFramesRelayed.WithLabelValues("malformed").Inc()
		return
	}

	switch hdr.Type {
	case wire.Register:
		router.handleRegister(src, payload)
	case wire.StreamVideo:
		router.handleStream(ctx, conn, src, datagram)
	default:
		metrics.VideoFramesRelayed.WithLabelValues("unknown_type").Inc()
	}
}

func (router *Router) handleRegister(src *net.UDPAddr, payload []byte) {
	var reg types.UDPRegisterPayload
	if err := json.Unmarshal(payload, &reg); err != nil {
		return
	}
	username := types.UsernameType(reg.Username)
	room := types.RoomIDType(reg.MeetingID)
	if room == "" {
		room = types.RoomDefault
	}
	router.reg.TouchByIP(src.IP.String(), &username, &room)
	router.reg.RegisterStream(types.StreamVideo, src)
}

func (router *Router) handleStream(ctx context.Context, conn *net.UDPConn, src *net.UDPAddr, datagram []byte) {
	router.reg.RegisterStream(types.StreamVideo, src)
	router.reg.TouchStream(types.StreamVideo, src)

	room := router.reg.RoomOf(src.IP.String())
	listeners := router.reg.Listeners(types.StreamVideo, room)

	for _, addr := range listeners {
		if addr.String() == src.String() {
			continue
		}
		if _, err := conn.WriteToUDP(datagram, addr); err != nil {
			logging.Warn(ctx, "video send failed, unregistering listener", zap.String("addr", addr.String()), zap.Error(err))
			router.reg.UnregisterStream(types.StreamVideo, addr)
			metrics.VideoFramesRelayed.WithLabelValues("send_failed").Inc()
			continue
		}
		metrics.VideoFramesRelayed.WithLabelValues("ok").Inc()
	}
}
