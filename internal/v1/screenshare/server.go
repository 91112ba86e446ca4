// Package screenshare implements the screen-share fan-out server: a
// separate TCP listener using its own 4-byte big-endian length-prefixed
// framing (not the common 10-byte wire header), relaying complete frames
// from presenters to every other connected socket. Unlike video and audio,
// the wire protocol carries no room or meeting identifier, so fan-out here
// is global rather than room-scoped.
package screenshare

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/sapora-lan/sapora/internal/v1/logging"
	"github.com/sapora-lan/sapora/internal/v1/metrics"
	"github.com/sapora-lan/sapora/internal/v1/ratelimit"
)

// lengthPrefixLen is the size of the frame-length prefix.
const lengthPrefixLen = 4

// maxFrameSize rejects any declared frame length over 10 MiB as malformed.
const maxFrameSize = 10 * 1024 * 1024

// Server accepts TCP connections and relays each complete frame received on
// one connection to every other currently connected socket.
type Server struct {
	limiter *ratelimit.RateLimiter

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer constructs an empty screen-share fan-out server.
func NewServer(limiter *ratelimit.RateLimiter) *Server {
	return &Server{
		limiter: limiter,
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds addr and accepts connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	logging.Info(ctx, "screen share server listening", zap.String("addr", addr))

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
				logging.Error(ctx, "screen share accept failed", zap.Error(err))
				continue
			}
		}

		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if s.limiter != nil && !s.limiter.AllowConnection(ctx, ip) {
			_ = conn.Close()
			continue
		}

		s.add(conn)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) add(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) remove(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) peers(exclude net.Conn) []net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		if c != exclude {
			peers = append(peers, c)
		}
	}
	return peers
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.remove(conn)
		conn.Close()
	}()

	for {
		frame, stop, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				logging.Warn(ctx, "screen share frame read failed", zap.Error(err))
			}
			return
		}

		metrics.ScreenShareFrames.WithLabelValues("ok").Inc()
		s.relay(ctx, conn, frame)
		if stop {
			return
		}
	}
}

// relay forwards frame, already including its length prefix, to every other
// connected socket. A zero-length frame is the stop sentinel and is relayed
// the same way so viewers can detect the presenter stopped.
func (s *Server) relay(ctx context.Context, from net.Conn, frame []byte) {
	for _, peer := range s.peers(from) {
		if _, err := peer.Write(frame); err != nil {
			logging.Warn(ctx, "screen share relay failed, dropping viewer", zap.String("addr", peer.RemoteAddr().String()), zap.Error(err))
			s.remove(peer)
			_ = peer.Close()
			metrics.ScreenShareFrames.WithLabelValues("send_failed").Inc()
			continue
		}
	}
}

// readFrame reads one 4-byte-length-prefixed frame (prefix included in the
// returned bytes, so it can be relayed verbatim). stop reports whether this
// was the zero-length stop sentinel.
func readFrame(r io.Reader) (frame []byte, stop bool, err error) {
	prefix := make([]byte, lengthPrefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, false, err
	}

	size := binary.BigEndian.Uint32(prefix)
	if size == 0 {
		return prefix, true, nil
	}
	if size > maxFrameSize {
		return nil, false, fmt.Errorf("frame size %d exceeds max %d", size, maxFrameSize)
	}

	buf := make([]byte, lengthPrefixLen+int(size))
	copy(buf, prefix)
	if _, err := io.ReadFull(r, buf[lengthPrefixLen:]); err != nil {
		return nil, false, err
	}
	return buf, false, nil
}
