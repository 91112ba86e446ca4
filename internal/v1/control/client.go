package control

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sapora-lan/sapora/internal/v1/logging"
	"github.com/sapora-lan/sapora/internal/v1/types"
	"github.com/sapora-lan/sapora/internal/v1/wire"
)

// client represents one member's TCP control connection. It satisfies
// registry.Sender so the registry can deliver heartbeats and remove it on
// failure without depending on this package.
type client struct {
	conn net.Conn
	id   types.MemberIDType

	closeOnce sync.Once
	done      chan struct{}

	send         chan []byte // buffered: ordinary traffic (USER_LIST, chat)
	prioritySend chan []byte // buffered: heartbeats and delivery confirmations

	seqMu sync.Mutex
	seq   uint16
}

const (
	sendBufferSize     = 64
	prioritySendBuffer = 16
	writeWait          = 5 * time.Second
)

func newClient(conn net.Conn, id types.MemberIDType) *client {
	return &client{
		conn:         conn,
		id:           id,
		done:         make(chan struct{}),
		send:         make(chan []byte, sendBufferSize),
		prioritySend: make(chan []byte, prioritySendBuffer),
	}
}

func (c *client) nextSeq() uint16 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

func (c *client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue frames msgType/payload and pushes it onto the priority channel if
// priority is set, else the ordinary channel. A full channel drops the
// message rather than blocking the caller; the channels themselves are
// never closed, so a racing Close can at worst leave a frame unread.
func (c *client) enqueue(msgType uint8, payload []byte, priority bool) error {
	if c.isClosed() {
		return errClosed
	}

	frame, err := wire.Pack(msgType, payload, c.nextSeq(), wire.MaxControlPayload)
	if err != nil {
		return err
	}

	ch := c.send
	if priority {
		ch = c.prioritySend
	}
	select {
	case ch <- frame:
	case <-c.done:
		return errClosed
	default:
		logging.Warn(context.Background(), "control client send channel full, dropping message", zap.String("memberId", string(c.id)))
	}
	return nil
}

// SendHeartbeat enqueues a zero-payload HEARTBEAT frame. It reports an
// error only when the client is already closed, matching the registry's
// expectation that a failing Sender should be removed.
func (c *client) SendHeartbeat() error {
	return c.enqueue(wire.Heartbeat, nil, true)
}

// Close shuts down the connection and write pump exactly once.
func (c *client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump drains both send channels until the client closes. The
// priority channel is always drained first so a burst of ordinary traffic
// can never delay a heartbeat or delivery confirmation sitting behind it.
// A failed write closes the connection, which the per-connection reader
// and the heartbeat loop both observe.
func (c *client) writePump() {
	for {
		select {
		case frame := <-c.prioritySend:
			if !c.write(frame) {
				return
			}
			continue
		default:
		}

		select {
		case frame := <-c.prioritySend:
			if !c.write(frame) {
				return
			}
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) write(frame []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.conn.Write(frame); err != nil {
		logging.Warn(context.Background(), "control client write failed", zap.String("memberId", string(c.id)), zap.Error(err))
		c.Close()
		return false
	}
	return true
}

type closedError struct{}

func (closedError) Error() string { return "client closed" }

var errClosed = closedError{}
