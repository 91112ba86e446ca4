package screenshare

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) string {
	t.Helper()
	srv := NewServer(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		go func() {
			time.Sleep(10 * time.Millisecond)
			close(ready)
		}()
		_ = srv.ListenAndServe(ctx, addr)
	}()
	<-ready
	t.Cleanup(cancel)
	return addr
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	prefix := make([]byte, lengthPrefixLen)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	_, err := conn.Write(append(prefix, data...))
	require.NoError(t, err)
}

func recvFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	prefix := make([]byte, lengthPrefixLen)
	_, err := io.ReadFull(conn, prefix)
	require.NoError(t, err)
	size := binary.BigEndian.Uint32(prefix)
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestScreenShare_PresenterFrameReachesViewer(t *testing.T) {
	addr := startServer(t)

	presenter := dial(t, addr)
	viewer := dial(t, addr)
	time.Sleep(20 * time.Millisecond) // let both accepts register before the send

	frame := []byte("fake-jpeg-bytes")
	sendFrame(t, presenter, frame)

	got := recvFrame(t, viewer)
	assert.Equal(t, frame, got)
}

func TestScreenShare_SenderExcludedFromItsOwnFrame(t *testing.T) {
	addr := startServer(t)

	a := dial(t, addr)
	b := dial(t, addr)
	time.Sleep(20 * time.Millisecond)

	sendFrame(t, a, []byte("from-a"))
	gotAtB := recvFrame(t, b)
	assert.Equal(t, []byte("from-a"), gotAtB)

	// a must not receive its own frame back: the next thing on a's socket
	// should be nothing within a short window.
	_ = a.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 4)
	_, err := io.ReadFull(a, buf)
	assert.Error(t, err, "sender should not receive its own frame echoed back")
}

func TestScreenShare_StopSentinelRelayed(t *testing.T) {
	addr := startServer(t)

	presenter := dial(t, addr)
	viewer := dial(t, addr)
	time.Sleep(20 * time.Millisecond)

	sendFrame(t, presenter, nil)
	got := recvFrame(t, viewer)
	assert.Nil(t, got)
}

func TestScreenShare_OversizeFrameClosesConnection(t *testing.T) {
	addr := startServer(t)

	conn := dial(t, addr)
	prefix := make([]byte, lengthPrefixLen)
	binary.BigEndian.PutUint32(prefix, maxFrameSize+1)
	_, err := conn.Write(prefix)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "server must close the connection on an oversize declared frame")
}

func TestScreenShare_ThreeViewersAllReceiveOneFrame(t *testing.T) {
	addr := startServer(t)

	presenter := dial(t, addr)
	v1 := dial(t, addr)
	v2 := dial(t, addr)
	v3 := dial(t, addr)
	time.Sleep(20 * time.Millisecond)

	frame := []byte("broadcast-frame")
	sendFrame(t, presenter, frame)

	assert.Equal(t, frame, recvFrame(t, v1))
	assert.Equal(t, frame, recvFrame(t, v2))
	assert.Equal(t, frame, recvFrame(t, v3))
}
