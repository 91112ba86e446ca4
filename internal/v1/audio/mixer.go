// Package audio implements the UDP audio mixer: per-source jitter buffers,
// a wallclock-paced mix tick, and per-listener room-isolated, self-excluded
// mixing with RMS-normalizing gain.
package audio

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sapora-lan/sapora/internal/v1/logging"
	"github.com/sapora-lan/sapora/internal/v1/metrics"
	"github.com/sapora-lan/sapora/internal/v1/registry"
	"github.com/sapora-lan/sapora/internal/v1/types"
	"github.com/sapora-lan/sapora/internal/v1/wire"
)

// idleSourceTimeout drops a source's buffer and stream registration once
// it has gone this long without a packet.
const idleSourceTimeout = 5 * time.Second

type sourceChunk struct {
	ip    string
	addr  *net.UDPAddr
	chunk []int16
}

// Mixer owns the audio UDP socket, the per-source jitter buffers, and the
// mix-tick loop.
type Mixer struct {
	reg *registry.Registry

	sampleRate   int
	channels     int
	sampleBits   int
	chunkSamples int
	maxPayload   int

	mu      sync.Mutex
	buffers map[string]*jitterBuffer // key: source UDP addr string
	addrs   map[string]*net.UDPAddr
	ips     map[string]string
}

// NewMixer constructs a Mixer. chunkSamples, sampleRate, channels, and
// sampleBits determine both the mix-tick period and the canonical payload
// size ingest enforces.
func NewMixer(reg *registry.Registry, sampleRate, channels, sampleBits, chunkSamples, maxPayload int) *Mixer {
	return &Mixer{
		reg:          reg,
		sampleRate:   sampleRate,
		channels:     channels,
		sampleBits:   sampleBits,
		chunkSamples: chunkSamples,
		maxPayload:   maxPayload,
		buffers:      make(map[string]*jitterBuffer),
		addrs:        make(map[string]*net.UDPAddr),
		ips:          make(map[string]string),
	}
}

func (mx *Mixer) canonicalByteSize() int {
	return mx.chunkSamples * mx.channels * (mx.sampleBits / 8)
}

func (mx *Mixer) tickPeriod() time.Duration {
	return time.Duration(float64(mx.chunkSamples) / float64(mx.sampleRate) * float64(time.Second))
}

// ListenAndServe binds addr, starts the mix-tick loop, and processes
// ingest datagrams until ctx is cancelled.
func (mx *Mixer) ListenAndServe(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	logging.Info(ctx, "audio mixer listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go mx.runMixTick(ctx, conn)

	buf := make([]byte, wire.HeaderLen+mx.maxPayload)
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
		mx.handleDatagram(src, append([]byte(nil), buf[:n]...))
	}
}

func (mx *Mixer) handleDatagram(src *net.UDPAddr, datagram []byte) {
	hdr, payload, err := wire.UnpackDatagram(datagram, mx.maxPayload)
	if err != nil {
		return
	}

	switch hdr.Type {
	case wire.Register:
		mx.handleRegister(src, payload)
	case wire.StreamAudio:
		mx.handleStream(src, payload)
	}
}

func (mx *Mixer) handleRegister(src *net.UDPAddr, payload []byte) {
	var reg types.UDPRegisterPayload
	if err := json.Unmarshal(payload, &reg); err != nil {
		return
	}
	username := types.UsernameType(reg.Username)
	room := types.RoomIDType(reg.MeetingID)
	if room == "" {
		room = types.RoomDefault
	}
	mx.reg.TouchByIP(src.IP.String(), &username, &room)
	mx.reg.RegisterStream(types.StreamAudio, src)
}

// handleStream appends payload to src's jitter buffer. Payloads that don't
// match the canonical chunk byte size are discarded to keep mix-tick
// cadence clean.
func (mx *Mixer) handleStream(src *net.UDPAddr, payload []byte) {
	if len(payload) != mx.canonicalByteSize() {
		logging.Debug(context.Background(), "dropping off-size audio chunk",
			zap.String("src", src.String()), zap.Int("bytes", len(payload)), zap.Int("want", mx.canonicalByteSize()))
		return
	}
	samples, ok := decodePCM16(payload)
	if !ok {
		return
	}

	mx.reg.RegisterStream(types.StreamAudio, src)
	mx.reg.TouchStream(types.StreamAudio, src)

	key := src.String()
	mx.mu.Lock()
	buf, ok := mx.buffers[key]
	if !ok {
		buf = newJitterBuffer()
		mx.buffers[key] = buf
		mx.addrs[key] = src
		mx.ips[key] = src.IP.String()
	}
	buf.push(samples)
	mx.mu.Unlock()
}

// runMixTick drives the fixed-period mix loop. It sleeps to an absolute
// deadline each iteration rather than a relative duration so the period
// doesn't drift by however long the previous tick's work took.
func (mx *Mixer) runMixTick(ctx context.Context, conn *net.UDPConn) {
	period := mx.tickPeriod()
	next := time.Now().Add(period)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sleep := time.Until(next)
		if sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		next = next.Add(period)

		start := time.Now()
		mx.mixAndSend(ctx, conn)
		mx.pruneIdleSources()
		metrics.AudioMixDuration.Observe(time.Since(start).Seconds())

		// If the tick's work overran its period, skip the missed deadlines
		// instead of bursting to catch up.
		if now := time.Now(); next.Before(now) {
			next = now.Add(period)
		}
	}
}

func (mx *Mixer) popAllSources() []sourceChunk {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	out := make([]sourceChunk, 0, len(mx.buffers))
	for key, buf := range mx.buffers {
		chunk, ok := buf.pop()
		if !ok {
			continue
		}
		out = append(out, sourceChunk{ip: mx.ips[key], addr: mx.addrs[key], chunk: chunk})
	}
	return out
}

func (mx *Mixer) mixAndSend(ctx context.Context, conn *net.UDPConn) {
	popped := mx.popAllSources()
	if len(popped) == 0 {
		return
	}

	listeners := mx.reg.Listeners(types.StreamAudio, "")
	for _, listener := range listeners {
		room := mx.reg.RoomOf(listener.IP.String())

		var inputs [][]int16
		for _, src := range popped {
			if src.addr.String() == listener.String() {
				continue
			}
			if mx.reg.RoomOf(src.ip) != room {
				continue
			}
			inputs = append(inputs, src.chunk)
		}
		if len(inputs) == 0 {
			continue
		}

		mixed := mixChunks(inputs)
		frame, err := wire.Pack(wire.StreamAudio, encodePCM16(mixed), 0, mx.maxPayload)
		if err != nil {
			continue
		}
		if _, err := conn.WriteToUDP(frame, listener); err != nil {
			logging.Warn(ctx, "audio send failed, unregistering listener", zap.String("addr", listener.String()), zap.Error(err))
			mx.reg.UnregisterStream(types.StreamAudio, listener)
			metrics.AudioChunksMixed.WithLabelValues("send_failed").Inc()
			continue
		}
		metrics.AudioChunksMixed.WithLabelValues("ok").Inc()
	}
}

func (mx *Mixer) pruneIdleSources() {
	cutoff := time.Now().Add(-idleSourceTimeout)

	mx.mu.Lock()
	defer mx.mu.Unlock()
	for key, buf := range mx.buffers {
		if buf.idleSince(cutoff) {
			delete(mx.buffers, key)
			if addr, ok := mx.addrs[key]; ok {
				mx.reg.UnregisterStream(types.StreamAudio, addr)
			}
			delete(mx.addrs, key)
			delete(mx.ips, key)
		}
	}
}
