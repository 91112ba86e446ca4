package audio

import "time"

// jitterMaxChunks bounds each source's buffer to roughly 230ms at the
// default 1024-sample/44.1kHz chunk size: enough to absorb LAN jitter
// without letting a stalled sender build unbounded latency.
const jitterMaxChunks = 10

// jitterBuffer is a bounded FIFO of PCM chunks from one audio source.
// Overflow drops the oldest chunk rather than refusing the new push, so a
// full buffer keeps audio flowing with the newest data instead of stalling
// on the oldest.
type jitterBuffer struct {
	chunks   [][]int16
	lastSeen time.Time
}

func newJitterBuffer() *jitterBuffer {
	return &jitterBuffer{lastSeen: time.Now()}
}

func (b *jitterBuffer) push(chunk []int16) {
	b.lastSeen = time.Now()
	b.chunks = append(b.chunks, chunk)
	if len(b.chunks) > jitterMaxChunks {
		b.chunks = b.chunks[len(b.chunks)-jitterMaxChunks:]
	}
}

// pop removes and returns the oldest buffered chunk, if any.
func (b *jitterBuffer) pop() ([]int16, bool) {
	if len(b.chunks) == 0 {
		return nil, false
	}
	chunk := b.chunks[0]
	b.chunks = b.chunks[1:]
	return chunk, true
}

func (b *jitterBuffer) idleSince(cutoff time.Time) bool {
	return b.lastSeen.Before(cutoff)
}
