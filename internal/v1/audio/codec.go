package audio

import "encoding/binary"

// decodePCM16 interprets raw bytes as little-endian signed 16-bit samples.
// It returns false if the byte length is odd.
func decodePCM16(b []byte) ([]int16, bool) {
	if len(b)%2 != 0 {
		return nil, false
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out, true
}

// encodePCM16 is the inverse of decodePCM16.
func encodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}
