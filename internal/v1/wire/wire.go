// Package wire implements the fixed 10-byte header framing shared by the TCP
// control, TCP file-transfer, UDP video, and UDP audio protocols, plus the
// file-metadata payload encoding used on upload/download.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sapora-lan/sapora/internal/v1/types"
)

// ProtocolVersion is the only version this server speaks. Packets declaring
// any other version fail parsing.
const ProtocolVersion uint8 = 1

// HeaderLen is the fixed size, in bytes, of the packed header: version (u8),
// type (u8), payload length (u32), sequence (u16), reserved (u16).
const HeaderLen = 10

// MaxControlPayload bounds control/chat payload-length fields to 1 MiB.
const MaxControlPayload = 1 << 20

// Message type codes. Identical across TCP control, UDP video, and UDP
// audio; file-transfer and screen-share each reuse a subset or, for
// screen-share, none of them (it has its own length-prefixed framing).
const (
	Register            uint8 = 0x01
	Heartbeat           uint8 = 0x02
	UserList            uint8 = 0x03
	Disconnect          uint8 = 0x04
	Chat                uint8 = 0x10
	FileMetadata        uint8 = 0x20
	FileChunk           uint8 = 0x21
	FileRequestUpload   uint8 = 0x22
	FileRequestDownload uint8 = 0x23
	FileAckSuccess      uint8 = 0x24
	FileAckFailure      uint8 = 0x25
	StreamVideo         uint8 = 0x40
	StreamAudio         uint8 = 0x41
)

// Header is the decoded fixed frame header.
type Header struct {
	Version       uint8
	Type          uint8
	PayloadLength uint32
	Sequence      uint16
	Reserved      uint16
}

// Pack encodes a complete frame (header + payload) for msgType with the
// given sequence number. It returns an error if payload exceeds maxPayload.
func Pack(msgType uint8, payload []byte, sequence uint16, maxPayload int) ([]byte, error) {
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("payload length %d exceeds max %d", len(payload), maxPayload)
	}

	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = ProtocolVersion
	buf[1] = msgType
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	binary.BigEndian.PutUint16(buf[6:8], sequence)
	binary.BigEndian.PutUint16(buf[8:10], 0)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// UnpackHeader decodes a 10-byte header. It does not validate the protocol
// version; callers check that explicitly so they can choose whether to drop
// silently (UDP) or close the connection (TCP).
func UnpackHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("header must be %d bytes, got %d", HeaderLen, len(b))
	}
	return Header{
		Version:       b[0],
		Type:          b[1],
		PayloadLength: binary.BigEndian.Uint32(b[2:6]),
		Sequence:      binary.BigEndian.Uint16(b[6:8]),
		Reserved:      binary.BigEndian.Uint16(b[8:10]),
	}, nil
}

// UnpackDatagram parses a single UDP datagram into its header and payload.
// It rejects a wrong protocol version, a payload-length field that doesn't
// match the actual datagram size, and a payload exceeding maxPayload.
func UnpackDatagram(b []byte, maxPayload int) (Header, []byte, error) {
	if len(b) < HeaderLen {
		return Header{}, nil, fmt.Errorf("datagram shorter than header: %d bytes", len(b))
	}
	hdr, err := UnpackHeader(b[:HeaderLen])
	if err != nil {
		return Header{}, nil, err
	}
	if hdr.Version != ProtocolVersion {
		return Header{}, nil, fmt.Errorf("unsupported protocol version %d", hdr.Version)
	}
	payload := b[HeaderLen:]
	if int(hdr.PayloadLength) != len(payload) {
		return Header{}, nil, fmt.Errorf("payload length mismatch: header says %d, got %d", hdr.PayloadLength, len(payload))
	}
	if len(payload) > maxPayload {
		return Header{}, nil, fmt.Errorf("payload length %d exceeds max %d", len(payload), maxPayload)
	}
	return hdr, payload, nil
}

// ReadFrame reads exactly one framed message from r: the 10-byte header,
// then exactly PayloadLength bytes. It never reads past a single message
// boundary. maxPayload bounds the payload-length field before any read of
// the body is attempted, so a hostile length can't force an unbounded
// allocation.
func ReadFrame(r io.Reader, maxPayload int) (Header, []byte, error) {
	hdrBuf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return Header{}, nil, err
	}

	hdr, err := UnpackHeader(hdrBuf)
	if err != nil {
		return Header{}, nil, err
	}
	if hdr.Version != ProtocolVersion {
		return hdr, nil, fmt.Errorf("unsupported protocol version %d", hdr.Version)
	}
	if int(hdr.PayloadLength) > maxPayload {
		return hdr, nil, fmt.Errorf("payload length %d exceeds max %d", hdr.PayloadLength, maxPayload)
	}

	payload := make([]byte, hdr.PayloadLength)
	if hdr.PayloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return hdr, nil, err
		}
	}
	return hdr, payload, nil
}

// legacyFileMetadata is the pre-JSON binary metadata form: a big-endian u16
// filename length, the filename bytes, a big-endian u64 filesize, and a
// 16-byte raw MD5 digest. It is accepted on ingress for compatibility with
// older clients but is never emitted by this server. Target is implicitly
// "all" since the legacy form predates per-user targeting.
func decodeLegacyFileMetadata(b []byte) (types.FileMetadata, bool) {
	if len(b) < 2 {
		return types.FileMetadata{}, false
	}
	nameLen := int(binary.BigEndian.Uint16(b[0:2]))
	rest := b[2:]
	if len(rest) < nameLen+8+16 {
		return types.FileMetadata{}, false
	}
	filename := string(rest[:nameLen])
	rest = rest[nameLen:]
	filesize := binary.BigEndian.Uint64(rest[:8])
	checksum := rest[8:24]

	return types.FileMetadata{
		Filename: filename,
		Filesize: int64(filesize),
		Checksum: fmt.Sprintf("%x", checksum),
		Target:   "all",
	}, true
}

// DecodeFileMetadata decodes a FILE_REQUEST_UPLOAD / FILE_METADATA payload.
// It tries JSON first (the current wire form) and falls back to the legacy
// binary encoding so older clients keep working.
func DecodeFileMetadata(b []byte) (types.FileMetadata, error) {
	var meta types.FileMetadata
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&meta); err == nil && meta.Filename != "" {
		if meta.Target == "" {
			meta.Target = "all"
		}
		return meta, nil
	}

	if legacy, ok := decodeLegacyFileMetadata(b); ok {
		return legacy, nil
	}

	return types.FileMetadata{}, fmt.Errorf("could not decode file metadata: not valid JSON or legacy binary form")
}

// EncodeFileMetadata marshals file metadata to its JSON wire form.
func EncodeFileMetadata(meta types.FileMetadata) ([]byte, error) {
	if meta.Target == "" {
		meta.Target = "all"
	}
	return json.Marshal(meta)
}
