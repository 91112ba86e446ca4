// Package filetransfer implements the reliable TCP file-transfer handler:
// one connection per upload or download, chunked streaming, MD5 checksum
// verification, path-traversal safety, and an availability notice routed
// back through the control server's chat rules on a successful upload.
package filetransfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sapora-lan/sapora/internal/v1/logging"
	"github.com/sapora-lan/sapora/internal/v1/metrics"
	"github.com/sapora-lan/sapora/internal/v1/ratelimit"
	"github.com/sapora-lan/sapora/internal/v1/types"
	"github.com/sapora-lan/sapora/internal/v1/wire"
)

// maxMetadataPayload bounds the initial FILE_REQUEST_UPLOAD /
// FILE_REQUEST_DOWNLOAD / FILE_METADATA frames, which carry small JSON
// bodies rather than file contents.
const maxMetadataPayload = 64 * 1024

const writeWait = 5 * time.Second

// minTransferTimeout is the floor on the per-transfer socket timeout,
// regardless of declared file size.
const minTransferTimeout = 30 * time.Second

// Announcer routes a file_announce chat payload through the control
// server's chat rules after a successful upload. The uploader is
// identified by the source IP of its (separate, short-lived) file-transfer
// connection, since it carries no member-id of its own.
type Announcer interface {
	AnnounceFile(ctx context.Context, uploaderIP string, chat types.ChatPayload)
}

// Server accepts one TCP connection per transfer and handles a single
// FILE_REQUEST_UPLOAD or FILE_REQUEST_DOWNLOAD on it before closing.
type Server struct {
	storageDir        string
	maxFileSize       int64
	chunkSize         int
	connectionTimeout time.Duration
	limiter           *ratelimit.RateLimiter
	announcer         Announcer
}

// NewServer constructs a file-transfer server rooted at storageDir,
// creating it if it doesn't already exist.
func NewServer(storageDir string, maxFileSize int64, chunkSize int, connectionTimeout time.Duration, limiter *ratelimit.RateLimiter, announcer Announcer) (*Server, error) {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Server{
		storageDir:        storageDir,
		maxFileSize:       maxFileSize,
		chunkSize:         chunkSize,
		connectionTimeout: connectionTimeout,
		limiter:           limiter,
		announcer:         announcer,
	}, nil
}

// ListenAndServe binds addr and accepts transfer connections until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logging.Info(ctx, "file transfer server listening", zap.String("addr", addr), zap.String("storage", s.storageDir))

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
				logging.Error(ctx, "file transfer accept failed", zap.Error(err))
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
	defer conn.Close()
	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	_ = conn.SetReadDeadline(time.Now().Add(s.connectionTimeout))
	hdr, payload, err := wire.ReadFrame(conn, maxMetadataPayload)
	if err != nil {
		return
	}

	switch hdr.Type {
	case wire.FileRequestUpload:
		s.handleUpload(ctx, conn, ip, payload)
	case wire.FileRequestDownload:
		s.handleDownload(ctx, conn, payload)
	default:
		logging.Warn(ctx, "file transfer: unexpected initial message type", zap.Uint8("type", hdr.Type))
	}
}

func (s *Server) handleUpload(ctx context.Context, conn net.Conn, uploaderIP string, payload []byte) {
	meta, err := wire.DecodeFileMetadata(payload)
	if err != nil {
		s.ackFailure(conn, "", "Invalid metadata")
		metrics.FileTransferOutcomes.WithLabelValues("upload", "invalid_metadata").Inc()
		return
	}
	if meta.Filename == "" || meta.Filesize <= 0 {
		s.ackFailure(conn, meta.Filename, "Invalid filename or filesize")
		metrics.FileTransferOutcomes.WithLabelValues("upload", "invalid_request").Inc()
		return
	}
	if meta.Filesize > s.maxFileSize {
		s.ackFailure(conn, meta.Filename, "File too large")
		metrics.FileTransferOutcomes.WithLabelValues("upload", "too_large").Inc()
		return
	}

	fullPath, err := sanitizePath(s.storageDir, meta.Filename)
	if err != nil {
		logging.Warn(ctx, "upload rejected: path traversal", zap.String("filename", meta.Filename), zap.Error(err))
		s.ackFailure(conn, meta.Filename, "Invalid filename")
		metrics.FileTransferOutcomes.WithLabelValues("upload", "path_traversal").Inc()
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(transferTimeout(meta.Filesize)))

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		s.ackFailure(conn, meta.Filename, "Could not create file")
		metrics.FileTransferOutcomes.WithLabelValues("upload", "io_error").Inc()
		return
	}

	written, err := s.receiveChunks(conn, f, meta.Filesize)
	_ = f.Close()
	if err != nil {
		_ = os.Remove(fullPath)
		logging.Warn(ctx, "upload failed mid-transfer", zap.String("filename", meta.Filename), zap.Error(err))
		s.ackFailure(conn, meta.Filename, err.Error())
		metrics.FileTransferOutcomes.WithLabelValues("upload", "transfer_error").Inc()
		return
	}
	metrics.FileTransferBytes.WithLabelValues("upload").Add(float64(written))

	if meta.Checksum != "" {
		sum, err := md5File(fullPath)
		if err != nil || !strings.EqualFold(sum, meta.Checksum) {
			_ = os.Remove(fullPath)
			s.ackFailure(conn, meta.Filename, "Checksum mismatch")
			metrics.FileTransferOutcomes.WithLabelValues("upload", "checksum_mismatch").Inc()
			return
		}
	}

	s.ackSuccess(conn, meta.Filename)
	metrics.FileTransferOutcomes.WithLabelValues("upload", "success").Inc()

	if s.announcer != nil {
		target := meta.Target
		if target == "" {
			target = "all"
		}
		s.announcer.AnnounceFile(ctx, uploaderIP, types.ChatPayload{
			Target:   target,
			Filename: meta.Filename,
			Size:     meta.Filesize,
		})
	}
}

// receiveChunks streams FILE_CHUNK messages into f until declared bytes
// have been written, rejecting any other message type mid-transfer.
func (s *Server) receiveChunks(conn net.Conn, f *os.File, declared int64) (int64, error) {
	var written int64
	for written < declared {
		hdr, chunk, err := wire.ReadFrame(conn, s.chunkSize)
		if err != nil {
			return written, fmt.Errorf("connection lost during file transfer: %w", err)
		}
		if hdr.Type != wire.FileChunk {
			return written, fmt.Errorf("unexpected message type (%d) during upload", hdr.Type)
		}
		if _, err := f.Write(chunk); err != nil {
			return written, fmt.Errorf("write failed: %w", err)
		}
		written += int64(len(chunk))
	}
	if written != declared {
		return written, fmt.Errorf("received size mismatch (got %d, expected %d)", written, declared)
	}
	return written, nil
}

func (s *Server) handleDownload(ctx context.Context, conn net.Conn, payload []byte) {
	filename := decodeDownloadFilename(payload)

	fullPath, err := sanitizePath(s.storageDir, filename)
	if err != nil {
		logging.Warn(ctx, "download rejected: path traversal", zap.String("filename", filename), zap.Error(err))
		s.ackFailure(conn, filename, "Invalid filename")
		metrics.FileTransferOutcomes.WithLabelValues("download", "path_traversal").Inc()
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		s.ackFailure(conn, filename, "File not found")
		metrics.FileTransferOutcomes.WithLabelValues("download", "not_found").Inc()
		return
	}

	checksum, err := md5File(fullPath)
	if err != nil {
		s.ackFailure(conn, filename, "Could not read file")
		metrics.FileTransferOutcomes.WithLabelValues("download", "io_error").Inc()
		return
	}

	metaBody, err := wire.EncodeFileMetadata(types.FileMetadata{
		Filename: filename,
		Filesize: info.Size(),
		Checksum: checksum,
		Target:   "all",
	})
	if err != nil {
		return
	}
	if !s.sendFrame(conn, wire.FileMetadata, metaBody) {
		metrics.FileTransferOutcomes.WithLabelValues("download", "send_failed").Inc()
		return
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return
	}
	defer f.Close()

	buf := make([]byte, s.chunkSize)
	var sent int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if !s.sendFrame(conn, wire.FileChunk, buf[:n]) {
				metrics.FileTransferOutcomes.WithLabelValues("download", "send_failed").Inc()
				return
			}
			sent += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			logging.Warn(ctx, "download read failed", zap.String("filename", filename), zap.Error(readErr))
			metrics.FileTransferOutcomes.WithLabelValues("download", "io_error").Inc()
			return
		}
	}
	metrics.FileTransferBytes.WithLabelValues("download").Add(float64(sent))
	metrics.FileTransferOutcomes.WithLabelValues("download", "success").Inc()
}

func (s *Server) ackSuccess(conn net.Conn, filename string) {
	body, err := json.Marshal(types.FileAckPayload{Filename: filename})
	if err != nil {
		return
	}
	s.sendFrame(conn, wire.FileAckSuccess, body)
}

func (s *Server) ackFailure(conn net.Conn, filename, reason string) {
	body, err := json.Marshal(types.FileAckPayload{Filename: filename, Reason: reason})
	if err != nil {
		return
	}
	s.sendFrame(conn, wire.FileAckFailure, body)
}

// sendFrame is a best-effort send: a failure here just means the peer
// already hung up, which is not itself an error worth retrying.
func (s *Server) sendFrame(conn net.Conn, msgType uint8, payload []byte) bool {
	frame, err := wire.Pack(msgType, payload, 0, len(payload))
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err = conn.Write(frame)
	return err == nil
}

func decodeDownloadFilename(payload []byte) string {
	var req types.DownloadRequest
	if err := json.Unmarshal(payload, &req); err == nil && req.Filename != "" {
		return req.Filename
	}
	return strings.TrimSpace(string(payload))
}

func transferTimeout(sizeBytes int64) time.Duration {
	sizeMiB := float64(sizeBytes) / (1024 * 1024)
	d := time.Duration(sizeMiB*2) * time.Second
	if d < minTransferTimeout {
		return minTransferTimeout
	}
	return d
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
