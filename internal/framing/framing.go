// Package framing implements length-prefixed wire framing, adapted from
// msg.go's MsgConn: there, every message carries a fixed
// type-byte-plus-length header read by a dedicated reader loop; here the
// header collapses to a bare 4-byte big-endian length prefix, since
// message-type discrimination happens one layer up in the caller's own
// message encoding.
package framing

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame to guard against a peer claiming an
// unreasonable length and exhausting memory on the read side.
const MaxFrameSize = 64 << 20 // 64 MiB

const headerBytes = 4

// WriteFrame writes payload prefixed with its 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("framing: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}
	var header [headerBytes]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("framing: write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerBytes]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("framing: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("framing: peer claims frame of %d bytes, exceeds max %d", n, MaxFrameSize)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("framing: read payload: %w", err)
	}
	return buf, nil
}
