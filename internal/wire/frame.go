// Package wire implements the length-prefixed multipart frame envelope
// used by the embedded broker's TCP protocol. It is a deliberately small
// stand-in for the multipart envelope a ZeroMQ ROUTER socket would give
// the original implementation for free; the retrieval pack carries no
// ZeroMQ binding, so this module hand-rolls the minimal shape it needs:
// a 4-byte big-endian part count followed by that many
// (4-byte big-endian length, payload) parts.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxParts bounds the number of parts a single frame may declare, guarding
// against a corrupt or hostile peer forcing an unbounded read loop.
const MaxParts = 64

// MaxPartBytes bounds the size of any single part.
const MaxPartBytes = 64 << 20

// WriteFrame writes parts as one multipart frame to w.
func WriteFrame(w io.Writer, parts ...[]byte) error {
	if len(parts) > MaxParts {
		return fmt.Errorf("wire: %d parts exceeds limit of %d", len(parts), MaxParts)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(parts)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	for _, p := range parts {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if len(p) > 0 {
			if _, err := w.Write(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadFrame reads one multipart frame from r, returning its parts.
func ReadFrame(r *bufio.Reader) ([][]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(header[:])
	if count > MaxParts {
		return nil, fmt.Errorf("wire: frame declares %d parts, exceeds limit of %d", count, MaxParts)
	}

	parts := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > MaxPartBytes {
			return nil, fmt.Errorf("wire: part of %d bytes exceeds limit of %d", n, MaxPartBytes)
		}
		part := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, part); err != nil {
				return nil, err
			}
		}
		parts = append(parts, part)
	}
	return parts, nil
}
