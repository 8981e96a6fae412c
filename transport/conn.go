package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrFrameTooLarge indicates a frame exceeding the transport's size cap.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// MaxFrameSize caps a single frame on the wire. It bounds memory use on
// the receiving side; chunk size plus compression/encryption overhead
// must fit under it.
const MaxFrameSize = 16 * 1024 * 1024

// DefaultIOTimeout is the per-frame read/write deadline.
const DefaultIOTimeout = 30 * time.Second

// WriteFrame writes one length-prefixed frame to the connection under a
// write deadline.
func WriteFrame(conn net.Conn, frame []byte, timeout time.Duration) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	// Format: [length (4)][frame bytes]
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
	if _, err := conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame from the connection under a
// read deadline. Returns the frame type and its payload (the bytes after
// the type byte).
func ReadFrame(conn net.Conn, timeout time.Duration) (PacketType, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}

	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if length < 1 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(conn, frame); err != nil {
		return 0, nil, err
	}

	return PacketType(frame[0]), frame[1:], nil
}
