package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const frameHeaderSize = 4

var ErrFrameSize = errors.New("invalid frame size")

// ReadFrame reads one frame: a 4-byte big-endian signed length followed by
// that many payload bytes. maxSize <= 0 disables the upper bound. A zero
// length frame returns an empty, non-nil payload.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := int32(binary.BigEndian.Uint32(header[:]))
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrFrameSize, length)
	}
	if maxSize > 0 && int(length) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameSize, length, maxSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes the length header and payload in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > math.MaxInt32 {
		return fmt.Errorf("%w: %d bytes does not fit the header", ErrFrameSize, len(payload))
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// WriteHandshake writes the zero length frame a worker sends right after it
// connects to the broker.
func WriteHandshake(w io.Writer) error {
	return WriteFrame(w, nil)
}
