package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single length-prefixed packet on a stream.
const MaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameStream carries whole packets over a byte stream, each prefixed by its
// big-endian uint32 length. Writes may come from several goroutines; reads
// must come from one.
type FrameStream struct {
	rw io.ReadWriteCloser
	wm sync.Mutex
}

func NewFrameStream(rw io.ReadWriteCloser) *FrameStream {
	return &FrameStream{rw: rw}
}

// WriteFrame sends b as one frame.
func (f *FrameStream) WriteFrame(b []byte) error {
	if len(b) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)

	f.wm.Lock()
	defer f.wm.Unlock()
	_, err := f.rw.Write(buf)
	return err
}

// ReadFrame returns the next frame.
func (f *FrameStream) ReadFrame() ([]byte, error) {
	var length uint32
	if err := binary.Read(f.rw, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(f.rw, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *FrameStream) Close() error { return f.rw.Close() }
