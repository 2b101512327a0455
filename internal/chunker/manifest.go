package chunker

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ManifestSize is the encoded manifest length: int64 size + uint32 maxPayload.
const ManifestSize = 12

// SizeNotFound is the size a producer reports for an unknown object.
const SizeNotFound int64 = -1

var (
	ErrShortManifest   = errors.New("chunker: manifest shorter than 12 bytes")
	ErrZeroMaxPayload  = errors.New("chunker: manifest has zero max payload")
	ErrChunkOutOfRange = errors.New("chunker: chunk index out of range")
)

// Manifest describes how an object is split into chunks.
type Manifest struct {
	Size       int64
	MaxPayload uint32
}

// NotFoundManifest is returned for names the producer does not hold.
func NotFoundManifest() Manifest {
	return Manifest{Size: SizeNotFound}
}

// Found reports whether the object exists.
func (m Manifest) Found() bool { return m.Size >= 0 }

// MarshalBinary encodes the manifest little-endian.
func (m Manifest) MarshalBinary() ([]byte, error) {
	b := make([]byte, ManifestSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(m.Size))
	binary.LittleEndian.PutUint32(b[8:12], m.MaxPayload)
	return b, nil
}

// UnmarshalBinary decodes a manifest. Trailing bytes are ignored.
func (m *Manifest) UnmarshalBinary(b []byte) error {
	if len(b) < ManifestSize {
		return fmt.Errorf("%w: got %d", ErrShortManifest, len(b))
	}
	m.Size = int64(binary.LittleEndian.Uint64(b[0:8]))
	m.MaxPayload = binary.LittleEndian.Uint32(b[8:12])
	if m.Found() && m.Size > 0 && m.MaxPayload == 0 {
		return ErrZeroMaxPayload
	}
	return nil
}

// ChunkCount returns ceil(Size / MaxPayload). Missing or empty objects have no chunks.
func (m Manifest) ChunkCount() int {
	return ChunkCount(m.Size, m.MaxPayload)
}

// Bounds returns the byte offset and length of chunk seq.
func (m Manifest) Bounds(seq int) (off int64, n int, err error) {
	return ChunkBounds(m.Size, m.MaxPayload, seq)
}
