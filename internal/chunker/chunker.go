package chunker

import (
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// payloadReserve is kept free in every Data packet below the MTU.
const payloadReserve = 4

// ChunkCount returns how many chunks of maxPayload bytes cover size bytes.
func ChunkCount(size int64, maxPayload uint32) int {
	if size <= 0 || maxPayload == 0 {
		return 0
	}
	mp := int64(maxPayload)
	return int((size + mp - 1) / mp)
}

// ChunkBounds returns the offset and length of chunk seq. Every chunk is
// maxPayload bytes except the last, which holds the remainder (a full chunk
// when size is an exact multiple).
func ChunkBounds(size int64, maxPayload uint32, seq int) (int64, int, error) {
	count := ChunkCount(size, maxPayload)
	if seq < 0 || seq >= count {
		return 0, 0, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, seq, count)
	}
	off := int64(seq) * int64(maxPayload)
	n := size - off
	if n > int64(maxPayload) {
		n = int64(maxPayload)
	}
	return off, int(n), nil
}

// MaxPayload derives the per-chunk payload from the link MTU and the
// estimated Data packet overhead.
func MaxPayload(mtu, overhead int) uint32 {
	p := mtu - overhead - payloadReserve
	if p < 1 {
		p = 1
	}
	return uint32(p)
}

// ReadChunk reads chunk seq of an object of the given size from r.
func ReadChunk(r io.ReaderAt, size int64, maxPayload uint32, seq int) ([]byte, error) {
	off, n, err := ChunkBounds(size, maxPayload, seq)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, off)
	if err != nil && !(err == io.EOF && read == n) {
		return nil, fmt.Errorf("failed to read chunk %d: %w", seq, err)
	}
	return buf, nil
}

// Chunker splits a stream into maxPayload sized chunks.
type Chunker struct {
	reader    io.Reader
	chunkSize int
	buffer    []byte
}

// NewChunker creates a streaming chunker.
func NewChunker(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	return &Chunker{
		reader:    r,
		chunkSize: chunkSize,
		buffer:    make([]byte, chunkSize),
	}, nil
}

// Next returns the next chunk. The slice is reused by the following call.
func (c *Chunker) Next() ([]byte, error) {
	n, err := io.ReadFull(c.reader, c.buffer)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	if n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return c.buffer[:n], nil
}

// Digest returns the BLAKE3 hash of b.
func Digest(b []byte) []byte {
	h := blake3.New()
	h.Write(b)
	return h.Sum(nil)
}

// ObjectDigests hashes content chunk by chunk and returns the chunk digests
// together with their Merkle root.
func ObjectDigests(r io.Reader, maxPayload uint32) (chunks [][]byte, root []byte, err error) {
	c, err := NewChunker(r, int(maxPayload))
	if err != nil {
		return nil, nil, err
	}
	for {
		b, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		chunks = append(chunks, Digest(b))
	}
	return chunks, MerkleRoot(chunks), nil
}
