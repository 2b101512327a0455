package chunker

import (
	"github.com/zeebo/blake3"
)

// MerkleRoot folds chunk digests pairwise into a single root. An odd node is
// paired with itself. The root of no digests is nil.
func MerkleRoot(digests [][]byte) []byte {
	if len(digests) == 0 {
		return nil
	}
	level := make([][]byte, len(digests))
	copy(level, digests)

	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			h := blake3.New()
			h.Write(level[i])
			h.Write(right)
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return level[0]
}
