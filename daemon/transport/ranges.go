package transport

import (
	"bytes"
	"fmt"
)

// RangeCompressor renders sequence numbers in range notation ("0-3,7,9-10")
// for compact logging of missing chunks.
type RangeCompressor struct{}

// Compress converts ascending sequence numbers to a range string.
func (c *RangeCompressor) Compress(seqs []int64) string {
	if len(seqs) == 0 {
		return ""
	}

	var buf bytes.Buffer
	start := seqs[0]
	prev := seqs[0]

	flush := func() {
		if start == prev {
			fmt.Fprintf(&buf, "%d", start)
		} else {
			fmt.Fprintf(&buf, "%d-%d", start, prev)
		}
	}
	for _, curr := range seqs[1:] {
		if curr == prev+1 {
			prev = curr
			continue
		}
		flush()
		buf.WriteByte(',')
		start, prev = curr, curr
	}
	flush()
	return buf.String()
}

// Decompress expands a range string back to sequence numbers.
func (c *RangeCompressor) Decompress(rangeStr string) ([]int64, error) {
	if rangeStr == "" {
		return []int64{}, nil
	}

	var seqs []int64
	for _, r := range bytes.Split([]byte(rangeStr), []byte(",")) {
		parts := bytes.Split(r, []byte("-"))
		switch len(parts) {
		case 1:
			var v int64
			if _, err := fmt.Sscanf(string(parts[0]), "%d", &v); err != nil {
				return nil, err
			}
			seqs = append(seqs, v)
		case 2:
			var start, end int64
			if _, err := fmt.Sscanf(string(parts[0]), "%d", &start); err != nil {
				return nil, err
			}
			if _, err := fmt.Sscanf(string(parts[1]), "%d", &end); err != nil {
				return nil, err
			}
			if end-start > 1<<20 {
				return nil, fmt.Errorf("range %d-%d too large", start, end)
			}
			for i := start; i <= end; i++ {
				seqs = append(seqs, i)
			}
		default:
			return nil, fmt.Errorf("malformed range %q", r)
		}
	}
	return seqs, nil
}
