package producer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ndnstream/backend/internal/ndn"
)

// SizeTable serves zero-filled virtual objects of configured sizes.
type SizeTable struct {
	*server
	sizes map[string]int64
}

// NewSizeTable serves the objects in sizes, keyed by relative name ("/a.bin").
func NewSizeTable(opts Options, sizes map[string]int64) *SizeTable {
	norm := make(map[string]int64, len(sizes))
	for k, v := range sizes {
		norm[ndn.ParseName(k).String()] = v
	}
	return &SizeTable{server: newServer(opts, "sizetable"), sizes: norm}
}

// LoadSizeTable reads "name,size" rows. Blank lines and # comments are skipped.
func LoadSizeTable(r io.Reader) (map[string]int64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	out := make(map[string]int64)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("size table: %w", err)
		}
		size, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("size table: bad size %q for %s", rec[1], rec[0])
		}
		out[rec[0]] = size
	}
	return out, nil
}

func (t *SizeTable) Serve(i *ndn.Interest) (*ndn.Data, bool) { return t.serve(i, t) }

func (t *SizeTable) size(rel string) (int64, bool) {
	s, ok := t.sizes[rel]
	return s, ok
}

func (t *SizeTable) read(_ string, _ int64, n int) ([]byte, error) {
	return make([]byte, n), nil
}
