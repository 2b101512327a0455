package media

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadContentTable parses a representation table:
//
//	segmentDuration=2
//	numberOfSegments=15
//	reprId,screenWidth,screenHeight,bitrate
//	1,320,240,250
//
// Bitrates are kbit/s. An optional fifth column lists dependency ids
// separated by spaces.
func ReadContentTable(r io.Reader) (Content, error) {
	var c Content
	br := bufio.NewReader(r)

	for _, key := range []string{"segmentDuration=", "numberOfSegments="} {
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			return c, fmt.Errorf("content table: missing %s line: %w", key, err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, key) {
			return c, fmt.Errorf("content table: expected %s, got %q", key, line)
		}
		v, err := strconv.Atoi(strings.TrimPrefix(line, key))
		if err != nil || v <= 0 {
			return c, fmt.Errorf("content table: bad value in %q", line)
		}
		if key == "segmentDuration=" {
			c.SegmentDuration = v
		} else {
			c.NumberOfSegments = v
		}
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	records, err := cr.ReadAll()
	if err != nil {
		return c, fmt.Errorf("content table: %w", err)
	}
	for i, rec := range records {
		if i == 0 {
			continue // header
		}
		if len(rec) < 4 {
			return c, fmt.Errorf("content table: row %d has %d columns", i, len(rec))
		}
		w, errW := strconv.Atoi(rec[1])
		h, errH := strconv.Atoi(rec[2])
		kbit, errB := strconv.Atoi(rec[3])
		if errW != nil || errH != nil || errB != nil {
			return c, fmt.Errorf("content table: row %d is not numeric", i)
		}
		spec := RepresentationSpec{ID: strings.TrimSpace(rec[0]), Width: w, Height: h, BitrateKbit: kbit}
		if len(rec) > 4 {
			spec.DependsOn = strings.Fields(rec[4])
		}
		c.Representations = append(c.Representations, spec)
	}
	if len(c.Representations) == 0 {
		return c, fmt.Errorf("content table: no representations")
	}
	return c, nil
}
