package media

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"strings"
)

// RepresentationSpec describes one synthetic encoding.
type RepresentationSpec struct {
	ID          string
	Width       int
	Height      int
	BitrateKbit int
	DependsOn   []string
}

// Content describes synthetic media: every representation has
// NumberOfSegments segments of SegmentDuration seconds.
type Content struct {
	SegmentDuration  int
	NumberOfSegments int
	Representations  []RepresentationSpec
}

// SegmentName is the relative name of segment i of representation id.
func SegmentName(id string, i int) string {
	return fmt.Sprintf("repr_%s_seg_%d.264", id, i)
}

// SegmentSize is the byte size of one segment: kbit/8 * duration * 1024.
func SegmentSize(bitrateKbit, segmentDuration int) int64 {
	return int64(float64(bitrateKbit) / 8.0 * float64(segmentDuration) * 1024)
}

func presentationDuration(seconds int) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("PT%dH%dM%dS", h, m, s)
}

// Generate builds the MPD describing c, served under prefix.
func Generate(prefix string, c Content) *MPD {
	set := &AdaptationSet{BitstreamSwitching: "true"}
	for _, spec := range c.Representations {
		r := &Representation{
			ID:           spec.ID,
			Codecs:       "avc1",
			MimeType:     "video/mp4",
			Width:        spec.Width,
			Height:       spec.Height,
			StartWithSAP: "1",
			Bandwidth:    uint64(spec.BitrateKbit) * 1000,
			DependencyID: strings.Join(spec.DependsOn, " "),
			SegmentList:  &SegmentList{Duration: uint64(c.SegmentDuration)},
		}
		for i := 0; i < c.NumberOfSegments; i++ {
			r.SegmentList.SegmentURLs = append(r.SegmentList.SegmentURLs, &SegmentURL{Media: SegmentName(spec.ID, i)})
		}
		set.Representations = append(set.Representations, r)
	}
	return &MPD{
		Namespace:                 dashNamespace,
		Profiles:                  "urn:mpeg:dash:profile:isoff-main:2011",
		Type:                      "static",
		MediaPresentationDuration: presentationDuration(c.SegmentDuration * c.NumberOfSegments),
		MinBufferTime:             "PT2.0S",
		BaseURLs:                  []string{strings.TrimSuffix(prefix, "/") + "/"},
		Periods:                   []*Period{{Start: "PT0S", AdaptationSets: []*AdaptationSet{set}}},
	}
}

// Compress gzips b.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
