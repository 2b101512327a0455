package producer

import (
	"fmt"

	"github.com/ndnstream/backend/internal/media"
	"github.com/ndnstream/backend/internal/ndn"
)

// DefaultMPDFile is the name the description is served under, below the prefix.
const DefaultMPDFile = "MyVideo.mpd"

// Multimedia serves a generated, gzip compressed MPD and zero-filled
// segments whose sizes follow the representation bitrates.
type Multimedia struct {
	*server
	mpdRel string
	mpd    []byte
	sizes  map[string]int64
}

// NewMultimedia generates the description for content under opts.Prefix.
func NewMultimedia(opts Options, content media.Content, mpdFile string) (*Multimedia, error) {
	if mpdFile == "" {
		mpdFile = DefaultMPDFile
	}
	raw, err := media.Generate(opts.Prefix.String(), content).Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to render MPD: %w", err)
	}
	z, err := media.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress MPD: %w", err)
	}

	sizes := make(map[string]int64)
	for _, r := range content.Representations {
		size := media.SegmentSize(r.BitrateKbit, content.SegmentDuration)
		for i := 0; i < content.NumberOfSegments; i++ {
			sizes["/"+media.SegmentName(r.ID, i)] = size
		}
	}
	return &Multimedia{
		server: newServer(opts, "multimedia"),
		mpdRel: ndn.ParseName(mpdFile).String(),
		mpd:    z,
		sizes:  sizes,
	}, nil
}

// MPDName is the full name consumers fetch the description from.
func (m *Multimedia) MPDName() ndn.Name {
	return m.opts.Prefix.Append(ndn.ParseName(m.mpdRel)...)
}

// MPD returns the compressed description.
func (m *Multimedia) MPD() []byte { return m.mpd }

func (m *Multimedia) Serve(i *ndn.Interest) (*ndn.Data, bool) { return m.serve(i, m) }

func (m *Multimedia) size(rel string) (int64, bool) {
	if rel == m.mpdRel {
		return int64(len(m.mpd)), true
	}
	s, ok := m.sizes[rel]
	return s, ok
}

func (m *Multimedia) read(rel string, off int64, n int) ([]byte, error) {
	if rel == m.mpdRel {
		return m.mpd[off : off+int64(n)], nil
	}
	return make([]byte, n), nil
}
