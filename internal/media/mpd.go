// Package media models DASH media presentation descriptions (MPD): parsing
// the subset the player needs, including SVC style layer dependencies, and
// generating synthetic descriptions for producers.
package media

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrMalformedDescription = errors.New("malformed media description")
	ErrNoBaseURL            = errors.New("media description has no BaseURL")
	ErrNoAdaptationSet      = errors.New("media description has no adaptation set")
)

const dashNamespace = "urn:mpeg:DASH:schema:MPD:2011"

// MPD is the root of a media presentation description.
type MPD struct {
	XMLName                   xml.Name  `xml:"MPD"`
	Namespace                 string    `xml:"xmlns,attr,omitempty"`
	Profiles                  string    `xml:"profiles,attr,omitempty"`
	Type                      string    `xml:"type,attr,omitempty"`
	MediaPresentationDuration string    `xml:"mediaPresentationDuration,attr,omitempty"`
	MinBufferTime             string    `xml:"minBufferTime,attr,omitempty"`
	BaseURLs                  []string  `xml:"BaseURL"`
	Periods                   []*Period `xml:"Period"`
}

type Period struct {
	Start          string           `xml:"start,attr,omitempty"`
	AdaptationSets []*AdaptationSet `xml:"AdaptationSet"`
}

type AdaptationSet struct {
	BitstreamSwitching string            `xml:"bitstreamSwitching,attr,omitempty"`
	SegmentBase        *SegmentBase      `xml:"SegmentBase,omitempty"`
	Representations    []*Representation `xml:"Representation"`
}

type SegmentBase struct {
	Initialization *URL `xml:"Initialization,omitempty"`
}

type URL struct {
	SourceURL string `xml:"sourceURL,attr,omitempty"`
}

type SegmentList struct {
	Duration       uint64        `xml:"duration,attr"`
	Timescale      uint64        `xml:"timescale,attr,omitempty"`
	Initialization *URL          `xml:"Initialization,omitempty"`
	SegmentURLs    []*SegmentURL `xml:"SegmentURL"`
}

type SegmentURL struct {
	Media string `xml:"media,attr"`
}

// Representation is one encoding of the content. Layered (SVC) content
// lists the representations it builds on in DependencyID.
type Representation struct {
	ID           string       `xml:"id,attr"`
	Codecs       string       `xml:"codecs,attr,omitempty"`
	MimeType     string       `xml:"mimeType,attr,omitempty"`
	Width        int          `xml:"width,attr,omitempty"`
	Height       int          `xml:"height,attr,omitempty"`
	FrameRate    string       `xml:"frameRate,attr,omitempty"`
	StartWithSAP string       `xml:"startWithSAP,attr,omitempty"`
	Bandwidth    uint64       `xml:"bandwidth,attr"`
	DependencyID string       `xml:"dependencyId,attr,omitempty"`
	SegmentBase  *SegmentBase `xml:"SegmentBase,omitempty"`
	SegmentList  *SegmentList `xml:"SegmentList,omitempty"`
}

// Dependencies returns the ids this representation depends on.
func (r *Representation) Dependencies() []string {
	return strings.Fields(r.DependencyID)
}

// SegmentDuration is the duration of one segment in seconds.
func (r *Representation) SegmentDuration() float64 {
	if r.SegmentList == nil {
		return 0
	}
	ts := r.SegmentList.Timescale
	if ts == 0 {
		ts = 1
	}
	return float64(r.SegmentList.Duration) / float64(ts)
}

// SegmentCount returns the number of listed segments.
func (r *Representation) SegmentCount() int {
	if r.SegmentList == nil {
		return 0
	}
	return len(r.SegmentList.SegmentURLs)
}

// SegmentURL returns the media URL of segment i.
func (r *Representation) SegmentURL(i int) (string, bool) {
	if i < 0 || i >= r.SegmentCount() {
		return "", false
	}
	return r.SegmentList.SegmentURLs[i].Media, true
}

// InitURL returns the representation's own initialization segment, if any.
func (r *Representation) InitURL() string {
	if r.SegmentList != nil && r.SegmentList.Initialization != nil {
		return r.SegmentList.Initialization.SourceURL
	}
	if r.SegmentBase != nil && r.SegmentBase.Initialization != nil {
		return r.SegmentBase.Initialization.SourceURL
	}
	return ""
}

// InitURL returns the adaptation-set wide initialization segment, if any.
func (a *AdaptationSet) InitURL() string {
	if a.SegmentBase != nil && a.SegmentBase.Initialization != nil {
		return a.SegmentBase.Initialization.SourceURL
	}
	return ""
}

// Parse decodes an MPD, transparently gunzipping compressed input.
func Parse(raw []byte) (*MPD, error) {
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDescription, err)
		}
		raw, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDescription, err)
		}
	}
	var m MPD
	if err := xml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	return &m, nil
}

// Presentation is the part of an MPD a player streams from.
type Presentation struct {
	// BaseURL with any http:// scheme stripped, used as a name prefix.
	BaseURL         string
	Set             *AdaptationSet
	Representations []*Representation
}

// Select picks the first period's first adaptation set and the first base URL.
func (m *MPD) Select() (*Presentation, error) {
	if len(m.BaseURLs) == 0 || strings.TrimSpace(m.BaseURLs[0]) == "" {
		return nil, ErrNoBaseURL
	}
	if len(m.Periods) == 0 || len(m.Periods[0].AdaptationSets) == 0 {
		return nil, ErrNoAdaptationSet
	}
	set := m.Periods[0].AdaptationSets[0]
	for _, r := range set.Representations {
		if r.SegmentList == nil {
			return nil, fmt.Errorf("%w: representation %q has no segment list", ErrMalformedDescription, r.ID)
		}
	}
	return &Presentation{
		BaseURL:         StripScheme(strings.TrimSpace(m.BaseURLs[0])),
		Set:             set,
		Representations: set.Representations,
	}, nil
}

// StripScheme removes a leading "http:/" so "http://prefix/" becomes "/prefix/".
func StripScheme(u string) string {
	if strings.HasPrefix(u, "http://") {
		return u[len("http:/"):]
	}
	return u
}

// Layered reports whether any representation declares dependencies.
func Layered(reps []*Representation) bool {
	for _, r := range reps {
		if r.DependencyID != "" {
			return true
		}
	}
	return false
}

// Marshal renders the MPD as indented XML with a declaration.
func (m *MPD) Marshal() ([]byte, error) {
	if m.Namespace == "" {
		m.Namespace = dashNamespace
	}
	body, err := xml.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
