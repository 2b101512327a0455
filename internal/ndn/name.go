// Package ndn models the pull-based named-content network the transport runs
// over: hierarchical names, Interest and Data packets, their wire encoding and
// the Face abstraction consumers use to express Interests.
package ndn

import (
	"fmt"
	"strconv"
	"strings"
)

// ManifestComponent is the trailing name component that marks a manifest request.
const ManifestComponent = "manifest"

// Name is an ordered list of name components.
type Name []string

// ParseName splits a slash separated URI into components. Empty components
// are dropped, so "/a//b/" and "a/b" are the same name.
func ParseName(uri string) Name {
	parts := strings.Split(uri, "/")
	n := make(Name, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			n = append(n, p)
		}
	}
	return n
}

// String renders the name as a URI. The root name renders as "/".
func (n Name) String() string {
	if len(n) == 0 {
		return "/"
	}
	return "/" + strings.Join(n, "/")
}

// Append returns a new name with comps added. The receiver is not modified.
func (n Name) Append(comps ...string) Name {
	out := make(Name, 0, len(n)+len(comps))
	out = append(out, n...)
	return append(out, comps...)
}

// AppendSequence returns the name of chunk seq under n.
func (n Name) AppendSequence(seq uint64) Name {
	return n.Append(strconv.FormatUint(seq, 10))
}

// Manifest returns the manifest name for the object n.
func (n Name) Manifest() Name {
	return n.Append(ManifestComponent)
}

// HasPrefix reports whether p is a prefix of n.
func (n Name) HasPrefix(p Name) bool {
	if len(p) > len(n) {
		return false
	}
	for i := range p {
		if n[i] != p[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both names have identical components.
func (n Name) Equal(o Name) bool {
	return len(n) == len(o) && n.HasPrefix(o)
}

// Last returns the final component, or "" for the root name.
func (n Name) Last() string {
	if len(n) == 0 {
		return ""
	}
	return n[len(n)-1]
}

// Parent drops the final component.
func (n Name) Parent() Name {
	if len(n) == 0 {
		return n
	}
	return n[:len(n)-1]
}

// TrimPrefix strips p from n and reports whether it was a prefix.
func (n Name) TrimPrefix(p Name) (Name, bool) {
	if !n.HasPrefix(p) {
		return nil, false
	}
	return n[len(p):], true
}

// IsManifest reports whether n names a manifest.
func (n Name) IsManifest() bool {
	return n.Last() == ManifestComponent
}

// Sequence decodes the trailing sequence component.
func (n Name) Sequence() (uint64, error) {
	last := n.Last()
	if last == "" {
		return 0, fmt.Errorf("name %s has no sequence component", n)
	}
	seq, err := strconv.ParseUint(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("name %s: bad sequence component %q", n, last)
	}
	return seq, nil
}
