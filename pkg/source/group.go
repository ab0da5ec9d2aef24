package source

import (
	"fmt"
	"strings"
)

// Semantics tags a source group with its meaning per RFC 5576.
type Semantics string

const (
	// SemanticsFid pairs a primary source with its retransmission source.
	SemanticsFid Semantics = "FID"
	// SemanticsSim lists the simulcast layers of a video source, the first
	// entry being the base layer.
	SemanticsSim Semantics = "SIM"
	// SemanticsFec pairs a source with its forward-error-correction source.
	SemanticsFec Semantics = "FEC-FR"
	// SemanticsRed pairs a source with its redundancy encoding.
	SemanticsRed Semantics = "RED"
)

// Group is a semantic-tagged ordered list of SSRCs scoped to a single media
// type. The order matters: for FID/FEC-FR/RED the first member is the primary
// and for SIM the first member is the base layer.
type Group struct {
	Semantics Semantics
	Ssrcs     []Ssrc
}

// NewGroup is a shorthand used all over the tests.
func NewGroup(semantics Semantics, ssrcs ...Ssrc) Group {
	return Group{Semantics: semantics, Ssrcs: ssrcs}
}

// Equal reports whether two groups have the same semantics and the same
// SSRCs in the same order. Duplicate groups in an advertisement are deduped
// using this comparison.
func (g Group) Equal(other Group) bool {
	if g.Semantics != other.Semantics || len(g.Ssrcs) != len(other.Ssrcs) {
		return false
	}
	for i, ssrc := range g.Ssrcs {
		if other.Ssrcs[i] != ssrc {
			return false
		}
	}
	return true
}

// Clone returns a copy with its own member slice.
func (g Group) Clone() Group {
	return Group{Semantics: g.Semantics, Ssrcs: append([]Ssrc(nil), g.Ssrcs...)}
}

// Contains reports whether the group lists the given SSRC.
func (g Group) Contains(ssrc Ssrc) bool {
	for _, member := range g.Ssrcs {
		if member == ssrc {
			return true
		}
	}
	return false
}

// Primary is the first member of the group. Must not be called on an empty
// group (the validator drops those before anything else runs).
func (g Group) Primary() Ssrc {
	return g.Ssrcs[0]
}

func (g Group) String() string {
	parts := make([]string, len(g.Ssrcs))
	for i, ssrc := range g.Ssrcs {
		parts[i] = fmt.Sprint(uint32(ssrc))
	}
	return fmt.Sprintf("%s(%s)", g.Semantics, strings.Join(parts, ","))
}
