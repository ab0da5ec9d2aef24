package source

import (
	"sort"
	"strings"

	"golang.org/x/exp/slices"
)

// EndpointSet is the set of sources and groups owned by a single endpoint.
// It is a plain value: cloning is cheap and the validator works on throwaway
// copies so that a failed mutation never leaves partial effects behind.
type EndpointSet struct {
	Sources []Source
	Groups  []Group
}

// IsEmpty reports whether the set carries neither sources nor groups.
func (s EndpointSet) IsEmpty() bool {
	return len(s.Sources) == 0 && len(s.Groups) == 0
}

// Clone copies the set deeply enough for independent mutation.
func (s EndpointSet) Clone() EndpointSet {
	clone := EndpointSet{Sources: slices.Clone(s.Sources)}
	if len(s.Groups) > 0 {
		clone.Groups = make([]Group, 0, len(s.Groups))
		for _, group := range s.Groups {
			clone.Groups = append(clone.Groups, group.Clone())
		}
	}
	return clone
}

// FindSource returns the source with the given SSRC, if owned.
func (s EndpointSet) FindSource(ssrc Ssrc) (Source, bool) {
	for _, src := range s.Sources {
		if src.Ssrc == ssrc {
			return src, true
		}
	}
	return Source{}, false
}

// HasSource reports whether an identical source is already in the set.
func (s EndpointSet) HasSource(source Source) bool {
	return slices.Contains(s.Sources, source)
}

// HasGroup reports whether an equal group (same semantics, same ordered
// members) is already in the set.
func (s EndpointSet) HasGroup(group Group) bool {
	for _, g := range s.Groups {
		if g.Equal(group) {
			return true
		}
	}
	return false
}

// Ssrcs lists all owned SSRC values in ascending order.
func (s EndpointSet) Ssrcs() []Ssrc {
	ssrcs := make([]Ssrc, 0, len(s.Sources))
	for _, src := range s.Sources {
		ssrcs = append(ssrcs, src.Ssrc)
	}
	sort.Slice(ssrcs, func(i, j int) bool { return ssrcs[i] < ssrcs[j] })
	return ssrcs
}

// HasMedia reports whether the set owns at least one source of the media type.
func (s EndpointSet) HasMedia(media MediaType) bool {
	for _, src := range s.Sources {
		if src.MediaType == media {
			return true
		}
	}
	return false
}

// groupsOf filters the groups by semantics.
func (s EndpointSet) groupsOf(semantics Semantics) []Group {
	var result []Group
	for _, group := range s.Groups {
		if group.Semantics == semantics {
			result = append(result, group)
		}
	}
	return result
}

func (s EndpointSet) String() string {
	parts := make([]string, 0, len(s.Sources)+len(s.Groups))
	for _, src := range s.Sources {
		parts = append(parts, src.String())
	}
	for _, group := range s.Groups {
		parts = append(parts, group.String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// StripSimulcast returns a copy of the set with all secondary simulcast
// layers and their retransmission partners removed. The base layer and its
// own FID pair survive. Used when building offers for receivers that should
// never learn about the extra layers.
func (s EndpointSet) StripSimulcast() EndpointSet {
	dropped := make(map[Ssrc]bool)
	for _, sim := range s.groupsOf(SemanticsSim) {
		for _, layer := range sim.Ssrcs[1:] {
			dropped[layer] = true
		}
	}

	if len(dropped) == 0 {
		return s.Clone()
	}

	// An RTX partner of a dropped layer goes away together with its FID group.
	for _, fid := range s.groupsOf(SemanticsFid) {
		if len(fid.Ssrcs) == 2 && dropped[fid.Primary()] {
			dropped[fid.Ssrcs[1]] = true
		}
	}

	stripped := EndpointSet{}
	for _, src := range s.Sources {
		if !dropped[src.Ssrc] {
			stripped.Sources = append(stripped.Sources, src)
		}
	}
	for _, group := range s.Groups {
		if group.Semantics == SemanticsSim {
			continue
		}
		keep := true
		for _, member := range group.Ssrcs {
			if dropped[member] {
				keep = false
				break
			}
		}
		if keep {
			stripped.Groups = append(stripped.Groups, Group{
				Semantics: group.Semantics,
				Ssrcs:     slices.Clone(group.Ssrcs),
			})
		}
	}
	return stripped
}
