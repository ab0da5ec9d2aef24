package source

import (
	"sort"
	"strings"
)

// ConferenceMap tracks every source advertised in one conference, keyed by
// the owning endpoint. Mutations are transactional: TryAdd and TryRemove
// either commit a set that satisfies every consistency rule or leave the map
// untouched and report why.
//
// The map is not safe for concurrent use. The conference controller mutates
// it exclusively from the conference queue, which is the only place source
// advertisements are processed.
type ConferenceMap struct {
	endpoints map[EndpointID]EndpointSet
	// owners indexes every committed SSRC back to its endpoint, so that the
	// conference-wide uniqueness check is a lookup rather than a scan.
	owners map[Ssrc]EndpointID
	// maxSourcesPerEndpoint caps the committed sources of one endpoint.
	// Non-positive disables the cap.
	maxSourcesPerEndpoint int
}

// NewConferenceMap returns an empty map enforcing the given per-endpoint
// source cap on every add.
func NewConferenceMap(maxSourcesPerEndpoint int) *ConferenceMap {
	return &ConferenceMap{
		endpoints:             make(map[EndpointID]EndpointSet),
		owners:                make(map[Ssrc]EndpointID),
		maxSourcesPerEndpoint: maxSourcesPerEndpoint,
	}
}

// Endpoint returns a snapshot of the endpoint's committed set. The snapshot
// is independent of later mutations.
func (m *ConferenceMap) Endpoint(id EndpointID) EndpointSet {
	return m.endpoints[id].Clone()
}

// Snapshot returns an independent copy of the whole map, for building offers
// and fan-out source lists.
func (m *ConferenceMap) Snapshot() map[EndpointID]EndpointSet {
	snapshot := make(map[EndpointID]EndpointSet, len(m.endpoints))
	for id, set := range m.endpoints {
		snapshot[id] = set.Clone()
	}
	return snapshot
}

// Endpoints lists the ids that currently own at least one source, sorted for
// deterministic iteration.
func (m *ConferenceMap) Endpoints() []EndpointID {
	ids := make([]EndpointID, 0, len(m.endpoints))
	for id := range m.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Size is the total number of committed sources across all endpoints.
func (m *ConferenceMap) Size() int {
	total := 0
	for _, set := range m.endpoints {
		total += len(set.Sources)
	}
	return total
}

// Owner resolves which endpoint advertised the SSRC, if any.
func (m *ConferenceMap) Owner(ssrc Ssrc) (EndpointID, bool) {
	owner, ok := m.owners[ssrc]
	return owner, ok
}

// TryAdd merges the proposed sources and groups into the endpoint's set and
// returns exactly the subset that was added. Entries identical to already
// committed ones are silently skipped. If any rule would be violated the map
// is left unchanged and a *ValidationError says which rule.
func (m *ConferenceMap) TryAdd(id EndpointID, proposed EndpointSet) (EndpointSet, error) {
	requested, err := normalize(proposed)
	if err != nil {
		return EndpointSet{}, err
	}
	current := m.endpoints[id]

	var added EndpointSet
	for _, src := range requested.Sources {
		owner, owned := m.owners[src.Ssrc]
		if !owned {
			added.Sources = append(added.Sources, src)
			continue
		}
		if owner != id {
			return EndpointSet{}, errorf(CodeDuplicateSsrc,
				"ssrc %d already advertised by endpoint %s", src.Ssrc, owner)
		}
		if stored, _ := current.FindSource(src.Ssrc); stored != src {
			return EndpointSet{}, errorf(CodeDuplicateSsrc,
				"ssrc %d already advertised with different attributes", src.Ssrc)
		}
	}
	for _, group := range requested.Groups {
		if !current.HasGroup(group) {
			added.Groups = append(added.Groups, group)
		}
	}
	if added.IsEmpty() {
		return EndpointSet{}, nil
	}

	if m.maxSourcesPerEndpoint > 0 &&
		len(current.Sources)+len(added.Sources) > m.maxSourcesPerEndpoint {
		return EndpointSet{}, errorf(CodeLimit,
			"endpoint %s would own %d sources, cap is %d",
			id, len(current.Sources)+len(added.Sources), m.maxSourcesPerEndpoint)
	}

	candidate := current.Clone()
	candidate.Sources = append(candidate.Sources, added.Sources...)
	candidate.Groups = append(candidate.Groups, added.Groups...)
	if err := validateEndpoint(candidate); err != nil {
		return EndpointSet{}, err
	}

	m.endpoints[id] = candidate
	for _, src := range added.Sources {
		m.owners[src.Ssrc] = id
	}
	// The committed groups and the returned ones must not share member
	// slices, otherwise a caller holding the result could mutate the map.
	return added.Clone(), nil
}

// TryRemove removes the intersection of the requested set with the
// endpoint's committed set and returns the removed entries as committed
// (full attributes, so that re-adding the result restores the exact state).
// Sources intersect by SSRC, groups by equality. An empty intersection is a
// no-op. If dropping the intersection would leave the endpoint inconsistent
// (a half-removed retransmission pair, an orphaned msid share) nothing is
// removed.
func (m *ConferenceMap) TryRemove(id EndpointID, requested EndpointSet) (EndpointSet, error) {
	current, ok := m.endpoints[id]
	if !ok {
		return EndpointSet{}, nil
	}

	var removed EndpointSet
	for _, src := range requested.Sources {
		stored, found := current.FindSource(src.Ssrc)
		if !found {
			continue
		}
		if _, already := removed.FindSource(src.Ssrc); !already {
			removed.Sources = append(removed.Sources, stored)
		}
	}
	for _, group := range requested.Groups {
		if len(group.Ssrcs) == 0 {
			continue
		}
		if current.HasGroup(group) && !removed.HasGroup(group) {
			removed.Groups = append(removed.Groups, group.Clone())
		}
	}
	if removed.IsEmpty() {
		return EndpointSet{}, nil
	}

	var candidate EndpointSet
	for _, src := range current.Sources {
		if _, gone := removed.FindSource(src.Ssrc); !gone {
			candidate.Sources = append(candidate.Sources, src)
		}
	}
	for _, group := range current.Groups {
		if !removed.HasGroup(group) {
			candidate.Groups = append(candidate.Groups, group.Clone())
		}
	}
	if err := validateEndpoint(candidate); err != nil {
		return EndpointSet{}, err
	}

	if candidate.IsEmpty() {
		delete(m.endpoints, id)
	} else {
		m.endpoints[id] = candidate
	}
	for _, src := range removed.Sources {
		delete(m.owners, src.Ssrc)
	}
	return removed, nil
}

// RemoveEndpoint drops the endpoint's whole set without validation (an empty
// set is always consistent) and returns what was removed.
func (m *ConferenceMap) RemoveEndpoint(id EndpointID) EndpointSet {
	current, ok := m.endpoints[id]
	if !ok {
		return EndpointSet{}
	}
	delete(m.endpoints, id)
	for _, src := range current.Sources {
		delete(m.owners, src.Ssrc)
	}
	return current
}

func (m *ConferenceMap) String() string {
	parts := make([]string, 0, len(m.endpoints))
	for _, id := range m.Endpoints() {
		parts = append(parts, string(id)+"="+m.endpoints[id].String())
	}
	return "ConferenceMap{" + strings.Join(parts, " ") + "}"
}

// normalize cleans one advertisement before it is matched against committed
// state: zero SSRCs are rejected, repeated identical entries collapse, empty
// groups (a parser artifact) are dropped, and the same SSRC listed twice
// with different attributes is a conflict within the advertisement itself.
func normalize(proposed EndpointSet) (EndpointSet, error) {
	var out EndpointSet
	for _, src := range proposed.Sources {
		if src.Ssrc == 0 {
			return EndpointSet{}, errorf(CodeInvalidSsrc, "ssrc 0 is not a valid source")
		}
		if existing, ok := out.FindSource(src.Ssrc); ok {
			if existing == src {
				continue
			}
			return EndpointSet{}, errorf(CodeDuplicateSsrc,
				"ssrc %d listed twice with different attributes", src.Ssrc)
		}
		out.Sources = append(out.Sources, src)
	}
	for _, group := range proposed.Groups {
		if len(group.Ssrcs) == 0 {
			continue
		}
		if !out.HasGroup(group) {
			out.Groups = append(out.Groups, group.Clone())
		}
	}
	return out, nil
}

// validateEndpoint checks one endpoint's candidate set against every
// consistency rule that is local to an endpoint: SSRC uniqueness, group
// membership, media and stream identity uniformity inside groups, msid
// sharing restricted to a single group family, simulcast layers each backed
// by a retransmission pair. Cross-endpoint uniqueness is enforced by the
// owners index before this runs.
func validateEndpoint(set EndpointSet) error {
	seen := make(map[Ssrc]bool, len(set.Sources))
	for _, src := range set.Sources {
		if src.Ssrc == 0 {
			return errorf(CodeInvalidSsrc, "ssrc 0 is not a valid source")
		}
		if seen[src.Ssrc] {
			return errorf(CodeDuplicateSsrc, "ssrc %d appears twice", src.Ssrc)
		}
		seen[src.Ssrc] = true
	}

	// Group members connected by any group form a family. Union-find keeps
	// that cheap; paths are tiny (a simulcast family has at most a handful
	// of members).
	parent := make(map[Ssrc]Ssrc)
	var find func(Ssrc) Ssrc
	find = func(ssrc Ssrc) Ssrc {
		root, ok := parent[ssrc]
		if !ok {
			parent[ssrc] = ssrc
			return ssrc
		}
		if root == ssrc {
			return ssrc
		}
		root = find(root)
		parent[ssrc] = root
		return root
	}
	union := func(a, b Ssrc) {
		parent[find(a)] = find(b)
	}

	grouped := make(map[Ssrc]bool)
	for _, group := range set.Groups {
		if len(group.Ssrcs) < 2 {
			return errorf(CodeGroupedSourceMissing,
				"%s group lists %d sources, need at least two", group.Semantics, len(group.Ssrcs))
		}
		twoMemberSemantics := group.Semantics == SemanticsFid ||
			group.Semantics == SemanticsFec || group.Semantics == SemanticsRed
		if twoMemberSemantics && len(group.Ssrcs) != 2 {
			return errorf(CodeGroupedSourceMissing,
				"%s group must pair exactly two sources, has %d", group.Semantics, len(group.Ssrcs))
		}

		members := make([]Source, 0, len(group.Ssrcs))
		for _, ssrc := range group.Ssrcs {
			src, found := set.FindSource(ssrc)
			if !found {
				return errorf(CodeGroupedSourceMissing,
					"%s group references ssrc %d which the endpoint does not own",
					group.Semantics, ssrc)
			}
			members = append(members, src)
		}

		primary := members[0]
		for _, member := range members[1:] {
			if member.MediaType != primary.MediaType {
				return errorf(CodeGroupMediaMismatch,
					"%s group mixes %s and %s sources",
					group.Semantics, primary.MediaType, member.MediaType)
			}
			if member.Cname != primary.Cname {
				return errorf(CodeMsidConflict,
					"%s group members disagree on cname (%q vs %q)",
					group.Semantics, primary.Cname, member.Cname)
			}
		}

		// Grouped sources carry the stream identity of their primary. Only
		// FEC secondaries may leave it implicit.
		if primary.Msid == "" {
			return errorf(CodeMsidConflict,
				"%s group primary %d has no msid", group.Semantics, primary.Ssrc)
		}
		for _, member := range members[1:] {
			if member.Msid == primary.Msid {
				continue
			}
			if group.Semantics == SemanticsFec && member.Msid == "" {
				continue
			}
			return errorf(CodeMsidConflict,
				"%s group members disagree on msid (%q vs %q)",
				group.Semantics, primary.Msid, member.Msid)
		}

		for _, ssrc := range group.Ssrcs {
			grouped[ssrc] = true
			union(group.Ssrcs[0], ssrc)
		}
	}

	// An msid shared by two sources means "same stream", which is only
	// coherent inside one group family.
	byMsid := make(map[string][]Source)
	for _, src := range set.Sources {
		if src.Msid != "" {
			byMsid[src.Msid] = append(byMsid[src.Msid], src)
		}
	}
	for msid, sharers := range byMsid {
		if len(sharers) < 2 {
			continue
		}
		for _, src := range sharers {
			if !grouped[src.Ssrc] {
				return errorf(CodeMsidConflict,
					"msid %q reused by ungrouped ssrc %d", msid, src.Ssrc)
			}
		}
		family := find(sharers[0].Ssrc)
		for _, src := range sharers[1:] {
			if find(src.Ssrc) != family {
				return errorf(CodeMsidConflict,
					"msid %q shared across unrelated groups", msid)
			}
		}
	}

	// Distinct simulcast groups are distinct tracks, so they never share a
	// stream identity. Distinct retransmission pairs may, but only as layers
	// of one simulcast family.
	simMsids := make(map[string]bool)
	simFamilies := make(map[Ssrc]bool)
	fidFamiliesByMsid := make(map[string][]Ssrc)
	for _, group := range set.Groups {
		primary, _ := set.FindSource(group.Primary())
		family := find(group.Primary())
		switch group.Semantics {
		case SemanticsSim:
			if simMsids[primary.Msid] {
				return errorf(CodeMsidConflict,
					"two SIM groups share msid %q", primary.Msid)
			}
			simMsids[primary.Msid] = true
			simFamilies[family] = true
		case SemanticsFid:
			fidFamiliesByMsid[primary.Msid] = append(fidFamiliesByMsid[primary.Msid], family)
		}
	}
	for msid, families := range fidFamiliesByMsid {
		if len(families) < 2 {
			continue
		}
		for _, family := range families[1:] {
			if family != families[0] {
				return errorf(CodeMsidConflict,
					"two FID groups share msid %q", msid)
			}
		}
		if !simFamilies[families[0]] {
			return errorf(CodeMsidConflict,
				"two FID groups share msid %q outside a simulcast family", msid)
		}
	}

	// Every simulcast layer needs its own retransmission pair, base layer
	// included.
	fidPrimaries := make(map[Ssrc]bool)
	for _, group := range set.Groups {
		if group.Semantics == SemanticsFid {
			fidPrimaries[group.Primary()] = true
		}
	}
	for _, group := range set.Groups {
		if group.Semantics != SemanticsSim {
			continue
		}
		for _, layer := range group.Ssrcs {
			if !fidPrimaries[layer] {
				return errorf(CodeGroupedSourceMissing,
					"simulcast layer %d has no retransmission pair", layer)
			}
		}
	}

	return nil
}
