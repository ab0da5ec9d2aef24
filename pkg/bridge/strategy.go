package bridge

import (
	"sync"

	"github.com/riverine/headwater/pkg/metrics"
)

// Decision branches of the built-in strategy, used as metric labels and in
// the stats snapshot.
const (
	BranchFirstRegionMatch        = "first_region_match"
	BranchFirstLeastLoaded        = "first_least_loaded"
	BranchParticipantRegionInConf = "participant_region_in_conference"
	BranchParticipantRegion       = "participant_region_candidate"
	BranchAnchorRegionInConf      = "anchor_region_in_conference"
	BranchAnchorRegion            = "anchor_region_candidate"
	BranchAnchorLeastLoaded       = "anchor_region_least_loaded"
	BranchNone                    = "none"
	BranchNoRelayClamp            = "no_relay_clamp"
	BranchDelegated               = "delegated"
)

// Strategy picks one bridge for a participant, or reports that none is
// suitable.
type Strategy interface {
	Select(candidates []Bridge, conference []ConferenceBridge, participantRegion string) (Bridge, bool)
}

// IntraRegionStrategy is the built-in selection algorithm. A conference
// starts in the first participant's region and grows extra bridges in the
// region of whoever joins next; the first bridge's region anchors the
// fallback for participants without a region of their own.
type IntraRegionStrategy struct {
	// maxPerBridge caps one conference's participants per bridge,
	// non-positive disables the cap.
	maxPerBridge int

	mutex     sync.Mutex
	decisions map[string]int
}

func NewIntraRegionStrategy(maxParticipantsPerBridge int) *IntraRegionStrategy {
	return &IntraRegionStrategy{
		maxPerBridge: maxParticipantsPerBridge,
		decisions:    make(map[string]int),
	}
}

func (s *IntraRegionStrategy) Select(
	candidates []Bridge,
	conference []ConferenceBridge,
	participantRegion string,
) (Bridge, bool) {
	chosen, branch, ok := s.decide(candidates, conference, participantRegion)
	s.record(branch)
	return chosen, ok
}

func (s *IntraRegionStrategy) decide(
	candidates []Bridge,
	conference []ConferenceBridge,
	participantRegion string,
) (Bridge, string, bool) {
	// Graceful-shutdown bridges finish the conferences they already host
	// but take no new ones.
	usable := filterBridges(candidates, func(b Bridge) bool {
		return !b.GracefulShutdown || inConference(conference, b.JID)
	})
	fresh := func(b Bridge) bool {
		return !overloadedFor(b, conference, s.maxPerBridge)
	}

	if len(conference) == 0 {
		if participantRegion != "" {
			inRegion := filterBridges(usable, func(b Bridge) bool {
				return b.Region == participantRegion && fresh(b)
			})
			if chosen, ok := leastStressed(inRegion); ok {
				return chosen, BranchFirstRegionMatch, true
			}
		}
		if chosen, ok := leastStressed(filterBridges(usable, fresh)); ok {
			return chosen, BranchFirstLeastLoaded, true
		}
		// Everything is overloaded: least loaded still beats refusing the
		// first participant.
		if chosen, ok := leastStressed(usable); ok {
			return chosen, BranchFirstLeastLoaded, true
		}
		return Bridge{}, BranchNone, false
	}

	if participantRegion != "" {
		own := filterBridges(usable, func(b Bridge) bool {
			return b.Region == participantRegion && inConference(conference, b.JID) && fresh(b)
		})
		if chosen, ok := leastStressed(own); ok {
			return chosen, BranchParticipantRegionInConf, true
		}
		anywhere := filterBridges(usable, func(b Bridge) bool {
			return b.Region == participantRegion && fresh(b)
		})
		if chosen, ok := leastStressed(anywhere); ok {
			return chosen, BranchParticipantRegion, true
		}
	}

	anchorRegion := conference[0].Bridge.Region
	anchorInConf := filterBridges(usable, func(b Bridge) bool {
		return b.Region == anchorRegion && inConference(conference, b.JID) && fresh(b)
	})
	if chosen, ok := leastStressed(anchorInConf); ok {
		return chosen, BranchAnchorRegionInConf, true
	}
	anchorAny := filterBridges(usable, func(b Bridge) bool {
		return b.Region == anchorRegion && fresh(b)
	})
	if chosen, ok := leastStressed(anchorAny); ok {
		return chosen, BranchAnchorRegion, true
	}
	// Last resort: an overloaded conference bridge in the anchor region.
	anchorLoaded := filterBridges(usable, func(b Bridge) bool {
		return b.Region == anchorRegion && inConference(conference, b.JID)
	})
	if chosen, ok := leastStressed(anchorLoaded); ok {
		return chosen, BranchAnchorLeastLoaded, true
	}
	return Bridge{}, BranchNone, false
}

func (s *IntraRegionStrategy) record(branch string) {
	metrics.SelectorDecisions.WithLabelValues(branch).Inc()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.decisions[branch]++
}

// Snapshot returns a copy of the per-branch decision counts.
func (s *IntraRegionStrategy) Snapshot() map[string]int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	snapshot := make(map[string]int, len(s.decisions))
	for branch, count := range s.decisions {
		snapshot[branch] = count
	}
	return snapshot
}
