// Package bridge tracks the media bridges available to the focus and picks
// one for every allocation decision. The registry is the only piece of
// global mutable state in the focus besides the metric counters; everything
// else lives behind per-conference queues.
package bridge

// Bridge is the registry's record of one media relay, as reported by its
// latest stats.
type Bridge struct {
	// JID is the bridge's control address and its identity everywhere.
	JID     string
	Region  string
	Version string

	// RelayID names this bridge in cascade topologies. A bridge without a
	// relay id cannot participate in a multi-bridge conference.
	RelayID string

	// Stress is the load the bridge last reported, 0 is idle.
	Stress float64
	// Overloaded is the stats reporter's own verdict; the selector also
	// derives per-conference overload from participant caps.
	Overloaded bool

	Operational      bool
	GracefulShutdown bool
	Draining         bool

	Colibri2 bool
}

// ConferenceBridge pairs a bridge with the number of this conference's
// participants it hosts. Order reflects the order the bridges joined the
// conference; the first entry anchors the conference region.
type ConferenceBridge struct {
	Bridge       Bridge
	Participants int
}

// overloadedFor reports whether the bridge must not take another participant
// of this conference: either the stats reporter flagged it, or it already
// hosts maxPerBridge of the conference's participants (non-positive cap
// disables the latter).
func overloadedFor(b Bridge, conference []ConferenceBridge, maxPerBridge int) bool {
	if b.Overloaded {
		return true
	}
	if maxPerBridge <= 0 {
		return false
	}
	for _, cb := range conference {
		if cb.Bridge.JID == b.JID && cb.Participants >= maxPerBridge {
			return true
		}
	}
	return false
}

func inConference(conference []ConferenceBridge, jid string) bool {
	for _, cb := range conference {
		if cb.Bridge.JID == jid {
			return true
		}
	}
	return false
}

// leastStressed picks the lowest-stress bridge, ties resolved by candidate
// order (the registry hands candidates out sorted by JID).
func leastStressed(candidates []Bridge) (Bridge, bool) {
	if len(candidates) == 0 {
		return Bridge{}, false
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Stress < best.Stress {
			best = candidate
		}
	}
	return best, true
}

func filterBridges(candidates []Bridge, keep func(Bridge) bool) []Bridge {
	var kept []Bridge
	for _, candidate := range candidates {
		if keep(candidate) {
			kept = append(kept, candidate)
		}
	}
	return kept
}
