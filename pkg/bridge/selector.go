package bridge

import (
	"github.com/sirupsen/logrus"

	"github.com/riverine/headwater/pkg/metrics"
)

// Selector combines the registry with a strategy and enforces the rule that
// a conference never cascades onto bridges that cannot relay.
type Selector struct {
	logger   *logrus.Entry
	registry *Registry
	strategy Strategy
}

func NewSelector(registry *Registry, strategy Strategy) *Selector {
	return &Selector{
		logger:   logrus.WithField("component", "bridge-selector"),
		registry: registry,
		strategy: strategy,
	}
}

// Registry exposes the backing registry, e.g. for flagging a bridge after a
// failed request.
func (s *Selector) Registry() *Registry {
	return s.registry
}

// Select picks a bridge for a participant. conference lists the bridges the
// conference already uses, in the order they joined it.
//
// When the strategy picks a bridge outside the conference but either end of
// the would-be relay pair has no relay id, the choice is clamped back to the
// conference's existing bridge: a cascade without relays would strand the
// participants on islands.
func (s *Selector) Select(conference []ConferenceBridge, participantRegion string) (Bridge, bool) {
	chosen, ok := s.strategy.Select(s.registry.Candidates(), conference, participantRegion)
	if !ok {
		return Bridge{}, false
	}

	if len(conference) > 0 && !inConference(conference, chosen.JID) {
		anchor := conference[0].Bridge
		if chosen.RelayID == "" || anchor.RelayID == "" {
			s.logger.Warnf("Cannot cascade to %s (relay=%q, anchor relay=%q), keeping %s",
				chosen.JID, chosen.RelayID, anchor.RelayID, anchor.JID)
			metrics.SelectorDecisions.WithLabelValues(BranchNoRelayClamp).Inc()
			return anchor, true
		}
	}
	return chosen, true
}
