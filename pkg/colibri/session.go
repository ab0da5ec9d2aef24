package colibri

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/riverine/headwater/pkg/bridge"
	"github.com/riverine/headwater/pkg/source"
	"github.com/riverine/headwater/pkg/worker"
)

// relayState is one directed relay from this session's bridge toward a peer
// bridge.
type relayState struct {
	peerRelayID string
	meshID      string
	// initiator is this end's half of the complementary role split.
	initiator bool
	created   bool
	// transport is this bridge's relay transport from its create response,
	// kept so late mesh joiners can still receive it.
	transport *Transport
}

// BridgeSession is the control session between one conference and one
// bridge. Requests to the bridge are serialized through a single worker so
// that no two in-flight requests can carry conflicting diffs.
type BridgeSession struct {
	logger *logrus.Entry

	id     string
	bridge bridge.Bridge

	// created gates the create-conference directive: the first request of a
	// session asks the bridge to instantiate the conference.
	created bool
	// failed sessions are skipped by every later operation until the
	// manager discards them.
	failed bool

	participants map[source.EndpointID]bool
	feedback     source.EndpointSet
	relays       map[string]*relayState

	requests *worker.Worker[func()]
}

func newBridgeSession(b bridge.Bridge, conferenceLogger *logrus.Entry) *BridgeSession {
	session := &BridgeSession{
		logger:       conferenceLogger.WithField("bridge", b.JID),
		id:           uuid.NewString(),
		bridge:       b,
		participants: make(map[source.EndpointID]bool),
		relays:       make(map[string]*relayState),
	}
	session.requests = worker.StartWorker(worker.Config[func()]{
		ChannelSize: 64,
		Timeout:     time.Hour,
		OnTimeout:   func() {},
		OnTask:      func(task func()) { task() },
	})
	return session
}

// ID is the session identifier, fresh per (conference, bridge) pairing.
func (s *BridgeSession) ID() string {
	return s.id
}

// Bridge is the session's bridge record as of session creation.
func (s *BridgeSession) Bridge() bridge.Bridge {
	return s.bridge
}

// Created reports whether the bridge has acknowledged the conference.
func (s *BridgeSession) Created() bool {
	return s.created
}

// Feedback is the bridge's advertised feedback source set.
func (s *BridgeSession) Feedback() source.EndpointSet {
	return s.feedback.Clone()
}

// Participants lists the endpoints allocated on this session, sorted.
func (s *BridgeSession) Participants() []source.EndpointID {
	ids := maps.Keys(s.participants)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ParticipantCount is the number of endpoints allocated on this session.
func (s *BridgeSession) ParticipantCount() int {
	return len(s.participants)
}

// RelayPeers lists the relay ids of the bridges this session relays to,
// sorted.
func (s *BridgeSession) RelayPeers() []string {
	peers := maps.Keys(s.relays)
	sort.Strings(peers)
	return peers
}

// hasPendingRelays reports whether any relay of this session has not been
// acknowledged by the bridge yet.
func (s *BridgeSession) hasPendingRelays() bool {
	for _, relay := range s.relays {
		if !relay.created {
			return true
		}
	}
	return false
}

// submit queues a request task on the session's serial lane. Returns false
// when the lane is gone or stuffed, which the caller treats like a failed
// bridge.
func (s *BridgeSession) submit(task func()) bool {
	if err := s.requests.Send(task); err != nil {
		s.logger.WithError(err).Error("Cannot queue colibri request")
		return false
	}
	return true
}

func (s *BridgeSession) stop() {
	s.requests.Stop()
}
