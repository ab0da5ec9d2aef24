package colibri

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverine/headwater/pkg/bridge"
	"github.com/riverine/headwater/pkg/source"
)

type fakeSender struct {
	mutex    sync.Mutex
	requests []Request
	respond  func(Request) (*Response, error)
}

func (f *fakeSender) SendRequest(_ context.Context, request Request) (*Response, error) {
	f.mutex.Lock()
	f.requests = append(f.requests, request)
	respond := f.respond
	f.mutex.Unlock()
	return respond(request)
}

func (f *fakeSender) recorded() []Request {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]Request(nil), f.requests...)
}

func (f *fakeSender) requestsTo(bridgeJID string) []Request {
	var matched []Request
	for _, request := range f.recorded() {
		if request.Bridge == bridgeJID {
			matched = append(matched, request)
		}
	}
	return matched
}

// respondOK answers every request the way a healthy bridge would: a transport
// per endpoint, a relay transport per freshly created relay, and the bridge's
// feedback sources.
func respondOK(request Request) (*Response, error) {
	conference := &ModifiedConference{
		Feedback: source.EndpointSet{Sources: []source.Source{
			{Ssrc: 9999, MediaType: source.MediaAudio, Cname: "mixed"},
		}},
	}
	for _, endpoint := range request.Endpoints {
		if endpoint.Expire {
			continue
		}
		conference.Endpoints = append(conference.Endpoints, EndpointResponse{
			ID: endpoint.ID,
			Transport: &Transport{
				Ufrag:        "bridge-ufrag",
				Pwd:          "bridge-pwd",
				Fingerprints: []Fingerprint{{Hash: "sha-256", Value: "AA:BB", Setup: SetupActpass}},
			},
		})
	}
	for _, relay := range request.Relays {
		if relay.Create {
			conference.Relays = append(conference.Relays, RelayResponse{
				PeerRelayID: relay.PeerRelayID,
				Transport: &Transport{
					Ufrag:         "relay-ufrag",
					Pwd:           "relay-pwd",
					Fingerprints:  []Fingerprint{{Hash: "sha-256", Value: "CC:DD", Setup: SetupActpass}},
					WebsocketURLs: []string{"wss://" + request.Bridge + "/relay"},
				},
			})
		}
	}
	return &Response{Conference: conference}, nil
}

type recordedFailure struct {
	bridge    string
	endpoints []source.EndpointID
}

type recordingEvents struct {
	failures []recordedFailure
}

func (e *recordingEvents) SessionFailed(bridgeJID string, endpoints []source.EndpointID) {
	e.failures = append(e.failures, recordedFailure{bridgeJID, endpoints})
}

type harness struct {
	manager *Manager
	sender  *fakeSender
	events  *recordingEvents
	queue   chan func()

	allocations []*Allocation
	failures    []error
}

func newHarness(t *testing.T, bridges ...bridge.Bridge) *harness {
	t.Helper()

	registry := bridge.NewRegistry()
	for _, b := range bridges {
		registry.Upsert(b)
	}
	selector := bridge.NewSelector(registry, bridge.NewIntraRegionStrategy(-1))

	h := &harness{
		sender: &fakeSender{respond: respondOK},
		events: &recordingEvents{},
		queue:  make(chan func(), 256),
	}
	h.manager = NewManager(
		Config{ReplyTimeout: time.Second},
		"meeting-1",
		"weekly@conference.example.com",
		selector,
		h.sender,
		func(task func()) { h.queue <- task },
		h.events,
		logrus.WithField("test", t.Name()),
	)
	return h
}

// drain pumps the fake conference queue until it stays quiet, like the
// conference loop would.
func (h *harness) drain() {
	for {
		select {
		case task := <-h.queue:
			task()
		case <-time.After(150 * time.Millisecond):
			return
		}
	}
}

func (h *harness) allocate(id source.EndpointID, region string) {
	h.manager.Allocate(ParticipantInfo{
		ID:     id,
		Region: region,
		Sources: source.EndpointSet{Sources: []source.Source{
			{Ssrc: ssrcFor(id), MediaType: source.MediaAudio, Cname: string(id), Msid: string(id) + " a0"},
		}},
	}, func(allocation *Allocation, err error) {
		if err != nil {
			h.failures = append(h.failures, err)
			return
		}
		h.allocations = append(h.allocations, allocation)
	})
	h.drain()
}

func ssrcFor(id source.EndpointID) source.Ssrc {
	ssrc := source.Ssrc(1)
	for _, b := range []byte(id) {
		ssrc = ssrc*31 + source.Ssrc(b)
	}
	if ssrc == 0 {
		ssrc = 1
	}
	return ssrc
}

func euBridges() []bridge.Bridge {
	return []bridge.Bridge{
		{JID: "jvb1.example.com", Region: "eu", RelayID: "r1", Operational: true},
		{JID: "jvb2.example.com", Region: "eu", RelayID: "r2", Operational: true},
		{JID: "jvb3.example.com", Region: "us", RelayID: "r3", Operational: true},
	}
}

func TestSameRegionStaysOnOneBridge(t *testing.T) {
	h := newHarness(t, euBridges()...)

	h.allocate("e1", "eu")
	h.allocate("e2", "eu")

	require.Len(t, h.allocations, 2)
	require.Empty(t, h.failures)
	assert.Equal(t, "jvb1.example.com", h.allocations[0].Bridge)
	assert.Equal(t, "jvb1.example.com", h.allocations[1].Bridge)
	assert.Equal(t, h.allocations[0].SessionID, h.allocations[1].SessionID)
	assert.Equal(t, 1, h.manager.SessionCount())

	session, ok := h.manager.Session("jvb1.example.com")
	require.True(t, ok)
	assert.Equal(t, []source.EndpointID{"e1", "e2"}, session.Participants())
	assert.Empty(t, session.RelayPeers())

	// Only the first request carries the create-conference directive.
	requests := h.sender.recorded()
	require.Len(t, requests, 2)
	assert.True(t, requests[0].Create)
	assert.False(t, requests[1].Create)
	assert.True(t, session.Created())
	assert.False(t, h.allocations[0].Feedback.IsEmpty())
}

func TestCascadeAcrossRegions(t *testing.T) {
	h := newHarness(t, euBridges()...)

	h.allocate("e1", "eu")
	h.allocate("e2", "us")

	require.Len(t, h.allocations, 2)
	require.Empty(t, h.failures)
	assert.Equal(t, "jvb1.example.com", h.allocations[0].Bridge)
	assert.Equal(t, "jvb3.example.com", h.allocations[1].Bridge)
	assert.Equal(t, 2, h.manager.SessionCount())

	// The relay pair exists in both directions with complementary roles.
	eu, _ := h.manager.Session("jvb1.example.com")
	us, _ := h.manager.Session("jvb3.example.com")
	require.Equal(t, []string{"r1"}, us.RelayPeers())
	require.Equal(t, []string{"r3"}, eu.RelayPeers())
	assert.True(t, us.relays["r1"].initiator)
	assert.False(t, eu.relays["r3"].initiator)
	assert.True(t, h.manager.Cascade().PathExists("r1", "r3"))

	// The joining bridge got the relay create with the eu participant
	// advertised as a remote endpoint.
	usRequests := h.sender.requestsTo("jvb3.example.com")
	require.NotEmpty(t, usRequests)
	require.Len(t, usRequests[0].Relays, 1)
	create := usRequests[0].Relays[0]
	assert.True(t, create.Create)
	assert.True(t, create.Initiator)
	require.Len(t, create.RemoteEndpoints, 1)
	assert.Equal(t, source.EndpointID("e1"), create.RemoteEndpoints[0].ID)

	// The eu bridge then received the us relay transport, rewritten from
	// actpass to the initiator's active role.
	var forwarded *RelayDirective
	for _, request := range h.sender.requestsTo("jvb1.example.com") {
		for i, relay := range request.Relays {
			if relay.Transport != nil {
				forwarded = &request.Relays[i]
			}
		}
	}
	require.NotNil(t, forwarded)
	assert.False(t, forwarded.Initiator)
	require.NotEmpty(t, forwarded.Transport.Fingerprints)
	assert.Equal(t, SetupActive, forwarded.Transport.Fingerprints[0].Setup)
	assert.Empty(t, forwarded.Transport.WebsocketURLs)
}

func TestBridgesDownReturnsAffectedEndpoints(t *testing.T) {
	h := newHarness(t, euBridges()...)

	h.allocate("e1", "eu")
	h.allocate("e2", "eu")

	affected := h.manager.BridgesDown([]string{"jvb1.example.com"})
	assert.Equal(t, []source.EndpointID{"e1", "e2"}, affected)
	assert.Equal(t, 0, h.manager.SessionCount())

	// Re-inviting allocates a fresh session with a create directive.
	before := len(h.sender.recorded())
	h.allocate("e1", "eu")
	require.Len(t, h.allocations, 3)
	fresh := h.sender.recorded()[before]
	assert.True(t, fresh.Create)
}

func TestUpdateFailureKillsSessionAndReports(t *testing.T) {
	h := newHarness(t, euBridges()...)

	h.allocate("e1", "eu")
	h.allocate("e2", "eu")

	h.sender.respond = func(Request) (*Response, error) {
		return &Response{Error: &ResponseError{Reason: ReasonInternalError, Message: "boom"}}, nil
	}
	h.manager.UpdateSources("e1", source.EndpointSet{Sources: []source.Source{
		{Ssrc: 42, MediaType: source.MediaAudio, Cname: "e1", Msid: "e1 a0"},
	}})
	h.drain()

	require.Len(t, h.events.failures, 1)
	assert.Equal(t, "jvb1.example.com", h.events.failures[0].bridge)
	assert.Equal(t, []source.EndpointID{"e1", "e2"}, h.events.failures[0].endpoints)
	assert.Equal(t, 0, h.manager.SessionCount())

	// The bridge is out of the candidate pool now; the next allocation
	// lands on its region sibling.
	h.sender.respond = respondOK
	h.allocate("e3", "eu")
	require.Len(t, h.allocations, 3)
	assert.Equal(t, "jvb2.example.com", h.allocations[2].Bridge)
}

func TestConferenceExpiredTriggersFreshCreate(t *testing.T) {
	h := newHarness(t, euBridges()...)

	h.allocate("e1", "eu")

	h.sender.respond = func(Request) (*Response, error) {
		return &Response{Error: &ResponseError{Reason: ReasonConferenceNotFound}}, nil
	}
	h.allocate("e2", "eu")

	require.Len(t, h.failures, 1)
	var expired *ConferenceExpiredError
	require.ErrorAs(t, h.failures[0], &expired)
	assert.True(t, expired.Restart)
	assert.Equal(t, 0, h.manager.SessionCount())

	h.sender.respond = respondOK
	before := len(h.sender.recorded())
	h.allocate("e2", "eu")
	assert.True(t, h.sender.recorded()[before].Create)
}

func TestRequestTimeoutIsDroppedSilently(t *testing.T) {
	h := newHarness(t, euBridges()...)
	h.allocate("e1", "eu")

	h.sender.respond = func(Request) (*Response, error) {
		return nil, context.DeadlineExceeded
	}
	h.allocate("e2", "eu")

	require.Len(t, h.failures, 1)
	assert.ErrorIs(t, h.failures[0], ErrRequestTimeout)
	// The session survives and the next request makes progress.
	assert.Equal(t, 1, h.manager.SessionCount())
	h.sender.respond = respondOK
	h.allocate("e2", "eu")
	require.Len(t, h.allocations, 2)
}

func TestExpireIsIdempotentAndExpiresSessionWithLastEndpoint(t *testing.T) {
	h := newHarness(t, euBridges()...)

	h.allocate("e1", "eu")
	h.allocate("e2", "eu")

	h.manager.Expire("e1")
	h.drain()
	before := len(h.sender.recorded())
	h.manager.Expire("e1")
	h.drain()
	assert.Len(t, h.sender.recorded(), before, "expiring an expired endpoint sends nothing")

	h.manager.Expire("e2")
	h.drain()
	assert.Equal(t, 0, h.manager.SessionCount())

	last := h.sender.recorded()[len(h.sender.recorded())-1]
	require.Len(t, last.Endpoints, 1)
	assert.True(t, last.Endpoints[0].Expire)
	assert.Equal(t, source.EndpointID("e2"), last.Endpoints[0].ID)
}

func TestForceMuteIsCoalescedPerSession(t *testing.T) {
	h := newHarness(t, euBridges()...)

	h.allocate("e1", "eu")
	h.allocate("e2", "eu")

	before := len(h.sender.recorded())
	h.manager.SetForceMute([]source.EndpointID{"e1", "e2"}, true, false)
	h.drain()

	requests := h.sender.recorded()[before:]
	require.Len(t, requests, 1)
	require.Len(t, requests[0].Endpoints, 2)
	for _, endpoint := range requests[0].Endpoints {
		require.NotNil(t, endpoint.ForceMuteAudio)
		assert.True(t, *endpoint.ForceMuteAudio)
		require.NotNil(t, endpoint.ForceMuteVideo)
		assert.False(t, *endpoint.ForceMuteVideo)
	}
}

func TestDisposeFailsPendingAllocations(t *testing.T) {
	h := newHarness(t, euBridges()...)
	h.manager.Dispose()

	h.manager.Allocate(ParticipantInfo{ID: "e1", Region: "eu"}, func(allocation *Allocation, err error) {
		require.Nil(t, allocation)
		var disposed *DisposedError
		require.ErrorAs(t, err, &disposed)
	})
}
