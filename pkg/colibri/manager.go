package colibri

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/riverine/headwater/pkg/bridge"
	"github.com/riverine/headwater/pkg/metrics"
	"github.com/riverine/headwater/pkg/source"
)

// Config of the session manager, per conference.
type Config struct {
	// ReplyTimeout bounds every bridge request. Expiry is logged and the
	// request dropped; it does not fail the session by itself.
	ReplyTimeout time.Duration `yaml:"replyTimeout"`
	// SctpRelays switches inter-bridge relays from websocket bridge
	// channels to SCTP data channels.
	SctpRelays bool `yaml:"sctpDatachannels"`
	// TranscriberURLTemplate resolves the per-request transcriber connect
	// URL; {region} and {meetingId} are substituted.
	TranscriberURLTemplate string `yaml:"transcriberUrl"`
}

// ParticipantInfo is what the manager needs to know about a participant to
// allocate it on a bridge.
type ParticipantInfo struct {
	ID      source.EndpointID
	StatsID string
	Region  string
	Sources source.EndpointSet
	UseSctp bool

	ForceMuteAudio bool
	ForceMuteVideo bool
}

// Allocation is the successful outcome of allocating one participant.
type Allocation struct {
	Bridge    string
	SessionID string
	Region    string
	Feedback  source.EndpointSet
	Transport Transport
	SctpPort  *uint16
}

// Events is how the manager reports failures it detects outside any
// participant's own allocation (relay breakdowns, failed updates). The
// conference reacts by re-inviting the listed endpoints.
type Events interface {
	SessionFailed(bridgeJID string, endpoints []source.EndpointID)
}

// ErrRequestTimeout marks a request that got no reply within the reply
// timeout. Per the error policy this is not a session failure: the request is
// dropped and a later request on the same session makes progress.
var ErrRequestTimeout = errors.New("no reply from bridge within the reply timeout")

// Manager keeps one BridgeSession per (conference, bridge) and reconciles the
// relay mesh between them.
//
// Every exported method must be called on the owning conference queue. The
// blocking bridge I/O runs on per-session workers; completion closures are
// funneled back onto the conference queue through the post function, so all
// manager state is mutated from a single lane.
type Manager struct {
	logger *logrus.Entry
	config Config

	meetingID    string
	conferenceID string

	selector *bridge.Selector
	sender   Sender
	post     func(func())
	events   Events

	sessions map[string]*BridgeSession
	// order remembers the sequence bridges joined the conference; the first
	// entry anchors the selection region.
	order   []string
	cascade *Cascade

	// participantSession and participantSources index the allocated
	// participants for relay re-advertisement and expiry.
	participantSession map[source.EndpointID]string
	participantSources map[source.EndpointID]source.EndpointSet

	disposed bool
}

func NewManager(
	config Config,
	meetingID string,
	conferenceID string,
	selector *bridge.Selector,
	sender Sender,
	post func(func()),
	events Events,
	logger *logrus.Entry,
) *Manager {
	return &Manager{
		logger:             logger.WithField("meeting_id", meetingID),
		config:             config,
		meetingID:          meetingID,
		conferenceID:       conferenceID,
		selector:           selector,
		sender:             sender,
		post:               post,
		events:             events,
		sessions:           make(map[string]*BridgeSession),
		cascade:            NewCascade(),
		participantSession: make(map[source.EndpointID]string),
		participantSources: make(map[source.EndpointID]source.EndpointSet),
	}
}

// ConferenceBridges lists the bridges of this conference in join order with
// their participant counts, the shape the selector consumes.
func (m *Manager) ConferenceBridges() []bridge.ConferenceBridge {
	bridges := make([]bridge.ConferenceBridge, 0, len(m.order))
	for _, jid := range m.order {
		session := m.sessions[jid]
		bridges = append(bridges, bridge.ConferenceBridge{
			Bridge:       session.bridge,
			Participants: session.ParticipantCount(),
		})
	}
	return bridges
}

// Session returns the session for a bridge, if one exists.
func (m *Manager) Session(bridgeJID string) (*BridgeSession, bool) {
	session, ok := m.sessions[bridgeJID]
	return session, ok
}

// SessionCount is the number of live bridge sessions.
func (m *Manager) SessionCount() int {
	return len(m.sessions)
}

// Cascade exposes the relay topology for inspection.
func (m *Manager) Cascade() *Cascade {
	return m.cascade
}

// Allocate picks a bridge for the participant and asks it for an endpoint.
// The outcome is delivered through onResult on the conference queue: either
// an Allocation or one of the typed failures. ErrRequestTimeout means the
// request was dropped without a verdict.
func (m *Manager) Allocate(p ParticipantInfo, onResult func(*Allocation, error)) {
	if m.disposed {
		onResult(nil, &DisposedError{})
		return
	}

	selected, ok := m.selector.Select(m.ConferenceBridges(), p.Region)
	if !ok {
		metrics.Allocations.WithLabelValues("selection_failed").Inc()
		onResult(nil, &SelectionFailedError{})
		return
	}

	session, relays := m.ensureSession(selected)

	directive := EndpointDirective{
		ID:      p.ID,
		Create:  true,
		StatsID: p.StatsID,
		Region:  p.Region,
		Sources: cloneSet(p.Sources),
		UseSctp: p.UseSctp,
	}
	if p.ForceMuteAudio {
		directive.ForceMuteAudio = boolPtr(true)
	}
	if p.ForceMuteVideo {
		directive.ForceMuteVideo = boolPtr(true)
	}

	request := m.newRequest(session)
	request.Endpoints = append(request.Endpoints, directive)
	request.Relays = relays
	request.TranscriberURL = resolveConnectURL(
		m.config.TranscriberURLTemplate, session.bridge.Region, m.meetingID)

	m.dispatch(session, request, func(response *Response, err error) {
		m.finishAllocate(session, p, response, err, onResult)
	})
}

func (m *Manager) finishAllocate(
	session *BridgeSession,
	p ParticipantInfo,
	response *Response,
	err error,
	onResult func(*Allocation, error),
) {
	if m.disposed {
		onResult(nil, &DisposedError{})
		return
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Not a failure by itself, but a timed-out relay create leaves
			// the mesh half-built, which only a re-invite can repair.
			session.logger.Warn("Allocation request timed out, dropping")
			if session.hasPendingRelays() {
				m.failSession(session)
			}
			onResult(nil, ErrRequestTimeout)
			return
		}
		session.logger.WithError(err).Error("Allocation request failed")
		m.discardFailedBridge(session)
		metrics.Allocations.WithLabelValues("bridge_failed").Inc()
		onResult(nil, &BridgeFailedError{Bridge: session.bridge.JID, Restart: true})
		return
	}

	if response.Error != nil {
		onResult(nil, m.translateError(session, response.Error))
		return
	}

	session.created = true
	session.feedback = response.Conference.Feedback.Clone()
	m.applyRelayResponses(session, response.Conference.Relays)

	endpoint, found := response.Conference.Endpoint(p.ID)
	if !found {
		session.logger.Warnf("Bridge response misses endpoint %s, re-inviting", p.ID)
		metrics.Allocations.WithLabelValues("bridge_failed").Inc()
		onResult(nil, &BridgeFailedError{Bridge: session.bridge.JID, Restart: true})
		return
	}

	session.participants[p.ID] = true
	m.participantSession[p.ID] = session.bridge.JID
	m.participantSources[p.ID] = p.Sources.Clone()
	m.advertiseRemote(session, p.ID, p.Sources)

	allocation := &Allocation{
		Bridge:    session.bridge.JID,
		SessionID: session.id,
		Region:    session.bridge.Region,
		Feedback:  session.Feedback(),
	}
	if endpoint.Transport != nil {
		allocation.Transport = endpoint.Transport.Clone()
	}
	if endpoint.SctpPort != nil {
		port := *endpoint.SctpPort
		allocation.SctpPort = &port
	}
	metrics.Allocations.WithLabelValues("ok").Inc()
	onResult(allocation, nil)
}

func (m *Manager) translateError(session *BridgeSession, failure *ResponseError) error {
	switch failure.Reason {
	case ReasonConferenceNotFound:
		// The bridge dropped our conference id; tear the session down so the
		// next allocation issues a fresh create.
		session.logger.Warn("Bridge expired the conference")
		m.removeSession(session)
		metrics.Allocations.WithLabelValues("conference_expired").Inc()
		return &ConferenceExpiredError{Bridge: session.bridge.JID, Restart: true}
	case ReasonBadRequest, ReasonUnknownEndpoint:
		session.logger.Warnf("Bridge rejected the request: %s", failure.Message)
		metrics.Allocations.WithLabelValues("bad_request").Inc()
		return &BadRequestError{Bridge: session.bridge.JID, Reason: failure.Message}
	default:
		session.logger.Errorf("Bridge error response: %s", failure.Message)
		m.discardFailedBridge(session)
		metrics.Allocations.WithLabelValues("bridge_failed").Inc()
		return &BridgeFailedError{Bridge: session.bridge.JID, Restart: true}
	}
}

// ensureSession returns the session for the selected bridge, creating it and
// planning its relay pairings when the bridge is new to the conference.
func (m *Manager) ensureSession(selected bridge.Bridge) (*BridgeSession, []RelayDirective) {
	if session, ok := m.sessions[selected.JID]; ok {
		return session, nil
	}

	session := newBridgeSession(selected, m.logger)
	m.sessions[selected.JID] = session
	m.order = append(m.order, selected.JID)
	session.logger.Infof("New bridge session %s", session.id)

	if len(m.sessions) == 1 || selected.RelayID == "" {
		return session, nil
	}

	// The new bridge joins the global mesh; if it is the second bridge the
	// anchor joins first.
	if len(m.sessions) == 2 {
		anchor := m.sessions[m.order[0]]
		if anchor.bridge.RelayID != "" {
			m.cascade.Add(DefaultMeshID, anchor.bridge.RelayID)
		}
	}
	peers := m.cascade.Add(DefaultMeshID, selected.RelayID)

	var relays []RelayDirective
	for _, peerRelayID := range peers {
		peer := m.sessionByRelayID(peerRelayID)
		if peer == nil {
			continue
		}
		// The joining side initiates; the two ends of the pair always carry
		// opposite initiator flags.
		session.relays[peerRelayID] = &relayState{
			peerRelayID: peerRelayID,
			meshID:      DefaultMeshID,
			initiator:   true,
		}
		peer.relays[selected.RelayID] = &relayState{
			peerRelayID: selected.RelayID,
			meshID:      DefaultMeshID,
			initiator:   false,
		}
		relays = append(relays, RelayDirective{
			PeerRelayID:     peerRelayID,
			MeshID:          DefaultMeshID,
			Create:          true,
			Initiator:       true,
			RemoteEndpoints: m.remoteEndpointsOf(peer),
		})
	}
	return session, relays
}

// applyRelayResponses stores the bridge-side relay transports and forwards
// each one to the peer bridge with the DTLS setup rewritten for its role.
func (m *Manager) applyRelayResponses(session *BridgeSession, responses []RelayResponse) {
	for _, response := range responses {
		relay, known := session.relays[response.PeerRelayID]
		if !known || response.Transport == nil {
			continue
		}
		relay.created = true
		transport := response.Transport.Clone()
		relay.transport = &transport

		peer := m.sessionByRelayID(response.PeerRelayID)
		if peer == nil {
			continue
		}
		peerRelay, ok := peer.relays[session.bridge.RelayID]
		if !ok {
			continue
		}

		forwarded := forRelayPeer(transport, relay.initiator, m.config.SctpRelays)
		directive := RelayDirective{
			PeerRelayID: session.bridge.RelayID,
			MeshID:      relay.meshID,
			Initiator:   peerRelay.initiator,
			Transport:   &forwarded,
		}
		if !peerRelay.created {
			directive.Create = true
			directive.RemoteEndpoints = m.remoteEndpointsOf(session)
		}

		request := m.newRequest(peer)
		request.Relays = append(request.Relays, directive)
		m.dispatch(peer, request, func(response *Response, err error) {
			m.finishUpdate(peer, response, err)
		})
	}
}

// advertiseRemote tells every bridge sharing a mesh with the session about a
// participant allocated on it.
func (m *Manager) advertiseRemote(session *BridgeSession, id source.EndpointID, sources source.EndpointSet) {
	m.forEachRelayPeer(session, func(peer *BridgeSession) {
		request := m.newRequest(peer)
		request.Relays = append(request.Relays, RelayDirective{
			PeerRelayID:     session.bridge.RelayID,
			MeshID:          DefaultMeshID,
			RemoteEndpoints: []RemoteEndpoint{{ID: id, Sources: sources.Clone()}},
		})
		m.dispatch(peer, request, func(response *Response, err error) {
			m.finishUpdate(peer, response, err)
		})
	})
}

// withdrawRemote removes a remote endpoint advertisement from the peers.
func (m *Manager) withdrawRemote(session *BridgeSession, id source.EndpointID) {
	m.forEachRelayPeer(session, func(peer *BridgeSession) {
		request := m.newRequest(peer)
		request.Relays = append(request.Relays, RelayDirective{
			PeerRelayID:     session.bridge.RelayID,
			MeshID:          DefaultMeshID,
			ExpireEndpoints: []source.EndpointID{id},
		})
		m.dispatch(peer, request, func(response *Response, err error) {
			m.finishUpdate(peer, response, err)
		})
	})
}

func (m *Manager) forEachRelayPeer(session *BridgeSession, visit func(*BridgeSession)) {
	if session.bridge.RelayID == "" {
		return
	}
	for _, peerRelayID := range m.cascade.Peers(session.bridge.RelayID) {
		if peer := m.sessionByRelayID(peerRelayID); peer != nil && !peer.failed {
			visit(peer)
		}
	}
}

// UpdateSources pushes a participant's new source set to its bridge and
// refreshes the remote advertisements on the mesh peers.
func (m *Manager) UpdateSources(id source.EndpointID, sources source.EndpointSet) {
	session := m.sessionOf(id)
	if session == nil {
		return
	}
	m.participantSources[id] = sources.Clone()

	request := m.newRequest(session)
	request.Endpoints = append(request.Endpoints, EndpointDirective{
		ID:      id,
		Sources: cloneSet(sources),
	})
	m.dispatch(session, request, func(response *Response, err error) {
		m.finishUpdate(session, response, err)
	})
	m.advertiseRemote(session, id, sources)
}

// UpdateTransport forwards a participant's transport-info to its bridge.
func (m *Manager) UpdateTransport(id source.EndpointID, transport Transport) {
	session := m.sessionOf(id)
	if session == nil {
		return
	}
	request := m.newRequest(session)
	cloned := transport.Clone()
	request.Endpoints = append(request.Endpoints, EndpointDirective{
		ID:        id,
		Transport: &cloned,
	})
	m.dispatch(session, request, func(response *Response, err error) {
		m.finishUpdate(session, response, err)
	})
}

// SetForceMute changes force-mute for a set of endpoints. The changes are
// coalesced into one request per bridge session.
func (m *Manager) SetForceMute(ids []source.EndpointID, audio, video bool) {
	bySession := make(map[*BridgeSession][]EndpointDirective)
	for _, id := range ids {
		session := m.sessionOf(id)
		if session == nil {
			continue
		}
		bySession[session] = append(bySession[session], EndpointDirective{
			ID:             id,
			ForceMuteAudio: boolPtr(audio),
			ForceMuteVideo: boolPtr(video),
		})
	}
	for session, directives := range bySession {
		request := m.newRequest(session)
		request.Endpoints = directives
		target := session
		m.dispatch(session, request, func(response *Response, err error) {
			m.finishUpdate(target, response, err)
		})
	}
}

// SetRecordingURL points every session's bridge at the recording backend.
func (m *Manager) SetRecordingURL(url string) {
	for _, jid := range m.order {
		session := m.sessions[jid]
		request := m.newRequest(session)
		request.RecordingURL = url
		m.dispatch(session, request, func(response *Response, err error) {
			m.finishUpdate(session, response, err)
		})
	}
}

// Expire releases a participant's bridge resources. Expiring an endpoint
// that is gone already is a no-op; expiring the last endpoint of a session
// expires the session itself.
func (m *Manager) Expire(id source.EndpointID) {
	session := m.sessionOf(id)
	if session == nil {
		return
	}
	if len(session.participants) == 1 {
		// The last endpoint takes the session with it.
		m.expireSession(session)
		return
	}
	delete(session.participants, id)
	delete(m.participantSession, id)
	delete(m.participantSources, id)

	request := m.newRequest(session)
	request.Endpoints = append(request.Endpoints, EndpointDirective{ID: id, Expire: true})
	m.dispatch(session, request, func(response *Response, err error) {
		m.finishUpdate(session, response, err)
	})
	m.withdrawRemote(session, id)
}

// ExpireAll releases everything on every bridge. Used at conference end.
func (m *Manager) ExpireAll() {
	for _, jid := range append([]string(nil), m.order...) {
		if session, ok := m.sessions[jid]; ok {
			m.expireSession(session)
		}
	}
}

// expireSession sends the final expire-everything request and removes the
// session and its relays.
func (m *Manager) expireSession(session *BridgeSession) {
	if session.created && !session.failed {
		request := m.newRequest(session)
		for _, id := range session.Participants() {
			request.Endpoints = append(request.Endpoints, EndpointDirective{ID: id, Expire: true})
		}
		for _, relay := range session.relays {
			request.Relays = append(request.Relays, RelayDirective{
				PeerRelayID: relay.peerRelayID,
				MeshID:      relay.meshID,
				Expire:      true,
			})
		}
		m.dispatch(session, request, func(*Response, error) {})
	}
	m.removeSession(session)
}

// BridgesDown handles bridges that vanished: their sessions are discarded
// without expire requests and the affected endpoints are returned so the
// conference can re-invite them.
func (m *Manager) BridgesDown(bridgeJIDs []string) []source.EndpointID {
	affected := make(map[source.EndpointID]bool)
	for _, jid := range bridgeJIDs {
		session, ok := m.sessions[jid]
		if !ok {
			continue
		}
		for id := range session.participants {
			affected[id] = true
			delete(m.participantSession, id)
			delete(m.participantSources, id)
		}
		m.removeSession(session)
	}

	ids := maps.Keys(affected)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Dispose shuts the manager down; in-flight requests resolve as Disposed.
func (m *Manager) Dispose() {
	if m.disposed {
		return
	}
	m.disposed = true
	for _, session := range m.sessions {
		session.stop()
	}
	m.sessions = make(map[string]*BridgeSession)
	m.order = nil
}

// finishUpdate applies the shared response policy of non-allocation
// requests: timeouts are dropped, explicit failures kill the session and
// trigger a conference-wide re-invite of its participants.
func (m *Manager) finishUpdate(session *BridgeSession, response *Response, err error) {
	if m.disposed || session.failed {
		return
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			session.logger.Warn("Bridge request timed out, dropping")
			return
		}
		session.logger.WithError(err).Error("Bridge request failed")
		participants := session.Participants()
		m.discardFailedBridge(session)
		m.events.SessionFailed(session.bridge.JID, participants)
		return
	}
	if response.Error != nil {
		session.logger.Warnf("Bridge error response: %s (%s)", response.Error.Message, response.Error.Reason)
		participants := session.Participants()
		m.removeSession(session)
		if response.Error.Reason != ReasonConferenceNotFound {
			m.registryMarkDown(session)
		}
		m.events.SessionFailed(session.bridge.JID, participants)
		return
	}
	if response.Conference != nil {
		m.applyRelayResponses(session, response.Conference.Relays)
	}
}

// failSession marks the session failed, removes it and reports its
// participants for re-invite.
func (m *Manager) failSession(session *BridgeSession) {
	participants := session.Participants()
	m.removeSession(session)
	m.events.SessionFailed(session.bridge.JID, participants)
}

// discardFailedBridge removes the session and flags the bridge in the
// registry so the selector avoids it.
func (m *Manager) discardFailedBridge(session *BridgeSession) {
	m.registryMarkDown(session)
	m.removeSession(session)
}

func (m *Manager) registryMarkDown(session *BridgeSession) {
	m.selector.Registry().MarkNonOperational(session.bridge.JID)
}

// removeSession forgets a session, detaches it from the cascade and tells
// the surviving peers to expire their half of the relay pairs.
func (m *Manager) removeSession(session *BridgeSession) {
	if _, known := m.sessions[session.bridge.JID]; !known {
		return
	}
	session.failed = true
	delete(m.sessions, session.bridge.JID)
	for i, jid := range m.order {
		if jid == session.bridge.JID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for id := range session.participants {
		delete(m.participantSession, id)
		delete(m.participantSources, id)
	}

	if session.bridge.RelayID != "" {
		peers := m.cascade.Remove(session.bridge.RelayID)
		for _, peerRelayID := range peers {
			peer := m.sessionByRelayID(peerRelayID)
			if peer == nil || peer.failed {
				continue
			}
			if _, ok := peer.relays[session.bridge.RelayID]; !ok {
				continue
			}
			delete(peer.relays, session.bridge.RelayID)
			request := m.newRequest(peer)
			request.Relays = append(request.Relays, RelayDirective{
				PeerRelayID: session.bridge.RelayID,
				MeshID:      DefaultMeshID,
				Expire:      true,
			})
			m.dispatch(peer, request, func(response *Response, err error) {
				m.finishUpdate(peer, response, err)
			})
		}
	}
	session.stop()
	session.logger.Infof("Session %s removed", session.id)
}

// dispatch queues the request on the session's serial lane; the handler runs
// later on the conference queue.
func (m *Manager) dispatch(session *BridgeSession, request Request, handle func(*Response, error)) {
	submitted := session.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.ReplyTimeout)
		defer cancel()
		response, err := m.sender.SendRequest(ctx, request)
		m.post(func() { handle(response, err) })
	})
	if !submitted {
		m.post(func() { handle(nil, errors.New("request queue unavailable")) })
	}
}

func (m *Manager) newRequest(session *BridgeSession) Request {
	return Request{
		Bridge:       session.bridge.JID,
		MeetingID:    m.meetingID,
		ConferenceID: m.conferenceID,
		Create:       !session.created,
	}
}

// remoteEndpointsOf snapshots the session's participants as remote-endpoint
// advertisements for the other side of a relay.
func (m *Manager) remoteEndpointsOf(session *BridgeSession) []RemoteEndpoint {
	var remotes []RemoteEndpoint
	for _, id := range session.Participants() {
		remotes = append(remotes, RemoteEndpoint{
			ID:      id,
			Sources: m.participantSources[id].Clone(),
		})
	}
	return remotes
}

func (m *Manager) sessionOf(id source.EndpointID) *BridgeSession {
	jid, ok := m.participantSession[id]
	if !ok {
		return nil
	}
	return m.sessions[jid]
}

func (m *Manager) sessionByRelayID(relayID string) *BridgeSession {
	for _, session := range m.sessions {
		if session.bridge.RelayID == relayID {
			return session
		}
	}
	return nil
}

func cloneSet(set source.EndpointSet) *source.EndpointSet {
	cloned := set.Clone()
	return &cloned
}

func boolPtr(value bool) *bool {
	return &value
}
