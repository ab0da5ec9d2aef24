// Package routing distributes decoded stanzas to the conference that owns
// them. The transport produces one flat stream of events; the router keys
// them by room address, creates conferences on the first join and sweeps
// them out once they report done.
package routing

import (
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/riverine/headwater/pkg/channel"
	"github.com/riverine/headwater/pkg/conference"
	"github.com/riverine/headwater/pkg/source"
	"github.com/riverine/headwater/pkg/xmpp"
)

// Event is one decoded stanza addressed to a room, or a broadcast. Exactly
// one of Packet, Peer and Broadcast is set; broadcasts ignore Room.
type Event struct {
	Room   jid.JID
	Packet *conference.Packet
	Peer   *PeerEvent
	// Broadcast goes to every live conference (bridge health changes).
	Broadcast *conference.Packet
}

// PeerEvent is a signaling message from one participant.
type PeerEvent struct {
	Sender  source.EndpointID
	Content interface{}
}

// NewConference creates the controller for a room. The router calls it on
// the first join of a room it does not know.
type NewConference func(room jid.JID) *conference.Conference

// Router owns the map from room address to conference. It runs as one goroutine;
// the conferences do their own work on their own queues.
type Router struct {
	logger        *logrus.Entry
	newConference NewConference
	events        <-chan Event
	stages        map[string]*conferenceStage
}

// conferenceStage pairs a live conference with the per-participant sinks
// feeding its signaling queue. One sink per sender, so the conference can
// trust the sender identity of every message.
type conferenceStage struct {
	conference *conference.Conference
	peerSinks  map[source.EndpointID]*channel.SinkWithSender[source.EndpointID, interface{}]
}

// StartRouter spins up the distribution loop. It returns once the event
// channel closes.
func StartRouter(events <-chan Event, newConference NewConference) {
	router := &Router{
		logger:        logrus.WithField("component", "router"),
		newConference: newConference,
		events:        events,
		stages:        make(map[string]*conferenceStage),
	}

	go func() {
		for event := range router.events {
			router.handleEvent(event)
		}
	}()
}

func (r *Router) handleEvent(event Event) {
	if event.Broadcast != nil {
		r.broadcast(*event.Broadcast)
		return
	}

	key := event.Room.Bare().String()
	stage := r.stages[key]

	if stage != nil {
		select {
		case <-stage.conference.Done():
			// The conference ended; sweep it and re-route the event, which
			// may start a fresh conference for the same room.
			r.sweep(key, stage)
			r.handleEvent(event)
		default:
			r.deliver(stage, event)
		}
		return
	}

	// Only a join presence creates a conference; everything else for an
	// unknown room is noise (or a stale leftover after a sweep).
	if !isJoin(event) {
		r.logger.Warnf("Ignoring event for unknown room %s", key)
		return
	}

	r.logger.Infof("Starting conference for %s", key)
	stage = &conferenceStage{
		conference: r.newConference(event.Room.Bare()),
		peerSinks:  make(map[source.EndpointID]*channel.SinkWithSender[source.EndpointID, interface{}]),
	}
	r.stages[key] = stage
	r.deliver(stage, event)
}

func (r *Router) deliver(stage *conferenceStage, event Event) {
	switch {
	case event.Packet != nil:
		select {
		case stage.conference.Packets() <- *event.Packet:
		case <-stage.conference.Done():
			r.sweep(event.Room.Bare().String(), stage)
			r.handleEvent(event)
		}
	case event.Peer != nil:
		sink, known := stage.peerSinks[event.Peer.Sender]
		if !known {
			sink = channel.NewSink(event.Peer.Sender, stage.conference.PeerSignals())
			stage.peerSinks[event.Peer.Sender] = sink
		}
		if err := sink.Send(event.Peer.Content); err != nil {
			r.logger.Warnf("Dropping signal from %s: %s", event.Peer.Sender, err)
		}
	}
}

// broadcast delivers a packet to every live conference, sweeping the dead
// ones it finds on the way.
func (r *Router) broadcast(packet conference.Packet) {
	for key, stage := range r.stages {
		select {
		case <-stage.conference.Done():
			r.sweep(key, stage)
		case stage.conference.Packets() <- packet:
		}
	}
}

// sweep forgets a dead conference and seals its sinks so late producers get
// an error instead of a write into the void.
func (r *Router) sweep(key string, stage *conferenceStage) {
	r.logger.Infof("Conference for %s ended", key)
	for _, sink := range stage.peerSinks {
		sink.Seal()
	}
	delete(r.stages, key)
}

func isJoin(event Event) bool {
	return event.Packet != nil &&
		event.Packet.Presence != nil &&
		event.Packet.Presence.Type == xmpp.PresenceAvailable
}
