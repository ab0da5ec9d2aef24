// Package conference is the controller of one conference: it owns the chat
// room state, the source map, the bridge sessions and one state machine per
// participant, and it is the single writer for all of them. Everything enters
// through the conference queue; the only code running off-queue is blocking
// bridge I/O (on the colibri session workers) and outbound signaling (on the
// signaling queue worker).
package conference

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"mellium.im/xmpp/jid"

	"github.com/riverine/headwater/pkg/bridge"
	"github.com/riverine/headwater/pkg/channel"
	"github.com/riverine/headwater/pkg/colibri"
	"github.com/riverine/headwater/pkg/metrics"
	"github.com/riverine/headwater/pkg/muc"
	"github.com/riverine/headwater/pkg/signaling"
	"github.com/riverine/headwater/pkg/source"
	"github.com/riverine/headwater/pkg/telemetry"
	"github.com/riverine/headwater/pkg/xmpp"
)

// Packet is one room-level event routed onto the conference queue. Exactly
// one field is set.
type Packet struct {
	// Presence is a decoded presence addressed to the room.
	Presence *xmpp.Presence
	// ConfigForm is a freshly read room configuration form.
	ConfigForm map[string]string
	// Metadata is a raw room-metadata JSON payload.
	Metadata *string
	// BridgesDown lists bridges that vanished from the deployment; their
	// sessions are discarded and the stranded participants re-invited.
	BridgesDown []string
	// ForceMute is a moderator's bridge-side mute directive.
	ForceMute *ForceMute
	// RecordingURL points the bridges at the recording backend.
	RecordingURL *string
	// VisitorInvited notes one issued visitor invite for the room's
	// pending-visitor accounting.
	VisitorInvited bool
	// RoomDestroyed reports that the room service destroyed the room.
	RoomDestroyed bool
}

// ForceMute asks the bridges to stop accepting the targets' media,
// regardless of what the targets signal.
type ForceMute struct {
	Targets []source.EndpointID
	Audio   bool
	Video   bool
}

// PeerSignal is one inbound signaling message bound to the participant that
// produced it. The content is one of the signaling.Peer* structs.
type PeerSignal = channel.Message[source.EndpointID, interface{}]

// RoomControl is the slice of room administration the conference needs:
// granting the owner affiliation. The transport owns the actual IQs.
type RoomControl interface {
	GrantOwner(occupant jid.JID)
}

// Deps carries the collaborators of one conference.
type Deps struct {
	Room       muc.Config
	Conference Config
	Colibri    colibri.Config

	Selector *bridge.Selector
	Bridges  colibri.Sender
	Signaler signaling.PeerSignaler

	// PresenceSender receives the focus's own-presence updates; may be nil.
	PresenceSender muc.PresenceSender
	// RoomControl may be nil, which disables auto-owner.
	RoomControl RoomControl
}

// Conference is the per-conference controller. The run loop is the only
// goroutine that touches its fields.
type Conference struct {
	id        string
	logger    *logrus.Entry
	telemetry *telemetry.Telemetry
	config    Config
	deps      Deps

	room     *muc.Room
	sources  *source.ConferenceMap
	sessions *colibri.Manager
	outbound *signaling.Queue

	participants map[source.EndpointID]*Participant

	packets     chan Packet
	peerSignals chan PeerSignal
	internal    chan func()
	done        chan struct{}

	// roomEvents buffers listener callbacks fired inside the room lock so
	// the handlers can run after ProcessPresence returns (they call back
	// into the room).
	roomEvents []func()

	pendingDiffs []sourceDiff
	flushArmed   bool

	startTimer *scheduledTimer
	soloTimer  *scheduledTimer

	everJoined bool
	started    bool
	ended      bool
}

// StartConference creates the controller and spins up its queue. The caller
// feeds it through Packets and PeerSignals and watches Done for the end of
// the conference.
func StartConference(deps Deps) *Conference {
	logger := logrus.WithField("conference", deps.Room.Address.String())

	c := &Conference{
		id:           uuid.NewString(),
		logger:       logger,
		config:       deps.Conference,
		deps:         deps,
		sources:      source.NewConferenceMap(deps.Conference.MaxSsrcsPerUser),
		outbound:     signaling.NewQueue(deps.Signaler),
		participants: make(map[source.EndpointID]*Participant),
		packets:      make(chan Packet, 128),
		peerSignals:  make(chan PeerSignal, 128),
		internal:     make(chan func(), 128),
		done:         make(chan struct{}),
	}
	c.telemetry = telemetry.NewTelemetry(context.Background(), "conference",
		attribute.String("room", deps.Room.Address.String()),
		attribute.String("conference_id", c.id),
	)
	c.room = muc.NewRoom(deps.Room, (*roomListener)(c), deps.PresenceSender)
	c.startTimer = newScheduledTimer(c.post)
	c.soloTimer = newScheduledTimer(c.post)

	metrics.ConferencesStarted.Inc()
	metrics.LiveConferences.Inc()
	c.logger.Info("Conference started")

	go c.run()
	return c
}

// Packets is the room-event entrance of the conference queue.
func (c *Conference) Packets() chan<- Packet {
	return c.packets
}

// PeerSignals is the participant-signaling entrance of the conference queue.
func (c *Conference) PeerSignals() chan<- PeerSignal {
	return c.peerSignals
}

// Done closes when the conference ended and released its resources.
func (c *Conference) Done() <-chan struct{} {
	return c.done
}

// Room exposes the room state for read-only inspection (admin, metrics).
func (c *Conference) Room() *muc.Room {
	return c.room
}

// ParticipantState reports the lifecycle state of one participant. The
// lookup runs on the conference queue; a dead conference reports nothing.
func (c *Conference) ParticipantState(id source.EndpointID) (string, bool) {
	type lookup struct {
		state string
		found bool
	}
	answer := make(chan lookup, 1)
	c.post(func() {
		if p, found := c.participants[id]; found {
			answer <- lookup{p.State(), true}
			return
		}
		answer <- lookup{}
	})
	select {
	case result := <-answer:
		return result.state, result.found
	case <-c.done:
		return "", false
	}
}

// post puts a task on the conference queue. It is safe from any goroutine,
// including the queue itself: a full channel falls back to an asynchronous
// send instead of deadlocking.
func (c *Conference) post(task func()) {
	select {
	case c.internal <- task:
		return
	case <-c.done:
		return
	default:
	}
	go func() {
		select {
		case c.internal <- task:
		case <-c.done:
		}
	}()
}

func (c *Conference) run() {
	for !c.ended {
		select {
		case packet := <-c.packets:
			c.processPacket(packet)
		case signal := <-c.peerSignals:
			c.processPeerSignal(signal)
		case task := <-c.internal:
			task()
		}
		c.maybeEnd()
	}
	c.cleanup()
}

func (c *Conference) processPacket(packet Packet) {
	switch {
	case packet.Presence != nil:
		c.room.ProcessPresence(packet.Presence)
	case packet.ConfigForm != nil:
		c.room.ReloadConfig(packet.ConfigForm)
	case packet.Metadata != nil:
		c.room.HandleMetadata(*packet.Metadata)
	case packet.BridgesDown != nil:
		c.onBridgesDown(packet.BridgesDown)
	case packet.ForceMute != nil:
		c.onForceMute(*packet.ForceMute)
	case packet.RecordingURL != nil:
		c.logger.Info("Recording URL set")
		c.sessionManager().SetRecordingURL(*packet.RecordingURL)
	case packet.VisitorInvited:
		c.room.NoteVisitorInvited()
	case packet.RoomDestroyed:
		c.room.Destroyed()
	}
	c.drainRoomEvents()
}

// drainRoomEvents runs the handlers the room listener buffered during the
// last room call, outside the room lock.
func (c *Conference) drainRoomEvents() {
	for len(c.roomEvents) > 0 {
		pending := c.roomEvents
		c.roomEvents = nil
		for _, handle := range pending {
			handle()
		}
	}
}

// maybeEnd tears the conference down once the last non-visitor member is
// gone (visitors cannot keep a conference alive).
func (c *Conference) maybeEnd() {
	if c.ended || !c.everJoined {
		return
	}
	for _, p := range c.participants {
		if !p.member.IsVisitor() {
			return
		}
	}
	c.logger.Info("Last non-visitor left")
	c.endConference("expired")
}

// endConference terminates every participant, releases the bridges and marks
// the conference dead. Idempotent.
func (c *Conference) endConference(reason string) {
	if c.ended {
		return
	}
	c.ended = true

	for _, p := range c.participants {
		if p.Terminated() {
			continue
		}
		c.outbound.Send(c.recipient(p), signaling.SessionTerminate{Reason: reason})
		p.fire(eventTerminate)
		p.endSpan()
		metrics.ParticipantsLeft.Inc()
		metrics.LiveParticipants.Dec()
	}
	c.participants = make(map[source.EndpointID]*Participant)

	if c.sessions != nil {
		c.sessions.ExpireAll()
		c.sessions.Dispose()
	}
	c.startTimer.cancel()
	c.soloTimer.cancel()
}

func (c *Conference) cleanup() {
	c.outbound.Stop()
	c.telemetry.End()
	metrics.ConferencesEnded.Inc()
	metrics.LiveConferences.Dec()
	c.logger.Info("Conference ended")
	close(c.done)
}

// sessionManager creates the colibri manager on first use, so that it picks
// up the meeting id from the room configuration form when one was read
// before the first participant joined.
func (c *Conference) sessionManager() *colibri.Manager {
	if c.sessions == nil {
		c.sessions = colibri.NewManager(
			c.deps.Colibri,
			c.room.MeetingID(),
			c.id,
			c.deps.Selector,
			c.deps.Bridges,
			c.post,
			(*sessionEvents)(c),
			c.logger,
		)
	}
	return c.sessions
}

func (c *Conference) recipient(p *Participant) signaling.Recipient {
	return signaling.Recipient{Occupant: p.member.Occupant, EndpointID: p.member.ID}
}

// scheduledTimer is a cancellable one-shot that fires back onto the
// conference queue. Cancellation is by generation: a stale fire finds the
// generation moved on and does nothing.
type scheduledTimer struct {
	post       func(func())
	timer      *time.Timer
	generation int
}

func newScheduledTimer(post func(func())) *scheduledTimer {
	return &scheduledTimer{post: post}
}

func (t *scheduledTimer) schedule(delay time.Duration, fire func()) {
	t.cancel()
	generation := t.generation
	t.timer = time.AfterFunc(delay, func() {
		t.post(func() {
			if t.generation == generation {
				t.timer = nil
				fire()
			}
		})
	})
}

func (t *scheduledTimer) cancel() {
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *scheduledTimer) armed() bool {
	return t.timer != nil
}
