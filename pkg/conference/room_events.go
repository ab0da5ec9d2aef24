package conference

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/riverine/headwater/pkg/metrics"
	"github.com/riverine/headwater/pkg/muc"
	"github.com/riverine/headwater/pkg/signaling"
	"github.com/riverine/headwater/pkg/xmpp"
)

// roomListener adapts the Conference to muc.Listener. The callbacks fire
// inside the room lock, so they only buffer the real handlers; the queue
// runs them right after the room call returns.
type roomListener Conference

func (l *roomListener) conference() *Conference {
	return (*Conference)(l)
}

func (l *roomListener) MemberJoined(member muc.Member) {
	c := l.conference()
	c.roomEvents = append(c.roomEvents, func() { c.onMemberJoined(member) })
}

func (l *roomListener) MemberLeft(member muc.Member) {
	c := l.conference()
	c.roomEvents = append(c.roomEvents, func() { c.onMemberGone(member, "left") })
}

func (l *roomListener) MemberKicked(member muc.Member) {
	c := l.conference()
	c.roomEvents = append(c.roomEvents, func() { c.onMemberGone(member, "kicked") })
}

func (l *roomListener) MemberRoleChanged(member muc.Member, previous xmpp.MemberRole) {
	c := l.conference()
	c.roomEvents = append(c.roomEvents, func() { c.onMemberUpdated(member) })
}

func (l *roomListener) MemberSourceInfoChanged(member muc.Member) {
	c := l.conference()
	c.roomEvents = append(c.roomEvents, func() { c.onMemberUpdated(member) })
}

func (l *roomListener) SenderCountsChanged(audio, video int) {
	c := l.conference()
	c.roomEvents = append(c.roomEvents, func() { c.reevaluateSolo() })
}

func (l *roomListener) ConfigReloaded(form xmpp.ConfigForm) {
	c := l.conference()
	c.roomEvents = append(c.roomEvents, func() { c.onConfigReloaded(form) })
}

func (l *roomListener) MetadataUpdated(metadata xmpp.RoomMetadata) {
	c := l.conference()
	c.roomEvents = append(c.roomEvents, func() { c.onMetadataUpdated(metadata) })
}

func (l *roomListener) RoomDestroyed() {
	c := l.conference()
	c.roomEvents = append(c.roomEvents, func() {
		c.logger.Info("Room destroyed")
		c.endConference("gone")
	})
}

func (c *Conference) onMemberJoined(member muc.Member) {
	if c.ended {
		return
	}
	if _, known := c.participants[member.ID]; known {
		return
	}

	p := newParticipant(member, c.logger)
	p.telemetry = c.telemetry.CreateChild("participant",
		attribute.String("endpoint", string(member.ID)))
	c.participants[member.ID] = p
	metrics.ParticipantsJoined.Inc()
	metrics.LiveParticipants.Inc()
	c.telemetry.AddEvent("member joined")

	if !c.everJoined {
		c.everJoined = true
		c.armStartTimer()
	}
	c.maybeGrantOwner(member)
	c.allocate(p)
}

func (c *Conference) onMemberGone(member muc.Member, reason string) {
	p, known := c.participants[member.ID]
	if !known {
		return
	}
	c.telemetry.AddEvent("member " + reason)
	c.terminateParticipant(p, reason, false)
}

// onMemberUpdated refreshes the stored member snapshot after a role or
// source-info change.
func (c *Conference) onMemberUpdated(member muc.Member) {
	p, known := c.participants[member.ID]
	if !known {
		return
	}
	p.member = member
	c.reevaluateSolo()
}

func (c *Conference) onConfigReloaded(form xmpp.ConfigForm) {
	c.logger.Infof("Room configuration read (meeting id %s)", c.room.MeetingID())
}

func (c *Conference) onMetadataUpdated(metadata xmpp.RoomMetadata) {
	if metadata.Recording != nil {
		c.logger.Infof("Transcription enabled: %v", metadata.Recording.IsTranscribingEnabled)
	}
}

// maybeGrantOwner promotes the first joining non-visitor, non-robot member
// when the room has no owner yet.
func (c *Conference) maybeGrantOwner(member muc.Member) {
	if !c.config.EnableAutoOwner || c.deps.RoomControl == nil {
		return
	}
	if member.IsVisitor() || member.Robot || member.Role == xmpp.RoleOwner {
		return
	}
	if c.room.HasOwner() {
		return
	}
	c.logger.Infof("Granting owner to %s", member.ID)
	c.deps.RoomControl.GrantOwner(member.Occupant)
}

// terminateParticipant drives a participant into the absorbing state and
// releases its bridge resources exactly once. The session-terminate message
// is only sent when the focus ends the session, not when the member is
// already gone from the room.
func (c *Conference) terminateParticipant(p *Participant, reason string, signal bool) {
	if p.Terminated() {
		return
	}
	if signal {
		c.outbound.Send(c.recipient(p), signaling.SessionTerminate{Reason: reason})
	}
	p.fire(eventTerminate)
	p.endSpan()

	if !p.expired {
		p.expired = true
		if c.sessions != nil {
			c.sessions.Expire(p.ID())
		}
	}
	removed := c.sources.RemoveEndpoint(p.ID())
	if !removed.IsEmpty() {
		c.scheduleFanout(sourceDiff{owner: p.ID(), set: removed, remove: true})
	}

	delete(c.participants, p.ID())
	metrics.ParticipantsLeft.Inc()
	metrics.LiveParticipants.Dec()
	c.reevaluateSolo()
}
