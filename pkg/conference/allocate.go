package conference

import (
	"errors"

	"github.com/riverine/headwater/pkg/colibri"
	"github.com/riverine/headwater/pkg/metrics"
	"github.com/riverine/headwater/pkg/signaling"
	"github.com/riverine/headwater/pkg/source"
)

// maxAllocationAttempts bounds the retry loop after restartable bridge
// failures; selection eventually fails anyway once the registry runs dry,
// this just keeps one flapping bridge from spinning a participant forever.
const maxAllocationAttempts = 3

// allocate moves the participant into Allocating and asks the session
// manager for a bridge endpoint. The outcome arrives on the queue through
// finishAllocation.
func (c *Conference) allocate(p *Participant) {
	if !p.fire(eventAllocate) {
		return
	}

	info := colibri.ParticipantInfo{
		ID:      p.ID(),
		StatsID: p.member.StatsID,
		Region:  p.member.Region,
		Sources: c.sources.Endpoint(p.ID()),
		UseSctp: p.usesSctp(),
	}

	id := p.ID()
	c.sessionManager().Allocate(info, func(allocation *colibri.Allocation, err error) {
		c.finishAllocation(id, allocation, err)
	})
}

func (c *Conference) finishAllocation(id source.EndpointID, allocation *colibri.Allocation, err error) {
	p, present := c.participants[id]
	if !present || p.Terminated() {
		// The participant left while the request was in flight; release
		// whatever the bridge just created.
		if allocation != nil && c.sessions != nil {
			c.sessions.Expire(id)
		}
		return
	}

	if err != nil {
		c.handleAllocationFailure(p, err)
		return
	}

	p.allocation = allocation
	p.allocAttempts = 0
	if !p.fire(eventInvite) {
		return
	}
	c.sendOffer(p)
}

func (c *Conference) handleAllocationFailure(p *Participant, err error) {
	var disposed *colibri.DisposedError
	if errors.As(err, &disposed) {
		return
	}
	if errors.Is(err, colibri.ErrRequestTimeout) {
		// Not a verdict; the participant stays in Allocating and either a
		// session failure or the start timeout decides its fate.
		p.logger.Warn("Allocation timed out")
		return
	}

	var selection *colibri.SelectionFailedError
	if errors.As(err, &selection) {
		p.logger.Error("No bridge available")
		p.traceFailure(err)
		c.terminateParticipant(p, "no-bridge-available", true)
		return
	}

	var bad *colibri.BadRequestError
	if errors.As(err, &bad) {
		p.logger.Errorf("Bridge rejected allocation: %s", bad.Reason)
		p.traceFailure(err)
		c.terminateParticipant(p, "general-error", true)
		return
	}

	// BridgeFailed and ConferenceExpired both ask for a restart on a fresh
	// bridge, with the source set preserved.
	p.allocAttempts++
	if p.allocAttempts >= maxAllocationAttempts {
		p.logger.WithError(err).Error("Giving up on allocation")
		p.traceFailure(err)
		c.terminateParticipant(p, "no-bridge-available", true)
		return
	}
	p.logger.WithError(err).Warnf("Allocation failed, retrying (%d)", p.allocAttempts)
	p.fire(eventReinvite)
	c.allocate(p)
}

// sendOffer signals the allocation to the participant: a session-initiate
// for a fresh session, a transport-replace when re-inviting after a bridge
// move.
func (c *Conference) sendOffer(p *Participant) {
	if p.reinvited {
		p.reinvited = false
		p.traceEvent("transport replaced")
		c.outbound.Send(c.recipient(p), signaling.TransportReplace{
			Transport: p.allocation.Transport.Clone(),
			SctpPort:  p.allocation.SctpPort,
		})
		return
	}

	p.traceEvent("session offered")
	c.outbound.Send(c.recipient(p), signaling.SessionInitiate{
		Sources:   c.offerSources(p.ID()),
		Feedback:  p.allocation.Feedback.Clone(),
		Transport: p.allocation.Transport.Clone(),
		SctpPort:  p.allocation.SctpPort,
	})
}

// offerSources snapshots everyone else's sources the way the recipient
// should see them.
func (c *Conference) offerSources(recipient source.EndpointID) map[source.EndpointID]source.EndpointSet {
	snapshot := c.sources.Snapshot()
	delete(snapshot, recipient)
	if c.config.StripSimulcast {
		for id, set := range snapshot {
			snapshot[id] = set.StripSimulcast()
		}
	}
	return snapshot
}

// sessionEvents adapts the Conference to colibri.Events. The manager invokes
// it on the conference queue already, so the handler mutates state directly.
type sessionEvents Conference

func (e *sessionEvents) SessionFailed(bridgeJID string, endpoints []source.EndpointID) {
	c := (*Conference)(e)
	c.logger.Warnf("Bridge session %s failed, re-inviting %d participants", bridgeJID, len(endpoints))
	c.reinviteEndpoints(endpoints)
}

// onBridgesDown discards the sessions of bridges that vanished from the
// deployment and re-invites the participants stranded on them.
func (c *Conference) onBridgesDown(bridgeJIDs []string) {
	if c.sessions == nil {
		return
	}
	affected := c.sessions.BridgesDown(bridgeJIDs)
	if len(affected) == 0 {
		return
	}
	c.logger.Warnf("%d bridges down, re-inviting %d participants", len(bridgeJIDs), len(affected))
	c.reinviteEndpoints(affected)
}

// onForceMute forwards a moderator's mute directive for the targets that
// actually have bridge resources.
func (c *Conference) onForceMute(directive ForceMute) {
	if c.sessions == nil {
		return
	}
	targets := make([]source.EndpointID, 0, len(directive.Targets))
	for _, id := range directive.Targets {
		if p, present := c.participants[id]; present && !p.Terminated() {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return
	}
	c.logger.Infof("Force-muting %d participants (audio=%v video=%v)",
		len(targets), directive.Audio, directive.Video)
	c.sessions.SetForceMute(targets, directive.Audio, directive.Video)
}

func (c *Conference) reinviteEndpoints(endpoints []source.EndpointID) {
	if c.ended {
		return
	}
	for _, id := range endpoints {
		p, present := c.participants[id]
		if !present || p.Terminated() {
			continue
		}
		metrics.Reinvites.Inc()
		if !p.fire(eventReinvite) {
			continue
		}
		// Only a participant that already saw an offer gets the new
		// transport as a replace; the rest start over with an initiate.
		p.reinvited = p.allocation != nil
		c.allocate(p)
	}
}
