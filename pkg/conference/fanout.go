package conference

import (
	"time"

	"github.com/riverine/headwater/pkg/signaling"
	"github.com/riverine/headwater/pkg/source"
)

// sourceDiff is one pending source-add or source-remove, kept in arrival
// order so two receivers always see one originator's changes in the same
// sequence.
type sourceDiff struct {
	owner  source.EndpointID
	set    source.EndpointSet
	remove bool
}

// scheduleFanout queues a diff for distribution. Bursts are coalesced by the
// conference-size-dependent signaling delay: the first diff arms a flush,
// later ones ride along.
func (c *Conference) scheduleFanout(diff sourceDiff) {
	c.pendingDiffs = append(c.pendingDiffs, diff)
	if c.flushArmed {
		return
	}

	delay := c.config.SignalingDelay(len(c.participants))
	if delay <= 0 {
		c.flushSourceDiffs()
		return
	}
	c.flushArmed = true
	time.AfterFunc(delay, func() { c.post(c.flushSourceDiffs) })
}

// flushSourceDiffs distributes the pending diffs to every established
// participant, skipping each receiver's own changes.
func (c *Conference) flushSourceDiffs() {
	c.flushArmed = false
	if c.ended || len(c.pendingDiffs) == 0 {
		c.pendingDiffs = nil
		return
	}
	diffs := c.pendingDiffs
	c.pendingDiffs = nil

	for _, diff := range diffs {
		set := diff.set
		if !diff.remove && c.config.StripSimulcast {
			set = set.StripSimulcast()
		}
		if set.IsEmpty() {
			continue
		}
		sources := map[source.EndpointID]source.EndpointSet{diff.owner: set}

		for _, receiver := range c.participants {
			if receiver.ID() == diff.owner || !receiver.Established() {
				continue
			}
			if diff.remove {
				c.outbound.Send(c.recipient(receiver), signaling.SourceRemove{Sources: sources})
			} else {
				c.outbound.Send(c.recipient(receiver), signaling.SourceAdd{Sources: sources})
			}
		}
	}
}
