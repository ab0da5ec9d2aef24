package conference

// armStartTimer schedules the conference-start deadline: if nobody reaches
// Established within it, the conference destroys itself.
func (c *Conference) armStartTimer() {
	if c.config.StartTimeout <= 0 {
		return
	}
	c.startTimer.schedule(c.config.StartTimeout, func() {
		if c.started || c.ended {
			return
		}
		c.logger.Warn("No participant established within the start timeout")
		c.endConference("expired")
	})
}

// reevaluateSolo arms or disarms the lone-participant deadline. The
// conference dies when exactly one non-visitor, unmuted participant has been
// established alone for the configured time.
func (c *Conference) reevaluateSolo() {
	if c.ended || c.config.SingleParticipantTimeout <= 0 {
		return
	}

	if c.soloCount() == 1 {
		if !c.soloTimer.armed() {
			c.soloTimer.schedule(c.config.SingleParticipantTimeout, func() {
				if c.ended || c.soloCount() != 1 {
					return
				}
				c.logger.Info("Lone participant timed out")
				c.endConference("expired")
			})
		}
		return
	}
	c.soloTimer.cancel()
}

// soloCount counts established, non-visitor participants with at least one
// unmuted source. Mute state is read from the room, which is always current
// even when the participant snapshot is not.
func (c *Conference) soloCount() int {
	count := 0
	for _, p := range c.participants {
		if !p.Established() {
			continue
		}
		member, present := c.room.Member(p.ID())
		if !present {
			member = p.member
		}
		if !member.IsVisitor() && (member.SendsAudio || member.SendsVideo) {
			count++
		}
	}
	return count
}
