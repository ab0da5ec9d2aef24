package conference

import (
	"github.com/riverine/headwater/pkg/metrics"
	"github.com/riverine/headwater/pkg/signaling"
	"github.com/riverine/headwater/pkg/source"
)

func (c *Conference) processPeerSignal(signal PeerSignal) {
	if c.ended {
		return
	}
	p, present := c.participants[signal.Sender]
	if !present || p.Terminated() {
		c.logger.Warnf("Dropping signal from unknown participant %s", signal.Sender)
		return
	}

	switch content := signal.Content.(type) {
	case signaling.SessionAccept:
		c.onSessionAccept(p, content)
	case signaling.TransportInfo:
		c.onTransportInfo(p, content)
	case signaling.PeerSourceAdd:
		c.onSourceAdd(p, content.Set)
	case signaling.PeerSourceRemove:
		c.onSourceRemove(p, content.Set)
	case signaling.PeerSessionTerminate:
		c.logger.Infof("Participant %s terminated its session: %s", p.ID(), content.Reason)
		c.terminateParticipant(p, content.Reason, false)
	default:
		c.logger.Warnf("Dropping signal of unknown type %T from %s", content, signal.Sender)
	}
}

func (c *Conference) onSessionAccept(p *Participant, accept signaling.SessionAccept) {
	if !p.fire(eventAccept) {
		return
	}
	p.traceEvent("session accepted")

	p.transport.Merge(accept.Transport)
	c.sessionManager().UpdateTransport(p.ID(), accept.Transport)

	if !accept.Sources.IsEmpty() {
		c.onSourceAdd(p, accept.Sources)
	}

	if !c.started {
		c.started = true
		c.startTimer.cancel()
		c.logger.Info("First participant established")
	}
	c.reevaluateSolo()
}

// onTransportInfo merges trickled candidates into the stored transport and
// forwards the increment to the bridge.
func (c *Conference) onTransportInfo(p *Participant, info signaling.TransportInfo) {
	p.transport.Merge(info.Transport)
	if c.sessions != nil {
		c.sessions.UpdateTransport(p.ID(), info.Transport)
	}
}

func (c *Conference) onSourceAdd(p *Participant, proposed source.EndpointSet) {
	if p.member.IsVisitor() {
		c.rejectSources(p, &source.ValidationError{
			Code:    source.CodeVisitorCodecChange,
			Message: "visitors must not advertise sources",
		})
		return
	}

	added, err := c.sources.TryAdd(p.ID(), proposed)
	if err != nil {
		validation, _ := source.IsValidationError(err)
		c.rejectSources(p, validation)
		return
	}
	if added.IsEmpty() {
		return
	}

	c.sessionManager().UpdateSources(p.ID(), c.sources.Endpoint(p.ID()))
	c.scheduleFanout(sourceDiff{owner: p.ID(), set: added})
}

func (c *Conference) onSourceRemove(p *Participant, requested source.EndpointSet) {
	removed, err := c.sources.TryRemove(p.ID(), requested)
	if err != nil {
		validation, _ := source.IsValidationError(err)
		c.rejectSources(p, validation)
		return
	}
	if removed.IsEmpty() {
		return
	}

	c.sessionManager().UpdateSources(p.ID(), c.sources.Endpoint(p.ID()))
	c.scheduleFanout(sourceDiff{owner: p.ID(), set: removed, remove: true})
}

// rejectSources answers a failed source advertisement with the negative
// acknowledgement; conference state is untouched.
func (c *Conference) rejectSources(p *Participant, validation *source.ValidationError) {
	code := source.ErrorCode("internal-error")
	message := "rejected"
	if validation != nil {
		code = validation.Code
		message = validation.Message
	}
	metrics.SourceRejections.WithLabelValues(string(code)).Inc()
	p.logger.Warnf("Rejecting sources: %s", message)
	c.outbound.Send(c.recipient(p), signaling.SourceReject{Code: code, Message: message})
}
