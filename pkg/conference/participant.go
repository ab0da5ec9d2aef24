package conference

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/riverine/headwater/pkg/colibri"
	"github.com/riverine/headwater/pkg/muc"
	"github.com/riverine/headwater/pkg/source"
	"github.com/riverine/headwater/pkg/telemetry"
	"github.com/riverine/headwater/pkg/xmpp"
)

// Participant lifecycle states. Terminated is absorbing.
const (
	StateCreated     = "created"
	StateAllocating  = "allocating"
	StateInvited     = "invited"
	StateEstablished = "established"
	StateReinviting  = "reinviting"
	StateTerminated  = "terminated"
)

const (
	eventAllocate  = "allocate"
	eventInvite    = "invite"
	eventAccept    = "accept"
	eventReinvite  = "reinvite"
	eventTerminate = "terminate"
)

// Participant is the focus's view of one member's media session. All fields
// are owned by the conference queue; nothing here is safe to touch from
// another goroutine.
type Participant struct {
	logger  *logrus.Entry
	machine *fsm.FSM

	// telemetry is the participant's span, a child of the conference span.
	// Participants built without a conference carry none.
	telemetry *telemetry.Telemetry

	member muc.Member

	// allocation is the last successful bridge allocation, nil before the
	// first one completes.
	allocation *colibri.Allocation

	// transport accumulates the transport the participant signaled to us
	// (answer plus trickled candidates).
	transport colibri.Transport

	// reinvited marks that the next successful allocation must be signaled
	// as a transport-replace rather than a fresh session-initiate.
	reinvited bool

	// allocAttempts counts consecutive failed allocations; reset on
	// success.
	allocAttempts int

	// expired guards the exactly-once bridge expiry on termination.
	expired bool
}

func newParticipant(member muc.Member, logger *logrus.Entry) *Participant {
	p := &Participant{
		logger: logger.WithField("participant", member.ID),
		member: member,
	}
	p.machine = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: eventAllocate, Src: []string{StateCreated, StateReinviting}, Dst: StateAllocating},
			{Name: eventInvite, Src: []string{StateAllocating}, Dst: StateInvited},
			{Name: eventAccept, Src: []string{StateInvited}, Dst: StateEstablished},
			{Name: eventReinvite, Src: []string{StateAllocating, StateInvited, StateEstablished}, Dst: StateReinviting},
			{Name: eventTerminate, Src: []string{
				StateCreated, StateAllocating, StateInvited, StateEstablished, StateReinviting,
			}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				p.logger.Infof("Participant %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return p
}

func (p *Participant) ID() source.EndpointID {
	return p.member.ID
}

func (p *Participant) State() string {
	return p.machine.Current()
}

func (p *Participant) Established() bool {
	return p.machine.Current() == StateEstablished
}

func (p *Participant) Terminated() bool {
	return p.machine.Current() == StateTerminated
}

// fire runs one transition. Invalid transitions are logged and reported but
// leave the state untouched (looplab guarantees that).
func (p *Participant) fire(event string) bool {
	if err := p.machine.Event(context.Background(), event); err != nil {
		p.logger.WithError(err).Warnf("Ignoring %q in state %s", event, p.machine.Current())
		return false
	}
	return true
}

func (p *Participant) traceEvent(text string) {
	if p.telemetry != nil {
		p.telemetry.AddEvent(text)
	}
}

func (p *Participant) traceFailure(err error) {
	if p.telemetry != nil {
		p.telemetry.Fail(err)
	}
}

// endSpan closes the participant's span; safe to call more than once.
func (p *Participant) endSpan() {
	if p.telemetry != nil {
		p.telemetry.End()
		p.telemetry = nil
	}
}

// usesSctp reports whether the member asked for an SCTP data channel.
func (p *Participant) usesSctp() bool {
	return slices.Contains(p.member.Features, xmpp.FeatureSctp)
}
