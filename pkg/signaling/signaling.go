// Package signaling defines the typed messages the focus exchanges with
// conference participants: the jingle-shaped offer/answer and incremental
// source signaling. Serialization to the wire happens outside the core; the
// conference only ever sees and produces the structs below.
package signaling

import (
	"mellium.im/xmpp/jid"

	"github.com/riverine/headwater/pkg/colibri"
	"github.com/riverine/headwater/pkg/source"
)

// Recipient identifies the participant a message goes to.
type Recipient struct {
	Occupant   jid.JID
	EndpointID source.EndpointID
}

// Message pairs an outbound payload with its recipient.
type Message struct {
	Recipient Recipient
	// Content is one of the outbound message structs below. Go has no ADTs,
	// so the boundary adapter dispatches on the concrete type.
	Content interface{}
}

// SessionInitiate is the offer inviting a participant into the conference:
// the bridge transport it should connect to, the sources of everyone else,
// and the bridge's feedback sources.
type SessionInitiate struct {
	Sources  map[source.EndpointID]source.EndpointSet
	Feedback source.EndpointSet

	Transport colibri.Transport
	SctpPort  *uint16
}

// TransportReplace re-establishes a session on a new bridge after a
// re-invite, preserving the signaling session.
type TransportReplace struct {
	Transport colibri.Transport
	SctpPort  *uint16
}

// SourceAdd announces sources other participants added.
type SourceAdd struct {
	Sources map[source.EndpointID]source.EndpointSet
}

// SourceRemove withdraws sources other participants removed.
type SourceRemove struct {
	Sources map[source.EndpointID]source.EndpointSet
}

// SourceReject is the negative acknowledgement of a participant's own
// source-add/source-remove that failed validation.
type SourceReject struct {
	Code    source.ErrorCode
	Message string
}

// SessionTerminate ends a participant's session.
type SessionTerminate struct {
	Reason string
}

// Inbound messages, produced by the boundary adapter from participants'
// stanzas and routed onto the conference queue.

// SessionAccept is the participant's answer to a SessionInitiate.
type SessionAccept struct {
	Transport colibri.Transport
	Sources   source.EndpointSet
}

// TransportInfo carries additional ICE candidates (trickle).
type TransportInfo struct {
	Transport colibri.Transport
}

// PeerSourceAdd is a participant advertising new sources.
type PeerSourceAdd struct {
	Set source.EndpointSet
}

// PeerSourceRemove is a participant withdrawing sources.
type PeerSourceRemove struct {
	Set source.EndpointSet
}

// PeerSessionTerminate is a participant ending its own session.
type PeerSessionTerminate struct {
	Reason string
}

// PeerSignaler is the narrow boundary that puts outbound messages on the
// wire. Implementations may block; the conference always calls it through
// the Queue below.
type PeerSignaler interface {
	SendMessage(Message)
}
