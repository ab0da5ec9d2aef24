package colibri

import (
	"context"
	"strings"

	"github.com/riverine/headwater/pkg/source"
)

// Request is one conference-modification directive batch addressed to a
// single bridge. A request targets the conference by meeting id; Create asks
// the bridge to instantiate the conference before applying the rest.
type Request struct {
	Bridge    string
	MeetingID string
	// ConferenceID is the global identifier used to cross-reference the
	// relay topology (the bare room address).
	ConferenceID string
	Create       bool

	Endpoints []EndpointDirective
	Relays    []RelayDirective

	// RecordingURL connects the bridge-side recorder when set.
	RecordingURL string
	// TranscriberURL is the per-request transcriber connect URL, resolved
	// from the configured template.
	TranscriberURL string
}

// EndpointDirective creates, modifies or expires one endpoint on the bridge.
type EndpointDirective struct {
	ID     source.EndpointID
	Create bool
	Expire bool

	// StatsID and Region annotate the endpoint for the bridge's accounting.
	StatsID string
	Region  string

	// Transport is the participant's side of the ICE/DTLS exchange; nil
	// leaves the bridge's view unchanged.
	Transport *Transport
	// Sources replaces the endpoint's advertised source set; nil leaves it
	// unchanged.
	Sources *source.EndpointSet

	// ForceMuteAudio / ForceMuteVideo toggle bridge-side muting; nil leaves
	// the current value.
	ForceMuteAudio *bool
	ForceMuteVideo *bool

	// UseSctp requests an SCTP data channel for the endpoint.
	UseSctp bool
}

// RelayDirective creates, modifies or expires one relay toward a peer bridge.
type RelayDirective struct {
	// PeerRelayID names the bridge at the far end.
	PeerRelayID string
	MeshID      string
	Create      bool
	Expire      bool

	// Initiator carries the single boolean the complementary relay roles
	// derive from: the initiating side is ICE-controlling, DTLS-active,
	// SCTP client and bridge-channel client; the other side is the mirror.
	Initiator bool

	// Transport is the peer bridge's transport, already rewritten for this
	// receiver. Nil on the initial create (the bridge answers with its own).
	Transport *Transport

	// RemoteEndpoints advertises endpoints living on other bridges of the
	// mesh so the bridge can route their media over the relay.
	RemoteEndpoints []RemoteEndpoint

	// ExpireEndpoints withdraws previously advertised remote endpoints.
	ExpireEndpoints []source.EndpointID
}

// RemoteEndpoint is a participant allocated on another bridge, advertised
// over a relay.
type RemoteEndpoint struct {
	ID      source.EndpointID
	Sources source.EndpointSet
}

// Response is what a bridge answers: exactly one of Conference or Error.
type Response struct {
	Conference *ModifiedConference
	Error      *ResponseError
}

// ModifiedConference is the success payload.
type ModifiedConference struct {
	// Feedback is the bridge's own source set: the placeholders for mixed
	// audio and video the participants subscribe to.
	Feedback source.EndpointSet

	Endpoints []EndpointResponse
	Relays    []RelayResponse
}

// EndpointResponse carries the bridge-side transport of one endpoint.
type EndpointResponse struct {
	ID        source.EndpointID
	Transport *Transport
	SctpPort  *uint16
}

// Endpoint looks up the response entry for one endpoint. A missing entry
// means the bridge no longer knows it and the participant needs a re-invite.
func (c *ModifiedConference) Endpoint(id source.EndpointID) (EndpointResponse, bool) {
	for _, endpoint := range c.Endpoints {
		if endpoint.ID == id {
			return endpoint, true
		}
	}
	return EndpointResponse{}, false
}

// RelayResponse carries the bridge-side transport of one relay.
type RelayResponse struct {
	PeerRelayID string
	Transport   *Transport
}

// ErrorReason classifies bridge error responses.
type ErrorReason string

const (
	ReasonConferenceNotFound ErrorReason = "conference-not-found"
	ReasonUnknownEndpoint    ErrorReason = "unknown-endpoint"
	ReasonBadRequest         ErrorReason = "bad-request"
	ReasonInternalError      ErrorReason = "internal-error"
)

// ResponseError is the error payload of a bridge response.
type ResponseError struct {
	Reason  ErrorReason
	Message string
}

// Sender is the narrow boundary toward the bridge control channel. The
// implementation owns serialization and the component stream; SendRequest
// blocks until the addressed bridge answers, the context expires, or the
// transport fails.
type Sender interface {
	SendRequest(ctx context.Context, request Request) (*Response, error)
}

// resolveConnectURL substitutes the {region} and {meetingId} placeholders of
// a templated connect URL. An empty template resolves to nothing.
func resolveConnectURL(template, region, meetingID string) string {
	if template == "" {
		return ""
	}
	resolved := strings.ReplaceAll(template, "{region}", region)
	return strings.ReplaceAll(resolved, "{meetingId}", meetingID)
}
