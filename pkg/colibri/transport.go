// Package colibri drives the media bridges of one conference: it keeps one
// control session per bridge, issues allocate/update/expire directives and
// arranges the inter-bridge relay topology when the conference spans more
// than one bridge. The wire encoding of the protocol lives outside the core;
// the package speaks through the Sender interface in typed requests.
package colibri

import (
	"github.com/pion/webrtc/v3"
	"golang.org/x/exp/slices"
)

// DTLS setup attribute values as they appear in fingerprints.
const (
	SetupActpass = "actpass"
	SetupActive  = "active"
	SetupPassive = "passive"
)

// Fingerprint is one DTLS fingerprint with its setup role.
type Fingerprint struct {
	Hash  string
	Value string
	Setup string
}

// Transport is the ICE/DTLS transport description exchanged with bridges and
// participants. Candidates use the WebRTC init form so that the boundary
// adapters can hand them to any SDP machinery unchanged.
type Transport struct {
	Ufrag string
	Pwd   string

	Candidates   []webrtc.ICECandidateInit
	Fingerprints []Fingerprint

	// WebsocketURLs are the bridge-channel endpoints the bridge offers. The
	// client side of a relay connects to the other end's URL; the server
	// side never needs them.
	WebsocketURLs []string

	// SctpPort is set when the endpoint negotiated an SCTP data channel.
	SctpPort *uint16
}

// Clone copies the transport deeply enough for independent mutation.
func (t Transport) Clone() Transport {
	clone := t
	clone.Candidates = slices.Clone(t.Candidates)
	clone.Fingerprints = slices.Clone(t.Fingerprints)
	clone.WebsocketURLs = slices.Clone(t.WebsocketURLs)
	if t.SctpPort != nil {
		port := *t.SctpPort
		clone.SctpPort = &port
	}
	return clone
}

// Merge folds a transport-info update into the stored transport: candidates
// accumulate (duplicates skipped), ufrag/pwd overwrite when present, and
// fingerprints replace the previous set when the update carries any.
func (t *Transport) Merge(update Transport) {
	if update.Ufrag != "" {
		t.Ufrag = update.Ufrag
	}
	if update.Pwd != "" {
		t.Pwd = update.Pwd
	}
	for _, candidate := range update.Candidates {
		if !slices.Contains(t.Candidates, candidate) {
			t.Candidates = append(t.Candidates, candidate)
		}
	}
	if len(update.Fingerprints) > 0 {
		t.Fingerprints = slices.Clone(update.Fingerprints)
	}
	if len(update.WebsocketURLs) > 0 {
		t.WebsocketURLs = slices.Clone(update.WebsocketURLs)
	}
	if update.SctpPort != nil {
		port := *update.SctpPort
		t.SctpPort = &port
	}
}

// forRelayPeer prepares a bridge's relay transport for forwarding to the
// peer bridge. Bridges always hand us their fingerprints as actpass; the two
// ends of a relay must end up complementary, so the initiator's transport is
// forwarded as active and the other as passive. The websocket bridge-channel
// runs client-to-server from the initiator, so the passive side never gets
// websocket children; with SCTP relays nobody does.
func forRelayPeer(t Transport, fromInitiator bool, sctpRelays bool) Transport {
	forwarded := t.Clone()

	setup := SetupPassive
	if fromInitiator {
		setup = SetupActive
	}
	for i := range forwarded.Fingerprints {
		if forwarded.Fingerprints[i].Setup == SetupActpass {
			forwarded.Fingerprints[i].Setup = setup
		}
	}

	// The receiving peer acts as websocket client only when the transport
	// came from the non-initiator (the initiator is the client).
	if sctpRelays || fromInitiator {
		forwarded.WebsocketURLs = nil
	}
	return forwarded
}
