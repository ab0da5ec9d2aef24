package colibri

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportMergeAccumulatesCandidates(t *testing.T) {
	transport := Transport{
		Ufrag:      "u1",
		Pwd:        "p1",
		Candidates: []webrtc.ICECandidateInit{{Candidate: "candidate:1"}},
	}

	transport.Merge(Transport{
		Ufrag:      "u2",
		Pwd:        "p2",
		Candidates: []webrtc.ICECandidateInit{{Candidate: "candidate:1"}, {Candidate: "candidate:2"}},
	})

	assert.Equal(t, "u2", transport.Ufrag)
	assert.Equal(t, "p2", transport.Pwd)
	require.Len(t, transport.Candidates, 2)

	// An update without credentials keeps the previous ones.
	transport.Merge(Transport{Candidates: []webrtc.ICECandidateInit{{Candidate: "candidate:3"}}})
	assert.Equal(t, "u2", transport.Ufrag)
	assert.Len(t, transport.Candidates, 3)
}

func TestForRelayPeerRewritesActpass(t *testing.T) {
	transport := Transport{
		Fingerprints:  []Fingerprint{{Hash: "sha-256", Value: "AA:BB", Setup: SetupActpass}},
		WebsocketURLs: []string{"wss://bridge/colibri-relay"},
	}

	fromInitiator := forRelayPeer(transport, true, false)
	require.Len(t, fromInitiator.Fingerprints, 1)
	assert.Equal(t, SetupActive, fromInitiator.Fingerprints[0].Setup)
	// The non-initiator is the websocket server, it never dials out.
	assert.Empty(t, fromInitiator.WebsocketURLs)

	fromResponder := forRelayPeer(transport, false, false)
	assert.Equal(t, SetupPassive, fromResponder.Fingerprints[0].Setup)
	// The initiator connects as client, so it keeps the peer's URL.
	assert.Equal(t, []string{"wss://bridge/colibri-relay"}, fromResponder.WebsocketURLs)

	// SCTP relays use no websocket bridge channel at all.
	sctp := forRelayPeer(transport, false, true)
	assert.Empty(t, sctp.WebsocketURLs)

	// The original is untouched.
	assert.Equal(t, SetupActpass, transport.Fingerprints[0].Setup)
}

func TestResolveConnectURL(t *testing.T) {
	resolved := resolveConnectURL("wss://transcriber.{region}.example.com/{meetingId}", "eu", "m-1")
	assert.Equal(t, "wss://transcriber.eu.example.com/m-1", resolved)
	assert.Empty(t, resolveConnectURL("", "eu", "m-1"))
}
