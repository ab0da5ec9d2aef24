package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoSource(ssrc Ssrc, msid string) Source {
	return Source{
		Ssrc:      ssrc,
		MediaType: MediaVideo,
		Cname:     "cname-" + msid,
		Msid:      msid,
		VideoType: VideoTypeCamera,
	}
}

func audioSource(ssrc Ssrc) Source {
	return Source{Ssrc: ssrc, MediaType: MediaAudio, Cname: "cname-a", Msid: "stream audio"}
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	validation, ok := IsValidationError(err)
	require.True(t, ok, "expected a validation error, got %v", err)
	assert.Equal(t, code, validation.Code, "unexpected rejection reason: %v", err)
}

func TestParseSsrcRange(t *testing.T) {
	_, err := ParseSsrc(0)
	requireCode(t, err, CodeInvalidSsrc)

	_, err = ParseSsrc(1 << 32)
	requireCode(t, err, CodeInvalidSsrc)

	_, err = ParseSsrc(-5)
	requireCode(t, err, CodeInvalidSsrc)

	ssrc, err := ParseSsrc(1<<32 - 1)
	require.NoError(t, err)
	assert.Equal(t, Ssrc(4294967295), ssrc)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	conference := NewConferenceMap(50)
	advertised := EndpointSet{
		Sources: []Source{videoSource(1, "stream video"), videoSource(2, "stream video")},
		Groups:  []Group{NewGroup(SemanticsFid, 1, 2)},
	}

	added, err := conference.TryAdd("e1", advertised)
	require.NoError(t, err)
	assert.Equal(t, advertised, added)
	assert.Equal(t, advertised, conference.Endpoint("e1"))

	// Re-advertising an owned SSRC with a different stream identity is a
	// conflict and must leave the committed set intact.
	_, err = conference.TryAdd("e1", EndpointSet{
		Sources: []Source{videoSource(1, "other stream")},
	})
	requireCode(t, err, CodeDuplicateSsrc)
	assert.Equal(t, advertised, conference.Endpoint("e1"))

	// Removing only the primary would leave the retransmission pair with a
	// dangling reference, so the whole request is refused.
	_, err = conference.TryRemove("e1", EndpointSet{
		Sources: []Source{{Ssrc: 1}},
	})
	requireCode(t, err, CodeGroupedSourceMissing)
	assert.Equal(t, advertised, conference.Endpoint("e1"))

	removed, err := conference.TryRemove("e1", advertised)
	require.NoError(t, err)
	assert.Equal(t, advertised, removed)
	assert.True(t, conference.Endpoint("e1").IsEmpty())
	assert.Equal(t, 0, conference.Size())
}

func TestAddRejectsZeroSsrc(t *testing.T) {
	conference := NewConferenceMap(50)
	_, err := conference.TryAdd("e1", EndpointSet{Sources: []Source{{Ssrc: 0, MediaType: MediaAudio}}})
	requireCode(t, err, CodeInvalidSsrc)
	assert.Equal(t, 0, conference.Size())
}

func TestCrossEndpointSsrcUniqueness(t *testing.T) {
	conference := NewConferenceMap(50)
	_, err := conference.TryAdd("e1", EndpointSet{Sources: []Source{audioSource(5)}})
	require.NoError(t, err)

	_, err = conference.TryAdd("e2", EndpointSet{Sources: []Source{audioSource(5)}})
	requireCode(t, err, CodeDuplicateSsrc)
	assert.True(t, conference.Endpoint("e2").IsEmpty())

	owner, ok := conference.Owner(5)
	require.True(t, ok)
	assert.Equal(t, EndpointID("e1"), owner)
}

func TestIdenticalReadvertisementIsIgnored(t *testing.T) {
	conference := NewConferenceMap(50)
	advertised := EndpointSet{Sources: []Source{audioSource(7)}}

	added, err := conference.TryAdd("e1", advertised)
	require.NoError(t, err)
	assert.Len(t, added.Sources, 1)

	added, err = conference.TryAdd("e1", advertised)
	require.NoError(t, err)
	assert.True(t, added.IsEmpty())
	assert.Equal(t, 1, conference.Size())
}

func TestConflictWithinOneAdvertisement(t *testing.T) {
	conference := NewConferenceMap(50)
	_, err := conference.TryAdd("e1", EndpointSet{
		Sources: []Source{videoSource(1, "stream a"), videoSource(1, "stream b")},
	})
	requireCode(t, err, CodeDuplicateSsrc)
	assert.Equal(t, 0, conference.Size())
}

func TestMsidSharingRequiresGrouping(t *testing.T) {
	conference := NewConferenceMap(50)
	_, err := conference.TryAdd("e1", EndpointSet{
		Sources: []Source{videoSource(1, "stream video"), videoSource(2, "stream video")},
	})
	requireCode(t, err, CodeMsidConflict)
}

func TestSimulcastFamilyAccepted(t *testing.T) {
	conference := NewConferenceMap(50)
	family := EndpointSet{
		Sources: []Source{
			videoSource(1, "stream video"), videoSource(2, "stream video"),
			videoSource(3, "stream video"), videoSource(4, "stream video"),
			videoSource(5, "stream video"), videoSource(6, "stream video"),
		},
		Groups: []Group{
			NewGroup(SemanticsSim, 1, 2, 3),
			NewGroup(SemanticsFid, 1, 4),
			NewGroup(SemanticsFid, 2, 5),
			NewGroup(SemanticsFid, 3, 6),
		},
	}

	added, err := conference.TryAdd("e1", family)
	require.NoError(t, err)
	assert.Equal(t, family, added)
}

func TestSimulcastLayerWithoutRetransmissionPair(t *testing.T) {
	conference := NewConferenceMap(50)
	_, err := conference.TryAdd("e1", EndpointSet{
		Sources: []Source{
			videoSource(1, "stream video"), videoSource(2, "stream video"),
			videoSource(3, "stream video"), videoSource(4, "stream video"),
		},
		Groups: []Group{
			NewGroup(SemanticsSim, 1, 2, 3),
			NewGroup(SemanticsFid, 1, 4),
		},
	})
	requireCode(t, err, CodeGroupedSourceMissing)
}

func TestTwoSimGroupsCannotShareMsid(t *testing.T) {
	conference := NewConferenceMap(50)
	_, err := conference.TryAdd("e1", EndpointSet{
		Sources: []Source{
			videoSource(1, "stream video"), videoSource(2, "stream video"),
			videoSource(3, "stream video"), videoSource(4, "stream video"),
			videoSource(5, "stream video"), videoSource(6, "stream video"),
			videoSource(7, "stream video"), videoSource(8, "stream video"),
		},
		Groups: []Group{
			NewGroup(SemanticsSim, 1, 2),
			NewGroup(SemanticsFid, 1, 3),
			NewGroup(SemanticsFid, 2, 4),
			NewGroup(SemanticsSim, 5, 6),
			NewGroup(SemanticsFid, 5, 7),
			NewGroup(SemanticsFid, 6, 8),
		},
	})
	requireCode(t, err, CodeMsidConflict)
}

func TestGroupCannotMixMediaTypes(t *testing.T) {
	conference := NewConferenceMap(50)
	video := videoSource(1, "stream mixed")
	audio := Source{Ssrc: 2, MediaType: MediaAudio, Cname: video.Cname, Msid: video.Msid}

	_, err := conference.TryAdd("e1", EndpointSet{
		Sources: []Source{video, audio},
		Groups:  []Group{NewGroup(SemanticsFid, 1, 2)},
	})
	requireCode(t, err, CodeGroupMediaMismatch)
}

func TestGroupReferencingUnknownSsrc(t *testing.T) {
	conference := NewConferenceMap(50)
	_, err := conference.TryAdd("e1", EndpointSet{
		Sources: []Source{videoSource(1, "stream video")},
		Groups:  []Group{NewGroup(SemanticsFid, 1, 99)},
	})
	requireCode(t, err, CodeGroupedSourceMissing)
}

func TestEmptyAndDuplicateGroupsAreDropped(t *testing.T) {
	conference := NewConferenceMap(50)
	added, err := conference.TryAdd("e1", EndpointSet{
		Sources: []Source{videoSource(1, "stream video"), videoSource(2, "stream video")},
		Groups: []Group{
			NewGroup(SemanticsFid),
			NewGroup(SemanticsFid, 1, 2),
			NewGroup(SemanticsFid, 1, 2),
		},
	})
	require.NoError(t, err)
	assert.Len(t, added.Groups, 1)
}

func TestPerEndpointSourceCap(t *testing.T) {
	conference := NewConferenceMap(2)
	_, err := conference.TryAdd("e1", EndpointSet{Sources: []Source{audioSource(1)}})
	require.NoError(t, err)

	_, err = conference.TryAdd("e1", EndpointSet{
		Sources: []Source{
			{Ssrc: 2, MediaType: MediaAudio},
			{Ssrc: 3, MediaType: MediaAudio},
		},
	})
	requireCode(t, err, CodeLimit)
	assert.Equal(t, 1, conference.Size())

	_, err = conference.TryAdd("e1", EndpointSet{Sources: []Source{{Ssrc: 2, MediaType: MediaAudio}}})
	require.NoError(t, err)
}

func TestRemoveIntersectsWithCommittedState(t *testing.T) {
	conference := NewConferenceMap(50)
	_, err := conference.TryAdd("e1", EndpointSet{Sources: []Source{audioSource(1)}})
	require.NoError(t, err)

	// Nothing in common: a no-op, not an error.
	removed, err := conference.TryRemove("e1", EndpointSet{Sources: []Source{{Ssrc: 9}}})
	require.NoError(t, err)
	assert.True(t, removed.IsEmpty())

	// Unknown endpoints are a no-op too.
	removed, err = conference.TryRemove("ghost", EndpointSet{Sources: []Source{{Ssrc: 1}}})
	require.NoError(t, err)
	assert.True(t, removed.IsEmpty())

	// Partial overlap removes exactly the overlap, with full attributes.
	removed, err = conference.TryRemove("e1", EndpointSet{
		Sources: []Source{{Ssrc: 1}, {Ssrc: 9}},
	})
	require.NoError(t, err)
	assert.Equal(t, []Source{audioSource(1)}, removed.Sources)
	assert.True(t, conference.Endpoint("e1").IsEmpty())
}

func TestRemoveThenAddRestores(t *testing.T) {
	conference := NewConferenceMap(50)
	family := EndpointSet{
		Sources: []Source{videoSource(1, "stream video"), videoSource(2, "stream video")},
		Groups:  []Group{NewGroup(SemanticsFid, 1, 2)},
	}
	_, err := conference.TryAdd("e1", family)
	require.NoError(t, err)

	removed, err := conference.TryRemove("e1", family)
	require.NoError(t, err)

	added, err := conference.TryAdd("e1", removed)
	require.NoError(t, err)
	assert.Equal(t, removed, added)
	assert.Equal(t, family, conference.Endpoint("e1"))
}

func TestRemoveEndpointFreesSsrcs(t *testing.T) {
	conference := NewConferenceMap(50)
	_, err := conference.TryAdd("e1", EndpointSet{Sources: []Source{audioSource(5)}})
	require.NoError(t, err)

	removed := conference.RemoveEndpoint("e1")
	assert.Len(t, removed.Sources, 1)
	assert.Equal(t, 0, conference.Size())

	_, err = conference.TryAdd("e2", EndpointSet{Sources: []Source{audioSource(5)}})
	require.NoError(t, err)

	// Removing an endpoint that was never there is fine.
	assert.True(t, conference.RemoveEndpoint("ghost").IsEmpty())
}

func TestSnapshotIsIndependent(t *testing.T) {
	conference := NewConferenceMap(50)
	_, err := conference.TryAdd("e1", EndpointSet{Sources: []Source{audioSource(1)}})
	require.NoError(t, err)

	snapshot := conference.Snapshot()
	_, err = conference.TryRemove("e1", EndpointSet{Sources: []Source{{Ssrc: 1}}})
	require.NoError(t, err)

	assert.Len(t, snapshot[EndpointID("e1")].Sources, 1)
	assert.Equal(t, 0, conference.Size())
}
