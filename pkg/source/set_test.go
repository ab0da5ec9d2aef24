package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simulcastFamily() EndpointSet {
	return EndpointSet{
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
}

func TestStripSimulcastKeepsBaseLayer(t *testing.T) {
	stripped := simulcastFamily().StripSimulcast()

	require.Len(t, stripped.Sources, 2)
	assert.Equal(t, Ssrc(1), stripped.Sources[0].Ssrc)
	assert.Equal(t, Ssrc(4), stripped.Sources[1].Ssrc)
	require.Len(t, stripped.Groups, 1)
	assert.Equal(t, NewGroup(SemanticsFid, 1, 4), stripped.Groups[0])
}

func TestStripSimulcastWithoutSimIsACopy(t *testing.T) {
	set := EndpointSet{
		Sources: []Source{videoSource(1, "stream video"), videoSource(2, "stream video")},
		Groups:  []Group{NewGroup(SemanticsFid, 1, 2)},
	}
	stripped := set.StripSimulcast()
	assert.Equal(t, set, stripped)

	stripped.Groups[0].Ssrcs[0] = 9
	assert.Equal(t, Ssrc(1), set.Groups[0].Ssrcs[0])
}

func TestCloneIsIndependent(t *testing.T) {
	set := simulcastFamily()
	clone := set.Clone()
	clone.Groups[0].Ssrcs[0] = 42
	clone.Sources[0].Msid = "tampered"

	assert.Equal(t, Ssrc(1), set.Groups[0].Ssrcs[0])
	assert.Equal(t, "stream video", set.Sources[0].Msid)
}

func TestSsrcsSorted(t *testing.T) {
	set := EndpointSet{Sources: []Source{audioSource(9), {Ssrc: 3, MediaType: MediaAudio}, {Ssrc: 7, MediaType: MediaVideo}}}
	assert.Equal(t, []Ssrc{3, 7, 9}, set.Ssrcs())
}

func TestFindSource(t *testing.T) {
	set := EndpointSet{Sources: []Source{audioSource(9)}}

	found, ok := set.FindSource(9)
	require.True(t, ok)
	assert.Equal(t, audioSource(9), found)

	_, ok = set.FindSource(10)
	assert.False(t, ok)
}

func TestHasMedia(t *testing.T) {
	set := EndpointSet{Sources: []Source{audioSource(9)}}
	assert.True(t, set.HasMedia(MediaAudio))
	assert.False(t, set.HasMedia(MediaVideo))
}
