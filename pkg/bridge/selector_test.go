package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBridges() []Bridge {
	return []Bridge{
		{JID: "jvb1.example.com", Region: "eu", RelayID: "r1", Operational: true},
		{JID: "jvb2.example.com", Region: "eu", RelayID: "r2", Operational: true},
		{JID: "jvb3.example.com", Region: "us", RelayID: "r3", Operational: true},
	}
}

func newTestSelector(bridges ...Bridge) (*Selector, *Registry) {
	registry := NewRegistry()
	for _, b := range bridges {
		registry.Upsert(b)
	}
	return NewSelector(registry, NewIntraRegionStrategy(-1)), registry
}

func TestSelectPrefersParticipantRegion(t *testing.T) {
	selector, _ := newTestSelector(testBridges()...)

	chosen, ok := selector.Select(nil, "eu")
	require.True(t, ok)
	assert.Equal(t, "jvb1.example.com", chosen.JID)

	// A second same-region participant stays on the conference bridge.
	conference := []ConferenceBridge{{Bridge: chosen, Participants: 1}}
	again, ok := selector.Select(conference, "eu")
	require.True(t, ok)
	assert.Equal(t, chosen.JID, again.JID)
}

func TestSelectCascadesToParticipantRegion(t *testing.T) {
	selector, _ := newTestSelector(testBridges()...)

	first, _ := selector.Select(nil, "eu")
	conference := []ConferenceBridge{{Bridge: first, Participants: 1}}

	second, ok := selector.Select(conference, "us")
	require.True(t, ok)
	assert.Equal(t, "jvb3.example.com", second.JID)
}

func TestSelectFirstParticipantWithoutRegionTakesLeastLoaded(t *testing.T) {
	bridges := testBridges()
	bridges[0].Stress = 0.9
	bridges[1].Stress = 0.1
	bridges[2].Stress = 0.5
	selector, _ := newTestSelector(bridges...)

	chosen, ok := selector.Select(nil, "")
	require.True(t, ok)
	assert.Equal(t, "jvb2.example.com", chosen.JID)
}

func TestSelectNeverPicksOverloadedUnlessAllAre(t *testing.T) {
	bridges := testBridges()
	bridges[0].Overloaded = true
	selector, _ := newTestSelector(bridges...)

	chosen, ok := selector.Select(nil, "eu")
	require.True(t, ok)
	assert.Equal(t, "jvb2.example.com", chosen.JID, "the overloaded region bridge is skipped")

	// With every candidate overloaded the least loaded one still wins over
	// refusing the first participant.
	all := NewRegistry()
	for _, b := range testBridges() {
		b.Overloaded = true
		all.Upsert(b)
	}
	selector = NewSelector(all, NewIntraRegionStrategy(-1))
	chosen, ok = selector.Select(nil, "eu")
	require.True(t, ok)
	assert.Equal(t, "jvb1.example.com", chosen.JID)
}

func TestSelectHonorsPerBridgeParticipantCap(t *testing.T) {
	registry := NewRegistry()
	for _, b := range testBridges() {
		registry.Upsert(b)
	}
	selector := NewSelector(registry, NewIntraRegionStrategy(2))

	first, _ := registry.Get("jvb1.example.com")
	conference := []ConferenceBridge{{Bridge: first, Participants: 2}}

	chosen, ok := selector.Select(conference, "eu")
	require.True(t, ok)
	assert.Equal(t, "jvb2.example.com", chosen.JID, "the full bridge no longer takes participants")
}

func TestSelectClampsCascadeWithoutRelay(t *testing.T) {
	noRelay := []Bridge{
		{JID: "jvb1.example.com", Region: "eu", Operational: true},
		{JID: "jvb3.example.com", Region: "us", RelayID: "r3", Operational: true},
	}
	selector, _ := newTestSelector(noRelay...)

	first, _ := selector.Select(nil, "eu")
	require.Equal(t, "jvb1.example.com", first.JID)
	conference := []ConferenceBridge{{Bridge: first, Participants: 1}}

	// The us participant would land on jvb3, but the anchor cannot relay,
	// so the conference stays on one bridge.
	chosen, ok := selector.Select(conference, "us")
	require.True(t, ok)
	assert.Equal(t, "jvb1.example.com", chosen.JID)
}

func TestSelectSkipsNonOperationalBridges(t *testing.T) {
	selector, registry := newTestSelector(testBridges()...)
	registry.MarkNonOperational("jvb1.example.com")

	chosen, ok := selector.Select(nil, "eu")
	require.True(t, ok)
	assert.Equal(t, "jvb2.example.com", chosen.JID)
}

func TestGracefulShutdownBridgeKeepsItsConferences(t *testing.T) {
	bridges := testBridges()
	bridges[0].GracefulShutdown = true
	selector, _ := newTestSelector(bridges...)

	// New conferences avoid the draining-down bridge.
	chosen, ok := selector.Select(nil, "eu")
	require.True(t, ok)
	assert.Equal(t, "jvb2.example.com", chosen.JID)

	// A conference already on it keeps growing there.
	shuttingDown := bridges[0]
	conference := []ConferenceBridge{{Bridge: shuttingDown, Participants: 1}}
	chosen, ok = selector.Select(conference, "eu")
	require.True(t, ok)
	assert.Equal(t, "jvb1.example.com", chosen.JID)
}

func TestStrategySnapshotCountsDecisions(t *testing.T) {
	strategy := NewIntraRegionStrategy(-1)
	candidates := testBridges()

	_, ok := strategy.Select(candidates, nil, "eu")
	require.True(t, ok)
	_, ok = strategy.Select(candidates, nil, "")
	require.True(t, ok)

	snapshot := strategy.Snapshot()
	assert.Equal(t, 1, snapshot[BranchFirstRegionMatch])
	assert.Equal(t, 1, snapshot[BranchFirstLeastLoaded])
}

func TestHTTPStrategyDelegates(t *testing.T) {
	index := 2
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request selectionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		require.Len(t, request.Candidates, 3)
		assert.Equal(t, "us", request.ParticipantRegion)
		_ = json.NewEncoder(w).Encode(selectionResponse{SelectedBridgeIndex: &index})
	}))
	defer server.Close()

	strategy := NewHTTPStrategy(server.URL, NewIntraRegionStrategy(-1))
	chosen, ok := strategy.Select(testBridges(), nil, "us")
	require.True(t, ok)
	assert.Equal(t, "jvb3.example.com", chosen.JID)
}

func TestHTTPStrategyFallsBack(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"missing index", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}},
		{"bad status", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"index out of range", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"selected_bridge_index": 99}`))
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			server := httptest.NewServer(c.handler)
			defer server.Close()

			strategy := NewHTTPStrategy(server.URL, NewIntraRegionStrategy(-1))
			chosen, ok := strategy.Select(testBridges(), nil, "eu")
			require.True(t, ok)
			assert.Equal(t, "jvb1.example.com", chosen.JID, "fallback picks the region bridge")
		})
	}

	// Unreachable service.
	strategy := NewHTTPStrategy("http://127.0.0.1:1/select", NewIntraRegionStrategy(-1))
	chosen, ok := strategy.Select(testBridges(), nil, "eu")
	require.True(t, ok)
	assert.Equal(t, "jvb1.example.com", chosen.JID)
}
