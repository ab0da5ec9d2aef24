package bridge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riverine/headwater/pkg/metrics"
)

// HTTPStrategy delegates the selection decision to an external service. The
// service receives the candidate list and answers with the index of its
// choice; any transport failure or unusable answer falls back to the built-in
// strategy, so a broken external service degrades rather than blocks.
type HTTPStrategy struct {
	logger   *logrus.Entry
	client   *http.Client
	url      string
	fallback Strategy
}

func NewHTTPStrategy(url string, fallback Strategy) *HTTPStrategy {
	return &HTTPStrategy{
		logger:   logrus.WithField("component", "bridge-selector-http"),
		client:   &http.Client{Timeout: 5 * time.Second},
		url:      url,
		fallback: fallback,
	}
}

type selectionRequest struct {
	Candidates        []candidateJSON `json:"candidates"`
	ConferenceBridges []candidateJSON `json:"conference_bridges"`
	ParticipantRegion string          `json:"participant_region"`
}

type candidateJSON struct {
	JID          string  `json:"jid"`
	Region       string  `json:"region"`
	Stress       float64 `json:"stress"`
	Overloaded   bool    `json:"overloaded"`
	Participants int     `json:"participants,omitempty"`
}

type selectionResponse struct {
	SelectedBridgeIndex *int `json:"selected_bridge_index"`
}

func (s *HTTPStrategy) Select(
	candidates []Bridge,
	conference []ConferenceBridge,
	participantRegion string,
) (Bridge, bool) {
	if len(candidates) == 0 {
		return s.fallback.Select(candidates, conference, participantRegion)
	}

	chosen, ok := s.delegate(candidates, conference, participantRegion)
	if !ok {
		return s.fallback.Select(candidates, conference, participantRegion)
	}
	metrics.SelectorDecisions.WithLabelValues(BranchDelegated).Inc()
	return chosen, true
}

func (s *HTTPStrategy) delegate(
	candidates []Bridge,
	conference []ConferenceBridge,
	participantRegion string,
) (Bridge, bool) {
	request := selectionRequest{ParticipantRegion: participantRegion}
	for _, candidate := range candidates {
		request.Candidates = append(request.Candidates, candidateJSON{
			JID:        candidate.JID,
			Region:     candidate.Region,
			Stress:     candidate.Stress,
			Overloaded: candidate.Overloaded,
		})
	}
	for _, cb := range conference {
		request.ConferenceBridges = append(request.ConferenceBridges, candidateJSON{
			JID:          cb.Bridge.JID,
			Region:       cb.Bridge.Region,
			Stress:       cb.Bridge.Stress,
			Overloaded:   cb.Bridge.Overloaded,
			Participants: cb.Participants,
		})
	}

	body, err := json.Marshal(request)
	if err != nil {
		s.logger.WithError(err).Error("Cannot encode selection request")
		return Bridge{}, false
	}

	response, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.WithError(err).Warn("Selection service unreachable, using fallback")
		return Bridge{}, false
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		s.logger.Warnf("Selection service answered %d, using fallback", response.StatusCode)
		return Bridge{}, false
	}

	var decoded selectionResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		s.logger.WithError(err).Warn("Malformed selection response, using fallback")
		return Bridge{}, false
	}
	if decoded.SelectedBridgeIndex == nil {
		s.logger.Warn("Selection response misses selected_bridge_index, using fallback")
		return Bridge{}, false
	}
	index := *decoded.SelectedBridgeIndex
	if index < 0 || index >= len(candidates) {
		s.logger.Warnf("Selection index %d out of range, using fallback", index)
		return Bridge{}, false
	}
	return candidates[index], true
}
