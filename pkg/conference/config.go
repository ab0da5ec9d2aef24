package conference

import "time"

// Config holds the per-conference tunables. The zero value is not usable;
// start from DefaultConfig and overlay the YAML file.
type Config struct {
	// StartTimeout is how long the conference waits for the first
	// participant to establish before giving up and destroying itself.
	StartTimeout time.Duration `yaml:"startTimeout"`

	// SingleParticipantTimeout destroys a conference that had exactly one
	// non-visitor, unmuted established participant for this long.
	SingleParticipantTimeout time.Duration `yaml:"singleParticipantTimeout"`

	// MaxSsrcsPerUser caps the source budget of one endpoint.
	MaxSsrcsPerUser int `yaml:"maxSsrcsPerUser"`

	// SourceSignalingDelays maps a conference size to the delay (in
	// milliseconds) used to coalesce source-add/remove bursts before
	// fanning them out. The entry with the largest size not exceeding the
	// current conference size wins; no entry means no delay.
	SourceSignalingDelays map[int]int `yaml:"sourceSignalingDelays"`

	// StripSimulcast removes simulcast groups and their secondary layers
	// from outbound source lists.
	StripSimulcast bool `yaml:"stripSimulcast"`

	// EnableAutoOwner grants the owner affiliation to the first joining
	// non-visitor, non-robot member when the room has no owner.
	EnableAutoOwner bool `yaml:"enableAutoOwner"`
}

func DefaultConfig() Config {
	return Config{
		StartTimeout:             45 * time.Second,
		SingleParticipantTimeout: 20 * time.Second,
		MaxSsrcsPerUser:          50,
		StripSimulcast:           true,
		EnableAutoOwner:          true,
	}
}

// SignalingDelay resolves the source signaling delay for a conference of the
// given size.
func (c Config) SignalingDelay(size int) time.Duration {
	bestSize := -1
	bestDelay := 0
	for forSize, delay := range c.SourceSignalingDelays {
		if forSize <= size && forSize > bestSize {
			bestSize = forSize
			bestDelay = delay
		}
	}
	if bestSize < 0 {
		return 0
	}
	return time.Duration(bestDelay) * time.Millisecond
}
