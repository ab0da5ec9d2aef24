package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
focus:
  nick: focus
trustedDomains:
  - recorder.example.com
conference:
  startTimeout: 30s
  sourceSignalingDelays:
    3: 50
    10: 150
bridge:
  maxParticipantsPerBridge: 80
  replyTimeout: 10s
jwt:
  appId: focus-app
  secret: s3cret
  domain: meet.example.com
log: debug
`

func TestLoadFromString(t *testing.T) {
	config, err := LoadFromString(sampleConfig)
	require.NoError(t, err)

	assert.Equal(t, []string{"recorder.example.com"}, config.TrustedDomains)
	assert.Equal(t, 30*time.Second, config.Conference.StartTimeout)
	assert.Equal(t, 50, config.Conference.SourceSignalingDelays[3])
	assert.Equal(t, 80, config.Bridge.MaxParticipantsPerBridge)
	assert.Equal(t, 10*time.Second, config.Bridge.ReplyTimeout)
	assert.Equal(t, "focus-app", config.Jwt.AppID)
	assert.Equal(t, "debug", config.LogLevel)

	// Untouched sections keep their defaults.
	assert.Equal(t, 20*time.Second, config.Conference.SingleParticipantTimeout)
	assert.Equal(t, 50, config.Conference.MaxSsrcsPerUser)
	assert.Equal(t, StrategyIntraRegion, config.Bridge.SelectionStrategy)
	assert.Equal(t, time.Minute, config.VnodeJoinLatencyInterval)
}

func TestLoadFromEnvWins(t *testing.T) {
	t.Setenv("CONFIG", sampleConfig)

	config, err := Load("/nonexistent/path.yaml")
	require.NoError(t, err)
	assert.Equal(t, "debug", config.LogLevel)
}

func TestLoadRejectsMalformedYaml(t *testing.T) {
	_, err := LoadFromString("focus: [")
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty nick", func(c *Config) { c.Focus.Nick = "" }},
		{"zero reply timeout", func(c *Config) { c.Bridge.ReplyTimeout = 0 }},
		{"zero bridge cap", func(c *Config) { c.Bridge.MaxParticipantsPerBridge = 0 }},
		{"unknown strategy", func(c *Config) { c.Bridge.SelectionStrategy = "dice" }},
		{"http strategy without url", func(c *Config) { c.Bridge.SelectionStrategy = StrategyHTTP }},
		{"zero start timeout", func(c *Config) { c.Conference.StartTimeout = 0 }},
		{"zero source cap", func(c *Config) { c.Conference.MaxSsrcsPerUser = 0 }},
		{"jwt app without secret", func(c *Config) { c.Jwt.AppID = "app" }},
		{"empty gateway address", func(c *Config) { c.Gateway.Address = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := Default()
			tc.mutate(&config)
			assert.Error(t, config.Validate())
		})
	}

	defaults := Default()
	assert.NoError(t, defaults.Validate(), "the defaults must be valid")
}
