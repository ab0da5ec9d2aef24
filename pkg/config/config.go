// Package config loads and validates the focus configuration. A config is
// read from the CONFIG environment variable when set, otherwise from the
// YAML file the -config flag points at.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/riverine/headwater/pkg/auth"
	"github.com/riverine/headwater/pkg/conference"
	"github.com/riverine/headwater/pkg/telemetry"
)

// Config is the whole focus configuration.
type Config struct {
	Focus FocusConfig `yaml:"focus"`

	// TrustedDomains may claim service-robot roles (recorder, SIP gateway,
	// transcriber) in their presence.
	TrustedDomains []string `yaml:"trustedDomains"`

	// UseJitsiJidValidation switches occupant JID parsing between the
	// strict resource rules and the lenient ones.
	UseJitsiJidValidation bool `yaml:"useJitsiJidValidation"`

	Conference conference.Config `yaml:"conference"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Octo       OctoConfig        `yaml:"octo"`
	Gateway    GatewayConfig     `yaml:"gateway"`

	// VnodeJoinLatencyInterval is how long an issued visitor invite keeps
	// counting against the visitor total before it expires unused.
	VnodeJoinLatencyInterval time.Duration `yaml:"vnodeJoinLatencyInterval"`

	Jwt       auth.Config      `yaml:"jwt"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// LogLevel is the logrus level name; empty means info.
	LogLevel string `yaml:"log"`
}

// FocusConfig names the focus inside the rooms and on the network.
type FocusConfig struct {
	// Nick is the resource the focus occupies in every room.
	Nick string `yaml:"nick"`
	// MetricsAddress is the listen address of the Prometheus scrape
	// endpoint; empty disables it.
	MetricsAddress string `yaml:"metricsAddress"`
}

// BridgeConfig drives selection and the control channel toward the bridges.
type BridgeConfig struct {
	// MaxParticipantsPerBridge caps one conference's share of a bridge;
	// -1 disables the cap.
	MaxParticipantsPerBridge int `yaml:"maxParticipantsPerBridge"`
	// SelectionStrategy is "intra-region" or "http".
	SelectionStrategy string `yaml:"selectionStrategy"`
	// SelectionURL is the external selection service, required for the
	// http strategy.
	SelectionURL string `yaml:"selectionUrl"`
	// ReplyTimeout bounds every bridge request.
	ReplyTimeout time.Duration `yaml:"replyTimeout"`
	// TranscriberURL is the templated transcriber connect URL; {region}
	// and {meetingId} are substituted per request.
	TranscriberURL string `yaml:"transcriberUrl"`
}

// GatewayConfig is the local socket the XMPP termination dials.
type GatewayConfig struct {
	// Address is "unix:/path" or "tcp:host:port".
	Address string `yaml:"address"`
}

// OctoConfig tunes the inter-bridge cascade.
type OctoConfig struct {
	// SctpDatachannels switches relays from websocket bridge channels to
	// SCTP data channels.
	SctpDatachannels bool `yaml:"sctpDatachannels"`
}

const (
	StrategyIntraRegion = "intra-region"
	StrategyHTTP        = "http"
)

// Default returns the configuration a bare deployment runs with.
func Default() Config {
	return Config{
		Focus: FocusConfig{
			Nick: "focus",
		},
		Conference: conference.DefaultConfig(),
		Bridge: BridgeConfig{
			MaxParticipantsPerBridge: -1,
			SelectionStrategy:        StrategyIntraRegion,
			ReplyTimeout:             15 * time.Second,
		},
		Gateway: GatewayConfig{
			Address: "tcp:127.0.0.1:8017",
		},
		VnodeJoinLatencyInterval: time.Minute,
		LogLevel:                 "info",
	}
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Load tries the CONFIG environment variable first and falls back to the
// file at path.
func Load(path string) (*Config, error) {
	config, err := LoadFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}
		return LoadFromPath(path)
	}
	return config, nil
}

// LoadFromEnv reads the config from the CONFIG environment variable.
func LoadFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}
	return LoadFromString(configEnv)
}

// LoadFromPath reads the config from a YAML file.
func LoadFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return LoadFromString(string(file))
}

// LoadFromString parses a YAML config over the defaults and validates it.
func LoadFromString(configString string) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the focus cannot run with.
func (c *Config) Validate() error {
	if c.Focus.Nick == "" {
		return errors.New("focus.nick must not be empty")
	}
	if c.Bridge.ReplyTimeout <= 0 {
		return errors.New("bridge.replyTimeout must be positive")
	}
	if c.Bridge.MaxParticipantsPerBridge == 0 {
		return errors.New("bridge.maxParticipantsPerBridge must not be zero (-1 disables the cap)")
	}
	switch c.Bridge.SelectionStrategy {
	case StrategyIntraRegion:
	case StrategyHTTP:
		if c.Bridge.SelectionURL == "" {
			return errors.New("bridge.selectionUrl is required for the http strategy")
		}
	default:
		return fmt.Errorf("unknown bridge.selectionStrategy %q", c.Bridge.SelectionStrategy)
	}
	if c.Conference.StartTimeout <= 0 || c.Conference.SingleParticipantTimeout <= 0 {
		return errors.New("conference timeouts must be positive")
	}
	if c.Conference.MaxSsrcsPerUser <= 0 {
		return errors.New("conference.maxSsrcsPerUser must be positive")
	}
	if c.Gateway.Address == "" {
		return errors.New("gateway.address must not be empty")
	}
	if c.Jwt.Enabled() && c.Jwt.Secret == "" {
		return errors.New("jwt.secret is required when jwt.appId is set")
	}
	return nil
}
