package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/riverine/headwater/pkg/auth"
	"github.com/riverine/headwater/pkg/bridge"
	"github.com/riverine/headwater/pkg/colibri"
	"github.com/riverine/headwater/pkg/conference"
	"github.com/riverine/headwater/pkg/config"
	"github.com/riverine/headwater/pkg/gateway"
	"github.com/riverine/headwater/pkg/metrics"
	"github.com/riverine/headwater/pkg/muc"
	"github.com/riverine/headwater/pkg/profiling"
	"github.com/riverine/headwater/pkg/routing"
	"github.com/riverine/headwater/pkg/telemetry"
)

func main() {
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Functions to run before exiting (stop profilers, flush traces).
	deferred := []func(){}
	if *cpuProfile != "" {
		deferred = append(deferred, profiling.InitCPUProfiling(*cpuProfile))
	}
	if *memProfile != "" {
		deferred = append(deferred, profiling.InitMemoryProfiling(*memProfile))
	}

	cfg, err := config.Load(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	if cfg.Telemetry.Enabled() {
		provider, err := telemetry.SetupTelemetry(cfg.Telemetry)
		if err != nil {
			logrus.WithError(err).Fatal("could not set up telemetry")
		}
		deferred = append(deferred, func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logrus.WithError(err).Warn("telemetry shutdown failed")
			}
		})
	}

	if cfg.Focus.MetricsAddress != "" {
		go func() {
			logrus.Infof("serving metrics on %s", cfg.Focus.MetricsAddress)
			err := http.ListenAndServe(cfg.Focus.MetricsAddress, metrics.Handler())
			logrus.WithError(err).Error("metrics server stopped")
		}()
	}

	registry := bridge.NewRegistry()
	selector := bridge.NewSelector(registry, newStrategy(cfg.Bridge))

	var verifier auth.TokenVerifier
	if cfg.Jwt.Enabled() {
		verifier = auth.NewVerifier(cfg.Jwt)
	}

	boundary := gateway.NewGateway(gateway.Config{
		Address:                  cfg.Gateway.Address,
		StrictOccupantValidation: cfg.UseJitsiJidValidation,
	}, registry, verifier)
	if err := boundary.Listen(); err != nil {
		logrus.WithError(err).Fatal("could not start the gateway")
	}

	newConference := func(room jid.JID) *conference.Conference {
		return conference.StartConference(conference.Deps{
			Room: muc.Config{
				Address:             room,
				LocalNick:           cfg.Focus.Nick,
				TrustedDomains:      cfg.TrustedDomains,
				VisitorInviteWindow: cfg.VnodeJoinLatencyInterval,
			},
			Conference: cfg.Conference,
			Colibri: colibri.Config{
				ReplyTimeout:           cfg.Bridge.ReplyTimeout,
				SctpRelays:             cfg.Octo.SctpDatachannels,
				TranscriberURLTemplate: cfg.Bridge.TranscriberURL,
			},
			Selector:       selector,
			Bridges:        boundary,
			Signaler:       boundary,
			PresenceSender: boundary.PresenceSender(room),
			RoomControl:    boundary,
		})
	}
	routing.StartRouter(boundary.Events(), newConference)

	interrupt := make(chan os.Signal, 2)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	logrus.Info("shutting down")
	boundary.Close()
	for _, function := range deferred {
		function()
	}
}

func newStrategy(cfg config.BridgeConfig) bridge.Strategy {
	intraRegion := bridge.NewIntraRegionStrategy(cfg.MaxParticipantsPerBridge)
	if cfg.SelectionStrategy == config.StrategyHTTP {
		return bridge.NewHTTPStrategy(cfg.SelectionURL, intraRegion)
	}
	return intraRegion
}
