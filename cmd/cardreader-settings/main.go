package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/MeneDev/cardreader-settings/analytics"
	"github.com/MeneDev/cardreader-settings/config"
	"github.com/MeneDev/cardreader-settings/discovery"
	"github.com/MeneDev/cardreader-settings/gateways"
	"github.com/MeneDev/cardreader-settings/knownreaders"
	"github.com/MeneDev/cardreader-settings/onboarding"
	"github.com/MeneDev/cardreader-settings/releasemon"
	"github.com/MeneDev/cardreader-settings/tristate"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func main() {
	defer logPanic()

	// until the configuration says otherwise
	configureLogging(config.LogConfig{Level: "info", Pretty: true}, false)

	var opts Options
	_, err := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash).Parse()
	if opts.ShowVersion {
		if err := currentBuild().write(os.Stdout); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err != nil {
		log.Fatal().Err(err).Msg("cannot parse flags")
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load configuration")
	}
	applyOptions(&cfg, opts)
	configureLogging(cfg.Log, opts.Debug)
	log.Info().Object("build", currentBuild()).Str("gateway", cfg.Gateway).Int64("site", cfg.SiteID).Msg("Starting card reader settings")

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		log.Debug().Msg("Canceling root context")
		cancel()
	}()

	metricReader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricReader))
	defer func() {
		logEventCounts(metricReader)
		_ = meterProvider.Shutdown(context.Background())
	}()

	meterTracker, err := analytics.MeterTrackerNew(meterProvider)
	if err != nil {
		log.Error().Err(err).Msg("cannot create meter")
		return
	}
	tracker := analytics.Multi{analytics.LogTrackerNew(log.Logger), meterTracker}

	state, err := onboarding.Parse(opts.Onboarding)
	if err != nil {
		log.Error().Err(err).Msg("invalid onboarding state")
		return
	}
	if _, blocked := state.ReasonForAnalytics(); blocked {
		onboarding.Track(tracker, state)
		log.Warn().Str("state", opts.Onboarding).Msg("Card present payments are not available, onboarding is not completed")
		return
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Error().Err(err).Msg("cannot create database directory")
		return
	}
	store, err := knownreaders.Open(ctx, cfg.Database.Path)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Database.Path).Msg("cannot open known readers")
		return
	}
	defer store.Close()

	if len(opts.Forget) > 0 {
		for _, serial := range opts.Forget {
			if err := store.ForgetCardReader(ctx, serial); err != nil {
				log.Error().Err(err).Msg("cannot forget reader")
				return
			}
			log.Info().Str("serial", serial).Msg("Forgot reader")
		}
		return
	}

	gateway, closeGateway, err := gateways.Open(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("cannot open gateway")
		return
	}
	defer closeGateway()

	var session *discovery.Session
	session, err = discovery.SessionNew(ctx, discovery.Params{
		SiteID:           cfg.SiteID,
		Gateway:          gateway,
		KnownReaders:     store,
		Tracker:          tracker,
		DiscoveryTimeout: cfg.Discovery.Timeout,
		ConnectTimeout:   cfg.Connect.Timeout,
		OnUpdate: func(v discovery.ViewState) {
			onUpdate(session, v, opts)
		},
		OnShouldShowChange: func(show tristate.TriState) {
			log.Info().Str("should_show", show.String()).Msg("Connect reader prompt")
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("cannot create discovery session")
		return
	}
	defer session.Close()

	if err := session.StartDiscovery(); err != nil {
		log.Error().Err(err).Msg("cannot start discovery")
		return
	}

	var releases <-chan releasemon.ReleaseInfo
	if opts.CheckUpdate {
		url := releasemon.LatestReleaseURL("MeneDev", "cardreader-settings")
		releases = releasemon.ReleaseMonNew(ctx, http.DefaultClient, url, time.Hour, time.Minute).ReleaseChan()
	}

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt)

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Context.Done()")
			return

		case release, ok := <-releases:
			if !ok {
				releases = nil
				break
			}
			if release.Error != nil {
				log.Warn().Err(release.Error).Msg("checking release failed")
			} else if releasemon.IsNewer(Version, release.Release.TagName) {
				log.Info().Str("version", release.Release.TagName).Str("url", release.Release.HtmlUrl).Msg("New release available")
			}

		case <-interruptChan:
			log.Info().Msg("Received Interrupt, shutting down")
			if err := session.CancelDiscovery(); err != nil {
				log.Debug().Err(err).Msg("cancel discovery")
			}
			return
		}
	}
}

func applyOptions(cfg *config.Config, opts Options) {
	if opts.SiteID != 0 {
		cfg.SiteID = opts.SiteID
	}
	if opts.Gateway != "" {
		cfg.Gateway = opts.Gateway
	}
}

func configureLogging(cfg config.LogConfig, debug bool) {
	if cfg.Pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true, TimeFormat: time.DateTime}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Err(err).Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// onUpdate runs on the session's queue, commands issued here run after it returns.
func onUpdate(session *discovery.Session, v discovery.ViewState, opts Options) {
	evt := log.Info().Str("state", v.Kind.String())
	if v.Err != nil {
		evt = evt.Err(v.Err)
	}
	evt.Msg("Card reader")

	switch v.Kind {
	case discovery.FoundReader:
		serial, _ := session.FoundReaderSerial()
		log.Info().Str("serial", serial).Msg("Found reader")
		if opts.Connect {
			if err := session.Connect(); err != nil {
				log.Error().Err(err).Msg("cannot connect")
			}
		}

	case discovery.SearchFailure, discovery.ConnectionFailure:
		if opts.ContinueAfter > 0 {
			time.AfterFunc(opts.ContinueAfter, func() {
				if err := session.ContinueSearch(); err != nil {
					log.Debug().Err(err).Msg("continue search")
				}
			})
		}
	}
}

func logEventCounts(reader sdkmetric.Reader) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		log.Debug().Err(err).Msg("collecting metrics failed")
		return
	}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				stat, _ := dp.Attributes.Value("stat")
				isError, _ := dp.Attributes.Value("error")
				log.Debug().
					Str("stat", stat.AsString()).
					Bool("error", isError.AsBool()).
					Int64("count", dp.Value).
					Msg(m.Name)
			}
		}
	}
}
