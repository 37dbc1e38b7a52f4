package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/MeneDev/cardreader-settings/cardreader"
	"github.com/MeneDev/cardreader-settings/config"
	"github.com/MeneDev/cardreader-settings/gateways"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ConfigFile string `short:"c" long:"config" description:"Configuration file (toml, yaml or json)"`
	Gateway    string `short:"g" long:"gateway" choice:"sim" choice:"pcsc" choice:"usb" description:"Reader gateway, overrides the configuration"`
}

// readerlogger logs every reader list a gateway reports, until interrupted.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load configuration")
	}
	if opts.Gateway != "" {
		cfg.Gateway = opts.Gateway
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, closeGateway, err := gateways.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open gateway")
	}
	defer closeGateway()

	gateway.ObserveConnectedReaders(func(readers []cardreader.Reader) {
		log.Info().Strs("serials", cardreader.Serials(readers)).Msg("connected readers")
	})

	failed := make(chan error, 1)
	gateway.StartDiscovery(ctx, cfg.SiteID,
		func(readers []cardreader.Reader) {
			for _, r := range readers {
				evt := log.Info().Str("serial", r.Serial).Str("name", r.Name)
				if r.BatteryLevel != nil {
					evt = evt.Float64("battery_level", *r.BatteryLevel)
				}
				evt.Msg("reader")
			}
			log.Info().Int("count", len(readers)).Msg("reader list")
		},
		func(err error) {
			failed <- err
		},
	)

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt)

	select {
	case err := <-failed:
		log.Error().Err(err).Msg("discovery failed")
	case <-interruptChan:
		log.Info().Msg("Received Interrupt, shutting down")
	}
}
