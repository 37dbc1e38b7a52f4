// Package gateways builds the card reader gateway selected in the configuration.
package gateways

import (
	"context"
	"time"

	"github.com/MeneDev/cardreader-settings/cardreader"
	"github.com/MeneDev/cardreader-settings/config"
	"github.com/MeneDev/cardreader-settings/scardgateway"
	"github.com/MeneDev/cardreader-settings/simgateway"
	"github.com/MeneDev/cardreader-settings/usbgateway"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SimulatedReaders are found by the "sim" gateway.
var SimulatedReaders = []cardreader.Reader{
	{Serial: "CHB204909005931", Name: "Chipper 2X BT", BatteryLevel: batteryLevel(0.74)},
	{Serial: "WPC323209005932", Name: "WisePad 3"},
}

func batteryLevel(level float64) *float64 {
	return &level
}

// Open builds the gateway named by cfg.Gateway. The returned func releases it.
func Open(ctx context.Context, cfg config.Config) (cardreader.Gateway, func(), error) {
	switch cfg.Gateway {
	case config.GatewaySim:
		g := &simgateway.Gateway{Readers: SimulatedReaders, Delay: time.Second}
		return g, func() {}, nil

	case config.GatewayPCSC:
		g := scardgateway.GatewayNew(ctx)
		return g, g.Close, nil

	case config.GatewayUSB:
		ids := make([]usbgateway.DeviceID, 0, len(cfg.USB.Devices))
		for _, s := range cfg.USB.Devices {
			id, err := usbgateway.ParseDeviceID(s)
			if err != nil {
				return nil, nil, err
			}
			ids = append(ids, id)
		}

		g := usbgateway.GatewayNew(ctx, ids, cfg.USB.RescanInterval)
		return g, func() {
			if err := g.Close(); err != nil {
				log.Warn().Err(err).Msg("Could not close usb context")
			}
		}, nil
	}

	return nil, nil, errors.Errorf("unknown gateway %q", cfg.Gateway)
}
