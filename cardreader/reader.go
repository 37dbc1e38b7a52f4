// Package cardreader defines card readers and the boundary to the hardware SDK
// that discovers and connects them.
package cardreader

import (
	"context"

	"github.com/MeneDev/cardreader-settings/feed"
)

// Reader is a card reader as reported by the SDK.
type Reader struct {
	Serial string
	Name   string

	// BatteryLevel is in [0, 1], nil when the reader has no battery or the
	// level is unknown.
	BatteryLevel *float64
}

// Discoverer scans for readers. Callbacks may be invoked synchronously from
// within the call or later from any goroutine. Cancelling ctx asks the
// gateway to stop the scan and drop further callbacks.
type Discoverer interface {
	// StartDiscovery reports every batch of nearby readers through
	// onReadersFound, possibly several times and possibly empty, until the
	// scan fails (onError) or is cancelled.
	StartDiscovery(ctx context.Context, siteID int64, onReadersFound func([]Reader), onError func(error))
	// CancelDiscovery stops a running scan. onComplete is always called.
	CancelDiscovery(ctx context.Context, onComplete func(error))
}

type Connector interface {
	// Connect pairs with reader and reports the connected reader, which may
	// carry fresher details than the discovered one.
	Connect(ctx context.Context, reader Reader, onComplete func(Reader, error))
}

type ConnectedReadersObserver interface {
	// ObserveConnectedReaders delivers the full list of connected readers
	// now and on every change.
	ObserveConnectedReaders(fn func([]Reader)) feed.Subscription
}

// Gateway is everything a discovery session needs from the SDK.
type Gateway interface {
	Discoverer
	Connector
	ConnectedReadersObserver
}

// KnownReaders remembers readers that connected before, for automatic reconnects.
type KnownReaders interface {
	// ObserveKnownReaders delivers the full list of known serials now and
	// on every change.
	ObserveKnownReaders(fn func([]string)) feed.Subscription
	RememberCardReader(ctx context.Context, serial string) error
}

// Serials extracts the serial numbers of readers.
func Serials(readers []Reader) []string {
	serials := make([]string, 0, len(readers))
	for _, r := range readers {
		serials = append(serials, r.Serial)
	}
	return serials
}
