// Package usbgateway finds and connects card readers attached over USB.
// Readers are recognised by vendor and product id and identified by the
// serial number descriptor once connected.
package usbgateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MeneDev/cardreader-settings/cardreader"
	"github.com/MeneDev/cardreader-settings/feed"
	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var _ cardreader.Gateway = (*Gateway)(nil)

type Gateway struct {
	ctx     context.Context
	cancel  context.CancelFunc
	bus     usbBus
	hotplug func(context.Context) (<-chan struct{}, error)
	allowed map[DeviceID]bool
	limiter *rate.Limiter

	mu       sync.Mutex
	scan     *scan
	attached map[string]deviceInfo
	opened   map[string]usbDevice
	readers  map[string]cardreader.Reader
	occupied feed.Feed[cardreader.Reader]
}

type scan struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// GatewayNew opens the USB context. An empty allow-list matches every
// device. Rescans after hotplug events happen at most once per
// rescanInterval.
func GatewayNew(ctx context.Context, allowed []DeviceID, rescanInterval time.Duration) *Gateway {
	return gatewayNew(ctx, gousbBus{ctx: gousb.NewContext()}, udevHotplug, allowed, rescanInterval)
}

func gatewayNew(ctx context.Context, bus usbBus, hotplug func(context.Context) (<-chan struct{}, error), allowed []DeviceID, rescanInterval time.Duration) *Gateway {
	ctx, cancel := context.WithCancel(ctx)

	allow := make(map[DeviceID]bool, len(allowed))
	for _, id := range allowed {
		allow[id] = true
	}

	return &Gateway{
		ctx:      ctx,
		cancel:   cancel,
		bus:      bus,
		hotplug:  hotplug,
		allowed:  allow,
		limiter:  rate.NewLimiter(rate.Every(rescanInterval), 1),
		attached: make(map[string]deviceInfo),
		opened:   make(map[string]usbDevice),
		readers:  make(map[string]cardreader.Reader),
	}
}

func (g *Gateway) Close() error {
	g.cancel()

	g.mu.Lock()
	s := g.scan
	g.scan = nil
	g.mu.Unlock()

	if s != nil {
		<-s.done
	}

	g.mu.Lock()
	for key, d := range g.opened {
		if err := d.Close(); err != nil {
			log.Warn().Err(err).Str("device", key).Msg("Could not close usb device")
		}
	}
	g.opened = make(map[string]usbDevice)
	g.readers = make(map[string]cardreader.Reader)
	g.mu.Unlock()

	g.occupied.Publish(nil)
	return g.bus.Close()
}

func (g *Gateway) matches(id DeviceID) bool {
	return len(g.allowed) == 0 || g.allowed[id]
}

// StartDiscovery reports the matching devices now and after every hotplug
// event. A scan that is still running is replaced.
func (g *Gateway) StartDiscovery(ctx context.Context, siteID int64, onReadersFound func([]cardreader.Reader), onError func(error)) {
	ctx, cancel := context.WithCancel(ctx)
	s := &scan{cancel: cancel, done: make(chan struct{})}

	g.mu.Lock()
	previous := g.scan
	g.scan = s
	g.mu.Unlock()

	if previous != nil {
		previous.cancel()
	}

	go func() {
		defer close(s.done)
		defer cancel()

		stop := context.AfterFunc(g.ctx, cancel)
		defer stop()

		if previous != nil {
			<-previous.done
		}

		log.Debug().Int64("site", siteID).Msg("Start usb discovery")
		g.watch(ctx, onReadersFound, onError)
	}()
}

func (g *Gateway) watch(ctx context.Context, onReadersFound func([]cardreader.Reader), onError func(error)) {
	changes, err := g.hotplug(ctx)
	if err != nil {
		onError(err)
		return
	}

	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return
		}

		found, err := g.rescan()
		if err != nil {
			if ctx.Err() == nil {
				onError(err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		onReadersFound(found)

		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				if ctx.Err() == nil {
					onError(errors.New("usb hotplug monitor stopped"))
				}
				return
			}
		}
	}
}

// rescan lists the attached readers and drops connected ones that were removed.
func (g *Gateway) rescan() ([]cardreader.Reader, error) {
	infos, err := g.bus.Devices()
	if err != nil {
		return nil, errors.Wrap(err, "listing usb devices")
	}

	attached := make(map[string]deviceInfo)
	found := make([]cardreader.Reader, 0)
	for _, info := range infos {
		if !g.matches(info.ID) {
			continue
		}
		attached[info.key()] = info
		found = append(found, cardreader.Reader{Serial: info.key(), Name: info.ID.String()})
	}
	sortReaders(found)

	g.mu.Lock()
	g.attached = attached
	changed := false
	for key, d := range g.opened {
		if _, ok := attached[key]; ok {
			continue
		}
		log.Info().Str("device", key).Msg("Usb reader removed")
		_ = d.Close()
		delete(g.opened, key)
		delete(g.readers, key)
		changed = true
	}
	connected := g.connectedLocked()
	g.mu.Unlock()

	if changed {
		g.occupied.Publish(connected)
	}
	return found, nil
}

// CancelDiscovery stops the running scan and completes once it has ended.
func (g *Gateway) CancelDiscovery(ctx context.Context, onComplete func(error)) {
	g.mu.Lock()
	s := g.scan
	g.scan = nil
	g.mu.Unlock()

	if s == nil {
		onComplete(nil)
		return
	}

	s.cancel()
	go func() {
		select {
		case <-s.done:
			onComplete(nil)
		case <-ctx.Done():
			onComplete(ctx.Err())
		}
	}()
}

// Connect opens the device and reads its serial number, which replaces the
// bus address the reader was discovered with.
func (g *Gateway) Connect(ctx context.Context, reader cardreader.Reader, onComplete func(cardreader.Reader, error)) {
	go func() {
		connected, err := g.connect(ctx, reader)
		onComplete(connected, err)
	}()
}

func (g *Gateway) connect(ctx context.Context, reader cardreader.Reader) (cardreader.Reader, error) {
	key := reader.Serial

	g.mu.Lock()
	info, attached := g.attached[key]
	existing, already := g.readers[key]
	g.mu.Unlock()

	if already {
		return existing, nil
	}
	if !attached {
		return cardreader.Reader{}, errors.Errorf("usb reader %s is not attached", key)
	}

	device, err := g.bus.Open(info)
	if err != nil {
		return cardreader.Reader{}, errors.Wrapf(err, "opening usb reader %s", key)
	}

	connected := cardreader.Reader{Serial: key, Name: reader.Name}
	if serial, err := device.SerialNumber(); err == nil && serial != "" {
		connected.Serial = serial
	} else if err != nil {
		log.Warn().Err(err).Str("device", key).Msg("Could not read serial number, using bus address")
	}
	if product, err := device.Product(); err == nil && product != "" {
		connected.Name = product
	}

	if ctx.Err() != nil {
		_ = device.Close()
		return cardreader.Reader{}, ctx.Err()
	}

	g.mu.Lock()
	g.opened[key] = device
	g.readers[key] = connected
	all := g.connectedLocked()
	g.mu.Unlock()

	log.Info().Str("device", key).Str("serial", connected.Serial).Msg("Connected to usb reader")
	g.occupied.Publish(all)
	return connected, nil
}

func (g *Gateway) ObserveConnectedReaders(fn func([]cardreader.Reader)) feed.Subscription {
	return g.occupied.Subscribe(fn)
}

func (g *Gateway) connectedLocked() []cardreader.Reader {
	connected := make([]cardreader.Reader, 0, len(g.readers))
	for _, r := range g.readers {
		connected = append(connected, r)
	}
	sortReaders(connected)
	return connected
}

func sortReaders(readers []cardreader.Reader) {
	sort.Slice(readers, func(i, j int) bool {
		return readers[i].Serial < readers[j].Serial
	})
}
