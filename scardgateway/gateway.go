// Package scardgateway finds and connects card readers through PC/SC.
//
// PC/SC identifies readers by name only, so the name doubles as the serial.
package scardgateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MeneDev/cardreader-settings/cardreader"
	"github.com/MeneDev/cardreader-settings/feed"
	"github.com/cenkalti/backoff"
	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var _ cardreader.Gateway = (*Gateway)(nil)

type Gateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	newContext func() (pcscContext, error)
	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	scan     *scan
	connCtx  pcscContext
	cards    map[string]pcscCard
	readers  map[string]cardreader.Reader
	occupied feed.Feed[cardreader.Reader]
}

type scan struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func GatewayNew(ctx context.Context) *Gateway {
	ctx, cancel := context.WithCancel(ctx)
	return &Gateway{
		ctx:        ctx,
		cancel:     cancel,
		newContext: establishContext,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
		cards:   make(map[string]pcscCard),
		readers: make(map[string]cardreader.Reader),
	}
}

// Close stops a running scan and disconnects all readers.
func (g *Gateway) Close() {
	g.cancel()

	g.mu.Lock()
	s := g.scan
	g.scan = nil
	for name, card := range g.cards {
		if err := card.Disconnect(scard.LeaveCard); err != nil {
			log.Warn().Err(err).Str("reader", name).Msg("Could not disconnect reader")
		}
	}
	g.cards = make(map[string]pcscCard)
	g.readers = make(map[string]cardreader.Reader)
	if g.connCtx != nil {
		releaseContext(g.connCtx)
		g.connCtx = nil
	}
	g.mu.Unlock()

	if s != nil {
		<-s.done
	}
	g.occupied.Publish(nil)
}

// establish opens a PC/SC context, retrying while the service is unavailable.
func (g *Gateway) establish(ctx context.Context) (pcscContext, error) {
	var pc pcscContext
	operation := func() error {
		var err error
		pc, err = g.newContext()
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("Could not establish scard context")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(g.newBackOff(), ctx), notify); err != nil {
		return nil, errors.Wrap(err, "establishing scard context")
	}
	return pc, nil
}

func releaseContext(pc pcscContext) {
	if err := pc.Release(); err != nil {
		log.Warn().Err(err).Msg("Could not release scard context")
	}
}

// StartDiscovery reports the attached readers now and whenever one is
// attached or removed. A scan that is still running is replaced.
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

		pc, err := g.establish(ctx)
		if err != nil {
			if ctx.Err() == nil {
				onError(err)
			}
			return
		}
		defer releaseContext(pc)

		g.watch(ctx, pc, onReadersFound, onError)
	}()
}

// watch blocks in GetStatusChange until ctx is done or the scan fails.
func (g *Gateway) watch(ctx context.Context, pc pcscContext, onReadersFound func([]cardreader.Reader), onError func(error)) {
	unblock := context.AfterFunc(ctx, func() {
		if err := pc.Cancel(); err != nil {
			log.Warn().Err(err).Msg("Could not cancel scard context")
		}
	})
	defer unblock()

	states := trackReaders(nil, nil)
	deviceListOutdated := true

	for ctx.Err() == nil {
		if deviceListOutdated {
			log.Debug().Msg("Listing scard readers")
			readers, err := pc.ListReaders()
			if err == scard.ErrNoReadersAvailable {
				readers, err = nil, nil
			}
			if err != nil {
				if ctx.Err() == nil {
					onError(errors.Wrap(err, "listing scard readers"))
				}
				return
			}
			deviceListOutdated = false

			states = trackReaders(states, readers)
			g.dropMissing(readers)

			found := make([]cardreader.Reader, 0, len(readers))
			for _, name := range readers {
				found = append(found, cardreader.Reader{Serial: name, Name: name})
			}
			onReadersFound(found)
		}

		log.Debug().Str("readers", readersString(states)).Msg("Start GetStatusChange")
		err := pc.GetStatusChange(states, -1)
		if ctx.Err() != nil {
			return
		}
		if err == scard.ErrUnknownReader {
			deviceListOutdated = true
			continue
		}
		if err != nil {
			onError(errors.Wrap(err, "waiting for scard status change"))
			return
		}

		if states[0].EventState&scard.StateChanged != 0 {
			log.Debug().Msg("Pseudo device reported change")
			deviceListOutdated = true
		}

		for i := range states {
			state := &states[i]
			current := state.EventState &^ scard.StateChanged
			if current != state.CurrentState {
				log.Debug().
					Str("reader", state.Reader).
					Str("from", formatStateFlags(state.CurrentState)).
					Str("to", formatStateFlags(current)).
					Msg("Reader state changed")
			}
			state.CurrentState = current
			state.EventState = scard.StateUnaware
		}
	}
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

// Connect opens a direct connection to the reader itself, which works
// without a card inserted.
func (g *Gateway) Connect(ctx context.Context, reader cardreader.Reader, onComplete func(cardreader.Reader, error)) {
	go func() {
		connected, err := g.connect(ctx, reader)
		onComplete(connected, err)
	}()
}

func (g *Gateway) connect(ctx context.Context, reader cardreader.Reader) (cardreader.Reader, error) {
	g.mu.Lock()
	pc := g.connCtx
	_, already := g.cards[reader.Serial]
	g.mu.Unlock()

	if already {
		return reader, nil
	}

	if pc == nil {
		var err error
		pc, err = g.establish(ctx)
		if err != nil {
			return cardreader.Reader{}, err
		}

		g.mu.Lock()
		if g.connCtx == nil {
			g.connCtx = pc
		} else {
			releaseContext(pc)
			pc = g.connCtx
		}
		g.mu.Unlock()
	}

	card, err := pc.Connect(reader.Serial, scard.ShareDirect, scard.ProtocolUndefined)
	if err != nil {
		return cardreader.Reader{}, errors.Wrapf(err, "connecting to %s", reader.Serial)
	}

	if ctx.Err() != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return cardreader.Reader{}, ctx.Err()
	}

	g.mu.Lock()
	g.cards[reader.Serial] = card
	g.readers[reader.Serial] = reader
	connected := g.connectedLocked()
	g.mu.Unlock()

	log.Info().Str("reader", reader.Serial).Msg("Connected to reader")
	g.occupied.Publish(connected)
	return reader, nil
}

func (g *Gateway) ObserveConnectedReaders(fn func([]cardreader.Reader)) feed.Subscription {
	return g.occupied.Subscribe(fn)
}

// dropMissing disconnects connected readers that are no longer attached.
func (g *Gateway) dropMissing(attached []string) {
	present := make(map[string]bool, len(attached))
	for _, name := range attached {
		present[name] = true
	}

	g.mu.Lock()
	changed := false
	for name, card := range g.cards {
		if present[name] {
			continue
		}
		log.Info().Str("reader", name).Msg("Reader removed")
		_ = card.Disconnect(scard.LeaveCard)
		delete(g.cards, name)
		delete(g.readers, name)
		changed = true
	}
	connected := g.connectedLocked()
	g.mu.Unlock()

	if changed {
		g.occupied.Publish(connected)
	}
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
