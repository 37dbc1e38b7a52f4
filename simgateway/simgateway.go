// Package simgateway is an in-process stand-in for the card reader SDK.
// It serves tests and demos without hardware.
package simgateway

import (
	"context"
	"sync"
	"time"

	"github.com/MeneDev/cardreader-settings/cardreader"
	"github.com/MeneDev/cardreader-settings/feed"
	"github.com/rs/zerolog/log"
)

var _ cardreader.Gateway = (*Gateway)(nil)

// Gateway answers requests from its configuration. In Manual mode nothing is
// answered until a test drives the recorded Discovery, ConnectAttempt or
// cancel acknowledgement.
type Gateway struct {
	// Readers are reported by every discovery.
	Readers []cardreader.Reader

	// DiscoveryErr fails every discovery.
	DiscoveryErr error

	// ConnectErr fails every connection attempt.
	ConnectErr error

	// Delay postpones the discovery report. An empty batch is reported right away.
	Delay time.Duration

	Manual bool

	mu          sync.Mutex
	discoveries []*Discovery
	cancels     []func(error)
	connects    []*ConnectAttempt
	cancelCalls int
	connected   feed.Feed[cardreader.Reader]
}

// Discovery is one StartDiscovery request.
type Discovery struct {
	Ctx    context.Context
	SiteID int64

	onReadersFound func([]cardreader.Reader)
	onError        func(error)
}

// Report delivers a batch of readers to the requester.
func (d *Discovery) Report(readers []cardreader.Reader) {
	d.onReadersFound(readers)
}

// Fail delivers a discovery error to the requester.
func (d *Discovery) Fail(err error) {
	d.onError(err)
}

// ConnectAttempt is one Connect request.
type ConnectAttempt struct {
	Ctx    context.Context
	Reader cardreader.Reader

	gateway    *Gateway
	onComplete func(cardreader.Reader, error)
}

// Complete finishes the attempt. A successful attempt adds the reader to
// the connected readers.
func (c *ConnectAttempt) Complete(err error) {
	if err != nil {
		c.onComplete(cardreader.Reader{}, err)
		return
	}
	c.gateway.addConnected(c.Reader)
	c.onComplete(c.Reader, nil)
}

func (g *Gateway) StartDiscovery(ctx context.Context, siteID int64, onReadersFound func([]cardreader.Reader), onError func(error)) {
	d := &Discovery{Ctx: ctx, SiteID: siteID, onReadersFound: onReadersFound, onError: onError}

	g.mu.Lock()
	g.discoveries = append(g.discoveries, d)
	readers := append([]cardreader.Reader(nil), g.Readers...)
	discoveryErr := g.DiscoveryErr
	manual := g.Manual
	delay := g.Delay
	g.mu.Unlock()

	log.Debug().Int64("site", siteID).Int("readers", len(readers)).Msg("simulated discovery started")

	if manual {
		return
	}
	if discoveryErr != nil {
		d.Fail(discoveryErr)
		return
	}
	if delay <= 0 {
		d.Report(readers)
		return
	}

	d.Report(nil)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			d.Report(readers)
		}
	}()
}

func (g *Gateway) CancelDiscovery(ctx context.Context, onComplete func(error)) {
	g.mu.Lock()
	g.cancelCalls++
	manual := g.Manual
	if manual {
		g.cancels = append(g.cancels, onComplete)
	}
	g.mu.Unlock()

	if !manual {
		onComplete(nil)
	}
}

func (g *Gateway) Connect(ctx context.Context, reader cardreader.Reader, onComplete func(cardreader.Reader, error)) {
	c := &ConnectAttempt{Ctx: ctx, Reader: reader, gateway: g, onComplete: onComplete}

	g.mu.Lock()
	g.connects = append(g.connects, c)
	manual := g.Manual
	connectErr := g.ConnectErr
	g.mu.Unlock()

	if !manual {
		c.Complete(connectErr)
	}
}

func (g *Gateway) ObserveConnectedReaders(fn func([]cardreader.Reader)) feed.Subscription {
	return g.connected.Subscribe(fn)
}

// SetConnectedReaders replaces the connected readers.
func (g *Gateway) SetConnectedReaders(readers []cardreader.Reader) {
	g.connected.Publish(readers)
}

func (g *Gateway) addConnected(reader cardreader.Reader) {
	g.connected.Publish(append(g.connected.Snapshot(), reader))
}

// AcknowledgeCancel answers the oldest pending cancel request in Manual mode.
// It reports false when no request is pending.
func (g *Gateway) AcknowledgeCancel(err error) bool {
	g.mu.Lock()
	if len(g.cancels) == 0 {
		g.mu.Unlock()
		return false
	}
	onComplete := g.cancels[0]
	g.cancels = g.cancels[1:]
	g.mu.Unlock()

	onComplete(err)
	return true
}

func (g *Gateway) Discoveries() []*Discovery {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Discovery(nil), g.discoveries...)
}

// LastDiscovery returns the most recent discovery request, or nil.
func (g *Gateway) LastDiscovery() *Discovery {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.discoveries) == 0 {
		return nil
	}
	return g.discoveries[len(g.discoveries)-1]
}

func (g *Gateway) ConnectAttempts() []*ConnectAttempt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*ConnectAttempt(nil), g.connects...)
}

func (g *Gateway) CancelCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelCalls
}

func (g *Gateway) PendingCancels() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancels)
}
