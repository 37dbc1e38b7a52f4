package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MeneDev/cardreader-settings/analytics"
	"github.com/MeneDev/cardreader-settings/cardreader"
	"github.com/MeneDev/cardreader-settings/feed"
	"github.com/MeneDev/cardreader-settings/readererror"
	"github.com/MeneDev/cardreader-settings/simgateway"
	"github.com/MeneDev/cardreader-settings/tristate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type knownReadersStub struct {
	mu         sync.Mutex
	readers    feed.Feed[string]
	remembered []string
}

func (k *knownReadersStub) ObserveKnownReaders(fn func([]string)) feed.Subscription {
	return k.readers.Subscribe(fn)
}

func (k *knownReadersStub) RememberCardReader(ctx context.Context, serial string) error {
	k.mu.Lock()
	k.remembered = append(k.remembered, serial)
	k.mu.Unlock()
	k.readers.Publish(append(k.readers.Snapshot(), serial))
	return nil
}

func (k *knownReadersStub) Remembered() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.remembered...)
}

type fixture struct {
	session     *Session
	gateway     *simgateway.Gateway
	known       *knownReadersStub
	tracker     *analytics.Recorder
	updates     []ViewState
	shouldShows []tristate.TriState
}

func newFixture(t *testing.T, gateway *simgateway.Gateway, modify ...func(*Params)) *fixture {
	t.Helper()

	logger := zerolog.Nop()
	f := &fixture{gateway: gateway, known: &knownReadersStub{}, tracker: &analytics.Recorder{}}
	params := Params{
		SiteID:       1234,
		Gateway:      gateway,
		KnownReaders: f.known,
		Tracker:      f.tracker,
		Logger:       &logger,
		OnUpdate: func(v ViewState) {
			f.updates = append(f.updates, v)
		},
		OnShouldShowChange: func(ts tristate.TriState) {
			f.shouldShows = append(f.shouldShows, ts)
		},
	}
	for _, m := range modify {
		m(&params)
	}

	session, err := SessionNew(context.Background(), params)
	require.NoError(t, err)
	t.Cleanup(session.Close)

	f.session = session
	return f
}

func (f *fixture) kinds() []Kind {
	kinds := make([]Kind, 0, len(f.updates))
	for _, u := range f.updates {
		kinds = append(kinds, u.Kind)
	}
	return kinds
}

var (
	readerOne   = cardreader.Reader{Serial: "CHB204909005931", Name: "M2"}
	readerTwo   = cardreader.Reader{Serial: "CHB204909005932", Name: "M2"}
	readerThree = cardreader.Reader{Serial: "WPC323209005933", Name: "WisePad 3"}
)

func TestSessionNew(t *testing.T) {
	t.Run("requires gateway", func(t *testing.T) {
		_, err := SessionNew(context.Background(), Params{KnownReaders: &knownReadersStub{}})
		assert.Error(t, err)
	})

	t.Run("requires known readers", func(t *testing.T) {
		_, err := SessionNew(context.Background(), Params{Gateway: &simgateway.Gateway{}})
		assert.Error(t, err)
	})

	t.Run("starts idle", func(t *testing.T) {
		f := newFixture(t, &simgateway.Gateway{Manual: true})

		assert.Equal(t, Idle, f.session.State().Kind)
		assert.Empty(t, f.updates)
		assert.NotEmpty(t, f.session.ID())
	})
}

func TestShouldShow(t *testing.T) {
	gateway := &simgateway.Gateway{Manual: true}
	f := newFixture(t, gateway)

	// both lists delivered empty on subscription
	assert.Equal(t, tristate.True, f.session.ShouldShow())
	assert.Equal(t, []tristate.TriState{tristate.True}, f.shouldShows)

	f.known.readers.Publish(nil)
	gateway.SetConnectedReaders(nil)
	assert.Equal(t, []tristate.TriState{tristate.True}, f.shouldShows, "unchanged value must not notify")

	f.known.readers.Publish([]string{readerOne.Serial})
	gateway.SetConnectedReaders([]cardreader.Reader{readerOne})
	f.known.readers.Publish(nil)
	assert.Equal(t, []tristate.TriState{tristate.True, tristate.False}, f.shouldShows)

	gateway.SetConnectedReaders(nil)
	assert.Equal(t, []tristate.TriState{tristate.True, tristate.False, tristate.True}, f.shouldShows)
	assert.Equal(t, tristate.True, f.session.ShouldShow())
}

func TestShouldShowUnknownUntilBothListsArrive(t *testing.T) {
	pending := &pendingKnownReaders{}
	logger := zerolog.Nop()
	var changes []tristate.TriState

	session, err := SessionNew(context.Background(), Params{
		Gateway:            &simgateway.Gateway{Manual: true},
		KnownReaders:       pending,
		Logger:             &logger,
		OnShouldShowChange: func(ts tristate.TriState) { changes = append(changes, ts) },
	})
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, tristate.Unknown, session.ShouldShow())
	assert.Empty(t, changes)

	pending.deliver([]string{"known"})
	assert.Equal(t, tristate.False, session.ShouldShow())
	assert.Equal(t, []tristate.TriState{tristate.False}, changes)
}

// pendingKnownReaders delivers nothing until told to.
type pendingKnownReaders struct {
	fn func([]string)
}

func (p *pendingKnownReaders) ObserveKnownReaders(fn func([]string)) feed.Subscription {
	p.fn = fn
	return noSubscription{}
}

func (p *pendingKnownReaders) RememberCardReader(ctx context.Context, serial string) error {
	return nil
}

func (p *pendingKnownReaders) deliver(serials []string) {
	p.fn(serials)
}

type noSubscription struct{}

func (noSubscription) Unsubscribe() {}

func TestDiscovery(t *testing.T) {
	t.Run("empty publication keeps searching", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		gateway.LastDiscovery().Report(nil)

		assert.Equal(t, Searching, f.session.State().Kind)
		assert.Equal(t, int64(1234), gateway.LastDiscovery().SiteID)
		assert.Equal(t, []analytics.Stat{analytics.CardReaderDiscoveryTapped}, f.tracker.Stats())
	})

	t.Run("first reader of a batch is kept", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		gateway.LastDiscovery().Report([]cardreader.Reader{readerOne, readerTwo})

		assert.Equal(t, FoundReader, f.session.State().Kind)
		serial, ok := f.session.FoundReaderSerial()
		assert.True(t, ok)
		assert.Equal(t, readerOne.Serial, serial)
		assert.Equal(t, []Kind{Searching, FoundReader}, f.kinds())
		assert.Contains(t, f.tracker.Stats(), analytics.CardReaderDiscoveredReader)
	})

	t.Run("later publications are ignored while a reader is held", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		gateway.LastDiscovery().Report([]cardreader.Reader{readerOne})
		gateway.LastDiscovery().Report([]cardreader.Reader{readerThree})

		assert.Equal(t, FoundReader, f.session.State().Kind)
		serial, _ := f.session.FoundReaderSerial()
		assert.Equal(t, readerOne.Serial, serial)
		assert.Equal(t, []Kind{Searching, FoundReader}, f.kinds())
	})

	t.Run("synchronous gateway", func(t *testing.T) {
		f := newFixture(t, &simgateway.Gateway{Readers: []cardreader.Reader{readerTwo}})

		require.NoError(t, f.session.StartDiscovery())

		assert.Equal(t, []Kind{Searching, FoundReader}, f.kinds())
	})

	t.Run("discovery error", func(t *testing.T) {
		cause := errors.New("bluetooth is off")
		f := newFixture(t, &simgateway.Gateway{DiscoveryErr: cause})

		require.NoError(t, f.session.StartDiscovery())

		state := f.session.State()
		assert.Equal(t, SearchFailure, state.Kind)
		assert.ErrorIs(t, state.Err, cause)
		assert.Equal(t, readererror.KindDiscovery, readererror.KindOf(state.Err))

		events := f.tracker.Events()
		last := events[len(events)-1]
		assert.Equal(t, analytics.CardReaderDiscoveryFailed, last.Stat)
		assert.ErrorIs(t, last.Err, cause)
	})

	t.Run("error while a reader is held is tracked", func(t *testing.T) {
		cause := errors.New("bluetooth turned off")
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		gateway.LastDiscovery().Report([]cardreader.Reader{readerOne})
		gateway.LastDiscovery().Fail(cause)

		assert.Equal(t, FoundReader, f.session.State().Kind)
		serial, _ := f.session.FoundReaderSerial()
		assert.Equal(t, readerOne.Serial, serial)

		events := f.tracker.Events()
		last := events[len(events)-1]
		assert.Equal(t, analytics.CardReaderDiscoveryFailed, last.Stat)
		assert.ErrorIs(t, last.Err, cause)
		assert.Equal(t, readererror.KindDiscovery, readererror.KindOf(last.Err))
	})

	t.Run("error of a stopped discovery is not tracked", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		stopped := gateway.LastDiscovery()
		require.NoError(t, f.session.CancelDiscovery())
		gateway.AcknowledgeCancel(nil)
		stopped.Fail(errors.New("late"))

		assert.Equal(t, Idle, f.session.State().Kind)
		assert.Zero(t, countStat(f.tracker, analytics.CardReaderDiscoveryFailed))
	})

	t.Run("restart after discovery error", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		first := gateway.LastDiscovery()
		first.Fail(errors.New("timeout"))
		require.NoError(t, f.session.StartDiscovery())

		assert.Equal(t, Searching, f.session.State().Kind)
		assert.Len(t, gateway.Discoveries(), 2)
		assert.Error(t, first.Ctx.Err(), "failed discovery is released")
	})
}

func TestCancelDiscovery(t *testing.T) {
	gateway := &simgateway.Gateway{Manual: true}
	f := newFixture(t, gateway)

	require.NoError(t, f.session.StartDiscovery())
	discovery := gateway.LastDiscovery()
	discovery.Report([]cardreader.Reader{readerOne})

	require.NoError(t, f.session.CancelDiscovery())
	assert.Equal(t, StoppingSearch, f.session.State().Kind)
	assert.Equal(t, 1, gateway.CancelCalls())
	_, held := f.session.FoundReaderSerial()
	assert.False(t, held)

	// a late publication does not revive the stopped discovery
	discovery.Report([]cardreader.Reader{readerTwo})
	assert.Equal(t, StoppingSearch, f.session.State().Kind)
	assert.NoError(t, discovery.Ctx.Err())

	require.True(t, gateway.AcknowledgeCancel(nil))
	assert.Equal(t, Idle, f.session.State().Kind)
	assert.Error(t, discovery.Ctx.Err())
	assert.Equal(t, []Kind{Searching, FoundReader, StoppingSearch, Idle}, f.kinds())
}

func TestCancelAcknowledgedWithError(t *testing.T) {
	gateway := &simgateway.Gateway{Manual: true}
	f := newFixture(t, gateway)

	require.NoError(t, f.session.StartDiscovery())
	require.NoError(t, f.session.CancelDiscovery())
	gateway.AcknowledgeCancel(errors.New("already stopped"))

	assert.Equal(t, Idle, f.session.State().Kind)
}

func TestCancelWhileIdleIsIgnored(t *testing.T) {
	gateway := &simgateway.Gateway{Manual: true}
	f := newFixture(t, gateway)

	require.NoError(t, f.session.CancelDiscovery())

	assert.Equal(t, Idle, f.session.State().Kind)
	assert.Zero(t, gateway.CancelCalls())
	assert.Empty(t, f.updates)
}

func TestConnect(t *testing.T) {
	t.Run("without a found reader", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		err := f.session.Connect()

		assert.ErrorIs(t, err, readererror.ErrNoCandidate)
		assert.Empty(t, gateway.ConnectAttempts())
		assert.Equal(t, Searching, f.session.State().Kind)
	})

	t.Run("success", func(t *testing.T) {
		battery := 0.8
		reader := cardreader.Reader{Serial: "CHB204909005931", Name: "M2", BatteryLevel: &battery}
		gateway := &simgateway.Gateway{Readers: []cardreader.Reader{reader}}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		require.NoError(t, f.session.Connect())

		assert.Equal(t, Connected, f.session.State().Kind)
		assert.Equal(t, []Kind{Searching, FoundReader, ConnectingToReader, Connected}, f.kinds())
		assert.Equal(t, []string{reader.Serial}, f.known.Remembered())
		_, held := f.session.FoundReaderSerial()
		assert.False(t, held)

		attempts := gateway.ConnectAttempts()
		require.Len(t, attempts, 1)
		assert.Equal(t, reader.Serial, attempts[0].Reader.Serial)

		events := f.tracker.Events()
		last := events[len(events)-1]
		assert.Equal(t, analytics.CardReaderConnectionSuccess, last.Stat)
		assert.Equal(t, 0.8, last.Properties["battery_level"])
		assert.Contains(t, f.tracker.Stats(), analytics.CardReaderConnectionTapped)

		// connected and remembered: nothing to prompt for
		assert.Equal(t, tristate.False, f.session.ShouldShow())
	})

	t.Run("success without battery", func(t *testing.T) {
		f := newFixture(t, &simgateway.Gateway{Readers: []cardreader.Reader{readerOne}})

		require.NoError(t, f.session.StartDiscovery())
		require.NoError(t, f.session.Connect())

		events := f.tracker.Events()
		last := events[len(events)-1]
		assert.Equal(t, analytics.CardReaderConnectionSuccess, last.Stat)
		assert.Nil(t, last.Properties)
	})

	t.Run("failure keeps the reader for a retry", func(t *testing.T) {
		cause := errors.New("pairing rejected")
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		gateway.LastDiscovery().Report([]cardreader.Reader{readerOne})
		require.NoError(t, f.session.Connect())
		assert.Equal(t, ConnectingToReader, f.session.State().Kind)

		gateway.ConnectAttempts()[0].Complete(cause)

		state := f.session.State()
		assert.Equal(t, ConnectionFailure, state.Kind)
		assert.ErrorIs(t, state.Err, cause)
		assert.Equal(t, readererror.KindConnection, readererror.KindOf(state.Err))
		assert.Empty(t, f.known.Remembered())

		events := f.tracker.Events()
		assert.Equal(t, analytics.CardReaderConnectionFailed, events[len(events)-1].Stat)

		require.NoError(t, f.session.Connect())
		gateway.ConnectAttempts()[1].Complete(nil)
		assert.Equal(t, Connected, f.session.State().Kind)
		assert.Equal(t, []string{readerOne.Serial}, f.known.Remembered())
	})

	t.Run("result of an abandoned attempt is ignored", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		gateway.LastDiscovery().Report([]cardreader.Reader{readerOne})
		require.NoError(t, f.session.Connect())
		require.NoError(t, f.session.ContinueSearch())
		gateway.AcknowledgeCancel(nil)
		require.Equal(t, Searching, f.session.State().Kind)

		gateway.ConnectAttempts()[0].Complete(nil)

		assert.Equal(t, Searching, f.session.State().Kind)
		assert.Empty(t, f.known.Remembered())
	})
}

func TestContinueSearch(t *testing.T) {
	drive := map[string]func(*simgateway.Gateway, *Session){
		"idle": func(g *simgateway.Gateway, s *Session) {},
		"searching": func(g *simgateway.Gateway, s *Session) {
			s.StartDiscovery()
		},
		"foundReader": func(g *simgateway.Gateway, s *Session) {
			s.StartDiscovery()
			g.LastDiscovery().Report([]cardreader.Reader{readerOne})
		},
		"searchFailure": func(g *simgateway.Gateway, s *Session) {
			s.StartDiscovery()
			g.LastDiscovery().Fail(errors.New("boom"))
		},
		"stoppingSearch": func(g *simgateway.Gateway, s *Session) {
			s.StartDiscovery()
			g.LastDiscovery().Report([]cardreader.Reader{readerOne})
			s.CancelDiscovery()
		},
		"connectingToReader": func(g *simgateway.Gateway, s *Session) {
			s.StartDiscovery()
			g.LastDiscovery().Report([]cardreader.Reader{readerOne})
			s.Connect()
		},
		"connectionFailure": func(g *simgateway.Gateway, s *Session) {
			s.StartDiscovery()
			g.LastDiscovery().Report([]cardreader.Reader{readerOne})
			s.Connect()
			g.ConnectAttempts()[0].Complete(errors.New("boom"))
		},
		"connected": func(g *simgateway.Gateway, s *Session) {
			s.StartDiscovery()
			g.LastDiscovery().Report([]cardreader.Reader{readerOne})
			s.Connect()
			g.ConnectAttempts()[0].Complete(nil)
		},
	}

	for from, setup := range drive {
		t.Run(from, func(t *testing.T) {
			gateway := &simgateway.Gateway{Manual: true}
			f := newFixture(t, gateway)

			setup(gateway, f.session)
			require.Equal(t, from, f.session.State().Kind.String())
			previous := gateway.LastDiscovery()

			require.NoError(t, f.session.ContinueSearch())
			for gateway.AcknowledgeCancel(nil) {
			}

			assert.Equal(t, Searching, f.session.State().Kind)
			_, held := f.session.FoundReaderSerial()
			assert.False(t, held)

			current := gateway.LastDiscovery()
			require.NotNil(t, current)
			assert.NotSame(t, previous, current)

			if previous != nil {
				previous.Report([]cardreader.Reader{readerTwo})
				assert.Equal(t, Searching, f.session.State().Kind, "stale discovery must be ignored")
			}

			current.Report([]cardreader.Reader{readerThree})
			serial, _ := f.session.FoundReaderSerial()
			assert.Equal(t, readerThree.Serial, serial)
		})
	}
}

func TestContinueSearchPassesThroughIdle(t *testing.T) {
	gateway := &simgateway.Gateway{Manual: true}
	f := newFixture(t, gateway)

	f.session.StartDiscovery()
	gateway.LastDiscovery().Report([]cardreader.Reader{readerOne})
	f.session.ContinueSearch()
	gateway.AcknowledgeCancel(nil)

	assert.Equal(t, []Kind{Searching, FoundReader, StoppingSearch, Idle, Searching}, f.kinds())
	assert.Equal(t, 2, countStat(f.tracker, analytics.CardReaderDiscoveryTapped))
}

func TestCancelDropsPendingRestart(t *testing.T) {
	gateway := &simgateway.Gateway{Manual: true}
	f := newFixture(t, gateway)

	f.session.StartDiscovery()
	f.session.ContinueSearch()
	f.session.CancelDiscovery()
	gateway.AcknowledgeCancel(nil)

	assert.Equal(t, Idle, f.session.State().Kind)
	assert.Len(t, gateway.Discoveries(), 1)
}

func TestTimeouts(t *testing.T) {
	t.Run("discovery", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway, func(p *Params) {
			p.DiscoveryTimeout = 10 * time.Millisecond
			p.OnUpdate = nil
		})

		require.NoError(t, f.session.StartDiscovery())

		require.Eventually(t, func() bool {
			return f.session.State().Kind == SearchFailure
		}, time.Second, 5*time.Millisecond)

		err := f.session.State().Err
		assert.ErrorIs(t, err, readererror.ErrTimeout)
		assert.Equal(t, readererror.KindDiscovery, readererror.KindOf(err))
	})

	t.Run("connect", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway, func(p *Params) {
			p.ConnectTimeout = 10 * time.Millisecond
			p.OnUpdate = nil
		})

		require.NoError(t, f.session.StartDiscovery())
		gateway.LastDiscovery().Report([]cardreader.Reader{readerOne})
		require.NoError(t, f.session.Connect())

		require.Eventually(t, func() bool {
			return f.session.State().Kind == ConnectionFailure
		}, time.Second, 5*time.Millisecond)

		err := f.session.State().Err
		assert.ErrorIs(t, err, readererror.ErrTimeout)
		assert.Equal(t, readererror.KindConnection, readererror.KindOf(err))
	})

	t.Run("discovery timeout stops once a reader is found", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway, func(p *Params) {
			p.DiscoveryTimeout = 20 * time.Millisecond
			p.OnUpdate = nil
		})

		require.NoError(t, f.session.StartDiscovery())
		discovery := gateway.LastDiscovery()
		discovery.Report([]cardreader.Reader{readerOne})

		assert.Never(t, func() bool {
			return f.session.State().Kind != FoundReader
		}, 100*time.Millisecond, 5*time.Millisecond)

		assert.NoError(t, discovery.Ctx.Err())
		assert.Zero(t, countStat(f.tracker, analytics.CardReaderDiscoveryFailed))
		_, held := f.session.FoundReaderSerial()
		assert.True(t, held)
	})

	t.Run("no timeout by default", func(t *testing.T) {
		gateway := &simgateway.Gateway{Manual: true}
		f := newFixture(t, gateway)

		require.NoError(t, f.session.StartDiscovery())
		_, hasDeadline := gateway.LastDiscovery().Ctx.Deadline()

		assert.False(t, hasDeadline)
	})
}

func TestClose(t *testing.T) {
	gateway := &simgateway.Gateway{Manual: true}
	f := newFixture(t, gateway)

	require.NoError(t, f.session.StartDiscovery())
	discovery := gateway.LastDiscovery()
	notifications := len(f.shouldShows)

	f.session.Close()
	f.session.Close()

	assert.Error(t, discovery.Ctx.Err())
	assert.Equal(t, 1, gateway.CancelCalls())

	assert.ErrorIs(t, f.session.StartDiscovery(), readererror.ErrSessionClosed)
	assert.ErrorIs(t, f.session.CancelDiscovery(), readererror.ErrSessionClosed)
	assert.ErrorIs(t, f.session.Connect(), readererror.ErrSessionClosed)
	assert.ErrorIs(t, f.session.ContinueSearch(), readererror.ErrSessionClosed)

	discovery.Report([]cardreader.Reader{readerOne})
	f.known.readers.Publish([]string{"x"})

	assert.Equal(t, Searching, f.session.State().Kind)
	assert.Len(t, f.shouldShows, notifications)
}

func TestNotificationsMayIssueCommands(t *testing.T) {
	gateway := &simgateway.Gateway{Readers: []cardreader.Reader{readerOne}}
	var session *Session
	var kinds []Kind

	f := newFixture(t, gateway, func(p *Params) {
		p.OnUpdate = func(v ViewState) {
			kinds = append(kinds, v.Kind)
			if v.Kind == FoundReader {
				assert.NoError(t, session.Connect())
			}
		}
	})
	session = f.session

	require.NoError(t, session.StartDiscovery())

	assert.Equal(t, []Kind{Searching, FoundReader, ConnectingToReader, Connected}, kinds)
}

func TestConnectAfterQueuedContinueSearch(t *testing.T) {
	gateway := &simgateway.Gateway{Manual: true}
	var session *Session
	var rejected []error

	f := newFixture(t, gateway, func(p *Params) {
		p.OnUpdate = func(v ViewState) {
			if v.Kind == FoundReader {
				// both run once this notification returns, in order
				assert.NoError(t, session.ContinueSearch())
				assert.NoError(t, session.Connect())
			}
		}
		p.OnConnectRejected = func(err error) {
			rejected = append(rejected, err)
		}
	})
	session = f.session

	require.NoError(t, session.StartDiscovery())
	gateway.LastDiscovery().Report([]cardreader.Reader{readerOne})

	if assert.Len(t, rejected, 1) {
		assert.ErrorIs(t, rejected[0], readererror.ErrNoCandidate)
	}
	assert.Empty(t, gateway.ConnectAttempts())
	assert.Equal(t, StoppingSearch, session.State().Kind)
}

func countStat(r *analytics.Recorder, stat analytics.Stat) int {
	n := 0
	for _, s := range r.Stats() {
		if s == stat {
			n++
		}
	}
	return n
}
