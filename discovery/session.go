// Package discovery drives the search for a single card reader and the
// connection to it, for one "manage card reader" screen.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/MeneDev/cardreader-settings/analytics"
	"github.com/MeneDev/cardreader-settings/cardreader"
	"github.com/MeneDev/cardreader-settings/feed"
	"github.com/MeneDev/cardreader-settings/readererror"
	"github.com/MeneDev/cardreader-settings/tristate"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Params struct {
	SiteID       int64
	Gateway      cardreader.Gateway
	KnownReaders cardreader.KnownReaders

	// Tracker defaults to discarding events.
	Tracker analytics.Tracker

	// DiscoveryTimeout bounds the wait for a first reader, ConnectTimeout
	// a single connection attempt. Zero leaves the attempt to the SDK.
	DiscoveryTimeout time.Duration
	ConnectTimeout   time.Duration

	// OnConnectRejected receives readererror.ErrNoCandidate when a Connect
	// that had to queue behind other work finds the reader already dropped.
	OnConnectRejected func(error)

	// OnUpdate is called on every state change, including transient ones.
	OnUpdate func(ViewState)

	// OnShouldShowChange is called when ShouldShow changes.
	OnShouldShowChange func(tristate.TriState)

	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// Session is the state machine behind the "connect a reader" screen. All
// transitions run one at a time, in order, on whichever goroutine delivers
// work while the session is idle. Gateway callbacks may arrive on any
// goroutine, also synchronously from within a gateway call.
type Session struct {
	id     string
	log    zerolog.Logger
	params Params
	states *fsm.FSM
	ctx    context.Context
	cancel context.CancelFunc

	queueMu  sync.Mutex
	queue    []func()
	draining bool

	// only touched from queued work
	discovery      *attempt
	connection     *attempt
	nextAttempt    uint64
	restartPending bool
	noKnown        tristate.TriState
	noConnected    tristate.TriState
	subscriptions  []feed.Subscription
	tornDown       bool

	mu         sync.RWMutex
	view       ViewState
	shouldShow tristate.TriState
	found      *cardreader.Reader
	closed     bool
}

// attempt is one discovery or connection request. Its id tells current
// results from late ones.
type attempt struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

func (a *attempt) is(id uint64) bool {
	return a != nil && a.id == id
}

func (a *attempt) end() {
	if a != nil {
		a.stopTimer()
		a.cancel()
	}
}

// stopTimer disarms the timeout. A timeout already queued is dropped when it
// runs.
func (a *attempt) stopTimer() {
	if a != nil && a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// SessionNew creates a session and subscribes to known and connected readers.
// Both subscriptions stay active until Close.
func SessionNew(ctx context.Context, params Params) (*Session, error) {
	if params.Gateway == nil {
		return nil, errors.New("discovery session requires a gateway")
	}
	if params.KnownReaders == nil {
		return nil, errors.New("discovery session requires known readers")
	}
	if params.Tracker == nil {
		params.Tracker = analytics.Multi{}
	}

	logger := log.Logger
	if params.Logger != nil {
		logger = *params.Logger
	}

	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()

	s := &Session{
		id:     id,
		log:    logger.With().Str("session", id).Logger(),
		params: params,
		ctx:    ctx,
		cancel: cancel,
		view:   ViewState{Kind: Idle},
	}
	s.initFsm()
	s.beginObservation()

	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// State returns the current step.
func (s *Session) State() ViewState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// ShouldShow tells whether the "connect a reader" prompt applies: Unknown
// until both reader lists arrived, True when there are neither known nor
// connected readers.
func (s *Session) ShouldShow() tristate.TriState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldShow
}

// FoundReaderSerial returns the serial of the reader held for connecting.
func (s *Session) FoundReaderSerial() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.found == nil {
		return "", false
	}
	return s.found.Serial, true
}

// StartDiscovery starts looking for a reader.
func (s *Session) StartDiscovery() error {
	if s.isClosed() {
		return errors.WithStack(readererror.ErrSessionClosed)
	}
	s.enqueue(func() {
		s.dispatchEvent(evStartDiscovery)
	})
	return nil
}

// CancelDiscovery stops looking and drops the found reader. The session
// stays in StoppingSearch until the SDK confirms.
func (s *Session) CancelDiscovery() error {
	if s.isClosed() {
		return errors.WithStack(readererror.ErrSessionClosed)
	}
	s.enqueue(func() {
		s.restartPending = false
		s.dispatchEvent(evCancel)
	})
	return nil
}

// Connect connects to the found reader. Calling it without a found reader
// is a bug in the caller and returns readererror.ErrNoCandidate. Work queued
// before the call, such as a ContinueSearch issued from OnUpdate, may still
// drop the reader. Connect then returns the error too if that work ran
// before it returned, and reports it through OnConnectRejected otherwise.
func (s *Session) Connect() error {
	if s.isClosed() {
		return errors.WithStack(readererror.ErrSessionClosed)
	}

	if _, ok := s.FoundReaderSerial(); !ok {
		s.log.Error().Str("state", s.State().String()).Msg("connect without a found reader")
		return errors.WithStack(readererror.ErrNoCandidate)
	}

	var handoff sync.Mutex
	var returned bool
	var rejected error

	s.enqueue(func() {
		s.mu.RLock()
		found := s.found
		s.mu.RUnlock()

		if found != nil {
			s.dispatchEvent(evConnect, *found)
			return
		}

		s.log.Error().Msg("found reader was dropped before connecting")
		err := errors.WithStack(readererror.ErrNoCandidate)

		handoff.Lock()
		if !returned {
			rejected = err
			handoff.Unlock()
			return
		}
		handoff.Unlock()

		if s.params.OnConnectRejected != nil {
			s.params.OnConnectRejected(err)
		}
	})

	handoff.Lock()
	defer handoff.Unlock()
	returned = true
	return rejected
}

// ContinueSearch drops the found reader and searches again: the running
// discovery is cancelled first and restarted once the cancel is confirmed.
func (s *Session) ContinueSearch() error {
	if s.isClosed() {
		return errors.WithStack(readererror.ErrSessionClosed)
	}
	s.enqueue(func() {
		s.setFound(nil)

		switch s.states.Current() {
		case stateIdle:
			s.dispatchEvent(evStartDiscovery)
		case stateStoppingSearch:
			s.restartPending = true
		default:
			s.restartPending = true
			s.dispatchEvent(evCancel)
		}
	})
	return nil
}

// Close ends the session: observers are removed, running attempts are
// cancelled and a running discovery is asked to stop. Results arriving
// later are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.enqueue(func() {
		for _, sub := range s.subscriptions {
			sub.Unsubscribe()
		}
		s.subscriptions = nil
		s.restartPending = false

		if s.discovery != nil {
			s.params.Gateway.CancelDiscovery(context.Background(), func(err error) {
				if err != nil {
					s.log.Warn().Err(err).Msg("cancelling discovery on close failed")
				}
			})
		}
		s.discovery = nil
		s.connection = nil
		s.cancel()
		s.tornDown = true

		s.log.Debug().Msg("session closed")
	})
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) setFound(reader *cardreader.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.found = reader
}

func (s *Session) beginObservation() {
	known := s.params.KnownReaders.ObserveKnownReaders(func(serials []string) {
		s.enqueue(func() {
			s.noKnown = tristate.FromEmpty(len(serials))
			s.reevaluateShouldShow()
		})
	})

	connected := s.params.Gateway.ObserveConnectedReaders(func(readers []cardreader.Reader) {
		s.enqueue(func() {
			s.noConnected = tristate.FromEmpty(len(readers))
			s.reevaluateShouldShow()
		})
	})

	s.enqueue(func() {
		s.subscriptions = append(s.subscriptions, known, connected)
	})
}

func (s *Session) reevaluateShouldShow() {
	shouldShow := tristate.Combine(s.noKnown, s.noConnected)

	s.mu.Lock()
	didChange := shouldShow != s.shouldShow
	s.shouldShow = shouldShow
	s.mu.Unlock()

	if didChange && s.params.OnShouldShowChange != nil {
		s.params.OnShouldShowChange(shouldShow)
	}
}

func (s *Session) newAttempt() *attempt {
	s.nextAttempt++
	a := &attempt{id: s.nextAttempt}
	a.ctx, a.cancel = context.WithCancel(s.ctx)
	return a
}

// armTimeout reports readererror.Timeout(op) through onTimeout once timeout
// passes, unless the attempt ends or stops its timer first. Zero never times
// out.
func (s *Session) armTimeout(a *attempt, timeout time.Duration, op string, onTimeout func(error)) {
	if timeout <= 0 {
		return
	}
	timer := time.AfterFunc(timeout, func() {
		s.enqueue(func() {
			if a.timer == nil {
				return
			}
			a.timer = nil
			onTimeout(readererror.Timeout(op))
		})
	})
	a.timer = timer
}

// enqueue runs fn after all work queued before it. The goroutine that finds
// the queue idle drains it, so work queued from within queued work runs
// once the current item returns.
func (s *Session) enqueue(fn func()) {
	s.queueMu.Lock()
	s.queue = append(s.queue, fn)
	if s.draining {
		s.queueMu.Unlock()
		return
	}
	s.draining = true

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		if !s.tornDown {
			next()
		}

		s.queueMu.Lock()
	}

	s.draining = false
	s.queueMu.Unlock()
}

func (s *Session) dispatchEvent(event string, args ...interface{}) {
	err := s.states.Event(event, args...)
	if err == nil {
		return
	}

	switch err.(type) {
	case fsm.InvalidEventError, fsm.NoTransitionError:
		s.log.Debug().Str("event", event).Str("state", s.states.Current()).Msg("event ignored in current state")
	default:
		s.log.Error().Err(err).Str("event", event).Msg("dispatchEvent error")
	}
}
