package discovery

import (
	"github.com/MeneDev/cardreader-settings/analytics"
	"github.com/MeneDev/cardreader-settings/cardreader"
	"github.com/MeneDev/cardreader-settings/readererror"
	"github.com/looplab/fsm"
)

const stateIdle = "idle"
const stateSearching = "searching"
const stateStoppingSearch = "stoppingSearch"
const stateSearchFailure = "searchFailure"
const stateFoundReader = "foundReader"
const stateConnecting = "connectingToReader"
const stateConnectionFailure = "connectionFailure"
const stateConnected = "connected"

const evStartDiscovery = "evStartDiscovery"
const evReaderFound = "evReaderFound"
const evDiscoveryFailed = "evDiscoveryFailed"
const evCancel = "evCancel"
const evCancelAcknowledged = "evCancelAcknowledged"
const evConnect = "evConnect"
const evConnected = "evConnected"
const evConnectionFailed = "evConnectionFailed"

func (s *Session) initFsm() {
	states := fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: evStartDiscovery, Src: []string{stateIdle, stateSearchFailure}, Dst: stateSearching},
			{Name: evReaderFound, Src: []string{stateSearching}, Dst: stateFoundReader},
			{Name: evDiscoveryFailed, Src: []string{stateSearching}, Dst: stateSearchFailure},
			{Name: evCancel, Src: []string{stateSearching, stateSearchFailure, stateFoundReader, stateConnecting, stateConnectionFailure, stateConnected}, Dst: stateStoppingSearch},
			{Name: evCancelAcknowledged, Src: []string{stateStoppingSearch}, Dst: stateIdle},
			{Name: evConnect, Src: []string{stateFoundReader, stateConnectionFailure}, Dst: stateConnecting},
			{Name: evConnected, Src: []string{stateConnecting}, Dst: stateConnected},
			{Name: evConnectionFailed, Src: []string{stateConnecting}, Dst: stateConnectionFailure},
		},
		fsm.Callbacks{
			"enter_state":                     s.enterState,
			"enter_" + stateIdle:              s.enterIdle,
			"enter_" + stateSearching:         s.enterSearching,
			"enter_" + stateSearchFailure:     s.enterSearchFailure,
			"enter_" + stateFoundReader:       s.enterFoundReader,
			"enter_" + stateStoppingSearch:    s.enterStoppingSearch,
			"enter_" + stateConnecting:        s.enterConnecting,
			"enter_" + stateConnected:         s.enterConnected,
			"enter_" + stateConnectionFailure: s.enterConnectionFailure,
		},
	)

	s.states = states
}

func (s *Session) enterState(e *fsm.Event) {
	s.log.Info().Str("old", e.Src).Str("event", e.Event).Str("new", e.Dst).Msg("transitioning state")

	view := ViewState{Kind: kindOf(e.Dst)}
	if e.Dst == stateSearchFailure || e.Dst == stateConnectionFailure {
		view.Err = eventError(e, 0)
	}

	s.mu.Lock()
	s.view = view
	s.mu.Unlock()

	if s.params.OnUpdate != nil {
		s.params.OnUpdate(view)
	}
}

func eventReader(e *fsm.Event, idx int) cardreader.Reader {
	reader := e.Args[idx].(cardreader.Reader)
	return reader
}

func eventError(e *fsm.Event, idx int) error {
	err := e.Args[idx].(error)
	return err
}

func (s *Session) enterIdle(e *fsm.Event) {
	if s.restartPending {
		s.restartPending = false
		s.enqueue(func() {
			s.dispatchEvent(evStartDiscovery)
		})
	}
}

func (s *Session) enterSearching(e *fsm.Event) {
	s.setFound(nil)

	a := s.newAttempt()
	s.discovery = a

	s.params.Tracker.Track(analytics.CardReaderDiscoveryTapped, nil)
	s.log.Debug().Uint64("attempt", a.id).Int64("site", s.params.SiteID).Msg("starting discovery")

	s.armTimeout(a, s.params.DiscoveryTimeout, "discovery", func(err error) {
		s.discoveryFailed(a.id, err)
	})
	s.params.Gateway.StartDiscovery(a.ctx, s.params.SiteID,
		func(readers []cardreader.Reader) {
			s.enqueue(func() {
				s.didDiscoverReaders(a.id, readers)
			})
		},
		func(err error) {
			s.enqueue(func() {
				s.discoveryFailed(a.id, err)
			})
		},
	)
}

func (s *Session) enterSearchFailure(e *fsm.Event) {
	err := eventError(e, 0)
	s.log.Error().Err(err).Msg("reader discovery failed")
	s.params.Tracker.TrackError(analytics.CardReaderDiscoveryFailed, err)

	s.discovery.end()
	s.discovery = nil
}

func (s *Session) enterFoundReader(e *fsm.Event) {
	reader := eventReader(e, 0)
	s.setFound(&reader)

	// the timeout bounds the wait for a candidate, not the time it is held
	s.discovery.stopTimer()
}

func (s *Session) enterStoppingSearch(e *fsm.Event) {
	s.setFound(nil)

	s.connection.end()
	s.connection = nil

	// results of the stopped scan are stale from here on, its context
	// lives until the SDK confirms the cancel
	stopping := s.discovery
	stopping.stopTimer()
	s.discovery = nil

	s.params.Gateway.CancelDiscovery(s.ctx, func(err error) {
		s.enqueue(func() {
			s.cancelAcknowledged(stopping, err)
		})
	})
}

func (s *Session) enterConnecting(e *fsm.Event) {
	reader := eventReader(e, 0)

	a := s.newAttempt()
	s.connection = a

	s.params.Tracker.Track(analytics.CardReaderConnectionTapped, nil)
	s.log.Debug().Uint64("attempt", a.id).Str("serial", reader.Serial).Msg("connecting to reader")

	s.armTimeout(a, s.params.ConnectTimeout, "connect", func(err error) {
		s.connectFinished(a.id, cardreader.Reader{}, err)
	})
	s.params.Gateway.Connect(a.ctx, reader, func(connected cardreader.Reader, err error) {
		s.enqueue(func() {
			s.connectFinished(a.id, connected, err)
		})
	})
}

func (s *Session) enterConnected(e *fsm.Event) {
	reader := eventReader(e, 0)

	s.connection.end()
	s.connection = nil
	s.setFound(nil)

	if err := s.params.KnownReaders.RememberCardReader(s.ctx, reader.Serial); err != nil {
		s.log.Error().Err(err).Str("serial", reader.Serial).Msg("could not remember card reader")
	}

	// readers without a battery, or with an unknown level, report no property
	var properties analytics.Properties
	if reader.BatteryLevel != nil {
		properties = analytics.Properties{"battery_level": *reader.BatteryLevel}
	}
	s.params.Tracker.Track(analytics.CardReaderConnectionSuccess, properties)
}

func (s *Session) enterConnectionFailure(e *fsm.Event) {
	err := eventError(e, 0)
	s.log.Error().Err(err).Msg("reader connection failed")
	s.params.Tracker.TrackError(analytics.CardReaderConnectionFailed, err)

	s.connection.end()
	s.connection = nil
}

func (s *Session) didDiscoverReaders(attemptId uint64, readers []cardreader.Reader) {
	if !s.discovery.is(attemptId) {
		s.log.Debug().Uint64("attempt", attemptId).Msg("ignoring readers of a stopped discovery")
		return
	}

	// one reader at a time: while a candidate is evaluated, new ones are ignored
	if !s.states.Is(stateSearching) {
		s.log.Debug().Str("state", s.states.Current()).Msg("ignoring discovered readers")
		return
	}

	// the SDK may publish an empty list first
	if len(readers) == 0 {
		return
	}

	s.params.Tracker.Track(analytics.CardReaderDiscoveredReader, nil)
	s.dispatchEvent(evReaderFound, readers[0])
}

func (s *Session) discoveryFailed(attemptId uint64, err error) {
	if !s.discovery.is(attemptId) {
		s.log.Debug().Err(err).Uint64("attempt", attemptId).Msg("ignoring error of a stopped discovery")
		return
	}

	err = readererror.DiscoveryFailed(err)

	// the held candidate stays, the scan behind it failed all the same
	if !s.states.Is(stateSearching) {
		s.log.Error().Err(err).Str("state", s.states.Current()).Msg("reader discovery failed")
		s.params.Tracker.TrackError(analytics.CardReaderDiscoveryFailed, err)
		return
	}

	s.dispatchEvent(evDiscoveryFailed, err)
}

func (s *Session) cancelAcknowledged(stopped *attempt, err error) {
	stopped.end()
	if err != nil {
		s.log.Warn().Err(err).Msg("cancelling discovery failed, treating discovery as stopped")
	}

	s.dispatchEvent(evCancelAcknowledged)
}

func (s *Session) connectFinished(attemptId uint64, reader cardreader.Reader, err error) {
	if !s.connection.is(attemptId) {
		s.log.Warn().Err(err).Uint64("attempt", attemptId).Msg("ignoring result of an abandoned connection attempt")
		return
	}

	if err != nil {
		s.dispatchEvent(evConnectionFailed, readererror.ConnectionFailed(err))
		return
	}

	s.dispatchEvent(evConnected, reader)
}
