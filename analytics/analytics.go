package analytics

import (
	"sync"

	"github.com/rs/zerolog"
)

// Stat names an analytics event.
type Stat string

const (
	CardReaderDiscoveryTapped         Stat = "card_reader_discovery_tapped"
	CardReaderDiscoveryFailed         Stat = "card_reader_discovery_failed"
	CardReaderDiscoveredReader        Stat = "card_reader_discovered_reader"
	CardReaderConnectionTapped        Stat = "card_reader_connection_tapped"
	CardReaderConnectionSuccess       Stat = "card_reader_connection_success"
	CardReaderConnectionFailed        Stat = "card_reader_connection_failed"
	CardPresentOnboardingNotCompleted Stat = "card_present_onboarding_not_completed"
)

type Properties map[string]interface{}

// Tracker receives analytics events. Implementations must not block.
type Tracker interface {
	Track(stat Stat, properties Properties)
	TrackError(stat Stat, err error)
}

var _ Tracker = (*LogTracker)(nil)

// LogTracker writes every event to a zerolog logger.
type LogTracker struct {
	logger zerolog.Logger
}

func LogTrackerNew(logger zerolog.Logger) *LogTracker {
	return &LogTracker{logger: logger.With().Str("component", "analytics").Logger()}
}

func (t *LogTracker) Track(stat Stat, properties Properties) {
	evt := t.logger.Info().Str("stat", string(stat))
	if len(properties) > 0 {
		evt = evt.Fields(map[string]interface{}(properties))
	}
	evt.Msg("track")
}

func (t *LogTracker) TrackError(stat Stat, err error) {
	t.logger.Warn().Str("stat", string(stat)).Err(err).Msg("track error")
}

// Multi fans events out to several trackers.
type Multi []Tracker

func (m Multi) Track(stat Stat, properties Properties) {
	for _, t := range m {
		t.Track(stat, properties)
	}
}

func (m Multi) TrackError(stat Stat, err error) {
	for _, t := range m {
		t.TrackError(stat, err)
	}
}

// Event is a recorded call to a Recorder.
type Event struct {
	Stat       Stat
	Properties Properties
	Err        error
}

// Recorder keeps every event in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Track(stat Stat, properties Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Stat: stat, Properties: properties})
}

func (r *Recorder) TrackError(stat Stat, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Stat: stat, Err: err})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stats lists the recorded stat names in order.
func (r *Recorder) Stats() []Stat {
	events := r.Events()
	stats := make([]Stat, 0, len(events))
	for _, e := range events {
		stats = append(stats, e.Stat)
	}
	return stats
}
