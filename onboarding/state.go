// Package onboarding describes whether card-present payments can be used for
// a store. The state is decided elsewhere; this package only models it.
package onboarding

import (
	"time"

	"github.com/MeneDev/cardreader-settings/analytics"
	"github.com/pkg/errors"
)

// State is one of the onboarding variants below. Every variant implements
// ReasonForAnalytics itself, so a new variant cannot be added without
// deciding its analytics tag.
type State interface {
	// ReasonForAnalytics returns the tag logged when onboarding is not
	// completed. ok is false for states that are not errors.
	ReasonForAnalytics() (reason string, ok bool)

	isState()
}

// Loading means the data required to evaluate onboarding is being fetched.
type Loading struct{}

// Completed means all requirements are met.
type Completed struct{}

// CountryNotSupported means the store is located outside the supported countries.
type CountryNotSupported struct {
	CountryCode string
}

// PluginNotInstalled means the payments plugin is missing on the store.
type PluginNotInstalled struct{}

// PluginUnsupportedVersion means the installed plugin lacks the card present APIs.
type PluginUnsupportedVersion struct{}

// PluginNotActivated means the plugin is installed but not active.
type PluginNotActivated struct{}

// PluginSetupNotCompleted means the plugin is active but not set up.
type PluginSetupNotCompleted struct{}

// TestModeWithLiveAccount means the plugin is in test mode while the
// payment account is live. Readers cannot be used in this state.
type TestModeWithLiveAccount struct{}

// AccountUnderReview is temporary, the merchant has to wait.
type AccountUnderReview struct{}

// AccountPendingRequirement means requirements are due, payments still work
// until Deadline. Deadline is nil when the processor did not provide one.
type AccountPendingRequirement struct {
	Deadline *time.Time
}

// AccountOverdueRequirement means requirements are past due and payments are blocked.
type AccountOverdueRequirement struct{}

// AccountRejected means the payment account was rejected.
type AccountRejected struct{}

// GenericError means one of the checks failed.
type GenericError struct{}

// NoConnectionError means there is no network connection.
type NoConnectionError struct{}

func (Loading) ReasonForAnalytics() (string, bool)   { return "", false }
func (Completed) ReasonForAnalytics() (string, bool) { return "", false }

func (CountryNotSupported) ReasonForAnalytics() (string, bool) {
	return "country_not_supported", true
}

func (PluginNotInstalled) ReasonForAnalytics() (string, bool) {
	return "wcpay_not_installed", true
}

func (PluginUnsupportedVersion) ReasonForAnalytics() (string, bool) {
	return "wcpay_unsupported_version", true
}

func (PluginNotActivated) ReasonForAnalytics() (string, bool) {
	return "wcpay_not_activated", true
}

func (PluginSetupNotCompleted) ReasonForAnalytics() (string, bool) {
	return "wcpay_setup_not_completed", true
}

func (TestModeWithLiveAccount) ReasonForAnalytics() (string, bool) {
	return "wcpay_in_test_mode_with_live_account", true
}

func (AccountUnderReview) ReasonForAnalytics() (string, bool) {
	return "account_under_review", true
}

func (AccountPendingRequirement) ReasonForAnalytics() (string, bool) {
	return "account_pending_requirements", true
}

func (AccountOverdueRequirement) ReasonForAnalytics() (string, bool) {
	return "account_overdue_requirements", true
}

func (AccountRejected) ReasonForAnalytics() (string, bool) {
	return "account_rejected", true
}

func (GenericError) ReasonForAnalytics() (string, bool) {
	return "generic_error", true
}

func (NoConnectionError) ReasonForAnalytics() (string, bool) {
	return "no_connection_error", true
}

func (Loading) isState()                   {}
func (Completed) isState()                 {}
func (CountryNotSupported) isState()       {}
func (PluginNotInstalled) isState()        {}
func (PluginUnsupportedVersion) isState()  {}
func (PluginNotActivated) isState()        {}
func (PluginSetupNotCompleted) isState()   {}
func (TestModeWithLiveAccount) isState()   {}
func (AccountUnderReview) isState()        {}
func (AccountPendingRequirement) isState() {}
func (AccountOverdueRequirement) isState() {}
func (AccountRejected) isState()           {}
func (GenericError) isState()              {}
func (NoConnectionError) isState()         {}

// Equal compares two states by value, payloads included.
func Equal(a State, b State) bool {
	pa, aPending := a.(AccountPendingRequirement)
	pb, bPending := b.(AccountPendingRequirement)
	if aPending || bPending {
		if !(aPending && bPending) {
			return false
		}
		if pa.Deadline == nil || pb.Deadline == nil {
			return pa.Deadline == nil && pb.Deadline == nil
		}
		return pa.Deadline.Equal(*pb.Deadline)
	}

	return a == b
}

// Track reports a state that blocks card present payments. States without
// an analytics reason are not tracked.
func Track(tracker analytics.Tracker, state State) {
	reason, ok := state.ReasonForAnalytics()
	if !ok {
		return
	}
	tracker.Track(analytics.CardPresentOnboardingNotCompleted, analytics.Properties{"reason": reason})
}

var payloadFree = []State{
	Loading{},
	Completed{},
	CountryNotSupported{},
	PluginNotInstalled{},
	PluginUnsupportedVersion{},
	PluginNotActivated{},
	PluginSetupNotCompleted{},
	TestModeWithLiveAccount{},
	AccountUnderReview{},
	AccountPendingRequirement{},
	AccountOverdueRequirement{},
	AccountRejected{},
	GenericError{},
	NoConnectionError{},
}

// Parse returns the state tagged reason, without payload. The states without
// an analytics reason are named "loading" and "completed".
func Parse(reason string) (State, error) {
	switch reason {
	case "loading":
		return Loading{}, nil
	case "completed":
		return Completed{}, nil
	}

	for _, s := range payloadFree {
		if r, ok := s.ReasonForAnalytics(); ok && r == reason {
			return s, nil
		}
	}
	return nil, errors.Errorf("unknown onboarding state %q", reason)
}
