package main

import "time"

type Options struct {
	ConfigFile    string        `short:"c" long:"config" description:"Configuration file (toml, yaml or json)"`
	SiteID        int64         `short:"s" long:"site" description:"Site to discover readers for, overrides the configuration"`
	Gateway       string        `short:"g" long:"gateway" choice:"sim" choice:"pcsc" choice:"usb" description:"Reader gateway, overrides the configuration"`
	Connect       bool          `long:"connect" description:"Connect to the first reader found"`
	ContinueAfter time.Duration `long:"continue-after" default:"0s" description:"Search again this long after a failure, 0 disables"`
	Onboarding    string        `long:"onboarding" default:"completed" description:"Onboarding state of the store, e.g. completed or wcpay_not_activated"`
	Forget        []string      `long:"forget" description:"Forget a known reader by serial and exit, may be repeated"`
	CheckUpdate   bool          `long:"check-update" description:"Report newer releases"`
	Debug         bool          `short:"d" long:"debug" description:"Enable debug logging"`
	ShowVersion   bool          `short:"v" long:"version" description:"Show version and exit"`
}
