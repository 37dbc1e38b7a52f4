package scardgateway

import (
	"strings"
	"time"

	"github.com/ebfe/scard"
)

// pnpNotification is the pseudo reader whose state changes whenever a reader
// is attached or removed.
const pnpNotification = "\\\\?PnP?\\Notification"

// pcscContext is the part of *scard.Context the gateway uses.
type pcscContext interface {
	ListReaders() ([]string, error)
	GetStatusChange(readerStates []scard.ReaderState, timeout time.Duration) error
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (pcscCard, error)
	Cancel() error
	Release() error
}

type pcscCard interface {
	Disconnect(d scard.Disposition) error
}

type scardContext struct {
	*scard.Context
}

func establishContext() (pcscContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return scardContext{ctx}, nil
}

func (c scardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (pcscCard, error) {
	card, err := c.Context.Connect(reader, mode, proto)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func readersString(states []scard.ReaderState) string {
	readers := make([]string, 0, len(states))
	for _, s := range states {
		readers = append(readers, s.Reader)
	}
	return strings.Join(readers, ", ")
}

var stateFlagNames = []struct {
	flag scard.StateFlag
	name string
}{
	{scard.StateUnaware, "StateUnaware"},
	{scard.StateIgnore, "StateIgnore"},
	{scard.StateChanged, "StateChanged"},
	{scard.StateUnknown, "StateUnknown"},
	{scard.StateUnavailable, "StateUnavailable"},
	{scard.StateEmpty, "StateEmpty"},
	{scard.StatePresent, "StatePresent"},
	{scard.StateAtrmatch, "StateAtrmatch"},
	{scard.StateExclusive, "StateExclusive"},
	{scard.StateInuse, "StateInuse"},
	{scard.StateMute, "StateMute"},
	{scard.StateUnpowered, "StateUnpowered"},
}

func formatStateFlags(flags scard.StateFlag) string {
	usedFlagNames := make([]string, 0)
	for _, f := range stateFlagNames {
		if flags&f.flag != 0 || flags == f.flag {
			usedFlagNames = append(usedFlagNames, f.name)
		}
	}

	return strings.Join(usedFlagNames, " | ")
}

// trackReaders returns reader states for the pseudo reader followed by
// readers, keeping what is already known about readers seen before.
func trackReaders(states []scard.ReaderState, readers []string) []scard.ReaderState {
	known := make(map[string]scard.ReaderState, len(states))
	for _, s := range states {
		known[s.Reader] = s
	}

	tracked := make([]scard.ReaderState, 0, len(readers)+1)
	pnp, ok := known[pnpNotification]
	if !ok {
		pnp = scard.ReaderState{Reader: pnpNotification, CurrentState: scard.StateUnaware}
	}
	tracked = append(tracked, pnp)

	for _, reader := range readers {
		s, ok := known[reader]
		if !ok {
			s = scard.ReaderState{Reader: reader, CurrentState: scard.StateUnaware}
		}
		tracked = append(tracked, s)
	}
	return tracked
}
