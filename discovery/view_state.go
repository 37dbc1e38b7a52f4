package discovery

import "fmt"

// Kind is the discovery step shown to the user.
type Kind int

const (
	Idle Kind = iota
	Searching
	StoppingSearch
	SearchFailure
	FoundReader
	ConnectingToReader
	ConnectionFailure
	Connected
)

var kindStates = map[Kind]string{
	Idle:               stateIdle,
	Searching:          stateSearching,
	StoppingSearch:     stateStoppingSearch,
	SearchFailure:      stateSearchFailure,
	FoundReader:        stateFoundReader,
	ConnectingToReader: stateConnecting,
	ConnectionFailure:  stateConnectionFailure,
	Connected:          stateConnected,
}

func (k Kind) String() string {
	if s, ok := kindStates[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func kindOf(state string) Kind {
	for k, s := range kindStates {
		if s == state {
			return k
		}
	}
	panic("unknown state " + state)
}

// ViewState is the current step. Err is set for SearchFailure and
// ConnectionFailure only.
type ViewState struct {
	Kind Kind
	Err  error
}

func (v ViewState) String() string {
	if v.Err != nil {
		return fmt.Sprintf("%s(%s)", v.Kind, v.Err)
	}
	return v.Kind.String()
}
