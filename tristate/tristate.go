package tristate

// TriState is a boolean that may not be known yet.
type TriState uint8

const (
	Unknown TriState = iota
	True
	False
)

func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	}
	return "unknown"
}

// FromBool lifts a known boolean.
func FromBool(b bool) TriState {
	if b {
		return True
	}
	return False
}

// FromEmpty reports True for an empty collection of length n.
func FromEmpty(n int) TriState {
	return FromBool(n == 0)
}

// Combine decides whether the "connect a reader" prompt should be shown.
// It is Unknown until both inputs are known, True only when the store has
// neither known nor connected readers.
func Combine(noKnownReaders TriState, noConnectedReaders TriState) TriState {
	if noKnownReaders == Unknown || noConnectedReaders == Unknown {
		return Unknown
	}
	if noKnownReaders == True && noConnectedReaders == True {
		return True
	}
	return False
}
