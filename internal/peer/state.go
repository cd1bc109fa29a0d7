package peer

type State int

const (
	StateNew State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateNew:          {StateOffering, StateAnswering, StateClosed},
	StateOffering:     {StateConnected, StateClosed},
	StateAnswering:    {StateAnswering, StateConnected, StateClosed},
	StateConnected:    {StateReconnecting, StateClosed},
	StateReconnecting: {StateConnected, StateClosed},
	StateClosed:       nil,
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Negotiating reports whether an offer/answer exchange is in flight.
func (s State) Negotiating() bool {
	return s == StateOffering || s == StateAnswering
}

// ShouldInitiate reports whether the local peer sends the offer to remote.
// The lexicographically lower id initiates, so exactly one side of every
// pair offers.
func ShouldInitiate(self, remote string) bool {
	return self < remote
}
